package ble

import (
	"fmt"
	"log"
	"sync"
	"time"

	"zone2-trainer/internal/events"
	"zone2-trainer/internal/safego"
)

const (
	connectTimeout     = 10 * time.Second
	controlRespTimeout = 2 * time.Second
	reconnectAttempts  = 3
	reconnectBaseDelay = 1 * time.Second
)

// Link discovers devices and opens role-specific sessions on them.
type Link struct {
	mgr    *Manager
	logger *log.Logger
}

// NewLink creates a Link over an enabled Manager.
func NewLink(mgr *Manager, logger *log.Logger) *Link {
	if mgr == nil {
		panic("Link: manager cannot be nil")
	}
	if logger == nil {
		panic("Link: logger cannot be nil")
	}
	return &Link{mgr: mgr, logger: logger}
}

// Scan finds candidates for a role. See Manager.Scan.
func (l *Link) Scan(role Role, nameFilter string, timeout time.Duration) ([]Candidate, error) {
	return l.mgr.Scan(role, nameFilter, timeout)
}

// sessionDevice is the radio-facing surface a Session drives: GATT
// access on one peripheral plus the adapter-level connection to it.
// Satisfied by managedPeripheral; faked in tests.
type sessionDevice interface {
	Connect(timeout time.Duration) error
	Disconnect() error
	ListenDisconnects(callback func(address string)) func()
	HasServiceUUID(uuid string) bool
	EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error
	ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error)
	WriteCharacteristic(serviceUUID, charUUID string, data []byte) error
}

// managedPeripheral binds a peripheral to the Manager that owns its
// adapter connection.
type managedPeripheral struct {
	mgr *Manager
	p   *peripheral
}

func (d *managedPeripheral) Connect(timeout time.Duration) error {
	return d.mgr.connect(d.p, timeout)
}

func (d *managedPeripheral) Disconnect() error {
	return d.mgr.disconnect(d.p)
}

func (d *managedPeripheral) ListenDisconnects(callback func(address string)) func() {
	return d.mgr.ListenDisconnects(callback)
}

func (d *managedPeripheral) HasServiceUUID(uuid string) bool {
	return d.p.HasServiceUUID(uuid)
}

func (d *managedPeripheral) EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error {
	return d.p.EnableNotifications(serviceUUID, charUUID, callback)
}

func (d *managedPeripheral) ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error) {
	return d.p.ReadCharacteristic(serviceUUID, charUUID)
}

func (d *managedPeripheral) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	return d.p.WriteCharacteristic(serviceUUID, charUUID, data)
}

// Session is a live connection to one device in one role. Measurements
// decoded from its notifications are delivered through ListenMeasurements;
// a session that exhausts its reconnect attempts reports itself through
// ListenLost and moves to LinkFailed.
type Session struct {
	role    Role
	dev     sessionDevice
	logger  *log.Logger
	name    string
	address string
	caps    Capabilities

	reconnectDelay time.Duration

	stateMu sync.Mutex
	state   LinkState
	closing bool

	measurements *events.CallbackEvent[Measurement]
	lost         *events.CallbackEvent[Role]
	cadence      cadenceTracker

	// Target power write path: wantSeq lets a caller detect that a newer
	// target superseded its own while it waited for the write lock.
	ctrlMu    sync.Mutex
	wantWatts int
	wantSeq   uint64
	writeMu   sync.Mutex
	ctrlResp  chan controlResponse

	stopDisconnectListener func()
}

func newSession(role Role, dev sessionDevice, logger *log.Logger, name, address string) *Session {
	return &Session{
		role:           role,
		dev:            dev,
		logger:         logger,
		name:           name,
		address:        address,
		state:          LinkConnecting,
		reconnectDelay: reconnectBaseDelay,
		measurements:   events.NewCallbackEvent[Measurement](false),
		lost:           events.NewCallbackEvent[Role](false),
		ctrlResp:       make(chan controlResponse, 4),
	}
}

// Connect opens a session on a scanned candidate. For RoleTrainer this
// verifies ERG capability, subscribes telemetry, and acquires FTMS
// control; for RoleHeartRateMonitor it subscribes the heart rate stream.
func (l *Link) Connect(role Role, candidate Candidate) (*Session, error) {
	p := l.mgr.Peripheral(candidate.Address)
	if p == nil {
		return nil, fmt.Errorf("%w: device %s not seen in a scan", ErrConnection, candidate.Address)
	}

	s := newSession(role, &managedPeripheral{mgr: l.mgr, p: p}, l.logger, candidate.Name, candidate.Address)

	if err := s.dev.Connect(connectTimeout); err != nil {
		s.setState(LinkDisconnected)
		return nil, err
	}

	if err := s.open(); err != nil {
		return nil, err
	}
	l.logger.Printf("Session open: %s as %s", s.name, role)
	return s, nil
}

// open subscribes the role's streams on an established connection and
// arms the disconnect watcher.
func (s *Session) open() error {
	if err := s.subscribe(true); err != nil {
		_ = s.dev.Disconnect()
		s.setState(LinkDisconnected)
		return err
	}
	s.stopDisconnectListener = s.dev.ListenDisconnects(s.handleDisconnect)
	s.setState(LinkConnected)
	return nil
}

func (s *Session) Role() Role                 { return s.role }
func (s *Session) Name() string               { return s.name }
func (s *Session) Address() string            { return s.address }
func (s *Session) Capabilities() Capabilities { return s.caps }

func (s *Session) State() LinkState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) setState(state LinkState) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
}

// ListenMeasurements registers a callback for decoded telemetry.
// Callbacks run on the notification goroutine and must not block.
func (s *Session) ListenMeasurements(callback func(Measurement)) func() {
	return s.measurements.Listen(callback)
}

// ListenLost registers a callback invoked once when the session gives up
// reconnecting.
func (s *Session) ListenLost(callback func(Role)) func() {
	return s.lost.Listen(callback)
}

// subscribe wires the role's notification streams. checkCapabilities is
// set on first connect only; reconnects keep the capabilities already
// verified.
func (s *Session) subscribe(checkCapabilities bool) error {
	switch s.role {
	case RoleHeartRateMonitor:
		return s.subscribeHeartRate()
	case RoleTrainer:
		return s.subscribeTrainer(checkCapabilities)
	default:
		return fmt.Errorf("unknown role: %s", s.role)
	}
}

func (s *Session) subscribeHeartRate() error {
	err := s.dev.EnableNotifications(ServiceUUIDHeartRate, CharUUIDHeartRateMeasurement, func(buf []byte) {
		m, err := parseHeartRateMeasurement(buf)
		if err != nil {
			s.logger.Printf("Heart rate parse error: %v (raw: %v)", err, buf)
			return
		}
		s.measurements.Notify(m)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe heart rate: %w", err)
	}
	return nil
}

func (s *Session) subscribeTrainer(checkCapabilities bool) error {
	if checkCapabilities {
		featureBuf, err := s.dev.ReadCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSFeature)
		if err != nil {
			return fmt.Errorf("failed to read FTMS features: %w", err)
		}
		caps, err := parseFTMSFeature(featureBuf)
		if err != nil {
			return err
		}
		if !caps.PowerTarget {
			return fmt.Errorf("%w: %s has no FTMS power target support", ErrUnsupportedDevice, s.name)
		}

		caps.MinPowerWatts = MinTargetPowerWatts
		caps.MaxPowerWatts = MaxTargetPowerWatts
		if rangeBuf, err := s.dev.ReadCharacteristic(ServiceUUIDFTMS, CharUUIDSupportedPowerRange); err == nil {
			if minW, maxW, step, perr := parseSupportedPowerRange(rangeBuf); perr == nil {
				caps.MinPowerWatts = minW
				caps.MaxPowerWatts = maxW
				caps.StepWatts = step
			}
		} else {
			s.logger.Printf("Supported power range not readable: %v", err)
		}
		s.caps = caps
		s.logger.Printf("Trainer capabilities: power target, range %d-%d W (step %d)",
			caps.MinPowerWatts, caps.MaxPowerWatts, caps.StepWatts)
	}

	// Control point indications confirm or reject every command.
	err := s.dev.EnableNotifications(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, func(buf []byte) {
		resp, err := parseControlResponse(buf)
		if err != nil {
			s.logger.Printf("Control point: %v", err)
			return
		}
		s.logger.Printf("Control point: op 0x%02X -> %s", resp.requestOpCode, controlResultName(resp.resultCode))
		select {
		case s.ctrlResp <- resp:
		default:
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe control point: %w", err)
	}

	err = s.dev.EnableNotifications(ServiceUUIDFTMS, CharUUIDIndoorBikeData, func(buf []byte) {
		m, err := parseIndoorBikeData(buf)
		if err != nil {
			s.logger.Printf("Indoor bike data parse error: %v (raw: %v)", err, buf)
			return
		}
		s.measurements.Notify(m)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe indoor bike data: %w", err)
	}

	// The dedicated power service usually duplicates FTMS power but some
	// trainers report it more frequently there. Best effort.
	if s.dev.HasServiceUUID(ServiceUUIDCyclingPower) {
		err := s.dev.EnableNotifications(ServiceUUIDCyclingPower, CharUUIDCyclingPowerMeasurement, func(buf []byte) {
			m, err := parseCyclingPowerMeasurement(buf)
			if err != nil {
				s.logger.Printf("Cycling power parse error: %v (raw: %v)", err, buf)
				return
			}
			s.measurements.Notify(m)
		})
		if err != nil {
			s.logger.Printf("Cycling power subscription failed (continuing): %v", err)
		}
	}
	if s.dev.HasServiceUUID(ServiceUUIDCyclingSpeedCadence) {
		err := s.dev.EnableNotifications(ServiceUUIDCyclingSpeedCadence, CharUUIDCSCMeasurement, func(buf []byte) {
			m, err := s.cadence.parseCSCMeasurement(buf)
			if err != nil {
				s.logger.Printf("CSC parse error: %v (raw: %v)", err, buf)
				return
			}
			if m.HasCadence {
				s.measurements.Notify(m)
			}
		})
		if err != nil {
			s.logger.Printf("CSC subscription failed (continuing): %v", err)
		}
	}

	return s.acquireControl()
}

// acquireControl requests FTMS control and starts the machine. Some
// trainers do not require Start, so its failure is only logged.
func (s *Session) acquireControl() error {
	if err := s.writeControl(FTMSOpCodeRequestControl, nil); err != nil {
		return fmt.Errorf("failed to acquire trainer control: %w", err)
	}
	if err := s.writeControl(FTMSOpCodeStartOrResume, nil); err != nil {
		s.logger.Printf("Start command failed (may not be required): %v", err)
	}
	return nil
}

// writeControl writes a control point command and waits for its
// indication. A missing indication is treated as accepted: some
// trainers do not reliably deliver one.
func (s *Session) writeControl(opCode byte, params []byte) error {
	// Drain stale responses from earlier commands.
	for {
		select {
		case <-s.ctrlResp:
			continue
		default:
		}
		break
	}

	data := append([]byte{opCode}, params...)
	if err := s.dev.WriteCharacteristic(ServiceUUIDFTMS, CharUUIDFTMSControlPoint, data); err != nil {
		return err
	}
	return s.awaitControlResponse(opCode)
}

func (s *Session) awaitControlResponse(opCode byte) error {
	deadline := time.After(controlRespTimeout)
	for {
		select {
		case resp := <-s.ctrlResp:
			if resp.requestOpCode != opCode {
				continue
			}
			if resp.resultCode != FTMSResultSuccess {
				return fmt.Errorf("%w: op 0x%02X -> %s", ErrControlRejected, opCode, controlResultName(resp.resultCode))
			}
			return nil
		case <-deadline:
			return nil
		}
	}
}

// SetTargetPower sends an ERG power target. Writes are serialized, and a
// call that was superseded by a newer target while waiting its turn skips
// its write: only the latest requested target reaches the trainer.
func (s *Session) SetTargetPower(watts int) error {
	if s.role != RoleTrainer {
		return fmt.Errorf("%w: session role is %s", ErrControlRejected, s.role)
	}
	switch s.State() {
	case LinkConnected:
	case LinkFailed:
		return ErrDeviceLost
	default:
		return ErrNotConnected
	}

	if watts < s.caps.MinPowerWatts {
		watts = s.caps.MinPowerWatts
	}
	if watts > s.caps.MaxPowerWatts {
		watts = s.caps.MaxPowerWatts
	}

	s.ctrlMu.Lock()
	s.wantWatts = watts
	s.wantSeq++
	seq := s.wantSeq
	s.ctrlMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.ctrlMu.Lock()
	superseded := seq != s.wantSeq
	target := s.wantWatts
	s.ctrlMu.Unlock()
	if superseded {
		return nil
	}

	s.logger.Printf("Setting target power: %d W", target)
	return s.writeControl(FTMSOpCodeSetTargetPower, encodeSetTargetPower(target)[1:])
}

// handleDisconnect reacts to adapter-level disconnects of this session's
// peripheral. Expected disconnects (Disconnect in progress) are ignored;
// unexpected ones trigger the reconnect ladder.
func (s *Session) handleDisconnect(address string) {
	if address != s.address {
		return
	}
	s.stateMu.Lock()
	if s.closing || s.state == LinkReconnecting || s.state == LinkFailed {
		s.stateMu.Unlock()
		return
	}
	s.state = LinkReconnecting
	s.stateMu.Unlock()

	s.logger.Printf("Unexpected disconnect from %s (%s), reconnecting", s.name, s.role)
	safego.Go(s.logger, s.reconnectLoop)
}

func (s *Session) reconnectLoop() {
	delay := s.reconnectDelay
	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		time.Sleep(delay)
		delay *= 2

		s.stateMu.Lock()
		if s.closing {
			s.stateMu.Unlock()
			return
		}
		s.stateMu.Unlock()

		s.logger.Printf("Reconnect attempt %d/%d to %s", attempt, reconnectAttempts, s.name)
		if err := s.dev.Connect(connectTimeout); err != nil {
			s.logger.Printf("Reconnect attempt %d failed: %v", attempt, err)
			continue
		}
		if err := s.subscribe(false); err != nil {
			s.logger.Printf("Resubscribe after reconnect failed: %v", err)
			_ = s.dev.Disconnect()
			continue
		}

		s.setState(LinkConnected)
		s.logger.Printf("Reconnected to %s", s.name)
		return
	}

	s.setState(LinkFailed)
	s.logger.Printf("Device lost: %s (%s)", s.name, s.role)
	s.lost.Notify(s.role)
}

// Disconnect tears the session down. For a trainer it first sends FTMS
// Reset to drop ERG mode so the flywheel does not stay loaded. Safe to
// call multiple times.
func (s *Session) Disconnect() error {
	s.stateMu.Lock()
	if s.closing {
		s.stateMu.Unlock()
		return nil
	}
	s.closing = true
	wasConnected := s.state == LinkConnected
	s.state = LinkDisconnected
	s.stateMu.Unlock()

	if s.stopDisconnectListener != nil {
		s.stopDisconnectListener()
	}

	if s.role == RoleTrainer && wasConnected {
		if err := s.writeControl(FTMSOpCodeReset, nil); err != nil {
			s.logger.Printf("FTMS reset before disconnect failed: %v", err)
		}
	}

	if err := s.dev.Disconnect(); err != nil {
		return err
	}
	s.logger.Printf("Session closed: %s (%s)", s.name, s.role)
	return nil
}
