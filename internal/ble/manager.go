package ble

import (
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"zone2-trainer/internal/events"
	"zone2-trainer/internal/safego"

	"tinygo.org/x/bluetooth"
)

// Candidate is a device found during a scan.
type Candidate struct {
	Address string
	Name    string
	RSSI    int16
}

// Manager owns the bluetooth adapter and tracks every peripheral seen
// during scans or connections. Connection state changes arrive through
// the adapter's single connect handler and are fanned out per address.
type Manager struct {
	adapter   *bluetooth.Adapter
	logger    *log.Logger
	scanStale time.Duration

	mu          sync.RWMutex
	peripherals map[string]*peripheral
	scanning    bool

	// Emits the address on every adapter-level disconnect, expected or not.
	disconnects *events.CallbackEvent[string]
}

// NewManager creates a Manager around adapter. Call Enable before use.
func NewManager(adapter *bluetooth.Adapter, logger *log.Logger) *Manager {
	if adapter == nil {
		panic("Manager: adapter cannot be nil")
	}
	if logger == nil {
		panic("Manager: logger cannot be nil")
	}
	return &Manager{
		adapter:     adapter,
		logger:      logger,
		scanStale:   10 * time.Second,
		peripherals: make(map[string]*peripheral),
		disconnects: events.NewCallbackEvent[string](false),
	}
}

// Enable powers on the adapter and installs the connect handler that
// keeps peripheral state in sync with the radio.
func (m *Manager) Enable() error {
	m.adapter.SetConnectHandler(func(device bluetooth.Device, connected bool) {
		addr := device.Address.String()
		p := m.peripheralFor(device.Address)
		if connected {
			m.logger.Printf("Device connected: %s", addr)
			p.setConnected(&device)
		} else {
			m.logger.Printf("Device disconnected: %s", addr)
			p.setConnected(nil)
			m.disconnects.Notify(addr)
		}
	})

	if err := m.adapter.Enable(); err != nil {
		return fmt.Errorf("failed to enable bluetooth adapter: %w", err)
	}
	return nil
}

// ListenDisconnects registers a callback invoked with the address of any
// peripheral that drops its connection. Returns a deregistration func.
func (m *Manager) ListenDisconnects(callback func(address string)) func() {
	return m.disconnects.Listen(callback)
}

func (m *Manager) peripheralFor(address bluetooth.Address) *peripheral {
	m.mu.Lock()
	defer m.mu.Unlock()
	addr := address.String()
	p, ok := m.peripherals[addr]
	if !ok {
		p = newPeripheral(m.logger, address, m.scanStale)
		m.peripherals[addr] = p
	}
	return p
}

// Peripheral returns a previously seen peripheral by address, or nil.
func (m *Manager) Peripheral(address string) *peripheral {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peripherals[address]
}

// Scan searches for devices advertising a service matching role, with a
// case-insensitive substring name filter (empty matches everything).
// It collects candidates for the full window and returns them sorted by
// arrival; ErrScanTimeout if the window closes with none found.
func (m *Manager) Scan(role Role, nameFilter string, timeout time.Duration) ([]Candidate, error) {
	m.mu.Lock()
	if m.scanning {
		m.mu.Unlock()
		return nil, fmt.Errorf("a scan is already running")
	}
	m.scanning = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.scanning = false
		m.mu.Unlock()
	}()

	serviceFilter := make(map[string]struct{})
	for _, uuid := range role.ScanServiceUUIDs() {
		serviceFilter[uuid] = struct{}{}
	}
	filter := strings.ToLower(nameFilter)

	m.logger.Printf("Scanning for %s (name filter %q, timeout %v)", role, nameFilter, timeout)

	var resultMu sync.Mutex
	var candidates []Candidate
	seen := make(map[string]bool)

	scanErr := make(chan error, 1)
	safego.Go(m.logger, func() {
		err := m.adapter.Scan(func(adapter *bluetooth.Adapter, device bluetooth.ScanResult) {
			matched := false
			for _, uuid := range device.ServiceUUIDs() {
				if _, ok := serviceFilter[uuid.String()]; ok {
					matched = true
					break
				}
			}
			if !matched {
				return
			}

			name := device.LocalName()
			if filter != "" && !strings.Contains(strings.ToLower(name), filter) {
				return
			}

			addr := device.Address.String()
			p := m.peripheralFor(device.Address)
			p.setScanResult(&device, time.Now())

			resultMu.Lock()
			if !seen[addr] {
				seen[addr] = true
				if name == "" {
					name = "Unknown"
				}
				candidates = append(candidates, Candidate{Address: addr, Name: name, RSSI: device.RSSI})
				m.logger.Printf("Found %s candidate: %s (%s) [RSSI: %d]", role, name, addr, device.RSSI)
			}
			resultMu.Unlock()
		})
		scanErr <- err
	})

	select {
	case err := <-scanErr:
		if err != nil {
			return nil, fmt.Errorf("scan error: %w", err)
		}
	case <-time.After(timeout):
	}

	if err := m.adapter.StopScan(); err != nil {
		m.logger.Printf("Error stopping scan: %v", err)
	}

	resultMu.Lock()
	defer resultMu.Unlock()
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no %s found in %v", ErrScanTimeout, role, timeout)
	}
	return candidates, nil
}

// connect initiates a connection and waits for the connect handler to
// confirm it.
func (m *Manager) connect(p *peripheral, timeout time.Duration) error {
	addr := p.AddressString()
	if !p.recentlyScanned(time.Now()) {
		m.logger.Printf("Connecting to %s without a recent advertisement", addr)
	}
	m.logger.Printf("Connecting to %s", addr)

	if _, err := m.adapter.Connect(p.address, bluetooth.ConnectionParams{}); err != nil {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	if err := p.WaitForConnection(timeout); err != nil {
		return err
	}
	m.logger.Printf("Connected to %s", addr)
	return nil
}

// disconnect drops the connection if one exists. Safe to call repeatedly.
func (m *Manager) disconnect(p *peripheral) error {
	device := p.connectedDevice()
	if device == nil {
		return nil
	}
	m.logger.Printf("Disconnecting from %s", p.AddressString())
	if err := device.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	return nil
}
