package workout

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"zone2-trainer/internal/ble"
	"zone2-trainer/internal/events"
	"zone2-trainer/internal/safego"
	"zone2-trainer/internal/telemetry"
)

// Status is the engine's lifecycle state. Finished and Aborted are
// terminal.
type Status int

const (
	StatusIdle Status = iota
	StatusWarmup
	StatusMainSet
	StatusCooldown
	StatusFinished
	StatusAborted
)

func (s Status) String() string {
	switch s {
	case StatusIdle:
		return "Idle"
	case StatusWarmup:
		return "Warmup"
	case StatusMainSet:
		return "MainSet"
	case StatusCooldown:
		return "Cooldown"
	case StatusFinished:
		return "Finished"
	case StatusAborted:
		return "Aborted"
	default:
		return "Unknown"
	}
}

func (s Status) terminal() bool {
	return s == StatusFinished || s == StatusAborted
}

func statusForPhase(kind PhaseKind) Status {
	switch kind {
	case PhaseWarmup:
		return StatusWarmup
	case PhaseMainSet, PhaseRecovery:
		return StatusMainSet
	case PhaseCooldown:
		return StatusCooldown
	default:
		return StatusIdle
	}
}

// TransitionReason explains why the engine changed state.
type TransitionReason string

const (
	ReasonNormal     TransitionReason = "normal"
	ReasonAborted    TransitionReason = "aborted"
	ReasonDeviceLost TransitionReason = "device_lost"
)

// Transition is a state change announcement.
type Transition struct {
	From   Status
	To     Status
	At     time.Time
	Reason TransitionReason
}

// Snapshot is the engine's view of the session, emitted every tick.
type Snapshot struct {
	Status         Status
	WorkoutName    string
	PhaseIndex     int
	Elapsed        time.Duration
	PhaseElapsed   time.Duration
	PhaseRemaining time.Duration
	TotalRemaining time.Duration
	TargetWatts    int
	AdaptiveActive bool
	HeartRateBpm   int
	PowerWatts     int
}

// TrainerController is the engine's hold on the trainer: push a power
// target, drop the link. Satisfied by *ble.Session.
type TrainerController interface {
	SetTargetPower(watts int) error
	Disconnect() error
}

// TelemetryReader is the engine's read-side view of merged telemetry.
// Satisfied by *telemetry.Stream.
type TelemetryReader interface {
	Latest() (telemetry.Sample, bool)
	WindowAverage(field telemetry.Field, window time.Duration, minCount int) (float64, bool)
	CountSince(field telemetry.Field, t time.Time) int
}

// AdjustmentPolicy parameterizes the heart rate controller's step sizes.
// The step scales with how far the heart rate sits outside the zone:
// SmallStepWatts just outside, LargeStepWatts beyond LargeMarginBpm.
// Inside the zone the controller trims by TrimStepWatts toward the zone
// midpoint once the heart rate strays more than TrimMarginBpm from it.
type AdjustmentPolicy struct {
	SmallStepWatts int
	LargeStepWatts int
	LargeMarginBpm int
	TrimStepWatts  int
	TrimMarginBpm  int
}

// DefaultAdjustmentPolicy matches the tuned values from field use.
var DefaultAdjustmentPolicy = AdjustmentPolicy{
	SmallStepWatts: 5,
	LargeStepWatts: 10,
	LargeMarginBpm: 5,
	TrimStepWatts:  2,
	TrimMarginBpm:  3,
}

const (
	// Cadence of the adaptive controller and its warm-start gate.
	adjustInterval    = 30 * time.Second
	minHRSamples      = 10
	hrAverageWindow   = 30 * time.Second
	hrAverageMinCount = 5

	// Telemetry older than this is not acted on.
	telemetryMaxAge = 5 * time.Second
)

type engineCommand int

const cmdAbort engineCommand = iota

// Engine drives one workout to completion: a 1 Hz loop that walks the
// phase timeline, pushes power targets, and runs the heart rate
// controller during an adaptive main set. The trainer link is dropped on
// every exit path, terminal states included.
type Engine struct {
	logger  *log.Logger
	trainer TrainerController
	stream  TelemetryReader
	wkt     Workout
	params  Params
	policy  AdjustmentPolicy

	mu           sync.Mutex
	status       Status
	elapsed      time.Duration
	phaseIdx     int
	phaseEntered time.Time
	started      bool

	// Adaptive controller state
	adaptiveWatts int
	lastAdjustAt  time.Time
	hrLost        bool

	// Push tracking: lastPushed is the last target accepted by the
	// trainer; a rejected push is retried exactly once on the next tick.
	lastPushed    int
	rejectRetries int

	snapshots   *events.ChannelEvent[Snapshot]
	transitions *events.CallbackEvent[Transition]

	cmdChan      chan engineCommand
	doneChan     chan struct{}
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewEngine creates an Engine for one workout run.
func NewEngine(logger *log.Logger, trainer TrainerController, stream TelemetryReader, wkt Workout, params Params) *Engine {
	if logger == nil {
		panic("Engine: logger cannot be nil")
	}
	if trainer == nil {
		panic("Engine: trainer cannot be nil")
	}
	if stream == nil {
		panic("Engine: stream cannot be nil")
	}
	if len(wkt.Phases) == 0 {
		panic("Engine: workout has no phases")
	}
	if err := params.Validate(); err != nil {
		panic(fmt.Sprintf("Engine: %v", err))
	}
	return &Engine{
		logger:      logger,
		trainer:     trainer,
		stream:      stream,
		wkt:         wkt,
		params:      params,
		policy:      DefaultAdjustmentPolicy,
		status:      StatusIdle,
		lastPushed:  -1,
		snapshots:   events.NewChannelEvent[Snapshot](true),
		transitions: events.NewCallbackEvent[Transition](false),
		cmdChan:     make(chan engineCommand, 1),
		doneChan:    make(chan struct{}),
	}
}

// ListenSnapshots registers a channel for per-tick snapshots. The last
// snapshot is replayed to late listeners.
func (e *Engine) ListenSnapshots(ch chan<- Snapshot) func() {
	return e.snapshots.Listen(ch)
}

// ListenTransitions registers a callback for state changes.
func (e *Engine) ListenTransitions(callback func(Transition)) func() {
	return e.transitions.Listen(callback)
}

// Status returns the current engine status.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Start begins the workout and runs the tick loop until a terminal
// state. It returns once the workout is underway.
func (e *Engine) Start() error {
	if err := e.begin(time.Now()); err != nil {
		return err
	}

	e.wg.Add(1)
	safego.Go(e.logger, func() {
		defer e.wg.Done()
		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-e.doneChan:
				e.abort(time.Now(), ReasonAborted)
				return
			case cmd := <-e.cmdChan:
				if cmd == cmdAbort {
					e.abort(time.Now(), ReasonAborted)
					return
				}
			case <-ticker.C:
				if done := e.handleTick(time.Now()); done {
					return
				}
			}
		}
	})
	return nil
}

// Stop aborts a running workout. Safe to call in any state.
func (e *Engine) Stop() {
	e.mu.Lock()
	terminal := e.status.terminal() || !e.started
	e.mu.Unlock()
	if terminal {
		return
	}
	select {
	case e.cmdChan <- cmdAbort:
	default:
	}
}

// Shutdown waits for the tick loop to exit, aborting first if the
// workout is still running. Safe to call multiple times.
func (e *Engine) Shutdown() {
	e.shutdownOnce.Do(func() {
		e.mu.Lock()
		running := e.started && !e.status.terminal()
		e.mu.Unlock()
		if running {
			close(e.doneChan)
		}
		e.wg.Wait()
	})
}

// OnTrainerLost is called when the trainer session exhausts its
// reconnects. Losing the controllable device is fatal.
func (e *Engine) OnTrainerLost() {
	e.logger.Printf("Trainer lost, aborting workout")
	e.abort(time.Now(), ReasonDeviceLost)
}

// OnHeartRateLost is called when the heart rate monitor is gone for
// good. The session degrades: adjustments stop, the last target holds.
func (e *Engine) OnHeartRateLost() {
	e.mu.Lock()
	e.hrLost = true
	e.mu.Unlock()
	e.logger.Printf("Heart rate monitor lost, holding last power target")
}

// begin moves Idle -> first phase and pushes the opening target.
func (e *Engine) begin(now time.Time) error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return fmt.Errorf("workout already started")
	}
	e.started = true
	e.phaseIdx = 0
	e.phaseEntered = now
	first := e.wkt.Phases[0]
	from := e.status
	e.status = statusForPhase(first.Kind)
	if first.Mode == TargetHeartRateAdaptive {
		e.resetAdaptiveLocked(now, first)
	}
	target := e.targetLocked(0, first)
	e.mu.Unlock()

	e.logger.Printf("Workout %q started (%v total)", e.wkt.Name, e.wkt.TotalDuration())
	e.emitTransition(Transition{From: from, To: statusForPhase(first.Kind), At: now, Reason: ReasonNormal})
	e.pushTarget(target)
	e.emitSnapshot(now)
	return nil
}

// handleTick advances the workout by one second. Returns true when the
// engine reached a terminal state. Split out from the loop so tests can
// drive time directly.
func (e *Engine) handleTick(now time.Time) bool {
	e.mu.Lock()
	if !e.started || e.status.terminal() {
		e.mu.Unlock()
		return true
	}

	e.elapsed += 1 * time.Second

	idx, offset, ok := e.wkt.PhaseAt(e.elapsed)
	if !ok {
		from := e.status
		e.status = StatusFinished
		e.mu.Unlock()

		e.logger.Printf("Workout %q complete", e.wkt.Name)
		e.emitTransition(Transition{From: from, To: StatusFinished, At: now, Reason: ReasonNormal})
		e.emitSnapshot(now)
		e.teardown()
		return true
	}

	phase := e.wkt.Phases[idx]
	var transition *Transition
	if idx != e.phaseIdx {
		from := e.status
		e.phaseIdx = idx
		e.phaseEntered = now
		e.status = statusForPhase(phase.Kind)
		if phase.Mode == TargetHeartRateAdaptive {
			e.resetAdaptiveLocked(now, phase)
		}
		transition = &Transition{From: from, To: e.status, At: now, Reason: ReasonNormal}
	}

	target := e.computeTargetLocked(now, offset, phase)
	e.mu.Unlock()

	if transition != nil {
		e.logger.Printf("Phase %d (%s) entered", idx, phase.Kind)
		e.emitTransition(*transition)
	}
	e.pushTarget(target)
	e.emitSnapshot(now)
	return false
}

func (e *Engine) resetAdaptiveLocked(now time.Time, phase Phase) {
	e.adaptiveWatts = e.clampAdaptive(phase.StartWatts)
	e.lastAdjustAt = now
}

// targetLocked returns the phase target without running the controller.
func (e *Engine) targetLocked(offset time.Duration, phase Phase) int {
	if phase.Mode == TargetHeartRateAdaptive {
		return e.adaptiveWatts
	}
	return phase.TargetAt(offset)
}

// computeTargetLocked returns this tick's power target, running the
// adaptive controller when due.
func (e *Engine) computeTargetLocked(now time.Time, offset time.Duration, phase Phase) int {
	if phase.Mode != TargetHeartRateAdaptive {
		return phase.TargetAt(offset)
	}

	if e.hrLost {
		return e.adaptiveWatts
	}
	if now.Sub(e.lastAdjustAt) < adjustInterval {
		return e.adaptiveWatts
	}
	// Adjust only with enough fresh heart rate data since phase entry.
	if e.stream.CountSince(telemetry.FieldHeartRate, e.phaseEntered) < minHRSamples {
		return e.adaptiveWatts
	}
	latest, ok := e.stream.Latest()
	if !ok || now.Sub(latest.Timestamp) > telemetryMaxAge {
		e.logger.Printf("Skipping adjustment: %v", telemetry.ErrStaleTelemetry)
		return e.adaptiveWatts
	}
	avgHR, ok := e.stream.WindowAverage(telemetry.FieldHeartRate, hrAverageWindow, hrAverageMinCount)
	if !ok {
		return e.adaptiveWatts
	}

	e.lastAdjustAt = now
	adjusted := e.clampAdaptive(e.adaptiveWatts + e.adjustmentFor(avgHR))
	if adjusted != e.adaptiveWatts {
		e.logger.Printf("Heart rate %.0f bpm (zone %d-%d): target %d -> %d W",
			avgHR, e.params.Zone2LowBpm, e.params.Zone2HighBpm, e.adaptiveWatts, adjusted)
		e.adaptiveWatts = adjusted
	}
	return e.adaptiveWatts
}

// adjustmentFor maps an average heart rate to a signed watt step.
func (e *Engine) adjustmentFor(avgHR float64) int {
	hr := int(math.Round(avgHR))
	low, high := e.params.Zone2LowBpm, e.params.Zone2HighBpm
	switch {
	case hr > high:
		if hr > high+e.policy.LargeMarginBpm {
			return -e.policy.LargeStepWatts
		}
		return -e.policy.SmallStepWatts
	case hr < low:
		if hr < low-e.policy.LargeMarginBpm {
			return e.policy.LargeStepWatts
		}
		return e.policy.SmallStepWatts
	default:
		// In zone: trim gently toward the midpoint.
		mid := (low + high) / 2
		if hr > mid+e.policy.TrimMarginBpm {
			return -e.policy.TrimStepWatts
		}
		if hr < mid-e.policy.TrimMarginBpm {
			return e.policy.TrimStepWatts
		}
		return 0
	}
}

func (e *Engine) clampAdaptive(watts int) int {
	minW := int(math.Round(MinAdaptiveFTPFraction * float64(e.params.FTPWatts)))
	maxW := int(math.Round(MaxAdaptiveFTPFraction * float64(e.params.FTPWatts)))
	if watts < minW {
		return minW
	}
	if watts > maxW {
		return maxW
	}
	return watts
}

// pushTarget sends the target if it differs from the last accepted one.
// A rejection is retried exactly once, on the next tick; after a second
// rejection the target is recorded as pushed so the engine moves on.
// Transport failures leave lastPushed untouched, so the target goes out
// again on the next tick once the link recovers.
func (e *Engine) pushTarget(watts int) {
	e.mu.Lock()
	if watts == e.lastPushed {
		e.mu.Unlock()
		return
	}
	retries := e.rejectRetries
	e.mu.Unlock()

	err := e.trainer.SetTargetPower(watts)

	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case err == nil:
		e.lastPushed = watts
		e.rejectRetries = 0
	case errors.Is(err, ble.ErrControlRejected):
		if retries == 0 {
			e.rejectRetries = 1
			e.logger.Printf("Target %d W rejected, retrying next tick: %v", watts, err)
			return
		}
		// Second rejection: stop hammering this value.
		e.lastPushed = watts
		e.rejectRetries = 0
		e.logger.Printf("Target %d W rejected twice, giving up on it: %v", watts, err)
	default:
		e.logger.Printf("Failed to set target %d W, retrying next tick: %v", watts, err)
	}
}

// abort moves to Aborted from any non-terminal state and tears down.
func (e *Engine) abort(now time.Time, reason TransitionReason) {
	e.mu.Lock()
	if !e.started || e.status.terminal() {
		e.mu.Unlock()
		return
	}
	from := e.status
	e.status = StatusAborted
	e.mu.Unlock()

	e.logger.Printf("Workout aborted (%s)", reason)
	e.emitTransition(Transition{From: from, To: StatusAborted, At: now, Reason: reason})
	e.emitSnapshot(now)
	e.teardown()
}

// teardown drops the trainer link. Runs on every terminal path; the
// session's Disconnect is idempotent.
func (e *Engine) teardown() {
	if err := e.trainer.Disconnect(); err != nil {
		e.logger.Printf("Trainer disconnect failed: %v", err)
	}
}

func (e *Engine) emitTransition(t Transition) {
	e.transitions.Notify(t)
}

func (e *Engine) emitSnapshot(now time.Time) {
	e.mu.Lock()
	snap := Snapshot{
		Status:      e.status,
		WorkoutName: e.wkt.Name,
		PhaseIndex:  e.phaseIdx,
		Elapsed:     e.elapsed,
	}
	total := e.wkt.TotalDuration()
	if e.elapsed < total {
		snap.TotalRemaining = total - e.elapsed
	}
	if idx, offset, ok := e.wkt.PhaseAt(e.elapsed); ok {
		phase := e.wkt.Phases[idx]
		snap.PhaseElapsed = offset
		snap.PhaseRemaining = phase.Duration - offset
		snap.AdaptiveActive = phase.Mode == TargetHeartRateAdaptive && !e.hrLost
		if phase.Mode == TargetHeartRateAdaptive {
			snap.TargetWatts = e.adaptiveWatts
		} else {
			snap.TargetWatts = phase.TargetAt(offset)
		}
	} else {
		snap.TargetWatts = e.lastPushed
	}
	if latest, ok := e.stream.Latest(); ok {
		if latest.HasHeartRate {
			snap.HeartRateBpm = latest.HeartRateBpm
		}
		if latest.HasPower {
			snap.PowerWatts = latest.PowerWatts
		}
	}
	e.mu.Unlock()

	e.snapshots.Notify(snap)
}
