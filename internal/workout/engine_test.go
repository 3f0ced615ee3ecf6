package workout

import (
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zone2-trainer/internal/ble"
	"zone2-trainer/internal/telemetry"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

type fakeTrainer struct {
	mu          sync.Mutex
	calls       []int
	rejectNext  int
	failNext    int
	disconnects int
}

func (f *fakeTrainer) SetTargetPower(watts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, watts)
	if f.failNext > 0 {
		f.failNext--
		return ble.ErrNotConnected
	}
	if f.rejectNext > 0 {
		f.rejectNext--
		return fmt.Errorf("target refused: %w", ble.ErrControlRejected)
	}
	return nil
}

func (f *fakeTrainer) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disconnects++
	return nil
}

func (f *fakeTrainer) targets() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *fakeTrainer) disconnectCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disconnects
}

// Short timeline so tests tick through phases quickly: flat warmup,
// adaptive main set, flat cooldown.
func testEngineWorkout() Workout {
	return Workout{
		Name: "test",
		Phases: []Phase{
			{Kind: PhaseWarmup, Mode: TargetFixed, StartWatts: 100, EndWatts: 100, Duration: 10 * time.Second},
			{Kind: PhaseMainSet, Mode: TargetHeartRateAdaptive, StartWatts: 130, EndWatts: 130, Duration: 10 * time.Minute},
			{Kind: PhaseCooldown, Mode: TargetFixed, StartWatts: 80, EndWatts: 80, Duration: 10 * time.Second},
		},
	}
}

type engineFixture struct {
	engine  *Engine
	trainer *fakeTrainer
	stream  *telemetry.Stream
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	trainer := &fakeTrainer{}
	stream := telemetry.NewStream(testLogger())
	engine := NewEngine(testLogger(), trainer, stream, testEngineWorkout(), testParams())
	return &engineFixture{engine: engine, trainer: trainer, stream: stream}
}

// tick ingests one measurement per second and advances the engine, for
// seconds from..to inclusive.
func (f *engineFixture) tick(from, to int, measure func(sec int) ble.Measurement) {
	for i := from; i <= to; i++ {
		if measure != nil {
			f.stream.Ingest(measure(i), at(i))
		}
		f.engine.handleTick(at(i))
	}
}

func hrMeasurement(bpm int) func(int) ble.Measurement {
	return func(int) ble.Measurement {
		return ble.Measurement{HasHeartRate: true, HeartRateBpm: bpm, HasPower: true, PowerWatts: 140}
	}
}

func powerOnly(int) ble.Measurement {
	return ble.Measurement{HasPower: true, PowerWatts: 140}
}

// firstAdjustedTarget runs the engine into the adaptive main set with a
// steady heart rate and returns the target after the first adjustment
// window (30s into the main set).
func firstAdjustedTarget(t *testing.T, bpm int) int {
	t.Helper()
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))
	f.tick(1, 40, hrMeasurement(bpm))

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	return f.engine.adaptiveWatts
}

func TestEngine_BeginPushesFirstTarget(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	assert.Equal(t, StatusWarmup, f.engine.Status())
	assert.Equal(t, []int{100}, f.trainer.targets())
}

func TestEngine_BeginTwiceFails(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))
	assert.Error(t, f.engine.begin(at(1)))
}

func TestEngine_PushesTargetOnlyOnChange(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	// Flat warmup: one push at begin, one at main set entry.
	f.tick(1, 15, powerOnly)
	assert.Equal(t, []int{100, 130}, f.trainer.targets())
}

func TestEngine_PhaseTransitions(t *testing.T) {
	f := newEngineFixture(t)

	var got []Transition
	unregister := f.engine.ListenTransitions(func(tr Transition) { got = append(got, tr) })
	defer unregister()

	require.NoError(t, f.engine.begin(at(0)))
	f.tick(1, 620, powerOnly)

	require.Len(t, got, 4)
	assert.Equal(t, StatusIdle, got[0].From)
	assert.Equal(t, StatusWarmup, got[0].To)
	assert.Equal(t, StatusMainSet, got[1].To)
	assert.Equal(t, StatusCooldown, got[2].To)
	assert.Equal(t, StatusFinished, got[3].To)
	for _, tr := range got {
		assert.Equal(t, ReasonNormal, tr.Reason)
	}

	assert.Equal(t, StatusFinished, f.engine.Status())
	assert.Equal(t, 1, f.trainer.disconnectCount(), "trainer must be released on finish")
}

func TestEngine_AdaptiveIncreaseWhenHRBelowZone(t *testing.T) {
	// 118 bpm is more than 5 below the 124 floor: large step up.
	target := firstAdjustedTarget(t, 118)
	assert.Equal(t, 140, target)
}

func TestEngine_AdaptiveSmallIncreaseJustBelowZone(t *testing.T) {
	target := firstAdjustedTarget(t, 121)
	assert.Equal(t, 135, target)
}

func TestEngine_AdaptiveDecreaseWhenHRAboveZone(t *testing.T) {
	// 150 bpm is more than 5 above the 143 ceiling: large step down.
	target := firstAdjustedTarget(t, 150)
	assert.Equal(t, 120, target)
}

func TestEngine_AdaptiveSmallDecreaseJustAboveZone(t *testing.T) {
	target := firstAdjustedTarget(t, 145)
	assert.Equal(t, 125, target)
}

func TestEngine_InZoneTrimsTowardMidpoint(t *testing.T) {
	// Midpoint is 133; 140 sits above the trim margin.
	assert.Equal(t, 128, firstAdjustedTarget(t, 140))
	// Near the midpoint nothing changes.
	assert.Equal(t, 130, firstAdjustedTarget(t, 132))
}

func TestEngine_StepBoundedBetween5And10Watts(t *testing.T) {
	for _, bpm := range []int{100, 118, 121, 123} {
		target := firstAdjustedTarget(t, bpm)
		step := target - 130
		assert.GreaterOrEqual(t, step, 5, "bpm %d", bpm)
		assert.LessOrEqual(t, step, 10, "bpm %d", bpm)
	}
}

func TestEngine_NoAdjustmentWithoutEnoughHRSamples(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	// Heart rate on fewer than 10 of the seconds since main set entry.
	f.tick(1, 40, func(sec int) ble.Measurement {
		m := ble.Measurement{HasPower: true, PowerWatts: 140}
		if sec >= 10 && sec < 18 {
			m.HasHeartRate = true
			m.HeartRateBpm = 110
		}
		return m
	})

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, 130, f.engine.adaptiveWatts)
}

func TestEngine_NoAdjustmentOnStaleTelemetry(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	// Plenty of heart rate data, but the feed dies at t=20.
	f.tick(1, 20, hrMeasurement(110))
	f.tick(21, 45, nil)

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, 130, f.engine.adaptiveWatts)
}

func TestEngine_AdaptiveClampedAtCeiling(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))
	f.tick(1, 12, hrMeasurement(110))

	// 80% of FTP 200 is 160; a large step from 158 must not cross it.
	f.engine.mu.Lock()
	f.engine.adaptiveWatts = 158
	f.engine.mu.Unlock()

	f.tick(13, 40, hrMeasurement(110))

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, 160, f.engine.adaptiveWatts)
}

func TestEngine_AdaptiveClampedAtFloor(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))
	f.tick(1, 12, hrMeasurement(155))

	f.engine.mu.Lock()
	f.engine.adaptiveWatts = 102
	f.engine.mu.Unlock()

	f.tick(13, 40, hrMeasurement(155))

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, 100, f.engine.adaptiveWatts)
}

func TestEngine_RejectedTargetRetriedOnce(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	f.trainer.mu.Lock()
	f.trainer.rejectNext = 1
	f.trainer.mu.Unlock()

	f.tick(1, 11, powerOnly)

	// Main set entry at t=10 is rejected and retried at t=11.
	assert.Equal(t, []int{100, 130, 130}, f.trainer.targets())
}

func TestEngine_RepeatedRejectionGivesUp(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	f.trainer.mu.Lock()
	f.trainer.rejectNext = 2
	f.trainer.mu.Unlock()

	f.tick(1, 15, powerOnly)

	assert.Equal(t, []int{100, 130, 130}, f.trainer.targets())
	assert.Equal(t, StatusMainSet, f.engine.Status())
}

func TestEngine_TransientWriteFailureRetriedUntilDelivered(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	f.trainer.mu.Lock()
	f.trainer.failNext = 2
	f.trainer.mu.Unlock()

	f.tick(1, 30, powerOnly)

	// Main set entry at t=10 fails twice while the link is down, lands
	// on the third tick, and is not sent again after that.
	assert.Equal(t, []int{100, 130, 130, 130}, f.trainer.targets())
}

func TestEngine_IntervalBoundariesPushAndTransition(t *testing.T) {
	trainer := &fakeTrainer{}
	wkt := Workout{
		Name: "intervals",
		Phases: []Phase{
			{Kind: PhaseWarmup, Mode: TargetFixed, StartWatts: 100, EndWatts: 100, Duration: 5 * time.Second},
			{Kind: PhaseMainSet, Mode: TargetFixed, StartWatts: 240, EndWatts: 240, Duration: 10 * time.Second},
			{Kind: PhaseRecovery, Mode: TargetFixed, StartWatts: 110, EndWatts: 110, Duration: 10 * time.Second},
			{Kind: PhaseMainSet, Mode: TargetFixed, StartWatts: 240, EndWatts: 240, Duration: 10 * time.Second},
			{Kind: PhaseCooldown, Mode: TargetFixed, StartWatts: 80, EndWatts: 80, Duration: 5 * time.Second},
		},
	}
	engine := NewEngine(testLogger(), trainer, telemetry.NewStream(testLogger()), wkt, testParams())

	var got []Transition
	unregister := engine.ListenTransitions(func(tr Transition) { got = append(got, tr) })
	defer unregister()

	require.NoError(t, engine.begin(at(0)))
	for i := 1; i <= 40; i++ {
		engine.handleTick(at(i))
	}

	assert.Equal(t, []int{100, 240, 110, 240, 80}, trainer.targets())

	require.Len(t, got, 6)
	assert.Equal(t, StatusMainSet, got[1].To)
	// Recovery and the next interval stay inside the main block.
	assert.Equal(t, StatusMainSet, got[2].From)
	assert.Equal(t, StatusMainSet, got[2].To)
	assert.Equal(t, StatusMainSet, got[3].To)
	assert.Equal(t, StatusCooldown, got[4].To)
	assert.Equal(t, StatusFinished, got[5].To)
}

func TestEngine_TrainerLostAborts(t *testing.T) {
	f := newEngineFixture(t)

	var got []Transition
	unregister := f.engine.ListenTransitions(func(tr Transition) { got = append(got, tr) })
	defer unregister()

	require.NoError(t, f.engine.begin(at(0)))
	f.tick(1, 5, powerOnly)

	f.engine.OnTrainerLost()

	assert.Equal(t, StatusAborted, f.engine.Status())
	assert.Equal(t, 1, f.trainer.disconnectCount())
	last := got[len(got)-1]
	assert.Equal(t, StatusAborted, last.To)
	assert.Equal(t, ReasonDeviceLost, last.Reason)

	// Losing it again is a no-op.
	f.engine.OnTrainerLost()
	assert.Equal(t, 1, f.trainer.disconnectCount())

	assert.True(t, f.engine.handleTick(at(6)))
}

func TestEngine_HeartRateLostHoldsTarget(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))

	f.engine.OnHeartRateLost()
	f.tick(1, 80, hrMeasurement(110))

	f.engine.mu.Lock()
	defer f.engine.mu.Unlock()
	assert.Equal(t, 130, f.engine.adaptiveWatts)
	assert.Equal(t, StatusMainSet, f.engine.status)
}

func TestEngine_SnapshotReplayedToLateListener(t *testing.T) {
	f := newEngineFixture(t)
	require.NoError(t, f.engine.begin(at(0)))
	f.tick(1, 12, hrMeasurement(130))

	ch := make(chan Snapshot, 1)
	unregister := f.engine.ListenSnapshots(ch)
	defer unregister()

	snap := <-ch
	assert.Equal(t, StatusMainSet, snap.Status)
	assert.Equal(t, "test", snap.WorkoutName)
	assert.Equal(t, 1, snap.PhaseIndex)
	assert.Equal(t, 12*time.Second, snap.Elapsed)
	assert.Equal(t, 2*time.Second, snap.PhaseElapsed)
	assert.Equal(t, 130, snap.TargetWatts)
	assert.True(t, snap.AdaptiveActive)
	assert.Equal(t, 130, snap.HeartRateBpm)
	assert.Equal(t, 140, snap.PowerWatts)
}

func TestEngine_StartAndStop(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.engine.Start())
	f.engine.Stop()
	f.engine.Shutdown()

	assert.Equal(t, StatusAborted, f.engine.Status())
	assert.Equal(t, 1, f.trainer.disconnectCount())
}

func TestEngine_StopBeforeStartIsNoop(t *testing.T) {
	f := newEngineFixture(t)
	f.engine.Stop()
	assert.Equal(t, StatusIdle, f.engine.Status())
}
