package workout

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// PhaseKind names a segment of the workout timeline.
type PhaseKind int

const (
	PhaseWarmup PhaseKind = iota
	PhaseMainSet
	// PhaseRecovery sits between work intervals; the engine treats it as
	// part of the main block.
	PhaseRecovery
	PhaseCooldown
)

func (k PhaseKind) String() string {
	switch k {
	case PhaseWarmup:
		return "Warmup"
	case PhaseMainSet:
		return "MainSet"
	case PhaseRecovery:
		return "Recovery"
	case PhaseCooldown:
		return "Cooldown"
	default:
		return "Unknown"
	}
}

// TargetMode defines how a phase chooses its power target.
type TargetMode int

const (
	// TargetFixed holds or ramps power between StartWatts and EndWatts.
	TargetFixed TargetMode = iota
	// TargetHeartRateAdaptive starts at StartWatts and lets the engine's
	// heart rate controller steer from there.
	TargetHeartRateAdaptive
)

// Phase is one segment of a workout. A fixed phase with StartWatts !=
// EndWatts ramps linearly over its duration.
type Phase struct {
	Kind       PhaseKind
	Mode       TargetMode
	StartWatts int
	EndWatts   int
	Duration   time.Duration
}

// TargetAt returns the phase's power target at the given offset into the
// phase. Adaptive phases return StartWatts; the live target is owned by
// the engine.
func (p Phase) TargetAt(offset time.Duration) int {
	if p.Mode == TargetHeartRateAdaptive || p.StartWatts == p.EndWatts || p.Duration <= 0 {
		return p.StartWatts
	}
	if offset < 0 {
		offset = 0
	}
	if offset > p.Duration {
		offset = p.Duration
	}
	progress := float64(offset) / float64(p.Duration)
	return int(math.Round(float64(p.StartWatts) + progress*float64(p.EndWatts-p.StartWatts)))
}

// Workout is an ordered phase timeline.
type Workout struct {
	Name        string
	Description string
	Phases      []Phase
}

// TotalDuration returns the summed duration of all phases.
func (w Workout) TotalDuration() time.Duration {
	var total time.Duration
	for _, p := range w.Phases {
		total += p.Duration
	}
	return total
}

// PhaseAt returns the phase index and offset within it for an elapsed
// time, or false when elapsed is past the end.
func (w Workout) PhaseAt(elapsed time.Duration) (idx int, offset time.Duration, ok bool) {
	var start time.Duration
	for i, p := range w.Phases {
		end := start + p.Duration
		if elapsed < end {
			return i, elapsed - start, true
		}
		start = end
	}
	return 0, 0, false
}

// Params are the rider parameters a workout is built for.
type Params struct {
	FTPWatts     int
	MaxHR        int
	Zone2LowBpm  int
	Zone2HighBpm int
}

// Validate checks the parameters for internal consistency.
func (p Params) Validate() error {
	if p.FTPWatts <= 0 {
		return fmt.Errorf("ftp must be > 0, got %d", p.FTPWatts)
	}
	if p.MaxHR <= 0 {
		return fmt.Errorf("max heart rate must be > 0, got %d", p.MaxHR)
	}
	if p.Zone2LowBpm <= 0 || p.Zone2HighBpm <= p.Zone2LowBpm {
		return fmt.Errorf("invalid zone 2 bounds [%d, %d]", p.Zone2LowBpm, p.Zone2HighBpm)
	}
	if p.Zone2HighBpm >= p.MaxHR {
		return fmt.Errorf("zone 2 ceiling %d must be below max heart rate %d", p.Zone2HighBpm, p.MaxHR)
	}
	return nil
}

func (p Params) ftpFraction(frac float64) int {
	return int(math.Round(frac * float64(p.FTPWatts)))
}

// FTP fractions shared by the workout builders. The adaptive controller
// is bounded to [MinAdaptiveFTPFraction, MaxAdaptiveFTPFraction] x FTP.
const (
	rampFloorFTPFraction      = 0.40
	zone2FTPFraction          = 0.65
	tempoFTPFraction          = 0.97
	sweetSpotFTPFraction      = 0.90
	vo2maxFTPFraction         = 1.20
	vo2maxRecoveryFTPFraction = 0.50
	recoveryFTPFraction       = 0.55
	MinAdaptiveFTPFraction    = 0.50
	MaxAdaptiveFTPFraction    = 0.80
)

// Builder constructs a workout for rider parameters.
type Builder func(Params) Workout

// BuildZone2 is the heart-rate-adaptive endurance workout: ramped
// warmup, an adaptive main set anchored at 65% FTP, ramped cooldown.
func BuildZone2(p Params) Workout {
	return Workout{
		Name:        "zone2",
		Description: "Heart-rate-steered endurance ride",
		Phases: []Phase{
			{Kind: PhaseWarmup, Mode: TargetFixed, StartWatts: p.ftpFraction(rampFloorFTPFraction), EndWatts: p.ftpFraction(zone2FTPFraction), Duration: 5 * time.Minute},
			{Kind: PhaseMainSet, Mode: TargetHeartRateAdaptive, StartWatts: p.ftpFraction(zone2FTPFraction), EndWatts: p.ftpFraction(zone2FTPFraction), Duration: 50 * time.Minute},
			{Kind: PhaseCooldown, Mode: TargetFixed, StartWatts: p.ftpFraction(zone2FTPFraction), EndWatts: p.ftpFraction(rampFloorFTPFraction), Duration: 5 * time.Minute},
		},
	}
}

// intervalWorkout lays out a ramped warmup, reps work intervals with
// recoveries between them (none after the last), and a cooldown that
// ramps down from recovery power.
func intervalWorkout(p Params, name, description string, reps int, workFrac float64, work time.Duration, restFrac float64, rest time.Duration) Workout {
	workW := p.ftpFraction(workFrac)
	restW := p.ftpFraction(restFrac)

	phases := []Phase{
		{Kind: PhaseWarmup, Mode: TargetFixed, StartWatts: p.ftpFraction(rampFloorFTPFraction), EndWatts: p.ftpFraction(zone2FTPFraction), Duration: 5 * time.Minute},
	}
	for i := 0; i < reps; i++ {
		if i > 0 {
			phases = append(phases, Phase{Kind: PhaseRecovery, Mode: TargetFixed, StartWatts: restW, EndWatts: restW, Duration: rest})
		}
		phases = append(phases, Phase{Kind: PhaseMainSet, Mode: TargetFixed, StartWatts: workW, EndWatts: workW, Duration: work})
	}
	phases = append(phases, Phase{Kind: PhaseCooldown, Mode: TargetFixed, StartWatts: restW, EndWatts: p.ftpFraction(rampFloorFTPFraction), Duration: 5 * time.Minute})

	return Workout{Name: name, Description: description, Phases: phases}
}

// BuildVO2Max is 5x3min at 120% FTP with 3min recoveries.
func BuildVO2Max(p Params) Workout {
	return intervalWorkout(p, "vo2max", "5x3min VO2max intervals",
		5, vo2maxFTPFraction, 3*time.Minute, vo2maxRecoveryFTPFraction, 3*time.Minute)
}

// BuildSweetSpot is 2x20min just under threshold.
func BuildSweetSpot(p Params) Workout {
	return intervalWorkout(p, "sweet_spot", "2x20min sweet spot",
		2, sweetSpotFTPFraction, 20*time.Minute, recoveryFTPFraction, 5*time.Minute)
}

// BuildTempo is 2x15min at threshold-adjacent tempo power.
func BuildTempo(p Params) Workout {
	return intervalWorkout(p, "tempo", "2x15min tempo",
		2, tempoFTPFraction, 15*time.Minute, recoveryFTPFraction, 5*time.Minute)
}

var builders = map[string]Builder{
	"zone2":      BuildZone2,
	"vo2max":     BuildVO2Max,
	"sweet_spot": BuildSweetSpot,
	"tempo":      BuildTempo,
}

// Names returns the available workout names, sorted.
func Names() []string {
	names := make([]string, 0, len(builders))
	for name := range builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByName builds the named workout for the given parameters.
func ByName(name string, p Params) (Workout, error) {
	builder, ok := builders[name]
	if !ok {
		return Workout{}, fmt.Errorf("unknown workout %q (available: %v)", name, Names())
	}
	return builder(p), nil
}
