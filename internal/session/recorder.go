// Package session accumulates a ride's telemetry and state changes and
// produces the immutable record the exporter consumes.
package session

import (
	"errors"
	"log"
	"sync"
	"time"

	"zone2-trainer/internal/telemetry"
	"zone2-trainer/internal/workout"
)

// ErrFinalized is returned for appends after Finalize.
var ErrFinalized = errors.New("session already finalized")

// Summary holds the ride's aggregate metrics. Averages cover only the
// samples that carried the field.
type Summary struct {
	StartedAt time.Time
	EndedAt   time.Time
	Duration  time.Duration
	EndReason workout.TransitionReason

	AvgHeartRateBpm int
	MaxHeartRateBpm int
	AvgPowerWatts   int
	MaxPowerWatts   int
	AvgCadenceRpm   float64
	TotalEnergyKJ   float64
	DistanceKm      float64
}

// Record is the finalized session. Slices are owned by the record and
// must not be mutated.
type Record struct {
	WorkoutName string
	Samples     []telemetry.Sample
	Transitions []workout.Transition
	Summary     Summary
}

// Recorder collects finalized telemetry samples and engine transitions
// for one session. Finalize seals it; later appends fail.
type Recorder struct {
	logger *log.Logger

	mu          sync.Mutex
	workoutName string
	startedAt   time.Time
	samples     []telemetry.Sample
	transitions []workout.Transition
	finalized   bool
	record      Record
}

// NewRecorder creates a Recorder for one session.
func NewRecorder(logger *log.Logger, workoutName string, startedAt time.Time) *Recorder {
	if logger == nil {
		panic("Recorder: logger cannot be nil")
	}
	return &Recorder{
		logger:      logger,
		workoutName: workoutName,
		startedAt:   startedAt,
	}
}

// AppendSample stores one finalized telemetry sample.
func (r *Recorder) AppendSample(s telemetry.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.samples = append(r.samples, s)
	return nil
}

// AppendTransition stores one engine state change.
func (r *Recorder) AppendTransition(t workout.Transition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return ErrFinalized
	}
	r.transitions = append(r.transitions, t)
	return nil
}

// SampleCount returns the number of samples recorded so far.
func (r *Recorder) SampleCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

// Finalize seals the recorder and returns the session record. Calling
// it again returns the same record.
func (r *Recorder) Finalize(endedAt time.Time) Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.finalized {
		return r.record
	}
	r.finalized = true

	samples := make([]telemetry.Sample, len(r.samples))
	copy(samples, r.samples)
	transitions := make([]workout.Transition, len(r.transitions))
	copy(transitions, r.transitions)

	r.record = Record{
		WorkoutName: r.workoutName,
		Samples:     samples,
		Transitions: transitions,
		Summary:     r.summarize(endedAt),
	}
	r.logger.Printf("Session finalized: %d samples, %d transitions, %v",
		len(samples), len(transitions), r.record.Summary.Duration)
	return r.record
}

// summarize aggregates the collected samples. Caller holds r.mu.
func (r *Recorder) summarize(endedAt time.Time) Summary {
	s := Summary{
		StartedAt: r.startedAt,
		EndedAt:   endedAt,
		EndReason: r.endReasonLocked(),
	}
	if endedAt.After(r.startedAt) {
		s.Duration = endedAt.Sub(r.startedAt)
	}

	var hrSum, hrCount, pwSum, pwCount int
	var cadSum float64
	var cadCount int
	for _, sample := range r.samples {
		if sample.HasHeartRate {
			hrSum += sample.HeartRateBpm
			hrCount++
			if sample.HeartRateBpm > s.MaxHeartRateBpm {
				s.MaxHeartRateBpm = sample.HeartRateBpm
			}
		}
		if sample.HasPower {
			pwSum += sample.PowerWatts
			pwCount++
			if sample.PowerWatts > s.MaxPowerWatts {
				s.MaxPowerWatts = sample.PowerWatts
			}
			// One sample covers one second.
			s.TotalEnergyKJ += float64(sample.PowerWatts) / 1000.0
		}
		if sample.HasCadence {
			cadSum += sample.CadenceRpm
			cadCount++
		}
		if sample.HasSpeed {
			s.DistanceKm += sample.SpeedKmh / 3600.0
		}
	}
	if hrCount > 0 {
		s.AvgHeartRateBpm = hrSum / hrCount
	}
	if pwCount > 0 {
		s.AvgPowerWatts = pwSum / pwCount
	}
	if cadCount > 0 {
		s.AvgCadenceRpm = cadSum / float64(cadCount)
	}
	return s
}

// endReasonLocked derives the session's end reason from the last
// terminal transition. Caller holds r.mu.
func (r *Recorder) endReasonLocked() workout.TransitionReason {
	for i := len(r.transitions) - 1; i >= 0; i-- {
		t := r.transitions[i]
		if t.To == workout.StatusFinished || t.To == workout.StatusAborted {
			return t.Reason
		}
	}
	return workout.ReasonNormal
}
