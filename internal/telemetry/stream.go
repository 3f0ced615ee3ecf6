package telemetry

import (
	"errors"
	"log"
	"sync"
	"time"

	"zone2-trainer/internal/ble"
	"zone2-trainer/internal/events"
)

// ErrStaleTelemetry is returned when the latest sample is older than the
// caller's freshness requirement.
var ErrStaleTelemetry = errors.New("telemetry is stale")

// Field selects one metric of a Sample.
type Field int

const (
	FieldHeartRate Field = iota
	FieldPower
	FieldCadence
	FieldSpeed
)

func (f Field) String() string {
	switch f {
	case FieldHeartRate:
		return "heart_rate"
	case FieldPower:
		return "power"
	case FieldCadence:
		return "cadence"
	case FieldSpeed:
		return "speed"
	default:
		return "unknown"
	}
}

// Sample is one second of merged telemetry. Devices report on their own
// schedules, so any subset of fields may be present.
type Sample struct {
	Timestamp time.Time

	HasHeartRate bool
	HeartRateBpm int

	HasPower   bool
	PowerWatts int

	HasCadence bool
	CadenceRpm float64

	HasSpeed bool
	SpeedKmh float64
}

// Value returns the sample's value for field and whether it is present.
func (s Sample) Value(field Field) (float64, bool) {
	switch field {
	case FieldHeartRate:
		return float64(s.HeartRateBpm), s.HasHeartRate
	case FieldPower:
		return float64(s.PowerWatts), s.HasPower
	case FieldCadence:
		return s.CadenceRpm, s.HasCadence
	case FieldSpeed:
		return s.SpeedKmh, s.HasSpeed
	default:
		return 0, false
	}
}

// Stream merges partial measurements into per-second samples. A bucket
// stays open while measurements arrive for its second; the first
// measurement of a later second finalizes it. Finalized samples are
// immutable, strictly ordered by timestamp, and fanned out to listeners.
type Stream struct {
	logger *log.Logger

	mu        sync.Mutex
	current   *Sample
	samples   []Sample
	finalized *events.CallbackEvent[Sample]
}

// NewStream creates an empty Stream.
func NewStream(logger *log.Logger) *Stream {
	if logger == nil {
		panic("Stream: logger cannot be nil")
	}
	return &Stream{
		logger:    logger,
		finalized: events.NewCallbackEvent[Sample](false),
	}
}

// ListenFinalized registers a callback for each finalized sample.
// Callbacks run on the ingesting goroutine and must not block.
func (s *Stream) ListenFinalized(callback func(Sample)) func() {
	return s.finalized.Listen(callback)
}

// Ingest merges a measurement into the bucket for its arrival second.
// Within a bucket the last value per field wins. Measurements for a
// second older than the open bucket are dropped: finalized samples never
// change and timestamps stay strictly monotonic.
func (s *Stream) Ingest(m ble.Measurement, at time.Time) {
	bucket := at.Truncate(time.Second)

	s.mu.Lock()
	var done *Sample
	if s.current == nil {
		s.current = &Sample{Timestamp: bucket}
	} else if bucket.Before(s.current.Timestamp) {
		s.mu.Unlock()
		s.logger.Printf("Dropping stale measurement for %v (current bucket %v)", bucket, s.current.Timestamp)
		return
	} else if bucket.After(s.current.Timestamp) {
		finished := *s.current
		s.samples = append(s.samples, finished)
		done = &finished
		s.current = &Sample{Timestamp: bucket}
	}

	if m.HasHeartRate {
		s.current.HasHeartRate = true
		s.current.HeartRateBpm = m.HeartRateBpm
	}
	if m.HasPower {
		s.current.HasPower = true
		s.current.PowerWatts = m.PowerWatts
	}
	if m.HasCadence {
		s.current.HasCadence = true
		s.current.CadenceRpm = m.CadenceRpm
	}
	if m.HasSpeed {
		s.current.HasSpeed = true
		s.current.SpeedKmh = m.SpeedKmh
	}
	s.mu.Unlock()

	if done != nil {
		s.finalized.Notify(*done)
	}
}

// Flush finalizes the open bucket, if any. Called at session end so the
// last second of data is not lost.
func (s *Stream) Flush() {
	s.mu.Lock()
	if s.current == nil {
		s.mu.Unlock()
		return
	}
	finished := *s.current
	s.samples = append(s.samples, finished)
	s.current = nil
	s.mu.Unlock()

	s.finalized.Notify(finished)
}

// Latest returns the most recent finalized sample.
func (s *Stream) Latest() (Sample, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return Sample{}, false
	}
	return s.samples[len(s.samples)-1], true
}

// LatestFresh returns the latest finalized sample if it is no older than
// maxAge relative to now, ErrStaleTelemetry otherwise.
func (s *Stream) LatestFresh(now time.Time, maxAge time.Duration) (Sample, error) {
	latest, ok := s.Latest()
	if !ok {
		return Sample{}, ErrStaleTelemetry
	}
	if now.Sub(latest.Timestamp) > maxAge {
		return Sample{}, ErrStaleTelemetry
	}
	return latest, nil
}

// WindowAverage averages field over finalized samples within window of
// the latest sample. Returns false when fewer than minCount samples in
// the window carry the field, so short dropouts do not masquerade as
// real averages.
func (s *Stream) WindowAverage(field Field, window time.Duration, minCount int) (float64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) == 0 {
		return 0, false
	}

	cutoff := s.samples[len(s.samples)-1].Timestamp.Add(-window)
	sum := 0.0
	count := 0
	for i := len(s.samples) - 1; i >= 0; i-- {
		sample := s.samples[i]
		if sample.Timestamp.Before(cutoff) {
			break
		}
		if v, ok := sample.Value(field); ok {
			sum += v
			count++
		}
	}
	if count < minCount || count == 0 {
		return 0, false
	}
	return sum / float64(count), true
}

// CountSince counts finalized samples at or after t that carry field.
func (s *Stream) CountSince(field Field, t time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for i := len(s.samples) - 1; i >= 0; i-- {
		sample := s.samples[i]
		if sample.Timestamp.Before(t) {
			break
		}
		if _, ok := sample.Value(field); ok {
			count++
		}
	}
	return count
}

// Samples returns a copy of all finalized samples in order.
func (s *Stream) Samples() []Sample {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Sample, len(s.samples))
	copy(out, s.samples)
	return out
}
