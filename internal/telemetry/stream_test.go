package telemetry

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zone2-trainer/internal/ble"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func TestStream_MergesPartialMeasurementsIntoOneSecond(t *testing.T) {
	s := NewStream(testLogger())

	s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 130}, at(0))
	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 140}, at(0).Add(300*time.Millisecond))
	s.Ingest(ble.Measurement{HasCadence: true, CadenceRpm: 88}, at(0).Add(700*time.Millisecond))

	// Nothing finalized until the next second starts.
	_, ok := s.Latest()
	assert.False(t, ok)

	s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 131}, at(1))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, at(0), latest.Timestamp)
	assert.True(t, latest.HasHeartRate)
	assert.Equal(t, 130, latest.HeartRateBpm)
	assert.True(t, latest.HasPower)
	assert.Equal(t, 140, latest.PowerWatts)
	assert.True(t, latest.HasCadence)
	assert.InDelta(t, 88.0, latest.CadenceRpm, 0.001)
	assert.False(t, latest.HasSpeed)
}

func TestStream_LastValuePerFieldWinsWithinBucket(t *testing.T) {
	s := NewStream(testLogger())

	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 140}, at(0))
	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 145}, at(0).Add(500*time.Millisecond))
	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 150}, at(1))

	latest, ok := s.Latest()
	require.True(t, ok)
	assert.Equal(t, 145, latest.PowerWatts)
}

func TestStream_DropsStaleMeasurements(t *testing.T) {
	s := NewStream(testLogger())

	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 140}, at(0))
	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 150}, at(2))

	// Arrival for an already-finalized second must not reopen it.
	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 999}, at(1))
	s.Flush()

	samples := s.Samples()
	require.Len(t, samples, 2)
	assert.Equal(t, at(0), samples[0].Timestamp)
	assert.Equal(t, 140, samples[0].PowerWatts)
	assert.Equal(t, at(2), samples[1].Timestamp)
	assert.Equal(t, 150, samples[1].PowerWatts)
}

func TestStream_TimestampsStrictlyMonotonic(t *testing.T) {
	s := NewStream(testLogger())

	for _, sec := range []int{0, 1, 1, 3, 2, 4} {
		s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 120 + sec}, at(sec))
	}
	s.Flush()

	samples := s.Samples()
	for i := 1; i < len(samples); i++ {
		assert.True(t, samples[i].Timestamp.After(samples[i-1].Timestamp),
			"sample %d not after sample %d", i, i-1)
	}
}

func TestStream_NotifiesFinalizedSamples(t *testing.T) {
	s := NewStream(testLogger())

	var got []Sample
	unregister := s.ListenFinalized(func(sample Sample) { got = append(got, sample) })
	defer unregister()

	s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 130}, at(0))
	assert.Empty(t, got)

	s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 131}, at(1))
	require.Len(t, got, 1)
	assert.Equal(t, at(0), got[0].Timestamp)
	assert.Equal(t, 130, got[0].HeartRateBpm)

	s.Flush()
	require.Len(t, got, 2)
	assert.Equal(t, at(1), got[1].Timestamp)
}

func TestStream_WindowAverage(t *testing.T) {
	s := NewStream(testLogger())

	for sec := 0; sec < 10; sec++ {
		s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 120 + sec}, at(sec))
	}
	s.Flush()

	// Last 5 seconds of finalized samples: seconds 5..9, mean 127.
	avg, ok := s.WindowAverage(FieldHeartRate, 4*time.Second, 5)
	require.True(t, ok)
	assert.InDelta(t, 127.0, avg, 0.001)
}

func TestStream_WindowAverageBelowMinCount(t *testing.T) {
	s := NewStream(testLogger())

	// Only 3 of 10 seconds carry heart rate.
	for sec := 0; sec < 10; sec++ {
		m := ble.Measurement{HasPower: true, PowerWatts: 140}
		if sec >= 7 {
			m.HasHeartRate = true
			m.HeartRateBpm = 130
		}
		s.Ingest(m, at(sec))
	}
	s.Flush()

	_, ok := s.WindowAverage(FieldHeartRate, 9*time.Second, 5)
	assert.False(t, ok)

	avg, ok := s.WindowAverage(FieldHeartRate, 9*time.Second, 3)
	require.True(t, ok)
	assert.InDelta(t, 130.0, avg, 0.001)
}

func TestStream_WindowAverageEmpty(t *testing.T) {
	s := NewStream(testLogger())
	_, ok := s.WindowAverage(FieldPower, time.Minute, 1)
	assert.False(t, ok)
}

func TestStream_CountSince(t *testing.T) {
	s := NewStream(testLogger())

	for sec := 0; sec < 20; sec++ {
		m := ble.Measurement{HasPower: true, PowerWatts: 140}
		if sec%2 == 0 {
			m.HasHeartRate = true
			m.HeartRateBpm = 125
		}
		s.Ingest(m, at(sec))
	}
	s.Flush()

	// Seconds 10..19: heart rate present on 10, 12, 14, 16, 18.
	assert.Equal(t, 5, s.CountSince(FieldHeartRate, at(10)))
	assert.Equal(t, 10, s.CountSince(FieldPower, at(10)))
	assert.Equal(t, 0, s.CountSince(FieldHeartRate, at(30)))
}

func TestStream_LatestFresh(t *testing.T) {
	s := NewStream(testLogger())

	_, err := s.LatestFresh(at(0), 5*time.Second)
	assert.ErrorIs(t, err, ErrStaleTelemetry)

	s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 130}, at(0))
	s.Ingest(ble.Measurement{HasHeartRate: true, HeartRateBpm: 131}, at(1))

	sample, err := s.LatestFresh(at(3), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, at(0), sample.Timestamp)

	_, err = s.LatestFresh(at(10), 5*time.Second)
	assert.ErrorIs(t, err, ErrStaleTelemetry)
}

func TestStream_FlushIdempotent(t *testing.T) {
	s := NewStream(testLogger())
	s.Ingest(ble.Measurement{HasPower: true, PowerWatts: 140}, at(0))

	s.Flush()
	s.Flush()

	assert.Len(t, s.Samples(), 1)
}
