package fitexport

import (
	"encoding/binary"
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zone2-trainer/internal/session"
	"zone2-trainer/internal/telemetry"
)

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func at(sec int) time.Time {
	return time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC).Add(time.Duration(sec) * time.Second)
}

func testRecord(samples int) session.Record {
	rec := session.Record{
		WorkoutName: "zone2",
		Summary: session.Summary{
			StartedAt:       at(0),
			EndedAt:         at(samples),
			Duration:        time.Duration(samples) * time.Second,
			AvgHeartRateBpm: 130,
			AvgPowerWatts:   140,
		},
	}
	for i := 0; i < samples; i++ {
		rec.Samples = append(rec.Samples, telemetry.Sample{
			Timestamp:    at(i),
			HasHeartRate: true, HeartRateBpm: 130,
			HasPower: true, PowerWatts: 140,
			HasCadence: true, CadenceRpm: 90,
			HasSpeed: true, SpeedKmh: 30,
		})
	}
	return rec
}

// fitMessage is one decoded data message from the stream.
type fitMessage struct {
	globalMsg uint16
	data      []byte
}

// walkMessages decodes the body of a FIT file using the definition
// messages it carries, returning data messages in order.
func walkMessages(t *testing.T, body []byte) []fitMessage {
	t.Helper()
	type definition struct {
		globalMsg uint16
		dataSize  int
	}
	defs := map[byte]definition{}
	var out []fitMessage

	for i := 0; i < len(body); {
		header := body[i]
		local := header & 0x0F
		if header&0x40 != 0 {
			require.GreaterOrEqual(t, len(body), i+6, "truncated definition at %d", i)
			globalMsg := binary.LittleEndian.Uint16(body[i+3 : i+5])
			fieldCount := int(body[i+5])
			size := 0
			for f := 0; f < fieldCount; f++ {
				size += int(body[i+6+f*3+1])
			}
			defs[local] = definition{globalMsg: globalMsg, dataSize: size}
			i += 6 + fieldCount*3
			continue
		}
		def, ok := defs[local]
		require.True(t, ok, "data message for undefined local type %d", local)
		require.GreaterOrEqual(t, len(body), i+1+def.dataSize, "truncated data at %d", i)
		out = append(out, fitMessage{globalMsg: def.globalMsg, data: body[i+1 : i+1+def.dataSize]})
		i += 1 + def.dataSize
	}
	return out
}

func TestEncode_HeaderAndCRC(t *testing.T) {
	data, err := NewExporter(testLogger()).Encode(testRecord(10))
	require.NoError(t, err)

	require.Greater(t, len(data), headerSize+2)
	assert.Equal(t, byte(headerSize), data[0])
	assert.Equal(t, byte(protocolVersion), data[1])
	assert.Equal(t, uint16(profileVersion), binary.LittleEndian.Uint16(data[2:4]))
	assert.Equal(t, ".FIT", string(data[8:12]))

	dataSize := binary.LittleEndian.Uint32(data[4:8])
	assert.Equal(t, len(data)-headerSize-2, int(dataSize))

	// Header CRC covers the first 12 bytes, file CRC everything before it.
	assert.Equal(t, crc16(data[:12]), binary.LittleEndian.Uint16(data[12:14]))
	assert.Equal(t, crc16(data[:len(data)-2]), binary.LittleEndian.Uint16(data[len(data)-2:]))
}

func TestEncode_MessageSequence(t *testing.T) {
	data, err := NewExporter(testLogger()).Encode(testRecord(5))
	require.NoError(t, err)

	msgs := walkMessages(t, data[headerSize:len(data)-2])

	var globals []uint16
	for _, m := range msgs {
		globals = append(globals, m.globalMsg)
	}
	assert.Equal(t, []uint16{
		msgFileID,
		msgEvent,
		msgRecord, msgRecord, msgRecord, msgRecord, msgRecord,
		msgEvent,
		msgLap,
		msgSession,
		msgActivity,
	}, globals)
}

func TestEncode_RecordFields(t *testing.T) {
	rec := testRecord(3)
	data, err := NewExporter(testLogger()).Encode(rec)
	require.NoError(t, err)

	msgs := walkMessages(t, data[headerSize:len(data)-2])

	var records []fitMessage
	for _, m := range msgs {
		if m.globalMsg == msgRecord {
			records = append(records, m)
		}
	}
	require.Len(t, records, 3)

	first := records[0].data
	require.Len(t, first, 10)
	assert.Equal(t, fitTime(at(0)), binary.LittleEndian.Uint32(first[0:4]))
	assert.Equal(t, byte(130), first[4])
	assert.Equal(t, byte(90), first[5])
	assert.Equal(t, uint16(140), binary.LittleEndian.Uint16(first[6:8]))
	// 30 km/h in mm/s.
	assert.Equal(t, uint16(8333), binary.LittleEndian.Uint16(first[8:10]))
}

func TestEncode_AbsentFieldsUseInvalidMarkers(t *testing.T) {
	rec := session.Record{
		Summary: session.Summary{StartedAt: at(0), EndedAt: at(1), Duration: time.Second},
		Samples: []telemetry.Sample{{Timestamp: at(0), HasPower: true, PowerWatts: 140}},
	}
	data, err := NewExporter(testLogger()).Encode(rec)
	require.NoError(t, err)

	msgs := walkMessages(t, data[headerSize:len(data)-2])
	var record []byte
	for _, m := range msgs {
		if m.globalMsg == msgRecord {
			record = m.data
		}
	}
	require.NotNil(t, record)
	assert.Equal(t, byte(invalidUint8), record[4], "heart rate")
	assert.Equal(t, byte(invalidUint8), record[5], "cadence")
	assert.Equal(t, uint16(140), binary.LittleEndian.Uint16(record[6:8]))
	assert.Equal(t, uint16(invalidUint16), binary.LittleEndian.Uint16(record[8:10]), "speed")
}

func TestEncode_EmptyRecord(t *testing.T) {
	_, err := NewExporter(testLogger()).Encode(session.Record{})
	assert.ErrorIs(t, err, ErrEmptyRecord)
}

func TestFitTime(t *testing.T) {
	assert.Equal(t, uint32(0), fitTime(fitEpoch))
	assert.Equal(t, uint32(60), fitTime(fitEpoch.Add(time.Minute)))
	assert.Equal(t, uint32(0), fitTime(fitEpoch.Add(-time.Hour)))
}

func TestWriteFile(t *testing.T) {
	dir := t.TempDir()
	path, err := NewExporter(testLogger()).WriteFile(filepath.Join(dir, "ride"), testRecord(3))
	require.NoError(t, err)

	assert.Equal(t, ".fit", filepath.Ext(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, crc16(data[:len(data)-2]), binary.LittleEndian.Uint16(data[len(data)-2:]))
}
