// Package fitexport writes a finalized session as a FIT activity file,
// the format Strava, Garmin and COROS ingest.
package fitexport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zone2-trainer/internal/session"
	"zone2-trainer/internal/telemetry"
)

// ErrEmptyRecord is returned when the session holds no samples.
var ErrEmptyRecord = errors.New("no samples to export")

const (
	headerSize      = 14
	protocolVersion = 0x20   // 2.0
	profileVersion  = 0x0814 // 20.84

	msgFileID   = 0
	msgSession  = 18
	msgLap      = 19
	msgRecord   = 20
	msgEvent    = 21
	msgActivity = 34

	baseEnum    = 0
	baseUint8   = 2
	baseUint16  = 132
	baseUint32  = 134
	baseUint32Z = 140

	// FIT invalid markers for absent fields.
	invalidUint8  = 0xFF
	invalidUint16 = 0xFFFF

	sportCycling = 2
)

// FIT timestamps count seconds from the last day of 1989.
var fitEpoch = time.Date(1989, 12, 31, 0, 0, 0, 0, time.UTC)

func fitTime(t time.Time) uint32 {
	if t.Before(fitEpoch) {
		return 0
	}
	return uint32(t.Sub(fitEpoch) / time.Second)
}

// Exporter encodes session records into FIT files.
type Exporter struct {
	logger *log.Logger
}

func NewExporter(logger *log.Logger) *Exporter {
	if logger == nil {
		panic("Exporter: logger cannot be nil")
	}
	return &Exporter{logger: logger}
}

// WriteFile encodes the record and writes it to path, appending the
// .fit extension when missing. Returns the absolute path written.
func (e *Exporter) WriteFile(path string, rec session.Record) (string, error) {
	data, err := e.Encode(rec)
	if err != nil {
		return "", err
	}
	if !strings.HasSuffix(path, ".fit") {
		path += ".fit"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("creating export directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("writing FIT file: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	e.logger.Printf("Exported %d samples to %s (%d bytes)", len(rec.Samples), abs, len(data))
	return abs, nil
}

// Encode builds the complete FIT byte stream: 14-byte header, data
// records, trailing CRC-16.
func (e *Exporter) Encode(rec session.Record) ([]byte, error) {
	if len(rec.Samples) == 0 {
		return nil, ErrEmptyRecord
	}

	var body bytes.Buffer
	writeFileID(&body)
	writeEvent(&body, fitTime(rec.Summary.StartedAt), eventTimerStart)
	writeRecordDefinition(&body)
	for _, s := range rec.Samples {
		writeRecordData(&body, s)
	}
	writeEvent(&body, fitTime(rec.Summary.EndedAt), eventTimerStop)
	writeLap(&body, rec.Summary)
	writeSession(&body, rec.Summary)
	writeActivity(&body, rec.Summary)

	header := buildHeader(body.Len())

	out := make([]byte, 0, len(header)+body.Len()+2)
	out = append(out, header...)
	out = append(out, body.Bytes()...)
	out = binary.LittleEndian.AppendUint16(out, crc16(out))
	return out, nil
}

func buildHeader(dataSize int) []byte {
	h := make([]byte, 0, headerSize)
	h = append(h, headerSize, protocolVersion)
	h = binary.LittleEndian.AppendUint16(h, profileVersion)
	h = binary.LittleEndian.AppendUint32(h, uint32(dataSize))
	h = append(h, '.', 'F', 'I', 'T')
	h = binary.LittleEndian.AppendUint16(h, crc16(h))
	return h
}

type fieldDef struct {
	num      byte
	size     byte
	baseType byte
}

// writeDefinition emits a little-endian definition message for a local
// message type.
func writeDefinition(buf *bytes.Buffer, localType byte, globalMsg uint16, fields []fieldDef) {
	buf.WriteByte(0x40 | localType)
	buf.WriteByte(0) // reserved
	buf.WriteByte(0) // little endian
	var num [2]byte
	binary.LittleEndian.PutUint16(num[:], globalMsg)
	buf.Write(num[:])
	buf.WriteByte(byte(len(fields)))
	for _, f := range fields {
		buf.Write([]byte{f.num, f.size, f.baseType})
	}
}

func writeU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func writeU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func clampU8(v int) byte {
	if v < 0 {
		return 0
	}
	if v > 254 {
		return 254
	}
	return byte(v)
}

func clampU16(v int) uint16 {
	if v < 0 {
		return 0
	}
	if v > 0xFFFE {
		return 0xFFFE
	}
	return uint16(v)
}

// File ID must be the first message in the file. Manufacturer and
// product are set for broad importer compatibility.
func writeFileID(buf *bytes.Buffer) {
	writeDefinition(buf, 0, msgFileID, []fieldDef{
		{0, 1, baseEnum},    // type
		{1, 2, baseUint16},  // manufacturer
		{2, 2, baseUint16},  // product
		{3, 4, baseUint32Z}, // serial_number
	})
	buf.WriteByte(0x00)
	buf.WriteByte(4) // file type = activity
	writeU16(buf, 1)
	writeU16(buf, 1)
	writeU32(buf, 12345)
}

const (
	eventTimerStart = 0
	eventTimerStop  = 1
)

func writeEvent(buf *bytes.Buffer, timestamp uint32, eventType byte) {
	writeDefinition(buf, 2, msgEvent, []fieldDef{
		{253, 4, baseUint32}, // timestamp
		{0, 1, baseEnum},     // event
		{1, 1, baseEnum},     // event_type
	})
	buf.WriteByte(0x02)
	writeU32(buf, timestamp)
	buf.WriteByte(0) // event = timer
	buf.WriteByte(eventType)
}

func writeRecordDefinition(buf *bytes.Buffer) {
	writeDefinition(buf, 1, msgRecord, []fieldDef{
		{253, 4, baseUint32}, // timestamp
		{3, 1, baseUint8},    // heart_rate
		{4, 1, baseUint8},    // cadence
		{7, 2, baseUint16},   // power
		{6, 2, baseUint16},   // speed, mm/s
	})
}

func writeRecordData(buf *bytes.Buffer, s telemetry.Sample) {
	buf.WriteByte(0x01)
	writeU32(buf, fitTime(s.Timestamp))
	if s.HasHeartRate {
		buf.WriteByte(clampU8(s.HeartRateBpm))
	} else {
		buf.WriteByte(invalidUint8)
	}
	if s.HasCadence {
		buf.WriteByte(clampU8(int(s.CadenceRpm + 0.5)))
	} else {
		buf.WriteByte(invalidUint8)
	}
	if s.HasPower {
		writeU16(buf, clampU16(s.PowerWatts))
	} else {
		writeU16(buf, invalidUint16)
	}
	if s.HasSpeed {
		writeU16(buf, clampU16(int(s.SpeedKmh/3.6*1000.0)))
	} else {
		writeU16(buf, invalidUint16)
	}
}

func writeLap(buf *bytes.Buffer, sum session.Summary) {
	writeDefinition(buf, 3, msgLap, []fieldDef{
		{253, 4, baseUint32}, // timestamp
		{2, 4, baseUint32},   // start_time
		{7, 4, baseUint32},   // total_elapsed_time, ms
		{8, 4, baseUint32},   // total_timer_time, ms
		{15, 1, baseUint8},   // avg_heart_rate
		{19, 2, baseUint16},  // avg_power
	})
	elapsedMs := uint32(sum.Duration / time.Millisecond)
	buf.WriteByte(0x03)
	writeU32(buf, fitTime(sum.EndedAt))
	writeU32(buf, fitTime(sum.StartedAt))
	writeU32(buf, elapsedMs)
	writeU32(buf, elapsedMs)
	buf.WriteByte(clampU8(sum.AvgHeartRateBpm))
	writeU16(buf, clampU16(sum.AvgPowerWatts))
}

func writeSession(buf *bytes.Buffer, sum session.Summary) {
	writeDefinition(buf, 4, msgSession, []fieldDef{
		{253, 4, baseUint32}, // timestamp
		{2, 4, baseUint32},   // start_time
		{7, 4, baseUint32},   // total_elapsed_time, ms
		{8, 4, baseUint32},   // total_timer_time, ms
		{5, 1, baseEnum},     // sport
		{16, 1, baseUint8},   // avg_heart_rate
		{20, 2, baseUint16},  // avg_power
	})
	elapsedMs := uint32(sum.Duration / time.Millisecond)
	buf.WriteByte(0x04)
	writeU32(buf, fitTime(sum.EndedAt))
	writeU32(buf, fitTime(sum.StartedAt))
	writeU32(buf, elapsedMs)
	writeU32(buf, elapsedMs)
	buf.WriteByte(sportCycling)
	buf.WriteByte(clampU8(sum.AvgHeartRateBpm))
	writeU16(buf, clampU16(sum.AvgPowerWatts))
}

func writeActivity(buf *bytes.Buffer, sum session.Summary) {
	writeDefinition(buf, 5, msgActivity, []fieldDef{
		{253, 4, baseUint32}, // timestamp
		{0, 4, baseUint32},   // total_timer_time, ms
		{1, 2, baseUint16},   // num_sessions
		{2, 1, baseEnum},     // type
	})
	buf.WriteByte(0x05)
	writeU32(buf, fitTime(sum.EndedAt))
	writeU32(buf, uint32(sum.Duration/time.Millisecond))
	writeU16(buf, 1)
	buf.WriteByte(0) // manual
}

var crcTable = [16]uint16{
	0x0000, 0xCC01, 0xD801, 0x1400, 0xF001, 0x3C00, 0x2800, 0xE401,
	0xA001, 0x6C00, 0x7800, 0xB401, 0x5000, 0x9C01, 0x8801, 0x4400,
}

// crc16 is the FIT nibble-table CRC.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		tmp := crcTable[crc&0xF]
		crc = (crc >> 4) & 0x0FFF
		crc = crc ^ tmp ^ crcTable[b&0xF]

		tmp = crcTable[crc&0xF]
		crc = (crc >> 4) & 0x0FFF
		crc = crc ^ tmp ^ crcTable[(b>>4)&0xF]
	}
	return crc
}
