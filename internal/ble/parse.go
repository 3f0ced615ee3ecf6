package ble

import (
	"fmt"
	"sync"
)

// Measurement is a partial reading decoded from a single notification.
// Has* flags mark which fields the notification actually carried.
type Measurement struct {
	HasHeartRate bool
	HeartRateBpm int

	HasPower   bool
	PowerWatts int

	HasCadence bool
	CadenceRpm float64

	HasSpeed bool
	SpeedKmh float64
}

// parseHeartRateMeasurement decodes the Heart Rate Measurement characteristic.
// See: https://www.bluetooth.com/specifications/specs/heart-rate-service-1-0/
func parseHeartRateMeasurement(buf []byte) (Measurement, error) {
	if len(buf) < 2 {
		return Measurement{}, fmt.Errorf("heart rate data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	// Bit 0: 0 = UINT8 value, 1 = UINT16 value
	var bpm uint16
	if flags&0x01 != 0 {
		if len(buf) < 3 {
			return Measurement{}, fmt.Errorf("heart rate UINT16 data too short: %d bytes", len(buf))
		}
		bpm = uint16(buf[1]) | uint16(buf[2])<<8
	} else {
		bpm = uint16(buf[1])
	}

	return Measurement{HasHeartRate: true, HeartRateBpm: int(bpm)}, nil
}

// parseCyclingPowerMeasurement decodes the Cycling Power Measurement
// characteristic. Only instantaneous power is extracted.
// See: https://www.bluetooth.com/specifications/specs/cycling-power-service-1-1/
func parseCyclingPowerMeasurement(buf []byte) (Measurement, error) {
	if len(buf) < 4 {
		return Measurement{}, fmt.Errorf("cycling power data too short: %d bytes", len(buf))
	}

	// Bytes 2-3: Instantaneous Power (SINT16, watts)
	power := int16(uint16(buf[2]) | uint16(buf[3])<<8)
	return Measurement{HasPower: true, PowerWatts: int(power)}, nil
}

// cadenceTracker derives cadence from consecutive CSC crank readings.
// The cumulative counters are UINT16 and roll over; unsigned subtraction
// handles that naturally.
type cadenceTracker struct {
	mu             sync.Mutex
	lastCrankRevs  uint16
	lastCrankEvent uint16
	hasPrevious    bool
}

// parseCSCMeasurement decodes the CSC Measurement characteristic and
// computes cadence from the crank revolution deltas. The first reading
// only primes the tracker and yields no measurement.
// See: https://www.bluetooth.com/specifications/specs/cycling-speed-and-cadence-service-1-0/
func (t *cadenceTracker) parseCSCMeasurement(buf []byte) (Measurement, error) {
	if len(buf) < 1 {
		return Measurement{}, fmt.Errorf("CSC data too short: %d bytes", len(buf))
	}

	flags := buf[0]
	hasWheelData := flags&0x01 != 0
	hasCrankData := flags&0x02 != 0

	offset := 1
	if hasWheelData {
		// 4 bytes cumulative wheel revolutions + 2 bytes event time
		offset += 6
	}
	if !hasCrankData {
		return Measurement{}, nil
	}
	if offset+4 > len(buf) {
		return Measurement{}, fmt.Errorf("CSC data too short for crank data at offset %d", offset)
	}

	crankRevs := uint16(buf[offset]) | uint16(buf[offset+1])<<8
	crankEvent := uint16(buf[offset+2]) | uint16(buf[offset+3])<<8

	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.hasPrevious {
		t.lastCrankRevs = crankRevs
		t.lastCrankEvent = crankEvent
		t.hasPrevious = true
		return Measurement{}, nil
	}

	revDiff := crankRevs - t.lastCrankRevs
	timeDiff := crankEvent - t.lastCrankEvent
	t.lastCrankRevs = crankRevs
	t.lastCrankEvent = crankEvent

	if timeDiff == 0 {
		return Measurement{}, nil
	}

	// Event time has 1/1024 s resolution:
	// rpm = revolutions * 60 / (timeDiff / 1024)
	rpm := float64(revDiff) * 60.0 * 1024.0 / float64(timeDiff)
	if rpm < 0 || rpm > 300 {
		return Measurement{}, nil
	}

	return Measurement{HasCadence: true, CadenceRpm: rpm}, nil
}

// Indoor Bike Data flag bit positions (FTMS 1.0)
const (
	ibdFlagMoreData             = 1 << 0 // inverted: 0 means Instantaneous Speed present
	ibdFlagAverageSpeed         = 1 << 1
	ibdFlagInstantaneousCadence = 1 << 2
	ibdFlagAverageCadence       = 1 << 3
	ibdFlagTotalDistance        = 1 << 4
	ibdFlagResistanceLevel      = 1 << 5
	ibdFlagInstantaneousPower   = 1 << 6
	ibdFlagAveragePower         = 1 << 7
	ibdFlagExpendedEnergy       = 1 << 8
	ibdFlagHeartRate            = 1 << 9
	ibdFlagMetabolicEquivalent  = 1 << 10
	ibdFlagElapsedTime          = 1 << 11
	ibdFlagRemainingTime        = 1 << 12
)

// parseIndoorBikeData decodes the FTMS Indoor Bike Data characteristic.
// Fields appear in flag order; each present field advances the offset.
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
func parseIndoorBikeData(buf []byte) (Measurement, error) {
	if len(buf) < 2 {
		return Measurement{}, fmt.Errorf("indoor bike data too short: %d bytes", len(buf))
	}

	flags := uint16(buf[0]) | uint16(buf[1])<<8
	offset := 2
	var m Measurement

	readU16 := func(field string) (uint16, error) {
		if offset+2 > len(buf) {
			return 0, fmt.Errorf("buffer too short for %s at offset %d", field, offset)
		}
		v := uint16(buf[offset]) | uint16(buf[offset+1])<<8
		offset += 2
		return v, nil
	}
	skip := func(n int, field string) error {
		if offset+n > len(buf) {
			return fmt.Errorf("buffer too short for %s at offset %d", field, offset)
		}
		offset += n
		return nil
	}

	// Bit 0 (More Data) is inverted: 0 means Instantaneous Speed IS present.
	if flags&ibdFlagMoreData == 0 {
		raw, err := readU16("instantaneous speed")
		if err != nil {
			return Measurement{}, err
		}
		m.HasSpeed = true
		m.SpeedKmh = float64(raw) * 0.01
	}
	if flags&ibdFlagAverageSpeed != 0 {
		if err := skip(2, "average speed"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagInstantaneousCadence != 0 {
		raw, err := readU16("instantaneous cadence")
		if err != nil {
			return Measurement{}, err
		}
		m.HasCadence = true
		m.CadenceRpm = float64(raw) * 0.5
	}
	if flags&ibdFlagAverageCadence != 0 {
		if err := skip(2, "average cadence"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagTotalDistance != 0 {
		if err := skip(3, "total distance"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagResistanceLevel != 0 {
		if err := skip(2, "resistance level"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagInstantaneousPower != 0 {
		raw, err := readU16("instantaneous power")
		if err != nil {
			return Measurement{}, err
		}
		m.HasPower = true
		m.PowerWatts = int(int16(raw))
	}
	if flags&ibdFlagAveragePower != 0 {
		if err := skip(2, "average power"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagExpendedEnergy != 0 {
		// UINT16 total + UINT16 per hour + UINT8 per minute
		if err := skip(5, "expended energy"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagHeartRate != 0 {
		if offset+1 > len(buf) {
			return Measurement{}, fmt.Errorf("buffer too short for heart rate at offset %d", offset)
		}
		m.HasHeartRate = true
		m.HeartRateBpm = int(buf[offset])
		offset++
	}
	if flags&ibdFlagMetabolicEquivalent != 0 {
		if err := skip(1, "metabolic equivalent"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagElapsedTime != 0 {
		if err := skip(2, "elapsed time"); err != nil {
			return Measurement{}, err
		}
	}
	if flags&ibdFlagRemainingTime != 0 {
		if err := skip(2, "remaining time"); err != nil {
			return Measurement{}, err
		}
	}

	return m, nil
}

// Capabilities describes what a connected trainer supports.
type Capabilities struct {
	PowerTarget   bool
	MinPowerWatts int
	MaxPowerWatts int
	StepWatts     int
}

// parseFTMSFeature decodes the FTMS Feature characteristic: two UINT32
// fields, fitness machine features then target setting features.
func parseFTMSFeature(buf []byte) (Capabilities, error) {
	if len(buf) < 8 {
		return Capabilities{}, fmt.Errorf("FTMS feature data too short: %d bytes", len(buf))
	}

	targetFeatures := uint32(buf[4]) | uint32(buf[5])<<8 | uint32(buf[6])<<16 | uint32(buf[7])<<24
	return Capabilities{
		PowerTarget: targetFeatures&ftmsTargetSettingPowerBit != 0,
	}, nil
}

// parseSupportedPowerRange decodes the Supported Power Range
// characteristic: min (SINT16), max (SINT16), increment (UINT16).
func parseSupportedPowerRange(buf []byte) (minWatts, maxWatts, stepWatts int, err error) {
	if len(buf) < 6 {
		return 0, 0, 0, fmt.Errorf("supported power range data too short: %d bytes", len(buf))
	}
	minWatts = int(int16(uint16(buf[0]) | uint16(buf[1])<<8))
	maxWatts = int(int16(uint16(buf[2]) | uint16(buf[3])<<8))
	stepWatts = int(uint16(buf[4]) | uint16(buf[5])<<8)
	return minWatts, maxWatts, stepWatts, nil
}

// controlResponse is a decoded FTMS Control Point indication.
type controlResponse struct {
	requestOpCode byte
	resultCode    byte
}

// parseControlResponse decodes a control point indication:
// [0x80, request op code, result code].
func parseControlResponse(buf []byte) (controlResponse, error) {
	if len(buf) < 3 {
		return controlResponse{}, fmt.Errorf("control response too short: %d bytes", len(buf))
	}
	if buf[0] != FTMSOpCodeResponseCode {
		return controlResponse{}, fmt.Errorf("unexpected control response op code: 0x%02X", buf[0])
	}
	return controlResponse{requestOpCode: buf[1], resultCode: buf[2]}, nil
}

func controlResultName(code byte) string {
	switch code {
	case FTMSResultSuccess:
		return "Success"
	case FTMSResultOpCodeNotSupported:
		return "Op Code Not Supported"
	case FTMSResultInvalidParameter:
		return "Invalid Parameter"
	case FTMSResultOperationFailed:
		return "Operation Failed"
	case FTMSResultControlNotPermitted:
		return "Control Not Permitted"
	default:
		return fmt.Sprintf("Result 0x%02X", code)
	}
}

// encodeSetTargetPower builds the Set Target Power command:
// [0x05, power_low, power_high], power as SINT16 watts.
func encodeSetTargetPower(watts int) []byte {
	p := int16(watts)
	return []byte{FTMSOpCodeSetTargetPower, byte(p & 0xFF), byte((p >> 8) & 0xFF)}
}
