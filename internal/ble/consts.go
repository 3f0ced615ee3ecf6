package ble

// Service and characteristic UUIDs used by the controller
const (
	// Heart Rate Service
	ServiceUUIDHeartRate         = "0000180d-0000-1000-8000-00805f9b34fb"
	CharUUIDHeartRateMeasurement = "00002a37-0000-1000-8000-00805f9b34fb"

	// Cycling Speed and Cadence Service
	ServiceUUIDCyclingSpeedCadence = "00001816-0000-1000-8000-00805f9b34fb"
	CharUUIDCSCMeasurement         = "00002a5b-0000-1000-8000-00805f9b34fb"

	// Cycling Power Service
	ServiceUUIDCyclingPower         = "00001818-0000-1000-8000-00805f9b34fb"
	CharUUIDCyclingPowerMeasurement = "00002a63-0000-1000-8000-00805f9b34fb"

	// Fitness Machine Service (FTMS)
	ServiceUUIDFTMS             = "00001826-0000-1000-8000-00805f9b34fb"
	CharUUIDIndoorBikeData      = "00002ad2-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSControlPoint    = "00002ad9-0000-1000-8000-00805f9b34fb"
	CharUUIDFTMSFeature         = "00002acc-0000-1000-8000-00805f9b34fb"
	CharUUIDSupportedPowerRange = "00002ad8-0000-1000-8000-00805f9b34fb"
)

// FTMS Control Point op codes (Fitness Machine Service 1.0)
// See: https://www.bluetooth.com/specifications/specs/fitness-machine-service-1-0/
const (
	FTMSOpCodeRequestControl      byte = 0x00
	FTMSOpCodeReset               byte = 0x01
	FTMSOpCodeSetTargetResistance byte = 0x04
	FTMSOpCodeSetTargetPower      byte = 0x05
	FTMSOpCodeStartOrResume       byte = 0x07
	FTMSOpCodeStopOrPause         byte = 0x08
	FTMSOpCodeResponseCode        byte = 0x80
)

// FTMS Control Point result codes
const (
	FTMSResultSuccess             byte = 0x01
	FTMSResultOpCodeNotSupported  byte = 0x02
	FTMSResultInvalidParameter    byte = 0x03
	FTMSResultOperationFailed     byte = 0x04
	FTMSResultControlNotPermitted byte = 0x05
)

// FTMS Feature: Target Setting Features field, bit 3 (FTMS 1.0 table 4.3.1.1)
const ftmsTargetSettingPowerBit = 1 << 3

// Role identifies what a device is used for in a session
type Role string

const (
	RoleTrainer          Role = "trainer"
	RoleHeartRateMonitor Role = "heart_rate_monitor"
)

// ScanServiceUUIDs returns the advertised service UUIDs that qualify a
// device for this role.
func (r Role) ScanServiceUUIDs() []string {
	switch r {
	case RoleTrainer:
		return []string{ServiceUUIDFTMS}
	case RoleHeartRateMonitor:
		return []string{ServiceUUIDHeartRate}
	default:
		return nil
	}
}

// Target power limits in watts, shared by the write path and the engine clamp
const (
	MinTargetPowerWatts = 25
	MaxTargetPowerWatts = 2000
)

// LinkState describes the connection lifecycle of a session
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnecting
	LinkConnected
	LinkReconnecting
	LinkFailed
)

func (s LinkState) String() string {
	switch s {
	case LinkDisconnected:
		return "Disconnected"
	case LinkConnecting:
		return "Connecting"
	case LinkConnected:
		return "Connected"
	case LinkReconnecting:
		return "Reconnecting"
	case LinkFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}
