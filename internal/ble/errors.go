package ble

import "errors"

var (
	// ErrScanTimeout is returned when a scan window elapses with no
	// candidate matching the role and name filter.
	ErrScanTimeout = errors.New("scan timed out with no matching device")

	// ErrConnection wraps failures to establish or complete a connection.
	ErrConnection = errors.New("connection failed")

	// ErrUnsupportedDevice is returned when a trainer lacks FTMS power
	// target support, so ERG control is impossible.
	ErrUnsupportedDevice = errors.New("device does not support power target control")

	// ErrControlRejected is returned when the trainer's control point
	// answers a command with a non-success result code.
	ErrControlRejected = errors.New("trainer rejected control command")

	// ErrDeviceLost is returned after reconnection attempts are exhausted.
	ErrDeviceLost = errors.New("device lost")

	// ErrNotConnected is returned for operations on a session that is not
	// currently connected.
	ErrNotConnected = errors.New("device not connected")
)
