package ble

import (
	"fmt"
	"log"
	"sync"
	"time"

	"tinygo.org/x/bluetooth"
)

// peripheral wraps a scanned or connected bluetooth device and caches its
// discovered GATT services and characteristics. All characteristic
// operations are serialized through gattMu: concurrent GATT calls on the
// same device corrupt state on some adapters.
type peripheral struct {
	address   bluetooth.Address
	logger    *log.Logger
	scanStale time.Duration

	mu           sync.RWMutex
	scanResult   *bluetooth.ScanResult
	scanLastSeen time.Time
	localName    string
	connected    *bluetooth.Device
	serviceUUIDs []string

	gattMu               sync.Mutex
	serviceByUUID        map[string]*bluetooth.DeviceService
	charByUUID           map[string]*bluetooth.DeviceCharacteristic
	serviceCharsComplete map[string]bool
	allServicesComplete  bool
}

func newPeripheral(logger *log.Logger, address bluetooth.Address, scanStale time.Duration) *peripheral {
	if logger == nil {
		panic("peripheral: logger cannot be nil")
	}
	if scanStale <= 0 {
		panic("peripheral: scanStale must be > 0")
	}
	return &peripheral{
		address:              address,
		logger:               logger,
		scanStale:            scanStale,
		localName:            "Unknown",
		serviceByUUID:        make(map[string]*bluetooth.DeviceService),
		charByUUID:           make(map[string]*bluetooth.DeviceCharacteristic),
		serviceCharsComplete: make(map[string]bool),
	}
}

func (p *peripheral) AddressString() string {
	return p.address.String()
}

func (p *peripheral) LocalName() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scanResult != nil {
		if name := p.scanResult.LocalName(); name != "" {
			return name
		}
	}
	return p.localName
}

func (p *peripheral) RSSI() int16 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.scanResult == nil {
		return 0
	}
	return p.scanResult.RSSI
}

func (p *peripheral) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected != nil
}

func (p *peripheral) HasServiceUUID(uuid string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, u := range p.serviceUUIDs {
		if u == uuid {
			return true
		}
	}
	return false
}

func (p *peripheral) setScanResult(result *bluetooth.ScanResult, seen time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.scanResult = result
	p.scanLastSeen = seen
	if len(p.serviceUUIDs) == 0 {
		for _, uuid := range result.ServiceUUIDs() {
			p.serviceUUIDs = append(p.serviceUUIDs, uuid.String())
		}
	}
}

func (p *peripheral) recentlyScanned(now time.Time) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.scanResult != nil && now.Sub(p.scanLastSeen) <= p.scanStale
}

func (p *peripheral) setConnected(device *bluetooth.Device) {
	p.mu.Lock()
	p.connected = device
	p.mu.Unlock()

	// gattMu is never taken while holding mu: the GATT path locks in the
	// other order.
	if device == nil {
		// Discovery caches refer to the dead connection.
		p.gattMu.Lock()
		p.serviceByUUID = make(map[string]*bluetooth.DeviceService)
		p.charByUUID = make(map[string]*bluetooth.DeviceCharacteristic)
		p.serviceCharsComplete = make(map[string]bool)
		p.allServicesComplete = false
		p.gattMu.Unlock()
	}
}

func (p *peripheral) connectedDevice() *bluetooth.Device {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

// WaitForConnection polls until the connect handler has marked this
// peripheral connected, or the timeout elapses.
func (p *peripheral) WaitForConnection(timeout time.Duration) error {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	deadline := time.After(timeout)

	for {
		select {
		case <-ticker.C:
			if p.IsConnected() {
				return nil
			}
		case <-deadline:
			return fmt.Errorf("%w: timeout after %v waiting for connection", ErrConnection, timeout)
		}
	}
}

// EnableNotifications subscribes to a characteristic and routes each
// notification payload to callback.
func (p *peripheral) EnableNotifications(serviceUUID, charUUID string, callback func(buf []byte)) error {
	p.gattMu.Lock()
	defer p.gattMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if err := char.EnableNotifications(callback); err != nil {
		return fmt.Errorf("failed to enable notifications on %s: %w", charUUID, err)
	}
	return nil
}

// ReadCharacteristic performs a one-shot read.
func (p *peripheral) ReadCharacteristic(serviceUUID, charUUID string) ([]byte, error) {
	p.gattMu.Lock()
	defer p.gattMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 512)
	n, err := char.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("failed to read characteristic %s: %w", charUUID, err)
	}
	return buf[:n], nil
}

// WriteCharacteristic performs a write-with-response.
func (p *peripheral) WriteCharacteristic(serviceUUID, charUUID string, data []byte) error {
	p.gattMu.Lock()
	defer p.gattMu.Unlock()

	char, err := p.characteristic(serviceUUID, charUUID)
	if err != nil {
		return err
	}
	if _, err := char.Write(data); err != nil {
		return fmt.Errorf("failed to write characteristic %s: %w", charUUID, err)
	}
	return nil
}

// service returns the cached service, discovering all services on first
// use. Discovering services one at a time interrupts earlier services on
// some stacks, so everything is discovered in a single pass and cached.
func (p *peripheral) service(serviceUUID string) (*bluetooth.DeviceService, error) {
	device := p.connectedDevice()
	if device == nil {
		return nil, ErrNotConnected
	}

	if svc, ok := p.serviceByUUID[serviceUUID]; ok {
		return svc, nil
	}

	if !p.allServicesComplete {
		services, err := device.DiscoverServices(nil)
		if err != nil {
			return nil, fmt.Errorf("error discovering services: %w", err)
		}
		for i := range services {
			svc := &services[i]
			p.serviceByUUID[svc.UUID().String()] = svc
		}
		p.allServicesComplete = true
	}

	svc, ok := p.serviceByUUID[serviceUUID]
	if !ok {
		return nil, fmt.Errorf("service %s not found on device", serviceUUID)
	}
	return svc, nil
}

// characteristic returns the cached characteristic, discovering the
// service's full characteristic set on first use. Caller holds gattMu.
func (p *peripheral) characteristic(serviceUUID, charUUID string) (*bluetooth.DeviceCharacteristic, error) {
	key := serviceUUID + "_" + charUUID
	if char, ok := p.charByUUID[key]; ok {
		return char, nil
	}

	if !p.serviceCharsComplete[serviceUUID] {
		svc, err := p.service(serviceUUID)
		if err != nil {
			return nil, err
		}
		chars, err := svc.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("could not discover characteristics for service %s: %w", serviceUUID, err)
		}
		for i := range chars {
			char := &chars[i]
			p.charByUUID[serviceUUID+"_"+char.UUID().String()] = char
		}
		p.serviceCharsComplete[serviceUUID] = true
	}

	char, ok := p.charByUUID[key]
	if !ok {
		return nil, fmt.Errorf("characteristic %s not found in service %s", charUUID, serviceUUID)
	}
	return char, nil
}
