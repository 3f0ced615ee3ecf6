package config

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
)

type preferencesData struct {
	DeviceAddressByRole map[string]string `json:"device_address_by_role"`
}

// Preferences remembers the devices used in past sessions so the next
// scan can prefer them. Failures are logged and otherwise ignored.
type Preferences struct {
	filePath string
	data     preferencesData
	logger   *log.Logger
}

func NewPreferences(logger *log.Logger) *Preferences {
	if logger == nil {
		panic("Preferences: logger cannot be nil")
	}
	p := &Preferences{
		filePath: filepath.Join(defaultConfigDir(), "devices.json"),
		logger:   logger,
	}
	p.load()
	return p
}

// PreferredDevice returns the stored address for a role, or "".
func (p *Preferences) PreferredDevice(role string) string {
	return p.data.DeviceAddressByRole[role]
}

// SetPreferredDevice stores the address for a role and saves.
func (p *Preferences) SetPreferredDevice(role, address string) {
	p.data.DeviceAddressByRole[role] = address
	p.save()
}

func (p *Preferences) load() {
	p.data = preferencesData{
		DeviceAddressByRole: make(map[string]string),
	}
	raw, err := os.ReadFile(p.filePath)
	if err != nil {
		p.logger.Printf("Preferences: no existing file at %s", p.filePath)
		return
	}
	if err := json.Unmarshal(raw, &p.data); err != nil {
		p.logger.Printf("Preferences: failed to parse %s: %v", p.filePath, err)
		return
	}
	if p.data.DeviceAddressByRole == nil {
		p.data.DeviceAddressByRole = make(map[string]string)
	}
	p.logger.Printf("Preferences: loaded %v", p.data.DeviceAddressByRole)
}

func (p *Preferences) save() {
	if err := os.MkdirAll(filepath.Dir(p.filePath), 0755); err != nil {
		p.logger.Printf("Preferences: mkdir failed: %v", err)
		return
	}
	raw, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		p.logger.Printf("Preferences: marshal failed: %v", err)
		return
	}
	if err := os.WriteFile(p.filePath, raw, 0644); err != nil {
		p.logger.Printf("Preferences: save %s failed: %v", p.filePath, err)
		return
	}
}
