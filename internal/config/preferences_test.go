package config

import (
	"io"
	"log"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPreferences(t *testing.T) *Preferences {
	t.Helper()
	p := &Preferences{
		filePath: filepath.Join(t.TempDir(), "devices.json"),
		logger:   log.New(io.Discard, "", 0),
	}
	p.load()
	return p
}

func TestPreferences_RoundTrip(t *testing.T) {
	p := testPreferences(t)

	assert.Empty(t, p.PreferredDevice("trainer"))

	p.SetPreferredDevice("trainer", "AA:BB:CC:DD:EE:FF")
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", p.PreferredDevice("trainer"))

	// A fresh instance reads the same file back.
	reloaded := &Preferences{filePath: p.filePath, logger: p.logger}
	reloaded.load()
	assert.Equal(t, "AA:BB:CC:DD:EE:FF", reloaded.PreferredDevice("trainer"))
	assert.Empty(t, reloaded.PreferredDevice("heart_rate_monitor"))
}

func TestPreferences_CorruptFileIgnored(t *testing.T) {
	p := testPreferences(t)
	require.NoError(t, os.WriteFile(p.filePath, []byte("{not json"), 0o644))

	p.load()
	assert.Empty(t, p.PreferredDevice("trainer"))
	p.SetPreferredDevice("trainer", "11:22:33:44:55:66")
	assert.Equal(t, "11:22:33:44:55:66", p.PreferredDevice("trainer"))
}
