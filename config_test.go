package blksched

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ehrlich-b/go-blksched/internal/logging"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "blksched.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
host:
  can_queue: 16
devices:
  - name: sda
    queue_depth: 4
    policy: sector
    plug_delay: 3ms
  - name: cd0
    removable: true
    policy: fifo
    target: bus0
logging:
  level: warn
  format: json
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	require.Equal(t, 16, cfg.Host.CanQueue)
	require.Len(t, cfg.Devices, 2)
	require.Equal(t, "sda", cfg.Devices[0].Name)
	require.Equal(t, 4, cfg.Devices[0].QueueDepth)
	require.Equal(t, Duration(3*time.Millisecond), cfg.Devices[0].PlugDelay)
	require.True(t, cfg.Devices[1].Removable)
	require.Equal(t, "bus0", cfg.Devices[1].Target)

	lc := cfg.Logging.Apply(logging.DefaultConfig())
	require.Equal(t, logging.LevelWarn, lc.Level)
	require.Equal(t, "json", lc.Format)
}

func TestLoadConfigRejectsInvalid(t *testing.T) {
	cases := []struct {
		name    string
		content string
	}{
		{"missing name", "devices:\n  - queue_depth: 4\n"},
		{"duplicate name", "devices:\n  - name: sda\n  - name: sda\n"},
		{"negative depth", "devices:\n  - name: sda\n    queue_depth: -1\n"},
		{"negative can_queue", "host:\n  can_queue: -2\n"},
		{"bad log level", "logging:\n  level: loud\n"},
		{"bad log format", "logging:\n  format: xml\n"},
		{"bad yaml", "devices: [\n"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.content))
			require.Error(t, err)
		})
	}
}

func TestConfigBuild(t *testing.T) {
	cfg := &Config{
		Host: HostConfig{CanQueue: 8},
		Devices: []DeviceConfig{
			{Name: "sda", QueueDepth: 2},
			{Name: "tape0", Policy: "fifo", Target: "bus0"},
			{Name: "tape1", Policy: "fifo", Target: "bus0"},
		},
	}
	require.NoError(t, cfg.Validate())

	drivers := make(map[string]*MockDriver)
	host, devices, err := cfg.Build(func(dc DeviceConfig) Driver {
		d := NewMockDriver(true)
		drivers[dc.Name] = d
		return d
	}, nil)
	require.NoError(t, err)
	require.Len(t, devices, 3)
	require.Len(t, drivers, 3)

	// Devices work end to end through the built host.
	var done error
	devices[0].Submit(Unit{Sector: 0, NrSectors: 8, Dir: DirWrite, Done: func(err error) { done = err }})
	require.NoError(t, done)
	require.Equal(t, 0, host.Busy())

	// Siblings on the same named target share one exclusive group.
	devices[1].Submit(Unit{Sector: 0, NrSectors: 4, Dir: DirWrite})
	devices[2].Submit(Unit{Sector: 0, NrSectors: 4, Dir: DirWrite})
	require.Equal(t, 1, drivers["tape0"].CallCounts()["submit"])
	require.Equal(t, 1, drivers["tape1"].CallCounts()["submit"])
}

func TestConfigBuildUnknownPolicy(t *testing.T) {
	cfg := &Config{Devices: []DeviceConfig{{Name: "sda", Policy: "deadline"}}}
	_, _, err := cfg.Build(func(DeviceConfig) Driver { return NewMockDriver(true) }, nil)
	require.Error(t, err)
	require.True(t, IsCode(err, ErrCodeUnknownPolicy))
}
