package blksched

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/go-blksched/internal/logging"
)

// Duration decodes YAML durations given either as strings ("3ms") or
// as raw nanosecond counts.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		v, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("parsing duration %q: %w", s, err)
		}
		*d = Duration(v)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("parsing duration: %w", err)
	}
	*d = Duration(n)
	return nil
}

// Config describes a host adapter and its devices for file-driven
// setups.
type Config struct {
	Host    HostConfig     `yaml:"host"`
	Devices []DeviceConfig `yaml:"devices"`
	Logging LoggingConfig  `yaml:"logging"`
}

// LoggingConfig selects log output for file-driven setups. Empty
// fields keep the defaults.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // json or text
}

// Apply folds the file settings onto a logging config.
func (lc LoggingConfig) Apply(base *logging.Config) *logging.Config {
	switch lc.Level {
	case "debug":
		base.Level = logging.LevelDebug
	case "info":
		base.Level = logging.LevelInfo
	case "warn":
		base.Level = logging.LevelWarn
	case "error":
		base.Level = logging.LevelError
	}
	if lc.Format != "" {
		base.Format = lc.Format
	}
	return base
}

// HostConfig configures the shared admission level.
type HostConfig struct {
	// CanQueue bounds commands in flight across the host; zero means
	// unlimited.
	CanQueue int `yaml:"can_queue"`

	// MaxBlocked seeds the host transient-busy countdown.
	MaxBlocked int `yaml:"max_blocked"`
}

// DeviceConfig configures one device.
type DeviceConfig struct {
	Name       string `yaml:"name"`
	QueueDepth int    `yaml:"queue_depth"`
	Policy     string `yaml:"policy"`
	Removable  bool   `yaml:"removable"`
	Wide       bool   `yaml:"wide"`

	MaxRetries          int      `yaml:"max_retries"`
	MaxBlocked          int      `yaml:"max_blocked"`
	CongestionThreshold int      `yaml:"congestion_threshold"`
	PlugDelay           Duration `yaml:"plug_delay"`

	// Target names a dispatch-exclusive group; devices sharing a
	// target name serialize against each other.
	Target string `yaml:"target"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the config for obvious mistakes.
func (c *Config) Validate() error {
	if c.Host.CanQueue < 0 {
		return fmt.Errorf("host.can_queue must not be negative")
	}
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.Name == "" {
			return fmt.Errorf("devices[%d]: name is required", i)
		}
		if seen[d.Name] {
			return fmt.Errorf("devices[%d]: duplicate name %q", i, d.Name)
		}
		seen[d.Name] = true
		if d.QueueDepth < 0 {
			return fmt.Errorf("device %s: queue_depth must not be negative", d.Name)
		}
		if d.PlugDelay < 0 {
			return fmt.Errorf("device %s: plug_delay must not be negative", d.Name)
		}
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not a level", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("logging.format %q is not a format", c.Logging.Format)
	}
	return nil
}

// Build constructs the host and devices the config describes, all
// served by drivers from the factory. Devices naming the same target
// share an exclusive target group.
func (c *Config) Build(driverFor func(DeviceConfig) Driver, opts *Options) (*Host, []*Device, error) {
	host := NewHost(c.Host.CanQueue)
	host.h.MaxBlocked = c.Host.MaxBlocked

	targets := make(map[string]*Target)
	devices := make([]*Device, 0, len(c.Devices))
	for _, dc := range c.Devices {
		var tgt *Target
		if dc.Target != "" {
			tgt = targets[dc.Target]
			if tgt == nil {
				tgt = host.NewTarget(true)
				targets[dc.Target] = tgt
			}
		}
		d, err := host.AddDevice(DeviceParams{
			Name:                dc.Name,
			QueueDepth:          dc.QueueDepth,
			Policy:              dc.Policy,
			Removable:           dc.Removable,
			Wide:                dc.Wide,
			Target:              tgt,
			MaxRetries:          dc.MaxRetries,
			MaxBlocked:          dc.MaxBlocked,
			CongestionThreshold: dc.CongestionThreshold,
			PlugDelay:           time.Duration(dc.PlugDelay),
		}, driverFor(dc), opts)
		if err != nil {
			return nil, nil, fmt.Errorf("device %s: %w", dc.Name, err)
		}
		devices = append(devices, d)
	}
	return host, devices, nil
}
