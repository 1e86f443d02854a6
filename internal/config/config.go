package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/dgnsrekt/datacollector/internal/notify"
)

type Config struct {
	Acquisition AcquisitionConfig `mapstructure:"acquisition"`
	Devices     []DeviceConfig    `mapstructure:"devices"`
	Output      OutputConfig      `mapstructure:"output"`
	Export      ExportConfig      `mapstructure:"export"`
	Server      ServerConfig      `mapstructure:"server"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Notify      notify.Config     `mapstructure:"notify"`
}

type AcquisitionConfig struct {
	Duration      time.Duration `mapstructure:"duration"`
	VideoDevice   string        `mapstructure:"video_device"`
	TrackerDevice string        `mapstructure:"tracker_device"`
}

type DeviceConfig struct {
	ID         string         `mapstructure:"id"`
	Type       DeviceType     `mapstructure:"type"`
	BufferSize int            `mapstructure:"buffer_size"`
	FrameRate  float64        `mapstructure:"frame_rate"`
	Streams    []string       `mapstructure:"streams"`
	Video      VideoConfig    `mapstructure:"video"`
	Playback   PlaybackConfig `mapstructure:"playback"`
}

type VideoConfig struct {
	Width  int `mapstructure:"width"`
	Height int `mapstructure:"height"`
}

type PlaybackConfig struct {
	SequenceFile string   `mapstructure:"sequence_file"`
	Loop         LoopMode `mapstructure:"loop"`
}

type OutputConfig struct {
	Directory  string `mapstructure:"directory"`
	Compressed bool   `mapstructure:"compressed"`
	Workers    int    `mapstructure:"workers"`
	Catalog    string `mapstructure:"catalog"` // sqlite path, empty disables the catalog
}

type ExportConfig struct {
	Interval   time.Duration `mapstructure:"interval"` // zero disables periodic export
	Compressed bool          `mapstructure:"compressed"`
}

type ServerConfig struct {
	Addr    string `mapstructure:"addr"`
	Enabled bool   `mapstructure:"enabled"`
}

type LoggingConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Directory string `mapstructure:"directory"`
	Level     string `mapstructure:"level"`
}

func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	v.SetDefault("acquisition.duration", "20s")
	v.SetDefault("acquisition.video_device", DefaultVideoDevice)
	v.SetDefault("acquisition.tracker_device", DefaultTrackerDevice)
	v.SetDefault("output.directory", "./")
	v.SetDefault("output.compressed", true)
	v.SetDefault("output.workers", 2)
	v.SetDefault("output.catalog", "")
	v.SetDefault("export.interval", "0s")
	v.SetDefault("export.compressed", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.enabled", true)
	v.SetDefault("logging.enabled", false)
	v.SetDefault("logging.directory", "logs")
	v.SetDefault("logging.level", "info")
	v.SetDefault("notify.enabled", false)
	v.SetDefault("notify.server", "https://ntfy.sh")
	v.SetDefault("notify.priority", "default")
	v.SetDefault("notify.tags", "movie_camera")

	// Environment variable support
	v.SetEnvPrefix("COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// Explicitly bind nested keys without defaults to env vars
	_ = v.BindEnv("notify.topic", "COLLECTOR_NOTIFY_TOPIC")
	_ = v.BindEnv("notify.token", "COLLECTOR_NOTIFY_TOKEN")

	// Load config file
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("default")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if len(cfg.Devices) == 0 {
		cfg.Devices = DefaultDevices()
	}
	cfg.applyDeviceDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// applyDeviceDefaults fills per-device settings viper cannot default inside
// a list.
func (c *Config) applyDeviceDefaults() {
	for i := range c.Devices {
		d := &c.Devices[i]
		if d.BufferSize == 0 {
			d.BufferSize = DefaultBufferSize
		}
		if d.FrameRate == 0 {
			d.FrameRate = DefaultFrameRate
		}
		if len(d.Streams) == 0 {
			d.Streams = DefaultStreams(d.Type)
		}
		if d.Type == DeviceSimulatedVideo || d.Type == DevicePlayback {
			if d.Video.Width == 0 {
				d.Video.Width = DefaultVideoWidth
			}
			if d.Video.Height == 0 {
				d.Video.Height = DefaultVideoHeight
			}
		}
		if d.Type == DevicePlayback && d.Playback.Loop == "" {
			d.Playback.Loop = LoopRotation
		}
	}
}

// Device returns the configuration of the device with the given id.
func (c *Config) Device(id string) (*DeviceConfig, bool) {
	for i := range c.Devices {
		if c.Devices[i].ID == id {
			return &c.Devices[i], true
		}
	}
	return nil, false
}

// ApplyPlaybackOverride points a playback device at another sequence file.
func (c *Config) ApplyPlaybackOverride(id, file string) error {
	d, ok := c.Device(id)
	if !ok {
		return fmt.Errorf("device %q is not configured", id)
	}
	if d.Type != DevicePlayback {
		return fmt.Errorf("device %q is a %s device, not %s", id, d.Type, DevicePlayback)
	}
	d.Playback.SequenceFile = file
	return nil
}

func (c *Config) Validate() error {
	errs := &ValidationErrors{}

	validateDevices(errs, c.Devices)

	if c.Acquisition.Duration < 0 {
		errs.Settings = append(errs.Settings, "acquisition.duration must not be negative")
	}
	for _, ref := range []struct{ key, id string }{
		{"acquisition.video_device", c.Acquisition.VideoDevice},
		{"acquisition.tracker_device", c.Acquisition.TrackerDevice},
	} {
		if ref.id == "" {
			continue
		}
		if _, ok := c.Device(ref.id); !ok {
			errs.Settings = append(errs.Settings, fmt.Sprintf("%s refers to unknown device %q", ref.key, ref.id))
		}
	}

	if c.Output.Workers < 1 {
		errs.Settings = append(errs.Settings, "output.workers must be >= 1")
	}
	if c.Export.Interval < 0 {
		errs.Settings = append(errs.Settings, "export.interval must not be negative")
	}
	if err := c.Notify.Validate(); err != nil {
		errs.Settings = append(errs.Settings, err.Error())
	}

	if errs.HasErrors() {
		return errs
	}
	return nil
}
