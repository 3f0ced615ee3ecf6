// Package config loads rider and device settings from flags and an
// optional config file. Settings are read once at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the full application configuration.
type Config struct {
	FTPWatts            int    `mapstructure:"ftp_watts"`
	MaxHR               int    `mapstructure:"max_hr"`
	Zone2HRLow          int    `mapstructure:"zone2_hr_low"`
	Zone2HRHigh         int    `mapstructure:"zone2_hr_high"`
	TrainerNameFilter   string `mapstructure:"trainer_name_filter"`
	HRMonitorNameFilter string `mapstructure:"hr_monitor_name_filter"`
	Workout             string `mapstructure:"workout"`
	ScanTimeoutSeconds  int    `mapstructure:"scan_timeout_seconds"`
	AudioAlerts         bool   `mapstructure:"audio_alerts"`
	Headless            bool   `mapstructure:"headless"`
	LogPath             string `mapstructure:"log_path"`
	ExportDir           string `mapstructure:"export_dir"`
}

// RegisterFlags declares the command line flags that override file and
// default values.
func RegisterFlags(flags *pflag.FlagSet) {
	flags.Int("ftp_watts", 0, "functional threshold power in watts")
	flags.Int("max_hr", 0, "maximum heart rate in bpm")
	flags.Int("zone2_hr_low", 0, "zone 2 heart rate floor in bpm")
	flags.Int("zone2_hr_high", 0, "zone 2 heart rate ceiling in bpm")
	flags.String("trainer_name_filter", "", "substring match for the trainer's advertised name")
	flags.String("hr_monitor_name_filter", "", "substring match for the heart rate monitor's name")
	flags.String("workout", "zone2", "workout to run")
	flags.Int("scan_timeout_seconds", 15, "BLE scan window per device")
	flags.Bool("audio_alerts", true, "beep on alerts")
	flags.Bool("headless", false, "run without the terminal dashboard")
	flags.String("log_path", "", "log file path (default ~/.zone2-trainer/zone2-trainer.log)")
	flags.String("export_dir", "workouts", "directory for exported FIT files")
	flags.String("config", "", "config file path")
}

// Load resolves the configuration: defaults, then the config file, then
// flags. A missing config file is not an error unless one was named
// explicitly.
func Load(flags *pflag.FlagSet) (Config, error) {
	v := viper.New()

	v.SetDefault("workout", "zone2")
	v.SetDefault("scan_timeout_seconds", 15)
	v.SetDefault("audio_alerts", true)
	v.SetDefault("export_dir", "workouts")

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("binding flags: %w", err)
	}

	if path, _ := flags.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(defaultConfigDir())
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return Config{}, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if cfg.LogPath == "" {
		cfg.LogPath = filepath.Join(defaultConfigDir(), "zone2-trainer.log")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the rider parameters. Name filters may be empty, in
// which case any device advertising the role's service matches.
func (c Config) Validate() error {
	if c.FTPWatts <= 0 {
		return fmt.Errorf("ftp_watts must be set and > 0, got %d", c.FTPWatts)
	}
	if c.MaxHR <= 0 {
		return fmt.Errorf("max_hr must be set and > 0, got %d", c.MaxHR)
	}
	if c.Zone2HRLow <= 0 || c.Zone2HRHigh <= c.Zone2HRLow {
		return fmt.Errorf("invalid zone 2 bounds [%d, %d]", c.Zone2HRLow, c.Zone2HRHigh)
	}
	if c.Zone2HRHigh >= c.MaxHR {
		return fmt.Errorf("zone2_hr_high %d must be below max_hr %d", c.Zone2HRHigh, c.MaxHR)
	}
	if c.ScanTimeoutSeconds <= 0 {
		return fmt.Errorf("scan_timeout_seconds must be > 0, got %d", c.ScanTimeoutSeconds)
	}
	if c.Workout == "" {
		return fmt.Errorf("workout must be set")
	}
	return nil
}

func defaultConfigDir() string {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	return filepath.Join(homeDir, ".zone2-trainer")
}
