// Package config loads the Modbus RTU client's runtime configuration
// the way the teacher platform loads its own: viper layering defaults,
// a config file, and environment overrides, with fsnotify watching the
// file for live edits to the fields that are safe to hot-reload.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"github.com/fieldbus-go/modbus-rtu/internal/logger"
)

// Config holds every tunable named in the port/transport/discovery
// sections of the specification (§4.8).
type Config struct {
	DefaultPort           string         `mapstructure:"default_port"`
	DefaultBaudrate       int            `mapstructure:"default_baudrate"`
	DefaultTimeoutSeconds float64        `mapstructure:"default_timeout_seconds"`
	DefaultUnitID         int            `mapstructure:"default_unit_id"`
	RS485MinGapSeconds    float64        `mapstructure:"rs485_min_gap_seconds"`
	MaxAttempts           int            `mapstructure:"max_attempts"`
	Baudrates             []int          `mapstructure:"baudrates"`
	PrioritizedBaudrates  []int          `mapstructure:"prioritized_baudrates"`
	BaudrateCodes         map[string]int `mapstructure:"baudrate_codes"`
	AutoDetect            AutoDetect     `mapstructure:"auto_detect"`
	Logger                LoggerConfig   `mapstructure:"logger"`
}

// AutoDetect bounds the discovery sweep (C7).
type AutoDetect struct {
	Ports   []string `mapstructure:"ports"`
	UnitIDs []int    `mapstructure:"unit_ids"`
}

// LoggerConfig mirrors internal/logger.Config in mapstructure form.
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	LogDir     string `mapstructure:"log_dir"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// BaudrateCodesAsInt converts the string-keyed map viper hands back
// (mapstructure can't use int keys from YAML/JSON) into the
// int->uint16 table the client expects.
func (c *Config) BaudrateCodesAsInt() map[int]uint16 {
	if len(c.BaudrateCodes) == 0 {
		return nil
	}
	out := make(map[int]uint16, len(c.BaudrateCodes))
	for k, v := range c.BaudrateCodes {
		var baud int
		if _, err := fmt.Sscanf(k, "%d", &baud); err == nil {
			out[baud] = uint16(v)
		}
	}
	return out
}

// Load reads configuration from configPath (or the conventional
// search locations) layered under defaults, then applies MODBUS_*
// environment overrides.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("json")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
		v.AddConfigPath(getConfigDir())
	}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	v.SetEnvPrefix("MODBUS")
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// WatchConfig re-reads the file on change and invokes onChange with
// the freshly decoded Config. Only safe for fields the caller applies
// atomically (e.g. discovery defaults, logging level) — an open
// Client's port/baud are never hot-swapped out from under a live
// Engine.
func WatchConfig(configPath string, onChange func(*Config)) error {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	v.SetEnvPrefix("MODBUS")
	v.AutomaticEnv()

	v.OnConfigChange(func(e fsnotify.Event) {
		var cfg Config
		if err := v.Unmarshal(&cfg); err != nil {
			logger.Get().Sugar().Warnw("config: reload failed", "error", err, "file", e.Name)
			return
		}
		onChange(&cfg)
	})
	v.WatchConfig()
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("default_port", "/dev/ttyACM0")
	v.SetDefault("default_baudrate", 9600)
	v.SetDefault("default_timeout_seconds", 1.0)
	v.SetDefault("default_unit_id", 1)
	v.SetDefault("rs485_min_gap_seconds", 0.05)
	v.SetDefault("max_attempts", 3)
	v.SetDefault("baudrates", []int{1200, 2400, 4800, 9600, 19200, 38400, 57600, 115200})
	v.SetDefault("prioritized_baudrates", []int{9600, 19200, 115200})
	v.SetDefault("auto_detect.ports", []string{"/dev/ttyACM0", "/dev/ttyUSB0"})
	v.SetDefault("auto_detect.unit_ids", []int{1, 2, 3, 4, 5})

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.log_dir", "./logs")
	v.SetDefault("logger.max_size_mb", 50)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age_days", 7)
	v.SetDefault("logger.compress", true)
}

func getConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return filepath.Join(home, ".modbus-rtu")
}
