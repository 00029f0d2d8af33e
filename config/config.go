package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/itiky/listsync/model"
)

const envPrefix = "LISTSYNC"

type (
	// Config keeps the sync engine, server and client settings.
	Config struct {
		DebounceDelayMs       int     `mapstructure:"debounceDelayMs"`
		EchoGraceMs           int     `mapstructure:"echoGraceMs"`
		DiffMinThreshold      int     `mapstructure:"diffMinThreshold"`
		DiffThresholdFraction float64 `mapstructure:"diffThresholdFraction"`

		Server ServerConfig `mapstructure:"server"`
		Auth   AuthConfig   `mapstructure:"auth"`
		Client ClientConfig `mapstructure:"client"`
	}

	ServerConfig struct {
		Addr string `mapstructure:"addr"`
		// Empty path means in-memory storage
		DbPath string `mapstructure:"dbPath"`
		// Per connection outbound event buffer
		SendBuffer int `mapstructure:"sendBuffer"`
	}

	AuthConfig struct {
		Secret   string        `mapstructure:"secret"`
		TokenTTL time.Duration `mapstructure:"tokenTTL"`
	}

	ClientConfig struct {
		ServerUrl      string        `mapstructure:"serverUrl"`
		Token          string        `mapstructure:"token"`
		SnapshotDir    string        `mapstructure:"snapshotDir"`
		RequestTimeout time.Duration `mapstructure:"requestTimeout"`
	}
)

// DebounceDelay returns the debounce delay as time.Duration.
func (c Config) DebounceDelay() time.Duration {
	return time.Duration(c.DebounceDelayMs) * time.Millisecond
}

// EchoGrace returns the echo grace window as time.Duration.
func (c Config) EchoGrace() time.Duration {
	return time.Duration(c.EchoGraceMs) * time.Millisecond
}

// DiffOptions returns the diff threshold policy.
func (c Config) DiffOptions() []model.DiffOption {
	return []model.DiffOption{model.WithDiffThreshold(c.DiffMinThreshold, c.DiffThresholdFraction)}
}

// Validate performs basic config validation.
func (c Config) Validate() error {
	if c.DebounceDelayMs < 0 {
		return fmt.Errorf("%s: must be GTE 0", "debounceDelayMs")
	}
	if c.EchoGraceMs <= 0 {
		return fmt.Errorf("%s: must be GT 0", "echoGraceMs")
	}
	if c.DiffMinThreshold < 0 {
		return fmt.Errorf("%s: must be GTE 0", "diffMinThreshold")
	}
	if c.DiffThresholdFraction < 0 || c.DiffThresholdFraction > 1 {
		return fmt.Errorf("%s: must be in [0, 1]", "diffThresholdFraction")
	}
	if c.Server.SendBuffer <= 0 {
		return fmt.Errorf("%s: must be GT 0", "server.sendBuffer")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("%s: must be GT 0", "auth.tokenTTL")
	}
	if c.Client.RequestTimeout <= 0 {
		return fmt.Errorf("%s: must be GT 0", "client.requestTimeout")
	}

	return nil
}

// SetDefaults registers default values.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("debounceDelayMs", 300)
	v.SetDefault("echoGraceMs", 5000)
	v.SetDefault("diffMinThreshold", model.DefaultDiffMinThreshold)
	v.SetDefault("diffThresholdFraction", model.DefaultDiffThresholdFraction)

	v.SetDefault("server.addr", ":2412")
	v.SetDefault("server.dbPath", "")
	v.SetDefault("server.sendBuffer", 64)

	v.SetDefault("auth.secret", "")
	v.SetDefault("auth.tokenTTL", 24*time.Hour)

	v.SetDefault("client.serverUrl", "http://127.0.0.1:2412")
	v.SetDefault("client.token", "")
	v.SetDefault("client.snapshotDir", "")
	v.SetDefault("client.requestTimeout", 10*time.Second)
}

// Load reads the config: defaults < optional config file < LISTSYNC_* environment.
// An empty filePath skips the config file.
func Load(v *viper.Viper, filePath string) (Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if filePath != "" {
		v.SetConfigFile(filePath)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file (%s): %w", filePath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("config unmarshal: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// Default returns the default config.
func Default() Config {
	cfg, err := Load(viper.New(), "")
	if err != nil {
		panic(fmt.Errorf("default config: %w", err))
	}

	return cfg
}
