package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/spf13/viper"

	"github.com/michaelbrown/restorebox/internal/sandbox"
)

type EngineConfig struct {
	Binary       string        `mapstructure:"binary"`
	BuildTimeout time.Duration `mapstructure:"build_timeout"`
	RunTimeout   time.Duration `mapstructure:"run_timeout"`
}

type ReadinessConfig struct {
	Mode        string        `mapstructure:"mode"` // "probe" or "delay"
	SettleDelay time.Duration `mapstructure:"settle_delay"`
	Interval    time.Duration `mapstructure:"interval"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type ChallengeConfig struct {
	BaseURL     string `mapstructure:"base_url"`
	Name        string `mapstructure:"name"`
	AccessToken string `mapstructure:"access_token"`
}

type ServerConfig struct {
	Port int `mapstructure:"port"`
}

type StorageConfig struct {
	DBPath string `mapstructure:"db_path"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type Config struct {
	Engine    EngineConfig    `mapstructure:"engine"`
	Readiness ReadinessConfig `mapstructure:"readiness"`
	Challenge ChallengeConfig `mapstructure:"challenge"`
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Log       LogConfig       `mapstructure:"log"`
}

// Load reads restorebox.yaml from the working directory or ~/.restorebox.
// The file is optional; RESTOREBOX_* environment variables override it.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("restorebox")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.restorebox")

	setDefaults(v)

	v.SetEnvPrefix("restorebox")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	return decode(v)
}

// LoadFile reads config from an explicit path.
func LoadFile(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return decode(v)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.binary", "docker")
	v.SetDefault("engine.build_timeout", "10m")
	v.SetDefault("engine.run_timeout", "1m")
	v.SetDefault("readiness.mode", "probe")
	v.SetDefault("readiness.settle_delay", "2s")
	v.SetDefault("readiness.interval", "500ms")
	v.SetDefault("readiness.timeout", "1m")
	v.SetDefault("challenge.base_url", "https://hackattic.com")
	v.SetDefault("challenge.name", "backup_restore")
	v.SetDefault("challenge.access_token", "${HACKATTIC_ACCESS_TOKEN}")
	v.SetDefault("server.port", 8080)
	v.SetDefault("storage.db_path", filepath.Join(os.Getenv("HOME"), ".restorebox", "restorebox.db"))
	v.SetDefault("log.level", "info")
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	cfg.Challenge.AccessToken = expandEnv(cfg.Challenge.AccessToken)
	cfg.Storage.DBPath = expandEnv(cfg.Storage.DBPath)

	switch cfg.Readiness.Mode {
	case "probe", "delay":
	default:
		return nil, fmt.Errorf("unknown readiness mode %q (want probe or delay)", cfg.Readiness.Mode)
	}
	return &cfg, nil
}

// expandEnv resolves a value of the form ${VAR}.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}

// Gate returns the readiness gate described by the config. "delay" waits
// SettleDelay only; "probe" waits SettleDelay and then polls the database.
func (r ReadinessConfig) Gate() sandbox.Gate {
	delay := sandbox.DelayGate{Delay: r.SettleDelay}
	if r.Mode == "delay" {
		return delay
	}
	return sandbox.Chain{delay, sandbox.ProbeGate{Interval: r.Interval, Timeout: r.Timeout}}
}

// SandboxOptions converts the config into sandbox options.
func (c *Config) SandboxOptions(logger *log.Logger) []sandbox.Option {
	return []sandbox.Option{
		sandbox.WithEngine(sandbox.NewEngine(c.Engine.Binary)),
		sandbox.WithTimeouts(c.Engine.BuildTimeout, c.Engine.RunTimeout),
		sandbox.WithGate(c.Readiness.Gate()),
		sandbox.WithLogger(logger),
	}
}
