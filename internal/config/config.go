// Package config loads the orchestrator's typed configuration from a file
// plus environment overrides. There is no global config singleton: Load
// returns a single immutable Config that callers thread through explicitly.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the fully resolved configuration for one orchestrator process.
type Config struct {
	ConcurrencyCap    int           `mapstructure:"concurrency_cap"`
	CheckInterval     time.Duration `mapstructure:"check_interval_sec"`
	MaxExecutionCount int           `mapstructure:"max_execution_count"`
	MaxRuntime        time.Duration `mapstructure:"max_runtime_hours"`

	DataDir   string `mapstructure:"data_dir"`
	OutputDir string `mapstructure:"output_dir"`

	Backend BackendConfig `mapstructure:"backend"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	Log     LogConfig     `mapstructure:"log"`
}

type BackendConfig struct {
	BaseURL    string `mapstructure:"base_url"`
	LocalSpawn string `mapstructure:"local_spawn"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
	FromName string `mapstructure:"from_name"`
}

type NotifyConfig struct {
	ToEmail string `mapstructure:"to_email"`
	ToName  string `mapstructure:"to_name"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	JSON  bool   `mapstructure:"json"`
}

// Load reads configPath (if it exists) and overlays ORCHESTRATOR_*
// environment variables, falling back to the defaults from the spec.
func Load(configPath string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetDefault("concurrency_cap", 2)
	v.SetDefault("check_interval_sec", 30)
	v.SetDefault("max_execution_count", 3)
	v.SetDefault("max_runtime_hours", 2)
	v.SetDefault("data_dir", "./data")
	v.SetDefault("output_dir", "./outputs")
	v.SetDefault("backend.base_url", "http://127.0.0.1:8188")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)

	v.SetEnvPrefix("orchestrator")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if _, err := os.Stat(configPath); err == nil {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", configPath, err)
		}
	}

	checkIntervalSec := v.GetInt("check_interval_sec")
	maxRuntimeHours := v.GetInt("max_runtime_hours")

	cfg := Config{
		ConcurrencyCap:    v.GetInt("concurrency_cap"),
		CheckInterval:     time.Duration(checkIntervalSec) * time.Second,
		MaxExecutionCount: v.GetInt("max_execution_count"),
		MaxRuntime:        time.Duration(maxRuntimeHours) * time.Hour,
		DataDir:           v.GetString("data_dir"),
		OutputDir:         v.GetString("output_dir"),
		Backend: BackendConfig{
			BaseURL:    v.GetString("backend.base_url"),
			LocalSpawn: v.GetString("backend.local_spawn"),
		},
		SMTP: SMTPConfig{
			Host:     v.GetString("smtp.host"),
			Port:     v.GetInt("smtp.port"),
			User:     v.GetString("smtp.user"),
			Password: v.GetString("smtp.password"),
			From:     v.GetString("smtp.from"),
			FromName: v.GetString("smtp.from_name"),
		},
		Notify: NotifyConfig{
			ToEmail: v.GetString("notify.to_email"),
			ToName:  v.GetString("notify.to_name"),
		},
		Log: LogConfig{
			Level: v.GetString("log.level"),
			JSON:  v.GetBool("log.json"),
		},
	}

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.ConcurrencyCap < 1 {
		return fmt.Errorf("concurrency_cap must be >= 1, got %d", c.ConcurrencyCap)
	}
	if c.MaxExecutionCount < 1 {
		return fmt.Errorf("max_execution_count must be >= 1, got %d", c.MaxExecutionCount)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval_sec must be >= 1, got %s", c.CheckInterval)
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.OutputDir == "" {
		return fmt.Errorf("output_dir must not be empty")
	}
	if err := os.MkdirAll(c.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data_dir: %w", err)
	}
	if err := os.MkdirAll(c.OutputDir, 0o755); err != nil {
		return fmt.Errorf("create output_dir: %w", err)
	}
	return nil
}
