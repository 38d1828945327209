package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Pushover  PushoverConfig  `mapstructure:"pushover"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
}

type ServerConfig struct {
	Port string `mapstructure:"port"`
}

type StorageConfig struct {
	Driver     string `mapstructure:"driver"` // "file" or "sqlite"
	FilePath   string `mapstructure:"file_path"`
	SQLitePath string `mapstructure:"sqlite_path"`
}

type PushoverConfig struct {
	Token  string `mapstructure:"token"`
	User   string `mapstructure:"user"`
	APIURL string `mapstructure:"api_url"`
	Sound  string `mapstructure:"sound"`
}

type SchedulerConfig struct {
	ResetTakenDaily      bool          `mapstructure:"reset_taken_daily"`
	ResetSpec            string        `mapstructure:"reset_spec"`
	ResumeCheckInterval  time.Duration `mapstructure:"resume_check_interval"`
	ResumeDriftThreshold time.Duration `mapstructure:"resume_drift_threshold"`
	Bell                 bool          `mapstructure:"bell"`
}

type AuthConfig struct {
	Password   string        `mapstructure:"password"`
	SessionTTL time.Duration `mapstructure:"session_ttl"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", ":8080")
	v.SetDefault("storage.driver", "file")
	v.SetDefault("storage.file_path", "data/medications.json")
	v.SetDefault("storage.sqlite_path", "data/medications.db")
	v.SetDefault("pushover.token", "")
	v.SetDefault("pushover.user", "")
	v.SetDefault("pushover.api_url", "https://api.pushover.net/1")
	v.SetDefault("pushover.sound", "")
	v.SetDefault("scheduler.reset_taken_daily", false)
	v.SetDefault("scheduler.reset_spec", "0 0 * * *")
	v.SetDefault("scheduler.resume_check_interval", 30*time.Second)
	v.SetDefault("scheduler.resume_drift_threshold", 5*time.Second)
	v.SetDefault("scheduler.bell", false)
	v.SetDefault("auth.password", "")
	v.SetDefault("auth.session_ttl", 24*time.Hour)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// LoadConfig reads the YAML file at path, then applies MEDREMIND_* environment overrides.
// A missing file is not an error; defaults and environment are enough to run.
func LoadConfig(path string) (*Config, error) {
	// .env is optional
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetEnvPrefix("MEDREMIND")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "file", "sqlite":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Scheduler.ResumeCheckInterval <= 0 {
		return fmt.Errorf("scheduler.resume_check_interval must be positive")
	}
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	return nil
}
