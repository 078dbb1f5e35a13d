package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Daemon     DaemonConfig     `yaml:"daemon"`
	Relay      RelayConfig      `yaml:"relay"`
	Logging    LoggingConfig    `yaml:"logging"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port" validate:"min=1,max=65535"`
	AllowedOrigins  []string      `yaml:"allowed_origins" validate:"dive,url"`
	AuthToken       string        `yaml:"auth_token"`
	MaxConnections  int           `yaml:"max_connections" validate:"min=0"`
	StaticDir       string        `yaml:"static_dir"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

type DaemonConfig struct {
	URL            string        `yaml:"url" validate:"required,url"`
	DialTimeout    time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	RequestTimeout time.Duration `yaml:"request_timeout" validate:"gt=0"`
	BaseDelay      time.Duration `yaml:"base_delay" validate:"gt=0"`
	MaxDelay       time.Duration `yaml:"max_delay" validate:"gtefield=BaseDelay"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"min=1"`
}

type RelayConfig struct {
	LogCapacity       int           `yaml:"log_capacity" validate:"min=1"`
	PollInterval      time.Duration `yaml:"poll_interval" validate:"gt=0"`
	RefreshDebounce   time.Duration `yaml:"refresh_debounce" validate:"gt=0,ltfield=PollInterval"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gt=0"`
	SendBuffer        int           `yaml:"send_buffer" validate:"min=1"`
	ClientRate        float64       `yaml:"client_rate" validate:"gt=0"`
	ClientBurst       int           `yaml:"client_burst" validate:"min=1"`
	SampleUsage       bool          `yaml:"sample_usage"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// SupervisorConfig tunes service restarts.
type SupervisorConfig struct {
	FailureThreshold float64       `yaml:"failure_threshold" validate:"gt=0"`
	FailureDecay     float64       `yaml:"failure_decay" validate:"gt=0"`
	FailureBackoff   time.Duration `yaml:"failure_backoff" validate:"gt=0"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "127.0.0.1",
			Port:            8080,
			ShutdownTimeout: 10 * time.Second,
		},
		Daemon: DaemonConfig{
			URL:            "ws://127.0.0.1:9615/bridge",
			DialTimeout:    5 * time.Second,
			RequestTimeout: 5 * time.Second,
			BaseDelay:      time.Second,
			MaxDelay:       30 * time.Second,
			MaxAttempts:    10,
		},
		Relay: RelayConfig{
			LogCapacity:       10000,
			PollInterval:      2 * time.Second,
			RefreshDebounce:   100 * time.Millisecond,
			HeartbeatInterval: 30 * time.Second,
			SendBuffer:        256,
			ClientRate:        20,
			ClientBurst:       40,
			SampleUsage:       true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Supervisor: SupervisorConfig{
			FailureThreshold: 5,
			FailureDecay:     30,
			FailureBackoff:   15 * time.Second,
		},
	}
}

// Load reads path over the defaults and validates the result. An empty path
// or a missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

var validate = validator.New()

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Addr is the relay's listen address.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
