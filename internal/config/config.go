package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Kernel     KernelConfig
	Controller ControllerConfig
	Storage    StorageConfig
	Logging    LogConfig
	RateLimit  RateLimitConfig
}

// KernelConfig holds kernel process configuration.
//
// The port is fixed and pre-agreed between kernel and controller: the
// supervisor probes it to decide whether a kernel is already alive.
type KernelConfig struct {
	Host           string        `envconfig:"KERNEL_HOST" default:"127.0.0.1"`
	Port           int           `envconfig:"KERNEL_PORT" default:"9576"`
	SinkDir        string        `envconfig:"KERNEL_SINK_DIR" default:""`
	DefaultTimeout time.Duration `envconfig:"KERNEL_DEFAULT_TIMEOUT" default:"5m"`
	// AbandonFactor bounds how long a timed-out execution may keep the
	// execution lock: the watchdog interrupts the VM at factor x timeout.
	AbandonFactor int    `envconfig:"KERNEL_ABANDON_FACTOR" default:"4"`
	MaxFrameBytes int64  `envconfig:"KERNEL_MAX_FRAME_BYTES" default:"16777216"`
	Binary        string `envconfig:"KERNEL_BINARY" default:"agentkernel-kernel"`
	PIDFile       string `envconfig:"KERNEL_PID_FILE" default:"./workspace/kernel.pid"`
}

// ControllerConfig holds the controller daemon configuration.
type ControllerConfig struct {
	Port string `envconfig:"PORT" default:"8090"`
	Host string `envconfig:"HOST" default:"127.0.0.1"`
}

// StorageConfig holds script and memory store configuration.
type StorageConfig struct {
	ScriptsDir string `envconfig:"SCRIPTS_DIR" default:"./workspace/scripts"`
	DBPath     string `envconfig:"DB_PATH" default:"./workspace/agentkernel.db"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration for the HTTP surface.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"50"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"100"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{
			Host:           "127.0.0.1",
			Port:           9576,
			DefaultTimeout: 5 * time.Minute,
			AbandonFactor:  4,
			MaxFrameBytes:  16 << 20,
			Binary:         "agentkernel-kernel",
			PIDFile:        "./workspace/kernel.pid",
		},
		Controller: ControllerConfig{
			Port: "8090",
			Host: "127.0.0.1",
		},
		Storage: StorageConfig{
			ScriptsDir: "./workspace/scripts",
			DBPath:     "./workspace/agentkernel.db",
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 50,
			Burst:             100,
			Enabled:           true,
		},
	}
}

// KernelAddr returns the host:port address of the kernel socket.
func (c *Config) KernelAddr() string {
	return fmt.Sprintf("%s:%d", c.Kernel.Host, c.Kernel.Port)
}
