/*
The config package loads the yaml configuration file consumed at startup.
Absent fields get working defaults so a minimal file (or none at all) still
yields a usable configuration for a guider on localhost.
*/
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultHost              = "localhost"
	DefaultPort              = 4400
	DefaultConnectionTimeout = 10 * time.Second
	DefaultCommandTimeout    = 30 * time.Second
	DefaultReconnectInterval = 5 * time.Second
)

type Config struct {
	Guider  GuiderConfig `yaml:"guider"`
	Settle  SettleParams `yaml:"settle"`
	LogPath string       `yaml:"logPath"`
}

// GuiderConfig holds everything needed to reach, supervise, and launch
// the guider application
type GuiderConfig struct {
	Host              string        `yaml:"host"`
	Port              int           `yaml:"port"`
	ConnectionTimeout time.Duration `yaml:"connectionTimeout"`
	CommandTimeout    time.Duration `yaml:"commandTimeout"`

	// Path to the guider executable; empty means platform discovery
	ExecutablePath string `yaml:"executablePath"`

	// Start the guider process ourselves before connecting
	AutoStart bool `yaml:"autoStart"`

	// Extra environment for the spawned guider process
	SpawnEnv map[string]string `yaml:"spawnEnv"`

	Reconnect ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig governs whether, how often, and how many times the
// client tries to re-establish a lost session. Enabled may be toggled at
// runtime through the client; the rest is fixed after load.
type ReconnectConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`

	// MaxRetries of 0 means retry without bound
	MaxRetries int `yaml:"maxRetries"`
}

// SettleParams is the settling criterion shared by guide and dither
type SettleParams struct {
	Pixels  float64 `yaml:"pixels" json:"pixels"`
	Time    int     `yaml:"time" json:"time"`
	Timeout int     `yaml:"timeout" json:"timeout"`
}

func Default() Config {
	return Config{
		Guider: GuiderConfig{
			Host:              DefaultHost,
			Port:              DefaultPort,
			ConnectionTimeout: DefaultConnectionTimeout,
			CommandTimeout:    DefaultCommandTimeout,
			Reconnect: ReconnectConfig{
				Enabled:  true,
				Interval: DefaultReconnectInterval,
			},
		},
		Settle: SettleParams{
			Pixels:  0.5,
			Time:    10,
			Timeout: 60,
		},
	}
}

// Load reads the config file at path, applying defaults for any field the
// file leaves out
func Load(path string) (Config, error) {
	config := Default()

	content, err := os.ReadFile(path)
	if err != nil {
		return config, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(content, &config); err != nil {
		return config, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := config.validate(); err != nil {
		return config, err
	}

	return config, nil
}

func (c Config) validate() error {
	if c.Guider.Port < 1 || c.Guider.Port > 65535 {
		return fmt.Errorf("invalid guider port: %d", c.Guider.Port)
	}
	if c.Guider.Reconnect.Interval <= 0 {
		return fmt.Errorf("reconnect interval must be positive, got %s", c.Guider.Reconnect.Interval)
	}
	if c.Guider.Reconnect.MaxRetries < 0 {
		return fmt.Errorf("maxRetries cannot be negative, got %d", c.Guider.Reconnect.MaxRetries)
	}
	return nil
}

// Address is the host:port the guider listens on
func (g GuiderConfig) Address() string {
	return fmt.Sprintf("%s:%d", g.Host, g.Port)
}
