// Package config loads plugdeck settings from a YAML file, environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Runtime drivers.
const (
	DriverUnraid = "unraid"
	DriverDocker = "docker"
)

// FilesConfig controls the plugin file store.
type FilesConfig struct {
	MaxUploadBytes int64 `yaml:"max_upload_bytes" envconfig:"PLUGDECK_MAX_UPLOAD_BYTES"`
	// AllowOverwrite is the default for uploads that do not say whether an
	// existing file may be replaced.
	AllowOverwrite bool `yaml:"allow_overwrite" envconfig:"PLUGDECK_ALLOW_OVERWRITE"`
}

// RemoteConfig selects and configures the container runtime.
type RemoteConfig struct {
	Driver       string        `yaml:"driver" envconfig:"PLUGDECK_DRIVER"`
	URL          string        `yaml:"url" envconfig:"UNRAID_URL"`
	APIKey       string        `yaml:"api_key" envconfig:"UNRAID_API_KEY"`
	Container    string        `yaml:"container" envconfig:"MINECRAFT_CONTAINER"`
	Timeout      time.Duration `yaml:"timeout" envconfig:"PLUGDECK_REMOTE_TIMEOUT"`
	MaxRetries   int           `yaml:"max_retries" envconfig:"PLUGDECK_REMOTE_MAX_RETRIES"`
	RetryWaitMin time.Duration `yaml:"retry_wait_min" envconfig:"PLUGDECK_REMOTE_RETRY_WAIT_MIN"`
	RetryWaitMax time.Duration `yaml:"retry_wait_max" envconfig:"PLUGDECK_REMOTE_RETRY_WAIT_MAX"`
	RateLimit    float64       `yaml:"rate_limit" envconfig:"PLUGDECK_REMOTE_RATE_LIMIT"`

	TolerateMutationErrors bool `yaml:"tolerate_mutation_errors" envconfig:"PLUGDECK_TOLERATE_MUTATION_ERRORS"`

	DockerHost string        `yaml:"docker_host" envconfig:"PLUGDECK_DOCKER_HOST"`
	StopGrace  time.Duration `yaml:"stop_grace" envconfig:"PLUGDECK_STOP_GRACE"`
}

// ControlConfig holds the reconciliation timings.
type ControlConfig struct {
	PollInterval time.Duration `yaml:"poll_interval" envconfig:"PLUGDECK_POLL_INTERVAL"`
	StartTimeout time.Duration `yaml:"start_timeout" envconfig:"PLUGDECK_START_TIMEOUT"`
	StopTimeout  time.Duration `yaml:"stop_timeout" envconfig:"PLUGDECK_STOP_TIMEOUT"`
	RestartDelay time.Duration `yaml:"restart_delay" envconfig:"PLUGDECK_RESTART_DELAY"`
}

// PreviewConfig controls file previews.
type PreviewConfig struct {
	MaxBytes int64  `yaml:"max_bytes" envconfig:"PLUGDECK_PREVIEW_MAX_BYTES"`
	Style    string `yaml:"style" envconfig:"PLUGDECK_PREVIEW_STYLE"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level       string `yaml:"level" envconfig:"PLUGDECK_LOG_LEVEL"`
	Development bool   `yaml:"development" envconfig:"PLUGDECK_LOG_DEV"`
}

// Config holds all configuration options for plugdeck
type Config struct {
	Port    int      `yaml:"port" envconfig:"PLUGDECK_PORT"`
	Root    string   `yaml:"root" envconfig:"PLUGINS_PATH"`
	Watch   bool     `yaml:"watch" envconfig:"PLUGDECK_WATCH"`
	Exclude []string `yaml:"exclude" envconfig:"PLUGDECK_EXCLUDE"`

	Files   FilesConfig   `yaml:"files"`
	Remote  RemoteConfig  `yaml:"remote"`
	Control ControlConfig `yaml:"control"`
	Preview PreviewConfig `yaml:"preview"`
	Log     LogConfig     `yaml:"log"`

	// Internal: config file the settings were read from, if any
	configPath string
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Port:  8000,
		Root:  "./plugins",
		Watch: true,
		Files: FilesConfig{
			MaxUploadBytes: 256 << 20,
		},
		Remote: RemoteConfig{
			Driver:       DriverUnraid,
			URL:          "http://192.168.1.200",
			Container:    "itzg-minecraft-server",
			Timeout:      30 * time.Second,
			MaxRetries:   3,
			RetryWaitMin: 500 * time.Millisecond,
			RetryWaitMax: 5 * time.Second,
			RateLimit:    5,
			StopGrace:    30 * time.Second,
		},
		Control: ControlConfig{
			PollInterval: 2 * time.Second,
			StartTimeout: 2 * time.Minute,
			StopTimeout:  time.Minute,
			RestartDelay: 2 * time.Second,
		},
		Preview: PreviewConfig{
			MaxBytes: 1 << 20,
			Style:    "github",
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// GetConfigDir returns the config directory path
func GetConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/plugdeck"
	}
	return filepath.Join(home, ".config", "plugdeck")
}

// GetConfigPath returns the full path to the global config file
func GetConfigPath() string {
	return filepath.Join(GetConfigDir(), "config.yaml")
}

// Load builds the configuration from defaults, the config file, the
// environment and args (without the program name).
func Load(args []string) (*Config, error) {
	cfg := DefaultConfig()

	fs := flag.NewFlagSet("plugdeck", flag.ContinueOnError)
	port := fs.Int("port", 0, "HTTP server port")
	root := fs.String("root", "", "Plugins root directory")
	driver := fs.String("driver", "", "Container runtime driver (unraid/docker)")
	configFile := fs.String("config", "", "Configuration file path")
	fs.StringVar(root, "r", "", "Plugins root directory (shorthand)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	// Determine config file path
	cfgPath := *configFile
	if cfgPath == "" {
		for _, candidate := range []string{"plugdeck.yaml", GetConfigPath()} {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
				break
			}
		}
	}

	if cfgPath != "" {
		if err := cfg.loadFromFile(cfgPath); err != nil {
			return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		cfg.configPath = cfgPath
	}

	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Command line flags override everything else (only if explicitly set)
	if *port != 0 {
		cfg.Port = *port
	}
	if *root != "" {
		cfg.Root = *root
	}
	if *driver != "" {
		cfg.Remote.Driver = *driver
	}

	if cfg.Root != "" {
		if abs, err := filepath.Abs(cfg.Root); err == nil {
			cfg.Root = abs
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, c)
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("port %d out of range", c.Port))
	}
	if c.Root == "" {
		errs = append(errs, errors.New("root directory is required"))
	}
	if c.Files.MaxUploadBytes < 0 {
		errs = append(errs, errors.New("files.max_upload_bytes must not be negative"))
	}

	switch c.Remote.Driver {
	case DriverUnraid:
		if u, err := url.Parse(c.Remote.URL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("remote.url %q is not an absolute URL", c.Remote.URL))
		}
		if c.Remote.APIKey == "" {
			errs = append(errs, errors.New("remote.api_key is required for the unraid driver"))
		}
	case DriverDocker:
	default:
		errs = append(errs, fmt.Errorf("unknown remote.driver %q (want %s or %s)", c.Remote.Driver, DriverUnraid, DriverDocker))
	}
	if c.Remote.Container == "" {
		errs = append(errs, errors.New("remote.container is required"))
	}
	if c.Remote.MaxRetries < 0 {
		errs = append(errs, errors.New("remote.max_retries must not be negative"))
	}
	if c.Remote.RateLimit < 0 {
		errs = append(errs, errors.New("remote.rate_limit must not be negative"))
	}

	for _, d := range []struct {
		name  string
		value time.Duration
	}{
		{"remote.timeout", c.Remote.Timeout},
		{"control.poll_interval", c.Control.PollInterval},
		{"control.start_timeout", c.Control.StartTimeout},
		{"control.stop_timeout", c.Control.StopTimeout},
	} {
		if d.value <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.Control.RestartDelay < 0 {
		errs = append(errs, errors.New("control.restart_delay must not be negative"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// GetConfigFilePath returns the config file the settings were loaded from,
// or "" when none was found.
func (c *Config) GetConfigFilePath() string {
	return c.configPath
}

// Address returns the listen address for the HTTP server.
func (c *Config) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}
