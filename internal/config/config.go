package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"CompareChat/internal/backend"

	"gopkg.in/yaml.v3"
)

const (
	DefaultLeftName  = "before"
	DefaultRightName = "after"
)

// Config holds application configuration
type Config struct {
	Left   backend.Endpoint `yaml:"left"`
	Right  backend.Endpoint `yaml:"right"`
	Params backend.Params   `yaml:"params"`

	SessionID   string        `yaml:"-"`
	Debug       bool          `yaml:"debug"`
	DBPath      string        `yaml:"db_path"`
	LogDir      string        `yaml:"log_dir"`
	ListenAddr  string        `yaml:"listen_addr"`
	NatsURL     string        `yaml:"nats_url"` // Empty disables event publication
	NatsToken   string        `yaml:"nats_token"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
}

// Default returns the built-in configuration: the base model on the left, the
// fine-tuned model on the right.
func Default() Config {
	return Config{
		Left: backend.Endpoint{
			Name:      DefaultLeftName,
			ServerURL: "http://localhost:8099",
			Model:     "qwen32-ds-v3-icf-int4",
		},
		Right: backend.Endpoint{
			Name:      DefaultRightName,
			ServerURL: "http://localhost:8000",
			Model:     "qwen-lora-awq",
		},
		Params:      backend.DefaultParams(),
		DBPath:      "comparechat.db",
		LogDir:      "logs",
		ListenAddr:  ":8090",
		ReadTimeout: 60 * time.Second,
	}
}

// Load builds the configuration from defaults, the optional YAML file at path, and
// the environment, in that order of precedence.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Left = endpointFromEnv("LEFT", cfg.Left)
	cfg.Right = endpointFromEnv("RIGHT", cfg.Right)
	cfg.Debug = getEnvBool("COMPARECHAT_DEBUG", cfg.Debug)
	cfg.DBPath = getEnv("COMPARECHAT_DB", cfg.DBPath)
	cfg.LogDir = getEnv("COMPARECHAT_LOG_DIR", cfg.LogDir)
	cfg.ListenAddr = getEnv("COMPARECHAT_LISTEN", cfg.ListenAddr)
	cfg.NatsURL = getEnv("NATS_URL", cfg.NatsURL)
	cfg.NatsToken = getEnv("NATS_TOKEN", cfg.NatsToken)
	cfg.ReadTimeout = getEnvDuration("COMPARECHAT_READ_TIMEOUT", cfg.ReadTimeout)
}

func endpointFromEnv(prefix string, ep backend.Endpoint) backend.Endpoint {
	return backend.Endpoint{
		Name:      getEnv(prefix+"_NAME", ep.Name),
		ServerURL: getEnv(prefix+"_SERVER_URL", ep.ServerURL),
		Model:     getEnv(prefix+"_MODEL", ep.Model),
		APIKey:    getEnv(prefix+"_API_KEY", ep.APIKey),
	}
}

// Validate checks that all required configuration fields are set
func (c *Config) Validate() error {
	var errs []error
	for side, ep := range map[string]backend.Endpoint{"left": c.Left, "right": c.Right} {
		if ep.Name == "" {
			errs = append(errs, fmt.Errorf("%s backend name cannot be empty", side))
		}
		if ep.ServerURL == "" {
			errs = append(errs, fmt.Errorf("%s backend server url cannot be empty", side))
		}
		if ep.Model == "" {
			errs = append(errs, fmt.Errorf("%s backend model cannot be empty", side))
		}
	}
	if c.Left.Name != "" && c.Left.Name == c.Right.Name {
		errs = append(errs, fmt.Errorf("backend names must differ, both are %q", c.Left.Name))
	}
	if err := c.Params.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.ReadTimeout <= 0 {
		errs = append(errs, fmt.Errorf("read timeout must be > 0"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	// Bare numbers are seconds
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
