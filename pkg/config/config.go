package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kcccr123/ue-reinforcement-learning/internal/transport"
	"github.com/kcccr123/ue-reinforcement-learning/pkg/framing"
)

const (
	DefaultIP           = "127.0.0.1"
	DefaultPort         = 7777
	DefaultPollInterval = 300 * time.Millisecond

	EnvIP   = "UE_ENV_IP"
	EnvPort = "UE_ENV_PORT"
)

type BridgeConfig struct {
	Env      EnvConfig      `yaml:"env"`
	Rollout  RolloutConfig  `yaml:"rollout"`
	Provider ProviderConfig `yaml:"provider"`
	Logging  LogConfig      `yaml:"logging"`
}

// EnvConfig describes how to reach the simulation and frame its traffic.
type EnvConfig struct {
	IP             string        `yaml:"ip"`
	Port           int           `yaml:"port"`
	AdminDelimiter string        `yaml:"admin_delimiter"`
	EnvDelimiter   string        `yaml:"env_delimiter"`
	DrainAdmin     bool          `yaml:"drain_admin"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ReadSize       int           `yaml:"read_size"`
}

type RolloutConfig struct {
	Steps    int    `yaml:"steps"`
	Agent    string `yaml:"agent"`
	Model    string `yaml:"model"`
	StatsDir string `yaml:"stats_dir"`
	Seed     int64  `yaml:"seed"`
}

type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

type LogConfig struct {
	Path    string `yaml:"path"`
	Verbose bool   `yaml:"verbose"`
}

func Default() *BridgeConfig {
	return &BridgeConfig{
		Env: EnvConfig{
			IP:             DefaultIP,
			Port:           DefaultPort,
			AdminDelimiter: string(framing.DelimiterStep),
			EnvDelimiter:   `\n`,
			DrainAdmin:     true,
			PollInterval:   DefaultPollInterval,
			ReadSize:       framing.DefaultReadSize,
		},
		Rollout: RolloutConfig{
			Steps: 1000,
			Agent: "random",
			Seed:  1,
		},
		Provider: ProviderConfig{
			Name: "openai",
		},
	}
}

// LoadConfig reads a YAML file on top of the defaults. An empty path returns
// the defaults.
func LoadConfig(path string) (*BridgeConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LoadDotEnv loads the first .env file found among paths. It reports which
// file was loaded, or "" if none was.
func LoadDotEnv(paths ...string) string {
	for _, p := range paths {
		if err := godotenv.Load(p); err == nil {
			return p
		}
	}
	return ""
}

// ApplyEnv overrides the endpoint from UE_ENV_IP and UE_ENV_PORT and fills
// the provider key from the provider's usual variable.
func (c *BridgeConfig) ApplyEnv() error {
	if ip := os.Getenv(EnvIP); ip != "" {
		c.Env.IP = ip
	}
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvPort, err)
		}
		c.Env.Port = port
	}
	if c.Provider.APIKey == "" {
		switch c.Provider.Name {
		case "openai":
			c.Provider.APIKey = os.Getenv("OPENAI_API_KEY")
		case "gemini":
			c.Provider.APIKey = os.Getenv("GEMINI_API_KEY")
		}
	}
	return nil
}

func (c *BridgeConfig) Validate() error {
	if c.Env.IP == "" {
		return fmt.Errorf("env.ip must be set")
	}
	if c.Env.Port < 1 || c.Env.Port > 65535 {
		return fmt.Errorf("env.port %d out of range", c.Env.Port)
	}
	if _, err := framing.ParseDelimiter(c.Env.AdminDelimiter); err != nil {
		return fmt.Errorf("env.admin_delimiter: %w", err)
	}
	if _, err := framing.ParseDelimiter(c.Env.EnvDelimiter); err != nil {
		return fmt.Errorf("env.env_delimiter: %w", err)
	}
	if c.Env.PollInterval <= 0 {
		return fmt.Errorf("env.poll_interval must be positive")
	}
	switch c.Rollout.Agent {
	case "zero", "random":
	case "llm":
		switch c.Provider.Name {
		case "openai", "gemini":
		default:
			return fmt.Errorf("unknown provider %q", c.Provider.Name)
		}
	default:
		return fmt.Errorf("unknown agent %q", c.Rollout.Agent)
	}
	if c.Rollout.Steps < 0 {
		return fmt.Errorf("rollout.steps must not be negative")
	}
	return nil
}

func (e EnvConfig) Endpoint() transport.Endpoint {
	return transport.Endpoint{IP: e.IP, Port: e.Port}
}

// Delimiters returns the parsed admin and environment delimiters. Call
// Validate first; invalid tokens fall back to the defaults.
func (e EnvConfig) Delimiters() (admin, env framing.Delimiter) {
	admin, err := framing.ParseDelimiter(e.AdminDelimiter)
	if err != nil {
		admin = framing.DelimiterStep
	}
	env, err = framing.ParseDelimiter(e.EnvDelimiter)
	if err != nil {
		env = framing.DelimiterNewline
	}
	return admin, env
}
