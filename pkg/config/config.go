package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	App          AppConfig                 `yaml:"app"`
	Server       ServerConfig              `yaml:"server"`
	Agent        AgentConfig               `yaml:"agent"`
	Capabilities CapabilitiesConfig        `yaml:"capabilities"`
	Gateways     map[string]GatewayConfig  `yaml:"gateways"`
	Providers    map[string]ProviderConfig `yaml:"providers"`
	Memory       MemoryConfig              `yaml:"memory"`
	Logger       LoggerConfig              `yaml:"logger"`
}

type AppConfig struct {
	Name      string `yaml:"name"`
	Workspace string `yaml:"workspace"`
	Prompts   string `yaml:"prompts"`
}

type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	AllowedOrigins  []string      `yaml:"allowed_origins"`
	MaxConnections  int           `yaml:"max_connections"`
	InboundRate     float64       `yaml:"inbound_rate"`
	InboundBurst    int           `yaml:"inbound_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type AgentConfig struct {
	// Planner is "llm" or "rules".
	Planner               string        `yaml:"planner"`
	FailurePolicy         string        `yaml:"failure_policy"`
	ConfirmTimeout        time.Duration `yaml:"confirm_timeout"`
	MaxConcurrentSessions int           `yaml:"max_concurrent_sessions"`
	QueueSize             int           `yaml:"queue_size"`
	SchedulePoll          time.Duration `yaml:"schedule_poll"`
	Journal               bool          `yaml:"journal"`
	HistoryLimit          int           `yaml:"history_limit"`
}

type CapabilitiesConfig struct {
	// Backend is "desktop", "browser" or "simulated".
	Backend       string        `yaml:"backend"`
	Display       string        `yaml:"display"`
	ScreenshotDir string        `yaml:"screenshot_dir"`
	ActionTimeout time.Duration `yaml:"action_timeout"`
	Browser       BrowserConfig `yaml:"browser"`
	Policy        PolicyConfig  `yaml:"policy"`
}

type BrowserConfig struct {
	Headless bool   `yaml:"headless"`
	StartURL string `yaml:"start_url"`
}

type PolicyConfig struct {
	DenyActions   []string `yaml:"deny_actions"`
	DenyArguments []string `yaml:"deny_arguments"`
}

type GatewayConfig struct {
	Token   string `yaml:"token"`
	Enabled bool   `yaml:"enabled"`
}

type ProviderConfig struct {
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	VisionModel string `yaml:"vision_model"`
	BaseURL     string `yaml:"base_url,omitempty"`
	Enabled     bool   `yaml:"enabled"`
}

type MemoryConfig struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"`
}

type LoggerConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	ServiceName string `yaml:"service_name"`
	LogFile     string `yaml:"log_file"`
	LLMLogFile  string `yaml:"llm_log_file"`
	MaxSize     int    `yaml:"max_size"`
	MaxBackups  int    `yaml:"max_backups"`
	MaxAge      int    `yaml:"max_age"`
	Compress    bool   `yaml:"compress"`
}

// Default returns a configuration that runs without a display, LLM or database.
func Default() *Config {
	return &Config{
		App: AppConfig{
			Name:      "jarvis",
			Workspace: ".",
			Prompts:   "./prompts",
		},
		Server: ServerConfig{
			HTTPAddr:        ":5000",
			AllowedOrigins:  []string{"*"},
			MaxConnections:  64,
			InboundRate:     10,
			InboundBurst:    20,
			ShutdownTimeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			Planner:               "rules",
			FailurePolicy:         "abort",
			MaxConcurrentSessions: 4,
			QueueSize:             64,
			SchedulePoll:          30 * time.Second,
			HistoryLimit:          10,
		},
		Capabilities: CapabilitiesConfig{
			Backend:       "simulated",
			Display:       ":0.0",
			ScreenshotDir: "screenshots",
			ActionTimeout: 60 * time.Second,
			Browser:       BrowserConfig{Headless: true},
			Policy: PolicyConfig{
				DenyArguments: []string{`(?i)ctrl\+alt\+(delete|del)`, `rm\s+-rf`, `mkfs`, `shutdown`, `reboot`},
			},
		},
		Gateways:  map[string]GatewayConfig{},
		Providers: map[string]ProviderConfig{},
		Memory:    MemoryConfig{Type: "sqlite"},
		Logger: LoggerConfig{
			Level:       "info",
			Format:      "auto",
			ServiceName: "jarvis",
			LLMLogFile:  "logs/llm.jsonl",
			MaxSize:     10,
			MaxBackups:  3,
			MaxAge:      28,
		},
	}
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} with the environment value. Unset variables
// expand to the empty string.
func expandEnv(raw []byte) []byte {
	return envPattern.ReplaceAllFunc(raw, func(m []byte) []byte {
		name := envPattern.FindSubmatch(m)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// Load reads a YAML file over the defaults. An empty path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := Parse(expandEnv(raw), cfg); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg, keeping any field the document does not set.
func Parse(raw []byte, cfg *Config) error {
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("failed to decode config file: %w", err)
	}
	return nil
}

func (c *Config) Validate() error {
	switch c.Agent.Planner {
	case "llm", "rules":
	default:
		return fmt.Errorf("agent.planner must be llm or rules, got %q", c.Agent.Planner)
	}
	switch c.Agent.FailurePolicy {
	case "abort", "continue":
	default:
		return fmt.Errorf("agent.failure_policy must be abort or continue, got %q", c.Agent.FailurePolicy)
	}
	switch c.Capabilities.Backend {
	case "desktop", "browser", "simulated":
	default:
		return fmt.Errorf("capabilities.backend must be desktop, browser or simulated, got %q", c.Capabilities.Backend)
	}
	if c.Agent.ConfirmTimeout < 0 {
		return fmt.Errorf("agent.confirm_timeout must not be negative")
	}
	if c.Agent.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("agent.max_concurrent_sessions must be positive")
	}
	if c.Agent.Planner == "llm" {
		if name, _ := c.GetDefaultProvider(); name == "" {
			return fmt.Errorf("agent.planner is llm but no provider is enabled")
		}
	}
	return nil
}

// GetDefaultProvider returns the first enabled provider
func (c *Config) GetDefaultProvider() (string, ProviderConfig) {
	for name, p := range c.Providers {
		if p.Enabled {
			return name, p
		}
	}
	return "", ProviderConfig{}
}

// GetGateway returns the named gateway config if enabled and tokened.
func (c *Config) GetGateway(name string) (GatewayConfig, bool) {
	gw, ok := c.Gateways[name]
	if ok && gw.Enabled && gw.Token != "" {
		return gw, true
	}
	return GatewayConfig{}, false
}
