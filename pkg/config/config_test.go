package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "rules", cfg.Agent.Planner)
	assert.Equal(t, "abort", cfg.Agent.FailurePolicy)
	assert.Equal(t, "simulated", cfg.Capabilities.Backend)
	assert.Equal(t, time.Duration(0), cfg.Agent.ConfirmTimeout)
}

func TestLoadYAMLWithEnv(t *testing.T) {
	t.Setenv("JARVIS_TEST_KEY", "sk-test")
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
server:
  http_addr: ":9000"
agent:
  planner: llm
  failure_policy: continue
  confirm_timeout: 45s
providers:
  openai:
    api_key: ${JARVIS_TEST_KEY}
    model: gpt-4o
    enabled: true
gateways:
  telegram:
    token: ""
    enabled: true
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.Server.HTTPAddr)
	assert.Equal(t, "continue", cfg.Agent.FailurePolicy)
	assert.Equal(t, 45*time.Second, cfg.Agent.ConfirmTimeout)
	// untouched defaults survive
	assert.Equal(t, 4, cfg.Agent.MaxConcurrentSessions)

	name, p := cfg.GetDefaultProvider()
	assert.Equal(t, "openai", name)
	assert.Equal(t, "sk-test", p.APIKey)

	_, ok := cfg.GetGateway("telegram")
	assert.False(t, ok, "gateway without token must not be reported")
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	cases := map[string]func(c *Config){
		"policy":  func(c *Config) { c.Agent.FailurePolicy = "retry" },
		"backend": func(c *Config) { c.Capabilities.Backend = "x11" },
		"planner": func(c *Config) { c.Agent.Planner = "oracle" },
		"llm without provider": func(c *Config) {
			c.Agent.Planner = "llm"
		},
		"negative timeout": func(c *Config) { c.Agent.ConfirmTimeout = -time.Second },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
