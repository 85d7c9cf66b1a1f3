/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Memory.STMCapacity != 100 || cfg.Memory.LTMCapacity != 1000 {
		t.Errorf("memory capacities = %d/%d, want 100/1000", cfg.Memory.STMCapacity, cfg.Memory.LTMCapacity)
	}
	if cfg.Memory.QLearningRate != 0.1 || cfg.Memory.QDiscountFactor != 0.95 {
		t.Errorf("q-learning params = %v/%v, want 0.1/0.95", cfg.Memory.QLearningRate, cfg.Memory.QDiscountFactor)
	}
	if cfg.FinOps.MaxRecords != 100_000 {
		t.Errorf("finops.maxRecords = %d, want 100000", cfg.FinOps.MaxRecords)
	}
	if !cfg.FinOps.Enabled {
		t.Error("finops should be enabled by default")
	}
	if cfg.Gateway.Port != 3200 || cfg.Gateway.Hostname != "0.0.0.0" {
		t.Errorf("gateway listen = %s, want 0.0.0.0:3200", cfg.Gateway.Addr())
	}
	if cfg.Gateway.MaxConcurrentTasks != 10 {
		t.Errorf("gateway.maxConcurrentTasks = %d, want 10", cfg.Gateway.MaxConcurrentTasks)
	}
	if cfg.Federation.ListenPort != 9100 || cfg.Federation.MaxPeers != 50 {
		t.Errorf("federation defaults = %d/%d, want 9100/50", cfg.Federation.ListenPort, cfg.Federation.MaxPeers)
	}
	if cfg.Knowledge.Enabled() {
		t.Error("knowledge should be disabled by default")
	}
	if cfg.Knowledge.Collection != "cortexos-knowledge" || cfg.Knowledge.TopK != 3 {
		t.Errorf("knowledge defaults = %q/%d, want cortexos-knowledge/3", cfg.Knowledge.Collection, cfg.Knowledge.TopK)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 3200 {
		t.Errorf("expected defaults on missing file, got port %d", cfg.Gateway.Port)
	}
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cortexd.yaml")
	body := `
pool:
  maxContainers: 12
  defaultEnvironment: research
gateway:
  port: 8080
federation:
  peerId: peer-a
  maxPeers: 3
knowledge:
  provider: memory
  topK: 5
environments:
  - id: research
    name: Research agent
    command: ["python3", "agents/research.py"]
    env:
      PYTHONUNBUFFERED: "1"
    timeoutMs: 120000
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pool.MaxContainers != 12 {
		t.Errorf("pool.maxContainers = %d, want 12", cfg.Pool.MaxContainers)
	}
	if cfg.Pool.DefaultEnvironment != "research" {
		t.Errorf("pool.defaultEnvironment = %q, want research", cfg.Pool.DefaultEnvironment)
	}
	if cfg.Gateway.Port != 8080 {
		t.Errorf("gateway.port = %d, want 8080", cfg.Gateway.Port)
	}
	// Untouched sections keep defaults.
	if cfg.Memory.STMCapacity != 100 {
		t.Errorf("memory.stmCapacity = %d, want default 100", cfg.Memory.STMCapacity)
	}
	if cfg.Federation.PeerID != "peer-a" || cfg.Federation.MaxPeers != 3 {
		t.Errorf("federation overlay not applied: %+v", cfg.Federation)
	}
	if cfg.Knowledge.Provider != "memory" || cfg.Knowledge.TopK != 5 {
		t.Errorf("knowledge overlay not applied: %+v", cfg.Knowledge)
	}
	if cfg.Knowledge.Collection != "cortexos-knowledge" {
		t.Errorf("knowledge.collection should keep default, got %q", cfg.Knowledge.Collection)
	}
	if len(cfg.Environments) != 1 {
		t.Fatalf("environments = %d, want 1", len(cfg.Environments))
	}
	env := cfg.Environments[0]
	if env.ID != "research" || len(env.Command) != 2 || env.TimeoutMs != 120000 {
		t.Errorf("environment not parsed: %+v", env)
	}
	if env.Env["PYTHONUNBUFFERED"] != "1" {
		t.Errorf("environment env not parsed: %+v", env.Env)
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("pool: [not a map"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	t.Setenv("CORTEXD_POOL_MAX_CONTAINERS", "7")
	t.Setenv("CORTEXD_GATEWAY_PORT", "9999")
	t.Setenv("CORTEXD_FEDERATION_PEER_ID", "env-peer")
	t.Setenv("CORTEXD_GATEWAY_MAX_CONCURRENT_TASKS", "not-a-number")

	cfg := FromEnv(Default())
	if cfg.Pool.MaxContainers != 7 {
		t.Errorf("pool.maxContainers = %d, want 7", cfg.Pool.MaxContainers)
	}
	if cfg.Gateway.Port != 9999 {
		t.Errorf("gateway.port = %d, want 9999", cfg.Gateway.Port)
	}
	if cfg.Federation.PeerID != "env-peer" {
		t.Errorf("federation.peerId = %q, want env-peer", cfg.Federation.PeerID)
	}
	if cfg.Gateway.MaxConcurrentTasks != 10 {
		t.Errorf("unparsable env var should be ignored, got %d", cfg.Gateway.MaxConcurrentTasks)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero maxContainers", func(c *Config) { c.Pool.MaxContainers = 0 }},
		{"negative stm", func(c *Config) { c.Memory.STMCapacity = -1 }},
		{"promotion threshold above 1", func(c *Config) { c.Memory.PromotionQThreshold = 1.5 }},
		{"alert threshold zero", func(c *Config) { c.FinOps.DefaultBudgetAlertThreshold = 0 }},
		{"port out of range", func(c *Config) { c.Gateway.Port = 70000 }},
		{"zero concurrent tasks", func(c *Config) { c.Gateway.MaxConcurrentTasks = 0 }},
		{"zero maxPeers", func(c *Config) { c.Federation.MaxPeers = 0 }},
		{"unknown knowledge provider", func(c *Config) { c.Knowledge.Provider = "pinecone" }},
		{"qdrant without endpoint", func(c *Config) { c.Knowledge.Provider = "qdrant" }},
		{"knowledge zero topK", func(c *Config) {
			c.Knowledge.Provider = "memory"
			c.Knowledge.TopK = 0
		}},
		{"environment without id", func(c *Config) {
			c.Environments = []EnvironmentConfig{{Command: []string{"true"}}}
		}},
		{"duplicate environment id", func(c *Config) {
			c.Environments = []EnvironmentConfig{{ID: "a"}, {ID: "a"}}
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestDurationAccessors(t *testing.T) {
	cfg := Default()
	if got := cfg.Pool.ContainerTimeout().Milliseconds(); got != 300_000 {
		t.Errorf("pool timeout = %dms, want 300000", got)
	}
	if got := cfg.FinOps.ReportInterval().Hours(); got != 1 {
		t.Errorf("report interval = %vh, want 1", got)
	}
	if got := cfg.Federation.SyncInterval().Seconds(); got != 60 {
		t.Errorf("sync interval = %vs, want 60", got)
	}
}
