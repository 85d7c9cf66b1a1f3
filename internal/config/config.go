/*
Copyright (c) 2026 CortexOS Authors
SPDX-License-Identifier: MIT
*/

// Package config holds the daemon-level configuration file schema. Each
// kernel component also declares its own Config struct; this package is the
// YAML-facing superset the daemon loads, defaults, and hands out.
//
// Interval and timeout fields are plain millisecond integers in the file
// (the wire shape every deployment tool already produces); the *Duration
// accessors convert them once at wiring time.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root of the cortexd configuration file.
type Config struct {
	Pool         PoolConfig          `yaml:"pool"`
	Memory       MemoryConfig        `yaml:"memory"`
	FinOps       FinOpsConfig        `yaml:"finops"`
	Router       RouterConfig        `yaml:"router"`
	Gateway      GatewayConfig       `yaml:"gateway"`
	Federation   FederationConfig    `yaml:"federation"`
	Knowledge    KnowledgeConfig     `yaml:"knowledge"`
	Environments []EnvironmentConfig `yaml:"environments"`
}

// PoolConfig configures the container/agent pool.
type PoolConfig struct {
	MaxContainers      int    `yaml:"maxContainers"`
	DefaultEnvironment string `yaml:"defaultEnvironment"`
	ContainerTimeoutMs int64  `yaml:"containerTimeoutMs"`
}

// ContainerTimeout returns the default per-task execution deadline.
func (c PoolConfig) ContainerTimeout() time.Duration {
	return time.Duration(c.ContainerTimeoutMs) * time.Millisecond
}

// EnvironmentConfig declares one execution environment tasks can request.
// Environments with a command run as subprocesses speaking the worker
// protocol; with no environments configured the daemon falls back to the
// built-in echo backend.
type EnvironmentConfig struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Image     string            `yaml:"image"`
	Command   []string          `yaml:"command"`
	Env       map[string]string `yaml:"env"`
	TimeoutMs int64             `yaml:"timeoutMs"`
}

// MemoryConfig configures the context manager (MMU).
type MemoryConfig struct {
	STMCapacity           int     `yaml:"stmCapacity"`
	LTMCapacity           int     `yaml:"ltmCapacity"`
	QLearningRate         float64 `yaml:"qLearningRate"`
	QDiscountFactor       float64 `yaml:"qDiscountFactor"`
	AutoCompressThreshold float64 `yaml:"autoCompressThreshold"`
	PromotionQThreshold   float64 `yaml:"promotionQThreshold"`
	EnableSemanticIndex   bool    `yaml:"enableSemanticIndex"`
}

// FinOpsConfig configures the consumption ledger and budget engine.
type FinOpsConfig struct {
	Enabled                     bool    `yaml:"enabled"`
	MaxRecords                  int     `yaml:"maxRecords"`
	ForecastEnabled             bool    `yaml:"forecastEnabled"`
	RightsizingEnabled          bool    `yaml:"rightsizingEnabled"`
	ReportIntervalMs            int64   `yaml:"reportIntervalMs"`
	DefaultBudgetAlertThreshold float64 `yaml:"defaultBudgetAlertThreshold"`
}

// ReportInterval returns the scheduled report cadence.
func (c FinOpsConfig) ReportInterval() time.Duration {
	return time.Duration(c.ReportIntervalMs) * time.Millisecond
}

// RouterConfig configures model selection.
type RouterConfig struct {
	Provider    string `yaml:"provider"`
	PreferCheap bool   `yaml:"preferCheap"`
}

// GatewayConfig configures the A2A HTTP surface.
type GatewayConfig struct {
	Port               int    `yaml:"port"`
	Hostname           string `yaml:"hostname"`
	MaxConcurrentTasks int    `yaml:"maxConcurrentTasks"`
	TaskTimeoutMs      int64  `yaml:"taskTimeoutMs"`
	RatePerMinute      int    `yaml:"ratePerMinute"`
}

// TaskTimeout returns the working-state deadline for gateway tasks.
func (c GatewayConfig) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutMs) * time.Millisecond
}

// Addr returns the listen address in host:port form.
func (c GatewayConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Hostname, c.Port)
}

// FederationConfig configures the CADP peer mesh.
type FederationConfig struct {
	PeerID            string `yaml:"peerId"`
	PeerName          string `yaml:"peerName"`
	ListenPort        int    `yaml:"listenPort"`
	SyncIntervalMs    int64  `yaml:"syncIntervalMs"`
	MaxPeers          int    `yaml:"maxPeers"`
	ShareCapabilities bool   `yaml:"shareCapabilities"`
	AcceptRemoteAgent bool   `yaml:"acceptRemoteAgents"`
}

// SyncInterval returns the periodic sync cadence.
func (c FederationConfig) SyncInterval() time.Duration {
	return time.Duration(c.SyncIntervalMs) * time.Millisecond
}

// Addr returns the peer endpoint listen address.
func (c FederationConfig) Addr() string {
	return fmt.Sprintf(":%d", c.ListenPort)
}

// KnowledgeConfig configures the vector-backed knowledge base. An empty
// provider disables it.
type KnowledgeConfig struct {
	Provider     string `yaml:"provider"`
	Endpoint     string `yaml:"endpoint"`
	Collection   string `yaml:"collection"`
	TopK         int    `yaml:"topK"`
	EmbeddingDim int    `yaml:"embeddingDim"`
}

// Enabled reports whether a knowledge provider is configured.
func (c KnowledgeConfig) Enabled() bool {
	return c.Provider != ""
}

// Default returns a Config populated with the documented defaults.
func Default() Config {
	return Config{
		Pool: PoolConfig{
			MaxContainers:      5,
			DefaultEnvironment: "default",
			ContainerTimeoutMs: 300_000,
		},
		Memory: MemoryConfig{
			STMCapacity:           100,
			LTMCapacity:           1000,
			QLearningRate:         0.1,
			QDiscountFactor:       0.95,
			AutoCompressThreshold: 0.8,
			PromotionQThreshold:   0.7,
			EnableSemanticIndex:   true,
		},
		FinOps: FinOpsConfig{
			Enabled:                     true,
			MaxRecords:                  100_000,
			ForecastEnabled:             true,
			RightsizingEnabled:          true,
			ReportIntervalMs:            3_600_000,
			DefaultBudgetAlertThreshold: 0.8,
		},
		Router: RouterConfig{
			Provider: "anthropic",
		},
		Gateway: GatewayConfig{
			Port:               3200,
			Hostname:           "0.0.0.0",
			MaxConcurrentTasks: 10,
			TaskTimeoutMs:      300_000,
		},
		Federation: FederationConfig{
			PeerName:          "cortexd",
			ListenPort:        9100,
			SyncIntervalMs:    60_000,
			MaxPeers:          50,
			ShareCapabilities: true,
			AcceptRemoteAgent: true,
		},
		Knowledge: KnowledgeConfig{
			Collection:   "cortexos-knowledge",
			TopK:         3,
			EmbeddingDim: 256,
		},
	}
}

// Load reads path as YAML over the defaults. A missing file is not an
// error: the defaults are returned so a bare `cortexd serve` works.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// FromEnv applies CORTEXD_* environment overrides on top of cfg. Only the
// knobs operators routinely flip per deployment are exposed this way.
func FromEnv(cfg Config) Config {
	if v, ok := envInt("CORTEXD_POOL_MAX_CONTAINERS"); ok {
		cfg.Pool.MaxContainers = v
	}
	if v := os.Getenv("CORTEXD_POOL_DEFAULT_ENVIRONMENT"); v != "" {
		cfg.Pool.DefaultEnvironment = v
	}
	if v, ok := envInt("CORTEXD_GATEWAY_PORT"); ok {
		cfg.Gateway.Port = v
	}
	if v := os.Getenv("CORTEXD_GATEWAY_HOSTNAME"); v != "" {
		cfg.Gateway.Hostname = v
	}
	if v, ok := envInt("CORTEXD_GATEWAY_MAX_CONCURRENT_TASKS"); ok {
		cfg.Gateway.MaxConcurrentTasks = v
	}
	if v, ok := envInt("CORTEXD_GATEWAY_RATE_LIMIT"); ok {
		cfg.Gateway.RatePerMinute = v
	}
	if v := os.Getenv("CORTEXD_FEDERATION_PEER_ID"); v != "" {
		cfg.Federation.PeerID = v
	}
	if v := os.Getenv("CORTEXD_FEDERATION_PEER_NAME"); v != "" {
		cfg.Federation.PeerName = v
	}
	if v, ok := envInt("CORTEXD_FEDERATION_LISTEN_PORT"); ok {
		cfg.Federation.ListenPort = v
	}
	return cfg
}

// Validate rejects configurations the kernel cannot run with.
func (c Config) Validate() error {
	if c.Pool.MaxContainers <= 0 {
		return fmt.Errorf("pool.maxContainers must be > 0, got %d", c.Pool.MaxContainers)
	}
	if c.Memory.STMCapacity <= 0 || c.Memory.LTMCapacity <= 0 {
		return fmt.Errorf("memory capacities must be > 0")
	}
	if c.Memory.PromotionQThreshold <= 0 || c.Memory.PromotionQThreshold > 1 {
		return fmt.Errorf("memory.promotionQThreshold must be in (0,1], got %v", c.Memory.PromotionQThreshold)
	}
	if t := c.FinOps.DefaultBudgetAlertThreshold; t <= 0 || t > 1 {
		return fmt.Errorf("finops.defaultBudgetAlertThreshold must be in (0,1], got %v", t)
	}
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return fmt.Errorf("gateway.port out of range: %d", c.Gateway.Port)
	}
	if c.Gateway.MaxConcurrentTasks <= 0 {
		return fmt.Errorf("gateway.maxConcurrentTasks must be > 0, got %d", c.Gateway.MaxConcurrentTasks)
	}
	if c.Federation.MaxPeers <= 0 {
		return fmt.Errorf("federation.maxPeers must be > 0, got %d", c.Federation.MaxPeers)
	}
	if c.Federation.ListenPort <= 0 || c.Federation.ListenPort > 65535 {
		return fmt.Errorf("federation.listenPort out of range: %d", c.Federation.ListenPort)
	}
	if c.Knowledge.Enabled() {
		switch c.Knowledge.Provider {
		case "memory":
		case "qdrant":
			if c.Knowledge.Endpoint == "" {
				return fmt.Errorf("knowledge.endpoint is required for provider qdrant")
			}
		default:
			return fmt.Errorf("unknown knowledge provider %q", c.Knowledge.Provider)
		}
		if c.Knowledge.TopK <= 0 {
			return fmt.Errorf("knowledge.topK must be > 0, got %d", c.Knowledge.TopK)
		}
		if c.Knowledge.EmbeddingDim <= 0 {
			return fmt.Errorf("knowledge.embeddingDim must be > 0, got %d", c.Knowledge.EmbeddingDim)
		}
	}
	seen := make(map[string]bool, len(c.Environments))
	for i, env := range c.Environments {
		if env.ID == "" {
			return fmt.Errorf("environments[%d].id is required", i)
		}
		if seen[env.ID] {
			return fmt.Errorf("duplicate environment id %q", env.ID)
		}
		seen[env.ID] = true
	}
	return nil
}

func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}
