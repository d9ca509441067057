// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads Sindri's kernel configuration (spec §6.6) from a
// YAML file, using the same koanf pipeline agentdef uses for fleet files.
package config

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/hashicorp/consul/api"
	"github.com/knadh/koanf/parsers/yaml"
	consulprovider "github.com/knadh/koanf/providers/consul/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/Iormungand21/sindri/pkg/embedder"
	"github.com/Iormungand21/sindri/pkg/observability"
	"github.com/Iormungand21/sindri/pkg/vector"
)

// RetryConfig controls the agent loop's tool-call retry policy (spec §4.1, §7).
type RetryConfig struct {
	BaseMS      int     `koanf:"base_ms"`
	MaxMS       int     `koanf:"max_ms"`
	Multiplier  float64 `koanf:"multiplier"`
	MaxAttempts int     `koanf:"max_attempts"`
}

// StuckConfig controls the agent loop's stuck-detector thresholds (spec §4.1).
type StuckConfig struct {
	SimilarityThreshold float64 `koanf:"similarity_threshold"`
	MaxNudges           int     `koanf:"max_nudges"`
}

// CheckpointConfig mirrors checkpoint.Config's on-disk shape.
type CheckpointConfig struct {
	Enabled       bool   `koanf:"enabled"`
	Strategy      string `koanf:"strategy"`
	Interval      int    `koanf:"interval"`
	AfterTools    bool   `koanf:"after_tools"`
	BeforeLLM     bool   `koanf:"before_llm"`
	AutoResume    bool   `koanf:"auto_resume"`
	MaxAgeSeconds int    `koanf:"max_age_seconds"`
}

// Config is Sindri's kernel-level configuration (spec §6.6).
type Config struct {
	TotalVRAMGB          float64            `koanf:"total_vram_gb"`
	ReserveVRAMGB        float64            `koanf:"reserve_vram_gb"`
	MaxContextTokens     int                `koanf:"max_context_tokens"`
	MemoryTierShares     map[string]float64 `koanf:"memory_tier_shares"`
	MaxDelegationDepth   int                `koanf:"max_delegation_depth"`
	DefaultMaxIterations int                `koanf:"default_max_iterations"`
	Streaming            bool               `koanf:"streaming"`
	Stuck                StuckConfig        `koanf:"stuck"`
	Retry                RetryConfig        `koanf:"retry"`
	Checkpoint           CheckpointConfig   `koanf:"checkpoint"`

	// Observability configures the tracer/metrics pair wired into the agent
	// loop (spec's ambient stack). Disabled by default: both tracing and
	// metrics are opt-in since they aren't named by spec §6.6.
	Observability observability.Config `koanf:"observability"`

	// Embedder selects the backend the memory builder's semantic/episodic
	// tiers embed queries with (spec §4.7). Left with an empty Type, no
	// embedder is constructed and both tiers degrade to their no-embedder
	// fallback (recency order / empty results).
	Embedder embedder.Config `koanf:"embedder"`

	// Vector selects the backend the memory builder's semantic/episodic
	// tiers search for nearest chunks/episodes (spec §4.7, §6.4). Defaults
	// to the embedded chromem-go provider, consistent with "local-first".
	Vector vector.ProviderConfig `koanf:"vector"`

	// FleetFile points at the agentdef fleet YAML (spec §6.6); resolved
	// relative to the directory the kernel config file lives in if not
	// absolute.
	FleetFile string `koanf:"fleet_file"`
}

// SetDefaults fills unset fields with spec-stated defaults.
func (c *Config) SetDefaults() {
	if c.TotalVRAMGB == 0 {
		c.TotalVRAMGB = 24
	}
	if c.MaxContextTokens == 0 {
		c.MaxContextTokens = 8192
	}
	if c.MaxDelegationDepth == 0 {
		c.MaxDelegationDepth = 5
	}
	if c.DefaultMaxIterations == 0 {
		c.DefaultMaxIterations = 25
	}
	if len(c.MemoryTierShares) == 0 {
		// Mirrors pkg/memory's own defaultTierShares split exactly (spec
		// §4.7 five tiers), so a config that omits memory_tier_shares
		// produces the same budget the builder would use unconfigured.
		c.MemoryTierShares = map[string]float64{
			"working":  0.50,
			"episodic": 0.18,
			"semantic": 0.18,
			"pattern":  0.05,
			"analysis": 0.09,
		}
	}
	if c.Stuck.SimilarityThreshold == 0 {
		c.Stuck.SimilarityThreshold = 0.8
	}
	if c.Stuck.MaxNudges == 0 {
		c.Stuck.MaxNudges = 3
	}
	if c.Retry.BaseMS == 0 {
		c.Retry.BaseMS = 500
	}
	if c.Retry.MaxMS == 0 {
		c.Retry.MaxMS = 5000
	}
	if c.Retry.Multiplier == 0 {
		c.Retry.Multiplier = 2
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Checkpoint.Strategy == "" {
		c.Checkpoint.Strategy = "event"
	}
	c.Observability.SetDefaults()
	c.Vector.SetDefaults()
}

// Validate reports configuration errors SetDefaults cannot paper over.
func (c *Config) Validate() error {
	if c.ReserveVRAMGB >= c.TotalVRAMGB {
		return fmt.Errorf("config: reserve_vram_gb (%.1f) must be less than total_vram_gb (%.1f)", c.ReserveVRAMGB, c.TotalVRAMGB)
	}
	sum := 0.0
	for _, share := range c.MemoryTierShares {
		sum += share
	}
	if sum > 1.0001 {
		return fmt.Errorf("config: memory_tier_shares sum to %.3f, must not exceed 1.0", sum)
	}
	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("config: observability: %w", err)
	}
	if err := c.Vector.Validate(); err != nil {
		return fmt.Errorf("config: vector: %w", err)
	}
	return nil
}

// LoadFile reads a YAML kernel config file, applies defaults, and validates
// the result. Unrecognized top-level keys are ignored with a logged warning
// rather than rejected, so older configs keep working against newer builds.
func LoadFile(path string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := finishLoad(k, path)
	if err == nil && cfg.FleetFile != "" && !filepath.IsAbs(cfg.FleetFile) {
		cfg.FleetFile = filepath.Join(filepath.Dir(path), cfg.FleetFile)
	}
	return cfg, err
}

// LoadConsul reads the kernel config as a YAML blob stored under key in a
// Consul KV store at addr, applying the same defaults and validation as
// LoadFile. Grounded on the teacher's `pkg/config/koanf_loader.go` consul
// branch (`api.DefaultConfig()` + `consul.Provider(consul.Config{...})`),
// ported to the koanf/providers/consul/v2 module this tree depends on.
func LoadConsul(addr, key string) (*Config, error) {
	consulCfg := api.DefaultConfig()
	if addr != "" {
		consulCfg.Address = addr
	}

	k := koanf.New(".")
	provider := consulprovider.Provider(consulprovider.Config{
		Cfg: consulCfg,
		Key: key,
	})
	if err := k.Load(provider, yaml.Parser()); err != nil {
		return nil, fmt.Errorf("config: load consul key %s@%s: %w", key, consulCfg.Address, err)
	}
	return finishLoad(k, fmt.Sprintf("consul:%s@%s", key, consulCfg.Address))
}

// finishLoad applies the warn/unmarshal/defaults/validate steps common to
// every koanf source, once the provider has populated k.
func finishLoad(k *koanf.Koanf, source string) (*Config, error) {
	warnUnknownKeys(k)

	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("config: unmarshal %s: %w", source, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var knownTopLevelKeys = map[string]struct{}{
	"total_vram_gb": {}, "reserve_vram_gb": {}, "max_context_tokens": {},
	"memory_tier_shares": {}, "max_delegation_depth": {}, "default_max_iterations": {},
	"streaming": {}, "stuck": {}, "retry": {}, "checkpoint": {}, "fleet_file": {},
	"observability": {}, "embedder": {}, "vector": {},
}

func warnUnknownKeys(k *koanf.Koanf) {
	for _, key := range k.Keys() {
		top, _, _ := strings.Cut(key, ".")
		if _, ok := knownTopLevelKeys[top]; !ok {
			slog.Warn("config: ignoring unrecognized option", "key", key)
		}
	}
}
