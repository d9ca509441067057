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

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sindri.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadFile_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `total_vram_gb: 48`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 48.0, cfg.TotalVRAMGB)
	assert.Equal(t, 8192, cfg.MaxContextTokens)
	assert.Equal(t, 5, cfg.MaxDelegationDepth)
	assert.Equal(t, 0.8, cfg.Stuck.SimilarityThreshold)
	assert.Equal(t, 3, cfg.Stuck.MaxNudges)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.InDelta(t, 1.0, sumShares(cfg.MemoryTierShares), 0.0001)
}

func TestLoadFile_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
total_vram_gb: 24
reserve_vram_gb: 2
stuck:
  max_nudges: 5
retry:
  max_attempts: 10
checkpoint:
  enabled: true
  strategy: interval
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2.0, cfg.ReserveVRAMGB)
	assert.Equal(t, 5, cfg.Stuck.MaxNudges)
	assert.Equal(t, 10, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Checkpoint.Enabled)
	assert.Equal(t, "interval", cfg.Checkpoint.Strategy)
}

func TestLoadFile_ObservabilityDefaultsDisabled(t *testing.T) {
	path := writeConfig(t, `total_vram_gb: 48`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.False(t, cfg.Observability.Tracing.Enabled)
	assert.False(t, cfg.Observability.Metrics.Enabled)
}

func TestLoadFile_ObservabilityOverrides(t *testing.T) {
	path := writeConfig(t, `
total_vram_gb: 48
observability:
  tracing:
    enabled: true
  metrics:
    enabled: true
    addr: ":9191"
`)

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.True(t, cfg.Observability.Tracing.Enabled)
	assert.Equal(t, "stdout", cfg.Observability.Tracing.Exporter)
	assert.True(t, cfg.Observability.Metrics.Enabled)
	assert.Equal(t, ":9191", cfg.Observability.Metrics.Addr)
}

func TestLoadFile_RejectsReserveExceedingTotal(t *testing.T) {
	path := writeConfig(t, `
total_vram_gb: 8
reserve_vram_gb: 8
`)

	_, err := LoadFile(path)
	assert.Error(t, err)
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func sumShares(shares map[string]float64) float64 {
	var total float64
	for _, v := range shares {
		total += v
	}
	return total
}
