// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package checkpoint

import (
	"fmt"
	"time"
)

// Strategy determines when checkpoints are created.
type Strategy string

const (
	// StrategyEvent checkpoints on specific events (iteration end, errors).
	StrategyEvent Strategy = "event"

	// StrategyInterval checkpoints every N iterations.
	StrategyInterval Strategy = "interval"

	// StrategyHybrid combines both.
	StrategyHybrid Strategy = "hybrid"
)

// Config configures checkpoint behavior.
//
// Example YAML configuration:
//
//	checkpoint:
//	  enabled: true
//	  strategy: hybrid
//	  interval: 5
//	  after_tools: true
//	  before_llm: false
//	  auto_resume: true
//	  max_age_seconds: 3600
type Config struct {
	// Enabled turns checkpointing on.
	Enabled *bool `yaml:"enabled,omitempty"`

	// Strategy controls when checkpoints fire. Default: "event".
	Strategy Strategy `yaml:"strategy,omitempty"`

	// Interval is the checkpoint frequency in iterations, used by
	// StrategyInterval and StrategyHybrid.
	Interval int `yaml:"interval,omitempty"`

	// AfterTools checkpoints after tool execution completes.
	AfterTools *bool `yaml:"after_tools,omitempty"`

	// BeforeLLM checkpoints before each LLM call.
	BeforeLLM *bool `yaml:"before_llm,omitempty"`

	// AutoResume recovers pending checkpoints automatically at startup
	// (spec §6.5 startup integrity check).
	AutoResume *bool `yaml:"auto_resume,omitempty"`

	// MaxAgeSeconds is how old a checkpoint may be before it is treated as
	// stale rather than resumable. 0 (unset) means one hour.
	MaxAgeSeconds int `yaml:"max_age_seconds,omitempty"`
}

// SetDefaults applies default values.
func (c *Config) SetDefaults() {
	if c.Enabled == nil {
		v := false
		c.Enabled = &v
	}
	if c.Strategy == "" {
		c.Strategy = StrategyEvent
	}
	if c.AfterTools == nil {
		v := false
		c.AfterTools = &v
	}
	if c.BeforeLLM == nil {
		v := false
		c.BeforeLLM = &v
	}
	if c.AutoResume == nil {
		v := false
		c.AutoResume = &v
	}
	if c.MaxAgeSeconds == 0 {
		c.MaxAgeSeconds = 3600
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	switch c.Strategy {
	case "", StrategyEvent, StrategyInterval, StrategyHybrid:
	default:
		return fmt.Errorf("invalid checkpoint strategy %q (valid: event, interval, hybrid)", c.Strategy)
	}
	if c.Interval < 0 {
		return fmt.Errorf("checkpoint interval must be non-negative")
	}
	if c.MaxAgeSeconds < 0 {
		return fmt.Errorf("checkpoint max_age_seconds must be non-negative")
	}
	return nil
}

// IsEnabled returns whether checkpointing is enabled.
func (c *Config) IsEnabled() bool {
	return c != nil && c.Enabled != nil && *c.Enabled
}

// ShouldCheckpointAfterTools returns whether to checkpoint after tool execution.
func (c *Config) ShouldCheckpointAfterTools() bool {
	return c.IsEnabled() && c.AfterTools != nil && *c.AfterTools
}

// ShouldCheckpointBeforeLLM returns whether to checkpoint before LLM calls.
func (c *Config) ShouldCheckpointBeforeLLM() bool {
	return c.IsEnabled() && c.BeforeLLM != nil && *c.BeforeLLM
}

// shouldCheckpointInterval returns whether interval checkpointing is active.
func (c *Config) shouldCheckpointInterval() bool {
	return c.IsEnabled() &&
		(c.Strategy == StrategyInterval || c.Strategy == StrategyHybrid) &&
		c.Interval > 0
}

// ShouldCheckpointAtIteration returns whether to checkpoint at the given iteration.
func (c *Config) ShouldCheckpointAtIteration(iteration int) bool {
	if !c.shouldCheckpointInterval() {
		return false
	}
	return iteration > 0 && iteration%c.Interval == 0
}

// MaxAge returns the checkpoint staleness threshold as a duration.
func (c *Config) MaxAge() time.Duration {
	if c == nil || c.MaxAgeSeconds <= 0 {
		return time.Hour
	}
	return time.Duration(c.MaxAgeSeconds) * time.Second
}

// ShouldAutoResume returns whether to auto-resume pending tasks on startup.
func (c *Config) ShouldAutoResume() bool {
	return c.IsEnabled() && c.AutoResume != nil && *c.AutoResume
}
