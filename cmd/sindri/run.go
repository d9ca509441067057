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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/agentloop"
	"github.com/Iormungand21/sindri/pkg/checkpoint"
	"github.com/Iormungand21/sindri/pkg/config"
	"github.com/Iormungand21/sindri/pkg/delegation"
	"github.com/Iormungand21/sindri/pkg/embedder"
	"github.com/Iormungand21/sindri/pkg/eventbus"
	"github.com/Iormungand21/sindri/pkg/memory"
	"github.com/Iormungand21/sindri/pkg/model"
	"github.com/Iormungand21/sindri/pkg/modelmanager"
	"github.com/Iormungand21/sindri/pkg/observability"
	"github.com/Iormungand21/sindri/pkg/orchestrator"
	"github.com/Iormungand21/sindri/pkg/scheduler"
	"github.com/Iormungand21/sindri/pkg/session"
	"github.com/Iormungand21/sindri/pkg/store"
	"github.com/Iormungand21/sindri/pkg/task"
	"github.com/Iormungand21/sindri/pkg/tool"
	"github.com/Iormungand21/sindri/pkg/utils"
	"github.com/Iormungand21/sindri/pkg/vector"
)

// RunCmd submits one root task to the named agent and drives the kernel
// until that task (and anything it delegates) reaches a terminal state.
type RunCmd struct {
	Config     string `short:"c" help:"Path to the kernel config YAML (mutually exclusive with --consul-key)."`
	ConsulAddr string `name:"consul-addr" help:"Consul HTTP API address; defaults to the consul client's standard address."`
	ConsulKey  string `name:"consul-key" help:"Consul KV key holding the kernel config YAML, read instead of --config."`
	Fleet      string `short:"f" help:"Path to the agent fleet YAML (defaults to the kernel config's fleet_file)."`
	Agent      string `short:"a" help:"Agent to assign the root task to." required:""`
	Provider   string `help:"LLM backend: anthropic, openai, or ollama." default:"anthropic"`
	APIKey     string `name:"api-key" help:"API key (defaults to the provider's standard environment variable)."`
	BaseURL    string `name:"base-url" help:"Base URL, used by the ollama backend." default:"http://localhost:11434"`
	DB         string `help:"SQLite database path (defaults to .sindri/sindri.db next to --work-dir; \":memory:\" for ephemeral runs)."`
	WorkDir    string `name:"work-dir" help:"Working directory tools execute in." default:"."`
	Priority   int    `help:"Root task priority (lower runs first)." default:"0"`

	Task string `arg:"" help:"Task description for the root agent."`
}

func (c *RunCmd) Run(cli *CLI) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down, draining in-flight agent loops")
		cancel()
	}()

	var cfg *config.Config
	var err error
	switch {
	case c.ConsulKey != "":
		cfg, err = config.LoadConsul(c.ConsulAddr, c.ConsulKey)
	case c.Config != "":
		cfg, err = config.LoadFile(c.Config)
	default:
		return fmt.Errorf("sindri: one of --config or --consul-key is required")
	}
	if err != nil {
		return err
	}

	fleetPath := c.Fleet
	if fleetPath == "" {
		fleetPath = cfg.FleetFile
	}
	if fleetPath == "" {
		return fmt.Errorf("sindri: no fleet file given (--fleet or config fleet_file)")
	}
	agents, err := agentdef.LoadFile(fleetPath)
	if err != nil {
		return err
	}

	backend, err := c.buildBackend()
	if err != nil {
		return err
	}

	dsn, err := c.resolveDBPath()
	if err != nil {
		return err
	}
	st, err := store.Open(ctx, store.Config{Driver: store.DriverSQLite, DSN: dsn})
	if err != nil {
		return fmt.Errorf("sindri: open store: %w", err)
	}
	defer st.Close()
	if err := st.CheckIntegrity(ctx); err != nil {
		return fmt.Errorf("sindri: store integrity check: %w", err)
	}

	sessions := session.New(st)
	tools := tool.NewRegistry()
	tasks := task.NewMap()
	sched := scheduler.New(tasks)
	models := modelmanager.New(backend, cfg.TotalVRAMGB, cfg.ReserveVRAMGB)

	vec, err := vector.NewProvider(&cfg.Vector)
	if err != nil {
		return fmt.Errorf("sindri: vector provider: %w", err)
	}

	var emb embedder.Provider
	if cfg.Embedder.Type != "" {
		emb, err = embedder.New(cfg.Embedder)
		if err != nil {
			return fmt.Errorf("sindri: embedder: %w", err)
		}
		defer emb.Close()
	}

	mem := memory.NewBuilder(st, emb, vec, cfg.MemoryTierShares)
	bus := eventbus.New()
	ckptCfg := &checkpoint.Config{
		Enabled:       &cfg.Checkpoint.Enabled,
		Strategy:      checkpoint.Strategy(cfg.Checkpoint.Strategy),
		Interval:      cfg.Checkpoint.Interval,
		AfterTools:    &cfg.Checkpoint.AfterTools,
		BeforeLLM:     &cfg.Checkpoint.BeforeLLM,
		AutoResume:    &cfg.Checkpoint.AutoResume,
		MaxAgeSeconds: cfg.Checkpoint.MaxAgeSeconds,
	}
	ckptMgr := checkpoint.NewManager(ckptCfg, st)

	obs, err := observability.NewManager(ctx, &cfg.Observability)
	if err != nil {
		return fmt.Errorf("sindri: observability: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := obs.Shutdown(shutdownCtx); err != nil {
			slog.Warn("sindri: observability shutdown", "error", err)
		}
	}()
	if obs.MetricsEnabled() {
		go serveMetrics(obs)
	}

	delegMgr := delegation.New(agents, tasks, sched, models, sessions, bus, cfg.MaxDelegationDepth)

	logSub, logCh := bus.Subscribe()
	defer bus.Unsubscribe(logSub)
	go func() {
		for evt := range logCh {
			slog.Debug("event", "type", evt.Type, "task_id", evt.TaskID, "payload", evt.Payload)
		}
	}()

	orc := orchestrator.New(orchestrator.Config{
		TotalVRAMGB:      cfg.TotalVRAMGB,
		ReserveVRAMGB:    cfg.ReserveVRAMGB,
		MaxContextTokens: cfg.MaxContextTokens,
		Streaming:        cfg.Streaming,
		Retry: agentloop.RetryPolicy{
			BaseDelay:   time.Duration(cfg.Retry.BaseMS) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Retry.MaxMS) * time.Millisecond,
			Multiplier:  cfg.Retry.Multiplier,
			MaxAttempts: cfg.Retry.MaxAttempts,
		},
	}, orchestrator.Dependencies{
		Agents:     agents,
		Tasks:      tasks,
		Scheduler:  sched,
		Models:     models,
		Backend:    backend,
		Sessions:   sessions,
		Memory:     mem,
		Bus:        bus,
		Tools:      tools,
		Checkpoint: ckptMgr,
		Delegation: delegMgr,
		Obs:        obs,
		ProjectID:  c.Agent,
		WorkDir:    c.WorkDir,
	})

	root, err := orc.Submit(c.Task, c.Agent, c.Priority)
	if err != nil {
		return err
	}

	result, err := orc.Run(ctx, root)
	if err != nil {
		return fmt.Errorf("sindri: run failed: %w", err)
	}
	if result == nil {
		return fmt.Errorf("sindri: task %s ended without a result", root.ID())
	}

	if !result.Success {
		fmt.Fprintf(os.Stderr, "task failed: %s\n", result.Error)
		os.Exit(1)
	}
	fmt.Println(result.Output)
	return nil
}

// resolveDBPath returns the configured DSN unchanged, or the default
// {work-dir}/.sindri/sindri.db path, creating the .sindri state directory
// next to the project if one isn't already there.
func (c *RunCmd) resolveDBPath() (string, error) {
	if c.DB != "" {
		return c.DB, nil
	}
	dir, err := utils.EnsureSindriDir(c.WorkDir)
	if err != nil {
		return "", fmt.Errorf("sindri: %w", err)
	}
	return filepath.Join(dir, "sindri.db"), nil
}

// serveMetrics runs the Prometheus scrape endpoint until the process exits.
// It never returns before that, so callers invoke it in its own goroutine;
// a bind failure is logged rather than fatal since metrics are an optional
// ambient concern (spec §6.6 options are all opt-in beyond the kernel core).
func serveMetrics(obs *observability.Manager) {
	mux := http.NewServeMux()
	mux.Handle(obs.MetricsEndpoint(), obs.MetricsHandler())
	if err := http.ListenAndServe(obs.MetricsAddr(), mux); err != nil {
		slog.Warn("sindri: metrics server stopped", "addr", obs.MetricsAddr(), "error", err)
	}
}

func (c *RunCmd) buildBackend() (model.Backend, error) {
	switch model.BackendType(c.Provider) {
	case model.BackendAnthropic:
		key := c.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return model.NewAnthropicBackend(key)
	case model.BackendOpenAI:
		key := c.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return model.NewOpenAIBackend(key)
	case model.BackendOllama:
		return model.NewOllamaBackend(c.BaseURL), nil
	default:
		return nil, fmt.Errorf("sindri: unknown provider %q", c.Provider)
	}
}
