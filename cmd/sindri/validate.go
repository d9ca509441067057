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
	"fmt"

	"github.com/Iormungand21/sindri/pkg/agentdef"
	"github.com/Iormungand21/sindri/pkg/config"
)

// ValidateCmd checks a kernel config and its agent fleet file for errors
// without starting anything.
type ValidateCmd struct {
	Config string `short:"c" help:"Path to the kernel config YAML." required:""`
	Fleet  string `short:"f" help:"Path to the agent fleet YAML (defaults to the kernel config's fleet_file)."`
}

func (c *ValidateCmd) Run(cli *CLI) error {
	cfg, err := config.LoadFile(c.Config)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	fmt.Printf("config OK: %s\n", c.Config)

	fleetPath := c.Fleet
	if fleetPath == "" {
		fleetPath = cfg.FleetFile
	}
	if fleetPath == "" {
		fmt.Println("no fleet file configured, skipping agent validation")
		return nil
	}

	agents, err := agentdef.LoadFile(fleetPath)
	if err != nil {
		return fmt.Errorf("fleet: %w", err)
	}
	fmt.Printf("fleet OK: %s (%d agents)\n", fleetPath, len(agents.List()))
	for _, def := range agents.List() {
		fmt.Printf("  - %s (model=%s, vram=%.1fGB, max_iterations=%d)\n", def.Name, def.Model, def.VRAMGB, def.MaxIterations)
	}
	return nil
}
