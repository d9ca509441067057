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

// Package utils provides small utility helpers shared across Sindri's kernel packages.
package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureSindriDir ensures the .sindri state directory exists at the given base path.
// If basePath is empty or ".", it creates ./.sindri in the current directory.
// Otherwise, it creates {basePath}/.sindri.
//
// Used by facilities that persist local-first state next to a project:
// - Embedded vector store (chromem), when its persist path lies under .sindri
// - SQLite state database: {basePath}/.sindri/sindri.db (sindri run's default --db)
func EnsureSindriDir(basePath string) (string, error) {
	var dir string
	if basePath == "" || basePath == "." {
		dir = ".sindri"
	} else {
		dir = filepath.Join(basePath, ".sindri")
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create .sindri directory at '%s': %w", dir, err)
	}

	return dir, nil
}
