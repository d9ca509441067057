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

// Package errs implements the kernel-wide error taxonomy (spec §7):
// TRANSIENT, RESOURCE, FATAL, and AGENT categories drive retry and
// propagation decisions in the agent loop, scheduler, and model manager.
package errs

import "errors"

// Category classifies an error for retry/propagation purposes.
type Category int

const (
	// Transient errors (network blips, timeouts, lock contention) are retried
	// with backoff before being demoted to Agent or Resource.
	Transient Category = iota

	// Resource errors (VRAM exhaustion, model load failure) trigger a
	// fallback attempt; never retried blindly.
	Resource

	// Fatal errors (schema or invariant violations) abort the current task.
	Fatal

	// Agent errors (malformed tool args, unknown tool, invalid delegation
	// target, parse failures) are surfaced to the LLM and the loop continues.
	Agent
)

func (c Category) String() string {
	switch c {
	case Transient:
		return "TRANSIENT"
	case Resource:
		return "RESOURCE"
	case Fatal:
		return "FATAL"
	case Agent:
		return "AGENT"
	default:
		return "UNKNOWN"
	}
}

// Error wraps an underlying error with a Category.
type Error struct {
	Category Category
	Err      error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Category.String()
	}
	return e.Category.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with the given category. Wrapping a nil error returns nil.
func New(category Category, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Category: category, Err: err}
}

// CategoryOf extracts the Category from err, defaulting to Fatal for
// errors that were never classified — an unclassified error is the more
// dangerous failure mode, so it gets the least forgiving policy.
func CategoryOf(err error) Category {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Category
	}
	return Fatal
}

// Is reports whether err (or any error it wraps) belongs to category.
func Is(err error, category Category) bool {
	return CategoryOf(err) == category
}
