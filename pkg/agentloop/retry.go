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

package agentloop

import (
	"context"
	"fmt"
	"time"

	"github.com/Iormungand21/sindri/pkg/errs"
	"github.com/Iormungand21/sindri/pkg/tool"
)

// RetryPolicy governs how tool execution responds to each error category
// (spec §7, §4.1 "retry policy"): TRANSIENT is retried with exponential
// backoff, RESOURCE and FATAL are surfaced immediately, and AGENT is
// returned to the caller to feed back into the conversation rather than
// retried at the kernel level.
type RetryPolicy struct {
	// BaseDelay is the backoff before the first retry. Zero uses DefaultRetryPolicy's value.
	BaseDelay time.Duration
	// MaxDelay caps the backoff after repeated doubling.
	MaxDelay time.Duration
	// Multiplier scales the delay after each attempt.
	Multiplier float64
	// MaxAttempts bounds the total number of attempts, including the first.
	MaxAttempts int
}

// DefaultRetryPolicy matches spec §4.1's stated defaults: base 0.5s, doubling,
// capped at 5s, at most 3 attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    5 * time.Second,
		Multiplier:  2,
		MaxAttempts: 3,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		return DefaultRetryPolicy()
	}
	if p.BaseDelay == 0 {
		p.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	return p
}

// Execute calls fn, retrying TRANSIENT failures with exponential backoff.
// RESOURCE and FATAL errors return immediately. AGENT errors also return
// immediately — the loop feeds them back as a failed tool.Result rather than
// retrying at the kernel level (spec §7).
func (p RetryPolicy) Execute(ctx context.Context, fn func() (tool.Result, error)) (tool.Result, error) {
	p = p.withDefaults()
	delay := p.BaseDelay

	var result tool.Result
	var err error
	for attempt := 1; attempt <= p.MaxAttempts; attempt++ {
		result, err = fn()
		if err == nil {
			return result, nil
		}
		if errs.CategoryOf(err) != errs.Transient {
			return result, err
		}
		if attempt == p.MaxAttempts {
			// Retries exhausted: demote to AGENT so the loop feeds this back
			// as a failed tool result instead of aborting the task
			// (errs.Transient doc: "retried with backoff before being
			// demoted to Agent or Resource").
			return result, errs.New(errs.Agent, fmt.Errorf("retries exhausted: %w", err))
		}

		select {
		case <-ctx.Done():
			return result, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * p.Multiplier)
		if delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return result, err
}
