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
	"fmt"
	"strings"

	"github.com/Iormungand21/sindri/pkg/tool"
)

const repeatedCallThreshold = 3

// stuckDetector implements spec §4.1's three stuck-progress heuristics across
// the zero-tool iterations of one agent run: (i) consecutive assistant
// responses with high word overlap, (ii) the same tool+args repeated at
// least repeatedCallThreshold times, (iii) three consecutive unanswered
// clarification questions. The first trigger injects a nudge; after
// maxNudges nudges without progress the caller treats the run as terminally
// stuck.
type stuckDetector struct {
	similarityThreshold float64
	maxNudges           int

	lastResponse   string
	haveLast       bool
	nudgeCount     int
	questionStreak int
	callCounts     map[string]int
}

func newStuckDetector(similarityThreshold float64, maxNudges int) *stuckDetector {
	if similarityThreshold <= 0 {
		similarityThreshold = 0.8
	}
	if maxNudges <= 0 {
		maxNudges = 3
	}
	return &stuckDetector{
		similarityThreshold: similarityThreshold,
		maxNudges:           maxNudges,
		callCounts:          make(map[string]int),
	}
}

// recordToolRound folds an iteration's tool calls into the repeated-call
// tally and resets the no-progress response/question streaks, since tool
// execution is itself progress — except when the same call (name+args) has
// now been made repeatedCallThreshold times, which is itself a stuck signal
// (spec §4.1 stuck detection (ii)).
func (d *stuckDetector) recordToolRound(calls []tool.Call) (stuck bool, nudge string, terminal bool) {
	repeated := false
	for _, c := range calls {
		key := callKey(c)
		d.callCounts[key]++
		if d.callCounts[key] >= repeatedCallThreshold {
			repeated = true
		}
	}
	d.lastResponse = ""
	d.haveLast = false
	d.questionStreak = 0

	if !repeated {
		d.nudgeCount = 0
		return false, "", false
	}
	d.nudgeCount++
	if d.nudgeCount > d.maxNudges {
		return true, "", true
	}
	return true, "You've called the same tool with the same arguments repeatedly without new progress. Try a different approach.", false
}

// observe folds one zero-tool assistant response into the detector's state
// and reports whether this response trips a stuck heuristic. When stuck is
// true and terminal is false, nudge is the corrective message to inject;
// when terminal is true, the caller should fail the task with reason "stuck".
func (d *stuckDetector) observe(response string) (stuck bool, nudge string, terminal bool) {
	overlap := d.haveLast && wordOverlap(d.lastResponse, response) >= d.similarityThreshold
	d.lastResponse = response
	d.haveLast = true

	if strings.HasSuffix(strings.TrimSpace(response), "?") {
		d.questionStreak++
	} else {
		d.questionStreak = 0
	}
	askedThriceUnanswered := d.questionStreak >= 3

	if !overlap && !askedThriceUnanswered {
		return false, "", false
	}

	d.nudgeCount++
	if d.nudgeCount > d.maxNudges {
		return true, "", true
	}
	return true, stuckNudgeMessage(overlap, askedThriceUnanswered), false
}

func stuckNudgeMessage(overlap, askedThriceUnanswered bool) string {
	switch {
	case askedThriceUnanswered:
		return "You've asked for clarification several times without proceeding. Make your best assumption, state it, and continue with the task."
	case overlap:
		return "Your last two responses are largely the same with no tool calls. Take a concrete action (a tool call) or explain what specifically is blocking progress."
	default:
		return "Please continue making concrete progress on the task."
	}
}

func callKey(c tool.Call) string {
	return fmt.Sprintf("%s:%v", c.Name, c.Args)
}

// wordOverlap returns the Jaccard similarity of a and b's lowercased word sets.
func wordOverlap(a, b string) float64 {
	setA := wordSet(a)
	setB := wordSet(b)
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}
	if len(setA) == 0 || len(setB) == 0 {
		return 0
	}

	intersection := 0
	for w := range setA {
		if setB[w] {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func wordSet(s string) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	set := make(map[string]bool, len(words))
	for _, w := range words {
		set[w] = true
	}
	return set
}
