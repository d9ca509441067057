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

package tool

import (
	"encoding/json"
	"regexp"
	"strings"
)

var fencedJSONBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(.*?)\\n```")

// blankMatch replaces a fenced block with equal-length whitespace so the
// brace-matching pass can't re-discover braces already pulled out of it,
// while leaving every other byte offset in the surrounding text untouched.
func blankMatch(match string) string {
	return strings.Repeat(" ", len(match))
}

// ParseResult is the outcome of text-mode tool-call parsing.
type ParseResult struct {
	Calls []Call
	// ParseFailed is set when the text contained JSON-like content but no
	// call could be extracted from it (spec §4.8 TOOL_PARSE_FAILED).
	ParseFailed bool
}

// ParseText extracts tool calls from an assistant's raw text response, used
// as the fallback when the LLM backend returns no native tool calls
// (spec §4.8). Calls from fenced blocks come first, in text order, followed
// by calls from bare objects outside the fences, in text order; a bare object
// that precedes a fenced block is still returned after it.
func ParseText(text string) ParseResult {
	var candidates []string

	for _, m := range fencedJSONBlock.FindAllStringSubmatch(text, -1) {
		candidates = append(candidates, strings.TrimSpace(m[1]))
	}

	// Brace-match only the text outside fenced blocks: their contents were
	// already captured above, and scanning the full text again would surface
	// the same call twice.
	unfenced := fencedJSONBlock.ReplaceAllStringFunc(text, blankMatch)
	for _, obj := range extractTopLevelObjects(unfenced) {
		candidates = append(candidates, obj)
	}

	var calls []Call
	sawJSONLike := len(candidates) > 0
	for _, c := range candidates {
		call, ok := decodeCall(c)
		if !ok {
			if repaired, ok2 := repair(c); ok2 {
				call, ok = decodeCall(repaired)
			}
		}
		if ok {
			calls = append(calls, call)
		}
	}

	return ParseResult{
		Calls:       calls,
		ParseFailed: sawJSONLike && len(calls) == 0,
	}
}

// extractTopLevelObjects scans text for balanced `{...}` spans using
// string-aware brace matching: braces inside quoted strings (respecting
// backslash escapes) never affect depth (spec §4.8).
func extractTopLevelObjects(text string) []string {
	var out []string
	depth := 0
	inString := false
	escaped := false
	start := -1

	for i, r := range text {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}

		switch r {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start >= 0 {
					out = append(out, text[start:i+1])
					start = -1
				}
			}
		}
	}

	return out
}

// repair applies the two corrections spec §4.8 allows, in order: strip
// trailing commas before a closing brace/bracket, then — only if the repaired
// string's quote state is balanced — append one missing closing brace.
func repair(s string) (string, bool) {
	trimmed := stripTrailingCommas(s)
	if trimmed != s {
		if _, ok := decodeCall(trimmed); ok {
			return trimmed, true
		}
	}

	if stringStateTerminated(trimmed) {
		candidate := trimmed + "}"
		if _, ok := decodeCall(candidate); ok {
			return candidate, true
		}
	}

	return s, false
}

var trailingComma = regexp.MustCompile(`,(\s*[}\]])`)

func stripTrailingCommas(s string) string {
	return trailingComma.ReplaceAllString(s, "$1")
}

// stringStateTerminated reports whether s ends outside of an open quoted
// string, i.e. a missing closing brace (not a missing closing quote) is the
// only defect.
func stringStateTerminated(s string) bool {
	inString := false
	escaped := false
	for _, r := range s {
		if inString {
			switch {
			case escaped:
				escaped = false
			case r == '\\':
				escaped = true
			case r == '"':
				inString = false
			}
			continue
		}
		if r == '"' {
			inString = true
		}
	}
	return !inString
}

// decodeCall parses one of the three recognized JSON shapes into a Call:
// {name, arguments}, {function: {name, arguments}}, {tool, args}.
func decodeCall(raw string) (Call, bool) {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return Call{}, false
	}

	if fnRaw, ok := generic["function"]; ok {
		var fn struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if err := json.Unmarshal(fnRaw, &fn); err == nil && fn.Name != "" {
			return Call{Name: fn.Name, Args: fn.Arguments}, true
		}
		return Call{}, false
	}

	if nameRaw, ok := generic["name"]; ok {
		var name string
		if err := json.Unmarshal(nameRaw, &name); err != nil || name == "" {
			return Call{}, false
		}
		args := map[string]any{}
		if argsRaw, ok := generic["arguments"]; ok {
			_ = json.Unmarshal(argsRaw, &args)
		}
		return Call{Name: name, Args: args}, true
	}

	if toolRaw, ok := generic["tool"]; ok {
		var name string
		if err := json.Unmarshal(toolRaw, &name); err != nil || name == "" {
			return Call{}, false
		}
		args := map[string]any{}
		if argsRaw, ok := generic["args"]; ok {
			_ = json.Unmarshal(argsRaw, &args)
		}
		return Call{Name: name, Args: args}, true
	}

	return Call{}, false
}
