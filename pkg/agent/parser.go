package agent

import (
	"encoding/json"
	"regexp"
	"strings"
)

// Markers the model is instructed to emit.
const (
	markerFinal  = "Final Answer:"
	markerAction = "Action:"
	markerInput  = "Action Input:"
	markerObs    = "Observation:"
)

var actionNameRe = regexp.MustCompile(`^Action:\s*([A-Za-z0-9_]+)`)

// finalMarkerIndex reports the byte offset of the first "Final Answer:"
// marker that starts its line (ignoring leading whitespace), the same rule
// ParseCompletion applies. A mention of the marker inside a thought sentence
// does not count.
func finalMarkerIndex(s string) int {
	from := 0
	for {
		idx := strings.Index(s[from:], markerFinal)
		if idx < 0 {
			return -1
		}
		idx += from
		lineStart := strings.LastIndexByte(s[:idx], '\n') + 1
		if strings.TrimSpace(s[lineStart:idx]) == "" {
			return idx
		}
		from = idx + len(markerFinal)
	}
}

// Completion is the parsed shape of one model turn.
type Completion struct {
	Thought     string
	Tool        string
	ToolInput   string
	FinalAnswer string
	HasAction   bool
	HasFinal    bool
}

// parser states
type parseState int

const (
	readingThought parseState = iota
	readingAction
	readingInput
	parseDone
)

// ParseCompletion runs a line-oriented state machine over a model turn.
// Everything before the first marker is the thought; "Final Answer:" is
// greedy to the end of the text; "Action:" captures a tool name and then
// "Action Input:" collects until an "Observation:" line or end of input.
func ParseCompletion(text string) Completion {
	var c Completion
	var thought, input []string

	lines := strings.Split(text, "\n")
	state := readingThought

	for i := 0; i < len(lines) && state != parseDone; i++ {
		line := lines[i]
		trimmed := strings.TrimSpace(line)

		if strings.HasPrefix(trimmed, markerFinal) {
			c.HasFinal = true
			rest := strings.TrimSpace(strings.TrimPrefix(trimmed, markerFinal))
			remainder := append([]string{rest}, lines[i+1:]...)
			c.FinalAnswer = strings.TrimSpace(strings.Join(remainder, "\n"))
			state = parseDone
			break
		}

		switch state {
		case readingThought:
			if m := actionNameRe.FindStringSubmatch(trimmed); m != nil {
				c.HasAction = true
				c.Tool = m[1]
				state = readingAction
				continue
			}
			// The prompt ends with "Thought:", but models often repeat
			// the label anyway.
			if strings.HasPrefix(trimmed, "Thought:") {
				line = strings.TrimSpace(strings.TrimPrefix(trimmed, "Thought:"))
			}
			thought = append(thought, line)

		case readingAction:
			if strings.HasPrefix(trimmed, markerInput) {
				rest := strings.TrimPrefix(trimmed, markerInput)
				input = append(input, strings.TrimSpace(rest))
				state = readingInput
			}
			// Stray lines between Action and Action Input are dropped.

		case readingInput:
			if strings.HasPrefix(trimmed, markerObs) {
				state = parseDone
				continue
			}
			input = append(input, line)
		}
	}

	c.Thought = strings.TrimSpace(strings.Join(thought, "\n"))
	c.ToolInput = normalizeToolInput(strings.TrimSpace(strings.Join(input, "\n")))
	return c
}

// normalizeToolInput unwraps a JSON-quoted string if the model serialised its
// input that way; anything else passes through untouched.
func normalizeToolInput(input string) string {
	if strings.HasPrefix(input, `"`) && strings.HasSuffix(input, `"`) {
		var s string
		if err := json.Unmarshal([]byte(input), &s); err == nil {
			return s
		}
	}
	return input
}
