package agent

import "github.com/sagekb/sage/pkg/retriever"

// Step is one completed Thought/Action/Observation triple, or a terminal
// thought when Tool is empty.
type Step struct {
	Step            int              `json:"step"`
	Thought         string           `json:"thought"`
	Tool            string           `json:"tool,omitempty"`
	ToolInput       string           `json:"tool_input,omitempty"`
	Observation     string           `json:"observation,omitempty"`
	ObservationData []map[string]any `json:"observation_data,omitempty"`
}

// Result is what one agent run produces.
type Result struct {
	Answer          string
	Steps           []Step
	ToolsUsed       []string
	Sources         []retriever.Passage
	BudgetExhausted bool
}

// runState is the loop's working memory for a single invocation.
type runState struct {
	steps     []Step
	toolsUsed []string
	usedSet   map[string]bool
	obsCache  map[string]cachedObservation
	sources   []retriever.Passage
	guidance  string
}

type cachedObservation struct {
	text    string
	data    []map[string]any
	sources []retriever.Passage
}

func newRunState() *runState {
	return &runState{
		toolsUsed: []string{},
		usedSet:   make(map[string]bool),
		obsCache:  make(map[string]cachedObservation),
	}
}

func (s *runState) markToolUsed(name string) {
	if !s.usedSet[name] {
		s.usedSet[name] = true
		s.toolsUsed = append(s.toolsUsed, name)
	}
}

func (s *runState) lastThought() string {
	for i := len(s.steps) - 1; i >= 0; i-- {
		if s.steps[i].Thought != "" {
			return s.steps[i].Thought
		}
	}
	return ""
}
