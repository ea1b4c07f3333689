package agent

// EventType enumerates everything an agent stream can emit.
type EventType string

const (
	EventConversationID   EventType = "conversation_id"
	EventContent          EventType = "content"
	EventSources          EventType = "sources"
	EventStart            EventType = "start"
	EventIteration        EventType = "iteration"
	EventThinkingStart    EventType = "thinking_start"
	EventThinkingEnd      EventType = "thinking_end"
	EventAction           EventType = "action"
	EventObservation      EventType = "observation"
	EventReflecting       EventType = "reflecting"
	EventReflectionResult EventType = "reflection_result"
	EventAnswerStart      EventType = "answer_start"
	EventAnswerToken      EventType = "answer_token"
	EventMeta             EventType = "meta"
	EventDone             EventType = "done"
	EventError            EventType = "error"
)

// Event is one frame of the agent trace. Step is the iteration number where
// that is meaningful, zero otherwise.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data,omitempty"`
	Step int       `json:"step,omitempty"`
}

// Emitter receives events in order. Implementations must not block
// indefinitely; the stream layer backs them with a bounded channel.
type Emitter func(Event)
