package stream

import "github.com/lumabridge/lumabridge/internal/bridge"

// EventKind discriminates the processor's output sum.
type EventKind int

const (
	// EventContent is an assistant text delta (including spliced images).
	EventContent EventKind = iota
	// EventReasoning is a chain-of-thought delta.
	EventReasoning
	// EventReasoningEnd marks the boundary between reasoning and content.
	EventReasoningEnd
	// EventReasoningComplete carries the aggregated reasoning when delta
	// streaming of reasoning is disabled.
	EventReasoningComplete
	// EventFinish carries the upstream finish reason.
	EventFinish
	// EventRetry relays an agent retry advisory.
	EventRetry
	// EventError terminates the stream with an error.
	EventError
)

// Event is one element of the processed stream.
type Event struct {
	Kind         EventKind
	Text         string
	FinishReason string
	Retry        *bridge.RetryInfo
	Err          string
}
