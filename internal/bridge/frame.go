package bridge

import (
	"encoding/json"
	"fmt"
	"strings"
)

// doneSentinel terminates a request's frame stream.
const doneSentinel = "[DONE]"

// FrameKind discriminates the inbound frame sum.
type FrameKind int

const (
	// FrameText carries a raw fragment of the upstream record stream.
	FrameText FrameKind = iota
	// FrameRetry is an advisory from the agent's empty-response retry loop.
	FrameRetry
	// FrameError carries an error descriptor from the agent.
	FrameError
	// FrameDone is the terminal sentinel.
	FrameDone
)

// RetryInfo describes one attempt of the agent's empty-response retry loop.
type RetryInfo struct {
	Attempt     int    `json:"attempt"`
	MaxAttempts int    `json:"max_attempts"`
	Reason      string `json:"reason,omitempty"`
	DelayMs     int    `json:"delay,omitempty"`
}

// Frame is one element of a request's response channel.
type Frame struct {
	Kind       FrameKind
	Text       string
	Retry      *RetryInfo
	ErrMessage string
	Final      bool
}

// TextFrame builds a raw-fragment frame.
func TextFrame(text string) Frame { return Frame{Kind: FrameText, Text: text} }

// ErrorFrame builds an error-descriptor frame.
func ErrorFrame(msg string) Frame { return Frame{Kind: FrameError, ErrMessage: msg, Final: true} }

// DoneFrame builds the terminal sentinel frame.
func DoneFrame() Frame { return Frame{Kind: FrameDone} }

// inboundMessage is the agent→server envelope.
type inboundMessage struct {
	RequestID string          `json:"request_id"`
	Data      json.RawMessage `json:"data"`
}

// dataObject covers the structured shapes the agent may send in place of a
// raw fragment.
type dataObject struct {
	RetryInfo  *RetryInfo      `json:"retry_info,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	FinalError bool            `json:"final_error,omitempty"`
}

// DecodeData turns the agent's `data` value into a Frame. Strings are raw
// fragments (or the terminal sentinel), arrays of strings are concatenated
// fragments, and objects carry retry advisories or error descriptors.
func DecodeData(raw json.RawMessage) (Frame, error) {
	trimmed := strings.TrimSpace(string(raw))
	switch {
	case strings.HasPrefix(trimmed, `"`):
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Frame{}, fmt.Errorf("decode data string: %w", err)
		}
		if s == doneSentinel {
			return DoneFrame(), nil
		}
		return TextFrame(s), nil

	case strings.HasPrefix(trimmed, "["):
		var parts []string
		if err := json.Unmarshal(raw, &parts); err != nil {
			return Frame{}, fmt.Errorf("decode data list: %w", err)
		}
		return TextFrame(strings.Join(parts, "")), nil

	case strings.HasPrefix(trimmed, "{"):
		var obj dataObject
		if err := json.Unmarshal(raw, &obj); err != nil {
			return Frame{}, fmt.Errorf("decode data object: %w", err)
		}
		if obj.RetryInfo != nil {
			return Frame{Kind: FrameRetry, Retry: obj.RetryInfo}, nil
		}
		if len(obj.Error) > 0 {
			var msg string
			if err := json.Unmarshal(obj.Error, &msg); err != nil {
				// Error descriptors may themselves be objects; keep them verbatim.
				msg = string(obj.Error)
			}
			return Frame{Kind: FrameError, ErrMessage: msg, Final: obj.FinalError}, nil
		}
		return Frame{}, fmt.Errorf("unrecognized data object %s", previewJSON(raw))

	default:
		return Frame{}, fmt.Errorf("unrecognized data payload %s", previewJSON(raw))
	}
}

func previewJSON(raw json.RawMessage) string {
	s := string(raw)
	if len(s) > 120 {
		s = s[:120] + "..."
	}
	return s
}
