package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/openai"
	"github.com/lumabridge/lumabridge/internal/stream"
)

var (
	// markdownBase64Pattern finds inline data-URI images in message text.
	markdownBase64Pattern = regexp.MustCompile(`!\[([^\]]*)\]\((data:[^)]+)\)`)
	// markdownImageURLPattern extracts image references from generated content.
	markdownImageURLPattern = regexp.MustCompile(`!\[[^\]]*\]\(([^)]+)\)`)
)

// sseEmitter projects processor events onto the OpenAI SSE wire format.
// Client disconnects flip clientGone; the stream keeps draining but no
// further chunks are written.
type sseEmitter struct {
	server       *Server
	w            http.ResponseWriter
	flusher      http.Flusher
	clientCtx    context.Context
	completionID string
	model        string

	content    strings.Builder
	reasoning  strings.Builder
	reason     string
	sawError   bool
	errMsg     string
	terminal   bool
	clientGone bool
	roleSent   bool
}

func (e *sseEmitter) handle(ev stream.Event) error {
	cfg := e.server.cfg
	switch ev.Kind {
	case stream.EventRetry:
		if cfg.EmptyResponseRetry.ShowRetryInfoToClient || cfg.ShowRetryInfoToClient {
			note := fmt.Sprintf("\n[retry] attempt %d/%d (%s), waiting %.1fs...\n",
				ev.Retry.Attempt, ev.Retry.MaxAttempts, ev.Retry.Reason, float64(ev.Retry.DelayMs)/1000)
			e.writeChunk(openai.ContentChunk(e.completionID, e.model, note))
		}

	case stream.EventReasoning:
		e.reasoning.WriteString(ev.Text)
		if cfg.ReasoningOutputMode == config.ReasoningModeOpenAI {
			e.writeChunk(e.withRole(openai.ReasoningChunk(e.completionID, e.model, ev.Text)))
		}

	case stream.EventReasoningEnd:
		if cfg.ReasoningOutputMode == config.ReasoningModeThinkTag && e.reasoning.Len() > 0 {
			block := fmt.Sprintf("<think>%s</think>\n\n", e.reasoning.String())
			e.writeChunk(e.withRole(openai.ContentChunk(e.completionID, e.model, block)))
		}

	case stream.EventReasoningComplete:
		e.reasoning.WriteString(ev.Text)
		switch cfg.ReasoningOutputMode {
		case config.ReasoningModeOpenAI:
			e.writeChunk(e.withRole(openai.ReasoningChunk(e.completionID, e.model, ev.Text)))
		case config.ReasoningModeThinkTag:
			block := fmt.Sprintf("<think>%s</think>\n\n", ev.Text)
			e.writeChunk(e.withRole(openai.ContentChunk(e.completionID, e.model, block)))
		}

	case stream.EventContent:
		e.content.WriteString(ev.Text)
		e.writeChunk(e.withRole(openai.ContentChunk(e.completionID, e.model, ev.Text)))

	case stream.EventFinish:
		e.reason = ev.FinishReason

	case stream.EventError:
		e.sawError = true
		e.errMsg = ev.Err
		if e.finishReason() == "content_filter" {
			e.writeChunk(openai.FinishChunk(e.completionID, e.model, "content_filter"))
		}
		e.writeErrorChunk(ev.Err)
		e.writeRaw("data: [DONE]\n\n")
		e.terminal = true
	}
	return nil
}

func (e *sseEmitter) finishReason() string {
	return normalizeFinishReason(e.reason)
}

// withRole stamps the assistant role on the first chunk of the stream.
func (e *sseEmitter) withRole(chunk openai.ChatCompletionChunk) openai.ChatCompletionChunk {
	if !e.roleSent {
		chunk.Choices[0].Delta.Role = "assistant"
		e.roleSent = true
	}
	return chunk
}

func (e *sseEmitter) writeChunk(chunk openai.ChatCompletionChunk) {
	raw, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	e.writeRaw("data: " + string(raw) + "\n\n")
}

func (e *sseEmitter) writeErrorChunk(message string) {
	raw, err := json.Marshal(openai.ErrorPayload{Error: openai.ErrorDetail{
		Message: message,
		Type:    "api_error",
	}})
	if err != nil {
		return
	}
	e.writeRaw("data: " + string(raw) + "\n\n")
}

func (e *sseEmitter) writeRaw(payload string) {
	if e.clientGone {
		return
	}
	if e.clientCtx.Err() != nil {
		e.clientGone = true
		return
	}
	if _, err := io.WriteString(e.w, payload); err != nil {
		e.clientGone = true
		return
	}
	if e.flusher != nil {
		e.flusher.Flush()
	}
}

// aggregator collects processor events for the non-streaming response.
type aggregator struct {
	content   strings.Builder
	reasoning strings.Builder
	reason    string
	errMsg    string
}

func (a *aggregator) handle(ev stream.Event) error {
	switch ev.Kind {
	case stream.EventReasoning, stream.EventReasoningComplete:
		a.reasoning.WriteString(ev.Text)
	case stream.EventContent:
		a.content.WriteString(ev.Text)
	case stream.EventFinish:
		a.reason = ev.FinishReason
	case stream.EventError:
		a.errMsg = ev.Err
	}
	return nil
}

func (a *aggregator) finishReason() string {
	return normalizeFinishReason(a.reason)
}
