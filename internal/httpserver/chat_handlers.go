package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/ledger"
	"github.com/lumabridge/lumabridge/internal/monitor"
	"github.com/lumabridge/lumabridge/internal/openai"
	"github.com/lumabridge/lumabridge/internal/stream"
	"github.com/lumabridge/lumabridge/internal/translate"
)

const chatEndpoint = "/v1/chat/completions"

func (s *Server) handleChatCompletions(w http.ResponseWriter, r *http.Request) {
	reqStart := time.Now()
	if !s.authenticate(r) {
		s.respondError(w, http.StatusUnauthorized,
			"missing or invalid API key; send 'Authorization: Bearer <key>'", "auth_error")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, "unable to read request body", "invalid_request_error")
		return
	}
	var req openai.ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body", "invalid_request_error")
		return
	}

	requestID, err := s.ensureDispatched(r.Context(), req)
	if err != nil {
		s.respondDispatchError(w, err)
		return
	}

	if req.Stream {
		s.streamResponse(w, r, req, requestID, reqStart)
		return
	}
	s.aggregateResponse(w, r, req, requestID, reqStart)
}

// ensureDispatched sends the request to the agent, parking it for the
// recovery engine when no peer is connected and auto retry allows it.
func (s *Server) ensureDispatched(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	if !s.channel.Connected() {
		if !s.cfg.EnableAutoRetry {
			return "", bridge.ErrNoPeer
		}
		s.logger.Printf("chat.completions: no agent connected, parking request (model=%s)", req.Model)
		return s.recovery.Park(ctx, req)
	}
	id, err := s.Dispatch(req)
	if errors.Is(err, bridge.ErrNoPeer) && s.cfg.EnableAutoRetry {
		return s.recovery.Park(ctx, req)
	}
	return id, err
}

// Dispatch resolves the session, translates the request, registers the
// response channel, and sends the task frame. It is also the recovery
// engine's dispatcher for parked requests.
func (s *Server) Dispatch(req openai.ChatCompletionRequest) (string, error) {
	tuple, err := s.resolver.Resolve(req.Model)
	if err != nil {
		return "", err
	}

	if s.cfg.FileBedEnabled && s.uploader != nil {
		if err := s.uploadInlineImages(&req); err != nil {
			return "", fmt.Errorf("attachment preprocessing failed: %w", err)
		}
	}

	payload := s.translator.Build(req, tuple)
	requestID := uuid.NewString()
	frame, err := json.Marshal(translate.TaskMessage{RequestID: requestID, Payload: payload})
	if err != nil {
		return "", fmt.Errorf("encode task frame: %w", err)
	}

	s.reqRegistry.Open(&bridge.Meta{
		RequestID: requestID,
		Model:     req.Model,
		Stream:    req.Stream,
		CreatedAt: time.Now(),
		TaskFrame: frame,
	})
	s.tracker.RequestStart(monitor.RequestInfo{
		RequestID: requestID,
		Model:     req.Model,
		Mode:      s.modeFor(tuple.Mode),
		Streaming: req.Stream,
	})

	if err := s.channel.Send(frame); err != nil {
		s.reqRegistry.Close(requestID)
		s.tracker.Forget(requestID)
		return "", err
	}
	s.logger.Printf("chat.completions: dispatched id=%s model=%s stream=%t", shortID(requestID), req.Model, req.Stream)
	return requestID, nil
}

func (s *Server) modeFor(override string) string {
	if override != "" {
		return override
	}
	return s.cfg.IDUpdaterLastMode
}

// uploadInlineImages replaces base64 data URIs with file-bed URLs before
// the payload is built, so the upstream receives plain links.
func (s *Server) uploadInlineImages(req *openai.ChatCompletionRequest) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	for i := range req.Messages {
		msg := &req.Messages[i]
		if msg.Content.IsList() {
			for j := range msg.Content.Parts {
				part := &msg.Content.Parts[j]
				if part.Type != "image_url" || part.ImageURL == nil {
					continue
				}
				if !strings.HasPrefix(part.ImageURL.URL, "data:") {
					continue
				}
				name := fmt.Sprintf("%s_list_%d_%d_%s.png", msg.Role, i, j, uuid.NewString())
				hosted, err := s.uploader.UploadBase64(ctx, name, part.ImageURL.URL)
				if err != nil {
					return err
				}
				part.ImageURL.URL = hosted
			}
			continue
		}

		content := msg.Content.Text
		matches := markdownBase64Pattern.FindAllStringSubmatch(content, -1)
		for j, m := range matches {
			name := fmt.Sprintf("%s_string_%d_%d_%s.png", msg.Role, i, j, uuid.NewString())
			hosted, err := s.uploader.UploadBase64(ctx, name, m[2])
			if err != nil {
				return err
			}
			content = strings.Replace(content,
				fmt.Sprintf("![%s](%s)", m[1], m[2]),
				fmt.Sprintf("![%s](%s)", m[1], hosted), 1)
		}
		msg.Content.Text = content
	}
	return nil
}

func (s *Server) respondDispatchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bridge.ErrInvalidSession):
		s.respondError(w, http.StatusBadRequest,
			"the resolved session or message id is invalid; update the endpoint map or default ids", "invalid_request_error")
	case errors.Is(err, bridge.ErrNoPeer):
		s.respondError(w, http.StatusServiceUnavailable,
			"agent client is not connected; open the upstream page with the userscript active", "service_unavailable")
	case errors.Is(err, bridge.ErrRecoveryTimeout):
		s.respondError(w, http.StatusGatewayTimeout,
			fmt.Sprintf("agent connection did not recover within %d seconds", s.cfg.RetryTimeoutSeconds), "gateway_timeout")
	case errors.Is(err, bridge.ErrQueueFull):
		s.respondError(w, http.StatusServiceUnavailable, "retry queue is saturated", "service_unavailable")
	default:
		s.respondError(w, http.StatusInternalServerError, err.Error(), "internal_server_error")
	}
}

func (s *Server) processorConfig() stream.Config {
	return stream.Config{
		ReadTimeout:      s.cfg.StreamTimeout(),
		ReasoningEnabled: s.cfg.EnableReasoning,
		StreamReasoning:  s.cfg.PreserveStreaming,
	}
}

// streamResponse drives the stream processor and writes OpenAI SSE chunks.
// A client disconnect stops the writes but lets the upstream request drain.
func (s *Server) streamResponse(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, requestID string, reqStart time.Time) {
	frames, ok := s.reqRegistry.Channel(requestID)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "response channel missing", "internal_server_error")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	flusher, _ := w.(http.Flusher)

	em := &sseEmitter{
		server:       s,
		w:            w,
		flusher:      flusher,
		clientCtx:    r.Context(),
		completionID: "chatcmpl-" + uuid.NewString(),
		model:        req.Model,
	}

	proc := stream.NewProcessor(s.processorConfig(), s.images, s.channel)
	runErr := proc.Run(context.WithoutCancel(r.Context()), requestID, frames, em.handle)

	if runErr == nil && !em.terminal {
		em.writeChunk(openai.FinishChunk(em.completionID, em.model, em.finishReason()))
		em.writeRaw("data: [DONE]\n\n")
	}

	success := !em.sawError && runErr == nil
	s.finishRequest(req, requestID, success, em.errMsg, em.content.String(), reqStart)
}

// aggregateResponse drains the stream and returns one JSON completion.
func (s *Server) aggregateResponse(w http.ResponseWriter, r *http.Request, req openai.ChatCompletionRequest, requestID string, reqStart time.Time) {
	frames, ok := s.reqRegistry.Channel(requestID)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "response channel missing", "internal_server_error")
		return
	}

	agg := &aggregator{}
	proc := stream.NewProcessor(s.processorConfig(), s.images, s.channel)
	runErr := proc.Run(context.WithoutCancel(r.Context()), requestID, frames, agg.handle)

	content := agg.content.String()
	reasoning := agg.reasoning.String()

	if agg.errMsg != "" || runErr != nil {
		msg := agg.errMsg
		if msg == "" {
			msg = runErr.Error()
		}
		status := http.StatusInternalServerError
		if errors.Is(runErr, bridge.ErrChannelTimeout) {
			status = http.StatusGatewayTimeout
		}
		s.finishRequest(req, requestID, false, msg, content, reqStart)
		s.respondError(w, status, msg, "api_error")
		return
	}

	message := openai.AssistantMessage{Role: "assistant", Content: content}
	if s.cfg.EnableReasoning && reasoning != "" {
		switch s.cfg.ReasoningOutputMode {
		case config.ReasoningModeOpenAI:
			message.ReasoningContent = reasoning
		case config.ReasoningModeThinkTag:
			message.Content = fmt.Sprintf("<think>%s</think>\n\n%s", reasoning, content)
		}
	}
	resp := openai.NewCompletionResponse("chatcmpl-"+uuid.NewString(), req.Model, message, agg.finishReason())
	resp.Usage.PromptTokens = openai.EstimateTokens(req.Messages)
	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens

	s.finishRequest(req, requestID, true, "", content, reqStart)
	s.respondJSON(w, http.StatusOK, resp)
}

// finishRequest closes the channel and metadata together and records the
// outcome in the tracker and the usage ledger.
func (s *Server) finishRequest(req openai.ChatCompletionRequest, requestID string, success bool, errMsg, content string, reqStart time.Time) {
	s.reqRegistry.Close(requestID)

	promptTokens := int64(openai.EstimateTokens(req.Messages))
	completionTokens := int64(len(content) / 4)
	s.tracker.RequestEnd(requestID, success, errMsg, promptTokens, completionTokens)
	_ = s.ledger.Record(context.Background(), ledger.Entry{
		RequestID:        requestID,
		Model:            req.Model,
		Endpoint:         chatEndpoint,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Success:          success,
		ErrorMessage:     errMsg,
	})
	s.logger.Printf("chat.completions: done id=%s success=%t total_ms=%d model=%s",
		shortID(requestID), success, time.Since(reqStart).Milliseconds(), req.Model)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func normalizeFinishReason(reason string) string {
	switch reason {
	case "", "stop":
		return "stop"
	case "content-filter", "content_filter":
		return "content_filter"
	case "length", "max-tokens", "max_tokens":
		return "length"
	default:
		return reason
	}
}
