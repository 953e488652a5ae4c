package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/models"
	"github.com/lumabridge/lumabridge/internal/openai"
	"github.com/lumabridge/lumabridge/internal/stream"
)

// handleImageGenerations routes the images API through the chat path and
// collects the generated markdown references. The class comes from the
// model's registry entry; the request is not forced to the image class.
func (s *Server) handleImageGenerations(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		s.respondError(w, http.StatusUnauthorized, "missing or invalid API key", "auth_error")
		return
	}
	var req openai.ImageGenerationRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		s.respondError(w, http.StatusBadRequest, "invalid JSON request body", "invalid_request_error")
		return
	}
	if req.Prompt == "" {
		s.respondError(w, http.StatusBadRequest, "prompt is required", "invalid_request_error")
		return
	}

	chatReq := openai.ChatCompletionRequest{
		Model: req.Model,
		Messages: []openai.ChatMessage{
			{Role: "user", Content: openai.MessageContent{Text: req.Prompt}},
		},
	}

	requestID, err := s.ensureDispatched(r.Context(), chatReq)
	if err != nil {
		s.respondDispatchError(w, err)
		return
	}
	frames, ok := s.reqRegistry.Channel(requestID)
	if !ok {
		s.respondError(w, http.StatusInternalServerError, "response channel missing", "internal_server_error")
		return
	}

	agg := &aggregator{}
	proc := stream.NewProcessor(s.processorConfig(), s.images, s.channel)
	runErr := proc.Run(context.WithoutCancel(r.Context()), requestID, frames, agg.handle)

	content := agg.content.String()
	if agg.errMsg != "" || runErr != nil {
		msg := agg.errMsg
		if msg == "" {
			msg = runErr.Error()
		}
		status := http.StatusInternalServerError
		if errors.Is(runErr, bridge.ErrChannelTimeout) {
			status = http.StatusGatewayTimeout
		}
		s.finishRequest(chatReq, requestID, false, msg, content, time.Now())
		s.respondError(w, status, msg, "api_error")
		return
	}
	s.finishRequest(chatReq, requestID, true, "", content, time.Now())

	var data []openai.ImageDatum
	for _, m := range markdownImageURLPattern.FindAllStringSubmatch(content, -1) {
		data = append(data, openai.ImageDatum{URL: m[1]})
	}
	if len(data) == 0 {
		s.respondError(w, http.StatusBadGateway, "upstream returned no image", "api_error")
		return
	}
	s.respondJSON(w, http.StatusOK, openai.ImageGenerationResponse{
		Created: time.Now().Unix(),
		Data:    data,
	})
}

// handleStartIDCapture tells the agent to start intercepting session ids.
func (s *Server) handleStartIDCapture(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.SendCommand(bridge.CommandActivateIDCapture); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "agent client not connected", "service_unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "ID capture mode activated."})
}

// handleRequestModelUpdate asks the agent for the current page source.
func (s *Server) handleRequestModelUpdate(w http.ResponseWriter, r *http.Request) {
	if err := s.channel.SendCommand(bridge.CommandSendPageSource); err != nil {
		s.respondError(w, http.StatusServiceUnavailable, "agent client not connected", "service_unavailable")
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Request to send page source sent."})
}

// handleUpdateAvailableModels extracts model objects from posted page HTML.
func (s *Server) handleUpdateAvailableModels(w http.ResponseWriter, r *http.Request) {
	html, err := io.ReadAll(r.Body)
	if err != nil || len(html) == 0 {
		s.respondError(w, http.StatusBadRequest, "no HTML content received", "invalid_request_error")
		return
	}
	extracted := models.ExtractFromHTML(string(html))
	if len(extracted) == 0 {
		s.respondError(w, http.StatusBadRequest, "could not extract model data from HTML", "invalid_request_error")
		return
	}
	if err := models.SaveAvailable(extracted, "available_models.json"); err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error(), "internal_server_error")
		return
	}
	s.logger.Printf("models: extracted %d models from page source", len(extracted))
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "success", "message": "Available models file updated."})
}

func (s *Server) handleMonitorStats(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.tracker.Snapshot(s.channel.Connected()))
}

func (s *Server) handleMonitorActive(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.tracker.Active())
}

func (s *Server) handleRequestLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tracker.RecentRequests(queryLimit(r, 50))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error(), "internal_server_error")
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleErrorLogs(w http.ResponseWriter, r *http.Request) {
	entries, err := s.tracker.RecentErrors(queryLimit(r, 30))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error(), "internal_server_error")
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func (s *Server) handleUsageByModel(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.ledger.SummaryByModel(r.Context())
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error(), "internal_server_error")
		return
	}
	s.respondJSON(w, http.StatusOK, summaries)
}

func (s *Server) handleUsageRecent(w http.ResponseWriter, r *http.Request) {
	entries, err := s.ledger.ListRecent(r.Context(), queryLimit(r, 50))
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err.Error(), "internal_server_error")
		return
	}
	s.respondJSON(w, http.StatusOK, entries)
}

func queryLimit(r *http.Request, fallback int) int {
	if v := r.URL.Query().Get("limit"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func decodeJSON(body io.Reader, v any) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
