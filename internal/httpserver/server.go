// Package httpserver exposes the OpenAI-compatible REST surface and the
// agent websocket endpoint.
package httpserver

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/downloader"
	"github.com/lumabridge/lumabridge/internal/filebed"
	"github.com/lumabridge/lumabridge/internal/ledger"
	"github.com/lumabridge/lumabridge/internal/models"
	"github.com/lumabridge/lumabridge/internal/monitor"
	"github.com/lumabridge/lumabridge/internal/openai"
	"github.com/lumabridge/lumabridge/internal/session"
	"github.com/lumabridge/lumabridge/internal/stream"
	"github.com/lumabridge/lumabridge/internal/translate"
)

// Server wires the bridge components behind the HTTP API.
type Server struct {
	cfg        *config.Config
	registry   *models.Registry
	resolver   *session.Resolver
	translator *translate.Translator

	channel     *bridge.AgentChannel
	reqRegistry *bridge.Registry
	recovery    *bridge.Recovery

	images   stream.ImageResolver
	uploader *filebed.Selector
	ledger   ledger.Store
	tracker  *monitor.Tracker

	logger *log.Logger
}

// Deps bundles the dependencies the server needs.
type Deps struct {
	Config      *config.Config
	Registry    *models.Registry
	Resolver    *session.Resolver
	Translator  *translate.Translator
	Channel     *bridge.AgentChannel
	ReqRegistry *bridge.Registry
	Recovery    *bridge.Recovery
	Images      *downloader.Resolver
	Uploader    *filebed.Selector
	Ledger      ledger.Store
	Tracker     *monitor.Tracker
	Logger      *log.Logger
}

// New constructs a Server with the required dependencies.
func New(deps Deps) *Server {
	s := &Server{
		cfg:         deps.Config,
		registry:    deps.Registry,
		resolver:    deps.Resolver,
		translator:  deps.Translator,
		channel:     deps.Channel,
		reqRegistry: deps.ReqRegistry,
		recovery:    deps.Recovery,
		uploader:    deps.Uploader,
		ledger:      deps.Ledger,
		tracker:     deps.Tracker,
		logger:      deps.Logger,
	}
	if deps.Images != nil {
		s.images = deps.Images
	}
	if s.ledger == nil {
		s.ledger = ledger.Nop{}
	}
	if s.logger == nil {
		s.logger = log.Default()
	}
	return s
}

// Router returns the configured chi router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/ws", s.handleAgentSocket)

	r.Route("/v1", func(api chi.Router) {
		api.Get("/models", s.handleModels)
		api.Post("/chat/completions", s.handleChatCompletions)
		api.Post("/images/generations", s.handleImageGenerations)
	})

	r.Route("/internal", func(api chi.Router) {
		api.Post("/start_id_capture", s.handleStartIDCapture)
		api.Post("/request_model_update", s.handleRequestModelUpdate)
		api.Post("/update_available_models", s.handleUpdateAvailableModels)
	})

	r.Route("/api", func(api chi.Router) {
		api.Get("/monitor/stats", s.handleMonitorStats)
		api.Get("/monitor/active", s.handleMonitorActive)
		api.Get("/monitor/logs/requests", s.handleRequestLogs)
		api.Get("/monitor/logs/errors", s.handleErrorLogs)
		api.Get("/usage/models", s.handleUsageByModel)
		api.Get("/usage/recent", s.handleUsageRecent)
	})

	return r
}

// authenticate enforces the optional bearer key on /v1 endpoints.
func (s *Server) authenticate(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	return strings.TrimPrefix(header, "Bearer ") == s.cfg.APIKey
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Printf("[ERROR] httpserver: encode response: %v", err)
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message, kind string) {
	s.respondJSON(w, status, openai.ErrorPayload{Error: openai.ErrorDetail{
		Message: message,
		Type:    kind,
	}})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	if !s.authenticate(r) {
		s.respondError(w, http.StatusUnauthorized, "missing or invalid API key", "auth_error")
		return
	}
	names := s.registry.Names()
	if len(names) == 0 {
		s.respondError(w, http.StatusNotFound,
			"no models configured; populate models.json or model_endpoint_map.json", "not_found")
		return
	}
	s.respondJSON(w, http.StatusOK, openai.NewModelList(names, "lumabridge"))
}
