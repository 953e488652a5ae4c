// Package session selects the upstream session tuple for each request,
// spreading load across per-model endpoint lists round-robin.
package session

import (
	"fmt"
	"log"
	"strings"
	"sync"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/models"
)

// Tuple is the handle the upstream UI requires to retry a chat turn. Mode
// and BattleTarget are empty unless the endpoint mapping overrides them.
type Tuple struct {
	SessionID    string
	MessageID    string
	Mode         string
	BattleTarget string
}

// Resolver owns the per-model round-robin cursors. Cursor state is
// per-process and resets on restart.
type Resolver struct {
	cfg      *config.Config
	registry *models.Registry

	mu      sync.Mutex
	cursors map[string]int
}

// NewResolver builds a resolver over the given registry and defaults.
func NewResolver(cfg *config.Config, registry *models.Registry) *Resolver {
	return &Resolver{
		cfg:      cfg,
		registry: registry,
		cursors:  map[string]int{},
	}
}

// Resolve picks the session tuple for model. Models with an endpoint list
// rotate through it; a single mapping is used as-is; otherwise the global
// default tuple applies when fallback is enabled.
func (r *Resolver) Resolve(model string) (Tuple, error) {
	if mappings := r.registry.Mappings(model); len(mappings) > 0 {
		selected, index := r.nextMapping(model, mappings)
		if len(mappings) > 1 {
			log.Printf("session: model=%s picked mapping %d/%d session=...%s",
				model, index+1, len(mappings), tail(selected.SessionID))
		}
		t := Tuple{
			SessionID:    selected.SessionID,
			MessageID:    selected.MessageID,
			Mode:         selected.Mode,
			BattleTarget: selected.BattleTarget,
		}
		return t, t.validate()
	}

	if !r.cfg.UseDefaultIDsIfMappingNotFound {
		return Tuple{}, fmt.Errorf("model %q has no endpoint mapping and fallback is disabled: %w",
			model, bridge.ErrInvalidSession)
	}
	t := Tuple{SessionID: r.cfg.SessionID, MessageID: r.cfg.MessageID}
	return t, t.validate()
}

// nextMapping advances the cursor exactly once per selection under the lock.
func (r *Resolver) nextMapping(model string, mappings []models.EndpointMapping) (models.EndpointMapping, int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	index := r.cursors[model] % len(mappings)
	r.cursors[model] = (index + 1) % len(mappings)
	return mappings[index], index
}

func (t Tuple) validate() error {
	if t.SessionID == "" || t.MessageID == "" ||
		strings.Contains(t.SessionID, "YOUR_") || strings.Contains(t.MessageID, "YOUR_") {
		return bridge.ErrInvalidSession
	}
	return nil
}

func tail(s string) string {
	if len(s) <= 6 {
		return s
	}
	return s[len(s)-6:]
}
