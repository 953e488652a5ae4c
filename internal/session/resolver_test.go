package session

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/lumabridge/lumabridge/internal/bridge"
	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/models"
)

func registryWithEndpointMap(t *testing.T, raw string) *models.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "model_endpoint_map.json")
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatalf("write endpoint map: %v", err)
	}
	r := models.NewRegistry()
	if err := r.LoadEndpointMap(path); err != nil {
		t.Fatalf("LoadEndpointMap: %v", err)
	}
	return r
}

func TestRoundRobinFairness(t *testing.T) {
	registry := registryWithEndpointMap(t, `{
		"m-rr": [
			{"session_id": "s0", "message_id": "m0"},
			{"session_id": "s1", "message_id": "m1"},
			{"session_id": "s2", "message_id": "m2"}
		]
	}`)
	cfg := config.Default()
	resolver := NewResolver(&cfg, registry)

	want := []string{"s0", "s1", "s2", "s0", "s1", "s2"}
	for i, expected := range want {
		tuple, err := resolver.Resolve("m-rr")
		if err != nil {
			t.Fatalf("Resolve %d: %v", i, err)
		}
		if tuple.SessionID != expected {
			t.Fatalf("selection %d: expected %s, got %s", i, expected, tuple.SessionID)
		}
	}
}

func TestRoundRobinConcurrentSelectionsAreDistinct(t *testing.T) {
	registry := registryWithEndpointMap(t, `{
		"m-rr": [
			{"session_id": "s0", "message_id": "m0"},
			{"session_id": "s1", "message_id": "m1"},
			{"session_id": "s2", "message_id": "m2"}
		]
	}`)
	cfg := config.Default()
	resolver := NewResolver(&cfg, registry)

	const n = 30
	counts := make(map[string]int)
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tuple, err := resolver.Resolve("m-rr")
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			mu.Lock()
			counts[tuple.SessionID]++
			mu.Unlock()
		}()
	}
	wg.Wait()

	// 30 selections over 3 entries must land exactly 10 on each.
	for _, id := range []string{"s0", "s1", "s2"} {
		if counts[id] != n/3 {
			t.Fatalf("cursor advanced unevenly: %v", counts)
		}
	}
}

func TestSingleMappingUsedAsIs(t *testing.T) {
	registry := registryWithEndpointMap(t, `{
		"m-single": {"session_id": "sx", "message_id": "mx", "mode": "battle", "battle_target": "B"}
	}`)
	cfg := config.Default()
	resolver := NewResolver(&cfg, registry)

	tuple, err := resolver.Resolve("m-single")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tuple.SessionID != "sx" || tuple.Mode != "battle" || tuple.BattleTarget != "B" {
		t.Fatalf("unexpected tuple: %+v", tuple)
	}
}

func TestGlobalFallback(t *testing.T) {
	cfg := config.Default()
	cfg.SessionID = "global-session"
	cfg.MessageID = "global-message"
	resolver := NewResolver(&cfg, models.NewRegistry())

	tuple, err := resolver.Resolve("unmapped")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if tuple.SessionID != "global-session" || tuple.Mode != "" {
		t.Fatalf("unexpected tuple: %+v", tuple)
	}
}

func TestFallbackDisabled(t *testing.T) {
	cfg := config.Default()
	cfg.SessionID = "global-session"
	cfg.MessageID = "global-message"
	cfg.UseDefaultIDsIfMappingNotFound = false
	resolver := NewResolver(&cfg, models.NewRegistry())

	if _, err := resolver.Resolve("unmapped"); !errors.Is(err, bridge.ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
}

func TestPlaceholderIDsRejected(t *testing.T) {
	cfg := config.Default()
	cfg.SessionID = "YOUR_SESSION_ID"
	cfg.MessageID = "YOUR_MESSAGE_ID"
	resolver := NewResolver(&cfg, models.NewRegistry())

	if _, err := resolver.Resolve("any"); !errors.Is(err, bridge.ErrInvalidSession) {
		t.Fatalf("expected invalid session, got %v", err)
	}
}
