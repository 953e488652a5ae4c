// Package filebed uploads base64 images to configured hosting endpoints so
// the upstream UI receives plain URLs instead of oversized data URIs.
package filebed

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/lumabridge/lumabridge/internal/config"
	"github.com/lumabridge/lumabridge/internal/downloader"
)

// recoveryWindow is how long a failing endpoint stays disabled before it is
// tried again.
const recoveryWindow = 5 * time.Minute

// ErrNoEndpoints means every configured endpoint is disabled or unset.
var ErrNoEndpoints = errors.New("no active file bed endpoints")

// Selector picks endpoints per the configured strategy and remembers which
// ones recently failed.
type Selector struct {
	cfg    *config.Config
	caches *downloader.Caches
	client *http.Client

	mu       sync.Mutex
	rrIndex  int
	disabled map[string]time.Time
}

// NewSelector builds a selector over the configured endpoints.
func NewSelector(cfg *config.Config, caches *downloader.Caches) *Selector {
	return &Selector{
		cfg:      cfg,
		caches:   caches,
		client:   &http.Client{Timeout: 60 * time.Second},
		disabled: map[string]time.Time{},
	}
}

// UploadBase64 uploads a data URI and returns the hosted URL. Identical
// content short-circuits through the upload cache; endpoints are tried in
// strategy order and disabled for a recovery window when they fail.
func (s *Selector) UploadBase64(ctx context.Context, fileName, dataURI string) (string, error) {
	hash := downloader.HashContent(dataURI)
	if url, ok := s.caches.UploadedURL(hash); ok {
		return url, nil
	}

	endpoints := s.order(s.activeEndpoints())
	if len(endpoints) == 0 {
		return "", ErrNoEndpoints
	}

	var lastErr error = ErrNoEndpoints
	for i, ep := range endpoints {
		url, err := s.uploadTo(ctx, ep, fileName, dataURI)
		if err == nil {
			s.caches.PutUploadedURL(hash, url)
			log.Printf("filebed: uploaded %s via %s", fileName, ep.Name)
			return url, nil
		}
		lastErr = err
		log.Printf("[WARN] filebed: endpoint %s failed: %v", ep.Name, err)
		s.disable(ep.Name)
		if s.cfg.FileBedSelectionStrategy == "failover" && i == 0 {
			s.advance()
		}
	}
	return "", fmt.Errorf("all file bed endpoints failed: %w", lastErr)
}

func (s *Selector) activeEndpoints() []config.FileBedEndpoint {
	s.mu.Lock()
	now := time.Now()
	for name, since := range s.disabled {
		if now.Sub(since) > recoveryWindow {
			delete(s.disabled, name)
			log.Printf("filebed: endpoint %s re-enabled", name)
		}
	}
	disabled := make(map[string]struct{}, len(s.disabled))
	for name := range s.disabled {
		disabled[name] = struct{}{}
	}
	s.mu.Unlock()

	var active []config.FileBedEndpoint
	for _, ep := range s.cfg.FileBedEndpoints {
		if !ep.Enabled {
			continue
		}
		if _, off := disabled[ep.Name]; off {
			continue
		}
		active = append(active, ep)
	}
	return active
}

// order arranges the active endpoints per the selection strategy:
// round_robin advances on every call, failover sticks with the current
// head until it fails, random shuffles.
func (s *Selector) order(active []config.FileBedEndpoint) []config.FileBedEndpoint {
	if len(active) <= 1 {
		return active
	}
	switch s.cfg.FileBedSelectionStrategy {
	case "round_robin":
		s.mu.Lock()
		start := s.rrIndex % len(active)
		s.rrIndex++
		s.mu.Unlock()
		return append(append([]config.FileBedEndpoint{}, active[start:]...), active[:start]...)
	case "failover":
		s.mu.Lock()
		start := s.rrIndex % len(active)
		s.mu.Unlock()
		return append(append([]config.FileBedEndpoint{}, active[start:]...), active[:start]...)
	default: // random
		shuffled := append([]config.FileBedEndpoint{}, active...)
		rand.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		return shuffled
	}
}

func (s *Selector) disable(name string) {
	s.mu.Lock()
	s.disabled[name] = time.Now()
	s.mu.Unlock()
}

func (s *Selector) advance() {
	s.mu.Lock()
	s.rrIndex++
	s.mu.Unlock()
}

func (s *Selector) uploadTo(ctx context.Context, ep config.FileBedEndpoint, fileName, dataURI string) (string, error) {
	if ep.URL == "" {
		return "", fmt.Errorf("endpoint %s has no url", ep.Name)
	}

	body := dataURI
	if _, after, ok := strings.Cut(dataURI, ","); ok {
		body = after
	}
	decoded, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", fmt.Errorf("decode payload: %w", err)
	}

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	fileField := ep.FormFileField
	if fileField == "" {
		fileField = "file"
	}
	part, err := writer.CreateFormFile(fileField, fileName)
	if err != nil {
		return "", err
	}
	if _, err := part.Write(decoded); err != nil {
		return "", err
	}
	for key, value := range ep.FormDataFields {
		_ = writer.WriteField(key, value)
	}
	if ep.APIKey != "" {
		keyField := ep.APIKeyField
		if keyField == "" {
			keyField = "key"
		}
		_ = writer.WriteField(keyField, ep.APIKey)
	}
	if err := writer.Close(); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, &buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode, preview(respBody))
	}

	if ep.ResponseType == "text" {
		url := strings.TrimSpace(string(respBody))
		if url == "" {
			return "", errors.New("empty text response")
		}
		return url, nil
	}

	var parsed map[string]any
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	key := ep.JSONURLKey
	if key == "" {
		key = "url"
	}
	url, ok := lookupPath(parsed, key)
	if !ok || url == "" {
		return "", fmt.Errorf("response missing %q: %s", key, preview(respBody))
	}
	return url, nil
}

// lookupPath walks a dotted key path through nested maps and arrays.
func lookupPath(data any, dotted string) (string, bool) {
	current := data
	for _, key := range strings.Split(dotted, ".") {
		switch node := current.(type) {
		case map[string]any:
			next, ok := node[key]
			if !ok {
				return "", false
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return "", false
			}
			current = node[idx]
		default:
			return "", false
		}
	}
	switch v := current.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return fmt.Sprintf("%v", v), true
	}
}

func preview(b []byte) string {
	s := string(b)
	if len(s) > 200 {
		return s[:200] + "..."
	}
	return s
}
