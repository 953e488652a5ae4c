package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// Class buckets a model by the kind of output it produces upstream.
type Class string

const (
	ClassText   Class = "text"
	ClassImage  Class = "image"
	ClassSearch Class = "search"
)

// Model is one entry from models.json. The file maps a public model name
// to "target-id:class"; a literal "null" id means the request is sent
// without a target model id.
type Model struct {
	ID    string
	Class Class
}

// EndpointMapping binds a model name to an upstream session tuple. A map
// entry may be a single mapping or an ordered list consumed round-robin.
type EndpointMapping struct {
	SessionID    string `json:"session_id"`
	MessageID    string `json:"message_id"`
	Mode         string `json:"mode,omitempty"`
	BattleTarget string `json:"battle_target,omitempty"`
	Class        string `json:"type,omitempty"`
}

type endpointEntry []EndpointMapping

func (e *endpointEntry) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "[") {
		return json.Unmarshal(data, (*[]EndpointMapping)(e))
	}
	var single EndpointMapping
	if err := json.Unmarshal(data, &single); err != nil {
		return err
	}
	*e = endpointEntry{single}
	return nil
}

// Registry holds the model lookup table and the per-model endpoint map.
// Both files may be reloaded at runtime; reads take a shared lock.
type Registry struct {
	mu        sync.RWMutex
	models    map[string]Model
	endpoints map[string]endpointEntry
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		models:    map[string]Model{},
		endpoints: map[string]endpointEntry{},
	}
}

// LoadModels parses models.json. Missing files leave the table empty.
func (r *Registry) LoadModels(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	var fileMap map[string]string
	if err := json.Unmarshal(raw, &fileMap); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	parsed := make(map[string]Model, len(fileMap))
	for name, value := range fileMap {
		parsed[name] = parseModelValue(value)
	}
	r.mu.Lock()
	r.models = parsed
	r.mu.Unlock()
	return nil
}

func parseModelValue(value string) Model {
	id, class, ok := strings.Cut(value, ":")
	if !ok {
		return Model{ID: value, Class: ClassText}
	}
	if strings.EqualFold(id, "null") {
		id = ""
	}
	switch Class(class) {
	case ClassText, ClassImage, ClassSearch:
		return Model{ID: id, Class: Class(class)}
	default:
		return Model{ID: id, Class: ClassText}
	}
}

// LoadEndpointMap parses model_endpoint_map.json. An empty or missing file
// leaves the map empty.
func (r *Registry) LoadEndpointMap(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}
	if strings.TrimSpace(string(raw)) == "" {
		r.mu.Lock()
		r.endpoints = map[string]endpointEntry{}
		r.mu.Unlock()
		return nil
	}
	var parsed map[string]endpointEntry
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}
	r.mu.Lock()
	r.endpoints = parsed
	r.mu.Unlock()
	return nil
}

// Lookup returns the models.json entry for name.
func (r *Registry) Lookup(name string) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[name]
	return m, ok
}

// Mappings returns the endpoint list configured for name, if any.
func (r *Registry) Mappings(name string) []EndpointMapping {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry := r.endpoints[name]
	if len(entry) == 0 {
		return nil
	}
	out := make([]EndpointMapping, len(entry))
	copy(out, entry)
	return out
}

// ClassFor resolves the class of a model: an explicit type on its endpoint
// mapping wins, then models.json, then text.
func (r *Registry) ClassFor(name string) Class {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if entry := r.endpoints[name]; len(entry) > 0 && entry[0].Class != "" {
		return Class(entry[0].Class)
	}
	if m, ok := r.models[name]; ok {
		return m.Class
	}
	return ClassText
}

// Names returns the union of configured model names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.models)+len(r.endpoints))
	for name := range r.endpoints {
		seen[name] = struct{}{}
	}
	for name := range r.models {
		seen[name] = struct{}{}
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Empty reports whether neither file yielded any model.
func (r *Registry) Empty() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.models) == 0 && len(r.endpoints) == 0
}
