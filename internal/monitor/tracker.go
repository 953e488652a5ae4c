// Package monitor tracks request lifecycles, keeps rolling statistics, and
// runs the periodic maintenance jobs.
package monitor

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/lumabridge/lumabridge/internal/logging"
)

// RequestInfo describes one in-flight request.
type RequestInfo struct {
	RequestID string    `json:"request_id"`
	Model     string    `json:"model"`
	Mode      string    `json:"mode"`
	Streaming bool      `json:"streaming"`
	StartedAt time.Time `json:"started_at"`
}

// ModelStats aggregates per-model outcomes.
type ModelStats struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	Failures         int64  `json:"failures"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Summary is the rolling stats snapshot.
type Summary struct {
	TotalRequests  int64        `json:"total_requests"`
	Successes      int64        `json:"successes"`
	Failures       int64        `json:"failures"`
	ActiveRequests int          `json:"active_requests"`
	AgentConnected bool         `json:"agent_connected"`
	Models         []ModelStats `json:"models"`
	StartedAt      time.Time    `json:"started_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Tracker records request starts and ends, mirrors them into the JSONL
// logs, and persists a rolling snapshot.
type Tracker struct {
	mu        sync.Mutex
	active    map[string]RequestInfo
	total     int64
	successes int64
	failures  int64
	perModel  map[string]*ModelStats
	startedAt time.Time

	requestLog *logging.JSONLWriter
	errorLog   *logging.JSONLWriter
	statsPath  string
}

// NewTracker builds a tracker writing JSONL logs under logDir and the stats
// snapshot at statsPath. Previously persisted totals are resumed.
func NewTracker(logDir, statsPath string) (*Tracker, error) {
	requestLog, err := logging.NewJSONLWriter(filepath.Join(logDir, "requests.jsonl"))
	if err != nil {
		return nil, err
	}
	errorLog, err := logging.NewJSONLWriter(filepath.Join(logDir, "errors.jsonl"))
	if err != nil {
		return nil, err
	}
	t := &Tracker{
		active:     map[string]RequestInfo{},
		perModel:   map[string]*ModelStats{},
		startedAt:  time.Now(),
		requestLog: requestLog,
		errorLog:   errorLog,
		statsPath:  statsPath,
	}
	t.loadPersisted()
	return t, nil
}

// RequestStart registers an in-flight request.
func (t *Tracker) RequestStart(info RequestInfo) {
	if info.StartedAt.IsZero() {
		info.StartedAt = time.Now()
	}
	t.mu.Lock()
	t.active[info.RequestID] = info
	t.total++
	stats := t.modelStats(info.Model)
	stats.Requests++
	t.mu.Unlock()
}

// RequestEnd finalizes a request and writes the JSONL record.
func (t *Tracker) RequestEnd(requestID string, success bool, errMsg string, promptTokens, completionTokens int64) {
	t.mu.Lock()
	info, known := t.active[requestID]
	delete(t.active, requestID)
	if success {
		t.successes++
	} else {
		t.failures++
	}
	if known {
		stats := t.modelStats(info.Model)
		if !success {
			stats.Failures++
		}
		stats.PromptTokens += promptTokens
		stats.CompletionTokens += completionTokens
	}
	t.mu.Unlock()

	record := map[string]any{
		"request_id":        requestID,
		"model":             info.Model,
		"success":           success,
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
		"timestamp":         time.Now().Format(time.RFC3339),
	}
	if known {
		record["duration_ms"] = time.Since(info.StartedAt).Milliseconds()
	}
	if err := t.requestLog.Append(record); err != nil {
		log.Printf("[ERROR] monitor: request log append: %v", err)
	}
	if !success && errMsg != "" {
		record["error"] = errMsg
		if err := t.errorLog.Append(record); err != nil {
			log.Printf("[ERROR] monitor: error log append: %v", err)
		}
	}
}

// Forget drops an active entry without recording an outcome (used by the
// metadata sweeper).
func (t *Tracker) Forget(requestID string) {
	t.mu.Lock()
	delete(t.active, requestID)
	t.mu.Unlock()
}

// Active lists in-flight requests, oldest first.
func (t *Tracker) Active() []RequestInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]RequestInfo, 0, len(t.active))
	for _, info := range t.active {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Snapshot returns the rolling summary.
func (t *Tracker) Snapshot(agentConnected bool) Summary {
	t.mu.Lock()
	defer t.mu.Unlock()
	models := make([]ModelStats, 0, len(t.perModel))
	for _, s := range t.perModel {
		models = append(models, *s)
	}
	sort.Slice(models, func(i, j int) bool { return models[i].Requests > models[j].Requests })
	return Summary{
		TotalRequests:  t.total,
		Successes:      t.successes,
		Failures:       t.failures,
		ActiveRequests: len(t.active),
		AgentConnected: agentConnected,
		Models:         models,
		StartedAt:      t.startedAt,
		UpdatedAt:      time.Now(),
	}
}

// RecentRequests reads the newest request log entries.
func (t *Tracker) RecentRequests(limit int) ([]map[string]any, error) {
	return t.requestLog.ReadRecent(limit)
}

// RecentErrors reads the newest error log entries.
func (t *Tracker) RecentErrors(limit int) ([]map[string]any, error) {
	return t.errorLog.ReadRecent(limit)
}

// Persist writes the snapshot to disk so totals survive restarts.
func (t *Tracker) Persist() error {
	snapshot := t.Snapshot(false)
	raw, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(t.statsPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(t.statsPath, raw, 0o644)
}

func (t *Tracker) loadPersisted() {
	raw, err := os.ReadFile(t.statsPath)
	if err != nil {
		return
	}
	var snapshot Summary
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		log.Printf("[WARN] monitor: unreadable stats snapshot: %v", err)
		return
	}
	t.total = snapshot.TotalRequests
	t.successes = snapshot.Successes
	t.failures = snapshot.Failures
	for _, m := range snapshot.Models {
		copied := m
		t.perModel[m.Model] = &copied
	}
}

func (t *Tracker) modelStats(model string) *ModelStats {
	if model == "" {
		model = "unknown"
	}
	s, ok := t.perModel[model]
	if !ok {
		s = &ModelStats{Model: model}
		t.perModel[model] = s
	}
	return s
}
