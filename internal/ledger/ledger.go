package ledger

import (
	"context"
	"time"
)

// Entry is a single usage record written for one completed (or failed)
// chat request.
type Entry struct {
	ID               int64     `json:"id"`
	RequestID        string    `json:"request_id"`
	Model            string    `json:"model"`
	Endpoint         string    `json:"endpoint"`
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	Success          bool      `json:"success"`
	ErrorMessage     string    `json:"error_message,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// ModelSummary aggregates usage per model.
type ModelSummary struct {
	Model            string `json:"model"`
	Requests         int64  `json:"requests"`
	Failures         int64  `json:"failures"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
}

// Store defines persistence behaviour for the usage ledger.
type Store interface {
	Record(ctx context.Context, entry Entry) error
	SummaryByModel(ctx context.Context) ([]ModelSummary, error)
	ListRecent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

// Nop is the disabled-ledger stand-in.
type Nop struct{}

func (Nop) Record(context.Context, Entry) error                  { return nil }
func (Nop) SummaryByModel(context.Context) ([]ModelSummary, error) { return nil, nil }
func (Nop) ListRecent(context.Context, int) ([]Entry, error)     { return nil, nil }
func (Nop) Close() error                                         { return nil }
