package transcript

import (
	"context"
	"time"
)

// Record is one history entry of a call, mirrored for later review.
type Record struct {
	ID          string    `json:"id"`
	CallID      string    `json:"call_id"`
	CallerID    string    `json:"caller_id,omitempty"`
	Speaker     string    `json:"speaker"`
	Text        string    `json:"text"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists call transcripts.
type Store interface {
	SaveTurn(ctx context.Context, record Record) error
	// CallTurns returns up to limit records of a call in chronological order.
	CallTurns(ctx context.Context, callID string, limit int) ([]Record, error)
	Close() error
}
