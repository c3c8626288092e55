// Package archive keeps compliance copies of dispatched message payloads
// in object storage, one JSON object per contact send.
package archive

import (
	"context"
	"time"

	"github.com/outflowhq/outflow/internal/dispatch"
)

// Record is the archived snapshot of one dispatched message.
type Record struct {
	ExecutionID  string               `json:"execution_id"`
	NodeID       string               `json:"node_id"`
	ContactID    string               `json:"contact_id"`
	Channel      string               `json:"channel"`
	MessageID    string               `json:"message_id,omitempty"`
	Request      dispatch.SendRequest `json:"request"`
	Error        string               `json:"error,omitempty"`
	DispatchedAt time.Time            `json:"dispatched_at"`
}

// Archiver persists dispatch records. Archiving is best-effort from the
// engine's point of view; failures are logged, never fail the send.
type Archiver interface {
	Archive(ctx context.Context, rec Record) error
}

// NopArchiver discards records. Used when no archive bucket is configured.
type NopArchiver struct{}

func (NopArchiver) Archive(ctx context.Context, rec Record) error { return nil }

// ObjectKey is the bucket layout for one record:
// dispatches/{execution}/{node}/{contact}.json.
func ObjectKey(rec Record) string {
	return "dispatches/" + rec.ExecutionID + "/" + rec.NodeID + "/" + rec.ContactID + ".json"
}
