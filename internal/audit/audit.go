// Package audit records central-broker events (request lifecycle, token
// issuance, revocations) through an outbox: events are stored first and
// shipped to the external sink by a background worker, so a broker outage
// never loses an event and a sink outage never blocks a request.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event types written by the central broker. The agent-side ledger has its
// own, separate vocabulary.
const (
	TypeRequestCreated   = "REQUEST_CREATED"
	TypeRequestApproved  = "REQUEST_APPROVED"
	TypeRequestDenied    = "REQUEST_DENIED"
	TypeRequestCancelled = "REQUEST_CANCELLED"
	TypeRequestExpired   = "REQUEST_EXPIRED"
	TypeRequestRetrieved = "REQUEST_RETRIEVED"
	TypeTokenIssued      = "TOKEN_ISSUED"
	TypeTokenRevoked     = "TOKEN_REVOKED"
)

// Event is one audit record.
type Event struct {
	ID          string         `json:"id"`
	Type        string         `json:"type"`
	ActorID     string         `json:"actor_id"`
	Payload     map[string]any `json:"payload"`
	CreatedTS   time.Time      `json:"created_ts"`
	PublishedTS *time.Time     `json:"published_ts,omitempty"`
}

// Store is the outbox.
type Store interface {
	Append(ctx context.Context, event Event) error
	ListUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []string, publishedAt time.Time) error
}

// Sink ships a batch of events out of the broker.
type Sink interface {
	Publish(ctx context.Context, events []Event) error
}

// Recorder is the write-side interface services depend on.
type Recorder interface {
	Record(ctx context.Context, eventType, actorID string, payload map[string]any) error
}

// Publisher appends events to the outbox store.
type Publisher struct {
	store Store
}

func NewPublisher(store Store) *Publisher {
	return &Publisher{store: store}
}

func (p *Publisher) Record(ctx context.Context, eventType, actorID string, payload map[string]any) error {
	return p.store.Append(ctx, Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		ActorID:   actorID,
		Payload:   payload,
		CreatedTS: time.Now().UTC(),
	})
}

// NopRecorder discards events. Useful in tests and in deployments that rely
// on the agent-side ledger alone.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, string, string, map[string]any) error { return nil }
