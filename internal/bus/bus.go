// Package bus abstracts the log-structured stream carrying envelopes between
// the outbox reader and the push dispatchers. The Redis Streams adapter is
// the only code aware of the concrete stream technology.
package bus

import (
	"context"
	"time"

	"github.com/ragline/ragline/internal/domain"
)

// Entry is a single stream record: the envelope plus the bus-assigned id.
type Entry struct {
	ID       string
	Topic    string
	Envelope *domain.Envelope
}

// PendingInfo describes a delivered-but-unacked entry in a consumer group.
type PendingInfo struct {
	ID            string
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// DLQRecord pairs a dead-letter stream id with its decoded entry.
type DLQRecord struct {
	ID    string
	Entry domain.DLQEntry
}

type Bus interface {
	// Append publishes the envelope to the topic stream. Idempotent on
	// event_id: a duplicate append returns the previously assigned id.
	Append(ctx context.Context, topic string, env *domain.Envelope) (string, error)

	// Read pulls up to count entries for the group across topics, blocking
	// up to block when nothing is available (block <= 0 means no blocking).
	Read(ctx context.Context, group, consumer string, topics []string, count int64, block time.Duration) ([]Entry, error)

	Ack(ctx context.Context, group, topic, streamID string) error

	Pending(ctx context.Context, group, topic string) ([]PendingInfo, error)

	// ClaimStale reassigns entries idle longer than minIdle to consumer.
	ClaimStale(ctx context.Context, group, consumer string, topics []string, minIdle time.Duration) ([]Entry, error)

	// Range reads entries of a topic strictly after afterID (empty = from
	// the start). Used for last_event_id replay on reconnect.
	Range(ctx context.Context, topic, afterID string, count int64) ([]Entry, error)

	DeadLetter(ctx context.Context, topic string, entry domain.DLQEntry) (string, error)
	DLQList(ctx context.Context, topic string, count int64) ([]DLQRecord, error)
	DLQDelete(ctx context.Context, topic string, ids ...string) error
	DLQLen(ctx context.Context, topic string) (int64, error)

	// Trim drops entries older than maxAge from the topic stream.
	Trim(ctx context.Context, topic string, maxAge time.Duration) error

	// GroupLag reports delivered-but-unacked entries for the group.
	GroupLag(ctx context.Context, group, topic string) (int64, error)
}
