package domain

import "time"

// DLQ entry lifecycle, tracked inside the dead-letter stream entry itself.
type DLQStatus string

const (
	DLQPending    DLQStatus = "pending"
	DLQProcessing DLQStatus = "processing"
	DLQFailed     DLQStatus = "failed"
	DLQManual     DLQStatus = "manual"
)

// Dead-letter reasons recorded alongside the quarantined envelope.
const (
	ReasonMaxAttempts         = "max_retries_exceeded"
	ReasonValidationPermanent = "validation_permanent"
	ReasonPoisonPayload       = "poison_payload"
)

// DLQEntry wraps a quarantined envelope with its failure history.
// AttemptCount is the delivery attempts before quarantine; ReprocessCount
// tracks operator-driven replays of the quarantined entry itself.
type DLQEntry struct {
	Envelope       Envelope  `json:"envelope"`
	FirstFailedAt  time.Time `json:"first_failed_at"`
	LastError      string    `json:"last_error"`
	AttemptCount   int       `json:"attempt_count"`
	ReprocessCount int       `json:"reprocess_count,omitempty"`
	OriginStream   string    `json:"origin_stream"`
	OriginID       string    `json:"origin_id,omitempty"`
	Reason         string    `json:"reason"`
	Status         DLQStatus `json:"status"`
}
