package outbox

import (
	"context"
	"database/sql"

	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/schema"
)

// Writer appends an event row inside the caller's transaction. The insert is
// the writer's only side effect: the event exists iff the business change
// commits.
type Writer struct {
	schemas *schema.Registry
}

func NewWriter(schemas *schema.Registry) *Writer {
	return &Writer{schemas: schemas}
}

// Append validates the envelope and inserts the outbox row on tx.
// Returns a contract error for a nil transaction or a duplicate event_id,
// and a validation error for an unregistered or malformed envelope.
func (w *Writer) Append(ctx context.Context, tx *sql.Tx, env *domain.Envelope) error {
	if tx == nil {
		return domain.ErrTransactionRequired
	}
	if err := w.schemas.Validate(env); err != nil {
		return err
	}

	raw, err := env.Marshal()
	if err != nil {
		return domain.ErrValidation("envelope does not serialize: " + err.Error())
	}

	_, err = tx.ExecContext(ctx, insertOutboxSQL,
		env.EventID,
		env.EventType,
		env.TenantID,
		env.AggregateID,
		string(raw),
		env.OccurredAt.UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrDuplicateEvent
		}
		return domain.ErrTransient("outbox insert: " + err.Error())
	}
	return nil
}
