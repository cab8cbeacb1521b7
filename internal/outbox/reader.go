package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/bus"
	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/schema"
)

// ReaderConfig tunes one outbox reader worker.
type ReaderConfig struct {
	Worker       string // worker identity recorded in locked_by
	PollInterval time.Duration
	BatchSize    int
	Visibility   time.Duration
	MaxAttempts  int
	RetryBase    time.Duration
	RetryCap     time.Duration
}

// Reader is the long-running worker that claims unprocessed outbox rows,
// validates them and forwards them to the stream bus. Multiple readers may
// run; the SKIP LOCKED claim serializes them per row.
type Reader struct {
	store   Store
	bus     bus.Bus
	schemas *schema.Registry
	m       *metrics.Metrics
	cfg     ReaderConfig
	log     zerolog.Logger
}

func NewReader(store Store, b bus.Bus, schemas *schema.Registry, m *metrics.Metrics, cfg ReaderConfig) *Reader {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	return &Reader{
		store:   store,
		bus:     b,
		schemas: schemas,
		m:       m,
		cfg:     cfg,
		log:     zlog.With().Str("component", "outbox_reader").Str("worker", cfg.Worker).Logger(),
	}
}

// Run polls at the configured cadence until ctx is cancelled. Database
// outages back off exponentially instead of hammering the pool; no data is
// lost because unclaimed rows simply wait.
func (r *Reader) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	outage := backoff.NewExponentialBackOff()
	outage.InitialInterval = 500 * time.Millisecond
	outage.MaxInterval = 10 * time.Second

	r.log.Info().
		Dur("poll_interval", r.cfg.PollInterval).
		Int("batch_size", r.cfg.BatchSize).
		Msg("started")

	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := r.processBatch(ctx); err != nil {
				wait := outage.NextBackOff()
				r.log.Warn().Err(err).Dur("backoff", wait).Msg("outbox batch failed")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(wait):
				}
				continue
			}
			outage.Reset()
		}
	}
}

func (r *Reader) processBatch(ctx context.Context) error {
	batch, err := r.store.Claim(ctx, r.cfg.Worker, r.cfg.BatchSize, r.cfg.Visibility)
	if err != nil {
		return err
	}
	r.observeLag(ctx)
	if len(batch) == 0 {
		return nil
	}

	// Aggregates that already failed in this batch: successors are released
	// untouched so (tenant, aggregate) insertion order is preserved.
	blocked := make(map[string]struct{})

	for _, row := range batch {
		if ctx.Err() != nil {
			// Shutdown mid-batch: release what we have not published yet.
			_ = r.store.Release(context.WithoutCancel(ctx), row.ID)
			continue
		}
		r.processRow(ctx, row, blocked)
	}
	return nil
}

func (r *Reader) processRow(ctx context.Context, row Row, blocked map[string]struct{}) {
	env, err := domain.UnmarshalEnvelope(row.Payload)
	if err != nil {
		// Row content is not even an envelope; it can never succeed.
		r.quarantine(ctx, row, env, domain.ReasonPoisonPayload, err.Error())
		return
	}

	key := env.TenantID + "/" + env.AggregateID
	if _, ok := blocked[key]; ok {
		_ = r.store.Release(ctx, row.ID)
		return
	}

	if r.schemas.Known(env.EventType) {
		if !r.schemas.KnownVersion(env.EventType, env.SchemaVersion) {
			// Known type, unregistered version: a contract conflict that no
			// retry will repair.
			r.quarantine(ctx, row, env, domain.ReasonValidationPermanent,
				fmt.Sprintf("unregistered schema version %d for %s", env.SchemaVersion, env.EventType))
			return
		}
		if err := r.schemas.Validate(env); err != nil {
			r.fail(ctx, row, env, blocked, key, err)
			return
		}
	} else {
		// Producers can run ahead of this binary's registry. Unknown types
		// are forwarded untouched as long as the envelope itself is sound.
		if err := env.Validate(); err != nil {
			r.fail(ctx, row, env, blocked, key, err)
			return
		}
		r.log.Warn().
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Msg("unknown event type, forwarding")
	}

	topic := env.Topic()
	start := time.Now()
	streamID, err := r.bus.Append(ctx, topic, env)
	r.m.BusAppendDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		r.fail(ctx, row, env, blocked, key, err)
		return
	}

	if err := r.store.MarkProcessed(ctx, row.ID); err != nil {
		// Crash window: the entry is on the bus but the row stays pending.
		// The append guard plus consumer de-dup absorb the re-publish.
		r.log.Warn().Err(err).Int64("outbox_id", row.ID).Msg("mark processed failed")
		return
	}

	r.m.EventsProduced.WithLabelValues(topic).Inc()
	r.log.Debug().
		Int64("outbox_id", row.ID).
		Str("event_id", env.EventID).
		Str("topic", topic).
		Str("stream_id", streamID).
		Msg("published")
}

func (r *Reader) fail(ctx context.Context, row Row, env *domain.Envelope, blocked map[string]struct{}, key string, cause error) {
	blocked[key] = struct{}{}
	attempts := row.Attempts + 1

	if attempts >= r.cfg.MaxAttempts {
		r.quarantine(ctx, row, env, domain.ReasonMaxAttempts, cause.Error())
		return
	}

	delay := FullJitterBackoff(attempts, r.cfg.RetryBase, r.cfg.RetryCap)
	if err := r.store.MarkFailed(ctx, row.ID, cause.Error(), delay); err != nil {
		r.log.Warn().Err(err).Int64("outbox_id", row.ID).Msg("mark failed failed")
		return
	}
	r.log.Warn().
		Int64("outbox_id", row.ID).
		Str("event_id", row.EventID).
		Int("attempt", attempts).
		Dur("retry_in", delay).
		Err(cause).
		Msg("publish failed, scheduled retry")
}

func (r *Reader) quarantine(ctx context.Context, row Row, env *domain.Envelope, reason, lastErr string) {
	entry := domain.DLQEntry{
		FirstFailedAt: time.Now().UTC(),
		LastError:     lastErr,
		AttemptCount:  row.Attempts + 1,
		Reason:        reason,
		Status:        domain.DLQPending,
	}
	if env != nil {
		entry.Envelope = *env
		entry.OriginStream = env.Topic()
	} else {
		entry.Envelope = domain.Envelope{EventID: row.EventID, Payload: row.Payload}
		entry.OriginStream = domain.TopicSystem
	}

	if _, err := r.bus.DeadLetter(ctx, entry.OriginStream, entry); err != nil {
		// Could not quarantine; leave the row pending and retry the whole
		// move after the visibility timeout.
		r.log.Error().Err(err).Int64("outbox_id", row.ID).Msg("dlq append failed")
		_ = r.store.MarkFailed(ctx, row.ID, "dlq append failed: "+err.Error(), r.cfg.Visibility)
		return
	}
	if err := r.store.MarkDead(ctx, row.ID, lastErr); err != nil {
		r.log.Warn().Err(err).Int64("outbox_id", row.ID).Msg("mark dead failed")
		return
	}
	r.log.Error().
		Int64("outbox_id", row.ID).
		Str("event_id", row.EventID).
		Str("reason", reason).
		Int("attempts", row.Attempts+1).
		Msg("moved to dlq")
}

func (r *Reader) observeLag(ctx context.Context) {
	age, ok, err := r.store.OldestUnprocessedAge(ctx)
	if err != nil {
		return
	}
	if !ok {
		r.m.OutboxLag.Set(0)
		return
	}
	r.m.OutboxLag.Set(age.Seconds())
}
