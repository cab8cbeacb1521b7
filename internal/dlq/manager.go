// Package dlq watches the dead-letter streams and replays quarantined
// entries back to their origin topics on operator request.
package dlq

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/bus"
	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
)

// Alert condition labels on the dlq_alerts_active gauge.
const (
	AlertDepth   = "depth"
	AlertOldest  = "oldest_age"
	AlertIngress = "ingress_rate"
)

const listScanLimit = 512

type Config struct {
	CheckInterval        time.Duration
	DepthThreshold       int64
	OldestAgeThreshold   time.Duration
	IngressThreshold     int64 // new entries per check window
	MaxReprocessAttempts int
}

func (c *Config) fill() {
	if c.CheckInterval <= 0 {
		c.CheckInterval = 30 * time.Second
	}
	if c.DepthThreshold <= 0 {
		c.DepthThreshold = 100
	}
	if c.OldestAgeThreshold <= 0 {
		c.OldestAgeThreshold = time.Hour
	}
	if c.IngressThreshold <= 0 {
		c.IngressThreshold = 50
	}
	if c.MaxReprocessAttempts <= 0 {
		c.MaxReprocessAttempts = 3
	}
}

type Manager struct {
	bus bus.Bus
	m   *metrics.Metrics
	cfg Config
	log zerolog.Logger

	prevDepth map[string]int64
}

func NewManager(b bus.Bus, m *metrics.Metrics, cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		bus:       b,
		m:         m,
		cfg:       cfg,
		prevDepth: make(map[string]int64),
		log:       zlog.With().Str("component", "dlq").Logger(),
	}
}

// Run is the monitor loop: refreshes depth gauges and raises or clears the
// alert conditions every check interval.
func (m *Manager) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, topic := range domain.Topics() {
				m.check(ctx, topic)
			}
		}
	}
}

func (m *Manager) check(ctx context.Context, topic string) {
	depth, err := m.bus.DLQLen(ctx, topic)
	if err != nil {
		if ctx.Err() == nil {
			m.log.Warn().Err(err).Str("topic", topic).Msg("dlq depth check failed")
		}
		return
	}
	m.m.DLQDepth.WithLabelValues(topic).Set(float64(depth))

	m.setAlert(AlertDepth, topic, depth >= m.cfg.DepthThreshold)

	ingress := depth - m.prevDepth[topic]
	m.prevDepth[topic] = depth
	m.setAlert(AlertIngress, topic, ingress >= m.cfg.IngressThreshold)

	oldest := false
	if depth > 0 {
		records, err := m.bus.DLQList(ctx, topic, 1)
		if err == nil && len(records) > 0 {
			age := time.Since(records[0].Entry.FirstFailedAt)
			oldest = age >= m.cfg.OldestAgeThreshold
		}
	}
	m.setAlert(AlertOldest, topic, oldest)
}

func (m *Manager) setAlert(kind, topic string, active bool) {
	if active {
		m.m.DLQAlertsActive.WithLabelValues(topic, kind).Set(1)
		m.log.Warn().Str("topic", topic).Str("alert", kind).Msg("dlq alert active")
		return
	}
	m.m.DLQAlertsActive.WithLabelValues(topic, kind).Set(0)
}

// List returns up to count quarantined entries for the topic, oldest first.
func (m *Manager) List(ctx context.Context, topic string, count int64) ([]bus.DLQRecord, error) {
	if count <= 0 {
		count = 100
	}
	return m.bus.DLQList(ctx, topic, count)
}

// TopicStats summarizes one dead-letter stream for the admin surface.
type TopicStats struct {
	Topic           string           `json:"topic"`
	Depth           int64            `json:"depth"`
	OldestAge       float64          `json:"oldest_age_seconds"`
	StatusBreakdown map[string]int64 `json:"status_breakdown"`
}

func (m *Manager) Stats(ctx context.Context, topic string) (TopicStats, error) {
	stats := TopicStats{Topic: topic, StatusBreakdown: make(map[string]int64)}

	depth, err := m.bus.DLQLen(ctx, topic)
	if err != nil {
		return stats, err
	}
	stats.Depth = depth
	if depth == 0 {
		return stats, nil
	}

	records, err := m.bus.DLQList(ctx, topic, listScanLimit)
	if err != nil {
		return stats, err
	}
	for _, r := range records {
		stats.StatusBreakdown[string(r.Entry.Status)]++
	}
	if len(records) > 0 {
		stats.OldestAge = time.Since(records[0].Entry.FirstFailedAt).Seconds()
	}
	return stats, nil
}

// Reprocess replays one entry to its origin topic. On success the entry
// leaves the DLQ; attempt counting restarts from zero on the regular
// delivery path. On failure the entry's reprocess count grows until it is
// parked with status manual for a human to look at.
func (m *Manager) Reprocess(ctx context.Context, topic, id string) error {
	records, err := m.bus.DLQList(ctx, topic, listScanLimit)
	if err != nil {
		return err
	}
	for _, r := range records {
		if r.ID == id {
			return m.reprocessRecord(ctx, topic, r)
		}
	}
	return domain.ErrNotFound("dlq entry " + id + " not found in " + topic)
}

// ReprocessMatching replays every entry accepted by match, up to limit.
// Returns how many entries were successfully moved back.
func (m *Manager) ReprocessMatching(ctx context.Context, topic string, match func(domain.DLQEntry) bool, limit int) (int, error) {
	records, err := m.bus.DLQList(ctx, topic, listScanLimit)
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, r := range records {
		if limit > 0 && moved >= limit {
			break
		}
		if match != nil && !match(r.Entry) {
			continue
		}
		if err := m.reprocessRecord(ctx, topic, r); err != nil {
			m.log.Warn().Err(err).Str("dlq_id", r.ID).Msg("reprocess failed")
			continue
		}
		moved++
	}
	return moved, nil
}

func (m *Manager) reprocessRecord(ctx context.Context, topic string, r bus.DLQRecord) error {
	entry := r.Entry
	if entry.Status == domain.DLQManual {
		return domain.ErrPermanent("entry is parked for manual intervention")
	}

	origin := entry.OriginStream
	if origin == "" {
		origin = topic
	}

	// Rewrite the entry as in-flight before touching the origin topic so an
	// operator listing the stream sees which entries a crashed reprocess was
	// holding.
	entry.Status = domain.DLQProcessing
	if err := m.bus.DLQDelete(ctx, topic, r.ID); err != nil {
		return err
	}
	inflightID, err := m.bus.DeadLetter(ctx, topic, entry)
	if err != nil {
		return err
	}
	inflight := bus.DLQRecord{ID: inflightID, Entry: entry}

	env := entry.Envelope
	if _, err := m.bus.Append(ctx, origin, &env); err != nil {
		m.m.DLQReprocessAttempts.WithLabelValues(topic, "failure").Inc()
		m.recordFailure(ctx, topic, inflight, err)
		return err
	}

	if err := m.bus.DLQDelete(ctx, topic, inflightID); err != nil {
		return err
	}
	m.m.DLQReprocessAttempts.WithLabelValues(topic, "success").Inc()
	m.log.Info().
		Str("dlq_id", r.ID).
		Str("event_id", entry.Envelope.EventID).
		Str("origin", origin).
		Msg("dlq entry reprocessed")
	return nil
}

// recordFailure rewrites the entry with the bumped reprocess count, parking
// it as manual once the budget is spent.
func (m *Manager) recordFailure(ctx context.Context, topic string, r bus.DLQRecord, cause error) {
	entry := r.Entry
	entry.ReprocessCount++
	entry.LastError = cause.Error()
	entry.Status = domain.DLQFailed
	if entry.ReprocessCount >= m.cfg.MaxReprocessAttempts {
		entry.Status = domain.DLQManual
		m.log.Error().
			Str("dlq_id", r.ID).
			Str("event_id", entry.Envelope.EventID).
			Msg("dlq entry parked for manual intervention")
	}

	if err := m.bus.DLQDelete(ctx, topic, r.ID); err != nil {
		m.log.Warn().Err(err).Str("dlq_id", r.ID).Msg("dlq rewrite delete failed")
		return
	}
	if _, err := m.bus.DeadLetter(ctx, topic, entry); err != nil {
		m.log.Error().Err(err).Str("dlq_id", r.ID).Msg("dlq rewrite append failed")
	}
}
