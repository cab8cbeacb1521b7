// Package dispatch runs one consumer-group loop per tenant, translating bus
// entries into per-connection deliveries. Loops start lazily on a tenant's
// first connection and stop after an idle grace period with none.
package dispatch

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/bus"
	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/registry"
)

// Ack policies. Best effort acks after enqueue attempts; all_connected acks
// only when every matching live connection accepted the entry, leaving it
// pending for the stale-claim sweep otherwise.
const (
	AckBestEffort    = "best_effort"
	AckAllConnected  = "all_connected"
	groupPrefix      = "push-"
	dedupWindowSize  = 1024
	defaultBatchSize = 64
)

type Config struct {
	AckPolicy      string
	BatchSize      int64
	Block          time.Duration // XREADGROUP block per poll
	ClaimInterval  time.Duration // stale-claim sweep cadence
	ClaimMinIdle   time.Duration
	IdleShutdown   time.Duration
	EnqueueTimeout time.Duration // bound for the block overflow policy
}

func (c *Config) fill() {
	if c.AckPolicy == "" {
		c.AckPolicy = AckBestEffort
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaultBatchSize
	}
	if c.Block <= 0 {
		c.Block = 100 * time.Millisecond
	}
	if c.ClaimInterval <= 0 {
		c.ClaimInterval = 30 * time.Second
	}
	if c.ClaimMinIdle <= 0 {
		c.ClaimMinIdle = time.Minute
	}
	if c.IdleShutdown <= 0 {
		c.IdleShutdown = 5 * time.Minute
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = 10 * time.Second
	}
}

// Manager owns the tenant loops. It watches the registry for tenant
// activation and supervises loop shutdown.
type Manager struct {
	bus bus.Bus
	reg *registry.Registry
	m   *metrics.Metrics
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	ctx     context.Context
	loops   map[string]*loop
	wg      sync.WaitGroup
	started bool
}

func NewManager(b bus.Bus, reg *registry.Registry, m *metrics.Metrics, cfg Config) *Manager {
	cfg.fill()
	return &Manager{
		bus:   b,
		reg:   reg,
		m:     m,
		cfg:   cfg,
		loops: make(map[string]*loop),
		log:   zlog.With().Str("component", "dispatch").Logger(),
	}
}

// Run wires the lazy-start hook and blocks until ctx is cancelled, then
// waits for every tenant loop to drain.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.started = true
	m.mu.Unlock()

	m.reg.OnTenantActive(m.Ensure)

	<-ctx.Done()
	m.wg.Wait()
	return ctx.Err()
}

// Ensure starts the tenant's loop if it is not already running.
func (m *Manager) Ensure(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started || m.ctx.Err() != nil {
		return
	}
	if _, ok := m.loops[tenantID]; ok {
		return
	}

	l := newLoop(m, tenantID)
	m.loops[tenantID] = l
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		idle := l.run(m.ctx)
		m.retire(l, idle)
	}()
}

// retire removes the finished loop and respawns one if a connection arrived
// between the idle check and the loop exit. The registry hook only fires on
// a tenant's first connection, which can still see the exiting loop in the
// table.
func (m *Manager) retire(l *loop, idle bool) {
	m.mu.Lock()
	delete(m.loops, l.tenantID)
	respawn := idle && m.ctx.Err() == nil && m.reg.TenantConnections(l.tenantID) > 0
	m.mu.Unlock()
	if respawn {
		m.Ensure(l.tenantID)
	}
}

// Running reports whether the tenant currently has a dispatcher loop.
func (m *Manager) Running(tenantID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[tenantID]
	return ok
}

type loop struct {
	mgr      *Manager
	tenantID string
	group    string
	consumer string
	log      zerolog.Logger

	// Ring of recently delivered event ids; absorbs the at-most-one
	// duplicate a reader crash between append and mark can produce.
	seen     map[string]struct{}
	seenRing [dedupWindowSize]string
	seenPos  int
}

func newLoop(mgr *Manager, tenantID string) *loop {
	return &loop{
		mgr:      mgr,
		tenantID: tenantID,
		group:    groupPrefix + tenantID,
		consumer: "dispatcher-" + uuid.NewString()[:8],
		seen:     make(map[string]struct{}, dedupWindowSize),
		log: zlog.With().
			Str("component", "dispatch").
			Str("tenant_id", tenantID).
			Logger(),
	}
}

// run returns true when the loop exits for idleness, false on shutdown.
func (l *loop) run(ctx context.Context) bool {
	cfg := l.mgr.cfg
	l.log.Info().Str("group", l.group).Msg("dispatcher started")

	claimTicker := time.NewTicker(cfg.ClaimInterval)
	defer claimTicker.Stop()

	idleSince := time.Time{}
	topics := domain.Topics()

	for {
		select {
		case <-ctx.Done():
			l.log.Info().Msg("dispatcher stopped")
			return false
		case <-claimTicker.C:
			l.sweepStale(ctx, topics)
			continue
		default:
		}

		if l.mgr.reg.TenantConnections(l.tenantID) == 0 {
			if idleSince.IsZero() {
				idleSince = time.Now()
			} else if time.Since(idleSince) >= cfg.IdleShutdown {
				l.log.Info().Msg("dispatcher idle, shutting down")
				return true
			}
		} else {
			idleSince = time.Time{}
		}

		entries, err := l.mgr.bus.Read(ctx, l.group, l.consumer, topics, cfg.BatchSize, cfg.Block)
		if err != nil {
			if ctx.Err() != nil {
				return false
			}
			l.log.Warn().Err(err).Msg("group read failed")
			select {
			case <-ctx.Done():
				return false
			case <-time.After(time.Second):
			}
			continue
		}

		for _, e := range entries {
			l.handle(ctx, e)
		}
		l.observeLag(ctx, topics)
	}
}

func (l *loop) handle(ctx context.Context, e bus.Entry) {
	env := e.Envelope

	// Streams are topic-scoped, not tenant-scoped; drop foreign entries.
	if env.TenantID != l.tenantID {
		l.ack(ctx, e)
		return
	}
	if l.isDuplicate(env.EventID) {
		l.ack(ctx, e)
		return
	}

	allAccepted := true
	l.mgr.reg.ForEach(l.tenantID, env.EventType, func(c *registry.Conn) {
		l.mgr.m.PushQueueDepth.Observe(float64(c.QueueDepth()))

		enqCtx, cancel := context.WithTimeout(ctx, l.mgr.cfg.EnqueueTimeout)
		err := c.Enqueue(enqCtx, registry.Delivery{StreamID: e.ID, Topic: e.Topic, Envelope: env})
		cancel()
		if err != nil {
			allAccepted = false
			l.log.Debug().
				Err(err).
				Str("connection_id", c.ID()).
				Str("event_id", env.EventID).
				Msg("enqueue failed")
		}
	})

	if l.mgr.cfg.AckPolicy == AckAllConnected && !allAccepted {
		// Leave pending; the stale sweep redelivers to this consumer.
		return
	}

	l.markSeen(env.EventID)
	l.ack(ctx, e)
	l.mgr.m.EventsConsumed.WithLabelValues(e.Topic, l.tenantID).Inc()
}

func (l *loop) ack(ctx context.Context, e bus.Entry) {
	if err := l.mgr.bus.Ack(ctx, l.group, e.Topic, e.ID); err != nil && ctx.Err() == nil {
		l.log.Warn().Err(err).Str("stream_id", e.ID).Msg("ack failed")
	}
}

func (l *loop) sweepStale(ctx context.Context, topics []string) {
	entries, err := l.mgr.bus.ClaimStale(ctx, l.group, l.consumer, topics, l.mgr.cfg.ClaimMinIdle)
	if err != nil {
		if ctx.Err() == nil {
			l.log.Warn().Err(err).Msg("stale claim failed")
		}
		return
	}
	for _, e := range entries {
		l.handle(ctx, e)
	}
}

func (l *loop) observeLag(ctx context.Context, topics []string) {
	for _, topic := range topics {
		lag, err := l.mgr.bus.GroupLag(ctx, l.group, topic)
		if err != nil {
			continue
		}
		l.mgr.m.StreamConsumerLag.WithLabelValues(l.group, topic).Set(float64(lag))
	}
}

func (l *loop) isDuplicate(eventID string) bool {
	_, ok := l.seen[eventID]
	return ok
}

func (l *loop) markSeen(eventID string) {
	if old := l.seenRing[l.seenPos]; old != "" {
		delete(l.seen, old)
	}
	l.seenRing[l.seenPos] = eventID
	l.seenPos = (l.seenPos + 1) % dedupWindowSize
	l.seen[eventID] = struct{}{}
}
