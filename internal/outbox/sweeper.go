package outbox

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/bus"
	"github.com/ragline/ragline/internal/domain"
)

// Sweeper is the retention housekeeper: it purges processed outbox rows and
// trims the topic streams down to the configured window. It never touches
// unprocessed rows or dead-letter streams.
type Sweeper struct {
	store     Store
	bus       bus.Bus
	interval  time.Duration
	retention time.Duration
	log       zerolog.Logger
}

func NewSweeper(store Store, b bus.Bus, interval, retention time.Duration) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{
		store:     store,
		bus:       b,
		interval:  interval,
		retention: retention,
		log:       zlog.With().Str("component", "outbox_sweeper").Logger(),
	}
}

func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	purged, err := s.store.PurgeProcessed(ctx, s.retention)
	if err != nil {
		s.log.Warn().Err(err).Msg("purge processed failed")
	} else if purged > 0 {
		s.log.Info().Int64("rows", purged).Msg("purged processed outbox rows")
	}

	for _, topic := range domain.Topics() {
		if err := s.bus.Trim(ctx, topic, s.retention); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("stream trim failed")
		}
	}
}
