package push

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/registry"
)

// SSE returns the handler for one server-sent-events channel. The response
// stays open until the client goes away, the credential expires, or the
// connection is force-closed by the overflow policy.
func (h *Handlers) SSE(channel string) http.HandlerFunc {
	ch := h.channels[channel]

	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, `{"error":"streaming unsupported"}`, http.StatusInternalServerError)
			return
		}

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		conn := registry.NewConn(registry.ConnConfig{
			TenantID:      claims.TenantID,
			UserID:        claims.UserID,
			Protocol:      registry.ProtocolSSE,
			Subscriptions: ch.DefaultSubs,
			QueueCapacity: h.queueCap,
			Overflow:      h.overflow,
			ExpiresAt:     claims.Exp,
			// There is no close frame to send; waking the write loop is enough.
			CloseFn: func(int, string) { cancel() },
		})
		connID := h.reg.Register(conn)
		defer h.reg.Remove(connID, registry.CloseNormal, "stream ended")

		log := zlog.With().
			Str("component", "push_sse").
			Str("connection_id", connID).
			Str("tenant_id", claims.TenantID).
			Str("channel", ch.Name).
			Logger()

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		afterID := r.Header.Get("Last-Event-ID")
		if afterID == "" {
			afterID = r.URL.Query().Get("last_event_id")
		}
		if afterID != "" {
			deliveries, err := h.replayDeliveries(ctx, conn, ch, afterID)
			if err != nil {
				log.Warn().Err(err).Msg("replay failed")
				return
			}
			for _, d := range deliveries {
				if err := writeSSEFrame(w, d); err != nil {
					return
				}
				conn.MarkDelivered(d.Topic, d.StreamID)
			}
			flusher.Flush()
			log.Debug().Int("replayed", len(deliveries)).Str("after", afterID).Msg("replay complete")
		}

		heartbeat := time.NewTicker(ch.Heartbeat)
		defer heartbeat.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-conn.Closed():
				return
			case d := <-conn.Out():
				if conn.Superseded(d) {
					continue
				}
				if err := writeSSEFrame(w, d); err != nil {
					return
				}
				conn.MarkDelivered(d.Topic, d.StreamID)
				flusher.Flush()
			case <-heartbeat.C:
				if conn.CredentialExpired(time.Now()) {
					log.Info().Msg("credential expired, closing")
					conn.Close(registry.CloseCredential, "credential expired")
					return
				}
				if _, err := io.WriteString(w, ": hb\n\n"); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}
}

func writeSSEFrame(w io.Writer, d registry.Delivery) error {
	raw, err := d.Envelope.Marshal()
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %s\nevent: %s\ndata: %s\n\n", d.StreamID, d.Envelope.EventType, raw)
	return err
}
