package push

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/registry"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Origin policy is enforced by the edge; tokens gate the handshake here.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Control frames the client may send.
const (
	frameSubscribe   = "subscribe"
	frameUnsubscribe = "unsubscribe"
	framePing        = "ping"
	frameStats       = "stats"
)

type clientFrame struct {
	Type        string   `json:"type"`
	Filters     []string `json:"filters,omitempty"`
	LastEventID string   `json:"last_event_id,omitempty"`
}

type connStats struct {
	ConnectionID  string   `json:"connection_id"`
	TenantID      string   `json:"tenant_id"`
	Subscriptions []string `json:"subscriptions"`
	QueueDepth    int      `json:"queue_depth"`
	Delivered     int64    `json:"delivered"`
	Dropped       int64    `json:"dropped"`
}

type serverFrame struct {
	Type  string          `json:"type"`
	ID    string          `json:"id,omitempty"`
	Event string          `json:"event,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Stats *connStats      `json:"stats,omitempty"`
	Error string          `json:"error,omitempty"`
}

// WS returns the handler for one websocket channel.
func (h *Handlers) WS(channel string) http.HandlerFunc {
	ch := h.channels[channel]

	return func(w http.ResponseWriter, r *http.Request) {
		claims, err := h.authenticate(r)
		if err != nil {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return // upgrader already wrote the response
		}

		conn := registry.NewConn(registry.ConnConfig{
			TenantID:      claims.TenantID,
			UserID:        claims.UserID,
			Protocol:      registry.ProtocolWS,
			Subscriptions: ch.DefaultSubs,
			QueueCapacity: h.queueCap,
			Overflow:      h.overflow,
			ExpiresAt:     claims.Exp,
		})

		s := &wsSession{
			h:        h,
			ch:       ch,
			ws:       ws,
			conn:     conn,
			replies:  make(chan serverFrame, 16),
			replayCh: make(chan string, 1),
			log: zlog.With().
				Str("component", "push_ws").
				Str("connection_id", conn.ID()).
				Str("tenant_id", claims.TenantID).
				Str("channel", ch.Name).
				Logger(),
		}
		s.run(r.Context())
	}
}

type wsSession struct {
	h        *Handlers
	ch       Channel
	ws       *websocket.Conn
	conn     *registry.Conn
	replies  chan serverFrame
	replayCh chan string
	lastPong atomic.Int64
	log      zerolog.Logger
}

func (s *wsSession) run(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()
	defer s.ws.Close()

	connID := s.h.reg.Register(s.conn)
	defer s.h.reg.Remove(connID, registry.CloseNormal, "socket closed")

	pongWait := 2 * s.ch.Heartbeat
	s.lastPong.Store(time.Now().UnixNano())
	_ = s.ws.SetReadDeadline(time.Now().Add(pongWait + time.Second))
	s.ws.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		s.conn.Touch()
		return s.ws.SetReadDeadline(time.Now().Add(pongWait + time.Second))
	})

	go s.readLoop(ctx, cancel)
	s.writeLoop(ctx, pongWait)
}

// readLoop handles client control frames. All outbound traffic is routed to
// the write loop; gorilla permits one concurrent writer.
func (s *wsSession) readLoop(ctx context.Context, cancel context.CancelFunc) {
	defer cancel()

	for {
		var f clientFrame
		if err := s.ws.ReadJSON(&f); err != nil {
			return
		}
		s.conn.Touch()

		switch f.Type {
		case frameSubscribe:
			if len(f.Filters) > 0 {
				s.conn.Subscribe(f.Filters...)
			}
			if f.LastEventID != "" {
				select {
				case s.replayCh <- f.LastEventID:
				case <-ctx.Done():
					return
				}
			}
		case frameUnsubscribe:
			s.conn.Unsubscribe(f.Filters...)
		case framePing:
			s.lastPong.Store(time.Now().UnixNano())
			s.reply(ctx, serverFrame{Type: "pong"})
		case frameStats:
			s.reply(ctx, serverFrame{Type: "stats", Stats: &connStats{
				ConnectionID:  s.conn.ID(),
				TenantID:      s.conn.TenantID(),
				Subscriptions: s.conn.Subscriptions(),
				QueueDepth:    s.conn.QueueDepth(),
				Delivered:     s.conn.Delivered(),
				Dropped:       s.conn.Dropped(),
			}})
		default:
			s.reply(ctx, serverFrame{Type: "error", Error: "unknown frame type: " + f.Type})
		}
	}
}

func (s *wsSession) reply(ctx context.Context, f serverFrame) {
	select {
	case s.replies <- f:
	case <-ctx.Done():
	}
}

func (s *wsSession) writeLoop(ctx context.Context, pongWait time.Duration) {
	heartbeat := time.NewTicker(s.ch.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(registry.CloseNormal, "shutting down")
			return
		case <-s.conn.Closed():
			s.writeClose(s.conn.CloseCode(), s.conn.CloseReason())
			return
		case d := <-s.conn.Out():
			if s.conn.Superseded(d) {
				continue
			}
			if err := s.writeEvent(d); err != nil {
				return
			}
			s.conn.MarkDelivered(d.Topic, d.StreamID)
		case f := <-s.replies:
			if err := s.ws.WriteJSON(f); err != nil {
				return
			}
		case afterID := <-s.replayCh:
			if err := s.replay(ctx, afterID); err != nil {
				s.log.Warn().Err(err).Msg("replay failed")
				s.writeClose(registry.CloseServerError, "replay failed")
				return
			}
		case <-heartbeat.C:
			if s.conn.CredentialExpired(time.Now()) {
				s.writeClose(registry.CloseCredential, "credential expired")
				return
			}
			if time.Since(time.Unix(0, s.lastPong.Load())) > pongWait {
				s.writeClose(registry.CloseServerError, "liveness")
				return
			}
			deadline := time.Now().Add(5 * time.Second)
			if err := s.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		}
	}
}

// replay runs inside the write loop so replayed frames precede anything the
// dispatcher enqueued after the subscribe; the delivered-frame check on both
// paths drops the overlap.
func (s *wsSession) replay(ctx context.Context, afterID string) error {
	deliveries, err := s.h.replayDeliveries(ctx, s.conn, s.ch, afterID)
	if err != nil {
		return err
	}
	for _, d := range deliveries {
		if s.conn.Superseded(d) {
			continue
		}
		if err := s.writeEvent(d); err != nil {
			return err
		}
		s.conn.MarkDelivered(d.Topic, d.StreamID)
	}
	s.log.Debug().Int("replayed", len(deliveries)).Str("after", afterID).Msg("replay complete")
	return nil
}

func (s *wsSession) writeEvent(d registry.Delivery) error {
	raw, err := d.Envelope.Marshal()
	if err != nil {
		return err
	}
	return s.ws.WriteJSON(serverFrame{
		Type:  "event",
		ID:    d.StreamID,
		Event: d.Envelope.EventType,
		Data:  raw,
	})
}

func (s *wsSession) writeClose(code int, reason string) {
	if code == 0 {
		code = registry.CloseNormal
	}
	deadline := time.Now().Add(time.Second)
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.ws.WriteControl(websocket.CloseMessage, msg, deadline)
}
