package registry

import (
	"context"
	"path"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ragline/ragline/internal/domain"
)

// Delivery is one outbound frame: the envelope plus the bus id the client
// can resume from.
type Delivery struct {
	StreamID string
	Topic    string
	Envelope *domain.Envelope
}

type Protocol string

const (
	ProtocolSSE Protocol = "sse"
	ProtocolWS  Protocol = "ws"
)

// Overflow policies applied when a connection's outbound queue is full.
const (
	OverflowDropOldest = "drop_oldest"
	OverflowDisconnect = "disconnect"
	OverflowBlock      = "block"
)

// Close codes shared by both push protocols.
const (
	CloseNormal         = 1000
	CloseCredential     = 1008
	CloseServerError    = 1011
	CloseTenantEviction = 4001
)

// ConnConfig describes a connection at handshake time.
type ConnConfig struct {
	TenantID      string
	UserID        string
	Protocol      Protocol
	Subscriptions []string
	QueueCapacity int
	Overflow      string
	ExpiresAt     time.Time
	// CloseFn lets the protocol adapter send its close frame when the
	// registry or dispatcher force-closes the connection.
	CloseFn func(code int, reason string)
}

// Conn is a live push connection. The dispatcher is the only producer on the
// outbound queue; the protocol adapter's writer goroutine is the only
// consumer.
type Conn struct {
	id        string
	tenantID  string
	userID    string
	protocol  Protocol
	expiresAt time.Time
	closeFn   func(code int, reason string)

	mu           sync.Mutex
	subs         map[string]struct{}
	lastEventID  map[string]string
	lastActivity time.Time

	deliveredIDs  map[string]struct{}
	deliveredRing []string
	deliveredPos  int

	queue       chan Delivery
	overflow    string
	closed      chan struct{}
	closeOnce   sync.Once
	closeCode   atomic.Int32
	closeReason atomic.Value // string

	delivered atomic.Int64
	dropped   atomic.Int64
}

func NewConn(cfg ConnConfig) *Conn {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 256
	}
	if cfg.Overflow == "" {
		cfg.Overflow = OverflowDisconnect
	}
	c := &Conn{
		id:           uuid.NewString(),
		tenantID:     cfg.TenantID,
		userID:       cfg.UserID,
		protocol:     cfg.Protocol,
		expiresAt:    cfg.ExpiresAt,
		closeFn:      cfg.CloseFn,
		subs:         make(map[string]struct{}, len(cfg.Subscriptions)),
		lastEventID:  make(map[string]string),
		deliveredIDs: make(map[string]struct{}),
		lastActivity: time.Now(),
		queue:        make(chan Delivery, cfg.QueueCapacity),
		overflow:     cfg.Overflow,
		closed:       make(chan struct{}),
	}
	for _, s := range cfg.Subscriptions {
		c.subs[s] = struct{}{}
	}
	return c
}

func (c *Conn) ID() string         { return c.id }
func (c *Conn) TenantID() string   { return c.tenantID }
func (c *Conn) UserID() string     { return c.userID }
func (c *Conn) Protocol() Protocol { return c.protocol }

// Out is the queue drained by the protocol adapter's writer goroutine.
func (c *Conn) Out() <-chan Delivery { return c.queue }

// Closed is closed when the connection is force-closed or torn down.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

func (c *Conn) Alive() bool {
	select {
	case <-c.closed:
		return false
	default:
		return true
	}
}

// CredentialExpired reports whether the handshake credential has lapsed.
// Checked at heartbeat boundaries, not per message.
func (c *Conn) CredentialExpired(now time.Time) bool {
	return !c.expiresAt.IsZero() && now.After(c.expiresAt)
}

func (c *Conn) Subscribe(filters ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range filters {
		c.subs[f] = struct{}{}
	}
}

func (c *Conn) Unsubscribe(filters ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, f := range filters {
		delete(c.subs, f)
	}
}

func (c *Conn) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for s := range c.subs {
		out = append(out, s)
	}
	return out
}

// Matches reports whether any subscription glob matches the event type.
func (c *Conn) Matches(eventType string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for glob := range c.subs {
		if ok, err := path.Match(glob, eventType); err == nil && ok {
			return true
		}
	}
	return false
}

// deliveredWindow bounds the per-connection memory of written frame ids.
const deliveredWindow = 1024

// MarkDelivered records a frame the adapter actually wrote: the topic cursor
// advances for reconnect replay, and the id joins the recent-delivery window
// consulted by Superseded.
func (c *Conn) MarkDelivered(topic, streamID string) {
	c.mu.Lock()
	c.lastEventID[topic] = streamID
	c.lastActivity = time.Now()
	if streamID != "" {
		key := topic + "/" + streamID
		if _, ok := c.deliveredIDs[key]; !ok {
			if len(c.deliveredRing) < deliveredWindow {
				c.deliveredRing = append(c.deliveredRing, key)
			} else {
				delete(c.deliveredIDs, c.deliveredRing[c.deliveredPos])
				c.deliveredRing[c.deliveredPos] = key
				c.deliveredPos = (c.deliveredPos + 1) % deliveredWindow
			}
			c.deliveredIDs[key] = struct{}{}
		}
	}
	c.mu.Unlock()
	c.delivered.Add(1)
}

func (c *Conn) LastEventID(topic string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastEventID[topic]
}

// Superseded reports whether this exact frame was already written to the
// connection. Membership in the recent-delivery window, not a cursor
// comparison: a replay legitimately carries ids older than the last live
// frame, and only frames the client actually received may be suppressed.
func (c *Conn) Superseded(d Delivery) bool {
	if d.StreamID == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.deliveredIDs[d.Topic+"/"+d.StreamID]
	return ok
}

func (c *Conn) Touch() {
	c.mu.Lock()
	c.lastActivity = time.Now()
	c.mu.Unlock()
}

func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

func (c *Conn) QueueDepth() int  { return len(c.queue) }
func (c *Conn) Delivered() int64 { return c.delivered.Load() }
func (c *Conn) Dropped() int64   { return c.dropped.Load() }

// Enqueue places the delivery on the outbound queue, applying the configured
// overflow policy when full. Block is only sound when the dispatcher acks
// after all connections accepted; the config layer enforces that pairing.
func (c *Conn) Enqueue(ctx context.Context, d Delivery) error {
	if !c.Alive() {
		return domain.ErrOverflow("connection closed")
	}

	select {
	case c.queue <- d:
		return nil
	default:
	}

	switch c.overflow {
	case OverflowDropOldest:
		for {
			select {
			case <-c.queue:
				c.dropped.Add(1)
			default:
			}
			select {
			case c.queue <- d:
				return nil
			default:
			}
		}
	case OverflowBlock:
		select {
		case c.queue <- d:
			return nil
		case <-ctx.Done():
			return domain.ErrOverflow("enqueue cancelled: " + ctx.Err().Error())
		case <-c.closed:
			return domain.ErrOverflow("connection closed")
		}
	default: // disconnect
		c.dropped.Add(1)
		c.Close(CloseTenantEviction, "outbound queue overflow")
		return domain.ErrOverflow("outbound queue full")
	}
}

// Close marks the connection dead and notifies the protocol adapter once.
// Safe to call from any goroutine.
func (c *Conn) Close(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode.Store(int32(code))
		c.closeReason.Store(reason)
		close(c.closed)
		if c.closeFn != nil {
			c.closeFn(code, reason)
		}
	})
}

// CloseCode returns the code passed to Close, 0 if still open.
func (c *Conn) CloseCode() int { return int(c.closeCode.Load()) }

func (c *Conn) CloseReason() string {
	if r, ok := c.closeReason.Load().(string); ok {
		return r
	}
	return ""
}
