// Package registry tracks live push connections by tenant and user. It is
// sharded by tenant so dispatcher fan-out and handshake churn on different
// tenants never contend on one lock.
package registry

import (
	"hash/fnv"
	"sync"

	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/metrics"
)

const shardCount = 16

type shard struct {
	mu       sync.RWMutex
	byID     map[string]*Conn
	byTenant map[string]map[string]*Conn
}

// Registry is the in-memory directory of live connections. It owns the
// connection records exclusively; other components address them by id or
// iterate via ForEach.
type Registry struct {
	shards [shardCount]*shard
	m      *metrics.Metrics

	hookMu         sync.RWMutex
	onTenantActive func(tenantID string)
}

func New(m *metrics.Metrics) *Registry {
	r := &Registry{m: m}
	for i := range r.shards {
		r.shards[i] = &shard{
			byID:     make(map[string]*Conn),
			byTenant: make(map[string]map[string]*Conn),
		}
	}
	return r
}

// OnTenantActive registers the hook invoked when a tenant gains its first
// live connection. The dispatch manager uses it to start the tenant's
// consumer loop lazily.
func (r *Registry) OnTenantActive(fn func(tenantID string)) {
	r.hookMu.Lock()
	r.onTenantActive = fn
	r.hookMu.Unlock()
}

func shardFor(tenantID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(tenantID))
	return h.Sum32() % shardCount
}

func (r *Registry) shard(tenantID string) *shard {
	return r.shards[shardFor(tenantID)]
}

// Register stores the connection and returns its id. The credential was
// already validated by the handshake; the record caches tenant and user.
func (r *Registry) Register(c *Conn) string {
	s := r.shard(c.tenantID)

	s.mu.Lock()
	s.byID[c.id] = c
	tenant := s.byTenant[c.tenantID]
	if tenant == nil {
		tenant = make(map[string]*Conn)
		s.byTenant[c.tenantID] = tenant
	}
	first := len(tenant) == 0
	tenant[c.id] = c
	s.mu.Unlock()

	r.m.ConnectionsOpen.WithLabelValues(string(c.protocol)).Inc()
	zlog.Debug().
		Str("component", "registry").
		Str("connection_id", c.id).
		Str("tenant_id", c.tenantID).
		Str("protocol", string(c.protocol)).
		Msg("connection registered")

	if first {
		r.hookMu.RLock()
		hook := r.onTenantActive
		r.hookMu.RUnlock()
		if hook != nil {
			hook(c.tenantID)
		}
	}
	return c.id
}

// Lookup finds a connection by id. Scans shards since ids are not
// tenant-prefixed; callers that know the tenant use ForEach instead.
func (r *Registry) Lookup(connID string) (*Conn, bool) {
	for _, s := range r.shards {
		s.mu.RLock()
		c, ok := s.byID[connID]
		s.mu.RUnlock()
		if ok {
			return c, true
		}
	}
	return nil, false
}

func (r *Registry) Subscribe(connID string, filters ...string) bool {
	c, ok := r.Lookup(connID)
	if !ok {
		return false
	}
	c.Subscribe(filters...)
	return true
}

func (r *Registry) Unsubscribe(connID string, filters ...string) bool {
	c, ok := r.Lookup(connID)
	if !ok {
		return false
	}
	c.Unsubscribe(filters...)
	return true
}

// ForEach calls fn for every live connection of the tenant whose filters
// match eventType. An empty eventType matches every connection.
func (r *Registry) ForEach(tenantID, eventType string, fn func(*Conn)) {
	s := r.shard(tenantID)

	s.mu.RLock()
	conns := make([]*Conn, 0, len(s.byTenant[tenantID]))
	for _, c := range s.byTenant[tenantID] {
		conns = append(conns, c)
	}
	s.mu.RUnlock()

	for _, c := range conns {
		if !c.Alive() {
			continue
		}
		if eventType != "" && !c.Matches(eventType) {
			continue
		}
		fn(c)
	}
}

// Remove closes the connection and drops it from the directory.
func (r *Registry) Remove(connID string, code int, reason string) {
	c, ok := r.Lookup(connID)
	if !ok {
		return
	}
	c.Close(code, reason)

	s := r.shard(c.tenantID)
	s.mu.Lock()
	if _, present := s.byID[connID]; !present {
		s.mu.Unlock()
		return
	}
	delete(s.byID, connID)
	if tenant := s.byTenant[c.tenantID]; tenant != nil {
		delete(tenant, connID)
		if len(tenant) == 0 {
			delete(s.byTenant, c.tenantID)
		}
	}
	s.mu.Unlock()

	r.m.ConnectionsOpen.WithLabelValues(string(c.protocol)).Dec()
	zlog.Debug().
		Str("component", "registry").
		Str("connection_id", connID).
		Str("tenant_id", c.tenantID).
		Int("code", code).
		Str("reason", reason).
		Msg("connection removed")
}

// TenantConnections reports live connections for one tenant.
func (r *Registry) TenantConnections(tenantID string) int {
	s := r.shard(tenantID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byTenant[tenantID])
}

// ConnStats is one connection's entry in the admin stats dump.
type ConnStats struct {
	ConnectionID  string   `json:"connection_id"`
	TenantID      string   `json:"tenant_id"`
	UserID        string   `json:"user_id"`
	Protocol      string   `json:"protocol"`
	Subscriptions []string `json:"subscriptions"`
	QueueDepth    int      `json:"queue_depth"`
	Delivered     int64    `json:"delivered"`
	Dropped       int64    `json:"dropped"`
}

// Stats snapshots every live connection, grouped by tenant.
func (r *Registry) Stats() map[string][]ConnStats {
	out := make(map[string][]ConnStats)
	for _, s := range r.shards {
		s.mu.RLock()
		for tenantID, conns := range s.byTenant {
			for _, c := range conns {
				out[tenantID] = append(out[tenantID], ConnStats{
					ConnectionID:  c.id,
					TenantID:      c.tenantID,
					UserID:        c.userID,
					Protocol:      string(c.protocol),
					Subscriptions: c.Subscriptions(),
					QueueDepth:    c.QueueDepth(),
					Delivered:     c.Delivered(),
					Dropped:       c.Dropped(),
				})
			}
		}
		s.mu.RUnlock()
	}
	return out
}
