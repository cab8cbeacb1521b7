package registry

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
)

func testDelivery(id string) Delivery {
	return Delivery{
		StreamID: id,
		Topic:    domain.TopicOrders,
		Envelope: &domain.Envelope{
			EventID:   id,
			EventType: "order_created",
			TenantID:  "t1",
			Payload:   json.RawMessage(`{}`),
		},
	}
}

func TestRegistry_RegisterAndForEach(t *testing.T) {
	r := New(metrics.New())

	c1 := NewConn(ConnConfig{TenantID: "t1", UserID: "u1", Protocol: ProtocolSSE, Subscriptions: []string{"order_*"}})
	c2 := NewConn(ConnConfig{TenantID: "t1", UserID: "u2", Protocol: ProtocolWS, Subscriptions: []string{"notification_*"}})
	c3 := NewConn(ConnConfig{TenantID: "t2", UserID: "u3", Protocol: ProtocolSSE, Subscriptions: []string{"*"}})
	r.Register(c1)
	r.Register(c2)
	r.Register(c3)

	var got []string
	r.ForEach("t1", "order_created", func(c *Conn) { got = append(got, c.UserID()) })
	require.Equal(t, []string{"u1"}, got)

	got = nil
	r.ForEach("t2", "order_created", func(c *Conn) { got = append(got, c.UserID()) })
	require.Equal(t, []string{"u3"}, got)
}

func TestRegistry_TenantActiveHookFiresOnce(t *testing.T) {
	r := New(metrics.New())

	var activated []string
	r.OnTenantActive(func(tenant string) { activated = append(activated, tenant) })

	r.Register(NewConn(ConnConfig{TenantID: "t1", Protocol: ProtocolSSE}))
	r.Register(NewConn(ConnConfig{TenantID: "t1", Protocol: ProtocolSSE}))
	r.Register(NewConn(ConnConfig{TenantID: "t2", Protocol: ProtocolWS}))

	require.Equal(t, []string{"t1", "t2"}, activated)
}

func TestRegistry_RemoveClosesConnection(t *testing.T) {
	r := New(metrics.New())

	var code int
	var reason string
	c := NewConn(ConnConfig{TenantID: "t1", Protocol: ProtocolWS, CloseFn: func(cd int, rs string) {
		code, reason = cd, rs
	}})
	id := r.Register(c)

	r.Remove(id, CloseNormal, "client done")

	require.False(t, c.Alive())
	require.Equal(t, CloseNormal, code)
	require.Equal(t, "client done", reason)
	require.Equal(t, 0, r.TenantConnections("t1"))

	// Idempotent: a second remove is a no-op.
	r.Remove(id, CloseServerError, "again")
	require.Equal(t, CloseNormal, c.CloseCode())
}

func TestConn_SubscriptionGlobs(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1", Subscriptions: []string{"order_*"}})

	require.True(t, c.Matches("order_created"))
	require.False(t, c.Matches("notification_sent"))

	c.Subscribe("notification_*")
	require.True(t, c.Matches("notification_sent"))

	c.Unsubscribe("order_*")
	require.False(t, c.Matches("order_created"))
}

func TestConn_Overflow_Disconnect(t *testing.T) {
	var code int
	c := NewConn(ConnConfig{
		TenantID:      "t1",
		QueueCapacity: 2,
		Overflow:      OverflowDisconnect,
		CloseFn:       func(cd int, _ string) { code = cd },
	})

	require.NoError(t, c.Enqueue(context.Background(), testDelivery("1-0")))
	require.NoError(t, c.Enqueue(context.Background(), testDelivery("2-0")))

	err := c.Enqueue(context.Background(), testDelivery("3-0"))
	require.Error(t, err)
	require.Equal(t, CloseTenantEviction, code)
	require.False(t, c.Alive())
}

func TestConn_Overflow_DropOldest(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1", QueueCapacity: 2, Overflow: OverflowDropOldest})

	require.NoError(t, c.Enqueue(context.Background(), testDelivery("1-0")))
	require.NoError(t, c.Enqueue(context.Background(), testDelivery("2-0")))
	require.NoError(t, c.Enqueue(context.Background(), testDelivery("3-0")))

	first := <-c.Out()
	second := <-c.Out()
	require.Equal(t, "2-0", first.StreamID)
	require.Equal(t, "3-0", second.StreamID)
	require.Equal(t, int64(1), c.Dropped())
	require.True(t, c.Alive())
}

func TestConn_Overflow_BlockRespectsContext(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1", QueueCapacity: 1, Overflow: OverflowBlock})
	require.NoError(t, c.Enqueue(context.Background(), testDelivery("1-0")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := c.Enqueue(ctx, testDelivery("2-0"))
	require.Error(t, err)
	require.True(t, c.Alive())
}

func TestConn_CredentialExpiry(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1", ExpiresAt: time.Now().Add(-time.Minute)})
	require.True(t, c.CredentialExpired(time.Now()))

	open := NewConn(ConnConfig{TenantID: "t1"})
	require.False(t, open.CredentialExpired(time.Now()))
}

func TestConn_SupersededTracksWrittenFrames(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1"})
	c.MarkDelivered(domain.TopicOrders, "100-2")

	require.True(t, c.Superseded(Delivery{StreamID: "100-2", Topic: domain.TopicOrders}))
	// Older ids the client never received must still replay; a live frame
	// ahead of them says nothing about whether they were seen.
	require.False(t, c.Superseded(Delivery{StreamID: "99-9", Topic: domain.TopicOrders}))
	require.False(t, c.Superseded(Delivery{StreamID: "100-3", Topic: domain.TopicOrders}))
	require.False(t, c.Superseded(Delivery{StreamID: "100-2", Topic: domain.TopicNotifications}))
}

func TestConn_SupersededWindowEvictsOldest(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1"})
	for i := 0; i <= deliveredWindow; i++ {
		c.MarkDelivered(domain.TopicOrders, "1-"+strconv.Itoa(i))
	}

	require.False(t, c.Superseded(Delivery{StreamID: "1-0", Topic: domain.TopicOrders}))
	require.True(t, c.Superseded(Delivery{StreamID: "1-1", Topic: domain.TopicOrders}))
	require.True(t, c.Superseded(Delivery{StreamID: "1-" + strconv.Itoa(deliveredWindow), Topic: domain.TopicOrders}))
}

func TestConn_MarkDeliveredTracksCursor(t *testing.T) {
	c := NewConn(ConnConfig{TenantID: "t1"})
	c.MarkDelivered(domain.TopicOrders, "100-1")
	c.MarkDelivered(domain.TopicOrders, "101-0")

	require.Equal(t, "101-0", c.LastEventID(domain.TopicOrders))
	require.Equal(t, "", c.LastEventID(domain.TopicNotifications))
	require.Equal(t, int64(2), c.Delivered())
}
