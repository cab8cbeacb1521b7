package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	zlog "github.com/rs/zerolog/log"

	"github.com/ragline/ragline/internal/domain"
)

const (
	streamPrefix = "ragline:stream:"
	dlqPrefix    = "ragline:dlq:"
	seenPrefix   = "ragline:stream:seen:"
)

func streamKey(topic string) string { return streamPrefix + topic }
func dlqKey(topic string) string    { return dlqPrefix + topic }
func seenKey(eventID string) string { return seenPrefix + eventID }

// RedisBus implements Bus on Redis Streams with consumer groups.
type RedisBus struct {
	rdb       *redis.Client
	opTimeout time.Duration
	retention time.Duration

	groupMu sync.Mutex
	groups  map[string]struct{} // group/topic pairs already created
}

func NewRedisBus(rdb *redis.Client, opTimeout, retention time.Duration) *RedisBus {
	return &RedisBus{
		rdb:       rdb,
		opTimeout: opTimeout,
		retention: retention,
		groups:    make(map[string]struct{}),
	}
}

// Dial parses a redis URL, connects and pings.
func Dial(url string, opTimeout, retention time.Duration) (*RedisBus, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return NewRedisBus(rdb, opTimeout, retention), nil
}

func (b *RedisBus) Close() error { return b.rdb.Close() }

func (b *RedisBus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *RedisBus) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.opTimeout)
}

func (b *RedisBus) Append(ctx context.Context, topic string, env *domain.Envelope) (string, error) {
	raw, err := env.Marshal()
	if err != nil {
		return "", domain.ErrValidation("envelope does not serialize: " + err.Error())
	}

	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	// De-dup guard: first writer of the seen key owns the append. A crash
	// between bus-accept and mark-processed re-runs this path and gets the
	// recorded id back instead of a second entry.
	guard := seenKey(env.EventID)
	ok, err := b.rdb.SetNX(ctx, guard, "pending", b.retention).Result()
	if err != nil {
		return "", domain.ErrTransient("bus append guard: " + err.Error())
	}
	if !ok {
		prev, err := b.rdb.Get(ctx, guard).Result()
		if err == nil && prev != "pending" {
			return prev, nil
		}
		// Guard exists but the id was never recorded: the original appender
		// died mid-flight. Fall through and append; consumer-side de-dup on
		// event_id absorbs the at-most-one duplicate.
	}

	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: streamKey(topic),
		Values: map[string]any{
			"event_id":   env.EventID,
			"event_type": env.EventType,
			"tenant_id":  env.TenantID,
			"envelope":   string(raw),
		},
	}).Result()
	if err != nil {
		return "", domain.ErrTransient("bus append: " + err.Error())
	}

	if err := b.rdb.Set(ctx, guard, id, b.retention).Err(); err != nil {
		zlog.Warn().Err(err).Str("event_id", env.EventID).Msg("failed to record append guard id")
	}
	return id, nil
}

// ensureGroup creates the consumer group per topic once and remembers it, so
// the read path does not pay three XGROUP round trips per poll. A group lost
// underneath us surfaces as NOGROUP on the read and is recreated there.
func (b *RedisBus) ensureGroup(ctx context.Context, group string, topics []string) error {
	for _, topic := range topics {
		key := group + "/" + topic
		b.groupMu.Lock()
		_, known := b.groups[key]
		b.groupMu.Unlock()
		if known {
			continue
		}
		err := b.rdb.XGroupCreateMkStream(ctx, streamKey(topic), group, "0").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
		b.groupMu.Lock()
		b.groups[key] = struct{}{}
		b.groupMu.Unlock()
	}
	return nil
}

// forgetGroups drops the creation cache for the group so the next ensure
// recreates it.
func (b *RedisBus) forgetGroups(group string, topics []string) {
	b.groupMu.Lock()
	for _, topic := range topics {
		delete(b.groups, group+"/"+topic)
	}
	b.groupMu.Unlock()
}

func (b *RedisBus) Read(ctx context.Context, group, consumer string, topics []string, count int64, block time.Duration) ([]Entry, error) {
	readCtx := ctx
	var cancel context.CancelFunc
	if block > 0 {
		readCtx, cancel = context.WithTimeout(ctx, block+b.opTimeout)
	} else {
		readCtx, cancel = b.opCtx(ctx)
	}
	defer cancel()

	if err := b.ensureGroup(readCtx, group, topics); err != nil {
		return nil, domain.ErrTransient("bus group create: " + err.Error())
	}

	streams := make([]string, 0, len(topics)*2)
	for _, topic := range topics {
		streams = append(streams, streamKey(topic))
	}
	for range topics {
		streams = append(streams, ">")
	}

	if block <= 0 {
		block = -1 // no BLOCK argument
	}
	args := &redis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  streams,
		Count:    count,
		Block:    block,
	}
	res, err := b.rdb.XReadGroup(readCtx, args).Result()
	if err != nil && strings.Contains(err.Error(), "NOGROUP") {
		// Group vanished underneath the cache (flush, failover): recreate
		// and retry once.
		b.forgetGroups(group, topics)
		if gerr := b.ensureGroup(readCtx, group, topics); gerr != nil {
			return nil, domain.ErrTransient("bus group create: " + gerr.Error())
		}
		res, err = b.rdb.XReadGroup(readCtx, args).Result()
	}
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, domain.ErrTransient("bus read: " + err.Error())
	}

	var entries []Entry
	for _, sr := range res {
		topic := strings.TrimPrefix(sr.Stream, streamPrefix)
		for _, msg := range sr.Messages {
			entry, err := decodeEntry(topic, msg)
			if err != nil {
				zlog.Warn().Err(err).Str("stream", sr.Stream).Str("id", msg.ID).Msg("undecodable stream entry, acking away")
				_ = b.rdb.XAck(readCtx, sr.Stream, group, msg.ID).Err()
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func decodeEntry(topic string, msg redis.XMessage) (Entry, error) {
	raw, ok := msg.Values["envelope"].(string)
	if !ok {
		return Entry{}, fmt.Errorf("entry %s missing envelope field", msg.ID)
	}
	env, err := domain.UnmarshalEnvelope([]byte(raw))
	if err != nil {
		return Entry{}, err
	}
	return Entry{ID: msg.ID, Topic: topic, Envelope: env}, nil
}

func (b *RedisBus) Ack(ctx context.Context, group, topic, streamID string) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.rdb.XAck(ctx, streamKey(topic), group, streamID).Err(); err != nil {
		return domain.ErrTransient("bus ack: " + err.Error())
	}
	return nil
}

func (b *RedisBus) Pending(ctx context.Context, group, topic string) ([]PendingInfo, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	res, err := b.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: streamKey(topic),
		Group:  group,
		Start:  "-",
		End:    "+",
		Count:  1000,
	}).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return nil, nil
		}
		return nil, domain.ErrTransient("bus pending: " + err.Error())
	}
	infos := make([]PendingInfo, 0, len(res))
	for _, p := range res {
		infos = append(infos, PendingInfo{
			ID:            p.ID,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}
	return infos, nil
}

func (b *RedisBus) ClaimStale(ctx context.Context, group, consumer string, topics []string, minIdle time.Duration) ([]Entry, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	var entries []Entry
	for _, topic := range topics {
		msgs, _, err := b.rdb.XAutoClaim(ctx, &redis.XAutoClaimArgs{
			Stream:   streamKey(topic),
			Group:    group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Start:    "0-0",
			Count:    100,
		}).Result()
		if err != nil {
			if strings.Contains(err.Error(), "NOGROUP") {
				continue
			}
			return nil, domain.ErrTransient("bus claim stale: " + err.Error())
		}
		for _, msg := range msgs {
			entry, err := decodeEntry(topic, msg)
			if err != nil {
				_ = b.rdb.XAck(ctx, streamKey(topic), group, msg.ID).Err()
				continue
			}
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func (b *RedisBus) Range(ctx context.Context, topic, afterID string, count int64) ([]Entry, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()

	start := "-"
	if afterID != "" {
		start = nextStreamID(afterID)
	}
	msgs, err := b.rdb.XRangeN(ctx, streamKey(topic), start, "+", count).Result()
	if err != nil {
		return nil, domain.ErrTransient("bus range: " + err.Error())
	}
	entries := make([]Entry, 0, len(msgs))
	for _, msg := range msgs {
		entry, err := decodeEntry(topic, msg)
		if err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// nextStreamID returns the smallest id strictly greater than id, so Range
// can be exclusive without relying on Redis 6.2 "(" syntax.
func nextStreamID(id string) string {
	ms, seq, ok := strings.Cut(id, "-")
	if !ok {
		return id + "-1"
	}
	n, err := strconv.ParseUint(seq, 10, 64)
	if err != nil {
		return id
	}
	return ms + "-" + strconv.FormatUint(n+1, 10)
}

func (b *RedisBus) DeadLetter(ctx context.Context, topic string, entry domain.DLQEntry) (string, error) {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "", domain.ErrPermanent("dlq entry does not serialize: " + err.Error())
	}

	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	id, err := b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: dlqKey(topic),
		Values: map[string]any{
			"event_id": entry.Envelope.EventID,
			"reason":   entry.Reason,
			"entry":    string(raw),
		},
	}).Result()
	if err != nil {
		return "", domain.ErrTransient("dlq append: " + err.Error())
	}
	return id, nil
}

func (b *RedisBus) DLQList(ctx context.Context, topic string, count int64) ([]DLQRecord, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	msgs, err := b.rdb.XRangeN(ctx, dlqKey(topic), "-", "+", count).Result()
	if err != nil {
		return nil, domain.ErrTransient("dlq list: " + err.Error())
	}
	records := make([]DLQRecord, 0, len(msgs))
	for _, msg := range msgs {
		raw, ok := msg.Values["entry"].(string)
		if !ok {
			continue
		}
		var entry domain.DLQEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			zlog.Warn().Err(err).Str("id", msg.ID).Msg("undecodable dlq entry")
			continue
		}
		records = append(records, DLQRecord{ID: msg.ID, Entry: entry})
	}
	return records, nil
}

func (b *RedisBus) DLQDelete(ctx context.Context, topic string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	if err := b.rdb.XDel(ctx, dlqKey(topic), ids...).Err(); err != nil {
		return domain.ErrTransient("dlq delete: " + err.Error())
	}
	return nil
}

func (b *RedisBus) DLQLen(ctx context.Context, topic string) (int64, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	n, err := b.rdb.XLen(ctx, dlqKey(topic)).Result()
	if err != nil {
		return 0, domain.ErrTransient("dlq len: " + err.Error())
	}
	return n, nil
}

func (b *RedisBus) Trim(ctx context.Context, topic string, maxAge time.Duration) error {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	// Stream ids are millisecond timestamps; everything below the cutoff is
	// past the replay window.
	minID := strconv.FormatInt(time.Now().Add(-maxAge).UnixMilli(), 10) + "-0"
	if err := b.rdb.XTrimMinID(ctx, streamKey(topic), minID).Err(); err != nil {
		return domain.ErrTransient("bus trim: " + err.Error())
	}
	return nil
}

func (b *RedisBus) GroupLag(ctx context.Context, group, topic string) (int64, error) {
	ctx, cancel := b.opCtx(ctx)
	defer cancel()
	res, err := b.rdb.XPending(ctx, streamKey(topic), group).Result()
	if err != nil {
		if strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, domain.ErrTransient("bus group lag: " + err.Error())
	}
	return res.Count, nil
}
