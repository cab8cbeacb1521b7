package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"

	"github.com/ragline/ragline/internal/bus"
	"github.com/ragline/ragline/internal/domain"
	"github.com/ragline/ragline/internal/metrics"
	"github.com/ragline/ragline/internal/schema"
)

type fakeStore struct {
	mu        sync.Mutex
	rows      []Row
	claimed   bool
	processed []int64
	failed    map[int64]string
	dead      map[int64]string
	released  []int64
}

func newFakeStore(rows ...Row) *fakeStore {
	return &fakeStore{rows: rows, failed: map[int64]string{}, dead: map[int64]string{}}
}

func (f *fakeStore) Claim(ctx context.Context, worker string, limit int, visibility time.Duration) ([]Row, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimed {
		return nil, nil
	}
	f.claimed = true
	return f.rows, nil
}

func (f *fakeStore) MarkProcessed(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.processed = append(f.processed, id)
	return nil
}

func (f *fakeStore) MarkFailed(ctx context.Context, id int64, lastErr string, retryAfter time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = lastErr
	return nil
}

func (f *fakeStore) MarkDead(ctx context.Context, id int64, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[id] = lastErr
	return nil
}

func (f *fakeStore) Release(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, id)
	return nil
}

func (f *fakeStore) OldestUnprocessedAge(ctx context.Context) (time.Duration, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) PurgeProcessed(ctx context.Context, olderThan time.Duration) (int64, error) {
	return 0, nil
}

type fakeBus struct {
	bus.Bus

	mu       sync.Mutex
	appends  []string // event ids in append order
	failIDs  map[string]error
	deadlets []domain.DLQEntry
}

func newFakeBus() *fakeBus {
	return &fakeBus{failIDs: map[string]error{}}
}

func (f *fakeBus) Append(ctx context.Context, topic string, env *domain.Envelope) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failIDs[env.EventID]; ok {
		return "", err
	}
	f.appends = append(f.appends, env.EventID)
	return "1-1", nil
}

func (f *fakeBus) DeadLetter(ctx context.Context, topic string, entry domain.DLQEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deadlets = append(f.deadlets, entry)
	return "1-1", nil
}

// orderedStore mirrors the production claim gating: a row is visible only
// when it is unlocked and no earlier unprocessed row of its (tenant,
// aggregate) pair exists.
type orderedStore struct {
	fakeStore

	keys      map[int64]string
	lockedTil map[int64]time.Time
	done      map[int64]bool
}

func newOrderedStore(t *testing.T, rows ...Row) *orderedStore {
	t.Helper()
	s := &orderedStore{
		fakeStore: fakeStore{rows: rows, failed: map[int64]string{}, dead: map[int64]string{}},
		keys:      make(map[int64]string),
		lockedTil: make(map[int64]time.Time),
		done:      make(map[int64]bool),
	}
	for _, r := range rows {
		env, err := domain.UnmarshalEnvelope(r.Payload)
		require.NoError(t, err)
		s.keys[r.ID] = env.TenantID + "/" + env.AggregateID
	}
	return s
}

func (s *orderedStore) Claim(ctx context.Context, worker string, limit int, visibility time.Duration) ([]Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	pending := make(map[string]bool)
	var batch []Row
	for _, r := range s.rows {
		if s.done[r.ID] {
			continue
		}
		key := s.keys[r.ID]
		blockedByPredecessor := pending[key]
		pending[key] = true
		if blockedByPredecessor || s.lockedTil[r.ID].After(now) {
			continue
		}
		s.lockedTil[r.ID] = now.Add(visibility)
		batch = append(batch, r)
		if len(batch) >= limit {
			break
		}
	}
	return batch, nil
}

func (s *orderedStore) MarkProcessed(ctx context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.done[id] = true
	delete(s.lockedTil, id)
	s.processed = append(s.processed, id)
	return nil
}

func (s *orderedStore) MarkFailed(ctx context.Context, id int64, lastErr string, retryAfter time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failed[id] = lastErr
	s.lockedTil[id] = time.Now().Add(retryAfter)
	return nil
}

func (s *orderedStore) expire(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lockedTil, id)
}

func rowFor(t *testing.T, id int64, attempts int, mutate func(*domain.Envelope)) Row {
	t.Helper()
	env := validEnvelope(t)
	if mutate != nil {
		mutate(env)
	}
	raw, err := env.Marshal()
	require.NoError(t, err)
	return Row{ID: id, EventID: env.EventID, Payload: raw, CreatedAt: time.Now(), Attempts: attempts}
}

func newTestReader(store Store, b bus.Bus) *Reader {
	return NewReader(store, b, schema.Default(), metrics.New(), ReaderConfig{
		Worker:      "w-test",
		BatchSize:   10,
		Visibility:  30 * time.Second,
		MaxAttempts: 8,
		RetryBase:   time.Second,
		RetryCap:    time.Minute,
	})
}

func TestReader_PublishesAndMarksProcessed(t *testing.T) {
	r1 := rowFor(t, 1, 0, nil)
	r2 := rowFor(t, 2, 0, nil)
	store := newFakeStore(r1, r2)
	b := newFakeBus()

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	require.Equal(t, []string{r1.EventID, r2.EventID}, b.appends)
	require.Equal(t, []int64{1, 2}, store.processed)
	require.Empty(t, store.failed)
}

func TestReader_FailureBlocksSameAggregate(t *testing.T) {
	r1 := rowFor(t, 1, 0, func(e *domain.Envelope) { e.AggregateID = "order-9" })
	r2 := rowFor(t, 2, 0, func(e *domain.Envelope) { e.AggregateID = "order-9" })
	r3 := rowFor(t, 3, 0, func(e *domain.Envelope) { e.AggregateID = "order-other" })

	store := newFakeStore(r1, r2, r3)
	b := newFakeBus()
	b.failIDs[r1.EventID] = errors.New("stream unavailable")

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	// r1 retries later, r2 is released untouched, r3 is unaffected.
	require.Contains(t, store.failed, int64(1))
	require.Equal(t, []int64{2}, store.released)
	require.Equal(t, []string{r3.EventID}, b.appends)
	require.Equal(t, []int64{3}, store.processed)
}

func TestReader_BackoffDoesNotReorderAggregateAcrossPolls(t *testing.T) {
	r1 := rowFor(t, 1, 0, func(e *domain.Envelope) { e.AggregateID = "order-9" })
	r2 := rowFor(t, 2, 0, func(e *domain.Envelope) { e.AggregateID = "order-9" })

	store := newOrderedStore(t, r1, r2)
	b := newFakeBus()
	b.failIDs[r1.EventID] = errors.New("stream unavailable")

	r := newTestReader(store, b)

	// Poll 1 claims only row 1, row 2 is gated behind it. The publish fails
	// and row 1 starts backing off.
	require.NoError(t, r.processBatch(context.Background()))
	require.Empty(t, b.appends)
	require.Contains(t, store.failed, int64(1))

	// Poll 2: row 1 is invisible while backing off, and row 2 must stay gated
	// behind it rather than overtake.
	require.NoError(t, r.processBatch(context.Background()))
	require.Empty(t, b.appends)

	// Stream recovers and row 1's backoff elapses.
	b.mu.Lock()
	delete(b.failIDs, r1.EventID)
	b.mu.Unlock()
	store.expire(1)

	require.NoError(t, r.processBatch(context.Background()))
	require.NoError(t, r.processBatch(context.Background()))
	require.Equal(t, []string{r1.EventID, r2.EventID}, b.appends)
}

func TestReader_MaxAttemptsMovesToDLQ(t *testing.T) {
	row := rowFor(t, 1, 7, nil) // next failure is attempt 8 of 8
	store := newFakeStore(row)
	b := newFakeBus()
	b.failIDs[row.EventID] = errors.New("still down")

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	require.Len(t, b.deadlets, 1)
	require.Equal(t, domain.ReasonMaxAttempts, b.deadlets[0].Reason)
	require.Equal(t, 8, b.deadlets[0].AttemptCount)
	require.Contains(t, store.dead, int64(1))
	require.Empty(t, store.failed)
}

func TestReader_PoisonPayloadGoesStraightToDLQ(t *testing.T) {
	row := Row{ID: 1, EventID: "ev-poison", Payload: []byte("{not json"), Attempts: 0}
	store := newFakeStore(row)
	b := newFakeBus()

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	require.Len(t, b.deadlets, 1)
	require.Equal(t, domain.ReasonPoisonPayload, b.deadlets[0].Reason)
	require.Contains(t, store.dead, int64(1))
	require.Empty(t, b.appends)
}

func TestReader_UnknownEventTypeForwardedUntouched(t *testing.T) {
	row := rowFor(t, 1, 0, func(e *domain.Envelope) {
		e.EventType = "invoice_issued"
		e.Payload = []byte(`{"anything":true}`)
	})
	store := newFakeStore(row)
	b := newFakeBus()

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	require.Equal(t, []string{row.EventID}, b.appends)
	require.Equal(t, []int64{1}, store.processed)
	require.Empty(t, b.deadlets)
}

func TestReader_UnknownSchemaVersionIsPermanent(t *testing.T) {
	row := rowFor(t, 1, 0, func(e *domain.Envelope) { e.SchemaVersion = 9 })
	store := newFakeStore(row)
	b := newFakeBus()

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	// A known type with an unregistered version is a contract conflict and
	// goes straight to the DLQ, no retries.
	require.Len(t, b.deadlets, 1)
	require.Equal(t, domain.ReasonValidationPermanent, b.deadlets[0].Reason)
	require.Contains(t, store.dead, int64(1))
	require.Empty(t, store.failed)
	require.Empty(t, b.appends)
}

func TestReader_ObservesAppendLatency(t *testing.T) {
	r1 := rowFor(t, 1, 0, nil)
	r2 := rowFor(t, 2, 0, nil)
	store := newFakeStore(r1, r2)
	b := newFakeBus()
	b.failIDs[r2.EventID] = errors.New("stream unavailable")

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	// Both appends are timed, the failed one included.
	var sample dto.Metric
	require.NoError(t, r.m.BusAppendDuration.Write(&sample))
	require.EqualValues(t, 2, sample.GetHistogram().GetSampleCount())
}

func TestReader_InvalidPayloadRetriesThenQuarantines(t *testing.T) {
	row := rowFor(t, 1, 0, func(e *domain.Envelope) {
		e.Payload = []byte(`{"items":[],"total_minor_units":0,"currency":"E"}`)
	})
	store := newFakeStore(row)
	b := newFakeBus()

	r := newTestReader(store, b)
	require.NoError(t, r.processBatch(context.Background()))

	require.Contains(t, store.failed, int64(1))
	require.Empty(t, b.deadlets)
	require.Empty(t, b.appends)
}
