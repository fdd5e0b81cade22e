package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/transactional"
)

// ---- minimal test helpers ----

type txStub struct{}

func (txStub) Commit() error   { return nil }
func (txStub) Rollback() error { return nil }

type transactionalStub struct{}

func (transactionalStub) BeginTransaction(context.Context, transactional.BeginTransactionOptions) (transactional.Transaction, error) {
	return txStub{}, nil
}
func (transactionalStub) DefaultLogFields() map[string]any                           { return map[string]any{} }
func (t transactionalStub) WithLogFields(map[string]any) transactional.Transactional { return t }

type memCheckpoint struct {
	mu    sync.Mutex
	saved map[string]redisstream.StreamID
}

func newMemCheckpoint() *memCheckpoint {
	return &memCheckpoint{saved: make(map[string]redisstream.StreamID)}
}

func (m *memCheckpoint) Save(_ context.Context, _ transactional.Transaction, consumer string, id redisstream.StreamID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved[consumer] = id
	return nil
}

func (m *memCheckpoint) Load(_ context.Context, _ transactional.Transaction, consumer string) (redisstream.StreamID, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.saved[consumer]
	return id, ok, nil
}

// stubStore replays scripted batches and records every request it sees.
type stubStore struct {
	batches      [][]redisstream.Entry
	reads        []ReadRequest
	readErr      error
	acked        []string
	ackErr       error
	pending      []PendingEntry
	pendingErr   error
	pendingCalls int
	created      []string
	createErr    error
}

func (s *stubStore) pop() []redisstream.Entry {
	if len(s.batches) == 0 {
		return nil
	}

	batch := s.batches[0]
	s.batches = s.batches[1:]

	return batch
}

func (s *stubStore) Read(_ context.Context, req ReadRequest) ([]redisstream.Entry, error) {
	s.reads = append(s.reads, req)
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.pop(), nil
}

func (s *stubStore) GroupRead(_ context.Context, req ReadRequest) ([]redisstream.Entry, error) {
	s.reads = append(s.reads, req)
	if s.readErr != nil {
		return nil, s.readErr
	}
	return s.pop(), nil
}

func (s *stubStore) GroupAck(_ context.Context, _, _ string, id redisstream.StreamID) error {
	if s.ackErr != nil {
		return s.ackErr
	}
	s.acked = append(s.acked, id.String())
	return nil
}

func (s *stubStore) GroupPending(_ context.Context, _, _, _ string, _ time.Duration) ([]PendingEntry, error) {
	s.pendingCalls++
	return s.pending, s.pendingErr
}

func (s *stubStore) GroupCreate(_ context.Context, stream, group, start string, createStream bool) error {
	s.created = append(s.created, fmt.Sprintf("%s/%s/%s/%t", stream, group, start, createStream))
	return s.createErr
}

func entry(ms, seq uint64, value string) redisstream.Entry {
	return redisstream.Entry{
		ID:     redisstream.StreamID{Ms: ms, Seq: seq},
		Fields: map[string][]byte{"key": []byte(value)},
	}
}

// ---- tests ----

func TestConsumeDispatchesInIDOrder(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		// out of order on purpose: dispatch order must not depend on the
		// backend's reply order
		{entry(3, 0, "c"), entry(1, 0, "a"), entry(2, 0, "b")},
	}}

	var seen []string
	handler := func(id string, _ redisstream.Entry) error {
		seen = append(seen, id)
		return nil
	}

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"1-0", "2-0", "3-0"}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", seen, want)
		}
	}

	if c.HandledCount() != 3 {
		t.Fatalf("expected 3 handled entries, got %d", c.HandledCount())
	}

	if last, ok := c.LastSeenID(); !ok || last.String() != "3-0" {
		t.Fatalf("unexpected cursor: %v %v", last, ok)
	}
}

func TestConsumeNeverRereadsBelowCursor(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a"), entry(2, 0, "b")},
	}}

	handler := func(string, redisstream.Entry) error { return nil }

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.reads[0].From != "$" {
		t.Fatalf("first read should use only-new semantics, got %q", store.reads[0].From)
	}

	if store.reads[1].From != "2-0" {
		t.Fatalf("second read should resume after the last handled id, got %q", store.reads[1].From)
	}
}

func TestConsumeEmptyBatchIsNotAnError(t *testing.T) {
	store := &stubStore{}

	called := false
	handler := func(string, redisstream.Entry) error {
		called = true
		return nil
	}

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("a blocking-read timeout is not an error, got %v", err)
	}

	if called {
		t.Fatal("handler must not run on an empty batch")
	}
}

func TestConsumeFailFastTruncatesBatch(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a"), entry(2, 0, "b"), entry(3, 0, "c")},
	}}

	boom := errors.New("boom")

	var calls int
	handler := func(id string, _ redisstream.Entry) error {
		calls++
		if id == "2-0" {
			return boom
		}
		return nil
	}

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = c.Consume(context.Background())

	var herr *redisstream.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("expected a handler error, got %v", err)
	}

	if herr.ID.String() != "2-0" || !errors.Is(err, boom) {
		t.Fatalf("unexpected handler error: %v", err)
	}

	if calls != 2 {
		t.Fatalf("the third entry must not be dispatched, got %d calls", calls)
	}

	// the first entry's advance persists, the failed one is re-presented
	if last, ok := c.LastSeenID(); !ok || last.String() != "1-0" {
		t.Fatalf("unexpected cursor after failure: %v %v", last, ok)
	}

	// a fresh consume call presents the failed entry again
	store.batches = [][]redisstream.Entry{{entry(2, 0, "b"), entry(3, 0, "c")}}

	_ = c.Consume(context.Background())

	if store.reads[1].From != "1-0" {
		t.Fatalf("retry should resume after the last successful entry, got %q", store.reads[1].From)
	}
}

func TestConsumeGroupAcksEachSuccess(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a"), entry(2, 0, "b")},
	}}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().Group("billing", "worker.1").ProcessPending(false)

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.acked) != 2 || store.acked[0] != "1-0" || store.acked[1] != "2-0" {
		t.Fatalf("unexpected acks: %v", store.acked)
	}
}

func TestConsumeGroupFailureAcksNothingFurther(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a"), entry(2, 0, "b"), entry(3, 0, "c")},
	}}

	handler := func(id string, _ redisstream.Entry) error {
		if id == "2-0" {
			return errors.New("boom")
		}
		return nil
	}

	opts := DefaultOpts().Group("billing", "worker.1").ProcessPending(false)

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = c.Consume(context.Background())

	var herr *redisstream.HandlerError
	if !errors.As(err, &herr) {
		t.Fatalf("expected a handler error, got %v", err)
	}

	// the failed entry and its successors stay pending on the server
	if len(store.acked) != 1 || store.acked[0] != "1-0" {
		t.Fatalf("unexpected acks: %v", store.acked)
	}
}

func TestConsumeAckFailureSurfaces(t *testing.T) {
	ackErr := fmt.Errorf("%w: connection reset", redisstream.ErrTransport)

	store := &stubStore{
		batches: [][]redisstream.Entry{{entry(1, 0, "a")}},
		ackErr:  ackErr,
	}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().Group("billing", "worker.1").ProcessPending(false)

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err = c.Consume(context.Background())
	if !errors.Is(err, redisstream.ErrTransport) {
		t.Fatalf("expected the transport failure to surface, got %v", err)
	}

	// the handler did run; only the acknowledgment failed
	if c.HandledCount() != 1 {
		t.Fatalf("expected 1 handled entry, got %d", c.HandledCount())
	}

	if len(store.acked) != 0 {
		t.Fatalf("nothing should be recorded as acked: %v", store.acked)
	}
}

func TestConsumeGroupDrainsPendingThenReadsNew(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{},                   // pending backlog already empty
		{entry(5, 0, "new")}, // first unseen entry
	}}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().Group("billing", "worker.1")

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(store.reads) != 2 {
		t.Fatalf("expected pending read then unseen read, got %d reads", len(store.reads))
	}

	if store.reads[0].From != "0" || store.reads[1].From != ">" {
		t.Fatalf("unexpected read positions: %q then %q", store.reads[0].From, store.reads[1].From)
	}

	if len(store.acked) != 1 || store.acked[0] != "5-0" {
		t.Fatalf("unexpected acks: %v", store.acked)
	}
}

func TestReclaimSwitchesToPendingReplay(t *testing.T) {
	store := &stubStore{
		batches: [][]redisstream.Entry{
			{entry(1, 0, "stalled")}, // served from the pending range
		},
		pending: []PendingEntry{{
			ID:       redisstream.StreamID{Ms: 1},
			Consumer: "worker.1",
			Idle:     time.Minute,
		}},
	}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().
		Group("billing", "worker.1").
		ProcessPending(false).
		ClaimMinIdle(30 * time.Second)

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.pendingCalls != 1 {
		t.Fatalf("expected one pending-list query, got %d", store.pendingCalls)
	}

	if store.reads[0].From != "0" {
		t.Fatalf("stalled entries should be replayed first, got read from %q", store.reads[0].From)
	}

	if len(store.acked) != 1 || store.acked[0] != "1-0" {
		t.Fatalf("unexpected acks: %v", store.acked)
	}
}

func TestReclaimDisabledByDefault(t *testing.T) {
	store := &stubStore{}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().Group("billing", "worker.1").ProcessPending(false)

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if store.pendingCalls != 0 {
		t.Fatalf("pending list must not be queried when reclaim is off, got %d calls", store.pendingCalls)
	}
}

func TestInitValidation(t *testing.T) {
	store := &stubStore{}
	handler := func(string, redisstream.Entry) error { return nil }

	if _, err := Init(context.Background(), store, "metrics", handler, DefaultOpts().Count(0)); !errors.Is(err, redisstream.ErrConfig) {
		t.Fatalf("expected config error for zero batch size, got %v", err)
	}

	if _, err := Init(context.Background(), store, "", handler, DefaultOpts()); !errors.Is(err, redisstream.ErrConfig) {
		t.Fatalf("expected config error for empty stream, got %v", err)
	}

	if _, err := Init(context.Background(), store, "metrics", nil, DefaultOpts()); !errors.Is(err, redisstream.ErrConfig) {
		t.Fatalf("expected config error for nil handler, got %v", err)
	}

	if _, err := Init(context.Background(), nil, "metrics", handler, DefaultOpts()); !errors.Is(err, redisstream.ErrConfig) {
		t.Fatalf("expected config error for nil store, got %v", err)
	}

	// validation failures must leave no store side effects
	if len(store.created) != 0 || len(store.reads) != 0 {
		t.Fatalf("unexpected store calls: %v %v", store.created, store.reads)
	}
}

func TestInitGroupSetupFailure(t *testing.T) {
	store := &stubStore{createErr: errors.New("ERR The XGROUP subcommand requires the key to exist")}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().Group("billing", "worker.1").CreateStreamIfNotExists(false)

	_, err := Init(context.Background(), store, "metrics", handler, opts)
	if !errors.Is(err, redisstream.ErrGroupSetup) {
		t.Fatalf("expected group setup error, got %v", err)
	}
}

func TestInitGroupCreatePositions(t *testing.T) {
	handler := func(string, redisstream.Entry) error { return nil }

	cases := []struct {
		opts Opts
		want string
	}{
		{DefaultOpts().Group("g", "c"), "metrics/g/$/true"},
		{DefaultOpts().Group("g", "c").StartAt(StartOfStream()), "metrics/g/0/true"},
		{DefaultOpts().Group("g", "c").StartAt(At(redisstream.StreamID{Ms: 7})).CreateStreamIfNotExists(false), "metrics/g/7-0/false"},
	}

	for _, tc := range cases {
		store := &stubStore{}

		if _, err := Init(context.Background(), store, "metrics", handler, tc.opts); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if len(store.created) != 1 || store.created[0] != tc.want {
			t.Fatalf("unexpected group creation %v, want %q", store.created, tc.want)
		}
	}
}

func TestStopIsCooperative(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a"), entry(2, 0, "b")},
	}}

	var c *Consumer

	var calls int
	handler := func(string, redisstream.Entry) error {
		calls++
		c.Stop()
		return nil
	}

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); !errors.Is(err, redisstream.ErrStopped) {
		t.Fatalf("expected stopped error, got %v", err)
	}

	// the in-flight entry completed, the next one was never dispatched
	if calls != 1 {
		t.Fatalf("expected 1 handler call, got %d", calls)
	}

	if err := c.Consume(context.Background()); !errors.Is(err, redisstream.ErrStopped) {
		t.Fatalf("a stopped consumer must not poll again, got %v", err)
	}

	if len(store.reads) != 1 {
		t.Fatalf("expected no further reads after stop, got %d", len(store.reads))
	}
}

func TestConsumeContextCancellation(t *testing.T) {
	store := &stubStore{}

	handler := func(string, redisstream.Entry) error { return nil }

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := c.Consume(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestCheckpointResumeAndSave(t *testing.T) {
	cp := newMemCheckpoint()
	cp.saved["worker.1"] = redisstream.StreamID{Ms: 40, Seq: 2}

	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(41, 0, "a"), entry(42, 0, "b")},
	}}

	handler := func(string, redisstream.Entry) error { return nil }

	opts := DefaultOpts().Name("worker.1").Checkpoint(cp, transactionalStub{})

	c, err := Init(context.Background(), store, "metrics", handler, opts)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Consume(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// resumed after the persisted id, not at the configured start position
	if store.reads[0].From != "40-2" {
		t.Fatalf("expected resume after checkpoint, got %q", store.reads[0].From)
	}

	if got := cp.saved["worker.1"].String(); got != "42-0" {
		t.Fatalf("expected checkpoint at last handled id, got %s", got)
	}
}

func TestRunReturnsOnHandlerError(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a")},
	}}

	boom := errors.New("boom")
	handler := func(string, redisstream.Entry) error { return boom }

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected the handler failure to surface, got %v", err)
	}
}

func TestRunStopsCleanly(t *testing.T) {
	store := &stubStore{batches: [][]redisstream.Entry{
		{entry(1, 0, "a")},
	}}

	var c *Consumer

	handler := func(string, redisstream.Entry) error {
		c.Stop()
		return nil
	}

	c, err := Init(context.Background(), store, "metrics", handler, DefaultOpts())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("a requested stop is not an error, got %v", err)
	}
}
