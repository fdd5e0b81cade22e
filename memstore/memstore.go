// Package memstore provides an in-memory implementation of the consumer
// store operation set: streams, consumer groups and per-consumer pending
// lists, with blocking reads. It exists for tests and local development;
// nothing is persisted.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/redisstream/consumer"
)

const pollInterval = time.Millisecond

// Store is an in-memory stream server. It is safe for concurrent use; the
// idle clock used for pending-entry ages is injectable so tests can control
// it.
type Store struct {
	mu      sync.Mutex
	streams map[string]*stream
	now     func() time.Time
}

type stream struct {
	entries []redisstream.Entry // ascending id order
	lastID  redisstream.StreamID
	groups  map[string]*group
}

type group struct {
	lastDelivered redisstream.StreamID
	pending       map[string]*pendingEntry
}

type pendingEntry struct {
	entry       redisstream.Entry
	consumer    string
	deliveredAt time.Time
	deliveries  int64
}

func New() *Store {
	return &Store{
		streams: make(map[string]*stream),
		now:     time.Now,
	}
}

// SetClock replaces the clock used to age pending entries. Blocking-read
// timeouts always use wall time.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.now = now
}

// Append adds an entry to a stream, creating the stream if needed, and
// returns the assigned id.
func (s *Store) Append(streamName string, fields map[string][]byte) (redisstream.StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureStream(streamName)

	ms := uint64(s.now().UnixMilli())
	id := redisstream.StreamID{Ms: ms}

	if !st.lastID.Before(id) {
		id = redisstream.StreamID{Ms: st.lastID.Ms, Seq: st.lastID.Seq + 1}
	}

	return s.appendLocked(st, id, fields)
}

// AppendWithID adds an entry with an explicit id, which must be greater than
// the last id in the stream.
func (s *Store) AppendWithID(streamName string, id redisstream.StreamID, fields map[string][]byte) (redisstream.StreamID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.ensureStream(streamName)

	if !st.lastID.Before(id) && len(st.entries) > 0 {
		return redisstream.StreamID{}, fmt.Errorf("id %s is not greater than last id %s", id, st.lastID)
	}

	return s.appendLocked(st, id, fields)
}

func (s *Store) appendLocked(st *stream, id redisstream.StreamID, fields map[string][]byte) (redisstream.StreamID, error) {
	e := redisstream.Entry{ID: id, Fields: fields}.Clone()

	st.entries = append(st.entries, e)
	st.lastID = id

	return id, nil
}

// Len returns the number of entries in a stream.
func (s *Store) Len(streamName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamName]
	if !ok {
		return 0
	}

	return len(st.entries)
}

// Read implements consumer.Store. "$" delivers only entries appended after
// the call; a block of zero waits indefinitely, like the server it mimics.
func (s *Store) Read(ctx context.Context, req consumer.ReadRequest) ([]redisstream.Entry, error) {
	after, err := s.resolveFrom(req.Stream, req.From)
	if err != nil {
		return nil, err
	}

	collect := func() ([]redisstream.Entry, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		st, ok := s.streams[req.Stream]
		if !ok {
			return nil, nil
		}

		return entriesAfter(st.entries, after, req.Count), nil
	}

	return s.blockOn(ctx, req.Block, collect)
}

// GroupRead implements consumer.Store. ">" delivers entries the group has
// never seen and records them as pending for the consumer; any other
// position lists the consumer's own pending entries after it, without
// blocking.
func (s *Store) GroupRead(ctx context.Context, req consumer.ReadRequest) ([]redisstream.Entry, error) {
	if req.From != ">" {
		after, err := redisstream.ParseStreamID(req.From)
		if err != nil {
			return nil, err
		}

		return s.readOwnPending(req, after)
	}

	collect := func() ([]redisstream.Entry, error) {
		s.mu.Lock()
		defer s.mu.Unlock()

		st, g, err := s.groupLocked(req.Stream, req.Group)
		if err != nil {
			return nil, err
		}

		batch := entriesAfter(st.entries, g.lastDelivered, req.Count)

		for _, e := range batch {
			g.pending[e.ID.String()] = &pendingEntry{
				entry:       e,
				consumer:    req.Consumer,
				deliveredAt: s.now(),
				deliveries:  1,
			}
			g.lastDelivered = e.ID
		}

		return batch, nil
	}

	return s.blockOn(ctx, req.Block, collect)
}

func (s *Store) readOwnPending(req consumer.ReadRequest, after redisstream.StreamID) ([]redisstream.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, g, err := s.groupLocked(req.Stream, req.Group)
	if err != nil {
		return nil, err
	}

	var batch []redisstream.Entry

	for _, p := range g.pending {
		if p.consumer != req.Consumer {
			continue
		}

		if !after.IsZero() && !after.Before(p.entry.ID) {
			continue
		}

		batch = append(batch, p.entry.Clone())
	}

	sort.Slice(batch, func(i, j int) bool { return batch[i].ID.Before(batch[j].ID) })

	if req.Count > 0 && int64(len(batch)) > req.Count {
		batch = batch[:req.Count]
	}

	for _, e := range batch {
		p := g.pending[e.ID.String()]
		p.deliveredAt = s.now()
		p.deliveries++
	}

	return batch, nil
}

func (s *Store) GroupAck(_ context.Context, streamName, groupName string, id redisstream.StreamID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, g, err := s.groupLocked(streamName, groupName)
	if err != nil {
		return err
	}

	delete(g.pending, id.String())

	return nil
}

func (s *Store) GroupPending(_ context.Context, streamName, groupName, consumerName string, minIdle time.Duration) ([]consumer.PendingEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, g, err := s.groupLocked(streamName, groupName)
	if err != nil {
		return nil, err
	}

	now := s.now()

	var pending []consumer.PendingEntry

	for _, p := range g.pending {
		if p.consumer != consumerName {
			continue
		}

		idle := now.Sub(p.deliveredAt)
		if idle < minIdle {
			continue
		}

		pending = append(pending, consumer.PendingEntry{
			ID:            p.entry.ID,
			Consumer:      p.consumer,
			Idle:          idle,
			DeliveryCount: p.deliveries,
		})
	}

	sort.Slice(pending, func(i, j int) bool { return pending[i].ID.Before(pending[j].ID) })

	return pending, nil
}

func (s *Store) GroupCreate(_ context.Context, streamName, groupName, start string, createStream bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamName]
	if !ok {
		if !createStream {
			return fmt.Errorf("stream %q does not exist", streamName)
		}

		st = s.ensureStream(streamName)
	}

	if _, exists := st.groups[groupName]; exists {
		return nil
	}

	g := &group{pending: make(map[string]*pendingEntry)}

	switch start {
	case "$":
		g.lastDelivered = st.lastID
	case "0":
		// deliver from the beginning
	default:
		id, err := redisstream.ParseStreamID(start)
		if err != nil {
			return err
		}

		g.lastDelivered = id
	}

	st.groups[groupName] = g

	return nil
}

// PendingCount returns how many entries are pending for a group, regardless
// of consumer.
func (s *Store) PendingCount(streamName, groupName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.streams[streamName]
	if !ok {
		return 0
	}

	g, ok := st.groups[groupName]
	if !ok {
		return 0
	}

	return len(g.pending)
}

func (s *Store) ensureStream(name string) *stream {
	st, ok := s.streams[name]
	if !ok {
		st = &stream{groups: make(map[string]*group)}
		s.streams[name] = st
	}

	return st
}

func (s *Store) groupLocked(streamName, groupName string) (*stream, *group, error) {
	st, ok := s.streams[streamName]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP no such stream %q", streamName)
	}

	g, ok := st.groups[groupName]
	if !ok {
		return nil, nil, fmt.Errorf("NOGROUP no such group %q for stream %q", groupName, streamName)
	}

	return st, g, nil
}

// resolveFrom turns a read position into a concrete id: "$" becomes the
// current last id so only later appends match.
func (s *Store) resolveFrom(streamName, from string) (redisstream.StreamID, error) {
	if from != "$" {
		return redisstream.ParseStreamID(from)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if st, ok := s.streams[streamName]; ok {
		return st.lastID, nil
	}

	return redisstream.StreamID{}, nil
}

// blockOn repeatedly evaluates collect until it yields entries, the block
// timeout elapses (zero means wait indefinitely) or the context is done.
func (s *Store) blockOn(ctx context.Context, block time.Duration, collect func() ([]redisstream.Entry, error)) ([]redisstream.Entry, error) {
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}

	for {
		batch, err := collect()
		if err != nil {
			return nil, err
		}

		if len(batch) > 0 {
			return batch, nil
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

func entriesAfter(entries []redisstream.Entry, after redisstream.StreamID, count int64) []redisstream.Entry {
	i := sort.Search(len(entries), func(i int) bool {
		return after.Before(entries[i].ID)
	})

	var batch []redisstream.Entry

	for ; i < len(entries); i++ {
		batch = append(batch, entries[i].Clone())

		if count > 0 && int64(len(batch)) >= count {
			break
		}
	}

	return batch
}

// interface guard
var _ consumer.Store = (*Store)(nil)
