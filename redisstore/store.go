package redisstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/redisstream/consumer"
)

// maxPendingScan bounds one XPENDING reply. A consumer replays its backlog
// through reads, not through this listing, so the bound only affects how many
// stalled entries one reclaim check can see at once.
const maxPendingScan = 1000

// Store implements the consumer store operation set on a Redis connection
// through go-redis. The connection is assumed to be owned by one consumer at
// a time; blocking reads are stateful about timeouts.
type Store struct {
	rdb redis.Cmdable
}

func New(rdb redis.Cmdable) *Store {
	return &Store{rdb: rdb}
}

// Read issues XREAD BLOCK <block> COUNT <count> STREAMS <stream> <from>. A
// timeout with no entries is an empty batch, not an error.
func (s *Store) Read(ctx context.Context, req consumer.ReadRequest) ([]redisstream.Entry, error) {
	streams, err := s.rdb.XRead(ctx, &redis.XReadArgs{
		Streams: []string{req.Stream, req.From},
		Count:   req.Count,
		Block:   req.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: XREAD %s: %v", redisstream.ErrTransport, req.Stream, err)
	}

	return decodeStreams(streams, req.Stream)
}

// GroupRead issues XREADGROUP GROUP <group> <consumer> BLOCK <block>
// COUNT <count> STREAMS <stream> <from>.
func (s *Store) GroupRead(ctx context.Context, req consumer.ReadRequest) ([]redisstream.Entry, error) {
	streams, err := s.rdb.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    req.Group,
		Consumer: req.Consumer,
		Streams:  []string{req.Stream, req.From},
		Count:    req.Count,
		Block:    req.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: XREADGROUP %s %s: %v", redisstream.ErrTransport, req.Group, req.Stream, err)
	}

	return decodeStreams(streams, req.Stream)
}

func (s *Store) GroupAck(ctx context.Context, stream, group string, id redisstream.StreamID) error {
	if err := s.rdb.XAck(ctx, stream, group, id.String()).Err(); err != nil {
		return fmt.Errorf("%w: XACK %s %s %s: %v", redisstream.ErrTransport, stream, group, id, err)
	}

	return nil
}

func (s *Store) GroupPending(ctx context.Context, stream, group, consumerName string, minIdle time.Duration) ([]consumer.PendingEntry, error) {
	ext, err := s.rdb.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream:   stream,
		Group:    group,
		Consumer: consumerName,
		Idle:     minIdle,
		Start:    "-",
		End:      "+",
		Count:    maxPendingScan,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}

		return nil, fmt.Errorf("%w: XPENDING %s %s: %v", redisstream.ErrTransport, stream, group, err)
	}

	pending := make([]consumer.PendingEntry, 0, len(ext))

	for _, p := range ext {
		id, err := redisstream.ParseStreamID(p.ID)
		if err != nil {
			return nil, err
		}

		pending = append(pending, consumer.PendingEntry{
			ID:            id,
			Consumer:      p.Consumer,
			Idle:          p.Idle,
			DeliveryCount: p.RetryCount,
		})
	}

	return pending, nil
}

// GroupCreate issues XGROUP CREATE, with MKSTREAM when createStream is set.
// BUSYGROUP means the group already exists, which is fine.
func (s *Store) GroupCreate(ctx context.Context, stream, group, start string, createStream bool) error {
	var err error

	if createStream {
		err = s.rdb.XGroupCreateMkStream(ctx, stream, group, start).Err()
	} else {
		err = s.rdb.XGroupCreate(ctx, stream, group, start).Err()
	}

	if err != nil && !isBusyGroup(err) {
		return fmt.Errorf("XGROUP CREATE %s %s %s: %w", stream, group, start, err)
	}

	return nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

// decodeStreams flattens the reply for the requested stream into decoded
// entries, reply order preserved.
func decodeStreams(streams []redis.XStream, stream string) ([]redisstream.Entry, error) {
	var raws []redisstream.RawEntry

	for _, st := range streams {
		if st.Stream != stream {
			continue
		}

		for _, msg := range st.Messages {
			raws = append(raws, redisstream.RawEntry{ID: msg.ID, Values: msg.Values})
		}
	}

	return redisstream.DecodeBatch(raws)
}
