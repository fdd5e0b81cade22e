package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/thefabric-io/redisstream"
)

// Produce appends a new entry to a stream and returns the id the server
// assigned to it.
func Produce(ctx context.Context, rdb redis.Cmdable, stream string, fields map[string][]byte) (redisstream.StreamID, error) {
	raw, err := rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		Values: redisstream.EncodeFields(fields),
	}).Result()
	if err != nil {
		return redisstream.StreamID{}, fmt.Errorf("%w: XADD %s: %v", redisstream.ErrTransport, stream, err)
	}

	return redisstream.ParseStreamID(raw)
}
