package checkpoint

import (
	"context"

	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/transactional"
)

// Store persists the last entry id a named consumer has fully processed, so a
// restarted non-group consumer resumes where the previous process stopped
// instead of at its configured start position.
type Store interface {
	// Save records id as the last processed entry for the named consumer.
	Save(ctx context.Context, tx transactional.Transaction, consumer string, id redisstream.StreamID) error

	// Load returns the last recorded id for the named consumer. found is
	// false when the consumer has no checkpoint yet.
	Load(ctx context.Context, tx transactional.Transaction, consumer string) (id redisstream.StreamID, found bool, err error)
}
