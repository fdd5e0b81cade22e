package consumer

import (
	"context"
	"time"

	"github.com/thefabric-io/redisstream"
)

// ReadRequest describes one poll against the store: where to read from, how
// long to block when nothing is available and how many entries to fetch at
// most.
type ReadRequest struct {
	Stream   string
	From     string // an entry id, "$", ">" or "0"
	Group    string
	Consumer string
	Block    time.Duration
	Count    int64
}

// PendingEntry is one entry delivered to a group consumer but not yet
// acknowledged, as reported by the store.
type PendingEntry struct {
	ID            redisstream.StreamID
	Consumer      string
	Idle          time.Duration
	DeliveryCount int64
}

// Store is the minimal operation set the consumer needs from the stream
// server. Implementations must return an empty batch, not an error, when a
// blocking read times out with no entries.
type Store interface {
	// Read fetches entries with id greater than req.From ("$" meaning only
	// entries appended after the call).
	Read(ctx context.Context, req ReadRequest) ([]redisstream.Entry, error)

	// GroupRead fetches entries as a named member of a consumer group. ">"
	// requests entries never delivered to the group; any other position
	// requests this consumer's already-pending entries after that id.
	GroupRead(ctx context.Context, req ReadRequest) ([]redisstream.Entry, error)

	// GroupAck acknowledges one entry for the group, removing it from this
	// consumer's pending list.
	GroupAck(ctx context.Context, stream, group string, id redisstream.StreamID) error

	// GroupPending lists this consumer's pending entries idle for at least
	// minIdle.
	GroupPending(ctx context.Context, stream, group, consumer string, minIdle time.Duration) ([]PendingEntry, error)

	// GroupCreate creates the group at the given start position, creating the
	// stream too when createStream is set. Creating a group that already
	// exists is not an error.
	GroupCreate(ctx context.Context, stream, group, start string, createStream bool) error
}
