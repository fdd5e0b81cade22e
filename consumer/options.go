package consumer

import (
	"fmt"
	"time"

	"github.com/segmentio/ksuid"
	"github.com/sirupsen/logrus"
	"github.com/thefabric-io/redisstream"
	"github.com/thefabric-io/redisstream/checkpoint"
	"github.com/thefabric-io/transactional"
)

const (
	// DefaultBlock is how long a poll blocks when no entries are available.
	DefaultBlock = 2 * time.Second

	// DefaultCount is the maximum number of entries fetched per poll.
	DefaultCount = 10
)

// StartPosition is where a consumer starts reading when it has no prior
// cursor.
type StartPosition struct {
	id string
}

// EndOfStream starts at the end of the stream: only entries appended after
// the consumer starts are delivered. This is the default.
func EndOfStream() StartPosition { return StartPosition{id: "$"} }

// StartOfStream starts at the beginning of the stream.
func StartOfStream() StartPosition { return StartPosition{id: "0"} }

// At starts right after the given entry id.
func At(id redisstream.StreamID) StartPosition { return StartPosition{id: id.String()} }

func (p StartPosition) String() string {
	if p.id == "" {
		return "$"
	}

	return p.id
}

// Opts is the validated, immutable option set controlling a consumer. Build
// it from DefaultOpts with the chainable setters; validation happens in Init.
type Opts struct {
	group          string
	consumerName   string
	block          time.Duration
	count          int64
	claimMinIdle   time.Duration
	startPos       StartPosition
	processPending bool
	createStream   bool
	checkpoints    checkpoint.Store
	transactional  transactional.Transactional
	logger         *logrus.Logger
}

// DefaultOpts returns the default option set: non-group mode, 2s block
// timeout, batches of 10, start at end of stream, pending entries replayed
// first in group mode, stream auto-created with the group, self-reclaim off.
func DefaultOpts() Opts {
	return Opts{
		block:          DefaultBlock,
		count:          DefaultCount,
		startPos:       EndOfStream(),
		processPending: true,
		createStream:   true,
	}
}

// Group switches the consumer to group mode, reading as consumerName within
// group. An empty consumerName gets a generated one; note that a generated
// name changes on every construction, so a restarted process only finds its
// own pending entries again when given a stable name.
func (o Opts) Group(group, consumerName string) Opts {
	o.group = group
	o.consumerName = consumerName
	return o
}

// Name sets the consumer name without enabling group mode. A stable name is
// required for checkpointing.
func (o Opts) Name(consumerName string) Opts {
	o.consumerName = consumerName
	return o
}

// Block sets how long one poll blocks waiting for entries. Zero blocks
// indefinitely.
func (o Opts) Block(d time.Duration) Opts {
	o.block = d
	return o
}

// Count sets the maximum batch size per poll.
func (o Opts) Count(n int64) Opts {
	o.count = n
	return o
}

// ClaimMinIdle enables self-reclaim: before reading new entries, the consumer
// checks for its own pending entries idle for at least d and replays them
// first. Zero disables the check.
func (o Opts) ClaimMinIdle(d time.Duration) Opts {
	o.claimMinIdle = d
	return o
}

// StartAt sets where to begin when no prior cursor exists.
func (o Opts) StartAt(p StartPosition) Opts {
	o.startPos = p
	return o
}

// ProcessPending controls whether a group consumer drains its own pending
// backlog before reading new entries.
func (o Opts) ProcessPending(b bool) Opts {
	o.processPending = b
	return o
}

// CreateStreamIfNotExists controls whether group setup may create a missing
// stream. When disabled, construction fails if the stream does not exist.
func (o Opts) CreateStreamIfNotExists(b bool) Opts {
	o.createStream = b
	return o
}

// Checkpoint persists the non-group cursor through store so a restarted
// consumer resumes after the last processed entry. The checkpoint is saved
// after every successfully processed batch, in a transaction begun from tx.
func (o Opts) Checkpoint(store checkpoint.Store, tx transactional.Transactional) Opts {
	o.checkpoints = store
	o.transactional = tx
	return o
}

// Logger sets the logger used by the consumer. Defaults to the logrus
// standard logger.
func (o Opts) Logger(l *logrus.Logger) Opts {
	o.logger = l
	return o
}

func (o *Opts) validate() error {
	if o.count < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", redisstream.ErrConfig, o.count)
	}

	if o.block < 0 {
		return fmt.Errorf("%w: block timeout must not be negative", redisstream.ErrConfig)
	}

	if o.claimMinIdle < 0 {
		return fmt.Errorf("%w: claim idle threshold must not be negative", redisstream.ErrConfig)
	}

	if o.group != "" && o.consumerName == "" {
		o.consumerName = fmt.Sprintf("consumer_%s", ksuid.New().String())
	}

	if o.checkpoints != nil {
		if o.group != "" {
			return fmt.Errorf("%w: checkpointing only applies to non-group mode, the group cursor lives in the store", redisstream.ErrConfig)
		}

		if o.consumerName == "" {
			return fmt.Errorf("%w: checkpointing requires a stable consumer name", redisstream.ErrConfig)
		}

		if o.transactional == nil {
			return fmt.Errorf("%w: checkpointing requires a transactional", redisstream.ErrConfig)
		}
	}

	if o.logger == nil {
		o.logger = logrus.StandardLogger()
	}

	return nil
}

func (o Opts) groupMode() bool {
	return o.group != ""
}

// groupCreatePos is the position handed to group creation, mirroring the
// consumer start position: "$" delivers only entries appended after the group
// existed, "0" delivers the whole stream, an explicit id delivers entries
// after it.
func (o Opts) groupCreatePos() string {
	return o.startPos.String()
}
