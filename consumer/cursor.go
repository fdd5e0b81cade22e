package consumer

import (
	"github.com/thefabric-io/redisstream"
)

// cursor is the sole source of truth for what to read next. It is either
// owned in-process (non-group mode: the last seen id) or managed by the store
// (group mode: progress advances through acknowledgments, the local state
// only tracks whether the consumer is replaying its own pending backlog).
type cursor struct {
	groupManaged bool

	// non-group mode
	next    string // an entry id, "$" or "0"
	lastID  redisstream.StreamID
	hasLast bool

	// group mode
	pendingReplay bool
}

func newCursor(o Opts) cursor {
	if o.groupMode() {
		return cursor{
			groupManaged:  true,
			pendingReplay: o.processPending,
		}
	}

	return cursor{next: o.startPos.String()}
}

// advance records a successfully dispatched entry in non-group mode. Every
// subsequent read uses the recorded id, so no entry is skipped or reread.
func (c *cursor) advance(id redisstream.StreamID) {
	if c.groupManaged {
		return
	}

	c.lastID = id
	c.hasLast = true
	c.next = id.String()
}

// resumeAt seeds the non-group cursor from a persisted checkpoint.
func (c *cursor) resumeAt(id redisstream.StreamID) {
	if c.groupManaged {
		return
	}

	c.lastID = id
	c.hasLast = true
	c.next = id.String()
}

// endPendingReplay flips a group cursor back to reading entries the group has
// never seen. Called once a pending read comes back empty.
func (c *cursor) endPendingReplay() {
	c.pendingReplay = false
}

// beginPendingReplay flips a group cursor to replaying this consumer's own
// pending backlog before any new entries.
func (c *cursor) beginPendingReplay() {
	c.pendingReplay = true
}
