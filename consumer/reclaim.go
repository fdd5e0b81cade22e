package consumer

import (
	"context"

	"github.com/sirupsen/logrus"
)

// maybeReclaim checks whether this consumer has entries it received before a
// crash or restart that have now been idle past the configured threshold. If
// so, the cursor switches to pending replay so those entries are redelivered
// before any new ones. Entries pending for other consumers are never touched;
// claiming across consumers is a group-administration action, not this
// consumer's job.
func (c *Consumer) maybeReclaim(ctx context.Context) error {
	if c.opts.claimMinIdle <= 0 || c.cur.pendingReplay {
		return nil
	}

	pending, err := c.store.GroupPending(ctx, c.stream, c.opts.group, c.opts.consumerName, c.opts.claimMinIdle)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		return nil
	}

	c.log().WithFields(logrus.Fields{
		"stream":   c.stream,
		"group":    c.opts.group,
		"consumer": c.opts.consumerName,
		"count":    len(pending),
	}).Info("stalled pending entries found, replaying own backlog")

	c.cur.beginPendingReplay()

	return nil
}
