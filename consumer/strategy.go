package consumer

// nextRequest decides which read the next poll issues. Non-group consumers
// read after the cursor position; "$" is only ever used before the first
// entry has been observed. Group consumers read ">" (entries the group has
// never delivered) unless the cursor is in pending replay, in which case the
// consumer's own already-delivered backlog is requested from its start.
//
// Every request carries the block timeout and batch size, so a poll waits at
// most block for entries and then comes back with an empty batch.
func nextRequest(cur *cursor, stream string, o Opts) ReadRequest {
	req := ReadRequest{
		Stream: stream,
		Block:  o.block,
		Count:  o.count,
	}

	if !o.groupMode() {
		req.From = cur.next
		return req
	}

	req.Group = o.group
	req.Consumer = o.consumerName

	if cur.pendingReplay {
		req.From = "0"
	} else {
		req.From = ">"
	}

	return req
}
