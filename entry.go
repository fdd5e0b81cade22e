package redisstream

import (
	"github.com/barkimedes/go-deepcopy"
)

// Entry is one stream record: its id and a mapping of field names to byte
// strings. Entries are immutable once read; the consumer owns one only for
// the duration of a single dispatch.
type Entry struct {
	ID     StreamID
	Fields map[string][]byte
}

// Clone returns a deep copy of the entry so the copy can outlive or be
// mutated independently of the original's field map.
func (e Entry) Clone() Entry {
	if e.Fields == nil {
		return Entry{ID: e.ID}
	}

	return Entry{
		ID:     e.ID,
		Fields: deepcopy.MustAnything(e.Fields).(map[string][]byte),
	}
}
