package redisstream

import (
	"fmt"
)

// RawEntry is the shape of one entry as it comes off the wire: the id as a
// decimal string and the field values as the client library decoded them.
type RawEntry struct {
	ID     string
	Values map[string]any
}

// DecodeEntry converts a raw reply entry into an Entry. It fails with an
// ErrDecode-wrapped error when the id is malformed or a field value is not a
// byte string.
func DecodeEntry(raw RawEntry) (Entry, error) {
	id, err := ParseStreamID(raw.ID)
	if err != nil {
		return Entry{}, err
	}

	fields := make(map[string][]byte, len(raw.Values))

	for k, v := range raw.Values {
		switch value := v.(type) {
		case string:
			fields[k] = []byte(value)
		case []byte:
			fields[k] = value
		default:
			return Entry{}, fmt.Errorf("%w: field %q of entry %s is not a byte string (%T)", ErrDecode, k, raw.ID, v)
		}
	}

	return Entry{ID: id, Fields: fields}, nil
}

// DecodeBatch converts a raw reply batch, preserving reply order.
func DecodeBatch(raws []RawEntry) ([]Entry, error) {
	if len(raws) == 0 {
		return nil, nil
	}

	entries := make([]Entry, len(raws))

	for i, raw := range raws {
		e, err := DecodeEntry(raw)
		if err != nil {
			return nil, err
		}

		entries[i] = e
	}

	return entries, nil
}

// EncodeFields converts an entry field map into the value map the client
// library expects on the produce path.
func EncodeFields(fields map[string][]byte) map[string]any {
	values := make(map[string]any, len(fields))

	for k, v := range fields {
		values[k] = string(v)
	}

	return values
}
