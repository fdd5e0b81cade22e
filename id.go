package redisstream

import (
	"fmt"
	"strconv"
	"strings"
)

// StreamID is the identifier Redis assigns to a stream entry: a millisecond
// timestamp and a sequence number disambiguating entries appended within the
// same millisecond. Redis issues them monotonically per stream.
type StreamID struct {
	Ms  uint64
	Seq uint64
}

// ParseStreamID parses an id in the "<ms>-<seq>" form Redis uses in replies.
// A bare "<ms>" is accepted with an implicit zero sequence, matching XADD
// semantics. Comparison must stay numeric: "99-0" sorts before "100-0" even
// though it does not lexically.
func ParseStreamID(s string) (StreamID, error) {
	msPart, seqPart, hasSeq := strings.Cut(s, "-")

	ms, err := strconv.ParseUint(msPart, 10, 64)
	if err != nil {
		return StreamID{}, fmt.Errorf("%w: invalid entry id %q", ErrDecode, s)
	}

	var seq uint64
	if hasSeq {
		seq, err = strconv.ParseUint(seqPart, 10, 64)
		if err != nil {
			return StreamID{}, fmt.Errorf("%w: invalid entry id %q", ErrDecode, s)
		}
	}

	return StreamID{Ms: ms, Seq: seq}, nil
}

// String formats the id the way Redis expects it in commands.
func (id StreamID) String() string {
	return strconv.FormatUint(id.Ms, 10) + "-" + strconv.FormatUint(id.Seq, 10)
}

// Compare returns -1, 0 or 1 ordering ids by timestamp then sequence.
func (id StreamID) Compare(other StreamID) int {
	switch {
	case id.Ms < other.Ms:
		return -1
	case id.Ms > other.Ms:
		return 1
	case id.Seq < other.Seq:
		return -1
	case id.Seq > other.Seq:
		return 1
	}

	return 0
}

// Before reports whether id was issued strictly before other.
func (id StreamID) Before(other StreamID) bool {
	return id.Compare(other) < 0
}

// IsZero reports whether id is the zero id "0-0".
func (id StreamID) IsZero() bool {
	return id.Ms == 0 && id.Seq == 0
}
