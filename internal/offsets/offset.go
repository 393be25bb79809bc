// Package offsets implements the opaque total-order position token used to
// address a point in a stream's message log.
package offsets

import (
	"fmt"
	"strconv"
	"strings"
)

// Offset is an opaque, total-order position within a single stream's
// message log. It is the pair (bytePos, seqIndex): the number of message
// bytes written before this position, and the number of messages written
// before this position. Both fields only ever increase.
type Offset struct {
	BytePos  uint64
	SeqIndex uint64
}

// Zero is the sentinel "before the beginning" offset, rendered as "0_0".
// Clients may also spell this as "-1" or the empty string on the wire;
// Parse accepts both as aliases for Zero.
var Zero = Offset{}

// width is chosen so that the decimal rendering of any uint64 fits without
// truncation; padding to a fixed width makes lexicographic string compare
// agree with numeric compare, which is the property String/Compare rely on.
const width = 20

// String renders the offset in its canonical wire form, "<bytePos>_<seqIndex>",
// zero-padded so that lexicographic comparison of two rendered offsets
// agrees with Compare.
func (o Offset) String() string {
	return fmt.Sprintf("%0*d_%0*d", width, o.BytePos, width, o.SeqIndex)
}

// IsZero reports whether o is the before-the-beginning sentinel.
func (o Offset) IsZero() bool {
	return o == Zero
}

// Advance returns the offset immediately after appending n more bytes as a
// single message.
func (o Offset) Advance(n int) Offset {
	return Offset{BytePos: o.BytePos + uint64(n), SeqIndex: o.SeqIndex + 1}
}

// Compare returns -1, 0, or 1 as o is less than, equal to, or greater than
// other, using the same total order as the rendered string form.
func (o Offset) Compare(other Offset) int {
	switch {
	case o.BytePos != other.BytePos:
		if o.BytePos < other.BytePos {
			return -1
		}
		return 1
	case o.SeqIndex != other.SeqIndex:
		if o.SeqIndex < other.SeqIndex {
			return -1
		}
		return 1
	default:
		return 0
	}
}

// LessThan reports whether o precedes other.
func (o Offset) LessThan(other Offset) bool { return o.Compare(other) < 0 }

// LessThanOrEqual reports whether o precedes or equals other.
func (o Offset) LessThanOrEqual(other Offset) bool { return o.Compare(other) <= 0 }

// Equal reports whether o and other denote the same position.
func (o Offset) Equal(other Offset) bool { return o == other }

// Parse decodes the wire form of an offset. The empty string and the
// legacy sentinel "-1" both mean "before the beginning" (Zero); any other
// value must be exactly two zero-or-more-digit decimal numbers joined by a
// single underscore.
func Parse(s string) (Offset, error) {
	if s == "" || s == "-1" {
		return Zero, nil
	}
	parts := strings.SplitN(s, "_", 2)
	if len(parts) != 2 || !isDigits(parts[0]) || !isDigits(parts[1]) {
		return Offset{}, fmt.Errorf("offsets: invalid offset %q", s)
	}
	bytePos, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offsets: invalid offset %q: %w", s, err)
	}
	seqIndex, err := strconv.ParseUint(parts[1], 10, 64)
	if err != nil {
		return Offset{}, fmt.Errorf("offsets: invalid offset %q: %w", s, err)
	}
	return Offset{BytePos: bytePos, SeqIndex: seqIndex}, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
