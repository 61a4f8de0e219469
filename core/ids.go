// Package core defines the identifier types shared across the log:
// logical record positions and fragment sequence numbers.
package core

import "fmt"

// LogPosition is a monotonic logical offset into a log's record stream.
// Positions are assigned once at commit time and never reused. The numbering
// is gap-tolerant: a bootstrapped log may start at an arbitrary position.
type LogPosition uint64

// MaxLogPosition is the maximum possible value for a LogPosition.
const MaxLogPosition = ^LogPosition(0)

// Offset returns the position as a plain integer.
func (p LogPosition) Offset() uint64 {
	return uint64(p)
}

// String implements fmt.Stringer.
func (p LogPosition) String() string {
	return fmt.Sprintf("position:%d", uint64(p))
}

// FragmentSeqNo is a monotonic fragment sequence number. It is an independent
// numbering axis from LogPosition: a fragment spans a contiguous range of
// positions but is named on storage by its sequence number.
type FragmentSeqNo uint64

// Next returns the following sequence number.
func (s FragmentSeqNo) Next() FragmentSeqNo {
	return s + 1
}

// String implements fmt.Stringer.
func (s FragmentSeqNo) String() string {
	return fmt.Sprintf("seqno:%d", uint64(s))
}
