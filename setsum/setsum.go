// Package setsum implements a commutative, invertible checksum over sets of
// opaque byte records.
//
// A Setsum commits to the multiset of records inserted into it, independent of
// insertion order: Insert is commutative, and Add/Sub form a group, so
// a.Add(b).Sub(b) == a for all values. This makes it possible to verify that
// two collections hold the same records without replaying them in any
// particular order, and to subtract garbage-collected content from a running
// total without recomputing it from scratch.
package setsum

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

const (
	// Lanes is the number of independent accumulator lanes.
	Lanes = 8

	// DigestSize is the size of a setsum digest in bytes.
	DigestSize = Lanes * 4

	// laneModulus is the largest prime below 2^32. Lane arithmetic is done
	// modulo this prime so that every element has an additive inverse.
	laneModulus = 4294967291
)

// Setsum is an order-independent checksum over a multiset of byte records.
// The zero value is the identity element. Setsum is a small value type and
// is compared with ==.
type Setsum struct {
	lanes [Lanes]uint32
}

// Insert returns the setsum with record added to the multiset.
func (s Setsum) Insert(record []byte) Setsum {
	h := sha256.Sum256(record)
	var out Setsum
	for i := 0; i < Lanes; i++ {
		v := binary.LittleEndian.Uint32(h[i*4:]) % laneModulus
		out.lanes[i] = laneAdd(s.lanes[i], v)
	}
	return out
}

// InsertAll returns the setsum with every record added.
func (s Setsum) InsertAll(records [][]byte) Setsum {
	for _, r := range records {
		s = s.Insert(r)
	}
	return s
}

// Add combines two setsums. The result commits to the union of the two
// underlying multisets.
func (s Setsum) Add(o Setsum) Setsum {
	var out Setsum
	for i := 0; i < Lanes; i++ {
		out.lanes[i] = laneAdd(s.lanes[i], o.lanes[i])
	}
	return out
}

// Sub removes o's contribution from s. Sub is the inverse of Add:
// s.Add(o).Sub(o) == s.
func (s Setsum) Sub(o Setsum) Setsum {
	var out Setsum
	for i := 0; i < Lanes; i++ {
		out.lanes[i] = laneAdd(s.lanes[i], laneModulus-o.lanes[i])
	}
	return out
}

// IsZero reports whether s is the identity element.
func (s Setsum) IsZero() bool {
	return s == Setsum{}
}

// Digest returns the canonical 32-byte digest of the setsum.
func (s Setsum) Digest() [DigestSize]byte {
	var d [DigestSize]byte
	for i := 0; i < Lanes; i++ {
		binary.LittleEndian.PutUint32(d[i*4:], s.lanes[i])
	}
	return d
}

// Hexdigest returns the digest as a lowercase hex string.
func (s Setsum) Hexdigest() string {
	d := s.Digest()
	return hex.EncodeToString(d[:])
}

// String implements fmt.Stringer.
func (s Setsum) String() string {
	return "setsum:" + s.Hexdigest()
}

// FromDigest reconstructs a setsum from its canonical digest.
func FromDigest(d [DigestSize]byte) (Setsum, error) {
	var s Setsum
	for i := 0; i < Lanes; i++ {
		v := binary.LittleEndian.Uint32(d[i*4:])
		if v >= laneModulus {
			return Setsum{}, fmt.Errorf("setsum: lane %d out of range: %d", i, v)
		}
		s.lanes[i] = v
	}
	return s, nil
}

// Parse reconstructs a setsum from its hex digest.
func Parse(hexdigest string) (Setsum, error) {
	raw, err := hex.DecodeString(hexdigest)
	if err != nil {
		return Setsum{}, fmt.Errorf("setsum: invalid hex digest: %w", err)
	}
	if len(raw) != DigestSize {
		return Setsum{}, fmt.Errorf("setsum: digest must be %d bytes, got %d", DigestSize, len(raw))
	}
	var d [DigestSize]byte
	copy(d[:], raw)
	return FromDigest(d)
}

// MarshalJSON encodes the setsum as its hex digest.
func (s Setsum) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Hexdigest())
}

// UnmarshalJSON decodes a setsum from its hex digest.
func (s *Setsum) UnmarshalJSON(data []byte) error {
	var hexdigest string
	if err := json.Unmarshal(data, &hexdigest); err != nil {
		return err
	}
	parsed, err := Parse(hexdigest)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func laneAdd(a, b uint32) uint32 {
	return uint32((uint64(a) + uint64(b)) % laneModulus)
}
