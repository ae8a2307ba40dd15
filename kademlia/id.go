package kademlia

import (
	"crypto/rand"
	"encoding/hex"
)

// IDBits is the width of the keyspace in bits.
const IDBits = 512

// IDLength is the number of bytes in a NodeID.
const IDLength = IDBits / 8

// NodeID is an opaque 512-bit identifier. Values are immutable once
// constructed: every method that would "change" an id returns a new one.
type NodeID [IDLength]byte

// Zero returns the all-zero id. It is also the sentinel a client-mode node
// advertises (spec §4.9, client mode).
func Zero() NodeID {
	return NodeID{}
}

// Max returns the all-ones id, i.e. 2^512 - 1.
func Max() NodeID {
	var id NodeID
	for i := range id {
		id[i] = 0xff
	}
	return id
}

// Random returns a cryptographically random id spanning the full keyspace.
func Random() NodeID {
	var id NodeID
	_, _ = rand.Read(id[:])
	return id
}

// FromBytes copies a fixed-size byte array into a NodeID.
func FromBytes(b [IDLength]byte) NodeID {
	return NodeID(b)
}

// FromSlice builds a NodeID from a byte slice, requiring an exact length
// match. It returns InvalidArgument otherwise.
func FromSlice(b []byte) (NodeID, error) {
	var id NodeID
	if len(b) != IDLength {
		return id, InvalidArgument.New("id must be %d bytes, got %d", IDLength, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// FromHex decodes a 128-hex-character string into a NodeID.
func FromHex(s string) (NodeID, error) {
	var id NodeID
	raw, err := hex.DecodeString(s)
	if err != nil {
		return id, InvalidArgument.Wrap(err)
	}
	return FromSlice(raw)
}

// Bytes returns the id's underlying bytes as a fresh slice.
func (id NodeID) Bytes() []byte {
	out := make([]byte, IDLength)
	copy(out, id[:])
	return out
}

// String hex-encodes the id, MSB-first, matching the teacher's KademliaID.String.
func (id NodeID) String() string {
	return hex.EncodeToString(id[:])
}

// Equal reports whether two ids are identical.
func (id NodeID) Equal(other NodeID) bool {
	return id == other
}

// Less orders ids lexicographically, MSB-first. This is the total order
// spec §3 requires for NodeId; it is distinct from XOR-distance ordering,
// which is always relative to a target.
func (id NodeID) Less(other NodeID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// LessOrEqual reports id <= other.
func (id NodeID) LessOrEqual(other NodeID) bool {
	return id == other || id.Less(other)
}

// Distance returns the Kademlia (XOR) distance between id and other,
// interpreted as an unsigned 512-bit integer.
func (id NodeID) Distance(other NodeID) NodeID {
	var d NodeID
	for i := range id {
		d[i] = id[i] ^ other[i]
	}
	return d
}

// CloserTo reports whether a is strictly closer to target than b is,
// comparing XOR distance bytewise MSB-first and stopping at the first
// differing byte (spec §4.1).
func CloserTo(a, b, target NodeID) bool {
	da := a.Distance(target)
	db := b.Distance(target)
	return da.Less(db)
}

// Pow2 constructs 2^p as a NodeID. p must lie in [0, IDBits).
func Pow2(p int) (NodeID, error) {
	var id NodeID
	if p < 0 || p >= IDBits {
		return id, InvalidArgument.New("power %d out of range [0, %d)", p, IDBits)
	}
	byteIndex := IDLength - 1 - p/8
	bitIndex := uint(p % 8)
	id[byteIndex] = 1 << bitIndex
	return id, nil
}

// MaxUpToPower returns 2^p - 1: the largest id representable in p bits.
func MaxUpToPower(p int) (NodeID, error) {
	if p < 0 || p >= IDBits {
		return NodeID{}, InvalidArgument.New("power %d out of range [0, %d)", p, IDBits)
	}
	var id NodeID
	fullBytes := p / 8
	remBits := uint(p % 8)
	for i := 0; i < fullBytes; i++ {
		id[IDLength-1-i] = 0xff
	}
	if remBits > 0 {
		id[IDLength-1-fullBytes] = (1 << remBits) - 1
	}
	return id, nil
}

// RandomIn returns a uniformly distributed id in the closed range [min, max].
// It fails with InvalidArgument if min > max.
func RandomIn(min, max NodeID) (NodeID, error) {
	if max.Less(min) {
		return NodeID{}, InvalidArgument.New("invalid range: min > max")
	}
	if min == max {
		return min, nil
	}
	for {
		var candidate NodeID
		_, _ = rand.Read(candidate[:])
		// Mask toward the range by sampling the full space and rejecting
		// misses; the expected number of retries is bounded by how tight
		// [min,max] is relative to the full keyspace, which in practice
		// (bucket ranges) is never worse than a handful of tries since the
		// rejection sampling operates bytewise below, not on the raw id.
		clamped := clampToRange(candidate, min, max)
		if !clamped.Less(min) && !max.Less(clamped) {
			return clamped, nil
		}
	}
}

// clampToRange folds a random id into [min,max] by constructing it bytewise:
// for the common case where min and max share a long common prefix (true of
// every bucket range, which spans a single subtree), this produces a value
// uniformly distributed over the differing suffix in one pass.
func clampToRange(candidate, min, max NodeID) NodeID {
	var out NodeID
	diverged := false
	for i := range out {
		if !diverged {
			if min[i] == max[i] {
				out[i] = min[i]
				continue
			}
			diverged = true
			lo, hi := min[i], max[i]
			span := int(hi) - int(lo) + 1
			out[i] = lo + byte(int(candidate[i])%span)
			continue
		}
		out[i] = candidate[i]
	}
	return out
}

// SplitRange splits the half-open-by-convention range [lo, hi] (spec treats
// bucket ranges as [lo,hi)) into two contiguous halves at
// mid = floor((lo+hi)/2): (lo, mid) and (mid+1, hi). It fails with
// InvalidArgument if lo >= hi.
func SplitRange(lo, hi NodeID) (loLo, loHi, hiLo, hiHi NodeID, err error) {
	if !lo.Less(hi) {
		err = InvalidArgument.New("invalid range: lo >= hi")
		return
	}
	mid := midpoint(lo, hi)
	loLo, loHi = lo, mid
	hiLo = increment(mid)
	hiHi = hi
	return
}

// midpoint computes floor((lo+hi)/2) using 513-bit intermediate addition to
// avoid overflow.
func midpoint(lo, hi NodeID) NodeID {
	var sum [IDLength + 1]byte
	carry := 0
	for i := IDLength - 1; i >= 0; i-- {
		s := int(lo[i]) + int(hi[i]) + carry
		sum[i+1] = byte(s & 0xff)
		carry = s >> 8
	}
	sum[0] = byte(carry)

	// Divide the 513-bit sum by 2 (shift right by 1).
	var mid NodeID
	carryBit := byte(0)
	for i := 0; i < len(sum); i++ {
		b := sum[i]
		newByte := (b >> 1) | (carryBit << 7)
		carryBit = b & 1
		if i == 0 {
			continue // the extra leading byte only ever holds the final carry-out
		}
		mid[i-1] = newByte
	}
	return mid
}

// increment returns id+1, saturating at Max().
func increment(id NodeID) NodeID {
	out := id
	for i := len(out) - 1; i >= 0; i-- {
		if out[i] != 0xff {
			out[i]++
			return out
		}
		out[i] = 0
	}
	return Max()
}
