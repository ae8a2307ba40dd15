package kademlia

import (
	"sort"
	"sync"
	"time"
)

// DefaultBucketSize is k, the default bucket capacity and replication
// factor (spec §6). Tests commonly override this to 4.
const DefaultBucketSize = 16

// DefaultRefreshInterval is T_REFRESH, the default period after which an
// untouched bucket is due for a refresh lookup (spec §6).
const DefaultRefreshInterval = 3600 * time.Second

// rangeEntry is one leaf of the bucket tree: a contiguous half-open range
// [lo, hi) of the keyspace and the KBucket covering it.
type rangeEntry struct {
	lo, hi NodeID
	bucket *KBucket
}

// RoutingTable is a dynamic bucket tree rooted at the holder's own id. It
// starts as a single bucket spanning the whole keyspace and splits on
// demand, replacing the teacher's fixed 160-entry array (appropriate at
// 160 bits) with a range list that grows only where contacts actually
// cluster — required at 512 bits, where a fully-expanded fixed array would
// hold 4096 rarely-used buckets.
type RoutingTable struct {
	me         Contact
	k          int
	mu         sync.RWMutex
	ranges     []*rangeEntry // kept sorted by lo
	holderIdx  int           // index into ranges of the bucket containing me.ID
	brotherIdx int           // index of the one extra bucket allowed to split; -1 if none

	// pingFunc probes liveness of a bucket's least-recently-seen contact
	// when the bucket is full and not splittable. It must be called
	// outside routingTable.mu (spec §4.3's NeedsLastSeenCheck handshake).
	pingFunc func(Contact) bool
}

// NewRoutingTable returns a table with a single bucket spanning the whole
// keyspace, holding the holder's own contact for distance calculations.
func NewRoutingTable(me Contact, k int) *RoutingTable {
	if k <= 0 {
		k = DefaultBucketSize
	}
	root := &rangeEntry{lo: Zero(), hi: Max(), bucket: NewKBucket(Zero(), Max(), k)}
	// Max() is inclusive as a NodeID value but bucket ranges are half-open
	// [lo,hi); widen hi by treating Max()+1 (the full 2^512) conceptually.
	// We special-case Contains for the root bucket so id==Max() is still
	// covered; see (*KBucket).Contains override via hiInclusive below.
	root.bucket.hiInclusive = true
	return &RoutingTable{
		me:         me,
		k:          k,
		ranges:     []*rangeEntry{root},
		holderIdx:  0,
		brotherIdx: -1,
	}
}

// SetPingFunc wires the liveness probe used by the full-bucket eviction
// policy.
func (rt *RoutingTable) SetPingFunc(pf func(Contact) bool) {
	rt.mu.Lock()
	rt.pingFunc = pf
	rt.mu.Unlock()
}

// Self returns the table's own contact.
func (rt *RoutingTable) Self() Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.me
}

// indexFor returns the index into rt.ranges of the bucket covering id.
// Callers must hold rt.mu.
func (rt *RoutingTable) indexFor(id NodeID) int {
	lo, hi := 0, len(rt.ranges)-1
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if rt.ranges[mid].lo.LessOrEqual(id) {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return lo
}

// splittable reports whether the bucket at index i may be split: either it
// contains the holder id, or it is the current "brother" bucket allowed one
// extra split near the holder (spec §4.3's brother_bucket_of_p rule).
func (rt *RoutingTable) splittable(i int) bool {
	return i == rt.holderIdx || i == rt.brotherIdx
}

// AddContact adds or refreshes a contact, applying spec §4.3's full
// decide-ping-finalize protocol. It is a no-op for the holder's own id.
func (rt *RoutingTable) AddContact(c Contact) {
	if c.ID.Equal(rt.Self().ID) {
		return
	}

	rt.mu.Lock()
	idx := rt.indexFor(c.ID)

	for {
		entry := rt.ranges[idx]
		result := entry.bucket.Add(c)

		switch result.Outcome {
		case Added, Updated:
			entry.bucket.Touch()
			rt.mu.Unlock()
			return
		case Full:
			if rt.splittable(idx) && rt.splitAt(idx) {
				idx = rt.indexFor(c.ID)
				continue
			}
			candidate := result.Candidate
			pingFunc := rt.pingFunc
			rt.mu.Unlock()

			alive := pingFunc != nil && pingFunc(candidate)

			rt.mu.Lock()
			idx = rt.indexFor(c.ID)
			entry = rt.ranges[idx]
			if alive {
				entry.bucket.Add(candidate) // move-to-tail (still present)
				entry.bucket.AddReplacement(c)
			} else {
				entry.bucket.Remove(candidate.ID, true)
				entry.bucket.Add(c)
			}
			rt.mu.Unlock()
			return
		}
	}
}

// splitAt splits the bucket at index i into two halves and updates the
// brother-bucket bookkeeping. It reports whether a split actually happened:
// a range of a single id (lo == hi) cannot be split further. Callers must
// hold rt.mu.
func (rt *RoutingTable) splitAt(i int) bool {
	entry := rt.ranges[i]
	loLo, loHi, hiLo, hiHi, err := SplitRange(entry.lo, entry.hi)
	if err != nil {
		return false // range too small to split further; caller falls back to LRU eviction
	}

	left := &rangeEntry{lo: loLo, hi: loHi, bucket: NewKBucket(loLo, loHi, rt.k)}
	left.bucket.hiInclusive = true // [lo,hi] since loHi is the split midpoint, inclusive
	right := &rangeEntry{lo: hiLo, hi: hiHi, bucket: NewKBucket(hiLo, hiHi, rt.k)}
	if entry.bucket.hiInclusive {
		right.bucket.hiInclusive = true
	}

	for _, c := range entry.bucket.Contacts() {
		if left.bucket.Contains(c.ID) {
			left.bucket.Add(c)
		} else {
			right.bucket.Add(c)
		}
	}

	wasHolder := i == rt.holderIdx
	wasBrother := i == rt.brotherIdx

	// Indices strictly past the split point shift right by one; the split
	// point itself (i) is handled explicitly below.
	shift := func(idx int) int {
		if idx > i {
			return idx + 1
		}
		return idx
	}
	newHolderIdx := shift(rt.holderIdx)
	newBrotherIdx := -1
	if rt.brotherIdx >= 0 {
		newBrotherIdx = shift(rt.brotherIdx)
	}

	rt.ranges = append(rt.ranges, nil)
	copy(rt.ranges[i+2:], rt.ranges[i+1:])
	rt.ranges[i] = left
	rt.ranges[i+1] = right

	switch {
	case wasHolder:
		if left.bucket.Contains(rt.me.ID) {
			newHolderIdx, newBrotherIdx = i, i+1
		} else {
			newHolderIdx, newBrotherIdx = i+1, i
		}
	case wasBrother:
		// Spec §4.3 allows only one bucket of "extra" resolution adjacent
		// to the holder. Once that brother bucket itself splits, neither
		// half inherits the privilege; a new brother is designated only
		// the next time the holder's own bucket splits.
		newBrotherIdx = -1
	}

	rt.holderIdx = newHolderIdx
	rt.brotherIdx = newBrotherIdx
	return true
}

// Get returns the contact with id, if the table knows it.
func (rt *RoutingTable) Get(id NodeID) (Contact, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	idx := rt.indexFor(id)
	return rt.ranges[idx].bucket.Get(id)
}

// Remove drops id from its bucket; see KBucket.Remove for force semantics.
func (rt *RoutingTable) Remove(id NodeID, force bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	idx := rt.indexFor(id)
	rt.ranges[idx].bucket.Remove(id, force)
}

// KClosest collects contacts from the target's bucket, then adjacent
// buckets outward until count are gathered, sorted by XOR distance to
// target (spec §4.3). Results never include ids in exclude.
func (rt *RoutingTable) KClosest(target NodeID, count int, exclude ...NodeID) []Contact {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	idx := rt.indexFor(target)
	seen := make(map[NodeID]struct{}, count*2)
	var collected []Contact

	addFrom := func(i int) {
		if i < 0 || i >= len(rt.ranges) {
			return
		}
		for _, c := range rt.ranges[i].bucket.Contacts(exclude...) {
			if _, dup := seen[c.ID]; dup {
				continue
			}
			seen[c.ID] = struct{}{}
			collected = append(collected, c)
		}
	}

	addFrom(idx)
	for span := 1; (idx-span >= 0 || idx+span < len(rt.ranges)) && len(collected) < count; span++ {
		addFrom(idx - span)
		addFrom(idx + span)
	}

	sort.SliceStable(collected, func(i, j int) bool {
		return CloserTo(collected[i].ID, collected[j].ID, target)
	})

	if count < len(collected) {
		collected = collected[:count]
	}
	return collected
}

// RefreshIDs returns one random id per bucket whose LastAccessed predates
// now-since (or, if force, every bucket), for the periodic bucket-refresh
// task (spec §4.3, §4.8).
func (rt *RoutingTable) RefreshIDs(since time.Duration, force bool, now time.Time) []NodeID {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	var ids []NodeID
	for _, entry := range rt.ranges {
		if !force && now.Sub(entry.bucket.LastAccessed()) < since {
			continue
		}
		hi := entry.hi
		if !entry.bucket.hiInclusive {
			hi = decrementOrZero(hi)
		}
		id, err := RandomIn(entry.lo, hi)
		if err != nil {
			id = entry.lo
		}
		ids = append(ids, id)
	}
	return ids
}

func decrementOrZero(id NodeID) NodeID {
	for i := len(id) - 1; i >= 0; i-- {
		if id[i] != 0 {
			id[i]--
			return id
		}
		id[i] = 0xff
	}
	return Zero()
}

// BucketCount reports how many leaf buckets the table currently holds, for
// diagnostics and tests.
func (rt *RoutingTable) BucketCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.ranges)
}
