package kademlia

import (
	"container/list"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// AddOutcome is the result of KBucket.Add, mirroring spec §4.2's
// {Added, Updated, Full(candidate)} state machine.
type AddOutcome int

const (
	// Added means the contact was new and the bucket had room.
	Added AddOutcome = iota
	// Updated means the contact already existed and was moved to the tail.
	Updated
	// Full means the bucket has no room; Candidate names the
	// least-recently-seen contact the caller should ping.
	Full
)

// AddResult is returned by KBucket.Add.
type AddResult struct {
	Outcome   AddOutcome
	Candidate Contact // populated only when Outcome == Full
}

// KBucket holds up to Capacity contacts covering the half-open range
// [Lo, Hi) of the keyspace, ordered oldest-seen-first at the head (spec §3).
type KBucket struct {
	Lo, Hi   NodeID
	Capacity int

	// hiInclusive is true when Hi itself is covered (the chain of buckets
	// reaching up to Max()); otherwise the range is the usual [Lo, Hi).
	hiInclusive bool

	entries      *list.List // of Contact, front = least-recently-seen
	replacements *lru.Cache[NodeID, Contact]
	lastAccessed time.Time
}

// NewKBucket constructs an empty bucket covering [lo, hi) with the given
// capacity (k in the spec; default 16, tests commonly use 4).
func NewKBucket(lo, hi NodeID, capacity int) *KBucket {
	repl, _ := lru.New[NodeID, Contact](replacementCacheSize(capacity))
	return &KBucket{
		Lo:           lo,
		Hi:           hi,
		Capacity:     capacity,
		entries:      list.New(),
		replacements: repl,
		lastAccessed: time.Now(),
	}
}

func replacementCacheSize(capacity int) int {
	if capacity < 1 {
		return 1
	}
	return capacity * 2
}

// Contains reports whether id falls within the bucket's range: [Lo, Hi) in
// general, or [Lo, Hi] for the chain of buckets reaching up to Max().
func (b *KBucket) Contains(id NodeID) bool {
	if !b.hiInclusive {
		return !id.Less(b.Lo) && id.Less(b.Hi)
	}
	return !id.Less(b.Lo) && !b.Hi.Less(id)
}

// Len returns the number of live contacts in the bucket.
func (b *KBucket) Len() int {
	return b.entries.Len()
}

// Add implements the spec §4.2 state machine. It never evicts by itself —
// eviction is the RoutingTable's job, driven by the Candidate it returns.
func (b *KBucket) Add(contact Contact) AddResult {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		existing := e.Value.(Contact)
		if existing.ID.Equal(contact.ID) {
			contact.FailedRPCCount = 0
			b.entries.Remove(e)
			b.entries.PushBack(contact)
			return AddResult{Outcome: Updated}
		}
	}

	if b.entries.Len() < b.Capacity {
		contact.FailedRPCCount = 0
		b.entries.PushBack(contact)
		return AddResult{Outcome: Added}
	}

	head := b.entries.Front().Value.(Contact)
	return AddResult{Outcome: Full, Candidate: head}
}

// Remove drops id from the bucket. If force is false it only increments
// FailedRPCCount, removing the contact once that would exceed
// FailedRPCLimit; if force is true it removes immediately regardless of
// failure count.
func (b *KBucket) Remove(id NodeID, force bool) {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		c := e.Value.(Contact)
		if !c.ID.Equal(id) {
			continue
		}
		if force {
			b.entries.Remove(e)
			b.promoteReplacement()
			return
		}
		c.FailedRPCCount++
		if c.FailedRPCCount > FailedRPCLimit {
			b.entries.Remove(e)
			b.promoteReplacement()
			return
		}
		e.Value = c
		return
	}
}

// promoteReplacement moves the most recently seen replacement-cache entry
// into a freed slot, if one is cached.
func (b *KBucket) promoteReplacement() {
	keys := b.replacements.Keys()
	if len(keys) == 0 {
		return
	}
	last := keys[len(keys)-1]
	c, ok := b.replacements.Get(last)
	if !ok {
		return
	}
	b.replacements.Remove(last)
	if b.entries.Len() < b.Capacity {
		b.entries.PushBack(c)
	}
}

// AddReplacement caches a contact that didn't fit, for later promotion.
func (b *KBucket) AddReplacement(c Contact) {
	b.replacements.Add(c.ID, c)
}

// Get returns the contact with the given id, if present.
func (b *KBucket) Get(id NodeID) (Contact, bool) {
	for e := b.entries.Front(); e != nil; e = e.Next() {
		c := e.Value.(Contact)
		if c.ID.Equal(id) {
			return c, true
		}
	}
	return Contact{}, false
}

// Contacts returns every live contact in the bucket except those whose id
// appears in exclude.
func (b *KBucket) Contacts(exclude ...NodeID) []Contact {
	out := make([]Contact, 0, b.entries.Len())
	for e := b.entries.Front(); e != nil; e = e.Next() {
		c := e.Value.(Contact)
		skip := false
		for _, ex := range exclude {
			if c.ID.Equal(ex) {
				skip = true
				break
			}
		}
		if !skip {
			out = append(out, c)
		}
	}
	return out
}

// Touch updates the bucket's last-accessed timestamp, used by the refresh
// task to decide which buckets are stale (spec §4.2, §4.3 refresh_ids).
func (b *KBucket) Touch() {
	b.lastAccessed = time.Now()
}

// LastAccessed returns the last time Touch was called.
func (b *KBucket) LastAccessed() time.Time {
	return b.lastAccessed
}
