package kademlia

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/btree"
)

// entryKey identifies a stored (key, value) tuple; DataStore's primary
// index is unique on this pair (spec §3, §4.4).
type entryKey struct {
	key   string
	value string
}

// storeEntry is one DataStore tuple: (key, value, last_refresh, expire_time,
// ttl, appendable_key) per spec §3.
type storeEntry struct {
	key           string
	value         []byte
	lastRefresh   time.Time
	expireTime    time.Time // zero value means "never expires" (ttl == 0)
	ttl           time.Duration
	appendableKey bool // hashable-key flag, spec §4.6
}

// RefreshValue is what DataStore.ValuesToRefresh returns: enough to drive a
// non-publishing iterative STORE (spec §4.4, §4.8).
type RefreshValue struct {
	Key   string
	Value []byte
	TTL   time.Duration
}

// timeIndexItem is a google/btree item ordering entries by a secondary
// timestamp (last_refresh or expire_time), per the design note's "two
// cooperating B-trees" alongside the primary map.
type timeIndexItem struct {
	when time.Time
	ek   entryKey
}

func (a timeIndexItem) Less(bItem btree.Item) bool {
	b := bItem.(timeIndexItem)
	if !a.when.Equal(b.when) {
		return a.when.Before(b.when)
	}
	if a.ek.key != b.ek.key {
		return a.ek.key < b.ek.key
	}
	return a.ek.value < b.ek.value
}

// DataStore is the local key -> set-of-values store with TTL, republish and
// refresh semantics (spec §4.4). A single mutex protects the primary map
// and both secondary B-tree indices; every operation is short, matching the
// concurrency policy in spec §5.
type DataStore struct {
	mu sync.Mutex

	clock clock.Clock

	primary       map[entryKey]*storeEntry
	byLastRefresh *btree.BTree
	byExpireTime  *btree.BTree
}

// NewDataStore returns an empty store using clk for all timestamps (pass
// clock.NewMock() in tests to control expiry deterministically).
func NewDataStore(clk clock.Clock) *DataStore {
	if clk == nil {
		clk = clock.New()
	}
	return &DataStore{
		clock:         clk,
		primary:       make(map[entryKey]*storeEntry),
		byLastRefresh: btree.New(32),
		byExpireTime:  btree.New(32),
	}
}

// Store inserts or refreshes a (key, value) tuple. When republish is true
// (the original publisher re-storing) both last_refresh and expire_time are
// reset; when false (a non-publisher refresh) only last_refresh moves and
// expire_time is left untouched (spec §4.4). ttl == 0 means the tuple never
// expires. appendableKey marks the hashable-key case from spec §4.6.
func (ds *DataStore) Store(key string, value []byte, ttl time.Duration, republish bool, appendableKey bool) bool {
	if key == "" || len(value) == 0 {
		return false
	}
	ds.mu.Lock()
	defer ds.mu.Unlock()

	ek := entryKey{key: key, value: string(value)}
	now := ds.clock.Now()

	if existing, ok := ds.primary[ek]; ok {
		ds.byLastRefresh.Delete(timeIndexItem{when: existing.lastRefresh, ek: ek})
		existing.lastRefresh = now
		if republish {
			ds.byExpireTime.Delete(timeIndexItem{when: existing.expireTime, ek: ek})
			existing.expireTime = expireAt(now, ttl)
			existing.ttl = ttl
			ds.byExpireTime.ReplaceOrInsert(timeIndexItem{when: existing.expireTime, ek: ek})
		}
		ds.byLastRefresh.ReplaceOrInsert(timeIndexItem{when: existing.lastRefresh, ek: ek})
		return true
	}

	entry := &storeEntry{
		key:           key,
		value:         append([]byte(nil), value...),
		lastRefresh:   now,
		expireTime:    expireAt(now, ttl),
		ttl:           ttl,
		appendableKey: appendableKey,
	}
	ds.primary[ek] = entry
	ds.byLastRefresh.ReplaceOrInsert(timeIndexItem{when: entry.lastRefresh, ek: ek})
	ds.byExpireTime.ReplaceOrInsert(timeIndexItem{when: entry.expireTime, ek: ek})
	return true
}

func expireAt(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Load returns every value currently stored under key.
func (ds *DataStore) Load(key string) [][]byte {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	var out [][]byte
	for ek, entry := range ds.primary {
		if ek.key == key {
			out = append(out, append([]byte(nil), entry.value...))
		}
	}
	return out
}

// Has reports whether any value is stored under key.
func (ds *DataStore) Has(key string) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for ek := range ds.primary {
		if ek.key == key {
			return true
		}
	}
	return false
}

// Delete removes every value stored under key.
func (ds *DataStore) Delete(key string) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	for ek, entry := range ds.primary {
		if ek.key == key {
			ds.removeLocked(ek, entry)
		}
	}
}

// DeleteValue removes a single (key, value) tuple.
func (ds *DataStore) DeleteValue(key string, value []byte) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	ek := entryKey{key: key, value: string(value)}
	if entry, ok := ds.primary[ek]; ok {
		ds.removeLocked(ek, entry)
	}
}

func (ds *DataStore) removeLocked(ek entryKey, entry *storeEntry) {
	delete(ds.primary, ek)
	ds.byLastRefresh.Delete(timeIndexItem{when: entry.lastRefresh, ek: ek})
	ds.byExpireTime.Delete(timeIndexItem{when: entry.expireTime, ek: ek})
}

// DeleteExpired removes every entry whose expire_time has passed. Entries
// with ttl == 0 (zero expire_time) never match.
func (ds *DataStore) DeleteExpired() {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := ds.clock.Now()
	var toRemove []timeIndexItem
	ds.byExpireTime.Ascend(func(item btree.Item) bool {
		ti := item.(timeIndexItem)
		if ti.when.IsZero() {
			return true // zero means infinite TTL; keep scanning past it
		}
		if ti.when.After(now) {
			return false // btree is ordered; nothing further can be expired
		}
		toRemove = append(toRemove, ti)
		return true
	})
	for _, ti := range toRemove {
		if entry, ok := ds.primary[ti.ek]; ok {
			ds.removeLocked(ti.ek, entry)
		}
	}
}

// ValuesToRefresh returns entries whose last_refresh + T_REFRESH <= now
// (spec §4.4, §4.8).
func (ds *DataStore) ValuesToRefresh(tRefresh time.Duration) []RefreshValue {
	ds.mu.Lock()
	defer ds.mu.Unlock()

	now := ds.clock.Now()
	var due []RefreshValue
	ds.byLastRefresh.Ascend(func(item btree.Item) bool {
		ti := item.(timeIndexItem)
		if ti.when.Add(tRefresh).After(now) {
			return false
		}
		if entry, ok := ds.primary[ti.ek]; ok {
			due = append(due, RefreshValue{
				Key:   entry.key,
				Value: append([]byte(nil), entry.value...),
				TTL:   entry.ttl,
			})
		}
		return true
	})
	return due
}

// LastRefresh returns the last-refresh timestamp of a (key,value) tuple.
func (ds *DataStore) LastRefresh(key string, value []byte) (time.Time, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	entry, ok := ds.primary[entryKey{key: key, value: string(value)}]
	if !ok {
		return time.Time{}, false
	}
	return entry.lastRefresh, true
}

// ExpireTime returns the expiry timestamp of a (key,value) tuple. A zero
// time means the tuple never expires.
func (ds *DataStore) ExpireTime(key string, value []byte) (time.Time, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	entry, ok := ds.primary[entryKey{key: key, value: string(value)}]
	if !ok {
		return time.Time{}, false
	}
	return entry.expireTime, true
}

// TTL returns the configured TTL of a (key,value) tuple.
func (ds *DataStore) TTL(key string, value []byte) (time.Duration, bool) {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	entry, ok := ds.primary[entryKey{key: key, value: string(value)}]
	if !ok {
		return 0, false
	}
	return entry.ttl, true
}

// IsAppendableKey reports the hashable-key flag recorded at Store time.
func (ds *DataStore) IsAppendableKey(key string, value []byte) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	entry, ok := ds.primary[entryKey{key: key, value: string(value)}]
	return ok && entry.appendableKey
}

// Keys returns every distinct key currently stored.
func (ds *DataStore) Keys() []string {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	seen := make(map[string]struct{})
	var out []string
	for ek := range ds.primary {
		if _, ok := seen[ek.key]; !ok {
			seen[ek.key] = struct{}{}
			out = append(out, ek.key)
		}
	}
	return out
}
