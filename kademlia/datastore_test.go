package kademlia

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDataStore_StoreAndLoad(t *testing.T) {
	ds := NewDataStore(nil)

	ok := ds.Store("k1", []byte("v1"), time.Hour, true, false)
	require.True(t, ok)

	vals := ds.Load("k1")
	require.Len(t, vals, 1)
	assert.Equal(t, []byte("v1"), vals[0])
	assert.True(t, ds.Has("k1"))
	assert.False(t, ds.Has("missing"))
}

func TestDataStore_MultipleValuesUnderOneKey(t *testing.T) {
	ds := NewDataStore(nil)
	ds.Store("k1", []byte("v1"), 0, true, false)
	ds.Store("k1", []byte("v2"), 0, true, false)

	vals := ds.Load("k1")
	assert.Len(t, vals, 2)
}

func TestDataStore_NonPublisherRefreshLeavesExpiryUntouched(t *testing.T) {
	mock := clock.NewMock()
	ds := NewDataStore(mock)

	ds.Store("k1", []byte("v1"), time.Minute, true, false)
	originalExpiry, ok := ds.ExpireTime("k1", []byte("v1"))
	require.True(t, ok)

	mock.Add(30 * time.Second)
	ds.Store("k1", []byte("v1"), time.Minute, false, false)

	refreshedExpiry, ok := ds.ExpireTime("k1", []byte("v1"))
	require.True(t, ok)
	assert.Equal(t, originalExpiry, refreshedExpiry, "non-publisher refresh must not move expire_time")

	lastRefresh, ok := ds.LastRefresh("k1", []byte("v1"))
	require.True(t, ok)
	assert.Equal(t, mock.Now(), lastRefresh)
}

func TestDataStore_RepublishMovesExpiry(t *testing.T) {
	mock := clock.NewMock()
	ds := NewDataStore(mock)

	ds.Store("k1", []byte("v1"), time.Minute, true, false)
	mock.Add(30 * time.Second)
	ds.Store("k1", []byte("v1"), time.Minute, true, false)

	expiry, ok := ds.ExpireTime("k1", []byte("v1"))
	require.True(t, ok)
	assert.Equal(t, mock.Now().Add(time.Minute), expiry)
}

func TestDataStore_DeleteExpiredRemovesPastEntriesOnly(t *testing.T) {
	mock := clock.NewMock()
	ds := NewDataStore(mock)

	ds.Store("short", []byte("v"), time.Minute, true, false)
	ds.Store("forever", []byte("v"), 0, true, false)

	mock.Add(2 * time.Minute)
	ds.DeleteExpired()

	assert.False(t, ds.Has("short"))
	assert.True(t, ds.Has("forever"))
}

func TestDataStore_ValuesToRefreshReturnsDueEntries(t *testing.T) {
	mock := clock.NewMock()
	ds := NewDataStore(mock)

	ds.Store("k1", []byte("v1"), time.Hour, true, false)
	due := ds.ValuesToRefresh(time.Hour)
	assert.Empty(t, due)

	mock.Add(time.Hour + time.Second)
	due = ds.ValuesToRefresh(time.Hour)
	require.Len(t, due, 1)
	assert.Equal(t, "k1", due[0].Key)
}

func TestDataStore_IsAppendableKeyFlag(t *testing.T) {
	ds := NewDataStore(nil)
	ds.Store("hashable", []byte("v1"), 0, true, true)
	ds.Store("plain", []byte("v1"), 0, true, false)

	assert.True(t, ds.IsAppendableKey("hashable", []byte("v1")))
	assert.False(t, ds.IsAppendableKey("plain", []byte("v1")))
}

func TestDataStore_DeleteValueRemovesOnlyThatTuple(t *testing.T) {
	ds := NewDataStore(nil)
	ds.Store("k1", []byte("v1"), 0, true, false)
	ds.Store("k1", []byte("v2"), 0, true, false)

	ds.DeleteValue("k1", []byte("v1"))
	vals := ds.Load("k1")
	require.Len(t, vals, 1)
	assert.Equal(t, []byte("v2"), vals[0])
}
