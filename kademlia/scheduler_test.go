package kademlia

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"
)

func TestScheduler_OnceFiresAfterDelay(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	defer s.Stop()

	var fired int32
	s.ScheduleOnce(time.Second, func() { atomic.AddInt32(&fired, 1) })

	mock.Add(500 * time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 0 }, time.Second, time.Millisecond)

	mock.Add(600 * time.Millisecond)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)
}

func TestScheduler_PeriodicFiresRepeatedly(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	defer s.Stop()

	var fired int32
	s.SchedulePeriodic(time.Second, func() { atomic.AddInt32(&fired, 1) })

	for i := 0; i < 3; i++ {
		mock.Add(time.Second)
		require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == int32(i+1) }, time.Second, time.Millisecond)
	}
}

func TestScheduler_CancelStopsFurtherFires(t *testing.T) {
	mock := clock.NewMock()
	s := NewScheduler(mock)
	defer s.Stop()

	var fired int32
	id := s.SchedulePeriodic(time.Second, func() { atomic.AddInt32(&fired, 1) })

	mock.Add(time.Second)
	require.Eventually(t, func() bool { return atomic.LoadInt32(&fired) == 1 }, time.Second, time.Millisecond)

	s.Cancel(id)
	mock.Add(5 * time.Second)
	time.Sleep(20 * time.Millisecond)
	require.EqualValues(t, 1, atomic.LoadInt32(&fired))
}
