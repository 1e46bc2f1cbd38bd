package threadlock_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/corvidai/assistant-backend/internal/threadlock"
)

func TestAcquireSerializesSameThread(t *testing.T) {
	tbl := threadlock.New()

	var inCriticalSection int32
	var maxObserved int32
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release := tbl.Acquire("thread-1")
			defer release()

			cur := atomic.AddInt32(&inCriticalSection, 1)
			for {
				max := atomic.LoadInt32(&maxObserved)
				if cur <= max || atomic.CompareAndSwapInt32(&maxObserved, max, cur) {
					break
				}
			}
			time.Sleep(time.Millisecond)
			atomic.AddInt32(&inCriticalSection, -1)
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), maxObserved)
}

func TestAcquireIsIndependentAcrossThreads(t *testing.T) {
	tbl := threadlock.New()
	releaseA := tbl.Acquire("a")
	releaseB := tbl.Acquire("b")
	releaseA()
	releaseB()
}

func TestEntryReclaimedAfterRelease(t *testing.T) {
	tbl := threadlock.New()
	release := tbl.Acquire("solo")
	require.Equal(t, 1, tbl.Len())
	release()
	require.Equal(t, 0, tbl.Len())
}
