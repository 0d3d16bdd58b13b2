package workers

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolBoundsConcurrency(t *testing.T) {
	p := NewPool(2)

	var running, peak atomic.Int32
	release := make(chan struct{})
	var wg sync.WaitGroup

	for i := 0; i < 6; i++ {
		wg.Add(1)
		require.True(t, p.Submit(func() {
			defer wg.Done()
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			<-release
			running.Add(-1)
		}))
	}

	// One task is held by the dispatcher, the rest stay queued
	require.Eventually(t, func() bool {
		return running.Load() == 2 && p.Pending() == 3
	}, 2*time.Second, time.Millisecond)

	close(release)
	wg.Wait()
	assert.Equal(t, int32(2), peak.Load())

	p.Close()
	p.Wait()
}

func TestPoolSubmitNeverBlocks(t *testing.T) {
	p := NewPool(1)
	stuck := make(chan struct{})
	p.Submit(func() { <-stuck })

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			p.Submit(func() {})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Submit() blocked while every worker was busy")
	}

	close(stuck)
	p.Close()
	p.Wait()
}

func TestPoolStuckWorkerDoesNotStarveOthers(t *testing.T) {
	p := NewPool(2)
	stuck := make(chan struct{})
	p.Submit(func() { <-stuck })

	completed := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		p.Submit(func() { completed <- i })
	}

	for i := 0; i < 10; i++ {
		select {
		case <-completed:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d tasks completed next to a stuck worker", i)
		}
	}

	close(stuck)
	p.Close()
	p.Wait()
}

func TestPoolCloseWaitsForRunningTasks(t *testing.T) {
	p := NewPool(1)

	finished := make(chan struct{})
	started := make(chan struct{})
	p.Submit(func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		close(finished)
	})
	<-started

	p.Close()
	assert.False(t, p.Submit(func() {}))
	p.Wait()

	select {
	case <-finished:
	default:
		t.Fatal("Wait() returned before the running task finished")
	}
}
