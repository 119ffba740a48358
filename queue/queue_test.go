package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, q *Queue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx, false))
}

func TestFIFOPerKey(t *testing.T) {
	q := New(Options{MaxConcurrency: 10})
	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		i := i
		wg.Add(1)
		require.NoError(t, q.Submit(Item{
			PartitionKey: "key1",
			Task: func(ctx context.Context) error {
				defer wg.Done()
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				return nil
			},
		}))
	}
	wg.Wait()
	drain(t, q)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestCrossKeyConcurrencyCap(t *testing.T) {
	q := New(Options{MaxConcurrency: 2})
	var running, maxRunning int32
	var mu sync.Mutex
	var wg sync.WaitGroup

	incr := func() {
		mu.Lock()
		running++
		if running > int32(maxRunning) {
			maxRunning = running
		}
		mu.Unlock()
	}
	decr := func() {
		mu.Lock()
		running--
		mu.Unlock()
	}

	for i := 0; i < 6; i++ {
		key := fmt.Sprintf("key%d", i)
		wg.Add(1)
		require.NoError(t, q.Submit(Item{
			PartitionKey: key,
			Task: func(ctx context.Context) error {
				defer wg.Done()
				incr()
				time.Sleep(20 * time.Millisecond)
				decr()
				return nil
			},
		}))
	}
	wg.Wait()
	drain(t, q)
	assert.LessOrEqual(t, int(maxRunning), 2)
}

func TestTimeoutReleasesSlotBeforeLateCompletion(t *testing.T) {
	q := New(Options{MaxConcurrency: 1, ReaperInterval: 10 * time.Millisecond})
	blockRelease := make(chan struct{})

	require.NoError(t, q.Submit(Item{
		PartitionKey: "slow",
		Timeout:      30 * time.Millisecond,
		Task: func(ctx context.Context) error {
			<-blockRelease
			return nil
		},
	}))

	// Wait for the timeout + at least one reaper sweep.
	time.Sleep(120 * time.Millisecond)
	assert.Equal(t, 0, q.RunningCount(), "reaper should have released the expired slot")

	var ran bool
	done := make(chan struct{})
	require.NoError(t, q.Submit(Item{
		PartitionKey: "slow",
		Task: func(ctx context.Context) error {
			ran = true
			close(done)
			return nil
		},
	}))
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second task for the same key never ran after timeout eviction")
	}
	assert.True(t, ran)
	close(blockRelease)
}

func TestGracefulStopCompletesOutstanding(t *testing.T) {
	q := New(Options{MaxConcurrency: 5})
	var done bool
	require.NoError(t, q.Submit(Item{
		PartitionKey: "k",
		Task: func(ctx context.Context) error {
			time.Sleep(30 * time.Millisecond)
			done = true
			return nil
		},
	}))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, q.Stop(ctx, false))
	assert.True(t, done)
}

func TestImmediateStopDiscardsPending(t *testing.T) {
	q := New(Options{MaxConcurrency: 1})
	block := make(chan struct{})
	ran := make(chan struct{}, 1)

	require.NoError(t, q.Submit(Item{
		PartitionKey: "busy",
		Task: func(ctx context.Context) error {
			<-block
			return nil
		},
	}))
	require.NoError(t, q.Submit(Item{
		PartitionKey: "other",
		Task: func(ctx context.Context) error {
			ran <- struct{}{}
			return nil
		},
	}))
	// "busy" holds the only slot, so "other" is still pending.
	require.Equal(t, 1, q.PendingCount())

	stopped := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		stopped <- q.Stop(ctx, true)
	}()
	require.Eventually(t, func() bool { return q.PendingCount() == 0 }, time.Second, time.Millisecond)
	close(block)
	require.NoError(t, <-stopped)

	select {
	case <-ran:
		t.Fatal("pending item ran after an immediate stop discarded it")
	default:
	}
}

func TestSubmitAfterStopRefused(t *testing.T) {
	q := New(Options{MaxConcurrency: 1})
	drain(t, q)
	err := q.Submit(Item{PartitionKey: "k", Task: func(ctx context.Context) error { return nil }})
	assert.Error(t, err)
}

var errBoom = fmt.Errorf("boom")

func TestAcceptableErrorNeverReachesOnFatal(t *testing.T) {
	var mu sync.Mutex
	var taskErrs, fatals int
	done := make(chan struct{})

	q := New(Options{
		MaxConcurrency: 1,
		IsAcceptable:   func(err error) bool { return err == errBoom },
		OnTaskError: func(key string, err error) {
			mu.Lock()
			taskErrs++
			mu.Unlock()
			close(done)
		},
		OnFatal: func(key string, err error) {
			mu.Lock()
			fatals++
			mu.Unlock()
		},
	})
	require.NoError(t, q.Submit(Item{
		PartitionKey: "k",
		Task:         func(ctx context.Context) error { return errBoom },
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task error callback never fired")
	}
	drain(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, taskErrs)
	assert.Equal(t, 0, fatals, "an acceptable error must never reach OnFatal")
}

func TestHardErrorReachesOnFatal(t *testing.T) {
	var mu sync.Mutex
	var fatals int
	done := make(chan struct{})

	q := New(Options{
		MaxConcurrency: 1,
		IsAcceptable:   func(err error) bool { return err == errBoom },
		OnFatal: func(key string, err error) {
			mu.Lock()
			fatals++
			mu.Unlock()
			close(done)
		},
	})
	require.NoError(t, q.Submit(Item{
		PartitionKey: "k",
		Task:         func(ctx context.Context) error { return fmt.Errorf("not boom") },
	}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnFatal never fired for a hard error")
	}
	drain(t, q)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, fatals)
}
