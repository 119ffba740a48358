// Package queue implements a bounded, partition-exclusive async operation
// queue: at most one task per partition key runs at a time, overall
// concurrency is capped, tasks may carry a per-task timeout that forcibly
// releases their key's slot, and shutdown can drain gracefully or
// immediately.
package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bucketmirror/bucketmirror/logging"
)

// Task is the unit of work submitted to the queue. ctx carries the
// per-task timeout deadline, if one was configured.
type Task func(ctx context.Context) error

// Item is a queued unit of work bound to a partition key.
type Item struct {
	PartitionKey string
	Task         Task
	Timeout      time.Duration
}

// runState tracks the one active (or most recently active) run for a
// partition key.
type runState struct {
	runID     string
	expiresAt time.Time // zero if no timeout configured
	hasExpiry bool
}

// Options configures a Queue.
type Options struct {
	// MaxConcurrency caps the number of distinct partition keys running
	// at once. Zero defaults to 300.
	MaxConcurrency int
	// DefaultTimeout is used for items submitted with Timeout == 0.
	// Zero defaults to 60s. A negative value disables the default
	// (items run with no deadline unless they set one explicitly).
	DefaultTimeout time.Duration
	// ReaperInterval controls how often the running-task table is swept
	// for expired entries. Zero means a sane default (5s).
	ReaperInterval time.Duration
	// InterceptErrors, when true, causes the queue to catch a task's
	// returned error, log it, and proceed instead of forwarding it to
	// OnFatal. The zero value (false) propagates hard errors to OnFatal.
	InterceptErrors bool
	// IsAcceptable classifies a task error as transient/non-fatal. An
	// acceptable error is always reported via OnTaskError but never
	// reaches OnFatal, regardless of InterceptErrors. A nil IsAcceptable
	// treats every error as hard.
	IsAcceptable func(err error) bool
	// OnTaskError is invoked for every non-nil error of a completion that
	// still holds its slot (a late completion of a reaped run is
	// discarded), before the acceptable/hard classification via
	// IsAcceptable. It is always called, even when InterceptErrors is
	// true; InterceptErrors only changes whether a hard (non-acceptable)
	// error is also forwarded to OnFatal.
	OnTaskError func(partitionKey string, err error)
	// OnFatal is invoked when a task fails with a non-acceptable error
	// and InterceptErrors is false, signaling that the host should
	// treat this as a fatal condition and begin shutdown.
	OnFatal func(partitionKey string, err error)
}

const (
	defaultMaxConcurrency = 300
	defaultTaskTimeout    = 60 * time.Second
	defaultReaperInterval = 5 * time.Second
)

// Queue is the bounded, per-key-exclusive task queue.
type Queue struct {
	opt Options

	mu       sync.Mutex // guards everything below
	pending  map[string][]Item // FIFO per key for keys with queued-but-not-running work
	running  map[string]runState
	order    []string // partition keys with pending work, in first-seen order (for fairness across keys)

	wg       sync.WaitGroup
	stopping bool
	stopCh   chan struct{}
	stopOnce sync.Once

	reaperDone chan struct{}
}

// New constructs a Queue and starts its reaper goroutine.
func New(opt Options) *Queue {
	if opt.MaxConcurrency <= 0 {
		opt.MaxConcurrency = defaultMaxConcurrency
	}
	if opt.DefaultTimeout == 0 {
		opt.DefaultTimeout = defaultTaskTimeout
	}
	if opt.ReaperInterval <= 0 {
		opt.ReaperInterval = defaultReaperInterval
	}
	q := &Queue{
		opt:        opt,
		pending:    make(map[string][]Item),
		running:    make(map[string]runState),
		stopCh:     make(chan struct{}),
		reaperDone: make(chan struct{}),
	}
	go q.reapLoop()
	return q
}

// Submit enqueues an item. It never blocks: if the item's key is already
// running, or the queue is at its concurrency cap, the item is appended to
// the pending FIFO for its key and dispatched later.
func (q *Queue) Submit(item Item) error {
	if item.Timeout == 0 {
		item.Timeout = q.opt.DefaultTimeout
	}
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return fmt.Errorf("queue: stopped, submission for %q refused", item.PartitionKey)
	}
	if _, seen := q.pending[item.PartitionKey]; !seen {
		q.order = append(q.order, item.PartitionKey)
	}
	q.pending[item.PartitionKey] = append(q.pending[item.PartitionKey], item)
	q.mu.Unlock()

	q.dispatch()
	return nil
}

// dispatch is the single-threaded scheduling step: for every partition key
// with pending work and no running task, start the next item, up to the
// overall concurrency cap. It is safe to call concurrently; the mutex
// serializes the scheduling decision itself.
func (q *Queue) dispatch() {
	for {
		item, ok := q.nextRunnable()
		if !ok {
			return
		}
		q.start(item)
	}
}

func (q *Queue) nextRunnable() (Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.running) >= q.opt.MaxConcurrency {
		return Item{}, false
	}
	for i, key := range q.order {
		if _, busy := q.running[key]; busy {
			continue
		}
		items := q.pending[key]
		if len(items) == 0 {
			continue
		}
		item := items[0]
		q.pending[key] = items[1:]
		if len(q.pending[key]) == 0 {
			delete(q.pending, key)
			q.order = append(q.order[:i:i], q.order[i+1:]...)
		}
		runID := uuid.NewString()
		rs := runState{runID: runID}
		if item.Timeout > 0 {
			rs.expiresAt = time.Now().Add(item.Timeout)
			rs.hasExpiry = true
		}
		q.running[key] = rs
		return item, true
	}
	return Item{}, false
}

func (q *Queue) start(item Item) {
	q.mu.Lock()
	rs := q.running[item.PartitionKey]
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		defer q.dispatch() // a slot freed up; let pending work for other keys in

		ctx := context.Background()
		var cancel context.CancelFunc
		if item.Timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, item.Timeout)
			defer cancel()
		}

		err := q.runTask(ctx, item)

		completed := q.release(item.PartitionKey, rs.runID)
		if !completed {
			// The slot was already reaped for a timeout; this task's
			// late completion is discarded by the run_id guard,
			// including any error it returned.
			logging.Debugf(item.PartitionKey, "discarding late completion for expired run %s", rs.runID)
			return
		}
		q.handleTaskError(item.PartitionKey, err)
	}()
}

func (q *Queue) runTask(ctx context.Context, item Item) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("queue: task for %q panicked: %v", item.PartitionKey, r)
		}
	}()
	return item.Task(ctx)
}

func (q *Queue) handleTaskError(key string, err error) {
	if err == nil {
		return
	}
	if q.opt.OnTaskError != nil {
		q.opt.OnTaskError(key, err)
	}
	if q.opt.IsAcceptable != nil && q.opt.IsAcceptable(err) {
		return
	}
	if q.opt.InterceptErrors {
		logging.Warnf(key, "task error intercepted, queue continues: %v", err)
		return
	}
	if q.opt.OnFatal != nil {
		q.opt.OnFatal(key, err)
	}
}

// release clears the running slot for key if it is still held by runID.
// It returns false if the slot had already been cleared or reassigned
// (e.g. by the reaper), meaning this completion arrived too late to count.
func (q *Queue) release(key, runID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	rs, ok := q.running[key]
	if !ok || rs.runID != runID {
		return false
	}
	delete(q.running, key)
	return true
}

// reapLoop sweeps the running-task table for entries whose timeout has
// elapsed, evicting them so the key's next submission can start even
// though the original task body is still (silently) running in the
// background.
func (q *Queue) reapLoop() {
	defer close(q.reaperDone)
	t := time.NewTicker(q.opt.ReaperInterval)
	defer t.Stop()
	for {
		select {
		case <-q.stopCh:
			return
		case <-t.C:
			q.reapExpired()
		}
	}
}

func (q *Queue) reapExpired() {
	now := time.Now()
	var reaped []string
	q.mu.Lock()
	for key, rs := range q.running {
		if rs.hasExpiry && now.After(rs.expiresAt) {
			delete(q.running, key)
			reaped = append(reaped, key)
		}
	}
	q.mu.Unlock()
	for _, key := range reaped {
		logging.Warnf(key, "task timed out, releasing partition slot")
	}
	if len(reaped) > 0 {
		q.dispatch()
	}
}

// RunningCount reports how many partition keys currently have an active
// run, for metrics and tests.
func (q *Queue) RunningCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.running)
}

// PendingCount reports the total number of queued-but-not-started items.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, items := range q.pending {
		n += len(items)
	}
	return n
}

// Stop drains the queue. If immediate is false (graceful), no new
// submissions are accepted but all pending and running work completes. If
// immediate is true, not-yet-started pending items are discarded as well.
// If timeout elapses before a graceful drain completes, it escalates to
// immediate.
func (q *Queue) Stop(ctx context.Context, immediate bool) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopping = true
		q.mu.Unlock()
		close(q.stopCh)
	})

	if immediate {
		q.discardPending()
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		q.discardPending()
		select {
		case <-done:
			return nil
		case <-time.After(0):
			return fmt.Errorf("queue: drain timed out escalating to immediate: %w", ctx.Err())
		}
	}
}

func (q *Queue) discardPending() {
	q.mu.Lock()
	discarded := 0
	for key, items := range q.pending {
		discarded += len(items)
		delete(q.pending, key)
	}
	q.order = nil
	q.mu.Unlock()
	if discarded > 0 {
		logging.Warnf("queue", "discarded %d not-yet-started item(s) on immediate stop", discarded)
	}
}
