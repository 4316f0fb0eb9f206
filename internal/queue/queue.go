// Package queue buffers inspect requests and drains them against the fleet
// under a dynamically sized concurrency ceiling.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/proxypool"
)

// sizeTick is the cadence of the concurrency re-sizing loop.
const sizeTick = 50 * time.Millisecond

// ErrNoBotsAvailable is returned by the handler when no session could take
// the request. It never counts against an entry's attempts.
var ErrNoBotsAvailable = errors.New("no bots available")

// ErrMaxAttemptsExceeded marks an entry that burned through its attempt
// budget; the terminal result wraps it around the last handler failure.
var ErrMaxAttemptsExceeded = errors.New("max attempts exceeded")

// Request is one link submitted as part of a job, optionally carrying a
// client-supplied price.
type Request struct {
	Link     inspect.Link
	Price    uint64
	HasPrice bool
}

// Entry is one queued link. Retries re-enter at the head of the queue.
type Entry struct {
	Link        inspect.Link
	Price       uint64
	HasPrice    bool
	Attempts    int
	MaxAttempts int
	ClientIP    string

	job *Job
}

// Result is the terminal outcome for one entry.
type Result struct {
	Item *inspect.Item
	Err  error
}

// Job groups the entries of one submission; done closes when every entry
// has a terminal result.
type Job struct {
	ID       string
	ClientIP string

	mu        sync.Mutex
	results   map[uint64]Result // keyed by asset id
	remaining int

	done chan struct{}
}

func newJob(clientIP string, n int) *Job {
	return &Job{
		ID:        uuid.NewString(),
		ClientIP:  clientIP,
		results:   make(map[uint64]Result, n),
		remaining: n,
		done:      make(chan struct{}),
	}
}

func (j *Job) complete(assetID uint64, res Result) {
	j.mu.Lock()
	if _, dup := j.results[assetID]; !dup {
		j.results[assetID] = res
		j.remaining--
	}
	finished := j.remaining == 0
	j.mu.Unlock()
	if finished {
		close(j.done)
	}
}

// Wait blocks until every entry resolved or the context expires.
func (j *Job) Wait(ctx context.Context) error {
	select {
	case <-j.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Results returns a copy of the per-asset outcomes gathered so far.
func (j *Job) Results() map[uint64]Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make(map[uint64]Result, len(j.results))
	for k, v := range j.results {
		out[k] = v
	}
	return out
}

// Handler resolves one entry. The returned delay is how long the entry's
// processing slot stays occupied after success, pacing the fleet.
type Handler func(*Entry) (*inspect.Item, time.Duration, error)

// Config wires a Queue.
type Config struct {
	Handler     Handler
	Pool        *proxypool.Pool // nil disables the pool backpressure gate
	ReadyCount  func() int
	MaxAttempts int
}

// Queue is the FIFO with its drain machinery. Entries and counters are
// guarded by mu; per-client load lives in a concurrent map so the admission
// path never contends with the drain loop.
type Queue struct {
	cfg Config

	mu          sync.Mutex
	entries     []*Entry
	processing  int
	concurrency int
	running     bool

	users *xsync.Map[string, int]

	kick     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Queue. Call Start to begin draining.
func New(cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &Queue{
		cfg:   cfg,
		users: xsync.NewMap[string, int](),
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
}

// Start launches the sizing and drain loops.
func (q *Queue) Start() {
	q.mu.Lock()
	q.running = true
	q.mu.Unlock()
	q.wg.Add(2)
	go func() {
		defer q.wg.Done()
		q.sizeLoop()
	}()
	go func() {
		defer q.wg.Done()
		q.drainLoop()
	}()
}

// Stop halts draining; queued entries stay unresolved.
func (q *Queue) Stop() {
	q.mu.Lock()
	q.running = false
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stop) })
	q.wg.Wait()
}

// Submit enqueues one job covering the given requests and nudges the drain
// loop. Admission policy is the caller's business; Submit never rejects.
func (q *Queue) Submit(clientIP string, reqs []Request) *Job {
	job := newJob(clientIP, len(reqs))
	for _, r := range reqs {
		e := &Entry{
			Link:        r.Link,
			Price:       r.Price,
			HasPrice:    r.HasPrice,
			MaxAttempts: q.cfg.MaxAttempts,
			ClientIP:    clientIP,
			job:         job,
		}
		q.mu.Lock()
		q.entries = append(q.entries, e)
		q.mu.Unlock()
		q.incUser(clientIP)
		q.nudge()
	}
	return job
}

// Size returns the number of queued entries (not counting in-flight ones).
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Processing returns the number of in-flight entries.
func (q *Queue) Processing() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.processing
}

// Concurrency returns the current drain ceiling.
func (q *Queue) Concurrency() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.concurrency
}

// UserLoad returns the number of unresolved entries for a client.
func (q *Queue) UserLoad(clientIP string) int {
	n, _ := q.users.Load(clientIP)
	return n
}

func (q *Queue) incUser(ip string) {
	q.users.Compute(ip, func(old int, _ bool) (int, xsync.ComputeOp) {
		return old + 1, xsync.UpdateOp
	})
}

func (q *Queue) decUser(ip string) {
	q.users.Compute(ip, func(old int, loaded bool) (int, xsync.ComputeOp) {
		if !loaded || old <= 1 {
			return 0, xsync.DeleteOp
		}
		return old - 1, xsync.UpdateOp
	})
}

func (q *Queue) nudge() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// sizeLoop recomputes the concurrency ceiling and kicks the drain loop when
// capacity grows.
func (q *Queue) sizeLoop() {
	ticker := time.NewTicker(sizeTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ready := q.cfg.ReadyCount()
			c := ready
			if q.cfg.Pool != nil {
				if mc := q.cfg.Pool.MaxConcurrency(); mc < c {
					c = mc
				}
			}
			q.mu.Lock()
			q.concurrency = c
			backlog := len(q.entries) > 0
			q.mu.Unlock()
			// Re-kick on every tick while a backlog exists; this is what
			// paces NoBotsAvailable retries.
			if backlog {
				q.nudge()
			}
		case <-q.stop:
			return
		}
	}
}

func (q *Queue) drainLoop() {
	for {
		select {
		case <-q.kick:
			q.checkQueue()
		case <-q.stop:
			return
		}
	}
}

// checkQueue starts handlers while capacity, backlog, and pool backpressure
// allow.
func (q *Queue) checkQueue() {
	for {
		q.mu.Lock()
		if !q.running || len(q.entries) == 0 || q.processing >= q.concurrency {
			q.mu.Unlock()
			return
		}
		if q.cfg.Pool != nil && !q.cfg.Pool.CanAcceptMoreRequests() {
			q.mu.Unlock()
			return
		}
		e := q.entries[0]
		q.entries = q.entries[1:]
		q.processing++
		q.mu.Unlock()

		q.wg.Add(1)
		go func() {
			defer q.wg.Done()
			q.process(e)
		}()
	}
}

func (q *Queue) process(e *Entry) {
	item, delay, err := q.cfg.Handler(e)
	if err == nil {
		q.decUser(e.ClientIP)
		e.job.complete(e.Link.A, Result{Item: item})
		// The slot stays occupied through the pacing delay.
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-q.stop:
			}
		}
		q.finishSlot()
		return
	}

	if errors.Is(err, ErrNoBotsAvailable) {
		// Not the entry's fault; requeue at the head without charging an
		// attempt. No immediate re-kick: the next sizing tick retries it,
		// so an empty fleet does not spin the drain loop.
		q.requeueHead(e)
		q.mu.Lock()
		q.processing--
		q.mu.Unlock()
		return
	}

	e.Attempts++
	if e.Attempts >= e.MaxAttempts {
		log.Printf("[queue] link %s failed after %d attempt(s): %v", e.Link, e.Attempts, err)
		q.decUser(e.ClientIP)
		e.job.complete(e.Link.A, Result{Err: fmt.Errorf("%w: %w", ErrMaxAttemptsExceeded, err)})
	} else {
		q.requeueHead(e)
	}
	q.finishSlot()
}

// requeueHead re-inserts the entry at the head so retries jump the queue.
func (q *Queue) requeueHead(e *Entry) {
	q.mu.Lock()
	q.entries = append([]*Entry{e}, q.entries...)
	q.mu.Unlock()
}

func (q *Queue) finishSlot() {
	q.mu.Lock()
	q.processing--
	q.mu.Unlock()
	q.nudge()
}
