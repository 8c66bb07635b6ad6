// Package dispatch provides a single-consumer FIFO work queue. Components that
// own mutable protocol state post closures here so that all of that state is
// touched from one goroutine.
package dispatch

import (
	"log/slog"
	"sync"

	"github.com/eapache/queue"

	"headless/internal/logging"
)

// Queue runs posted functions one at a time in submission order.
type Queue struct {
	logger *slog.Logger

	mu      sync.Mutex
	backlog *queue.Queue
	wake    chan struct{}
	stopped bool
	started bool
	done    chan struct{}
}

// New returns an idle queue. Call Start to begin processing.
func New(logger *slog.Logger) *Queue {
	return &Queue{
		logger:  logging.NewComponentLogger(logger, "dispatch"),
		backlog: queue.New(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Start launches the consumer goroutine. Subsequent calls are no-ops.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true
	go q.run()
}

// Post appends fn to the queue. It reports false if the queue has stopped.
func (q *Queue) Post(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return false
	}
	q.backlog.Add(fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Call posts fn and waits for it to run. It reports false if the queue has
// stopped before fn could run. Call must not be used from inside the queue.
func (q *Queue) Call(fn func()) bool {
	ran := make(chan struct{})
	if !q.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-q.done:
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Len reports the number of queued functions.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.backlog.Length()
}

// Stop rejects further posts, lets the consumer finish the function it is
// running, and discards the rest of the backlog. Stop blocks until the
// consumer exits.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.stopped = true
	started := q.started
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	if !started {
		close(q.done)
		return
	}
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		fn, ok := q.next()
		if !ok {
			return
		}
		if fn == nil {
			<-q.wake
			continue
		}
		q.invoke(fn)
	}
}

// next pops the head of the backlog. It returns (nil, true) when the queue is
// empty but still running.
func (q *Queue) next() (func(), bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		if dropped := q.backlog.Length(); dropped > 0 {
			q.logger.Debug("dispatch queue stopped with pending work", logging.Int("dropped", dropped))
		}
		return nil, false
	}
	if q.backlog.Length() == 0 {
		return nil, true
	}
	return q.backlog.Remove().(func()), true
}

func (q *Queue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.ErrorWithContext(q.logger, "dispatched handler panicked", "dispatch_panic",
				logging.Any("panic", r),
				logging.String(logging.FieldErrorHint, "report this as a bug"),
			)
		}
	}()
	fn()
}
