package activitypub

import (
	"context"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/metrics"
)

// Deliverer performs one delivery run. It must return promptly once ctx is
// cancelled.
type Deliverer interface {
	Deliver(ctx context.Context, nickname string, activity []byte) error
}

// DispatcherOptions configure supersession.
type DispatcherOptions struct {
	// Grace is how long Submit waits for a previous run to finish on its own.
	Grace time.Duration
	// Abandon is how long a cancelled run gets to exit before it is
	// detached.
	Abandon time.Duration
}

type run struct {
	cancel  context.CancelFunc
	done    chan struct{}
	started time.Time
}

// Dispatcher runs outbound deliveries with at most one live run per local
// actor. A newer submission waits for the old run, then supersedes it.
type Dispatcher struct {
	deliverer Deliverer
	opts      DispatcherOptions
	root      context.Context

	mu      sync.Mutex
	runs    map[string]*run
	submits map[string]*sync.Mutex
	wg      sync.WaitGroup

	logger *log.Logger
}

// NewDispatcher creates a dispatcher whose runs are children of root.
// Cancelling root stops every run and makes Submit return false.
func NewDispatcher(root context.Context, deliverer Deliverer, opts DispatcherOptions, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.Default()
	}
	if opts.Grace <= 0 {
		opts.Grace = 8 * time.Second
	}
	if opts.Abandon <= 0 {
		opts.Abandon = 5 * time.Second
	}
	return &Dispatcher{
		deliverer: deliverer,
		opts:      opts,
		root:      root,
		runs:      make(map[string]*run),
		submits:   make(map[string]*sync.Mutex),
		logger:    logger.WithPrefix("outbox"),
	}
}

func (d *Dispatcher) submitLock(nickname string) *sync.Mutex {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.submits[nickname]
	if !ok {
		l = new(sync.Mutex)
		d.submits[nickname] = l
	}
	return l
}

func (d *Dispatcher) current(nickname string) *run {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.runs[nickname]
}

// Running reports whether a delivery run for nickname is live.
func (d *Dispatcher) Running(nickname string) bool {
	return d.current(nickname) != nil
}

// Submit starts delivering activity for nickname. It blocks for at most the
// grace period plus the abandon timeout while a previous run for the same
// actor winds down. It returns false only if no run could be started.
func (d *Dispatcher) Submit(nickname string, activity []byte) bool {
	if nickname == "" || len(activity) == 0 {
		return false
	}
	if d.root.Err() != nil {
		return false
	}

	lock := d.submitLock(nickname)
	lock.Lock()
	defer lock.Unlock()

	if prev := d.current(nickname); prev != nil {
		d.supersede(nickname, prev)
	}
	if d.root.Err() != nil {
		return false
	}

	ctx, cancel := context.WithCancel(d.root)
	r := &run{cancel: cancel, done: make(chan struct{}), started: time.Now()}

	d.mu.Lock()
	d.runs[nickname] = r
	d.mu.Unlock()

	metrics.OutboxSubmissions.Inc()
	d.wg.Add(1)
	go d.execute(ctx, nickname, activity, r)
	return true
}

func (d *Dispatcher) supersede(nickname string, prev *run) {
	select {
	case <-prev.done:
		return
	case <-time.After(d.opts.Grace):
	}

	d.logger.Warn("Superseding delivery still running after grace period",
		"actor", nickname, "age", time.Since(prev.started).Round(time.Millisecond))
	metrics.OutboxSuperseded.Inc()
	prev.cancel()

	select {
	case <-prev.done:
	case <-time.After(d.opts.Abandon):
		d.logger.Error("Abandoning delivery that ignored cancellation", "actor", nickname)
		d.mu.Lock()
		if d.runs[nickname] == prev {
			delete(d.runs, nickname)
		}
		d.mu.Unlock()
	}
}

func (d *Dispatcher) execute(ctx context.Context, nickname string, activity []byte, r *run) {
	defer func() {
		if p := recover(); p != nil {
			d.logger.Error("Delivery panicked", "actor", nickname, "panic", p)
		}
		d.mu.Lock()
		if d.runs[nickname] == r {
			delete(d.runs, nickname)
		}
		d.mu.Unlock()
		r.cancel()
		close(r.done)
		d.wg.Done()
	}()

	if err := d.deliverer.Deliver(ctx, nickname, activity); err != nil {
		if ctx.Err() != nil {
			d.logger.Info("Delivery cancelled", "actor", nickname)
			return
		}
		d.logger.Error("Delivery failed", "actor", nickname, "err", err)
	}
}

// Wait blocks until every run has returned, including abandoned ones.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}
