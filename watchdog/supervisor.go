// Package watchdog keeps named background workers alive. Each worker has
// its own monitor goroutine that polls the worker and starts a fresh
// instance from the registered factory whenever the previous one has
// exited, returned an error or panicked.
package watchdog

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/metrics"
)

var (
	ErrDuplicateWorker = errors.New("worker already registered")
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrStarted         = errors.New("supervisor already running")
)

// Factory starts one instance of a worker and blocks until it stops.
type Factory func(ctx context.Context) error

// record is the supervisor's view of one worker. The instance fields are
// replaced together on every spawn.
type record struct {
	name    string
	poll    time.Duration
	factory Factory

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
	restarts int
	started  time.Time
}

func (r *record) alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.done == nil {
		return false
	}
	select {
	case <-r.done:
		return false
	default:
		return true
	}
}

// Supervisor owns the worker records for the lifetime of the process.
type Supervisor struct {
	mu      sync.Mutex
	workers map[string]*record
	order   []string
	running bool

	wg     sync.WaitGroup
	logger *log.Logger
}

func New(logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.Default()
	}
	return &Supervisor{
		workers: make(map[string]*record),
		logger:  logger.WithPrefix("watchdog"),
	}
}

// Register adds a worker. It must be called before Run.
func (s *Supervisor) Register(name string, poll time.Duration, factory Factory) error {
	if name == "" || factory == nil {
		return fmt.Errorf("register %q: name and factory are required", name)
	}
	if poll <= 0 {
		poll = 20 * time.Second
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return ErrStarted
	}
	if _, ok := s.workers[name]; ok {
		return fmt.Errorf("%s: %w", name, ErrDuplicateWorker)
	}
	s.workers[name] = &record{name: name, poll: poll, factory: factory}
	s.order = append(s.order, name)
	return nil
}

// Run starts every worker and its monitor, then blocks until ctx is done
// and all of them have stopped.
func (s *Supervisor) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrStarted
	}
	s.running = true
	records := make([]*record, 0, len(s.order))
	for _, name := range s.order {
		records = append(records, s.workers[name])
	}
	s.mu.Unlock()

	for _, r := range records {
		s.spawn(ctx, r)
		s.wg.Add(1)
		go s.monitor(ctx, r)
	}
	s.logger.Info("Supervising workers", "count", len(records))

	<-ctx.Done()
	s.wg.Wait()
	for _, r := range records {
		r.mu.Lock()
		cancel, done := r.cancel, r.done
		r.mu.Unlock()
		if cancel != nil {
			cancel()
			<-done
		}
	}
	s.logger.Info("All workers stopped")
	return nil
}

// spawn starts a new instance of r, cancelling whatever instance was
// there before.
func (s *Supervisor) spawn(ctx context.Context, r *record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		r.cancel()
	}

	workerCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	r.cancel = cancel
	r.done = done
	r.err = nil
	r.started = time.Now()

	go func() {
		defer close(done)
		err := runWorker(workerCtx, r.factory)
		r.mu.Lock()
		if r.done == done {
			r.err = err
		}
		r.mu.Unlock()
		if err != nil && workerCtx.Err() == nil {
			s.logger.Error("Worker stopped", "worker", r.name, "err", err)
		}
	}()
}

func runWorker(ctx context.Context, factory Factory) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return factory(ctx)
}

// monitor polls r until ctx is done. A failed check is logged and the
// loop continues.
func (s *Supervisor) monitor(ctx context.Context, r *record) {
	defer s.wg.Done()
	ticker := time.NewTicker(r.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.check(ctx, r)
		}
	}
}

func (s *Supervisor) check(ctx context.Context, r *record) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("Watchdog check failed", "worker", r.name, "panic", p)
		}
	}()
	if r.alive() || ctx.Err() != nil {
		return
	}

	r.mu.Lock()
	cause := r.err
	r.restarts++
	restarts := r.restarts
	r.mu.Unlock()

	s.logger.Warn("Restarting worker", "worker", r.name, "restarts", restarts, "cause", cause)
	metrics.WatchdogRestarts.WithLabelValues(r.name).Inc()
	s.spawn(ctx, r)
}

func (s *Supervisor) lookup(name string) (*record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.workers[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrUnknownWorker)
	}
	return r, nil
}

// Alive reports whether the current instance of name is running.
func (s *Supervisor) Alive(name string) bool {
	r, err := s.lookup(name)
	return err == nil && r.alive()
}

// Restarts returns how many times name has been respawned.
func (s *Supervisor) Restarts(name string) int {
	r, err := s.lookup(name)
	if err != nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.restarts
}

// Kill cancels the current instance of name and waits for it to exit.
// The monitor starts a replacement on its next poll.
func (s *Supervisor) Kill(name string) error {
	r, err := s.lookup(name)
	if err != nil {
		return err
	}
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("%s: not started", name)
	}
	cancel()
	<-done
	return nil
}

// Status describes one worker.
type Status struct {
	Name     string
	Alive    bool
	Restarts int
	Since    time.Time
}

// Statuses lists every worker in registration order.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	names := append([]string(nil), s.order...)
	s.mu.Unlock()

	out := make([]Status, 0, len(names))
	for _, name := range names {
		r, _ := s.lookup(name)
		alive := r.alive()
		r.mu.Lock()
		out = append(out, Status{Name: name, Alive: alive, Restarts: r.restarts, Since: r.started})
		r.mu.Unlock()
	}
	return out
}
