package activitypub

import (
	"context"
	"crypto/rsa"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/metrics"
)

// Poster performs a single signed POST.
type Poster interface {
	Post(ctx context.Context, inboxURI string, body []byte, privateKey *rsa.PrivateKey, keyID string) error
}

type sendJob struct {
	inbox   string
	started time.Time
	cancel  context.CancelFunc
}

// SendPool tracks every in-flight POST so stuck sends can be swept.
type SendPool struct {
	poster  Poster
	timeout time.Duration

	mu     sync.Mutex
	jobs   map[uint64]*sendJob
	nextID uint64

	logger *log.Logger
	now    func() time.Time
}

// NewSendPool creates a pool whose jobs are cancelled by Sweep once older
// than timeout.
func NewSendPool(poster Poster, timeout time.Duration, logger *log.Logger) *SendPool {
	if logger == nil {
		logger = log.Default()
	}
	return &SendPool{
		poster:  poster,
		timeout: timeout,
		jobs:    make(map[uint64]*sendJob),
		logger:  logger.WithPrefix("sendpool"),
		now:     time.Now,
	}
}

// Send posts body to inbox and blocks until done, cancelled or swept.
func (p *SendPool) Send(ctx context.Context, inbox string, body []byte, key *rsa.PrivateKey, keyID string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	p.jobs[id] = &sendJob{inbox: inbox, started: p.now(), cancel: cancel}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.jobs, id)
		p.mu.Unlock()
	}()

	err := p.poster.Post(ctx, inbox, body, key, keyID)
	if err != nil {
		metrics.OutboxDeliveries.WithLabelValues("failed").Inc()
		return err
	}
	metrics.OutboxDeliveries.WithLabelValues("ok").Inc()
	return nil
}

// Active returns the number of in-flight sends.
func (p *SendPool) Active() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// Sweep cancels sends running longer than the pool timeout and returns how
// many were cancelled.
func (p *SendPool) Sweep() int {
	if p.timeout <= 0 {
		return 0
	}
	cutoff := p.now().Add(-p.timeout)

	p.mu.Lock()
	defer p.mu.Unlock()
	swept := 0
	for id, job := range p.jobs {
		if job.started.Before(cutoff) {
			job.cancel()
			delete(p.jobs, id)
			swept++
			p.logger.Warn("Cancelled dormant send", "inbox", job.inbox, "age", p.now().Sub(job.started).Round(time.Second))
		}
	}
	return swept
}
