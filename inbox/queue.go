// Package inbox implements the bounded, disk-backed queue between the
// front door and the activity processor.
package inbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/activitypub"
	"github.com/deemkeen/herald/blocking"
	"github.com/deemkeen/herald/domain"
	"github.com/deemkeen/herald/metrics"
)

// ErrQueueClosed is returned by Run when its context ends.
var ErrQueueClosed = errors.New("inbox queue closed")

// EnqueueResult is the outcome of offering an activity to the queue.
type EnqueueResult int

const (
	Accepted EnqueueResult = iota
	RejectedRestarting
	RejectedMalformed
	RejectedInvalidContext
	RejectedBlockedDomain
	RejectedQuota
	RejectedQueueFull
	RejectedIOError
)

func (r EnqueueResult) String() string {
	switch r {
	case Accepted:
		return "accepted"
	case RejectedRestarting:
		return "restarting"
	case RejectedMalformed:
		return "malformed"
	case RejectedInvalidContext:
		return "invalid_context"
	case RejectedBlockedDomain:
		return "blocked"
	case RejectedQuota:
		return "quota"
	case RejectedQueueFull:
		return "queue_full"
	case RejectedIOError:
		return "io_error"
	}
	return "unknown"
}

// StatusCode maps a result onto the HTTP status the front door returns.
// Policy rejections share 400 with malformed input on purpose.
func (r EnqueueResult) StatusCode() int {
	switch r {
	case Accepted:
		return 201
	case RejectedMalformed, RejectedInvalidContext, RejectedBlockedDomain:
		return 400
	}
	return 503
}

// Filter is the moderation check applied at admission.
type Filter interface {
	IsBlocked(nickname, actorURL string) bool
}

// Processor applies one entry. Returning an error drops the entry.
type Processor interface {
	Process(ctx context.Context, entry *domain.QueueEntry) error
}

// Options configure a Queue.
type Options struct {
	Dir                   string
	MaxLength             int
	DomainMaxPostsPerDay  int
	AccountMaxPostsPerDay int
	// PollInterval bounds how long an idle consumer sleeps between checks.
	PollInterval time.Duration
}

// EnqueueRequest is an authenticated inbound delivery.
type EnqueueRequest struct {
	Nickname string
	Path     string
	Body     []byte
	Headers  map[string]string
}

// Queue holds inbound activities as one JSON file each, indexed in memory
// in arrival order. A file exists from acceptance until it is processed or
// purged; the index never lists a name twice.
type Queue struct {
	dir    string
	max    int
	poll   time.Duration
	filter Filter
	quotas *quotas

	mu       sync.Mutex
	index    []string
	lastNano int64

	restarting atomic.Bool
	wake       chan struct{}

	logger *log.Logger
	now    func() time.Time
}

// New creates the queue directory if needed and loads any entries left
// from a previous run.
func New(opts Options, filter Filter, logger *log.Logger) (*Queue, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxLength <= 0 {
		opts.MaxLength = 64
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if err := os.MkdirAll(opts.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("create queue dir: %w", err)
	}

	q := &Queue{
		dir:    opts.Dir,
		max:    opts.MaxLength,
		poll:   opts.PollInterval,
		filter: filter,
		quotas: newQuotas(opts.DomainMaxPostsPerDay, opts.AccountMaxPostsPerDay),
		wake:   make(chan struct{}, 1),
		logger: logger.WithPrefix("queue"),
		now:    time.Now,
	}
	if err := q.Load(); err != nil {
		return nil, err
	}
	return q, nil
}

// Load rebuilds the index from the directory in name order. Leftover
// temporary files are removed.
func (q *Queue) Load() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return fmt.Errorf("read queue dir: %w", err)
	}

	var names []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		if strings.HasPrefix(name, ".") {
			os.Remove(filepath.Join(q.dir, name))
			continue
		}
		if strings.HasSuffix(name, ".json") {
			names = append(names, name)
		}
	}
	slices.Sort(names)

	q.mu.Lock()
	q.index = names
	q.mu.Unlock()
	metrics.InboxQueueLength.Set(float64(len(names)))

	if len(names) > 0 {
		q.logger.Info("Loaded queued entries", "count", len(names))
		q.signal()
	}
	return nil
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.index)
}

// Entries returns the queued entry ids, oldest first.
func (q *Queue) Entries() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return slices.Clone(q.index)
}

// Restarting reports whether an overflow purge is waiting for the consumer.
func (q *Queue) Restarting() bool {
	return q.restarting.Load()
}

// Enqueue validates and persists one activity.
func (q *Queue) Enqueue(req EnqueueRequest) EnqueueResult {
	result := q.enqueue(req)
	metrics.InboxEnqueued.WithLabelValues(result.String()).Inc()
	return result
}

func (q *Queue) enqueue(req EnqueueRequest) EnqueueResult {
	if q.restarting.Load() {
		return RejectedRestarting
	}

	a, raw, err := activitypub.ParseBytes(req.Body)
	if err != nil || a.Env().Actor == "" {
		q.logger.Debug("Rejecting malformed activity", "path", req.Path, "err", err)
		return RejectedMalformed
	}
	if !activitypub.HasValidContext(raw) {
		q.logger.Debug("Rejecting activity with unknown context", "path", req.Path, "actor", a.Env().Actor)
		return RejectedInvalidContext
	}

	actor := a.Env().Actor
	sender := blocking.DomainOf(actor)
	if sender == "" || q.filter.IsBlocked(req.Nickname, actor) {
		return RejectedBlockedDomain
	}

	now := q.now()
	if q.quotas.exceeded(now, sender, actor) {
		q.logger.Warn("Daily quota reached", "domain", sender, "actor", actor)
		return RejectedQuota
	}

	normalized, _ := activitypub.NormalizeAddressing(raw)

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.index) >= q.max {
		q.purgeLocked()
		return RejectedQueueFull
	}

	nano := now.UnixNano()
	if nano <= q.lastNano {
		nano = q.lastNano + 1
	}
	q.lastNano = nano

	entry := &domain.QueueEntry{
		Id:         domain.NewQueueEntryID(time.Unix(0, nano)),
		Path:       req.Path,
		Nickname:   req.Nickname,
		Original:   json.RawMessage(req.Body),
		Normalized: normalized,
		Headers:    req.Headers,
		BodyText:   string(req.Body),
		Received:   now,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		q.logger.Error("Failed to encode queue entry", "err", err)
		return RejectedIOError
	}
	if err := writeFileAtomic(q.dir, entry.Id, data); err != nil {
		q.logger.Error("Failed to persist queue entry", "err", err)
		return RejectedIOError
	}

	q.index = append(q.index, entry.Id)
	metrics.InboxQueueLength.Set(float64(len(q.index)))
	q.quotas.record(now, sender, actor)
	q.signal()

	q.logger.Debug("Queued", "id", entry.Id, "type", a.Kind(), "actor", actor, "nickname", req.Nickname)
	return Accepted
}

// purgeLocked drops every queued entry and flags a restart. The consumer
// clears the flag once it has observed the purge.
func (q *Queue) purgeLocked() {
	q.logger.Warn("Queue full, purging and restarting", "length", len(q.index))
	for _, id := range q.index {
		if err := os.Remove(filepath.Join(q.dir, id)); err != nil && !os.IsNotExist(err) {
			q.logger.Warn("Failed to remove purged entry", "id", id, "err", err)
		}
	}
	q.index = nil
	q.restarting.Store(true)
	metrics.InboxQueueLength.Set(0)
	metrics.InboxQueueRestarts.Inc()
	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Read loads a queued entry from disk.
func (q *Queue) Read(id string) (*domain.QueueEntry, error) {
	data, err := os.ReadFile(filepath.Join(q.dir, id))
	if err != nil {
		return nil, err
	}
	entry := new(domain.QueueEntry)
	if err := json.Unmarshal(data, entry); err != nil {
		return nil, fmt.Errorf("decode %s: %w", id, err)
	}
	return entry, nil
}

// remove deletes the file of id, then drops it from the index.
func (q *Queue) remove(id string) {
	if err := os.Remove(filepath.Join(q.dir, id)); err != nil && !os.IsNotExist(err) {
		q.logger.Warn("Failed to remove entry", "id", id, "err", err)
	}
	q.mu.Lock()
	if i := slices.Index(q.index, id); i >= 0 {
		q.index = slices.Delete(q.index, i, i+1)
	}
	metrics.InboxQueueLength.Set(float64(len(q.index)))
	q.mu.Unlock()
}

// Run consumes entries in arrival order until ctx ends. It is the single
// consumer of the queue.
func (q *Queue) Run(ctx context.Context, p Processor) error {
	q.logger.Info("Inbox queue consumer started", "queued", q.Len())
	for {
		if ctx.Err() != nil {
			return ErrQueueClosed
		}
		if q.restarting.CompareAndSwap(true, false) {
			q.logger.Info("Queue restarted after purge")
		}

		processed, err := q.ProcessNext(ctx, p)
		if err != nil && ctx.Err() == nil {
			q.logger.Warn("Dropped queue entry", "err", err)
		}
		if processed {
			continue
		}

		select {
		case <-ctx.Done():
			return ErrQueueClosed
		case <-q.wake:
		case <-time.After(q.poll):
		}
	}
}

// ProcessNext handles the oldest entry, if any. The entry file is deleted
// only after p returns, whatever the outcome, except when ctx was
// cancelled mid-way; then it stays for the next consumer.
func (q *Queue) ProcessNext(ctx context.Context, p Processor) (processed bool, err error) {
	q.mu.Lock()
	if len(q.index) == 0 {
		q.mu.Unlock()
		return false, nil
	}
	id := q.index[0]
	q.mu.Unlock()

	entry, err := q.Read(id)
	if err != nil {
		q.remove(id)
		metrics.InboxProcessed.WithLabelValues("unreadable").Inc()
		return true, err
	}

	if err := q.process(ctx, p, entry); err != nil {
		if ctx.Err() != nil {
			return true, err
		}
		q.remove(id)
		metrics.InboxProcessed.WithLabelValues("failed").Inc()
		return true, fmt.Errorf("%s: %w", id, err)
	}

	q.remove(id)
	metrics.InboxProcessed.WithLabelValues("ok").Inc()
	return true, nil
}

func (q *Queue) process(ctx context.Context, p Processor, entry *domain.QueueEntry) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.Process(ctx, entry)
}

// writeFileAtomic writes data to dir/name through a temp file and rename,
// so readers never see a partial entry.
func writeFileAtomic(dir, name string, data []byte) error {
	tmpFile, err := os.CreateTemp(dir, ".entry-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp entry: %w", err)
	}
	tmpPath := tmpFile.Name()

	success := false
	defer func() {
		if !success {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("writing entry: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("syncing entry: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("closing temp entry: %w", err)
	}
	if err := os.Rename(tmpPath, filepath.Join(dir, name)); err != nil {
		return fmt.Errorf("renaming entry: %w", err)
	}

	success = true
	return nil
}
