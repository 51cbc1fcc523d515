package activitypub

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/domain"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// Blocker is the part of the domain filter a delivery needs.
type Blocker interface {
	IsBlocked(nickname, actorURL string) bool
}

// CourierOptions tune fan-out.
type CourierOptions struct {
	MaxConcurrentSends int
	// DormantAfter skips followers not heard from for this long. Zero
	// disables the check.
	DormantAfter time.Duration
}

// Courier is the body of a delivery run: it resolves who should receive an
// activity, then signs and POSTs one copy per distinct inbox.
type Courier struct {
	db      *db.DB
	keys    *KeyCache
	blocker Blocker
	pool    *SendPool
	iris    IRIs
	opts    CourierOptions
	logger  *log.Logger
	now     func() time.Time
}

func NewCourier(database *db.DB, keys *KeyCache, blocker Blocker, pool *SendPool, iris IRIs, opts CourierOptions, logger *log.Logger) *Courier {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxConcurrentSends <= 0 {
		opts.MaxConcurrentSends = 8
	}
	return &Courier{
		db:      database,
		keys:    keys,
		blocker: blocker,
		pool:    pool,
		iris:    iris,
		opts:    opts,
		logger:  logger.WithPrefix("courier"),
		now:     time.Now,
	}
}

// Deliver implements Deliverer. Individual recipient failures are logged
// and queued for retry; only cancellation is returned as an error.
func (c *Courier) Deliver(ctx context.Context, nickname string, activity []byte) error {
	c.pool.Sweep()

	acc, err := c.db.ReadAccByUsername(nickname)
	if err != nil {
		return fmt.Errorf("read account %s: %w", nickname, err)
	}
	privateKey, err := ParsePrivateKey(acc.WebPrivateKey)
	if err != nil {
		return fmt.Errorf("failed to parse private key: %w", err)
	}

	a, raw, err := ParseBytes(activity)
	if err != nil {
		return err
	}
	body, err := StripHidden(activity, raw)
	if err != nil {
		return err
	}

	inboxes, err := c.resolveInboxes(ctx, nickname, acc, a.Env().Recipients())
	if err != nil {
		return err
	}
	if len(inboxes) == 0 {
		c.logger.Debug("No remote recipients", "actor", nickname, "type", a.Kind())
		return nil
	}

	keyID := c.iris.KeyID(nickname)
	g := new(errgroup.Group)
	g.SetLimit(c.opts.MaxConcurrentSends)
	for _, inbox := range inboxes {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			if err := c.pool.Send(ctx, inbox, body, privateKey, keyID); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				c.logger.Warn("Delivery failed, queued for retry", "inbox", inbox, "err", err)
				c.queueRetry(nickname, inbox, body)
				return nil
			}
			c.logger.Debug("Delivered", "inbox", inbox, "type", a.Kind())
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return err
	}
	c.logger.Info("Delivered activity", "actor", nickname, "type", a.Kind(), "inboxes", len(inboxes))
	return nil
}

// resolveInboxes expands recipients into distinct inbox URLs, preferring
// shared inboxes.
func (c *Courier) resolveInboxes(ctx context.Context, nickname string, acc *domain.Account, recipients []string) ([]string, error) {
	seen := make(map[string]struct{})
	var inboxes []string
	add := func(inbox string) {
		if inbox == "" {
			return
		}
		if _, ok := seen[inbox]; ok {
			return
		}
		seen[inbox] = struct{}{}
		inboxes = append(inboxes, inbox)
	}

	for _, r := range recipients {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		switch {
		case IsPublic(r):
			continue
		case r == c.iris.Followers(nickname):
			followers, err := c.db.ReadFollowersByAccountId(acc.Id)
			if err != nil {
				c.logger.Warn("Failed to read followers", "actor", nickname, "err", err)
				continue
			}
			for _, f := range followers {
				if c.dormant(f) || c.blocker.IsBlocked(nickname, f.ActorURI) {
					continue
				}
				if _, local := c.iris.Nickname(f.ActorURI); local {
					continue
				}
				if f.SharedInboxURI != "" {
					add(f.SharedInboxURI)
				} else {
					add(f.InboxURI)
				}
			}
		default:
			if _, local := c.iris.Nickname(r); local {
				continue
			}
			if c.blocker.IsBlocked(nickname, r) {
				c.logger.Debug("Skipping blocked recipient", "recipient", r)
				continue
			}
			actor, err := c.keys.Resolve(ctx, r)
			if err != nil {
				c.logger.Warn("Cannot resolve recipient", "recipient", r, "err", err)
				continue
			}
			add(actor.DeliveryInbox())
		}
	}
	return inboxes, nil
}

func (c *Courier) dormant(f domain.Follower) bool {
	if c.opts.DormantAfter <= 0 || f.LastSeen.IsZero() {
		return false
	}
	return c.now().Sub(f.LastSeen) > c.opts.DormantAfter
}

func (c *Courier) queueRetry(nickname, inbox string, body []byte) {
	now := c.now()
	item := &domain.DeliveryQueueItem{
		Id:           uuid.New(),
		Nickname:     nickname,
		InboxURI:     inbox,
		ActivityJSON: string(body),
		Attempts:     1,
		NextRetryAt:  now.Add(backoff(1)),
		CreatedAt:    now,
	}
	if err := c.db.EnqueueDelivery(item); err != nil {
		c.logger.Error("Failed to queue retry", "inbox", inbox, "err", err)
	}
}
