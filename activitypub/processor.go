package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/db"
	"github.com/deemkeen/herald/domain"
)

// Submitter hands an outbound activity to the dispatcher.
type Submitter interface {
	Submit(nickname string, activity []byte) bool
}

// InboxFilter is the moderation view the processor consults.
type InboxFilter interface {
	IsBlocked(nickname, actorURL string) bool
	IsHashtagBlocked(tag string) bool
}

// InboxProcessor applies queued inbound activities to local state.
type InboxProcessor struct {
	db     *db.DB
	keys   *KeyCache
	filter InboxFilter
	outbox Submitter
	iris   IRIs
	logger *log.Logger
	now    func() time.Time
}

func NewInboxProcessor(database *db.DB, keys *KeyCache, filter InboxFilter, outbox Submitter, iris IRIs, logger *log.Logger) *InboxProcessor {
	if logger == nil {
		logger = log.Default()
	}
	return &InboxProcessor{
		db:     database,
		keys:   keys,
		filter: filter,
		outbox: outbox,
		iris:   iris,
		logger: logger.WithPrefix("inbox"),
		now:    time.Now,
	}
}

// Process applies one queue entry. An error means the entry is dropped.
func (p *InboxProcessor) Process(ctx context.Context, entry *domain.QueueEntry) error {
	a, err := Parse(entry.Normalized)
	if err != nil {
		return fmt.Errorf("entry %s: %w", entry.Id, err)
	}
	env := a.Env()
	if env.Actor == "" {
		return fmt.Errorf("entry %s: activity has no actor", entry.Id)
	}

	if err := p.db.TouchFollower(env.Actor, p.now()); err != nil {
		p.logger.Warn("Failed to update last seen", "actor", env.Actor, "err", err)
	}

	// instance-wide effects, independent of the addressed accounts
	switch v := a.(type) {
	case *Delete:
		if v.ObjectID == env.Actor {
			return p.actorDeleted(env.Actor)
		}
	case *Create:
		for _, tag := range v.Hashtags() {
			if p.filter.IsHashtagBlocked(tag) {
				p.logger.Info("Dropping post with blocked hashtag", "actor", env.Actor, "tag", tag)
				return nil
			}
		}
	}

	targets, err := p.targets(entry.Nickname, a)
	if err != nil {
		return err
	}
	if len(targets) == 0 {
		p.logger.Debug("No local recipients", "type", a.Kind(), "actor", env.Actor)
		return nil
	}

	for _, nick := range targets {
		acc, err := p.db.ReadAccByUsername(nick)
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Debug("Unknown local recipient", "nickname", nick)
			continue
		}
		if err != nil {
			return err
		}
		if p.filter.IsBlocked(nick, env.Actor) {
			p.logger.Debug("Dropping activity from blocked actor", "nickname", nick, "actor", env.Actor)
			continue
		}
		if err := p.apply(ctx, acc, a); err != nil {
			return fmt.Errorf("%s for %s: %w", a.Kind(), nick, err)
		}
	}
	return nil
}

// targets lists the local accounts an activity is for. Personal inbox
// deliveries go to that account only; shared inbox deliveries go to every
// addressed local account and to local followers of the sender.
func (p *InboxProcessor) targets(nickname string, a Activity) ([]string, error) {
	if nickname != SharedInboxNickname {
		return []string{nickname}, nil
	}

	seen := make(map[string]struct{})
	var out []string
	add := func(iri string) {
		nick, ok := p.iris.Nickname(iri)
		if !ok {
			return
		}
		if _, dup := seen[nick]; dup {
			return
		}
		seen[nick] = struct{}{}
		out = append(out, nick)
	}

	for _, r := range a.Env().Recipients() {
		add(r)
	}
	switch v := a.(type) {
	case *Follow:
		add(v.Object)
	case *Accept:
		add(v.Inner.Env().Actor)
	case *Reject:
		add(v.Inner.Env().Actor)
	}

	following, err := p.db.ReadAccountsFollowing(a.Env().Actor)
	if err != nil {
		return nil, err
	}
	for _, acc := range following {
		add(p.iris.Actor(acc.Username))
	}
	return out, nil
}

func (p *InboxProcessor) apply(ctx context.Context, acc *domain.Account, a Activity) error {
	actor := a.Env().Actor

	switch v := a.(type) {
	case *Follow:
		return p.follow(ctx, acc, v)

	case *Undo:
		if inner := v.Inner.Env().Actor; inner != "" && inner != actor {
			p.logger.Warn("Undo of another actor's activity", "actor", actor, "inner", inner)
			return nil
		}
		switch inner := v.Inner.(type) {
		case *Follow:
			p.logger.Info("Unfollowed", "nickname", acc.Username, "actor", actor)
			return p.db.RemoveFollower(acc.Id, actor)
		case *Block:
			return nil
		default:
			if id := inner.Env().ID; id != "" {
				_, err := p.db.DeleteInboxItemsByActivityURI(id, actor)
				return err
			}
		}
		return nil

	case *Accept:
		if _, ok := v.Inner.(*Follow); !ok && v.Inner.Kind() != "" {
			return p.store(acc, a)
		}
		err := p.db.AcceptFollowing(acc.Id, actor)
		if errors.Is(err, db.ErrNotFound) {
			p.logger.Debug("Accept for unknown follow", "nickname", acc.Username, "actor", actor)
			return nil
		}
		return err

	case *Reject:
		p.logger.Info("Follow rejected", "nickname", acc.Username, "actor", actor)
		return p.db.DeleteFollowing(acc.Id, actor)

	case *Update:
		if isActorType(v.ObjectType) {
			if v.ObjectID == actor {
				p.keys.Invalidate(actor)
			}
			return nil
		}
		return p.store(acc, a)

	case *Delete:
		if v.ObjectID == "" {
			return nil
		}
		_, err := p.db.DeleteInboxItemsByObjectURI(v.ObjectID, actor)
		return err
	}

	return p.store(acc, a)
}

func (p *InboxProcessor) follow(ctx context.Context, acc *domain.Account, f *Follow) error {
	if f.Object != p.iris.Actor(acc.Username) {
		p.logger.Debug("Follow not addressed to this account", "nickname", acc.Username, "object", f.Object)
		return nil
	}

	remote, err := p.keys.Resolve(ctx, f.Actor)
	if err != nil {
		return fmt.Errorf("resolve follower: %w", err)
	}

	err = p.db.AddFollower(&domain.Follower{
		AccountId:      acc.Id,
		ActorURI:       f.Actor,
		InboxURI:       remote.InboxURL,
		SharedInboxURI: remote.SharedInboxURL,
		FollowURI:      f.ID,
		LastSeen:       p.now(),
	})
	if err != nil {
		return err
	}
	p.logger.Info("New follower", "nickname", acc.Username, "actor", f.Actor)

	accept := NewAccept(p.iris.NewActivityID(), p.iris.Actor(acc.Username), f.Raw)
	if !p.outbox.Submit(acc.Username, mustMarshal(accept)) {
		p.logger.Warn("Could not submit Accept", "nickname", acc.Username, "actor", f.Actor)
	}
	return nil
}

func (p *InboxProcessor) actorDeleted(actor string) error {
	n, err := p.db.RemoveFollowerEverywhere(actor)
	if err != nil {
		return err
	}
	p.keys.Invalidate(actor)
	p.logger.Info("Remote actor deleted", "actor", actor, "followers_removed", n)
	return nil
}

func (p *InboxProcessor) store(acc *domain.Account, a Activity) error {
	env := a.Env()
	created, err := p.db.CreateInboxItem(&domain.InboxItem{
		Nickname:     acc.Username,
		ActivityURI:  env.ID,
		ActivityType: string(a.Kind()),
		ActorURI:     env.Actor,
		ObjectURI:    idOf(env.Raw["object"]),
		RawJSON:      string(mustMarshal(env.Raw)),
		CreatedAt:    p.now(),
	})
	if err != nil {
		return err
	}
	if !created {
		p.logger.Debug("Duplicate activity ignored", "nickname", acc.Username, "id", env.ID)
	}
	return nil
}

func isActorType(t string) bool {
	switch t {
	case "Person", "Service", "Application", "Group", "Organization":
		return true
	}
	return false
}
