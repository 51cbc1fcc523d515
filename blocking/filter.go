// Package blocking decides which remote domains and actors may federate with
// this server.
package blocking

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/domain"
)

// Instance is the scope of blocks that apply to every local account.
const Instance = "*"

// Store persists block entries.
type Store interface {
	ReadBlocks() ([]domain.Block, error)
	CreateBlock(scope, target string) error
	DeleteBlock(scope, target string) error
}

// snapshot is never mutated after it is published.
type snapshot struct {
	scopes map[string]map[string]struct{}
}

func newSnapshot(blocks []domain.Block) *snapshot {
	s := &snapshot{scopes: make(map[string]map[string]struct{})}
	for _, b := range blocks {
		s.add(b.Scope, b.Target)
	}
	return s
}

func (s *snapshot) add(scope, target string) {
	targets, ok := s.scopes[scope]
	if !ok {
		targets = make(map[string]struct{})
		s.scopes[scope] = targets
	}
	targets[target] = struct{}{}
}

func (s *snapshot) has(scope, target string) bool {
	_, ok := s.scopes[scope][target]
	return ok
}

// hasDomain matches host and each of its parent domains.
func (s *snapshot) hasDomain(scope, host string) bool {
	targets := s.scopes[scope]
	if len(targets) == 0 || host == "" {
		return false
	}
	for d := host; d != ""; {
		if _, ok := targets[d]; ok {
			return true
		}
		i := strings.IndexByte(d, '.')
		if i < 0 {
			break
		}
		d = d[i+1:]
	}
	return false
}

func (s *snapshot) clone() *snapshot {
	c := &snapshot{scopes: make(map[string]map[string]struct{}, len(s.scopes))}
	for scope, targets := range s.scopes {
		m := make(map[string]struct{}, len(targets))
		for t := range targets {
			m[t] = struct{}{}
		}
		c.scopes[scope] = m
	}
	return c
}

// DomainFilter answers block and allow-list questions from an in-memory
// snapshot that is reloaded from the store every refreshEvery checks.
// Local mutations are applied to the snapshot immediately.
type DomainFilter struct {
	store        Store
	refreshEvery int64
	checks       atomic.Int64
	current      atomic.Pointer[snapshot]
	mu           sync.Mutex
	logger       *log.Logger
}

func New(store Store, refreshEvery int, logger *log.Logger) (*DomainFilter, error) {
	if refreshEvery <= 0 {
		refreshEvery = 100
	}
	if logger == nil {
		logger = log.Default().WithPrefix("blocking")
	}
	f := &DomainFilter{store: store, refreshEvery: int64(refreshEvery), logger: logger}
	if err := f.Refresh(); err != nil {
		return nil, err
	}
	return f, nil
}

// Refresh reloads the block list from the store.
func (f *DomainFilter) Refresh() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	blocks, err := f.store.ReadBlocks()
	if err != nil {
		return fmt.Errorf("failed to read blocks: %w", err)
	}
	f.current.Store(newSnapshot(blocks))
	return nil
}

// snapshot counts a check and returns the list to answer it from.
func (f *DomainFilter) snapshot() *snapshot {
	if f.checks.Add(1)%f.refreshEvery == 0 {
		if err := f.Refresh(); err != nil {
			f.logger.Warn("Keeping stale block list", "err", err)
		}
	}
	return f.current.Load()
}

// IsDomainBlocked reports an instance-wide block of domain or a parent.
func (f *DomainFilter) IsDomainBlocked(d string) bool {
	return f.snapshot().hasDomain(Instance, NormalizeDomain(d))
}

// IsBlocked reports whether actorURL is blocked for the local account
// nickname, either instance-wide or by the account itself. Domain, handle
// and actor URL entries all apply.
func (f *DomainFilter) IsBlocked(nickname, actorURL string) bool {
	s := f.snapshot()
	host := DomainOf(actorURL)
	handle := HandleOf(actorURL)
	actor := strings.ToLower(actorURL)

	scopes := []string{Instance}
	if nickname != "" && nickname != Instance {
		scopes = append(scopes, nickname)
	}
	for _, scope := range scopes {
		if s.hasDomain(scope, host) || s.has(scope, actor) {
			return true
		}
		if handle != "" && s.has(scope, handle) {
			return true
		}
	}
	return false
}

// IsHashtagBlocked reports an instance-wide block of #tag.
func (f *DomainFilter) IsHashtagBlocked(tag string) bool {
	return f.snapshot().has(Instance, normalizeHashtag(tag))
}

// IsPermitted reports whether actorURL may federate with this server. An
// empty allow list, or one naming "any", "all" or "*", allows every domain
// that is not blocked.
func (f *DomainFilter) IsPermitted(actorURL string, allowList []string) bool {
	host := DomainOf(actorURL)
	if host == "" {
		return false
	}
	if f.snapshot().hasDomain(Instance, host) {
		return false
	}
	if OpenFederation(allowList) {
		return true
	}
	for _, allowed := range allowList {
		a := NormalizeDomain(allowed)
		if host == a || strings.HasSuffix(host, "."+a) {
			return true
		}
	}
	return false
}

// AddBlock records target under scope. Adding an existing block is a no-op.
func (f *DomainFilter) AddBlock(scope, target string) error {
	scope, target, err := normalizeEntry(scope, target)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.CreateBlock(scope, target); err != nil {
		return fmt.Errorf("failed to store block: %w", err)
	}
	next := f.current.Load().clone()
	next.add(scope, target)
	f.current.Store(next)

	f.logger.Info("Blocked", "scope", scope, "target", target)
	return nil
}

// RemoveBlock deletes target from scope. Removing a missing block is a no-op.
func (f *DomainFilter) RemoveBlock(scope, target string) error {
	scope, target, err := normalizeEntry(scope, target)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.store.DeleteBlock(scope, target); err != nil {
		return fmt.Errorf("failed to delete block: %w", err)
	}
	cur := f.current.Load()
	if !cur.has(scope, target) {
		return nil
	}
	next := cur.clone()
	delete(next.scopes[scope], target)
	f.current.Store(next)

	f.logger.Info("Unblocked", "scope", scope, "target", target)
	return nil
}

// OpenFederation reports whether allowList places no restriction.
func OpenFederation(allowList []string) bool {
	if len(allowList) == 0 {
		return true
	}
	for _, a := range allowList {
		switch strings.ToLower(strings.TrimSpace(a)) {
		case "any", "all", "*":
			return true
		}
	}
	return false
}

func normalizeEntry(scope, target string) (string, string, error) {
	scope = strings.TrimSpace(scope)
	if scope == "" {
		scope = Instance
	}
	target = strings.TrimSpace(target)
	if target == "" {
		return "", "", fmt.Errorf("empty block target")
	}

	switch {
	case strings.HasPrefix(target, "#"):
		target = normalizeHashtag(target)
	case strings.Contains(target, "://"):
		u, err := url.Parse(target)
		if err != nil || u.Host == "" {
			return "", "", fmt.Errorf("invalid block target %q", target)
		}
		if u.Path == "" || u.Path == "/" {
			target = NormalizeDomain(u.Host)
		} else {
			target = strings.ToLower(target)
		}
	case strings.Contains(strings.TrimPrefix(target, "@"), "@"):
		target = strings.ToLower(strings.TrimPrefix(target, "@"))
	default:
		target = NormalizeDomain(target)
	}
	if target == "" || target == "#" {
		return "", "", fmt.Errorf("invalid block target")
	}
	return scope, target, nil
}

func normalizeHashtag(tag string) string {
	return "#" + strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
}

// NormalizeDomain lowercases d and strips any scheme, path and port.
func NormalizeDomain(d string) string {
	d = strings.ToLower(strings.TrimSpace(d))
	if i := strings.Index(d, "://"); i >= 0 {
		d = d[i+3:]
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if i := strings.LastIndexByte(d, '@'); i >= 0 {
		d = d[i+1:]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	return strings.TrimSuffix(d, ".")
}

// DomainOf returns the normalized host of an actor URL.
func DomainOf(actorURL string) string {
	u, err := url.Parse(actorURL)
	if err != nil || u.Host == "" {
		return ""
	}
	return NormalizeDomain(u.Host)
}

// HandleOf derives nick@domain from an actor URL such as
// https://example.com/users/alice or https://example.com/@alice.
func HandleOf(actorURL string) string {
	u, err := url.Parse(actorURL)
	if err != nil || u.Host == "" {
		return ""
	}
	path := strings.TrimSuffix(u.Path, "/")
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	nick := strings.TrimPrefix(path[i+1:], "@")
	if nick == "" {
		return ""
	}
	return strings.ToLower(nick) + "@" + NormalizeDomain(u.Host)
}
