// Package newswire aggregates configured RSS, RDF and Atom feeds into a
// single list of recent items, persisted across restarts and republished as
// RSS.
package newswire

import (
	"bytes"
	"context"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/herald/domain"
	"github.com/gorilla/feeds"
	"golang.org/x/sync/errgroup"
)

var (
	ErrFeedTooLarge      = errors.New("feed exceeds size limit")
	ErrUnsupportedFormat = errors.New("unsupported feed format")
)

const (
	maxParallelFetches = 4

	youtubeChannelPath = "youtube.com/channel/"
	youtubeFeedURL     = "https://www.youtube.com/feeds/videos.xml?channel_id="
	youtubeWatchURL    = "https://www.youtube.com/watch?v="
)

// Options configure a Fetcher.
type Options struct {
	Feeds    []string
	MaxPosts int
	// MaxPostsPerSource caps how many items one feed contributes per
	// refresh, taken in document order.
	MaxPostsPerSource int
	MaxFeedBytes      int64
	Interval          time.Duration
	// Path is the JSON file holding the newswire between runs.
	Path      string
	UserAgent string
}

// Fetcher periodically refreshes the newswire.
type Fetcher struct {
	client *http.Client
	opts   Options

	mu    sync.RWMutex
	items []domain.NewswireItem

	logger *log.Logger
	now    func() time.Time
}

// New loads any newswire saved at opts.Path.
func New(opts Options, logger *log.Logger) (*Fetcher, error) {
	if logger == nil {
		logger = log.Default()
	}
	if opts.MaxPosts <= 0 {
		opts.MaxPosts = 20
	}
	if opts.MaxPostsPerSource <= 0 {
		opts.MaxPostsPerSource = 5
	}
	if opts.MaxFeedBytes <= 0 {
		opts.MaxFeedBytes = 10 << 20
	}
	if opts.Interval <= 0 {
		opts.Interval = 20 * time.Minute
	}

	f := &Fetcher{
		client: &http.Client{Timeout: 30 * time.Second},
		opts:   opts,
		logger: logger.WithPrefix("newswire"),
		now:    time.Now,
	}
	if err := f.load(); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *Fetcher) load() error {
	if f.opts.Path == "" {
		return nil
	}
	data, err := os.ReadFile(f.opts.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read newswire: %w", err)
	}
	var items []domain.NewswireItem
	if err := json.Unmarshal(data, &items); err != nil {
		f.logger.Warn("Ignoring unreadable newswire file", "path", f.opts.Path, "err", err)
		return nil
	}
	f.items = items
	return nil
}

// Items returns the current newswire, newest first.
func (f *Fetcher) Items() []domain.NewswireItem {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.items)
}

// Run refreshes the newswire every interval until ctx is done.
func (f *Fetcher) Run(ctx context.Context) error {
	f.logger.Info("Starting newswire", "feeds", len(f.opts.Feeds), "interval", f.opts.Interval)
	ticker := time.NewTicker(f.opts.Interval)
	defer ticker.Stop()
	for {
		if err := f.Refresh(ctx); err != nil && ctx.Err() == nil {
			f.logger.Error("Newswire refresh failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Refresh fetches every feed, merges the results into the newswire and
// saves it. A feed that fails is skipped.
func (f *Fetcher) Refresh(ctx context.Context) error {
	if len(f.opts.Feeds) == 0 {
		return nil
	}

	results := make([][]domain.NewswireItem, len(f.opts.Feeds))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelFetches)
	for i, url := range f.opts.Feeds {
		g.Go(func() error {
			items, err := f.fetch(gctx, url)
			if err != nil {
				f.logger.Warn("Skipping feed", "url", url, "err", err)
				return nil
			}
			results[i] = items
			return nil
		})
	}
	g.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}

	var fresh []domain.NewswireItem
	for _, items := range results {
		fresh = append(fresh, items...)
	}

	f.mu.Lock()
	merged := merge(f.items, fresh, f.now(), f.opts.MaxPosts)
	f.items = merged
	f.mu.Unlock()

	f.logger.Debug("Refreshed newswire", "items", len(merged))
	return f.save(merged)
}

func (f *Fetcher) fetch(ctx context.Context, url string) ([]domain.NewswireItem, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, FeedURL(url), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/rss+xml, application/atom+xml, text/xml, application/xml")
	if f.opts.UserAgent != "" {
		req.Header.Set("User-Agent", f.opts.UserAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxFeedBytes+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > f.opts.MaxFeedBytes {
		return nil, ErrFeedTooLarge
	}
	items, err := Parse(data, url, f.now())
	if err != nil {
		return nil, err
	}
	if len(items) > f.opts.MaxPostsPerSource {
		items = items[:f.opts.MaxPostsPerSource]
	}
	return items, nil
}

// FeedURL maps a YouTube channel page onto the channel's Atom feed. Other
// URLs are returned unchanged.
func FeedURL(url string) string {
	_, channel, ok := strings.Cut(url, youtubeChannelPath)
	if !ok {
		return url
	}
	channel, _, _ = strings.Cut(strings.TrimSpace(channel), "/")
	if channel == "" {
		return url
	}
	return youtubeFeedURL + channel
}

func (f *Fetcher) save(items []domain.NewswireItem) error {
	if f.opts.Path == "" {
		return nil
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(f.opts.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create newswire dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".newswire-*.tmp")
	if err != nil {
		return fmt.Errorf("save newswire: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("save newswire: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save newswire: %w", err)
	}
	return os.Rename(tmp.Name(), f.opts.Path)
}

// merge combines previous and fresh items keyed by link. Items seen before
// keep their first-seen time. The newest max items are returned.
func merge(previous, fresh []domain.NewswireItem, now time.Time, max int) []domain.NewswireItem {
	seen := make(map[string]time.Time, len(previous))
	byKey := make(map[string]domain.NewswireItem, len(previous)+len(fresh))
	for _, it := range previous {
		seen[itemKey(it)] = it.FirstSeen
		byKey[itemKey(it)] = it
	}
	for _, it := range fresh {
		key := itemKey(it)
		if key == "" {
			continue
		}
		if first, ok := seen[key]; ok && !first.IsZero() {
			it.FirstSeen = first
		} else {
			it.FirstSeen = now
		}
		byKey[key] = it
	}

	out := make([]domain.NewswireItem, 0, len(byKey))
	for _, it := range byKey {
		out = append(out, it)
	}
	slices.SortFunc(out, func(a, b domain.NewswireItem) int {
		if c := b.Published.Compare(a.Published); c != 0 {
			return c
		}
		return strings.Compare(a.Link, b.Link)
	})
	if len(out) > max {
		out = out[:max]
	}
	return out
}

func itemKey(it domain.NewswireItem) string {
	if it.Link != "" {
		return it.Link
	}
	return it.Title
}

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

// atomEntry mirrors feeds.AtomEntry with tags that decode links and the
// YouTube extensions.
type atomEntry struct {
	Title            string             `xml:"title"`
	Updated          string             `xml:"updated"`
	Published        string             `xml:"published"`
	Links            []feeds.AtomLink   `xml:"link"`
	Summary          *feeds.AtomSummary `xml:"summary"`
	Content          *feeds.AtomContent `xml:"content"`
	VideoID          string             `xml:"http://www.youtube.com/xml/schemas/2015 videoId"`
	MediaDescription string             `xml:"http://search.yahoo.com/mrss/ group>description"`
}

// rdfFeed is an RSS 1.0 document. Items are siblings of the channel.
type rdfFeed struct {
	Items []struct {
		Title       string `xml:"title"`
		Link        string `xml:"link"`
		Description string `xml:"description"`
		Date        string `xml:"http://purl.org/dc/elements/1.1/ date"`
	} `xml:"item"`
}

// Parse reads an RSS 2.0, RSS 1.0 (RDF) or Atom document. YouTube channel
// feeds link to the watch page of each video. Items without a usable date
// are stamped with now.
func Parse(data []byte, source string, now time.Time) ([]domain.NewswireItem, error) {
	root, err := rootElement(data)
	if err != nil {
		return nil, err
	}

	var items []domain.NewswireItem
	add := func(title, link, description, date string) {
		item := domain.NewswireItem{
			Title:       strings.TrimSpace(title),
			Link:        strings.TrimSpace(link),
			Description: strings.TrimSpace(description),
			Source:      source,
			Published:   parseDate(date, now),
		}
		if item.Title == "" && item.Link == "" {
			return
		}
		items = append(items, item)
	}

	switch root {
	case "rss":
		var doc feeds.RssFeedXml
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse rss: %w", err)
		}
		if doc.Channel == nil {
			return nil, nil
		}
		for _, it := range doc.Channel.Items {
			if it != nil {
				add(it.Title, it.Link, it.Description, it.PubDate)
			}
		}
	case "RDF":
		var doc rdfFeed
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse rdf: %w", err)
		}
		for _, it := range doc.Items {
			add(it.Title, it.Link, it.Description, it.Date)
		}
	case "feed":
		var doc atomFeed
		if err := xml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse atom: %w", err)
		}
		for _, e := range doc.Entries {
			link := atomLink(e.Links)
			var description string
			switch {
			case e.MediaDescription != "":
				description = e.MediaDescription
			case e.Summary != nil:
				description = e.Summary.Content
			case e.Content != nil:
				description = e.Content.Content
			}
			if id := strings.TrimSpace(e.VideoID); id != "" {
				link = youtubeWatchURL + id
			}
			add(e.Title, link, description, firstNonEmpty(e.Published, e.Updated))
		}
	default:
		return nil, fmt.Errorf("%w: <%s>", ErrUnsupportedFormat, root)
	}
	return items, nil
}

func rootElement(data []byte) (string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrUnsupportedFormat, err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start.Name.Local, nil
		}
	}
}

func atomLink(links []feeds.AtomLink) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return l.Href
		}
	}
	if len(links) > 0 {
		return links[0].Href
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2006-01-02T15:04:05Z0700",
	time.DateTime,
	time.DateOnly,
}

func parseDate(s string, now time.Time) time.Time {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.After(now) {
				return now
			}
			return t
		}
	}
	return now
}

// RSS renders the newswire as an RSS 2.0 document.
func (f *Fetcher) RSS(title, link string) (string, error) {
	feed := &feeds.Feed{
		Title:       title,
		Link:        &feeds.Link{Href: link},
		Description: "Newswire",
		Created:     f.now(),
	}
	for _, it := range f.Items() {
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          it.Link,
			Title:       it.Title,
			Link:        &feeds.Link{Href: it.Link},
			Description: it.Description,
			Source:      &feeds.Link{Href: it.Source},
			Created:     it.Published,
		})
	}
	return feed.ToRss()
}
