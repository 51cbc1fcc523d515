package newswire

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/deemkeen/herald/domain"
)

const rssDoc = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
<channel>
  <title>Example News</title>
  <link>https://news.example/</link>
  <description>news</description>
  <item>
    <title>Second story</title>
    <link>https://news.example/2</link>
    <description><![CDATA[<p>two</p>]]></description>
    <pubDate>Tue, 03 Mar 2026 10:00:00 +0000</pubDate>
  </item>
  <item>
    <title>First story</title>
    <link>https://news.example/1</link>
    <description>one</description>
    <pubDate>Mon, 02 Mar 2026 10:00:00 +0000</pubDate>
  </item>
</channel>
</rss>`

const atomDoc = `<?xml version="1.0" encoding="utf-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <title>Example Blog</title>
  <id>urn:blog</id>
  <updated>2026-03-04T09:00:00Z</updated>
  <entry>
    <title>Atom post</title>
    <id>urn:blog:1</id>
    <link rel="alternate" href="https://blog.example/posts/1"/>
    <link rel="edit" href="https://blog.example/edit/1"/>
    <updated>2026-03-04T09:00:00Z</updated>
    <summary>a summary</summary>
  </entry>
</feed>`

const rdfDoc = `<?xml version="1.0" encoding="UTF-8"?>
<rdf:RDF xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#"
    xmlns="http://purl.org/rss/1.0/"
    xmlns:dc="http://purl.org/dc/elements/1.1/">
  <channel rdf:about="https://journal.example/">
    <title>Journal</title>
    <link>https://journal.example/</link>
    <items><rdf:Seq><rdf:li rdf:resource="https://journal.example/a"/></rdf:Seq></items>
  </channel>
  <item rdf:about="https://journal.example/a">
    <title>RDF entry</title>
    <link>https://journal.example/a</link>
    <description>from rss 1.0</description>
    <dc:date>2026-03-01T08:00:00Z</dc:date>
  </item>
</rdf:RDF>`

const youtubeDoc = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns:yt="http://www.youtube.com/xml/schemas/2015" xmlns:media="http://search.yahoo.com/mrss/" xmlns="http://www.w3.org/2005/Atom">
  <title>Channel</title>
  <yt:channelId>UCabc</yt:channelId>
  <entry>
    <id>yt:video:v1d30</id>
    <yt:videoId>v1d30</yt:videoId>
    <title>A video</title>
    <link rel="alternate" href="https://www.youtube.com/watch?v=v1d30&amp;feature=x"/>
    <published>2026-03-02T07:00:00+00:00</published>
    <media:group>
      <media:title>A video</media:title>
      <media:description>video notes</media:description>
    </media:group>
  </entry>
</feed>`

var testNow = time.Date(2026, 3, 5, 12, 0, 0, 0, time.UTC)

func TestParseRSS(t *testing.T) {
	items, err := Parse([]byte(rssDoc), "https://news.example/rss", testNow)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(items))
	}
	first := items[0]
	if first.Title != "Second story" || first.Link != "https://news.example/2" {
		t.Errorf("Unexpected item %+v", first)
	}
	if first.Description != "<p>two</p>" {
		t.Errorf("Expected CDATA description, got %q", first.Description)
	}
	if !first.Published.Equal(time.Date(2026, 3, 3, 10, 0, 0, 0, time.UTC)) {
		t.Errorf("Unexpected date %v", first.Published)
	}
	if first.Source != "https://news.example/rss" {
		t.Errorf("Unexpected source %q", first.Source)
	}
}

func TestParseAtom(t *testing.T) {
	items, err := Parse([]byte(atomDoc), "https://blog.example/atom", testNow)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].Link != "https://blog.example/posts/1" {
		t.Errorf("Expected alternate link, got %q", items[0].Link)
	}
	if items[0].Description != "a summary" {
		t.Errorf("Unexpected summary %q", items[0].Description)
	}
}

func TestParseRDF(t *testing.T) {
	items, err := Parse([]byte(rdfDoc), "https://journal.example/index.rdf", testNow)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	it := items[0]
	if it.Title != "RDF entry" || it.Link != "https://journal.example/a" || it.Description != "from rss 1.0" {
		t.Errorf("Unexpected item %+v", it)
	}
	if !it.Published.Equal(time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)) {
		t.Errorf("Expected dc:date to be used, got %v", it.Published)
	}
}

func TestParseYouTube(t *testing.T) {
	items, err := Parse([]byte(youtubeDoc), "https://www.youtube.com/channel/UCabc", testNow)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("Expected 1 item, got %d", len(items))
	}
	if items[0].Link != "https://www.youtube.com/watch?v=v1d30" {
		t.Errorf("Expected watch link, got %q", items[0].Link)
	}
	if items[0].Description != "video notes" {
		t.Errorf("Expected media description, got %q", items[0].Description)
	}
}

func TestFeedURL(t *testing.T) {
	tests := []struct {
		in       string
		expected string
	}{
		{"https://www.youtube.com/channel/UCabc", "https://www.youtube.com/feeds/videos.xml?channel_id=UCabc"},
		{"https://youtube.com/channel/UCabc/videos", "https://www.youtube.com/feeds/videos.xml?channel_id=UCabc"},
		{"https://www.youtube.com/channel/", "https://www.youtube.com/channel/"},
		{"https://news.example/rss", "https://news.example/rss"},
	}
	for _, tt := range tests {
		if got := FeedURL(tt.in); got != tt.expected {
			t.Errorf("FeedURL(%q) = %q, want %q", tt.in, got, tt.expected)
		}
	}
}

func TestParseRejectsOtherDocuments(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"html", "<html><body>hi</body></html>"},
		{"empty", ""},
		{"json", `{"items": []}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data), "x", testNow); !errors.Is(err, ErrUnsupportedFormat) {
				t.Errorf("Expected ErrUnsupportedFormat, got %v", err)
			}
		})
	}
}

func TestParseDate(t *testing.T) {
	tests := []struct {
		in       string
		expected time.Time
	}{
		{"Mon, 02 Mar 2026 10:00:00 +0000", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"2026-03-02T10:00:00Z", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"Mon, 2 Mar 2026 10:00:00 +0000", time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)},
		{"not a date", testNow},
		{"2030-01-01T00:00:00Z", testNow},
	}
	for _, tt := range tests {
		if got := parseDate(tt.in, testNow); !got.Equal(tt.expected) {
			t.Errorf("parseDate(%q) = %v, want %v", tt.in, got, tt.expected)
		}
	}
}

func TestMergeKeepsFirstSeen(t *testing.T) {
	earlier := testNow.Add(-time.Hour)
	previous := []domain.NewswireItem{
		{Title: "old", Link: "https://a.example/1", Published: earlier, FirstSeen: earlier},
	}
	fresh := []domain.NewswireItem{
		{Title: "old, edited", Link: "https://a.example/1", Published: earlier},
		{Title: "new", Link: "https://a.example/2", Published: testNow},
	}

	merged := merge(previous, fresh, testNow, 10)
	if len(merged) != 2 {
		t.Fatalf("Expected 2 items, got %d", len(merged))
	}
	if merged[0].Link != "https://a.example/2" {
		t.Errorf("Expected newest first, got %s", merged[0].Link)
	}
	if merged[1].Title != "old, edited" || !merged[1].FirstSeen.Equal(earlier) {
		t.Errorf("Expected updated title with original first-seen, got %+v", merged[1])
	}
	if !merged[0].FirstSeen.Equal(testNow) {
		t.Errorf("New item should be first seen now, got %v", merged[0].FirstSeen)
	}
}

func TestMergeTrimsToMax(t *testing.T) {
	var fresh []domain.NewswireItem
	for i := range 5 {
		fresh = append(fresh, domain.NewswireItem{
			Link:      "https://a.example/" + string(rune('a'+i)),
			Published: testNow.Add(time.Duration(i) * time.Minute),
		})
	}
	merged := merge(nil, fresh, testNow, 3)
	if len(merged) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(merged))
	}
	if merged[0].Link != "https://a.example/e" {
		t.Errorf("Expected newest item kept first, got %s", merged[0].Link)
	}
}

func feedServer(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("GET /rss", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/rss+xml")
		w.Write([]byte(rssDoc))
	})
	mux.HandleFunc("GET /atom", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(atomDoc))
	})
	mux.HandleFunc("GET /huge", func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte(strings.Repeat("x", 4096)))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRefreshPersistsAndReloads(t *testing.T) {
	srv, hits := feedServer(t)
	path := filepath.Join(t.TempDir(), "newswire.json")

	f, err := New(Options{
		Feeds:        []string{srv.URL + "/rss", srv.URL + "/atom", srv.URL + "/missing"},
		MaxPosts:     10,
		MaxFeedBytes: 64 << 10,
		Path:         path,
	}, nil)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	f.now = func() time.Time { return testNow }

	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("Expected 2 successful fetches, got %d", hits.Load())
	}
	items := f.Items()
	if len(items) != 3 {
		t.Fatalf("Expected 3 items, got %d", len(items))
	}
	if items[0].Title != "Atom post" {
		t.Errorf("Expected newest item first, got %q", items[0].Title)
	}

	reloaded, err := New(Options{Path: path}, nil)
	if err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got := reloaded.Items(); len(got) != 3 || !got[0].FirstSeen.Equal(testNow) {
		t.Errorf("Expected persisted newswire, got %+v", got)
	}
}

func TestRefreshSkipsOversizedFeeds(t *testing.T) {
	srv, _ := feedServer(t)
	f, _ := New(Options{Feeds: []string{srv.URL + "/huge"}, MaxFeedBytes: 1024}, nil)

	if _, err := f.fetch(context.Background(), srv.URL+"/huge"); !errors.Is(err, ErrFeedTooLarge) {
		t.Errorf("Expected ErrFeedTooLarge, got %v", err)
	}
	if err := f.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh should skip bad feeds, got %v", err)
	}
	if len(f.Items()) != 0 {
		t.Error("Expected no items from an oversized feed")
	}
}

func TestRefreshCapsItemsPerSource(t *testing.T) {
	var body strings.Builder
	body.WriteString(`<rss version="2.0"><channel><title>busy</title>`)
	for i := range 8 {
		fmt.Fprintf(&body, "<item><title>story %d</title><link>https://busy.example/%d</link></item>", i, i)
	}
	body.WriteString(`</channel></rss>`)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(body.String()))
	}))
	t.Cleanup(srv.Close)

	tests := []struct {
		name     string
		perFeed  int
		expected int
	}{
		{"default", 0, 5},
		{"configured", 3, 3},
		{"above feed size", 20, 8},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f, _ := New(Options{Feeds: []string{srv.URL}, MaxPostsPerSource: tt.perFeed}, nil)
			if err := f.Refresh(context.Background()); err != nil {
				t.Fatalf("Refresh failed: %v", err)
			}
			items := f.Items()
			if len(items) != tt.expected {
				t.Fatalf("Expected %d items, got %d", tt.expected, len(items))
			}
			past := fmt.Sprintf("story %d", tt.expected)
			for _, it := range items {
				if it.Title == past {
					t.Errorf("Expected the first items of the feed, got %q", it.Title)
				}
			}
		})
	}
}

func TestRSSOutput(t *testing.T) {
	srv, _ := feedServer(t)
	f, _ := New(Options{Feeds: []string{srv.URL + "/rss"}}, nil)
	f.Refresh(context.Background())

	out, err := f.RSS("herald newswire", "https://herald.example/newswire.xml")
	if err != nil {
		t.Fatalf("RSS failed: %v", err)
	}
	for _, want := range []string{"<rss", "herald newswire", "Second story", "https://news.example/1"} {
		if !strings.Contains(out, want) {
			t.Errorf("RSS output missing %q", want)
		}
	}
}
