// Package feed normalizes RSS, Atom and JSON Feed documents into one
// canonical structure.
//
// Parsing is delegated to gofeed; this package decides precedence rules:
//   - guid: explicit id, then entry link, else null
//   - published_at: published, then dc:date, then updated, as RFC 3339 UTC, else null
//   - summary: description, then itunes summary, then encoded content, plain
//     text only (tags stripped, entities decoded, whitespace collapsed)
package feed

import (
	"bytes"
	"errors"
	"fmt"
	"html"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"
	"github.com/mmcdole/gofeed"
)

// ErrParse is returned when the document is not a recognizable feed.
var ErrParse = errors.New("feed: parse failure")

// Canonical is the normalized feed document.
type Canonical struct {
	Feed    Feed    `json:"feed"`
	Entries []Entry `json:"entries"`
}

// Feed holds channel-level metadata.
type Feed struct {
	ID          string  `json:"id"`
	Title       string  `json:"title"`
	SiteURL     string  `json:"site_url"`
	FeedURL     string  `json:"feed_url"`
	Description string  `json:"description"`
	Icon        *string `json:"icon"`
	Favicon     *string `json:"favicon"`
	UpdatedAt   *string `json:"updated_at"`
}

// Entry is one item of the feed.
type Entry struct {
	GUID        *string     `json:"guid"`
	Title       string      `json:"title"`
	Link        string      `json:"link"`
	PublishedAt *string     `json:"published_at"`
	Author      string      `json:"author"`
	Summary     string      `json:"summary"`
	Content     string      `json:"content"`
	Enclosure   []Enclosure `json:"enclosure"`
}

// Enclosure is an attached media file.
type Enclosure struct {
	URL    string `json:"url"`
	Type   string `json:"type"`
	Length int64  `json:"length"`
}

// dateLayouts covers what gofeed leaves unparsed in the wild.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	"2 Jan 2006 15:04:05 -0700",
}

var stripPolicy = func() *bluemonday.Policy {
	p := bluemonday.StrictPolicy()
	p.AddSpaceWhenStrippingTag(true)
	return p
}()

// Parse normalizes data. feedURL is the address the document was fetched
// from (after redirects) and may be empty.
func Parse(data []byte, feedURL string) (*Canonical, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrParse)
	}
	parsed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}

	out := &Canonical{
		Feed:    normalizeFeed(parsed, feedURL),
		Entries: make([]Entry, 0, len(parsed.Items)),
	}
	for _, it := range parsed.Items {
		if it == nil {
			continue
		}
		out.Entries = append(out.Entries, normalizeEntry(it))
	}
	return out, nil
}

func normalizeFeed(f *gofeed.Feed, feedURL string) Feed {
	site := strings.TrimSpace(f.Link)
	if site == "" && len(f.Links) > 0 {
		site = strings.TrimSpace(f.Links[0])
	}
	self := strings.TrimSpace(feedURL)
	if self == "" {
		self = strings.TrimSpace(f.FeedLink)
	}

	out := Feed{
		ID:          firstNonEmpty(self, site, strings.TrimSpace(f.Title)),
		Title:       strings.TrimSpace(f.Title),
		SiteURL:     site,
		FeedURL:     self,
		Description: StripMarkup(f.Description),
		UpdatedAt:   timestamp(f.UpdatedParsed, f.Updated),
	}
	if out.UpdatedAt == nil {
		out.UpdatedAt = timestamp(f.PublishedParsed, f.Published)
	}
	if f.Image != nil && strings.TrimSpace(f.Image.URL) != "" {
		icon := strings.TrimSpace(f.Image.URL)
		out.Icon = &icon
	}
	out.Favicon = favicon(firstNonEmpty(site, self))
	return out
}

func normalizeEntry(it *gofeed.Item) Entry {
	link := strings.TrimSpace(it.Link)
	if link == "" && len(it.Links) > 0 {
		link = strings.TrimSpace(it.Links[0])
	}

	var guid *string
	if id := firstNonEmpty(strings.TrimSpace(it.GUID), link); id != "" {
		guid = &id
	}

	published := timestamp(it.PublishedParsed, it.Published)
	if published == nil && it.DublinCoreExt != nil && len(it.DublinCoreExt.Date) > 0 {
		published = timestamp(nil, it.DublinCoreExt.Date[0])
	}
	if published == nil {
		published = timestamp(it.UpdatedParsed, it.Updated)
	}

	var itunesSummary string
	if it.ITunesExt != nil {
		itunesSummary = it.ITunesExt.Summary
	}

	summary := ""
	for _, candidate := range []string{it.Description, itunesSummary, it.Content} {
		if s := StripMarkup(candidate); s != "" {
			summary = s
			break
		}
	}

	return Entry{
		GUID:        guid,
		Title:       StripMarkup(it.Title),
		Link:        link,
		PublishedAt: published,
		Author:      author(it),
		Summary:     summary,
		Content:     strings.TrimSpace(firstNonEmpty(it.Content, it.Description)),
		Enclosure:   enclosures(it.Enclosures),
	}
}

func author(it *gofeed.Item) string {
	if it.Author != nil && strings.TrimSpace(it.Author.Name) != "" {
		return strings.TrimSpace(it.Author.Name)
	}
	for _, a := range it.Authors {
		if a != nil && strings.TrimSpace(a.Name) != "" {
			return strings.TrimSpace(a.Name)
		}
	}
	if it.DublinCoreExt != nil && len(it.DublinCoreExt.Creator) > 0 {
		return strings.TrimSpace(it.DublinCoreExt.Creator[0])
	}
	return ""
}

func enclosures(in []*gofeed.Enclosure) []Enclosure {
	out := make([]Enclosure, 0, len(in))
	for _, e := range in {
		if e == nil || strings.TrimSpace(e.URL) == "" {
			continue
		}
		n, _ := strconv.ParseInt(strings.TrimSpace(e.Length), 10, 64)
		out = append(out, Enclosure{URL: strings.TrimSpace(e.URL), Type: strings.TrimSpace(e.Type), Length: n})
	}
	return out
}

func timestamp(parsed *time.Time, raw string) *string {
	if parsed != nil && !parsed.IsZero() {
		s := parsed.UTC().Format(time.RFC3339)
		return &s
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			s := t.UTC().Format(time.RFC3339)
			return &s
		}
	}
	return nil
}

func favicon(site string) *string {
	u, err := url.Parse(site)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil
	}
	s := u.Scheme + "://" + u.Host + "/favicon.ico"
	return &s
}

// StripMarkup removes tags, decodes entities and collapses whitespace.
func StripMarkup(s string) string {
	if strings.TrimSpace(s) == "" {
		return ""
	}
	text := html.UnescapeString(stripPolicy.Sanitize(s))
	return strings.Join(strings.Fields(text), " ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
