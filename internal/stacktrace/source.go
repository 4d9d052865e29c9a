package stacktrace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/sync/singleflight"

	"mobxlens/internal/logging"
)

// ErrSourceUnavailable is returned when a URL does not yield script text,
// including dev-server HTML fallback pages.
var ErrSourceUnavailable = errors.New("source unavailable")

const (
	windowRadius   = 3
	maxSourceBytes = 16 << 20
	sniffBytes     = 4096
)

// Fetcher returns the text behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (string, error)
}

// SourceCache fetches each URL at most once and keeps the text. Concurrent
// fetches of the same URL share one request. Failures are not cached.
type SourceCache struct {
	client *http.Client
	group  singleflight.Group

	mu    sync.RWMutex
	texts map[string]string
}

// NewSourceCache creates a cache using client, or a client with timeout when
// client is nil.
func NewSourceCache(client *http.Client, timeout time.Duration) *SourceCache {
	if client == nil {
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &SourceCache{client: client, texts: make(map[string]string)}
}

// Fetch implements Fetcher.
func (c *SourceCache) Fetch(ctx context.Context, url string) (string, error) {
	c.mu.RLock()
	text, ok := c.texts[url]
	c.mu.RUnlock()
	if ok {
		return text, nil
	}

	v, err, _ := c.group.Do(url, func() (interface{}, error) {
		text, err := c.get(ctx, url)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.texts[url] = text
		c.mu.Unlock()
		return text, nil
	})
	if err != nil {
		logging.SourceDebug("fetch %s: %v", url, err)
		return "", err
	}
	return v.(string), nil
}

// Len returns the number of cached sources.
func (c *SourceCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.texts)
}

func (c *SourceCache) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSourceUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: %s returned %d", ErrSourceUnavailable, url, resp.StatusCode)
	}
	if strings.Contains(strings.ToLower(resp.Header.Get("Content-Type")), "text/html") {
		return "", fmt.Errorf("%w: %s served an HTML page", ErrSourceUnavailable, url)
	}
	b, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", url, err)
	}
	text := string(b)
	if looksLikeHTML(text) {
		return "", fmt.Errorf("%w: %s served an HTML page", ErrSourceUnavailable, url)
	}
	return text, nil
}

// looksLikeHTML reports whether text opens like an HTML document: the first
// token after whitespace and comments is a doctype or an html, head or body
// start tag. Script text tokenizes as plain text or an unknown tag.
func looksLikeHTML(text string) bool {
	if len(text) > sniffBytes {
		text = text[:sniffBytes]
	}
	z := html.NewTokenizer(strings.NewReader(text))
	for {
		switch z.Next() {
		case html.ErrorToken:
			return false
		case html.CommentToken:
			continue
		case html.TextToken:
			if strings.Trim(string(z.Text()), " \t\r\n\ufeff") == "" {
				continue
			}
			return false
		case html.DoctypeToken:
			return true
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "html", "head", "body":
				return true
			}
			return false
		default:
			return false
		}
	}
}

// SourceLine is one line of a source window.
type SourceLine struct {
	LineNumber int    `json:"lineNumber"`
	Content    string `json:"content"`
	IsTarget   bool   `json:"isTarget"`
}

// Window returns up to seven lines centred on the 1-based target line,
// clamped at the file boundaries.
func Window(src string, line int) []SourceLine {
	lines := strings.Split(src, "\n")
	if line < 1 || line > len(lines) {
		return nil
	}
	start := max(1, line-windowRadius)
	end := min(len(lines), line+windowRadius)

	out := make([]SourceLine, 0, end-start+1)
	for n := start; n <= end; n++ {
		out = append(out, SourceLine{
			LineNumber: n,
			Content:    strings.TrimRight(lines[n-1], "\r"),
			IsTarget:   n == line,
		})
	}
	return out
}
