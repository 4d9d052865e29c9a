package stacktrace

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/go-sourcemap/sourcemap"
	"golang.org/x/sync/singleflight"

	"mobxlens/internal/logging"
)

// Translator rewrites a whole stack text to original source positions. It
// returns the raw text unchanged when nothing could be mapped.
type Translator interface {
	Translate(ctx context.Context, stack string) (string, error)
}

// SourceMapTranslator follows each script's sourceMappingURL comment and
// maps frames through the parsed source map. Consumers are cached per
// script URL; scripts without a map are remembered as such.
type SourceMapTranslator struct {
	fetch Fetcher
	group singleflight.Group

	mu        sync.RWMutex
	consumers map[string]*sourcemap.Consumer
}

// NewSourceMapTranslator creates a translator that reads scripts and maps
// through fetch.
func NewSourceMapTranslator(fetch Fetcher) *SourceMapTranslator {
	return &SourceMapTranslator{
		fetch:     fetch,
		consumers: make(map[string]*sourcemap.Consumer),
	}
}

// Translate implements Translator. Lines that cannot be mapped stay raw.
func (t *SourceMapTranslator) Translate(ctx context.Context, stack string) (string, error) {
	if strings.TrimSpace(stack) == "" {
		return stack, nil
	}
	lines := strings.Split(stack, "\n")
	mapped := 0
	var errs []error

	for i, line := range lines {
		f, ok := parseLine(strings.TrimSpace(line))
		if !ok {
			continue
		}
		c, err := t.consumer(ctx, f.File)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if c == nil {
			continue
		}
		file, name, ln, col, ok := c.Source(f.Line, max(f.Column-1, 0))
		if !ok {
			continue
		}
		if name == "" {
			name = f.Function
		}
		indent := line[:len(line)-len(strings.TrimLeft(line, " \t"))]
		lines[i] = indent + "at " + name + " (" + file + ":" + strconv.Itoa(ln) + ":" + strconv.Itoa(col+1) + ")"
		mapped++
	}

	if mapped == 0 && len(errs) > 0 {
		return stack, errors.Join(errs...)
	}
	return strings.Join(lines, "\n"), nil
}

func (t *SourceMapTranslator) consumer(ctx context.Context, scriptURL string) (*sourcemap.Consumer, error) {
	t.mu.RLock()
	c, ok := t.consumers[scriptURL]
	t.mu.RUnlock()
	if ok {
		return c, nil
	}

	v, err, _ := t.group.Do(scriptURL, func() (interface{}, error) {
		c, err := t.load(ctx, scriptURL)
		if err != nil {
			return nil, err
		}
		t.mu.Lock()
		t.consumers[scriptURL] = c
		t.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	c, _ = v.(*sourcemap.Consumer)
	return c, nil
}

// load returns nil without error for scripts that carry no source map.
func (t *SourceMapTranslator) load(ctx context.Context, scriptURL string) (*sourcemap.Consumer, error) {
	src, err := t.fetch.Fetch(ctx, scriptURL)
	if err != nil {
		return nil, fmt.Errorf("fetch script: %w", err)
	}
	ref := mappingURL(src)
	if ref == "" {
		return nil, nil
	}

	var raw []byte
	mapURL := scriptURL
	if strings.HasPrefix(ref, "data:") {
		raw, err = decodeDataURI(ref)
		if err != nil {
			return nil, fmt.Errorf("inline source map: %w", err)
		}
	} else {
		mapURL = resolveAgainst(scriptURL, ref)
		text, err := t.fetch.Fetch(ctx, mapURL)
		if err != nil {
			return nil, fmt.Errorf("fetch source map: %w", err)
		}
		raw = []byte(text)
	}

	c, err := sourcemap.Parse(mapURL, raw)
	if err != nil {
		return nil, fmt.Errorf("parse source map %s: %w", mapURL, err)
	}
	logging.SourceDebug("loaded source map for %s", scriptURL)
	return c, nil
}

// mappingURL returns the last sourceMappingURL reference in src.
func mappingURL(src string) string {
	for _, marker := range []string{"//# sourceMappingURL=", "//@ sourceMappingURL="} {
		if i := strings.LastIndex(src, marker); i >= 0 {
			rest := src[i+len(marker):]
			if j := strings.IndexAny(rest, " \t\r\n"); j >= 0 {
				rest = rest[:j]
			}
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func decodeDataURI(ref string) ([]byte, error) {
	meta, data, ok := strings.Cut(strings.TrimPrefix(ref, "data:"), ",")
	if !ok {
		return nil, errors.New("malformed data URI")
	}
	if strings.HasSuffix(meta, ";base64") {
		return base64.StdEncoding.DecodeString(data)
	}
	s, err := url.PathUnescape(data)
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

func resolveAgainst(base, ref string) string {
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
