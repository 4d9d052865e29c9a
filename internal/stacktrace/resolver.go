package stacktrace

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"mobxlens/internal/logging"
)

// ErrFrameOutOfRange is returned by ResolveFrame for an index outside the
// parsed stack.
var ErrFrameOutOfRange = errors.New("frame index out of range")

// FrameSource is a frame with the source window around its line. Frames
// whose source cannot be fetched carry no lines.
type FrameSource struct {
	Frame       Frame        `json:"frame"`
	URL         string       `json:"url,omitempty"`
	SourceLines []SourceLine `json:"sourceLines"`
}

// Resolver annotates frames of a stack with source windows fetched from the
// inspected page's origin.
type Resolver struct {
	mu          sync.RWMutex
	origin      string
	sourceRoot  string
	fetch       Fetcher
	parallelism int
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithSourceRoot sets the prefix bare relative paths are placed under.
func WithSourceRoot(root string) ResolverOption {
	return func(r *Resolver) { r.sourceRoot = root }
}

// WithParallelism bounds concurrent fetches in ResolveAll.
func WithParallelism(n int) ResolverOption {
	return func(r *Resolver) {
		if n > 0 {
			r.parallelism = n
		}
	}
}

// NewResolver creates a resolver for pages served from origin.
func NewResolver(origin string, fetch Fetcher, opts ...ResolverOption) *Resolver {
	r := &Resolver{
		origin:      origin,
		sourceRoot:  DefaultSourceRoot,
		fetch:       fetch,
		parallelism: 4,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// SetOrigin updates the origin, e.g. after the page navigates.
func (r *Resolver) SetOrigin(origin string) {
	r.mu.Lock()
	r.origin = origin
	r.mu.Unlock()
}

// Origin is the origin relative frame paths resolve against.
func (r *Resolver) Origin() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.origin
}

// ResolveAll resolves every frame of stack. Missing sources degrade to frames
// without lines; only context cancellation is returned as an error.
func (r *Resolver) ResolveAll(ctx context.Context, stack string) ([]FrameSource, error) {
	frames := Parse(stack)
	out := make([]FrameSource, len(frames))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.parallelism)
	for i, f := range frames {
		g.Go(func() error {
			out[i] = r.resolve(gctx, f)
			return gctx.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return out, err
	}
	return out, nil
}

// ResolveFrame resolves only the frame at idx.
func (r *Resolver) ResolveFrame(ctx context.Context, stack string, idx int) (FrameSource, error) {
	frames := Parse(stack)
	if idx < 0 || idx >= len(frames) {
		return FrameSource{}, fmt.Errorf("%w: %d of %d", ErrFrameOutOfRange, idx, len(frames))
	}
	return r.resolve(ctx, frames[idx]), nil
}

func (r *Resolver) resolve(ctx context.Context, f Frame) FrameSource {
	fs := FrameSource{Frame: f, SourceLines: []SourceLine{}}
	if !f.HasLocation() || r.fetch == nil {
		return fs
	}
	fs.URL = ResolveURL(r.Origin(), f.File, r.sourceRoot)
	text, err := r.fetch.Fetch(ctx, fs.URL)
	if err != nil {
		logging.SourceDebug("no source for %s: %v", fs.URL, err)
		return fs
	}
	if w := Window(text, f.Line); w != nil {
		fs.SourceLines = w
	}
	return fs
}
