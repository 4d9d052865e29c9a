package stacktrace

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cartMap = `{"version":3,"sources":["src/cart.ts"],"names":[],"mappings":"AAAA;AACA"}`

func cartSource() string {
	var b strings.Builder
	for i := 1; i <= 10; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	return strings.TrimSuffix(b.String(), "\n")
}

type devServer struct {
	*httptest.Server
	hits sync.Map
}

func (d *devServer) count(path string) int64 {
	v, ok := d.hits.Load(path)
	if !ok {
		return 0
	}
	return v.(*atomic.Int64).Load()
}

func newDevServer(t *testing.T) *devServer {
	t.Helper()
	d := &devServer{}
	d.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		v, _ := d.hits.LoadOrStore(r.URL.Path, new(atomic.Int64))
		v.(*atomic.Int64).Add(1)
		switch r.URL.Path {
		case "/src/cart.ts":
			fmt.Fprint(w, cartSource())
		case "/app.js":
			fmt.Fprint(w, "function a(){}\nfunction b(){}\n//# sourceMappingURL=app.js.map\n")
		case "/app.js.map":
			fmt.Fprint(w, cartMap)
		case "/inline.js":
			enc := base64.StdEncoding.EncodeToString([]byte(cartMap))
			fmt.Fprint(w, "x()\ny()\n//# sourceMappingURL=data:application/json;charset=utf-8;base64,"+enc)
		case "/plain.js":
			fmt.Fprint(w, "no map here\n")
		case "/gone.js":
			http.NotFound(w, r)
		case "/src/commented.ts":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, "<!-- served by dev server -->\n<!DOCTYPE html><html><body>app</body></html>")
		case "/src/headfirst.ts":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, "<head><meta charset=utf-8></head><body>app</body>")
		case "/src/typed.js":
			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			fmt.Fprint(w, "export const a = 1\n")
		case "/src/view.jsx":
			w.Header().Set("Content-Type", "application/javascript")
			fmt.Fprint(w, "<App items={items} />\n")
		default:
			fmt.Fprint(w, "\n  <!DOCTYPE html><html><body>app</body></html>")
		}
	}))
	t.Cleanup(d.Close)
	return d
}

func TestParse(t *testing.T) {
	stack := strings.Join([]string{
		"Error",
		"    at CartStore.addItem (http://localhost:3000/src/cart.ts:12:7)",
		"    at async loadCart (http://localhost:3000/src/api.ts:4:2)",
		"    at http://localhost:3000/main.js:1:100",
		"addItem@http://localhost:3000/src/cart.ts:12:7",
		"",
		"    <anonymous frame>",
	}, "\n")
	want := []Frame{
		{Function: "CartStore.addItem", File: "http://localhost:3000/src/cart.ts", Line: 12, Column: 7},
		{Function: "loadCart", File: "http://localhost:3000/src/api.ts", Line: 4, Column: 2},
		{Function: "anonymous", File: "http://localhost:3000/main.js", Line: 1, Column: 100},
		{Function: "addItem", File: "http://localhost:3000/src/cart.ts", Line: 12, Column: 7},
		{Function: "<anonymous frame>"},
	}
	if diff := cmp.Diff(want, Parse(stack)); diff != "" {
		t.Errorf("Parse mismatch (-want +got):\n%s", diff)
	}
	assert.Empty(t, Parse(""))
}

func TestFrame_ShortFile(t *testing.T) {
	tests := []struct {
		file string
		want string
	}{
		{"http://localhost:5173/node_modules/.vite/deps/mobx.js", "mobx.js"},
		{"http://localhost:3000/src/stores/cart.ts", ".../stores/cart.ts"},
		{"webpack:///./src/stores/cart.ts", ".../stores/cart.ts"},
		{"webpack-internal:///cart.ts", "cart.ts"},
		{"src/cart.ts", "src/cart.ts"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, Frame{File: tt.file}.ShortFile())
		})
	}
}

func TestResolveURL(t *testing.T) {
	origin := "http://localhost:3000/"
	tests := []struct {
		file string
		want string
	}{
		{"http://cdn.example.com/app.js", "http://cdn.example.com/app.js"},
		{"/assets/app.js", "http://localhost:3000/assets/app.js"},
		{"stores/cart.ts", "http://localhost:3000/src/stores/cart.ts"},
		{"./stores/cart.ts", "http://localhost:3000/src/stores/cart.ts"},
		{"src/cart.ts", "http://localhost:3000/src/cart.ts"},
		{"webpack:///./src/cart.ts", "http://localhost:3000/src/cart.ts"},
		{"webpack-internal:///stores/cart.ts", "http://localhost:3000/src/stores/cart.ts"},
		{"", ""},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			assert.Equal(t, tt.want, ResolveURL(origin, tt.file, ""))
		})
	}
	assert.Equal(t, "http://h/app/cart.ts", ResolveURL("http://h", "cart.ts", "app"))
	assert.Equal(t, "cart.ts", ResolveURL("", "cart.ts", ""))
	assert.Equal(t, "https://h:8443", Origin("https://h:8443/page?q=1"))
	assert.Equal(t, "", Origin("about:blank"))
}

func TestWindow(t *testing.T) {
	src := cartSource()

	w := Window(src, 5)
	require.Len(t, w, 7)
	assert.Equal(t, 2, w[0].LineNumber)
	assert.Equal(t, 8, w[6].LineNumber)
	assert.True(t, w[3].IsTarget)
	assert.Equal(t, "line 5", w[3].Content)

	first := Window(src, 1)
	require.Len(t, first, 4)
	assert.True(t, first[0].IsTarget)

	last := Window(src, 10)
	require.Len(t, last, 4)
	assert.Equal(t, 10, last[3].LineNumber)

	assert.Nil(t, Window(src, 0))
	assert.Nil(t, Window(src, 11))
}

func TestSourceCache(t *testing.T) {
	srv := newDevServer(t)
	cache := NewSourceCache(nil, 0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			text, err := cache.Fetch(ctx, srv.URL+"/src/cart.ts")
			assert.NoError(t, err)
			assert.True(t, strings.HasPrefix(text, "line 1"))
		}()
	}
	wg.Wait()
	_, err := cache.Fetch(ctx, srv.URL+"/src/cart.ts")
	require.NoError(t, err)
	assert.LessOrEqual(t, srv.count("/src/cart.ts"), int64(8))
	assert.Equal(t, 1, cache.Len())

	_, err = cache.Fetch(ctx, srv.URL+"/src/missing.ts")
	require.ErrorIs(t, err, ErrSourceUnavailable)
	_, err = cache.Fetch(ctx, srv.URL+"/src/missing.ts")
	require.ErrorIs(t, err, ErrSourceUnavailable)
	assert.Equal(t, int64(2), srv.count("/src/missing.ts"), "HTML fallback is not cached")

	_, err = cache.Fetch(ctx, srv.URL+"/gone.js")
	require.ErrorIs(t, err, ErrSourceUnavailable)

	for _, path := range []string{"/src/commented.ts", "/src/headfirst.ts", "/src/typed.js"} {
		_, err = cache.Fetch(ctx, srv.URL+path)
		require.ErrorIs(t, err, ErrSourceUnavailable, path)
	}
	text, err := cache.Fetch(ctx, srv.URL+"/src/view.jsx")
	require.NoError(t, err)
	assert.Equal(t, "<App items={items} />\n", text)
	assert.Equal(t, 2, cache.Len())
}

func TestLooksLikeHTML(t *testing.T) {
	tests := []struct {
		text string
		want bool
	}{
		{"<!DOCTYPE html><html></html>", true},
		{"\ufeff\n  <!doctype html>", true},
		{"<!-- dev -->\n<html lang=en>", true},
		{"<head><title>x</title></head>", true},
		{"<body>fallback</body>", true},
		{"function a() {}\n", false},
		{"<App />", false},
		{"// <html> in a comment\n", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, looksLikeHTML(tt.text), "%q", tt.text)
	}
}

func TestSourceCache_FetchesOnce(t *testing.T) {
	srv := newDevServer(t)
	cache := NewSourceCache(srv.Client(), 0)
	for i := 0; i < 3; i++ {
		_, err := cache.Fetch(context.Background(), srv.URL+"/src/cart.ts")
		require.NoError(t, err)
	}
	assert.Equal(t, int64(1), srv.count("/src/cart.ts"))
}

func TestResolver(t *testing.T) {
	srv := newDevServer(t)
	r := NewResolver(srv.URL, NewSourceCache(srv.Client(), 0), WithParallelism(2))
	stack := strings.Join([]string{
		"    at addItem (cart.ts:5:3)",
		"    at handler (/src/missing.ts:1:1)",
		"    some label",
	}, "\n")

	all, err := r.ResolveAll(context.Background(), stack)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, srv.URL+"/src/cart.ts", all[0].URL)
	require.Len(t, all[0].SourceLines, 7)
	assert.True(t, all[0].SourceLines[3].IsTarget)
	assert.Empty(t, all[1].SourceLines, "HTML fallback degrades to no lines")
	assert.Equal(t, "some label", all[2].Frame.Function)
	assert.Empty(t, all[2].SourceLines)

	one, err := r.ResolveFrame(context.Background(), stack, 0)
	require.NoError(t, err)
	assert.Equal(t, all[0], one)

	_, err = r.ResolveFrame(context.Background(), stack, 3)
	require.ErrorIs(t, err, ErrFrameOutOfRange)
	_, err = r.ResolveFrame(context.Background(), stack, -1)
	require.ErrorIs(t, err, ErrFrameOutOfRange)
}

func TestResolver_Cancelled(t *testing.T) {
	srv := newDevServer(t)
	r := NewResolver(srv.URL, NewSourceCache(srv.Client(), 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := r.ResolveAll(ctx, "    at a (cart.ts:1:1)")
	require.ErrorIs(t, err, context.Canceled)
}

func TestSourceMapTranslator(t *testing.T) {
	srv := newDevServer(t)
	tr := NewSourceMapTranslator(NewSourceCache(srv.Client(), 0))
	ctx := context.Background()

	stack := strings.Join([]string{
		"    at addItem (" + srv.URL + "/app.js:2:1)",
		"    at run (" + srv.URL + "/inline.js:2:1)",
		"    at other (" + srv.URL + "/plain.js:1:1)",
		"    native code",
	}, "\n")
	out, err := tr.Translate(ctx, stack)
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[0], "src/cart.ts:")
	assert.Contains(t, lines[0], "    at addItem (")
	assert.NotContains(t, lines[0], "app.js")
	assert.Contains(t, lines[1], "src/cart.ts:")
	assert.Equal(t, "    at other ("+srv.URL+"/plain.js:1:1)", lines[2])
	assert.Equal(t, "    native code", lines[3])

	_, err = tr.Translate(ctx, stack)
	require.NoError(t, err)
	assert.Equal(t, int64(1), srv.count("/app.js.map"), "consumers are cached per script")

	raw := "    at x (" + srv.URL + "/gone.js:1:1)"
	out, err = tr.Translate(ctx, raw)
	require.Error(t, err)
	assert.Equal(t, raw, out, "total failure returns the raw text")
}

func TestCaptureAndFilter(t *testing.T) {
	s := Capture(0, nil)
	assert.Contains(t, s, "TestCaptureAndFilter")
	assert.True(t, strings.HasPrefix(s, "    at "))

	filtered := Capture(0, []string{"mobxlens/internal/stacktrace.", "testing.", "runtime."})
	assert.NotContains(t, filtered, "TestCaptureAndFilter")

	js := strings.Join([]string{
		"Error",
		"    at listener (inject.js:10:1)",
		"    at spyReport (mobx.esm.js:100:1)",
		"    at executeAction (chunk-mobx.js:5:1)",
		"    at CartStore.addItem (cart.ts:12:7)",
		"    at onClick (inject.js:40:2)",
	}, "\n")
	assert.Equal(t, "    at CartStore.addItem (cart.ts:12:7)",
		Filter(js, 3, []string{"mobx", "inject.js"}))
}
