//go:build integration

package browser

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mobxlens/internal/hook"
	"mobxlens/internal/protocol"
)

// A minimal runtime stand-in: it exposes spy() and reports one action with a
// nested update the way the real reporter does.
const fakeAppPage = `<!doctype html><html><body><script>
class CounterStore { constructor() { this.count = 0; } }
const listeners = [];
window.mobx = {
  version: "6.12.0",
  spy(fn) { listeners.push(fn); return () => {}; },
  toJS(v) { return v; }
};
window.__MOBX_DEVTOOLS_GLOBAL_HOOK__.injectMobx(window.mobx);
window.counter = new CounterStore();
window.bump = function () {
  const emit = (ev) => listeners.forEach((l) => l(ev));
  emit({ type: "action", name: "bump", object: window.counter, arguments: [], spyReportStart: true });
  const old = window.counter.count;
  window.counter.count++;
  emit({ type: "update", name: "count", object: window.counter, oldValue: old, newValue: window.counter.count, observableKind: "object", spyReportStart: true });
  emit({ type: "report-end", spyReportEnd: true });
  emit({ type: "report-end", spyReportEnd: true });
};
</script></body></html>`

func TestIntegrationCapturesPageAction(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(fakeAppPage))
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	rec := &recorder{}
	h := hook.New(hook.Options{Sender: rec})
	defer h.Close()
	h.SetFilter([]string{"CounterStore"})

	m := NewSessionManager(Config{Launch: true, Headless: true, PollInterval: 50 * time.Millisecond})
	require.NoError(t, m.Start(ctx))
	defer func() { _ = m.Shutdown(context.Background()) }()

	sess, err := m.Open(ctx, srv.URL, h, nil)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(protocol.TypeDetected)) > 0
	}, 10*time.Second, 50*time.Millisecond)

	m.mu.RLock()
	page := m.sessions[sess.ID].page
	m.mu.RUnlock()
	_, err = page.Eval(`() => window.bump()`)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.ofType(protocol.TypeAction)) == 1
	}, 10*time.Second, 50*time.Millisecond)

	a := rec.ofType(protocol.TypeAction)[0].Payload.(protocol.ActionMessage)
	assert.Equal(t, "bump", a.Name)
	assert.Equal(t, "CounterStore", a.Object)
	require.Len(t, a.Changes, 1)
	assert.Equal(t, 1.0, a.Changes[0].NewValue)

	require.NoError(t, h.HandleRequest(ctx, protocol.SetValue{StoreName: "CounterStore", Path: "count", Value: "41"}))
	res, err := page.Eval(`() => window.counter.count`)
	require.NoError(t, err)
	assert.Equal(t, 41, res.Value.Int())
}
