package panel

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"mobxlens/internal/hook"
	"mobxlens/internal/logging"
	"mobxlens/internal/protocol"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeHandler struct {
	mu        sync.Mutex
	connected int
	received  []string
}

func (f *fakeHandler) HandleMessage(_ context.Context, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, string(data))
	return nil
}

func (f *fakeHandler) PanelConnected() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected++
}

func (f *fakeHandler) snapshot() (int, []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected, append([]string(nil), f.received...)
}

func startHub(t *testing.T, handler Handler) (*Hub, string) {
	t.Helper()
	hub := NewHub(handler)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(data, &env))
	return env
}

// slowLookups blocks stack source requests until their context ends and
// records every other request as it arrives.
type slowLookups struct {
	fakeHandler
	started   chan struct{}
	cancelled chan struct{}
}

func (s *slowLookups) HandleMessage(ctx context.Context, data []byte) error {
	if strings.Contains(string(data), protocol.TypeGetStackSource) {
		close(s.started)
		<-ctx.Done()
		close(s.cancelled)
		return ctx.Err()
	}
	return s.fakeHandler.HandleMessage(ctx, data)
}

func TestSendWithoutPanel(t *testing.T) {
	hub := NewHub(nil)
	assert.ErrorIs(t, hub.Send(protocol.Message{Type: protocol.TypeAction}), ErrNoPanel)
	assert.False(t, hub.Connected())
}

func TestRelaysBothDirections(t *testing.T) {
	handler := &fakeHandler{}
	hub, url := startHub(t, handler)
	conn := dial(t, url)

	require.Eventually(t, hub.Connected, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		n, _ := handler.snapshot()
		return n == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Send(protocol.Message{
		Type:    protocol.TypeDetected,
		Payload: protocol.Detected{Version: "6.12.0", Timestamp: 1},
	}))
	env := readMessage(t, conn)
	assert.Equal(t, protocol.TypeDetected, env.Type)
	assert.JSONEq(t, `{"version":"6.12.0","timestamp":1}`, string(env.Payload))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_STATE"}`)))
	require.Eventually(t, func() bool {
		_, got := handler.snapshot()
		return len(got) == 1 && got[0] == `{"type":"GET_STATE"}`
	}, time.Second, 5*time.Millisecond)
}

func TestNewPanelReplacesOld(t *testing.T) {
	handler := &fakeHandler{}
	hub, url := startHub(t, handler)

	first := dial(t, url)
	require.Eventually(t, hub.Connected, time.Second, 5*time.Millisecond)
	second := dial(t, url)
	require.Eventually(t, func() bool {
		n, _ := handler.snapshot()
		return n == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, first.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := first.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	require.Eventually(t, func() bool {
		return hub.Send(protocol.Message{Type: protocol.TypeStateUpdate}) == nil
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, protocol.TypeStateUpdate, readMessage(t, second).Type)
}

func TestCloseDisconnectsPanel(t *testing.T) {
	hub, url := startHub(t, &fakeHandler{})
	conn := dial(t, url)
	require.Eventually(t, hub.Connected, time.Second, 5*time.Millisecond)

	hub.Close()
	assert.False(t, hub.Connected())

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.Error(t, err)

	// refused after close
	late, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		defer late.Close()
		require.NoError(t, late.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err = late.ReadMessage()
		assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
	}
}

func TestPanelDrivesHook(t *testing.T) {
	hub := NewHub(nil)
	h := hook.New(hook.Options{Sender: hub, Clock: clockwork.NewFakeClockAt(time.UnixMilli(1700000000000))})
	defer h.Close()
	hub.SetHandler(h)
	h.Inject("Cart", map[string]any{"n": 1})

	srv := httptest.NewServer(hub)
	defer func() {
		hub.Close()
		srv.Close()
	}()
	conn := dial(t, "ws"+strings.TrimPrefix(srv.URL, "http"))

	env := readMessage(t, conn)
	require.Equal(t, protocol.TypeStateUpdate, env.Type)
	assert.JSONEq(t, `{"state":{"Cart":{"n":1}},"timestamp":1700000000000}`, string(env.Payload))

	require.NoError(t, conn.WriteJSON(protocol.Encode(protocol.SetFilter{Stores: []string{"Cart"}})))
	require.Eventually(t, func() bool {
		return len(h.Filter()) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"Cart"}, h.Filter())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_STATE"}`)))
	assert.Equal(t, protocol.TypeStateUpdate, readMessage(t, conn).Type)
}

func TestServerHealthAndShutdown(t *testing.T) {
	hub := NewHub(&fakeHandler{})
	s, err := Listen("127.0.0.1:0", hub)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(s.URL(), "ws://127.0.0.1:"))
	assert.True(t, strings.HasSuffix(s.URL(), Path))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	client := &http.Client{Transport: &http.Transport{DisableKeepAlives: true}}
	var body []byte
	require.Eventually(t, func() bool {
		resp, err := client.Get("http://" + s.Addr() + "/healthz")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ = io.ReadAll(resp.Body)
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)
	assert.JSONEq(t, `{"ok":true,"panel":false}`, string(body))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not shut down")
	}
}

func TestServerCloseWithoutServe(t *testing.T) {
	s, err := Listen("127.0.0.1:0", NewHub(nil))
	require.NoError(t, err)
	addr := s.Addr()
	require.NoError(t, s.Close())
	assert.NoError(t, s.Close())

	// the port is free again
	again, err := Listen(addr, NewHub(nil))
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestSourceLookupDoesNotBlockReader(t *testing.T) {
	handler := &slowLookups{started: make(chan struct{}), cancelled: make(chan struct{})}
	hub, url := startHub(t, handler)
	conn := dial(t, url)
	require.Eventually(t, hub.Connected, time.Second, 5*time.Millisecond)

	require.NoError(t, conn.WriteJSON(protocol.Encode(protocol.GetStackSource{
		ActionID:   "1700000000000-1",
		StackTrace: "at addItem (/src/cart.js:12:9)",
	})))
	<-handler.started
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"GET_STATE"}`)))
	require.Eventually(t, func() bool {
		_, got := handler.snapshot()
		return len(got) == 1 && got[0] == `{"type":"GET_STATE"}`
	}, time.Second, 5*time.Millisecond)

	// the lookup ends with the panel
	require.NoError(t, conn.Close())
	select {
	case <-handler.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("lookup outlived its panel")
	}
	require.Eventually(t, func() bool { return !hub.Connected() }, time.Second, 5*time.Millisecond)
}

func TestSendDropsWhenPanelFallsBehind(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logging.SetLogger(zap.New(core), logging.Options{Level: "debug"})
	t.Cleanup(func() { logging.SetLogger(nil, logging.Options{}) })

	hub := NewHub(nil)
	hub.active = &client{send: make(chan []byte, 1), done: make(chan struct{})}

	require.NoError(t, hub.Send(protocol.Message{Type: protocol.TypeStateUpdate}))
	assert.ErrorIs(t, hub.Send(protocol.Message{Type: protocol.TypeAction}), ErrSlowPanel)
	assert.ErrorIs(t, hub.Send(protocol.Message{Type: protocol.TypeAction}), ErrSlowPanel)
	assert.Equal(t, int64(2), hub.Dropped())

	warned := logs.FilterLevelExact(zapcore.WarnLevel).All()
	require.Len(t, warned, 2)
	assert.Contains(t, warned[1].Message, "dropped ACTION (2 dropped so far)")
}
