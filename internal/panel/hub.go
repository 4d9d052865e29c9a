// Package panel relays engine messages to a devtools panel over a websocket
// and feeds the panel's requests back into the engine. One panel is active at
// a time; a new connection replaces the previous one.
package panel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"mobxlens/internal/logging"
	"mobxlens/internal/protocol"
)

// Path is the websocket endpoint.
const Path = "/panel"

var (
	// ErrNoPanel is returned by Send while no panel is connected.
	ErrNoPanel = errors.New("no panel connected")
	// ErrSlowPanel is returned when the panel's outbound buffer is full and the
	// message was dropped.
	ErrSlowPanel = errors.New("panel send buffer full")
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	sendBuffer = 256
	maxMessage = 1 << 20
)

// Handler consumes panel traffic. *hook.Hook implements it.
type Handler interface {
	HandleMessage(ctx context.Context, data []byte) error
	PanelConnected()
}

// Hub is the websocket endpoint and the engine's protocol.Sender.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	handler Handler
	active  *client
	wg      sync.WaitGroup
	closed  bool

	dropped atomic.Int64
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once

	// stack source lookups still running for this panel
	lookups sync.WaitGroup
}

func (c *client) stop() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub. The handler may be set later with SetHandler, since
// the engine usually needs the hub as its sender first.
func NewHub(handler Handler) *Hub {
	return &Hub{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 * 1024,
			// panels are local tools; the listener binds to loopback by default
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// SetHandler replaces the request handler.
func (h *Hub) SetHandler(handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handler = handler
}

// Connected reports whether a panel is attached.
func (h *Hub) Connected() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.active != nil
}

// Send implements protocol.Sender. Messages are queued for the active panel
// and dropped when none is connected.
func (h *Hub) Send(m protocol.Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode %s: %w", m.Type, err)
	}

	h.mu.Lock()
	c := h.active
	h.mu.Unlock()
	if c == nil {
		return ErrNoPanel
	}
	select {
	case c.send <- data:
		return nil
	case <-c.done:
		return ErrNoPanel
	default:
		n := h.dropped.Add(1)
		logging.Get(logging.CategoryPanel).Warn("panel send buffer full: dropped %s (%d dropped so far)", m.Type, n)
		return ErrSlowPanel
	}
}

// Dropped returns how many messages were discarded because the panel fell
// behind.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ServeHTTP upgrades the request and serves the panel until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logging.PanelDebug("upgrade from %s: %v", r.RemoteAddr, err)
		return
	}

	c := &client{conn: conn, send: make(chan []byte, sendBuffer), done: make(chan struct{})}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		_ = conn.Close()
		return
	}
	prev := h.active
	h.active = c
	handler := h.handler
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	if prev != nil {
		logging.Panel("panel replaced by %s", r.RemoteAddr)
		prev.stop()
	}
	logging.Panel("panel connected from %s", r.RemoteAddr)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writePump(c)
	}()

	if handler != nil {
		handler.PanelConnected()
	}
	h.readPump(r.Context(), c, handler)

	c.stop()
	c.lookups.Wait()
	<-writerDone
	_ = conn.Close()

	h.mu.Lock()
	if h.active == c {
		h.active = nil
	}
	h.mu.Unlock()
	logging.Panel("panel %s disconnected", r.RemoteAddr)
}

func (h *Hub) readPump(ctx context.Context, c *client, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryPanel).Error("reader recovered: %v", r)
		}
	}()

	c.conn.SetReadLimit(maxMessage)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	lookupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// a replaced or closed client unblocks the reader by closing the socket
	go func() {
		<-c.done
		cancel()
		_ = c.conn.SetReadDeadline(time.Now())
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.PanelDebug("read: %v", err)
			}
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		if handler == nil {
			continue
		}
		// source lookups may wait on the network for seconds
		if isSourceLookup(data) {
			c.lookups.Add(1)
			go func() {
				defer c.lookups.Done()
				dispatch(lookupCtx, handler, data)
			}()
			continue
		}
		dispatch(ctx, handler, data)
	}
}

func dispatch(ctx context.Context, handler Handler, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			logging.Get(logging.CategoryPanel).Error("handler recovered: %v", r)
		}
	}()
	if err := handler.HandleMessage(ctx, data); err != nil {
		logging.PanelDebug("request dropped: %v", err)
	}
}

func isSourceLookup(data []byte) bool {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return false
	}
	return env.Type == protocol.TypeGetStackSource || env.Type == protocol.TypeGetSingleSource
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logging.PanelDebug("write: %v", err)
				c.stop()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.stop()
				return
			}
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		}
	}
}

// Close disconnects the active panel, refuses new ones and waits for the
// connection handler to return.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	c := h.active
	h.mu.Unlock()
	if c != nil {
		c.stop()
	}
	h.wg.Wait()
}

// Server serves the hub and a health endpoint on addr.
type Server struct {
	hub *Hub
	srv *http.Server
	ln  net.Listener
}

// Listen binds addr. Serve must be called to accept connections.
func Listen(addr string, hub *Hub) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle(Path, hub)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "panel": hub.Connected()})
	})
	return &Server{
		hub: hub,
		srv: &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second},
		ln:  ln,
	}, nil
}

// Addr is the bound address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// URL is the panel websocket URL.
func (s *Server) URL() string { return "ws://" + s.Addr() + Path }

// Serve accepts connections until ctx is done, then shuts down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		logging.Panel("panel endpoint listening on %s", s.URL())
		errCh <- s.srv.Serve(s.ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	<-errCh
	return nil
}

// Close releases the listener. It is only needed when Serve never ran.
func (s *Server) Close() error {
	_ = s.srv.Close()
	if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return err
	}
	return nil
}
