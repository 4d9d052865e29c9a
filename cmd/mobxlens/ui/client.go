package ui

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mobxlens/internal/protocol"
)

const (
	writeWait = 5 * time.Second
	inbox     = 256
)

// Conn is what the model needs from a panel connection.
type Conn interface {
	Messages() <-chan protocol.Envelope
	Send(protocol.Request) error
}

// Client is a panel-side websocket connection to a capture daemon.
type Client struct {
	conn *websocket.Conn
	msgs chan protocol.Envelope
	done chan struct{}
	read chan struct{}

	wmu  sync.Mutex
	once sync.Once

	errMu sync.Mutex
	err   error
}

// Dial connects to the daemon's panel endpoint.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		conn: conn,
		msgs: make(chan protocol.Envelope, inbox),
		done: make(chan struct{}),
		read: make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Messages is closed when the connection ends.
func (c *Client) Messages() <-chan protocol.Envelope { return c.msgs }

// Err reports why the connection ended, after Messages is closed.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Send writes one request.
func (c *Client) Send(r protocol.Request) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(protocol.Encode(r))
}

// Close sends a close frame and waits for the reader to stop.
func (c *Client) Close() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		close(c.done)
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.wmu.Unlock()
		err = c.conn.Close()
		<-c.read
	})
	return err
}

func (c *Client) readLoop() {
	defer close(c.read)
	defer close(c.msgs)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.errMu.Lock()
			c.err = err
			c.errMu.Unlock()
			return
		}
		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		select {
		case c.msgs <- env:
		case <-c.done:
			return
		}
	}
}
