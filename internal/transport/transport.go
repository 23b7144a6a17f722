// Package transport wraps a single websocket connection to the backend's
// streaming endpoint. A channel is cheap and disposable: on token refresh
// the owner closes the old one and opens a replacement with the new token.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"

	"sverka/internal/models"
)

var (
	ErrClosed       = errors.New("channel closed")
	ErrUnauthorized = errors.New("unauthorized")
)

const sendQueueSize = 32

type wsConn interface {
	ReadJSON(v any) error
	WriteJSON(v any) error
	Close() error
}

// Callbacks deliver channel activity back to the owner. OnEvent is invoked
// once per received event, in receipt order, from a single goroutine.
type Callbacks struct {
	OnEvent func(gen int, ev models.ServerEvent)
	OnClose func(gen int, err error)
}

type Channel struct {
	ws   wsConn
	gen  int
	cb   Callbacks
	out  chan models.ClientEvent
	done chan struct{}
	once sync.Once
}

// Open dials the streaming endpoint with the access token as a query
// parameter and starts the read and write pumps. gen tags every callback so
// the owner can discard activity from a channel it has since replaced.
func Open(ctx context.Context, wsURL, token string, gen int, cb Callbacks) (*Channel, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ws url: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	c := newChannel(conn, gen, cb)
	go c.readPump()
	go c.writePump()
	return c, nil
}

func newChannel(ws wsConn, gen int, cb Callbacks) *Channel {
	return &Channel{
		ws:   ws,
		gen:  gen,
		cb:   cb,
		out:  make(chan models.ClientEvent, sendQueueSize),
		done: make(chan struct{}),
	}
}

func (c *Channel) Generation() int { return c.gen }

// Send enqueues an event for transmission. Events submitted after Close are
// dropped, not queued: the caller resubmits state-changing intents once the
// replacement channel is open.
func (c *Channel) Send(ev models.ClientEvent) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	select {
	case c.out <- ev:
		return nil
	case <-c.done:
		return ErrClosed
	}
}

// Close is idempotent and safe on a never-opened channel.
func (c *Channel) Close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *Channel) readPump() {
	for {
		var ev models.ServerEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			c.Close()
			if c.cb.OnClose != nil {
				c.cb.OnClose(c.gen, closeError(err))
			}
			return
		}
		if c.cb.OnEvent != nil {
			c.cb.OnEvent(c.gen, ev)
		}
	}
}

func (c *Channel) writePump() {
	for {
		select {
		case ev := <-c.out:
			if err := c.ws.WriteJSON(ev); err != nil {
				c.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// closeError maps a policy-violation close (the backend's signal for a
// token expiring mid-session) onto ErrUnauthorized.
func closeError(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Code == websocket.ClosePolicyViolation {
		return ErrUnauthorized
	}
	return err
}
