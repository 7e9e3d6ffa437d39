package net

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"FloorBoard/internal/logger"
	"FloorBoard/internal/protocol"
	"FloorBoard/internal/state"
)

// ErrClosed is returned for calls on a connection that has gone away.
var ErrClosed = errors.New("connection to host closed")

// Client talks to a FloorBoard host over a websocket. It correlates
// responses with requests by request id and forwards everything else as
// push events.
type Client struct {
	conn *websocket.Conn
	site string

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[string]chan protocol.Envelope
	err     error

	events    chan protocol.Event
	done      chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	log       *zap.Logger
}

// Dial connects to the host at addr (host:port). site is sent as the
// origin of every request.
func Dial(ctx context.Context, addr, site string, log *zap.Logger) (*Client, error) {
	return dial(ctx, addr, site, nil, log)
}

// DialWaiter connects as a server named name. The host lists it as a
// waiter that zones can be assigned to.
func DialWaiter(ctx context.Context, addr, name string, log *zap.Logger) (*Client, error) {
	q := url.Values{"role": {"waiter"}, "name": {name}}
	return dial(ctx, addr, name, q, log)
}

func dial(ctx context.Context, addr, site string, query url.Values, log *zap.Logger) (*Client, error) {
	u := url.URL{Scheme: "ws", Host: addr, Path: WSPath, RawQuery: query.Encode()}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", u.String(), err)
	}
	c := &Client{
		conn:    conn,
		site:    site,
		pending: make(map[string]chan protocol.Envelope),
		events:  make(chan protocol.Event, 64),
		done:    make(chan struct{}),
		closing: make(chan struct{}),
		log:     logger.OrNop(log).With(zap.String("component", "client"), zap.String("host", addr)),
	}
	go c.readLoop()
	c.log.Info("connected to host", zap.String("site", site))
	return c, nil
}

// Events returns the push event stream. It is closed when the connection ends.
func (c *Client) Events() <-chan protocol.Event { return c.events }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close shuts the connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })
	c.writeMu.Lock()
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()
	return c.conn.Close()
}

func (c *Client) FetchRoom(ctx context.Context) (state.Room, error) {
	var room state.Room
	err := c.call(ctx, protocol.TypeFetchRoom, 0, nil, &room)
	return room, err
}

func (c *Client) ProposeAdd(ctx context.Context, req protocol.AddRequest) (protocol.AddResponse, error) {
	var resp protocol.AddResponse
	err := c.call(ctx, protocol.TypeProposeAdd, req.Marker, req, &resp)
	return resp, err
}

func (c *Client) ProposeUpdate(ctx context.Context, req protocol.UpdateRequest) (protocol.UpdateResponse, error) {
	var resp protocol.UpdateResponse
	err := c.call(ctx, protocol.TypeProposeUpdate, req.Marker, req, &resp)
	return resp, err
}

func (c *Client) ProposeZone(ctx context.Context, req protocol.ZoneRequest) (protocol.ZoneResponse, error) {
	var resp protocol.ZoneResponse
	err := c.call(ctx, protocol.TypeProposeZone, req.Marker, req, &resp)
	return resp, err
}

func (c *Client) RespondTableUpdate(ctx context.Context, dec protocol.TableUpdateDecision) error {
	return c.call(ctx, protocol.TypeTableUpdateDecision, 0, dec, nil)
}

// RequestTableUpdate submits a batch of changes for approval by the
// editing clients.
func (c *Client) RequestTableUpdate(ctx context.Context, req protocol.TableUpdateRequest) error {
	return c.call(ctx, protocol.TypeTableUpdateRequest, 0, req, nil)
}

func (c *Client) call(ctx context.Context, typ string, marker uint64, payload, out any) error {
	env, err := protocol.NewEnvelope(typ, uuid.NewString(), c.site, payload)
	if err != nil {
		return err
	}
	env.Marker = marker

	ch := make(chan protocol.Envelope, 1)
	c.mu.Lock()
	if c.err != nil {
		c.mu.Unlock()
		return c.err
	}
	c.pending[env.RequestID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, env.RequestID)
		c.mu.Unlock()
	}()

	if err := c.write(env); err != nil {
		return err
	}

	select {
	case resp := <-ch:
		if resp.Error != "" {
			return fmt.Errorf("%s: %s", typ, resp.Error)
		}
		if out == nil {
			return nil
		}
		return resp.Decode(out)
	case <-c.done:
		return c.closedErr()
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", typ, ctx.Err())
	}
}

func (c *Client) write(env protocol.Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("send %s: %w", env.Type, err)
	}
	return nil
}

func (c *Client) closedErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.events)
	for {
		var env protocol.Envelope
		if err := c.conn.ReadJSON(&env); err != nil {
			c.mu.Lock()
			c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			c.mu.Unlock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info("host closed the connection")
			} else {
				c.log.Warn("connection lost", zap.Error(err))
			}
			return
		}

		if env.Type == protocol.TypeResponse {
			c.mu.Lock()
			ch, ok := c.pending[env.RequestID]
			c.mu.Unlock()
			if !ok {
				c.log.Debug("response to an abandoned request", zap.String("request_id", env.RequestID))
				continue
			}
			ch <- env
			continue
		}
		if !env.IsEvent() {
			c.log.Debug("unexpected request from host", zap.String("type", env.Type))
			continue
		}
		select {
		case c.events <- protocol.EventFromEnvelope(env):
		case <-c.closing:
			return
		}
	}
}
