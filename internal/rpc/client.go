package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/evebus/eve/internal/event"
)

// ErrClosed is returned by calls on a connection that has gone away.
var ErrClosed = errors.New("rpc connection closed")

// Client is a broadcaster connection. Its identity on the broadcaster is
// the local address of the underlying socket.
type Client struct {
	ws     *websocket.Conn
	logger zerolog.Logger

	writeMu sync.Mutex // serialises all conn writes (requests, pings)

	mu      sync.Mutex
	pending map[string]chan Response
	err     error

	closed    chan struct{}
	closeOnce sync.Once
}

// Dial connects to the rpc endpoint at url (ws://host:port/rpc).
func Dial(ctx context.Context, url string, logger zerolog.Logger) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	c := &Client{
		ws:      ws,
		logger:  logger,
		pending: make(map[string]chan Response),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	go c.pingLoop()
	return c, nil
}

// LocalAddr is the address the broadcaster identifies this client by.
func (c *Client) LocalAddr() string {
	return c.ws.LocalAddr().String()
}

// Call sends method with params and decodes the answer into result, which
// may be nil. Remote failures are returned as *Error.
func (c *Client) Call(ctx context.Context, method Method, params, result any) error {
	req := Request{ID: uuid.NewString(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encoding %s params: %w", method, err)
		}
		req.Params = raw
	}
	data, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan Response, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return err
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	c.writeMu.Lock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		c.shutdown(err)
		return fmt.Errorf("%w: %v", ErrClosed, err)
	}

	select {
	case resp := <-ch:
		if resp.Error != nil {
			return resp.Error
		}
		if result == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-c.closed:
		return c.Err()
	}
}

// Err returns why the connection closed, or nil while it is open.
func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.closed
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	c.writeMu.Unlock()
	c.shutdown(nil)
	return nil
}

func (c *Client) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		if cause == nil {
			c.err = ErrClosed
		} else {
			c.err = fmt.Errorf("%w: %v", ErrClosed, cause)
		}
		c.mu.Unlock()
		close(c.closed)
		c.ws.Close()
	})
}

func (c *Client) readLoop() {
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.shutdown(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		var resp Response
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn().Err(err).Msg("dropping malformed rpc response")
			continue
		}
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		c.mu.Unlock()
		if ok {
			ch <- resp
		}
	}
}

// pingLoop keeps the connection alive while calls are blocked in a poll.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(err)
				return
			}
		}
	}
}

func (c *Client) Join(ctx context.Context) (string, error) {
	var res JoinResult
	if err := c.Call(ctx, MethodJoin, nil, &res); err != nil {
		return "", err
	}
	return res.Identity, nil
}

func (c *Client) InitialFiles(ctx context.Context) ([]string, error) {
	var res InitialFilesResult
	if err := c.Call(ctx, MethodInitialFiles, nil, &res); err != nil {
		return nil, err
	}
	return res.Paths, nil
}

func (c *Client) InitialFile(ctx context.Context, path string) ([]byte, bool, error) {
	var res InitialFileResult
	if err := c.Call(ctx, MethodInitialFile, InitialFileParams{Path: path}, &res); err != nil {
		return nil, false, err
	}
	return res.Data, res.Found, nil
}

// Publish returns the index the broadcaster assigned to the event.
func (c *Client) Publish(ctx context.Context, payload string) (int, error) {
	var res PublishResult
	if err := c.Call(ctx, MethodPublish, PublishParams{Payload: payload}, &res); err != nil {
		return 0, err
	}
	return res.Index, nil
}

func (c *Client) Poll(ctx context.Context, last *event.Event) ([]event.Event, error) {
	var res PollResult
	if err := c.Call(ctx, MethodPoll, PollParams{Last: last}, &res); err != nil {
		return nil, err
	}
	return res.Events, nil
}

func (c *Client) Leave(ctx context.Context) error {
	return c.Call(ctx, MethodLeave, nil, nil)
}
