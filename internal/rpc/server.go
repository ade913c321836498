package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/event"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
	maxFrameSize = 64 << 20
)

// Backend is the broadcaster as seen by the transport. caller is the
// remote address of the connection a request arrived on.
type Backend interface {
	Join(caller string) (string, error)
	InitialFiles() []string
	InitialFile(path string) ([]byte, bool)
	Publish(ctx context.Context, caller, payload string) (event.Event, error)
	Poll(ctx context.Context, caller string, last *event.Event) ([]event.Event, error)
	Leave(ctx context.Context, caller string) error
}

// Server upgrades HTTP requests to WebSocket connections and dispatches
// their requests to a Backend.
type Server struct {
	backend  Backend
	logger   zerolog.Logger
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[*conn]struct{}
	wg    sync.WaitGroup
}

// NewServer builds a Server. checkOrigin may be nil to accept any origin.
func NewServer(backend Backend, logger zerolog.Logger, checkOrigin func(*http.Request) bool) *Server {
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		backend:  backend,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		conns:    make(map[*conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	s.logger.Debug().Str("remote", r.RemoteAddr).Msg("rpc client connected")
	c := &conn{
		srv:    s,
		ws:     ws,
		caller: r.RemoteAddr,
		send:   make(chan []byte, sendBuffer),
		logger: s.logger.With().Str("identity", r.RemoteAddr).Logger(),
	}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		c.serve()
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
	}()
}

// Connections is the number of open connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Close drops every open connection and waits for them to be torn down.
// Sessions joined over them leave as if their clients had disconnected.
func (s *Server) Close() {
	s.mu.Lock()
	for c := range s.conns {
		c.ws.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

type conn struct {
	srv    *Server
	ws     *websocket.Conn
	caller string
	send   chan []byte
	logger zerolog.Logger

	// joined is set while a join made over this connection is active, so a
	// dropped connection can leave on the client's behalf.
	joined atomic.Bool
}

func (c *conn) serve() {
	ctx, cancel := context.WithCancel(context.Background())
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.writePump()
	}()

	var handlers sync.WaitGroup
	c.readLoop(ctx, &handlers)

	cancel()
	handlers.Wait()

	if c.joined.Load() {
		if err := c.srv.backend.Leave(context.Background(), c.caller); err != nil && !errors.Is(err, broadcast.ErrNotJoined) {
			c.logger.Error().Err(err).Msg("leave on disconnect failed")
		} else {
			c.logger.Info().Msg("connection dropped, session left")
		}
	}
	close(c.send)
	<-pumpDone
	c.logger.Debug().Msg("rpc client disconnected")
}

func (c *conn) readLoop(ctx context.Context, handlers *sync.WaitGroup) {
	c.ws.SetReadLimit(maxFrameSize)
	c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
	c.ws.SetPingHandler(func(data string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))
		err := c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("rpc read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(pongTimeout))

		var req Request
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			c.logger.Warn().Msg("dropping malformed rpc frame")
			continue
		}
		handlers.Add(1)
		go func() {
			defer handlers.Done()
			c.reply(ctx, c.handle(ctx, req))
		}()
	}
}

func (c *conn) reply(ctx context.Context, resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error().Err(err).Str("id", resp.ID).Msg("marshal rpc response")
		return
	}
	select {
	case c.send <- data:
	case <-ctx.Done():
	}
}

func (c *conn) writePump() {
	defer c.ws.Close()
	for msg := range c.send {
		c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
			// Closing the socket fails the read loop, which tears down the
			// connection and eventually closes send.
			c.ws.Close()
			for range c.send {
			}
			return
		}
	}
}

func (c *conn) handle(ctx context.Context, req Request) Response {
	result, err := c.dispatch(ctx, req)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			c.logger.Debug().Err(err).Str("method", string(req.Method)).Msg("rpc call failed")
		}
		return Response{ID: req.ID, Error: errorFor(err)}
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return Response{ID: req.ID, Error: errorFor(err)}
	}
	return Response{ID: req.ID, Result: raw}
}

func (c *conn) dispatch(ctx context.Context, req Request) (any, error) {
	b := c.srv.backend
	switch req.Method {
	case MethodJoin:
		id, err := b.Join(c.caller)
		if err != nil {
			return nil, err
		}
		c.joined.Store(true)
		return JoinResult{Identity: id}, nil

	case MethodInitialFiles:
		return InitialFilesResult{Paths: b.InitialFiles()}, nil

	case MethodInitialFile:
		var p InitialFileParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		data, ok := b.InitialFile(p.Path)
		return InitialFileResult{Found: ok, Data: data}, nil

	case MethodPublish:
		var p PublishParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		e, err := b.Publish(ctx, c.caller, p.Payload)
		if err != nil {
			return nil, err
		}
		return PublishResult{Index: e.Index}, nil

	case MethodPoll:
		var p PollParams
		if err := decodeParams(req.Params, &p); err != nil {
			return nil, err
		}
		events, err := b.Poll(ctx, c.caller, p.Last)
		if err != nil {
			return nil, err
		}
		return PollResult{Events: events}, nil

	case MethodLeave:
		if err := b.Leave(ctx, c.caller); err != nil {
			return nil, err
		}
		c.joined.Store(false)
		return struct{}{}, nil
	}
	return nil, fmt.Errorf("%w: unknown method %q", ErrBadRequest, req.Method)
}

func decodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}
