// Package rpc carries broadcaster calls over a WebSocket as JSON
// request/response frames. Every request has an id; the response echoes
// it, so many calls (a blocked poll and a publish, say) can share one
// connection.
package rpc

import (
	"encoding/json"
	"errors"

	"github.com/evebus/eve/internal/broadcast"
	"github.com/evebus/eve/internal/event"
)

type Method string

const (
	MethodJoin         Method = "join"
	MethodInitialFiles Method = "initial_files"
	MethodInitialFile  Method = "initial_file"
	MethodPublish      Method = "publish"
	MethodPoll         Method = "poll"
	MethodLeave        Method = "leave"
)

type Request struct {
	ID     string          `json:"id"`
	Method Method          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

type ErrorCode string

const (
	CodeAlreadyJoined ErrorCode = "already_joined"
	CodeNotJoined     ErrorCode = "not_joined"
	CodeStaleCursor   ErrorCode = "stale_cursor"
	CodeBadRequest    ErrorCode = "bad_request"
	CodeInternal      ErrorCode = "internal"
)

// Error is a failure reported by the remote side. It unwraps to the
// matching sentinel, so errors.Is(err, broadcast.ErrNotJoined) works on
// both sides of the wire.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeAlreadyJoined:
		return broadcast.ErrAlreadyJoined
	case CodeNotJoined:
		return broadcast.ErrNotJoined
	case CodeStaleCursor:
		return event.ErrStaleCursor
	case CodeBadRequest:
		return ErrBadRequest
	}
	return nil
}

var ErrBadRequest = errors.New("bad request")

func errorFor(err error) *Error {
	code := CodeInternal
	switch {
	case errors.Is(err, broadcast.ErrAlreadyJoined):
		code = CodeAlreadyJoined
	case errors.Is(err, broadcast.ErrNotJoined):
		code = CodeNotJoined
	case errors.Is(err, event.ErrStaleCursor):
		code = CodeStaleCursor
	case errors.Is(err, ErrBadRequest):
		code = CodeBadRequest
	}
	return &Error{Code: code, Message: err.Error()}
}

type JoinResult struct {
	Identity string `json:"identity"`
}

type InitialFilesResult struct {
	Paths []string `json:"paths"`
}

type InitialFileParams struct {
	Path string `json:"path"`
}

// InitialFileResult carries the file base64 encoded in Data.
type InitialFileResult struct {
	Found bool   `json:"found"`
	Data  []byte `json:"data,omitempty"`
}

type PublishParams struct {
	Payload string `json:"payload"`
}

type PublishResult struct {
	Index int `json:"index"`
}

type PollParams struct {
	Last *event.Event `json:"last,omitempty"`
}

type PollResult struct {
	Events []event.Event `json:"events"`
}
