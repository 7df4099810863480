package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Handler is the business logic behind an RPC endpoint.
type Handler interface {
	ServeRPC(ctx context.Context, req json.RawMessage) (any, error)
}

type HandlerFunc func(ctx context.Context, req json.RawMessage) (any, error)

func (f HandlerFunc) ServeRPC(ctx context.Context, req json.RawMessage) (any, error) {
	return f(ctx, req)
}

// TypedHandler decodes requests into Req before calling fn.
func TypedHandler[Req, Resp any](fn func(ctx context.Context, req Req) (Resp, error)) Handler {
	return HandlerFunc(func(ctx context.Context, raw json.RawMessage) (any, error) {
		var req Req
		if err := DecodeStrict(raw, &req); err != nil {
			return nil, Errorf(http.StatusBadRequest, "malformed request: %v", err)
		}
		return fn(ctx, req)
	})
}

// Error is returned by handlers to control the status code, and by clients
// when the server answered with one.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"error"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// DecodeStrict rejects unknown fields and trailing data. Empty input decodes to the zero value.
func DecodeStrict(raw []byte, v any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errors.New("trailing data after request")
	}
	return nil
}

// Request is the envelope of endpoints serving several methods.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// MethodRouter dispatches a Request to the handler registered for its method.
// Handlers receive the params only.
type MethodRouter struct {
	methods map[string]Handler
}

func NewMethodRouter() *MethodRouter {
	return &MethodRouter{methods: make(map[string]Handler)}
}

// Handle registers h for method. Registering a method twice replaces the handler.
func (r *MethodRouter) Handle(method string, h Handler) *MethodRouter {
	r.methods[method] = h
	return r
}

func (r *MethodRouter) ServeRPC(ctx context.Context, raw json.RawMessage) (any, error) {
	var req Request
	if err := DecodeStrict(raw, &req); err != nil {
		return nil, Errorf(http.StatusBadRequest, "malformed request: %v", err)
	}

	h, ok := r.methods[req.Method]
	if !ok {
		return nil, Errorf(http.StatusNotFound, "unknown method %q", req.Method)
	}
	return h.ServeRPC(ctx, req.Params)
}
