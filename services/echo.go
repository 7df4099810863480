// Package services holds what the service enclaves share. Each service lives
// in its own subpackage and implements enclave.Service.
package services

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/ruteri/tee-attested-services/rpc"
)

// EchoResponse is the answer of the default business handler.
type EchoResponse struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Echo stands in for business logic: it answers every method with the method
// name and params it was called with.
func Echo(log *slog.Logger) rpc.Handler {
	return rpc.TypedHandler(func(ctx context.Context, req rpc.Request) (EchoResponse, error) {
		log.Debug("echo", slog.String("method", req.Method), slog.Int("paramsSize", len(req.Params)))
		return EchoResponse{Method: req.Method, Params: req.Params}, nil
	})
}
