// Package frontend is the user-facing service. Every request carries a user
// credential, which is checked with the authentication service over an
// attested channel before the request reaches the business handler.
package frontend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ruteri/tee-attested-services/enclave"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
	"github.com/ruteri/tee-attested-services/services"
	"github.com/ruteri/tee-attested-services/services/authentication"
)

const (
	Name     = "frontend_service"
	Endpoint = "frontend"
)

// Request is what users send to the frontend.
type Request struct {
	Credential authentication.Credential `json:"credential"`
	Method     string                    `json:"method"`
	Params     json.RawMessage           `json:"params,omitempty"`
}

type Service struct{}

func New() *Service {
	return &Service{}
}

func (s *Service) Name() string { return Name }

func (s *Service) ListenAddress(cfg *interfaces.ServiceConfig) (string, error) {
	return cfg.APIListenAddress(Endpoint)
}

func (s *Service) Dependency() *enclave.Dependency {
	return &enclave.Dependency{
		Endpoint:    authentication.Endpoint,
		EnclaveName: authentication.Name,
	}
}

func (s *Service) NewHandler(log *slog.Logger, deps map[string]*rpc.Endpoint) (rpc.Handler, error) {
	ep, ok := deps[authentication.Endpoint]
	if !ok {
		return nil, fmt.Errorf("no %s endpoint", authentication.Endpoint)
	}

	return &handler{
		log:      log,
		auth:     rpc.NewClient[rpc.Request, authentication.AuthenticateResponse](ep),
		business: services.Echo(log),
	}, nil
}

type handler struct {
	log      *slog.Logger
	auth     *rpc.Client[rpc.Request, authentication.AuthenticateResponse]
	business rpc.Handler
}

func (h *handler) ServeRPC(ctx context.Context, raw json.RawMessage) (any, error) {
	var req Request
	if err := rpc.DecodeStrict(raw, &req); err != nil {
		return nil, rpc.Errorf(http.StatusBadRequest, "malformed request: %v", err)
	}

	if err := h.checkCredential(ctx, req.Credential); err != nil {
		return nil, err
	}

	inner, err := json.Marshal(rpc.Request{Method: req.Method, Params: req.Params})
	if err != nil {
		return nil, err
	}
	return h.business.ServeRPC(ctx, inner)
}

func (h *handler) checkCredential(ctx context.Context, c authentication.Credential) error {
	if c.ID == "" || c.Token == "" {
		return rpc.Errorf(http.StatusUnauthorized, "missing credential")
	}

	authReq, err := authentication.AuthenticateRequest(c)
	if err != nil {
		return err
	}

	resp, err := h.auth.Call(ctx, authReq)
	if err != nil {
		var rpcErr *rpc.Error
		if errors.As(err, &rpcErr) && rpcErr.Code == http.StatusBadRequest {
			return rpc.Errorf(http.StatusUnauthorized, "invalid credential")
		}
		h.log.Error("Authentication service call failed", "err", err)
		return rpc.Errorf(http.StatusBadGateway, "authentication service unavailable")
	}
	if !resp.Authenticated {
		return rpc.Errorf(http.StatusUnauthorized, "invalid credential")
	}
	return nil
}

var _ enclave.Service = (*Service)(nil)
