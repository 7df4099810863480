// Package management is the internal management service. It has no dependencies.
package management

import (
	"log/slog"

	"github.com/ruteri/tee-attested-services/enclave"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
	"github.com/ruteri/tee-attested-services/services"
)

const (
	Name     = "management_service"
	Endpoint = "management"
)

type Service struct{}

func New() *Service {
	return &Service{}
}

func (s *Service) Name() string { return Name }

func (s *Service) ListenAddress(cfg *interfaces.ServiceConfig) (string, error) {
	return cfg.InternalListenAddress(Endpoint)
}

func (s *Service) Dependency() *enclave.Dependency { return nil }

func (s *Service) NewHandler(log *slog.Logger, _ map[string]*rpc.Endpoint) (rpc.Handler, error) {
	return services.Echo(log), nil
}

var _ enclave.Service = (*Service)(nil)
