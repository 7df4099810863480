package enclave

import (
	"log/slog"

	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
)

// Dependency is another attested service a service calls.
type Dependency struct {
	// Endpoint is the key under internal_endpoints holding its advertised address.
	Endpoint string
	// EnclaveName is the entry of the audited enclave info listing its accepted builds.
	EnclaveName string
}

// Service is what an enclave runs between StartService and FinalizeEnclave.
type Service interface {
	// Name is the enclave name, used as the certificate common name and in
	// enclave info.
	Name() string
	ListenAddress(cfg *interfaces.ServiceConfig) (string, error)
	// Dependency returns nil for services that call no other service.
	Dependency() *Dependency
	// NewHandler builds the request handler for one service run. deps holds an
	// attested endpoint for the dependency, keyed by Dependency.Endpoint.
	NewHandler(log *slog.Logger, deps map[string]*rpc.Endpoint) (rpc.Handler, error)
}
