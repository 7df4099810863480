// Package enclave is the boundary between an untrusted host and a confidential
// service. The host can only reach the service through Dispatch, which accepts
// the three lifecycle commands of the dispatch table and nothing else.
//
// A typical host drives an instance like this:
//
//	e := enclave.New(management.New(), enclave.Options{Log: log})
//	e.Dispatch(ctx, uint32(enclave.InitEnclave), nil)
//	go e.Dispatch(ctx, uint32(enclave.StartService), startInput) // blocks while serving
//	...
//	e.Dispatch(ctx, uint32(enclave.FinalizeEnclave), nil)       // stops and drains the service
package enclave

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/ruteri/tee-attested-services/attestation"
	"github.com/ruteri/tee-attested-services/audit"
	tcommon "github.com/ruteri/tee-attested-services/common"
	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
	"go.uber.org/atomic"
)

// AddressResolver turns an advertised address into a dialable host:port.
// *resolver.Resolver implements it.
type AddressResolver interface {
	Resolve(ctx context.Context, address string) (string, error)
}

type passthroughResolver struct{}

func (passthroughResolver) Resolve(_ context.Context, address string) (string, error) {
	return address, nil
}

type Options struct {
	Log *slog.Logger

	// RootCA is the attestation root every trust policy chains to. Defaults to
	// the certificate compiled into common.ASRootCACert.
	RootCA cryptoutils.CACert
	// QuoteProviders defaults to attestation.DefaultQuoteProviders("").
	QuoteProviders attestation.QuoteProviderFactory
	// HTTPClient talks to the attestation authority.
	HTTPClient   *http.Client
	CertValidity time.Duration

	// QuoteVerifier adds checks on dependencies beyond the audited allow-list.
	QuoteVerifier attestation.QuoteVerifier
	PolicyOptions []attestation.PolicyOption
	// Auditors must all have signed the enclave info. With no auditors the
	// enclave info is trusted as is.
	Auditors []common.Address
	// Resolver defaults to using advertised addresses as they are.
	Resolver          AddressResolver
	DependencyTimeout time.Duration

	Server ServerOptions
}

// ServerOptions tunes the RPC server of each service run.
type ServerOptions struct {
	DrainDuration            time.Duration
	GracefulShutdownDuration time.Duration
	ReadTimeout              time.Duration
	WriteTimeout             time.Duration
	IdleTimeout              time.Duration
}

// Enclave is one instance of a service enclave. Instances are independent.
type Enclave struct {
	service Service
	opts    Options
	baseLog *slog.Logger

	mu    sync.Mutex
	state atomic.Int32
	run   *serviceRun

	// Set by InitEnclave.
	log      atomic.Pointer[slog.Logger]
	instance uuid.UUID
	rootCA   cryptoutils.CACert
	endorser *attestation.Endorser
}

// serviceRun is one StartService call past its lifecycle claim.
type serviceRun struct {
	cancel context.CancelFunc
	done   chan struct{}
	server *rpc.Server
}

func New(service Service, opts Options) *Enclave {
	log := opts.Log
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if opts.Resolver == nil {
		opts.Resolver = passthroughResolver{}
	}

	return &Enclave{
		service: service,
		opts:    opts,
		baseLog: log.With("service", service.Name()),
	}
}

func (e *Enclave) State() State {
	return State(e.state.Load())
}

// Instance is the id assigned by InitEnclave.
func (e *Enclave) Instance() uuid.UUID {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instance
}

// ListenAddr is the bound address of the running service, nil when not serving.
func (e *Enclave) ListenAddr() net.Addr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.run == nil || e.run.server == nil {
		return nil
	}
	return e.run.server.Addr()
}

func (e *Enclave) logger() *slog.Logger {
	if log := e.log.Load(); log != nil {
		return log
	}
	return e.baseLog
}

// initEnclave runs with the lifecycle lock held.
func (e *Enclave) initEnclave(_ context.Context, _ *InitEnclaveInput) (*InitEnclaveOutput, error) {
	rootCA := e.opts.RootCA
	if rootCA == nil {
		var err error
		if rootCA, err = tcommon.RootCA(); err != nil {
			return nil, fmt.Errorf("%w: %w", interfaces.ErrChannelConfig, err)
		}
	}
	if err := rootCA.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid attestation root certificate: %w", interfaces.ErrChannelConfig, err)
	}

	instance := uuid.New()
	log := e.baseLog.With("instance", instance.String())

	quoteProviders := e.opts.QuoteProviders
	if quoteProviders == nil {
		quoteProviders = attestation.DefaultQuoteProviders("")
	}
	endorser, err := attestation.NewEndorser(attestation.EndorserConfig{
		Log:            log,
		RootCA:         rootCA,
		QuoteProviders: quoteProviders,
		HTTPClient:     e.opts.HTTPClient,
		CertValidity:   e.opts.CertValidity,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrAttestationFailure, err)
	}

	e.instance = instance
	e.rootCA = rootCA
	e.endorser = endorser
	e.log.Store(log)

	log.Info("Enclave initialized")
	return &InitEnclaveOutput{}, nil
}

// startService blocks until the service stops. It returns without error only
// when FinalizeEnclave stopped it, including before the service was serving.
func (e *Enclave) startService(ctx context.Context, in *StartServiceInput) (*StartServiceOutput, error) {
	out, err := e.runService(ctx, in)
	if err != nil && e.State() == Finalized {
		e.logger().Info("Service start interrupted by finalize", "err", err)
		return &StartServiceOutput{}, nil
	}
	return out, err
}

func (e *Enclave) runService(ctx context.Context, in *StartServiceInput) (*StartServiceOutput, error) {
	run, runCtx, err := e.beginRun(ctx)
	if err != nil {
		return nil, err
	}
	defer e.endRun(run)

	cfg := &in.Config
	log := e.logger()

	listenAddr, err := e.service.ListenAddress(cfg)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrChannelConfig, err)
	}

	identity, err := e.endorser.GenerateAndEndorse(runCtx, e.service.Name(), cfg.Attestation)
	if err != nil {
		return nil, err
	}
	defer identity.Zero()
	log.Info("Attested identity generated", slog.String("attribute", identity.Attribute.String()))

	serverTLS, err := rpc.NewServerTLSConfig(identity)
	if err != nil {
		return nil, err
	}

	deps, err := e.connectDependency(runCtx, cfg, identity)
	if err != nil {
		return nil, err
	}
	defer func() {
		for _, ep := range deps {
			ep.Close()
		}
	}()

	handler, err := e.service.NewHandler(log, deps)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrChannelConfig, err)
	}

	srv, err := rpc.NewServer(&rpc.ServerConfig{
		ListenAddr:               listenAddr,
		TLSConfig:                serverTLS,
		Log:                      log,
		DrainDuration:            e.opts.Server.DrainDuration,
		GracefulShutdownDuration: e.opts.Server.GracefulShutdownDuration,
		ReadTimeout:              e.opts.Server.ReadTimeout,
		WriteTimeout:             e.opts.Server.WriteTimeout,
		IdleTimeout:              e.opts.Server.IdleTimeout,
	}, handler)
	if err != nil {
		return nil, err
	}
	if err := srv.Listen(); err != nil {
		return nil, err
	}

	if err := e.attachServer(run, srv); err != nil {
		_ = srv.Shutdown(context.Background())
		return nil, err
	}

	if err := e.serve(runCtx, srv); err != nil {
		return nil, err
	}
	return &StartServiceOutput{}, nil
}

// serve supervises the accept loop until it dies or runCtx is cancelled.
func (e *Enclave) serve(runCtx context.Context, srv *rpc.Server) error {
	log := e.logger()

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()

	var err error
	select {
	case err = <-serveErr:
		if err == nil {
			err = fmt.Errorf("%w: accept loop exited", interfaces.ErrServiceFailed)
		}
	case <-runCtx.Done():
		if shutdownErr := srv.Shutdown(context.Background()); shutdownErr != nil {
			log.Warn("Service did not drain cleanly", "err", shutdownErr)
		}
		<-serveErr
		err = fmt.Errorf("%w: %w", interfaces.ErrServiceFailed, context.Cause(runCtx))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.State() == Finalized {
		log.Info("Service stopped")
		return nil
	}
	e.state.CompareAndSwap(int32(Running), int32(Failed))
	log.Error("Service failed", "err", err)
	return err
}

// beginRun registers a run so FinalizeEnclave can stop it. It fails if
// FinalizeEnclave won the race since the lifecycle claim.
func (e *Enclave) beginRun(ctx context.Context) (*serviceRun, context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.State(); s != Running {
		return nil, nil, illegalTransition(StartService, s)
	}

	runCtx, cancel := context.WithCancel(ctx)
	run := &serviceRun{
		cancel: cancel,
		done:   make(chan struct{}),
	}
	e.run = run
	return run, runCtx, nil
}

func (e *Enclave) attachServer(run *serviceRun, srv *rpc.Server) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if s := e.State(); s != Running {
		return illegalTransition(StartService, s)
	}
	run.server = srv
	return nil
}

func (e *Enclave) endRun(run *serviceRun) {
	run.cancel()

	e.mu.Lock()
	if e.run == run {
		e.run = nil
	}
	e.mu.Unlock()

	close(run.done)
}

func (e *Enclave) connectDependency(ctx context.Context, cfg *interfaces.ServiceConfig, identity *interfaces.AttestedIdentity) (map[string]*rpc.Endpoint, error) {
	dep := e.service.Dependency()
	if dep == nil {
		return nil, nil
	}

	accepted, err := audit.Resolve(cfg.Audit, e.opts.Auditors, dep.EnclaveName)
	if err != nil {
		return nil, fmt.Errorf("%w: resolving %s: %w", interfaces.ErrChannelConfig, dep.EnclaveName, err)
	}

	policy, err := attestation.NewTrustPolicy(accepted, e.rootCA, e.opts.QuoteVerifier, e.opts.PolicyOptions...)
	if err != nil {
		return nil, err
	}

	clientTLS, err := rpc.NewClientTLSConfig(identity, policy)
	if err != nil {
		return nil, err
	}

	advertised, err := cfg.AdvertisedAddress(dep.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrChannelConfig, err)
	}
	address, err := e.opts.Resolver.Resolve(ctx, advertised)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrConnection, err)
	}

	e.logger().Info("Dependency configured",
		slog.String("dependency", dep.Endpoint),
		slog.String("address", address),
		slog.Int("acceptedBuilds", len(accepted)))

	return map[string]*rpc.Endpoint{
		dep.Endpoint: rpc.NewEndpoint(address, clientTLS, e.opts.DependencyTimeout),
	}, nil
}

// finalizeEnclave stops a running service and waits for it to drain. The
// enclave is Finalized even when ctx expires first; the error then only
// reports that the drain is still in progress.
func (e *Enclave) finalizeEnclave(ctx context.Context, _ *FinalizeEnclaveInput) (*FinalizeEnclaveOutput, error) {
	e.mu.Lock()
	run := e.run
	e.mu.Unlock()

	if run != nil {
		run.cancel()
		select {
		case <-run.done:
		case <-ctx.Done():
			e.logger().Warn("Enclave finalized before the service drained", "err", ctx.Err())
			return nil, fmt.Errorf("%w: waiting for the service to stop: %w", interfaces.ErrServiceFailed, ctx.Err())
		}
	}

	e.logger().Info("Enclave finalized")
	return &FinalizeEnclaveOutput{}, nil
}
