package enclave_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ruteri/tee-attested-services/attestation"
	"github.com/ruteri/tee-attested-services/attestation/attestationtest"
	"github.com/ruteri/tee-attested-services/audit"
	"github.com/ruteri/tee-attested-services/enclave"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

type echoRequest struct {
	Message string `json:"message"`
}

type echoResponse struct {
	Echo string `json:"echo"`
}

// echoService listens on internal_endpoints.echo and optionally depends on another service.
type echoService struct {
	name string
	dep  *enclave.Dependency
}

func (s *echoService) Name() string { return s.name }

func (s *echoService) ListenAddress(cfg *interfaces.ServiceConfig) (string, error) {
	return cfg.InternalListenAddress("echo")
}

func (s *echoService) Dependency() *enclave.Dependency { return s.dep }

func (s *echoService) NewHandler(_ *slog.Logger, _ map[string]*rpc.Endpoint) (rpc.Handler, error) {
	return rpc.TypedHandler(func(ctx context.Context, req echoRequest) (echoResponse, error) {
		return echoResponse{Echo: req.Message}, nil
	}), nil
}

type fixture struct {
	authority *attestationtest.Authority
	quotes    *attestationtest.QuoteProvider
}

func newFixture(t *testing.T) *fixture {
	return &fixture{
		authority: attestationtest.NewAuthority(t),
		quotes:    attestationtest.NewQuoteProvider("echo"),
	}
}

func (f *fixture) newEnclave(svc enclave.Service) *enclave.Enclave {
	return enclave.New(svc, enclave.Options{
		Log:            discard,
		RootCA:         f.authority.RootCA,
		QuoteProviders: f.quotes.Factory(),
	})
}

func (f *fixture) serviceConfig(listenAddr string) interfaces.ServiceConfig {
	return interfaces.ServiceConfig{
		InternalEndpoints: map[string]interfaces.Endpoint{
			"echo": {ListenAddress: listenAddr},
		},
		Attestation: f.authority.Config(),
	}
}

func (f *fixture) client(t *testing.T, addr string, accepted ...interfaces.EnclaveAttribute) *rpc.Client[echoRequest, echoResponse] {
	t.Helper()

	policy, err := attestation.NewTrustPolicy(accepted, f.authority.RootCA, nil)
	require.NoError(t, err)
	tlsCfg, err := rpc.NewClientTLSConfig(nil, policy)
	require.NoError(t, err)

	ep := rpc.NewEndpoint(addr, tlsCfg, 5*time.Second)
	t.Cleanup(ep.Close)
	return rpc.NewClient[echoRequest, echoResponse](ep)
}

func dispatch(e *enclave.Enclave, cmd enclave.Command, in any) error {
	var raw []byte
	if in != nil {
		var err error
		if raw, err = json.Marshal(in); err != nil {
			return err
		}
	}
	_, err := e.Dispatch(context.Background(), uint32(cmd), raw)
	return err
}

// startInBackground issues StartService from its own goroutine, the way a
// host parks a thread in it.
func startInBackground(ctx context.Context, e *enclave.Enclave, cfg interfaces.ServiceConfig) <-chan error {
	raw, err := json.Marshal(enclave.StartServiceInput{Config: cfg})
	done := make(chan error, 1)
	if err != nil {
		done <- err
		return done
	}
	go func() {
		_, err := e.Dispatch(ctx, uint32(enclave.StartService), raw)
		done <- err
	}()
	return done
}

func waitServing(t *testing.T, e *enclave.Enclave) net.Addr {
	t.Helper()
	require.Eventually(t, func() bool { return e.ListenAddr() != nil }, 10*time.Second, 10*time.Millisecond)
	return e.ListenAddr()
}

func waitResult(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("StartService did not return")
		return nil
	}
}

func TestUnknownCommandIsNoop(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})

	for _, id := range []uint32{0, 4, 42, ^uint32(0)} {
		out, err := e.Dispatch(context.Background(), id, []byte(`{}`))
		require.ErrorIs(t, err, interfaces.ErrUnknownCommand)
		assert.Nil(t, out)
		assert.Equal(t, enclave.Uninitialized, e.State())
	}

	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))
	_, err := e.Dispatch(context.Background(), 7, nil)
	require.ErrorIs(t, err, interfaces.ErrUnknownCommand)
	assert.Equal(t, enclave.Ready, e.State())
	assert.Zero(t, f.quotes.Calls())
}

func TestMalformedRequest(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})

	for _, raw := range []string{`{"unexpected":1}`, `[`, `{}{}`} {
		_, err := e.Dispatch(context.Background(), uint32(enclave.InitEnclave), []byte(raw))
		require.ErrorIs(t, err, interfaces.ErrMalformedRequest, raw)
		assert.Equal(t, enclave.Uninitialized, e.State())
	}

	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))
	_, err := e.Dispatch(context.Background(), uint32(enclave.StartService), []byte(`{"config":{"attestation":{"algorithm":1}}}`))
	require.ErrorIs(t, err, interfaces.ErrMalformedRequest)
	assert.Equal(t, enclave.Ready, e.State())
	assert.Zero(t, f.quotes.Calls())
}

func TestStartServiceBeforeInit(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})

	err := dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: f.serviceConfig("127.0.0.1:0")})
	require.ErrorIs(t, err, interfaces.ErrIllegalTransition)
	assert.Equal(t, enclave.Uninitialized, e.State())
	assert.Zero(t, f.quotes.Calls())
}

func TestInitEnclaveIsNotIdempotent(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})

	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))
	instance := e.Instance()
	assert.NotZero(t, instance)

	require.ErrorIs(t, dispatch(e, enclave.InitEnclave, nil), interfaces.ErrIllegalTransition)
	assert.Equal(t, enclave.Ready, e.State())
	assert.Equal(t, instance, e.Instance())
}

func TestInitEnclaveRejectsInvalidRoot(t *testing.T) {
	e := enclave.New(&echoService{name: "echo_service"}, enclave.Options{
		Log:    discard,
		RootCA: []byte("not a certificate"),
	})

	require.ErrorIs(t, dispatch(e, enclave.InitEnclave, nil), interfaces.ErrChannelConfig)
	assert.Equal(t, enclave.Uninitialized, e.State())
}

func TestAttestationFailureRestoresReady(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})
	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

	f.quotes.Fail(errors.New("quoting enclave unavailable"))
	err := dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: f.serviceConfig("127.0.0.1:0")})
	require.ErrorIs(t, err, interfaces.ErrAttestationFailure)
	assert.Equal(t, enclave.Ready, e.State())

	bad := f.serviceConfig("127.0.0.1:0")
	bad.Attestation.APIKey = "wrong"
	f.quotes.Fail(nil)
	err = dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: bad})
	require.ErrorIs(t, err, interfaces.ErrAttestationFailure)
	assert.Equal(t, enclave.Ready, e.State())

	done := startInBackground(context.Background(), e, f.serviceConfig("127.0.0.1:0"))
	addr := waitServing(t, e)
	assert.Equal(t, enclave.Running, e.State())

	resp, err := f.client(t, addr.String(), f.quotes.Attribute()).Call(context.Background(), echoRequest{Message: "retry"})
	require.NoError(t, err)
	assert.Equal(t, "retry", resp.Echo)

	require.NoError(t, dispatch(e, enclave.FinalizeEnclave, nil))
	require.NoError(t, waitResult(t, done))
}

func TestConfigErrorsRestoreReady(t *testing.T) {
	f := newFixture(t)

	t.Run("missing listen address", func(t *testing.T) {
		e := f.newEnclave(&echoService{name: "echo_service"})
		require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

		cfg := f.serviceConfig("")
		err := dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: cfg})
		require.ErrorIs(t, err, interfaces.ErrChannelConfig)
		assert.Equal(t, enclave.Ready, e.State())
	})

	t.Run("bind failure", func(t *testing.T) {
		e := f.newEnclave(&echoService{name: "echo_service"})
		require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

		taken, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer taken.Close()

		err = dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: f.serviceConfig(taken.Addr().String())})
		require.ErrorIs(t, err, interfaces.ErrServiceFailed)
		assert.Equal(t, enclave.Ready, e.State())
	})

	t.Run("dependency missing from enclave info", func(t *testing.T) {
		e := f.newEnclave(&echoService{
			name: "caller_service",
			dep:  &enclave.Dependency{Endpoint: "upstream", EnclaveName: "upstream_service"},
		})
		require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

		info, err := audit.EncodeEnclaveInfo(map[string][]interfaces.EnclaveAttribute{
			"other_service": {f.quotes.Attribute()},
		})
		require.NoError(t, err)

		cfg := f.serviceConfig("127.0.0.1:0")
		cfg.InternalEndpoints["upstream"] = interfaces.Endpoint{AdvertisedAddress: "127.0.0.1:1"}
		cfg.Audit = interfaces.AuditConfig{EnclaveInfo: info}

		err = dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: cfg})
		require.ErrorIs(t, err, interfaces.ErrChannelConfig)
		assert.Equal(t, enclave.Ready, e.State())
	})
}

func TestRacingStartServiceOneWins(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})
	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

	const callers = 4
	results := make(chan error, callers)
	for range callers {
		done := startInBackground(context.Background(), e, f.serviceConfig("127.0.0.1:0"))
		go func() { results <- <-done }()
	}

	for range callers - 1 {
		require.ErrorIs(t, waitResult(t, results), interfaces.ErrIllegalTransition)
	}

	waitServing(t, e)
	assert.Equal(t, enclave.Running, e.State())
	assert.Equal(t, 1, f.quotes.Calls())

	require.NoError(t, dispatch(e, enclave.FinalizeEnclave, nil))
	require.NoError(t, waitResult(t, results))
}

func TestFinalize(t *testing.T) {
	f := newFixture(t)

	t.Run("from ready", func(t *testing.T) {
		e := f.newEnclave(&echoService{name: "echo_service"})
		require.ErrorIs(t, dispatch(e, enclave.FinalizeEnclave, nil), interfaces.ErrIllegalTransition)

		require.NoError(t, dispatch(e, enclave.InitEnclave, nil))
		require.NoError(t, dispatch(e, enclave.FinalizeEnclave, nil))
		assert.Equal(t, enclave.Finalized, e.State())

		for _, cmd := range []enclave.Command{enclave.InitEnclave, enclave.StartService, enclave.FinalizeEnclave} {
			require.ErrorIs(t, dispatch(e, cmd, nil), interfaces.ErrIllegalTransition, cmd.String())
		}
	})

	t.Run("from failed", func(t *testing.T) {
		e := f.newEnclave(&echoService{name: "echo_service"})
		require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

		ctx, cancel := context.WithCancel(context.Background())
		done := startInBackground(ctx, e, f.serviceConfig("127.0.0.1:0"))
		waitServing(t, e)

		// The service stopping for any reason other than FinalizeEnclave is fatal.
		cancel()
		require.ErrorIs(t, waitResult(t, done), interfaces.ErrServiceFailed)
		assert.Equal(t, enclave.Failed, e.State())

		require.ErrorIs(t, dispatch(e, enclave.StartService, enclave.StartServiceInput{Config: f.serviceConfig("127.0.0.1:0")}), interfaces.ErrIllegalTransition)
		require.NoError(t, dispatch(e, enclave.FinalizeEnclave, nil))
		assert.Equal(t, enclave.Finalized, e.State())
	})
}

func TestFinalizeDuringAttestation(t *testing.T) {
	f := newFixture(t)

	reached := make(chan struct{}, 1)
	stalled := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case reached <- struct{}{}:
		default:
		}
		<-r.Context().Done()
	}))
	defer stalled.Close()

	e := f.newEnclave(&echoService{name: "echo_service"})
	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

	cfg := f.serviceConfig("127.0.0.1:0")
	cfg.Attestation.URL = stalled.URL
	done := startInBackground(context.Background(), e, cfg)

	select {
	case <-reached:
	case <-time.After(10 * time.Second):
		t.Fatal("endorsement request never sent")
	}

	require.NoError(t, dispatch(e, enclave.FinalizeEnclave, nil))
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, enclave.Finalized, e.State())
	assert.Nil(t, e.ListenAddr())
}

func TestFinalizeDrainTimeout(t *testing.T) {
	f := newFixture(t)
	e := enclave.New(&echoService{name: "echo_service"}, enclave.Options{
		Log:            discard,
		RootCA:         f.authority.RootCA,
		QuoteProviders: f.quotes.Factory(),
		Server:         enclave.ServerOptions{DrainDuration: 2 * time.Second, GracefulShutdownDuration: time.Second},
	})
	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))

	done := startInBackground(context.Background(), e, f.serviceConfig("127.0.0.1:0"))
	waitServing(t, e)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := e.Dispatch(ctx, uint32(enclave.FinalizeEnclave), nil)
	require.ErrorIs(t, err, interfaces.ErrServiceFailed)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The state is committed; only the drain is still running.
	assert.Equal(t, enclave.Finalized, e.State())
	require.ErrorIs(t, dispatch(e, enclave.FinalizeEnclave, nil), interfaces.ErrIllegalTransition)

	require.NoError(t, waitResult(t, done))
}

func TestIndependentInstances(t *testing.T) {
	f := newFixture(t)
	a := f.newEnclave(&echoService{name: "echo_service"})
	b := f.newEnclave(&echoService{name: "echo_service"})

	require.NoError(t, dispatch(a, enclave.InitEnclave, nil))
	assert.Equal(t, enclave.Ready, a.State())
	assert.Equal(t, enclave.Uninitialized, b.State())

	require.NoError(t, dispatch(b, enclave.InitEnclave, nil))
	assert.NotEqual(t, a.Instance(), b.Instance())

	require.NoError(t, dispatch(a, enclave.FinalizeEnclave, nil))
	assert.Equal(t, enclave.Ready, b.State())
}

func TestEndToEnd(t *testing.T) {
	f := newFixture(t)
	e := f.newEnclave(&echoService{name: "echo_service"})

	require.NoError(t, dispatch(e, enclave.InitEnclave, nil))
	assert.Equal(t, enclave.Ready, e.State())

	done := startInBackground(context.Background(), e, f.serviceConfig("127.0.0.1:7779"))
	addr := waitServing(t, e)
	assert.Equal(t, "127.0.0.1:7779", addr.String())
	assert.Equal(t, enclave.Running, e.State())

	resp, err := f.client(t, addr.String(), f.quotes.Attribute()).Call(context.Background(), echoRequest{Message: "R"})
	require.NoError(t, err)
	assert.Equal(t, echoResponse{Echo: "R"}, resp)

	other := attestationtest.NewQuoteProvider("someone else").Attribute()
	_, err = f.client(t, addr.String(), other).Call(context.Background(), echoRequest{Message: "R"})
	require.ErrorIs(t, err, attestation.ErrUntrustedPeer)

	_, err = f.client(t, addr.String()).Call(context.Background(), echoRequest{Message: "R"})
	require.ErrorIs(t, err, attestation.ErrUntrustedPeer)

	require.NoError(t, dispatch(e, enclave.FinalizeEnclave, nil))
	require.NoError(t, waitResult(t, done))
	assert.Equal(t, enclave.Finalized, e.State())
	assert.Nil(t, e.ListenAddr())

	_, err = f.client(t, addr.String(), f.quotes.Attribute()).Call(context.Background(), echoRequest{Message: "R"})
	require.ErrorIs(t, err, interfaces.ErrConnection)

	for _, cmd := range []enclave.Command{enclave.InitEnclave, enclave.StartService, enclave.FinalizeEnclave} {
		require.ErrorIs(t, dispatch(e, cmd, nil), interfaces.ErrIllegalTransition, cmd.String())
	}
}
