package authentication_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"testing"

	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
	"github.com/ruteri/tee-attested-services/services/authentication"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func newHandler(t *testing.T, users ...authentication.Credential) rpc.Handler {
	t.Helper()
	svc := authentication.New(authentication.Options{Users: users, Cost: bcrypt.MinCost})
	h, err := svc.NewHandler(discard, nil)
	require.NoError(t, err)
	return h
}

func call(t *testing.T, h rpc.Handler, method string, c authentication.Credential) (any, error) {
	t.Helper()
	params, err := json.Marshal(c)
	require.NoError(t, err)
	raw, err := json.Marshal(rpc.Request{Method: method, Params: params})
	require.NoError(t, err)
	return h.ServeRPC(context.Background(), raw)
}

func TestAuthenticate(t *testing.T) {
	alice := authentication.Credential{ID: "alice", Token: "alice-token"}
	h := newHandler(t, alice)

	tests := []struct {
		name string
		cred authentication.Credential
		want bool
	}{
		{"seeded user", alice, true},
		{"wrong token", authentication.Credential{ID: "alice", Token: "guess"}, false},
		{"unknown user", authentication.Credential{ID: "bob", Token: "alice-token"}, false},
		{"empty", authentication.Credential{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := call(t, h, authentication.MethodAuthenticate, tt.cred)
			require.NoError(t, err)
			assert.Equal(t, authentication.AuthenticateResponse{Authenticated: tt.want}, resp)
		})
	}
}

func TestRegister(t *testing.T) {
	h := newHandler(t)
	bob := authentication.Credential{ID: "bob", Token: "bob-token"}

	resp, err := call(t, h, authentication.MethodAuthenticate, bob)
	require.NoError(t, err)
	assert.Equal(t, authentication.AuthenticateResponse{Authenticated: false}, resp)

	resp, err = call(t, h, authentication.MethodRegister, bob)
	require.NoError(t, err)
	assert.Equal(t, authentication.RegisterResponse{Registered: true}, resp)

	resp, err = call(t, h, authentication.MethodAuthenticate, bob)
	require.NoError(t, err)
	assert.Equal(t, authentication.AuthenticateResponse{Authenticated: true}, resp)

	var rpcErr *rpc.Error
	_, err = call(t, h, authentication.MethodRegister, authentication.Credential{ID: "bob", Token: "other"})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusConflict, rpcErr.Code)

	_, err = call(t, h, authentication.MethodRegister, authentication.Credential{ID: "carol"})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusBadRequest, rpcErr.Code)

	_, err = call(t, h, authentication.MethodRegister, authentication.Credential{ID: "dave", Token: strings.Repeat("x", 100)})
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, http.StatusBadRequest, rpcErr.Code)
}

func TestRunsDoNotShareUsers(t *testing.T) {
	svc := authentication.New(authentication.Options{Cost: bcrypt.MinCost})
	first, err := svc.NewHandler(discard, nil)
	require.NoError(t, err)
	second, err := svc.NewHandler(discard, nil)
	require.NoError(t, err)

	erin := authentication.Credential{ID: "erin", Token: "erin-token"}
	_, err = call(t, first, authentication.MethodRegister, erin)
	require.NoError(t, err)

	resp, err := call(t, second, authentication.MethodAuthenticate, erin)
	require.NoError(t, err)
	assert.Equal(t, authentication.AuthenticateResponse{Authenticated: false}, resp)
}

func TestDuplicateSeedUsers(t *testing.T) {
	svc := authentication.New(authentication.Options{
		Users: []authentication.Credential{{ID: "a", Token: "1"}, {ID: "a", Token: "2"}},
		Cost:  bcrypt.MinCost,
	})
	_, err := svc.NewHandler(discard, nil)
	require.ErrorIs(t, err, authentication.ErrUserExists)
}

func TestListenAddress(t *testing.T) {
	svc := authentication.New(authentication.Options{})
	assert.Equal(t, authentication.Name, svc.Name())
	assert.Nil(t, svc.Dependency())

	addr, err := svc.ListenAddress(&interfaces.ServiceConfig{
		InternalEndpoints: map[string]interfaces.Endpoint{
			authentication.Endpoint: {ListenAddress: "0.0.0.0:7776"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:7776", addr)

	_, err = svc.ListenAddress(&interfaces.ServiceConfig{})
	require.ErrorIs(t, err, interfaces.ErrEndpointNotConfigured)
}
