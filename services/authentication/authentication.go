// Package authentication is the credential-checking service. The frontend
// service checks every user request against it.
package authentication

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/ruteri/tee-attested-services/enclave"
	"github.com/ruteri/tee-attested-services/interfaces"
	"github.com/ruteri/tee-attested-services/rpc"
	"golang.org/x/crypto/bcrypt"
)

const (
	Name     = "authentication_service"
	Endpoint = "authentication"

	MethodRegister     = "user_register"
	MethodAuthenticate = "user_authenticate"
)

var ErrUserExists = errors.New("user already registered")

// Credential is a user id and its token.
type Credential struct {
	ID    string `json:"id"`
	Token string `json:"token"`
}

type RegisterResponse struct {
	Registered bool `json:"registered"`
}

type AuthenticateResponse struct {
	Authenticated bool `json:"authenticated"`
}

type Options struct {
	// Users are registered when the service starts.
	Users []Credential
	// Cost is the bcrypt cost of stored token hashes, bcrypt.DefaultCost when zero.
	Cost int
}

type Service struct {
	opts Options
}

func New(opts Options) *Service {
	if opts.Cost == 0 {
		opts.Cost = bcrypt.DefaultCost
	}
	return &Service{opts: opts}
}

func (s *Service) Name() string { return Name }

func (s *Service) ListenAddress(cfg *interfaces.ServiceConfig) (string, error) {
	return cfg.InternalListenAddress(Endpoint)
}

func (s *Service) Dependency() *enclave.Dependency { return nil }

// NewHandler starts every run with a fresh credential table holding Options.Users.
func (s *Service) NewHandler(log *slog.Logger, _ map[string]*rpc.Endpoint) (rpc.Handler, error) {
	users, err := newUserDB(s.opts.Cost)
	if err != nil {
		return nil, err
	}
	for _, c := range s.opts.Users {
		if err := users.register(c); err != nil {
			return nil, err
		}
	}

	h := &handler{log: log, users: users}
	return rpc.NewMethodRouter().
		Handle(MethodRegister, rpc.TypedHandler(h.register)).
		Handle(MethodAuthenticate, rpc.TypedHandler(h.authenticate)), nil
}

type handler struct {
	log   *slog.Logger
	users *userDB
}

func (h *handler) register(ctx context.Context, c Credential) (RegisterResponse, error) {
	if err := h.users.register(c); err != nil {
		if errors.Is(err, ErrUserExists) {
			return RegisterResponse{}, rpc.Errorf(http.StatusConflict, "%v", err)
		}
		return RegisterResponse{}, rpc.Errorf(http.StatusBadRequest, "%v", err)
	}
	h.log.Info("User registered", slog.String("user", c.ID))
	return RegisterResponse{Registered: true}, nil
}

func (h *handler) authenticate(ctx context.Context, c Credential) (AuthenticateResponse, error) {
	ok := h.users.authenticate(c)
	if !ok {
		h.log.Warn("Authentication failed", slog.String("user", c.ID))
	}
	return AuthenticateResponse{Authenticated: ok}, nil
}

// userDB maps user ids to bcrypt hashes of their tokens.
type userDB struct {
	cost int
	// dummy is compared against for unknown users so both paths cost a bcrypt comparison.
	dummy []byte

	mu     sync.RWMutex
	hashes map[string][]byte
}

func newUserDB(cost int) (*userDB, error) {
	dummy, err := bcrypt.GenerateFromPassword([]byte("unknown user"), cost)
	if err != nil {
		return nil, err
	}
	return &userDB{cost: cost, dummy: dummy, hashes: make(map[string][]byte)}, nil
}

func (db *userDB) register(c Credential) error {
	if c.ID == "" || c.Token == "" {
		return errors.New("id and token are required")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(c.Token), db.cost)
	if err != nil {
		return err
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if _, ok := db.hashes[c.ID]; ok {
		return ErrUserExists
	}
	db.hashes[c.ID] = hash
	return nil
}

func (db *userDB) authenticate(c Credential) bool {
	db.mu.RLock()
	hash, known := db.hashes[c.ID]
	db.mu.RUnlock()

	if !known {
		_ = bcrypt.CompareHashAndPassword(db.dummy, []byte(c.Token))
		return false
	}
	return bcrypt.CompareHashAndPassword(hash, []byte(c.Token)) == nil
}

// AuthenticateRequest builds the request a client sends to check c.
func AuthenticateRequest(c Credential) (rpc.Request, error) {
	params, err := json.Marshal(c)
	if err != nil {
		return rpc.Request{}, err
	}
	return rpc.Request{Method: MethodAuthenticate, Params: params}, nil
}

var _ enclave.Service = (*Service)(nil)
