package interfaces

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ContentID is the SHA-256 of a stored audit artifact.
type ContentID [32]byte

// NewContentIDFromHex parses a 64 character hex id, with or without 0x.
func NewContentIDFromHex(source string) (ContentID, error) {
	clean := strings.TrimPrefix(source, "0x")
	if len(clean) != 64 {
		return ContentID{}, fmt.Errorf("invalid content id %q: expected 64 hex characters", source)
	}

	raw, err := hex.DecodeString(clean)
	if err != nil {
		return ContentID{}, fmt.Errorf("invalid content id %q: %w", source, err)
	}
	return ContentID(raw), nil
}

func ComputeID(data []byte) ContentID {
	return sha256.Sum256(data)
}

func (id ContentID) String() string {
	return hex.EncodeToString(id[:])
}

// ContentType is the namespace an artifact is stored under. Its String form
// is the directory or key prefix used by the backends.
type ContentType int

const (
	EnclaveInfoType ContentType = iota
	AuditorSignatureType
)

func (ct ContentType) String() string {
	switch ct {
	case EnclaveInfoType:
		return "enclave_info"
	case AuditorSignatureType:
		return "auditor_signature"
	default:
		return "unknown"
	}
}

// StorageBackendLocation is a parsed storage URI:
//
//	file:///var/lib/audit
//	s3://[key:secret@]bucket/prefix?region=eu-west-1&endpoint=http://minio:9000
//	ipfs://host:5001/?timeout=30s
//	github://owner/repo
//	vault://vault.internal:8200/secret/audit
type StorageBackendLocation struct {
	Raw    string
	Scheme string
	Host   string
	Path   string
	Query  url.Values
	// Auth is the userinfo part, "user:password".
	Auth string
}

var supportedSchemes = []string{"file", "s3", "ipfs", "github", "vault"}

func NewStorageBackendLocation(uri string) (StorageBackendLocation, error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return StorageBackendLocation{}, fmt.Errorf("%w: %w", ErrInvalidLocationURI, err)
	}

	supported := false
	for _, s := range supportedSchemes {
		supported = supported || parsed.Scheme == s
	}
	if !supported {
		return StorageBackendLocation{}, fmt.Errorf("%w: unsupported storage scheme %q", ErrInvalidLocationURI, parsed.Scheme)
	}

	loc := StorageBackendLocation{
		Raw:    uri,
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   parsed.Path,
		Query:  parsed.Query(),
	}
	if parsed.User != nil {
		loc.Auth = parsed.User.String()
	}
	return loc, nil
}

func (loc StorageBackendLocation) String() string {
	return loc.Raw
}

func (loc StorageBackendLocation) GetParam(name string) string {
	return loc.Query.Get(name)
}

var (
	ErrContentNotFound = errors.New("content not found")
	// ErrBackendUnavailable is returned when no backend could be reached.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
	ErrInvalidLocationURI = errors.New("invalid storage location URI")
)

// StorageBackend stores audit artifacts by content id.
type StorageBackend interface {
	Fetch(ctx context.Context, id ContentID, contentType ContentType) ([]byte, error)
	// Store saves data and returns ComputeID(data).
	Store(ctx context.Context, data []byte, contentType ContentType) (ContentID, error)
	Available(ctx context.Context) bool
	Name() string
	LocationURI() string
}

type StorageBackendFactory interface {
	StorageBackendFor(location StorageBackendLocation) (StorageBackend, error)
	// CreateMultiBackend skips locations it cannot open. It fails only when none can be opened.
	CreateMultiBackend(locations []StorageBackendLocation) (StorageBackend, error)
	// WithTLSAuth sets the client certificate presented to backends that require one (vault).
	WithTLSAuth(func() (tls.Certificate, error)) StorageBackendFactory
}
