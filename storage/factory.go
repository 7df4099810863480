package storage

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ruteri/tee-attested-services/cryptoutils"
	"github.com/ruteri/tee-attested-services/interfaces"
)

// StorageBackendFactory creates audit artifact backends from location URIs.
type StorageBackendFactory struct {
	log           *slog.Logger
	clientCertFor func() (tls.Certificate, error)
}

// NewStorageBackendFactory creates a factory. Vault backends authenticate with
// a throwaway self-signed client certificate unless WithTLSAuth overrides it.
func NewStorageBackendFactory(logger *slog.Logger) *StorageBackendFactory {
	return &StorageBackendFactory{
		log:           logger,
		clientCertFor: cryptoutils.RandomCert,
	}
}

// WithTLSAuth returns a copy of the factory that presents the given client
// certificate to backends requiring TLS authentication.
func (sf *StorageBackendFactory) WithTLSAuth(certFn func() (tls.Certificate, error)) interfaces.StorageBackendFactory {
	return &StorageBackendFactory{
		log:           sf.log,
		clientCertFor: certFn,
	}
}

// StorageBackendFor creates a storage backend from a location URI.
//
// Supported schemes:
//   - file:///var/lib/audit
//   - s3://[ACCESS_KEY:SECRET_KEY@]bucket/prefix?region=us-west-2&endpoint=...
//   - ipfs://host:5001/?timeout=30s
//   - github://owner/repo (read-only)
//   - vault://vault.example.com:8200/mount/path
func (sf *StorageBackendFactory) StorageBackendFor(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	switch location.Scheme {
	case "file":
		return sf.createFileBackend(location)
	case "s3":
		return sf.createS3Backend(location)
	case "ipfs":
		return sf.createIPFSBackend(location)
	case "github":
		return sf.createGitHubBackend(location)
	case "vault":
		return sf.createVaultBackend(location)
	default:
		return nil, fmt.Errorf("%w: unsupported backend scheme %q", interfaces.ErrInvalidLocationURI, location.Scheme)
	}
}

// CreateMultiBackend aggregates every location that yields a backend. Stores go
// to all of them, fetches return from the first that has the content.
func (sf *StorageBackendFactory) CreateMultiBackend(locations []interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	backends := make([]interfaces.StorageBackend, 0, len(locations))
	for _, location := range locations {
		backend, err := sf.StorageBackendFor(location)
		if err != nil {
			sf.log.Warn("Failed to create storage backend",
				"err", err,
				slog.String("locationURI", location.String()))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid storage backends created")
	}
	if len(backends) == 1 {
		return backends[0], nil
	}
	return NewMultiStorageBackend(backends, sf.log), nil
}

func (sf *StorageBackendFactory) createFileBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating file backend", slog.String("uri", location.String()))

	path := location.Path
	if location.Host != "" {
		// file://./relative/path
		path = location.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in %s", interfaces.ErrInvalidLocationURI, location.String())
	}
	return NewFileBackend(path, sf.log)
}

func (sf *StorageBackendFactory) createS3Backend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating S3 backend", slog.String("uri", location.String()))

	if location.Host == "" {
		return nil, fmt.Errorf("%w: missing bucket in %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	region := location.GetParam("region")
	if region == "" {
		region = "us-east-1"
	}

	var accessKey, secretKey string
	if location.Auth != "" {
		accessKey, secretKey, _ = strings.Cut(location.Auth, ":")
	} else {
		sf.log.Debug("No credentials provided, S3 bucket assumed to be public")
	}

	return NewS3Backend(location.Host, strings.TrimPrefix(location.Path, "/"), region, location.GetParam("endpoint"), accessKey, secretKey, sf.log)
}

func (sf *StorageBackendFactory) createIPFSBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating IPFS backend", slog.String("uri", location.String()))

	host, port, found := strings.Cut(location.Host, ":")
	if host == "" {
		return nil, fmt.Errorf("%w: missing host in %s", interfaces.ErrInvalidLocationURI, location.String())
	}
	if !found || port == "" {
		port = "5001"
	}

	timeout := location.GetParam("timeout")
	if timeout == "" {
		timeout = "30s"
	}

	return NewIPFSBackend(host, port, timeout, sf.log)
}

func (sf *StorageBackendFactory) createGitHubBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating GitHub backend", slog.String("uri", location.String()))

	repo := strings.Trim(location.Path, "/")
	if location.Host == "" || repo == "" || strings.Contains(repo, "/") {
		return nil, fmt.Errorf("%w: expected github://owner/repo, got %s", interfaces.ErrInvalidLocationURI, location.String())
	}
	return NewGitHubBackend(location.Host, repo, sf.log), nil
}

func (sf *StorageBackendFactory) createVaultBackend(location interfaces.StorageBackendLocation) (interfaces.StorageBackend, error) {
	sf.log.Debug("Creating Vault backend", slog.String("uri", location.String()))

	mountPath, dataPath, _ := strings.Cut(strings.TrimPrefix(location.Path, "/"), "/")
	if location.Host == "" || mountPath == "" {
		return nil, fmt.Errorf("%w: expected vault://host:port/mount/path, got %s", interfaces.ErrInvalidLocationURI, location.String())
	}

	clientCert, err := sf.clientCertFor()
	if err != nil {
		return nil, fmt.Errorf("obtaining vault client certificate: %w", err)
	}

	return NewVaultBackend("https://"+location.Host, mountPath, dataPath, clientCert, sf.log)
}
