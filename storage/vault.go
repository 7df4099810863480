package storage

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/ruteri/tee-attested-services/interfaces"
)

// VaultBackend stores audit artifacts in a KV v2 mount, authenticating with a
// TLS client certificate.
type VaultBackend struct {
	client    *api.Client
	address   string
	mountPath string
	dataPath  string
	log       *slog.Logger
}

func NewVaultBackend(address, mountPath, dataPath string, clientCert tls.Certificate, log *slog.Logger) (*VaultBackend, error) {
	config := api.DefaultConfig()
	config.Address = address
	config.HttpClient = &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				Certificates: []tls.Certificate{clientCert},
				MinVersion:   tls.VersionTLS12,
			},
		},
		Timeout: 30 * time.Second,
	}

	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}

	return &VaultBackend{
		client:    client,
		address:   address,
		mountPath: strings.Trim(mountPath, "/"),
		dataPath:  strings.Trim(dataPath, "/"),
		log:       log,
	}, nil
}

func (b *VaultBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	secret, err := b.client.KVv2(b.mountPath).Get(ctx, b.secretPath(id, contentType))
	if err != nil {
		if errors.Is(err, api.ErrSecretNotFound) {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	encoded, ok := secret.Data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("vault secret %s has no content", id)
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding vault secret %s: %w", id, err)
	}

	b.log.Debug("Fetched content from Vault",
		slog.String("contentID", id.String()),
		slog.Int("size", len(data)))

	return data, nil
}

func (b *VaultBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)

	_, err := b.client.KVv2(b.mountPath).Put(ctx, b.secretPath(id, contentType), map[string]any{
		"content": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return id, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}

	b.log.Debug("Stored content in Vault", slog.String("contentID", id.String()))
	return id, nil
}

// Available requires vault to be initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(ctx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}
	return health.Initialized && !health.Sealed
}

func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

func (b *VaultBackend) LocationURI() string {
	return fmt.Sprintf("vault://%s/%s/%s", strings.TrimPrefix(b.address, "https://"), b.mountPath, b.dataPath)
}

func (b *VaultBackend) secretPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(b.dataPath, contentType.String(), id.String())
}
