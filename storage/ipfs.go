package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/ruteri/tee-attested-services/interfaces"
)

const ipfsRoot = "/tee-audit"

// IPFSBackend keeps audit artifacts in the mutable file system of an IPFS
// node, so they are addressed by content id and pinned by the node.
type IPFSBackend struct {
	shell *shell.Shell
	host  string
	port  string
	log   *slog.Logger
}

func NewIPFSBackend(host, port string, timeout string, log *slog.Logger) (*IPFSBackend, error) {
	d, err := time.ParseDuration(timeout)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid ipfs timeout %q: %w", interfaces.ErrInvalidLocationURI, timeout, err)
	}

	sh := shell.NewShell(fmt.Sprintf("%s:%s", host, port))
	sh.SetTimeout(d)

	return &IPFSBackend{
		shell: sh,
		host:  host,
		port:  port,
		log:   log,
	}, nil
}

func (b *IPFSBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	start := time.Now()
	p := b.mfsPath(id, contentType)

	reader, err := b.shell.FilesRead(ctx, p)
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return nil, interfaces.ErrContentNotFound
		}
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	defer reader.Close()

	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read data from IPFS: %w", err)
	}

	b.log.Debug("Fetched content from IPFS",
		slog.String("path", p),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return data, nil
}

func (b *IPFSBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	id := interfaces.ComputeID(data)
	p := b.mfsPath(id, contentType)

	err := b.shell.FilesWrite(ctx, p, bytes.NewReader(data),
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		return id, fmt.Errorf("failed to write %s to IPFS: %w", p, err)
	}

	b.log.Debug("Stored content in IPFS",
		slog.String("path", p),
		slog.String("contentID", id.String()))

	return id, nil
}

func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

func (b *IPFSBackend) LocationURI() string {
	return fmt.Sprintf("ipfs://%s:%s/", b.host, b.port)
}

func (b *IPFSBackend) mfsPath(id interfaces.ContentID, contentType interfaces.ContentType) string {
	return path.Join(ipfsRoot, contentType.String(), id.String())
}
