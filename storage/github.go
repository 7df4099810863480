package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ruteri/tee-attested-services/interfaces"
)

// GitHubBackend reads audit artifacts committed to a repository, laid out as
// <content type>/<content id> on the default branch. It is read-only: auditors
// publish by opening a pull request.
type GitHubBackend struct {
	owner   string
	repo    string
	apiBase string
	client  *http.Client
	log     *slog.Logger
}

type gitHubContent struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
}

func NewGitHubBackend(owner, repo string, log *slog.Logger) *GitHubBackend {
	return &GitHubBackend{
		owner:   owner,
		repo:    repo,
		apiBase: "https://api.github.com",
		client:  &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}
}

// Fetch rejects content whose hash does not match id.
func (b *GitHubBackend) Fetch(ctx context.Context, id interfaces.ContentID, contentType interfaces.ContentType) ([]byte, error) {
	url := fmt.Sprintf("%s/repos/%s/%s/contents/%s/%s", b.apiBase, b.owner, b.repo, contentType, id)

	resp, err := b.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, interfaces.ErrContentNotFound
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("GitHub API error: %s, %s", resp.Status, string(body))
	}

	var content gitHubContent
	if err := json.NewDecoder(resp.Body).Decode(&content); err != nil {
		return nil, fmt.Errorf("failed to decode GitHub content: %w", err)
	}
	if content.Encoding != "base64" {
		return nil, fmt.Errorf("unexpected GitHub content encoding: %s", content.Encoding)
	}

	data, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(content.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode GitHub content: %w", err)
	}
	if interfaces.ComputeID(data) != id {
		return nil, fmt.Errorf("GitHub content %s/%s does not match its content id", contentType, id)
	}

	b.log.Debug("Fetched content from GitHub",
		slog.String("repo", b.owner+"/"+b.repo),
		slog.String("contentID", id.String()),
		slog.Int("size", len(data)))

	return data, nil
}

func (b *GitHubBackend) Store(ctx context.Context, data []byte, contentType interfaces.ContentType) (interfaces.ContentID, error) {
	return interfaces.ComputeID(data), fmt.Errorf("GitHub backend is read-only")
}

func (b *GitHubBackend) Available(ctx context.Context) bool {
	resp, err := b.get(ctx, fmt.Sprintf("%s/repos/%s/%s", b.apiBase, b.owner, b.repo))
	if err != nil {
		b.log.Debug("GitHub backend unavailable", "err", err)
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (b *GitHubBackend) Name() string {
	return fmt.Sprintf("github-%s-%s", b.owner, b.repo)
}

func (b *GitHubBackend) LocationURI() string {
	return fmt.Sprintf("github://%s/%s", b.owner, b.repo)
}

func (b *GitHubBackend) get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github.v3+json")

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", interfaces.ErrBackendUnavailable, err)
	}
	return resp, nil
}
