// Package github implements the remote sync adapter: it exchanges the
// serialized database image with a GitHub repository through the
// contents API, approximating a shared database across deployments.
package github

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/gameatica/arcade/internal/config"
	"github.com/gameatica/arcade/internal/domain"
)

// Blob is a fetched remote database image together with the revision
// marker (git blob SHA) it was observed at.
type Blob struct {
	Content []byte
	SHA     string
}

// Client talks to the GitHub contents API for one fixed file path.
type Client struct {
	httpClient *http.Client
	baseURL    string
	owner      string
	repo       string
	path       string
	branch     string
	logger     *slog.Logger

	mu    sync.Mutex
	token string
}

// NewClient creates a contents-API client from configuration.
func NewClient(cfg *config.GitHubConfig, logger *slog.Logger) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		owner:      cfg.Owner,
		repo:       cfg.Repo,
		path:       cfg.Path,
		branch:     cfg.Branch,
		token:      cfg.Token,
		logger:     logger,
	}
}

// SetToken replaces the write credential at runtime.
func (c *Client) SetToken(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

// HasToken reports whether a write credential is configured.
func (c *Client) HasToken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token != ""
}

func (c *Client) contentsURL() string {
	return fmt.Sprintf("%s/repos/%s/%s/contents/%s",
		c.baseURL, url.PathEscape(c.owner), url.PathEscape(c.repo), c.path)
}

func (c *Client) authorize(req *http.Request) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token != "" {
		req.Header.Set("Authorization", "token "+token)
	}
}

type contentsResponse struct {
	Content  string `json:"content"`
	Encoding string `json:"encoding"`
	SHA      string `json:"sha"`
}

// Pull fetches the remote database image and its revision marker.
func (c *Client) Pull(ctx context.Context) (*Blob, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.contentsURL(), nil)
	if err != nil {
		return nil, fmt.Errorf("building pull request: %w", err)
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching remote database: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, domain.ErrRemoteNotFound
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, domain.ErrRemoteUnauthorized
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("remote host returned status %d", resp.StatusCode)
	}

	var body contentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding remote response: %w", err)
	}

	content, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(body.Content, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("decoding remote content: %w", err)
	}

	return &Blob{Content: content, SHA: body.SHA}, nil
}

type putRequest struct {
	Message string `json:"message"`
	Content string `json:"content"`
	Branch  string `json:"branch"`
	SHA     string `json:"sha,omitempty"`
}

// Push uploads a new database image. The current remote revision marker
// is fetched first and attached to the write, so a concurrent push that
// moved the marker makes this one fail with ErrRemoteStaleRevision
// instead of silently overwriting. No merge is attempted; the caller
// retries by pulling and pushing again.
func (c *Client) Push(ctx context.Context, image []byte, message string) error {
	if !c.HasToken() {
		return domain.ErrRemoteUnauthorized
	}

	var sha string
	if blob, err := c.Pull(ctx); err == nil {
		sha = blob.SHA
	} else if err != domain.ErrRemoteNotFound {
		c.logger.Warn("could not fetch current remote revision", "error", err)
	}

	payload, err := json.Marshal(putRequest{
		Message: message,
		Content: base64.StdEncoding.EncodeToString(image),
		Branch:  c.branch,
		SHA:     sha,
	})
	if err != nil {
		return fmt.Errorf("encoding push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.contentsURL(), bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading remote database: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated:
		return nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return domain.ErrRemoteUnauthorized
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusUnprocessableEntity:
		return domain.ErrRemoteStaleRevision
	default:
		return fmt.Errorf("remote host rejected write with status %d", resp.StatusCode)
	}
}
