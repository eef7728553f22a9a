package github

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/0xEthamin/hangar-back/pkg/jwt"
)

// ErrNoInstallation means the app is not installed on the repository owner's account.
var ErrNoInstallation = errors.New("github: app not installed for account")

// Client exchanges GitHub App credentials for installation access tokens.
type Client struct {
	baseURL    string
	signer     *jwt.AppSigner
	httpClient *http.Client
}

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// New constructs a Client for the given API base URL.
func New(base string, signer *jwt.AppSigner, opts ...Option) (*Client, error) {
	if signer == nil {
		return nil, errors.New("github: app signer is required")
	}
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		trimmed = "https://api.github.com"
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid github api url: %w", err)
	}
	cli := &Client{
		baseURL:    trimmed,
		signer:     signer,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the GitHub API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("github request failed with status %d", e.Status)
	}
	return fmt.Sprintf("github request failed (%d): %s", e.Status, e.Message)
}

type installation struct {
	ID      int64 `json:"id"`
	Account struct {
		Login string `json:"login"`
	} `json:"account"`
}

type accessToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// InstallationToken returns a short-lived token able to read the owner's repositories.
func (c *Client) InstallationToken(ctx context.Context, owner string) (string, error) {
	id, err := c.installationID(ctx, owner)
	if err != nil {
		return "", err
	}
	var tok accessToken
	if err := c.do(ctx, http.MethodPost, fmt.Sprintf("/app/installations/%d/access_tokens", id), &tok); err != nil {
		return "", fmt.Errorf("create installation token: %w", err)
	}
	if tok.Token == "" {
		return "", errors.New("github: empty installation token")
	}
	return tok.Token, nil
}

func (c *Client) installationID(ctx context.Context, owner string) (int64, error) {
	for page := 1; page <= 10; page++ {
		var list []installation
		if err := c.do(ctx, http.MethodGet, fmt.Sprintf("/app/installations?per_page=100&page=%d", page), &list); err != nil {
			return 0, fmt.Errorf("list installations: %w", err)
		}
		for _, inst := range list {
			if strings.EqualFold(inst.Account.Login, owner) {
				return inst.ID, nil
			}
		}
		if len(list) < 100 {
			break
		}
	}
	return 0, fmt.Errorf("%s: %w", owner, ErrNoInstallation)
}

func (c *Client) do(ctx context.Context, method, path string, v any) error {
	assertion, err := c.signer.AppToken()
	if err != nil {
		return fmt.Errorf("sign app token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
	req.Header.Set("User-Agent", "hangar")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	var payload struct {
		Message string `json:"message"`
	}
	data, err := io.ReadAll(io.LimitReader(body, 64*1024))
	if err != nil || len(data) == 0 {
		return ""
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return payload.Message
	}
	return strings.TrimSpace(string(data))
}
