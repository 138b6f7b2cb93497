// ABOUTME: Identity resolution against the external member directory
// ABOUTME: Maps a verified email to profile and capability labels

package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// ErrMemberNotFound is returned when the directory has no record for an email
var ErrMemberNotFound = errors.New("member not found")

// Member is a resolved identity with its capability labels.
type Member struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Labels []string `json:"labels"`
}

// Resolver looks up a verified email in the member directory.
type Resolver interface {
	Resolve(ctx context.Context, email string) (*Member, error)
}

// DirectoryClient resolves members over the directory's HTTP API.
type DirectoryClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	logger  *slog.Logger
}

// NewDirectoryClient creates a client for the member directory at baseURL.
func NewDirectoryClient(baseURL, apiKey string, timeout time.Duration) *DirectoryClient {
	return &DirectoryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
		logger:  slog.Default().With("component", "identity"),
	}
}

// Resolve fetches the member record for an email.
// Returns ErrMemberNotFound when the directory reports no such member.
func (c *DirectoryClient) Resolve(ctx context.Context, email string) (*Member, error) {
	endpoint := c.baseURL + "/members/" + url.PathEscape(email)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling directory: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrMemberNotFound
	case resp.StatusCode != http.StatusOK:
		c.logger.Warn("directory returned unexpected status", "status", resp.StatusCode, "email", email)
		return nil, fmt.Errorf("directory returned status %d", resp.StatusCode)
	}

	var member Member
	if err := json.NewDecoder(resp.Body).Decode(&member); err != nil {
		return nil, fmt.Errorf("decoding directory response: %w", err)
	}
	if member.Email == "" {
		member.Email = email
	}

	return &member, nil
}
