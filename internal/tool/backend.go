package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/zulandar/waypoint/internal/config"
	"github.com/zulandar/waypoint/internal/fault"
	"github.com/zulandar/waypoint/internal/models"
	"golang.org/x/oauth2/clientcredentials"
)

// maxResponseBytes caps how much of a tool response is read.
const maxResponseBytes = 1 << 20

// Backend is the tool-hosting layer's invoke(args) -> result|error for one
// tool. The runtime is a client of it, never its implementation.
type Backend interface {
	Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error)
}

// Credentialed is implemented by backends that can report whether they hold
// the credentials their tool's auth_type requires.
type Credentialed interface {
	HasCredentials() bool
}

// FuncBackend adapts an in-process function to Backend.
type FuncBackend func(ctx context.Context, args json.RawMessage) (json.RawMessage, error)

// Invoke implements Backend.
func (f FuncBackend) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	return f(ctx, args)
}

// HTTPBackend POSTs the JSON arguments to a tool endpoint.
type HTTPBackend struct {
	Endpoint string
	AuthType string
	APIKey   string
	client   *http.Client
	oauth    bool
}

// NewHTTPBackend builds a backend from tool configuration. Tools with
// auth_type oauth2 obtain tokens through the client-credentials flow.
func NewHTTPBackend(tc config.ToolConfig) *HTTPBackend {
	b := &HTTPBackend{
		Endpoint: tc.Endpoint,
		AuthType: tc.AuthType,
		APIKey:   tc.APIKey,
		client:   &http.Client{},
	}
	if tc.AuthType == models.AuthOAuth2 && tc.OAuth2.TokenURL != "" {
		cc := clientcredentials.Config{
			ClientID:     tc.OAuth2.ClientID,
			ClientSecret: tc.OAuth2.ClientSecret,
			TokenURL:     tc.OAuth2.TokenURL,
			Scopes:       tc.OAuth2.Scopes,
		}
		b.client = cc.Client(context.Background())
		b.oauth = true
	}
	return b
}

// HasCredentials implements Credentialed.
func (b *HTTPBackend) HasCredentials() bool {
	switch b.AuthType {
	case models.AuthAPIKey, models.AuthBearer:
		return b.APIKey != ""
	case models.AuthOAuth2:
		return b.oauth
	default:
		return true
	}
}

// Invoke implements Backend.
func (b *HTTPBackend) Invoke(ctx context.Context, args json.RawMessage) (json.RawMessage, error) {
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.Endpoint, bytes.NewReader(args))
	if err != nil {
		return nil, fmt.Errorf("build request: %v: %w", err, fault.ErrInvalidInput)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	switch b.AuthType {
	case models.AuthAPIKey:
		req.Header.Set("X-API-Key", b.APIKey)
	case models.AuthBearer:
		req.Header.Set("Authorization", "Bearer "+b.APIKey)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("post %s: %w", b.Endpoint, fault.ErrToolTimeout)
		}
		return nil, fmt.Errorf("post %s: %v: %w", b.Endpoint, err, fault.ErrToolFailed)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %v: %w", err, fault.ErrToolFailed)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("http %d: %w", resp.StatusCode, fault.ErrToolAuth)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("http %d: %w", resp.StatusCode, fault.ErrToolRateLimited)
	case resp.StatusCode == http.StatusGatewayTimeout || resp.StatusCode == http.StatusRequestTimeout:
		return nil, fmt.Errorf("http %d: %w", resp.StatusCode, fault.ErrToolTimeout)
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("http %d: %s: %w", resp.StatusCode, truncate(body), fault.ErrToolFailed)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("http %d: %s: %w", resp.StatusCode, truncate(body), fault.ErrInvalidInput)
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return json.RawMessage("null"), nil
	}
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		return quoted, nil
	}
	return body, nil
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
