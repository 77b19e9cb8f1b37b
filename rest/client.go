// Package rest talks to the backend's request/response API: message history
// and attachment transfer. Everything realtime lives in package transport.
package rest

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"medichat/config"
)

// DefaultRequestTimeout bounds each API call.
const DefaultRequestTimeout = 30 * time.Second

// Typed API failures. Callers map these onto message status transitions.
var (
	ErrUnauthorized    = errors.New("rest: unauthorized")
	ErrPayloadTooLarge = errors.New("rest: payload too large")
	ErrServer          = errors.New("rest: server error")
	ErrNetwork         = errors.New("rest: network error")
)

// ClientOptions configures the API client.
type ClientOptions struct {
	// BaseURL is the API root, e.g. https://chat.example.com/api.
	BaseURL string
	// Tokens supplies the bearer credential per request.
	Tokens config.TokenSource
	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client
}

// Client is the request/response API client.
type Client struct {
	baseURL string
	tokens  config.TokenSource
	http    *http.Client
}

// NewClient validates options and returns a ready client.
func NewClient(opts ClientOptions) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("API base URL is required")
	}
	if opts.Tokens == nil {
		return nil, errors.New("token source is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultRequestTimeout}
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		tokens:  opts.Tokens,
		http:    httpClient,
	}, nil
}

func (c *Client) authorize(req *http.Request) error {
	token, err := c.tokens.Token()
	if err != nil {
		if errors.Is(err, config.ErrNoCredential) {
			return ErrUnauthorized
		}
		return fmt.Errorf("read credential: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

// statusError maps a non-2xx response onto the typed failure set.
func statusError(statusCode int) error {
	switch {
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return ErrUnauthorized
	case statusCode == http.StatusRequestEntityTooLarge:
		return ErrPayloadTooLarge
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d", ErrServer, statusCode)
	default:
		return fmt.Errorf("unexpected status %d", statusCode)
	}
}
