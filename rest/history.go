package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"medichat/transport"
)

// FetchHistory returns every persisted message for a conversation, oldest
// first as served by the backend. Used once on conversation open to seed the
// local log before live events arrive.
func (c *Client) FetchHistory(ctx context.Context, conversationID string) ([]transport.ServerMessage, error) {
	if conversationID == "" {
		return nil, errors.New("conversation ID is required")
	}

	endpoint := fmt.Sprintf("%s/conversations/%s/messages", c.baseURL, url.PathEscape(conversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build history request: %w", err)
	}
	if err := c.authorize(req); err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch history for %s: %w", conversationID, statusError(resp.StatusCode))
	}

	var payload struct {
		Messages []transport.ServerMessage `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode history response: %w", err)
	}

	return payload.Messages, nil
}
