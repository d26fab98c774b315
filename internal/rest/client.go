package rest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/bookable/bookchat/internal/chat"
	"github.com/bookable/bookchat/internal/token"
)

// Client accesses the booking platform's chat REST endpoints. The bearer
// token is read from the source on every request so rotation takes effect
// immediately.
type Client struct {
	baseURL    string
	tokens     token.Source
	httpClient *http.Client
}

// NewClient creates a REST client. baseURL includes the API path suffix,
// e.g. "https://bookings.example.com/api".
func NewClient(baseURL string, tokens token.Source) *Client {
	return &Client{
		baseURL: baseURL,
		tokens:  tokens,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SetHTTPClient allows setting a custom HTTP client.
func (c *Client) SetHTTPClient(client *http.Client) {
	if client != nil {
		c.httpClient = client
	}
}

// Conversations fetches the conversation list.
func (c *Client) Conversations(ctx context.Context) ([]chat.Conversation, error) {
	var out []chat.Conversation
	if err := c.get(ctx, "/conversations", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Messages fetches up to take messages of a conversation's history, sorted
// ascending by SentAt regardless of server order.
func (c *Client) Messages(ctx context.Context, conversationID int64, take int) ([]chat.Message, error) {
	path := fmt.Sprintf("/messages/%d?take=%d", conversationID, take)
	var out []chat.Message
	if err := c.get(ctx, path, &out); err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].SentAt.Before(out[j].SentAt)
	})
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	tok, err := c.tokens.Token()
	if err != nil {
		return fmt.Errorf("read token: %w", err)
	}
	if tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("http error: %s (status %d)", string(body), resp.StatusCode)
	}

	if dest != nil {
		if err := json.Unmarshal(body, dest); err != nil {
			return fmt.Errorf("unmarshal response: %w", err)
		}
	}
	return nil
}
