// Package rocketchat is a typed REST wrapper over a single Rocket.Chat
// server, plus the outgoing-webhook payload decoder (webhook.go).
package rocketchat

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Channel is a Rocket.Chat channel or direct-message room. A nil Name means
// a direct-message room; consumers fall back to ID wherever a display name
// is needed.
type Channel struct {
	ID        string
	Name      *string
	Usernames []string
}

// User is the subset of a Rocket.Chat user record this bridge needs.
type User struct {
	ID string
}

// Client is the behavioral contract this bridge relies on for talking to a
// single Rocket.Chat server.
type Client interface {
	WithCredentials(userID, authToken string) Client
	Login(ctx context.Context, username, password string) (userID, authToken string, err error)
	ChannelsList(ctx context.Context) ([]Channel, error)
	DirectMessagesList(ctx context.Context) ([]Channel, error)
	UsersInfo(ctx context.Context, username string) (*User, error)
	PostChatMessage(ctx context.Context, channelID, text string) error
}

// HTTPClient implements Client over the Rocket.Chat REST API.
type HTTPClient struct {
	baseURL   string
	httpc     *http.Client
	userID    string
	authToken string
}

// NewHTTPClient validates that url is a reachable Rocket.Chat server whose
// /api/info response reports success, then returns an unauthenticated
// client. The version string in that response is not checked.
func NewHTTPClient(ctx context.Context, baseURL string, timeout time.Duration) (*HTTPClient, error) {
	c := &HTTPClient{baseURL: baseURL, httpc: &http.Client{Timeout: timeout}}

	var info struct {
		Success bool `json:"success"`
		Info    struct {
			Version string `json:"version"`
		} `json:"info"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/info", nil, &info); err != nil {
		return nil, fmt.Errorf("rocketchat server not reachable: %w", err)
	}
	if !info.Success {
		return nil, fmt.Errorf("rocketchat server at %s did not report a supported API version", baseURL)
	}
	return c, nil
}

// WithCredentials returns a client that authenticates subsequent requests
// as the given Rocket.Chat user.
func (c *HTTPClient) WithCredentials(userID, authToken string) Client {
	return &HTTPClient{baseURL: c.baseURL, httpc: c.httpc, userID: userID, authToken: authToken}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.userID != "" {
		req.Header.Set("X-User-Id", c.userID)
		req.Header.Set("X-Auth-Token", c.authToken)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("rocketchat request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("rocketchat request %s %s: status %d: %s", method, path, resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode rocketchat response: %w", err)
		}
	}
	return nil
}

func (c *HTTPClient) Login(ctx context.Context, username, password string) (string, string, error) {
	var out struct {
		Status string `json:"status"`
		Data   struct {
			UserID    string `json:"userId"`
			AuthToken string `json:"authToken"`
		} `json:"data"`
	}
	body := map[string]string{"user": username, "password": password}
	if err := c.do(ctx, http.MethodPost, "/api/v1/login", body, &out); err != nil {
		return "", "", err
	}
	if out.Status != "success" {
		return "", "", fmt.Errorf("rocketchat login rejected credentials")
	}
	return out.Data.UserID, out.Data.AuthToken, nil
}

func (c *HTTPClient) ChannelsList(ctx context.Context) ([]Channel, error) {
	var out struct {
		Channels []struct {
			ID        string   `json:"_id"`
			Name      string   `json:"name"`
			Usernames []string `json:"usernames"`
		} `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/channels.list", nil, &out); err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(out.Channels))
	for _, ch := range out.Channels {
		name := ch.Name
		var namePtr *string
		if name != "" {
			namePtr = &name
		}
		channels = append(channels, Channel{ID: ch.ID, Name: namePtr, Usernames: ch.Usernames})
	}
	return channels, nil
}

func (c *HTTPClient) DirectMessagesList(ctx context.Context) ([]Channel, error) {
	var out struct {
		Ims []struct {
			ID    string `json:"_id"`
			Usernames []struct {
				Username string `json:"username"`
			} `json:"usernames"`
		} `json:"ims"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/im.list", nil, &out); err != nil {
		return nil, err
	}
	channels := make([]Channel, 0, len(out.Ims))
	for _, im := range out.Ims {
		usernames := make([]string, 0, len(im.Usernames))
		for _, u := range im.Usernames {
			usernames = append(usernames, u.Username)
		}
		channels = append(channels, Channel{ID: im.ID, Name: nil, Usernames: usernames})
	}
	return channels, nil
}

func (c *HTTPClient) UsersInfo(ctx context.Context, username string) (*User, error) {
	var out struct {
		User struct {
			ID string `json:"_id"`
		} `json:"user"`
	}
	q := url.Values{}
	q.Set("username", username)
	if err := c.do(ctx, http.MethodGet, "/api/v1/users.info?"+q.Encode(), nil, &out); err != nil {
		return nil, err
	}
	return &User{ID: out.User.ID}, nil
}

func (c *HTTPClient) PostChatMessage(ctx context.Context, channelID, text string) error {
	body := map[string]string{"roomId": channelID, "text": text}
	return c.do(ctx, http.MethodPost, "/api/v1/chat.postMessage", body, nil)
}

var _ Client = (*HTTPClient)(nil)
