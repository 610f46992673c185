// Package token fetches short-lived media auth tokens from the token
// service. Tokens are requested fresh before every join and never reused.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

type Client struct {
	base   string
	client *http.Client
}

var _ core.TokenProvider = (*Client)(nil)

func NewClient(base string) *Client {
	return &Client{
		base:   base,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

type tokenResponse struct {
	RTCToken string `json:"rtcToken"`
}

func (c *Client) Token(ctx context.Context, channel string, identity domain.UserID) (string, error) {
	q := url.Values{}
	q.Set("channelName", channel)
	q.Set("uid", string(identity))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/token?"+q.Encode(), nil)
	if err != nil {
		return "", err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("token service %s: %s", resp.Status, payload)
	}
	var tr tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.RTCToken == "" {
		return "", fmt.Errorf("token service returned an empty token")
	}
	return tr.RTCToken, nil
}
