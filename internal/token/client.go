// Package token fetches relay join tokens from the meeting backend.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// JoinRequest identifies who wants into which meeting.
type JoinRequest struct {
	MeetingID   string `json:"meetingId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Host        bool   `json:"isHost"`
}

// JoinGrant is what the backend hands back on success.
type JoinGrant struct {
	AccessToken         string `json:"accessToken"`
	RelayURL            string `json:"relayUrl,omitempty"`
	ParticipantIdentity string `json:"participantIdentity,omitempty"`
}

// Client talks to the token endpoint with bounded retries.
type Client struct {
	endpoint   string
	maxRetries uint
	httpClient *http.Client
	logger     *zap.Logger
}

func NewClient(endpoint string, maxRetries uint, logger *zap.Logger) *Client {
	return &Client{
		endpoint:   endpoint,
		maxRetries: maxRetries,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Fetch requests a join token, retrying transient failures with exponential
// backoff. A 4xx answer is permanent, retrying it would not help.
func (c *Client) Fetch(ctx context.Context, req JoinRequest) (*JoinGrant, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal join request: %w", err)
	}

	newBackoff := func() backoff.BackOff {
		ebo := backoff.NewExponentialBackOff()
		ebo.InitialInterval = 500 * time.Millisecond
		ebo.Reset()
		return backoff.WithMaxRetries(ebo, uint64(c.maxRetries))
	}

	var grant *JoinGrant
	attempt := 0
	op := func() error {
		attempt++
		g, err := c.fetchOnce(ctx, body)
		if err != nil {
			c.logger.Warn("token fetch failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		grant = g
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(newBackoff(), ctx)); err != nil {
		return nil, fmt.Errorf("fetch token for %s: %w", req.MeetingID, err)
	}
	return grant, nil
}

func (c *Client) fetchOnce(ctx context.Context, body []byte) (*JoinGrant, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("post token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, backoff.Permanent(fmt.Errorf("token endpoint rejected request: %s: %s", resp.Status, msg))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %s", resp.Status)
	}

	var grant JoinGrant
	if err := json.NewDecoder(resp.Body).Decode(&grant); err != nil {
		return nil, fmt.Errorf("decode token response: %w", err)
	}
	if grant.AccessToken == "" {
		return nil, backoff.Permanent(fmt.Errorf("token endpoint returned empty token"))
	}
	return &grant, nil
}
