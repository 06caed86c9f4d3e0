// Package rest talks to the clipchat HTTP API. All calls attach the
// current bearer token; a 401 response triggers a single token refresh
// shared by every concurrent caller, after which the original request
// is replayed once.
package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/pmelo/clipchat/internal/auth"
	"github.com/pmelo/clipchat/internal/bus"
	"github.com/pmelo/clipchat/internal/config"
	"github.com/pmelo/clipchat/internal/model"
)

var (
	ErrNotFound     = errors.New("rest: not found")
	ErrForbidden    = errors.New("rest: forbidden")
	ErrUnauthorized = errors.New("rest: unauthorized")
)

type Client struct {
	http   *resty.Client
	creds  *auth.Credentials
	bus    *bus.Bus
	logger *zap.Logger

	// refreshMu serializes token refresh so that a burst of 401s
	// produces exactly one refresh call; the losers block here and
	// replay with whatever token the winner obtained.
	refreshMu sync.Mutex
}

func NewClient(cfg config.API, creds *auth.Credentials, b *bus.Bus, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	http := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout.Duration).
		SetHeader("Content-Type", "application/json")
	return &Client{http: http, creds: creds, bus: b, logger: logger}
}

type refreshResult struct {
	AccessToken string `json:"accessToken"`
}

// do executes fn with the current token and replays it once after a
// successful refresh when the server answers 401.
func (c *Client) do(ctx context.Context, fn func(req *resty.Request) (*resty.Response, error)) (*resty.Response, error) {
	token, err := c.creds.Token()
	if err != nil {
		return nil, err
	}

	resp, err := fn(c.request(ctx, token))
	if err != nil {
		return nil, fmt.Errorf("rest: request failed: %w", err)
	}
	if resp.StatusCode() != 401 {
		return resp, nil
	}

	token, err = c.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	resp, err = fn(c.request(ctx, token))
	if err != nil {
		return nil, fmt.Errorf("rest: request failed: %w", err)
	}
	return resp, nil
}

func (c *Client) request(ctx context.Context, token string) *resty.Request {
	return c.http.R().SetContext(ctx).SetAuthToken(token)
}

// refresh exchanges the expired token for a new one. Only one refresh
// runs at a time; callers holding the same stale token reuse the
// winner's result instead of issuing their own refresh. A failed
// refresh drops the session: the token is cleared and session.cleared
// is published so the rest of the daemon tears down local state.
func (c *Client) refresh(ctx context.Context, stale string) (string, error) {
	c.refreshMu.Lock()
	defer c.refreshMu.Unlock()

	// Someone else already rotated the token while we waited.
	if current, err := c.creds.Token(); err == nil && current != stale {
		return current, nil
	}

	c.logger.Info("access token expired, refreshing")
	resp, err := c.http.R().
		SetContext(ctx).
		SetAuthToken(stale).
		Post("/auth/refresh")
	if err != nil {
		c.dropSession()
		return "", fmt.Errorf("rest: token refresh failed: %w", err)
	}
	if resp.StatusCode() != 200 {
		c.dropSession()
		return "", fmt.Errorf("rest: token refresh rejected (%d): %w", resp.StatusCode(), ErrUnauthorized)
	}

	out, err := decodeEnvelope[refreshResult](resp.Body())
	if err != nil {
		c.dropSession()
		return "", fmt.Errorf("rest: token refresh response: %w", err)
	}
	c.creds.SetToken(out.AccessToken)
	return out.AccessToken, nil
}

func (c *Client) dropSession() {
	c.creds.Clear()
	if c.bus != nil {
		c.bus.Publish(bus.Event{Kind: bus.KindSessionCleared, Timestamp: time.Now()})
	}
}

// checkStatus maps error status codes to sentinel errors the callers
// can branch on.
func checkStatus(resp *resty.Response) error {
	switch {
	case resp.StatusCode() >= 200 && resp.StatusCode() < 300:
		return nil
	case resp.StatusCode() == 401:
		return ErrUnauthorized
	case resp.StatusCode() == 403:
		return ErrForbidden
	case resp.StatusCode() == 404:
		return ErrNotFound
	default:
		return fmt.Errorf("rest: unexpected status %d: %s", resp.StatusCode(), resp.Body())
	}
}

// decodeEnvelope unwraps the server's standard response envelope and
// returns its result.
func decodeEnvelope[T any](body []byte) (T, error) {
	var env model.Envelope[T]
	if err := json.Unmarshal(body, &env); err != nil {
		var zero T
		return zero, fmt.Errorf("decode envelope: %w", err)
	}
	return env.Result, nil
}
