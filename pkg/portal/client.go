// Package portal is the HTTP client for the university academic portal.
package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/campuswatch/internal/models"
	appErrors "github.com/noah-isme/campuswatch/pkg/errors"
)

const maxBodyBytes = 4 << 20

// SessionStore shares login sessions between processes.
type SessionStore interface {
	Get(ctx context.Context, userID string) (*models.PortalSession, error)
	Set(ctx context.Context, session models.PortalSession, ttl time.Duration) error
	Delete(ctx context.Context, userID string) error
}

// Config configures the client.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	SessionTTL time.Duration
}

// Client fetches academic records on behalf of a user.
type Client struct {
	baseURL    string
	http       *http.Client
	sessions   SessionStore
	sessionTTL time.Duration
	logger     *zap.Logger
}

// NewClient constructs a portal client. The HTTP timeout bounds every call so a hung portal only costs one tick.
func NewClient(cfg Config, sessions SessionStore, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.SessionTTL <= 0 {
		cfg.SessionTTL = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		http:       &http.Client{Timeout: cfg.Timeout},
		sessions:   sessions,
		sessionTTL: cfg.SessionTTL,
		logger:     logger.Named("portal"),
	}
}

type loginResponse struct {
	Token string `json:"token"`
}

// Fetch returns the raw record of domain for user. Errors are classified as
// appErrors.ErrUpstreamUnauthorized, ErrUpstreamNotFound or ErrUpstreamTransient.
func (c *Client) Fetch(ctx context.Context, domain models.Domain, user models.EligibleUser) (json.RawMessage, error) {
	token, cached, err := c.session(ctx, user)
	if err != nil {
		return nil, err
	}

	body, err := c.get(ctx, domain, token)
	if err != nil && cached && errors.Is(err, appErrors.ErrUpstreamUnauthorized) {
		// The cached session expired upstream; log in again once.
		c.forget(ctx, user.UserID)
		token, err = c.login(ctx, user)
		if err != nil {
			return nil, err
		}
		body, err = c.get(ctx, domain, token)
	}
	if err != nil {
		return nil, err
	}
	if !json.Valid(body) {
		return nil, appErrors.Clone(appErrors.ErrUpstreamTransient, "portal returned malformed JSON")
	}
	return json.RawMessage(body), nil
}

func (c *Client) session(ctx context.Context, user models.EligibleUser) (string, bool, error) {
	if c.sessions != nil {
		session, err := c.sessions.Get(ctx, user.UserID)
		switch {
		case err == nil && session.Token != "":
			return session.Token, true, nil
		case err != nil && !errors.Is(err, appErrors.ErrCacheMiss):
			c.logger.Warn("session store unavailable", zap.String("user_id", user.UserID), zap.Error(err))
		}
	}
	token, err := c.login(ctx, user)
	return token, false, err
}

func (c *Client) forget(ctx context.Context, userID string) {
	if c.sessions == nil {
		return
	}
	if err := c.sessions.Delete(ctx, userID); err != nil {
		c.logger.Warn("failed to drop portal session", zap.String("user_id", userID), zap.Error(err))
	}
}

func (c *Client) login(ctx context.Context, user models.EligibleUser) (string, error) {
	payload, err := json.Marshal(map[string]string{"username": user.Username, "password": user.Password})
	if err != nil {
		return "", fmt.Errorf("encode login: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/login", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build login request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	body, err := c.do(req)
	if err != nil {
		return "", err
	}
	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil || resp.Token == "" {
		return "", appErrors.Clone(appErrors.ErrUpstreamTransient, "portal login returned no token")
	}

	if c.sessions != nil {
		session := models.PortalSession{UserID: user.UserID, Token: resp.Token, CreatedAt: time.Now().UTC()}
		if err := c.sessions.Set(ctx, session, c.sessionTTL); err != nil {
			c.logger.Warn("failed to cache portal session", zap.String("user_id", user.UserID), zap.Error(err))
		}
	}
	return resp.Token, nil
}

func (c *Client) get(ctx context.Context, domain models.Domain, token string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/"+string(domain), nil)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", domain, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	return c.do(req)
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrUpstreamTransient, "")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, appErrors.WrapAs(err, appErrors.ErrUpstreamTransient, "")
	}
	if err := classifyStatus(resp.StatusCode); err != nil {
		return nil, err
	}
	return body, nil
}

func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return appErrors.ErrUpstreamUnauthorized
	case status == http.StatusNotFound:
		return appErrors.ErrUpstreamNotFound
	default:
		return appErrors.Clone(appErrors.ErrUpstreamTransient, fmt.Sprintf("portal responded %d", status))
	}
}
