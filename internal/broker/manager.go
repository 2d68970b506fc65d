// Package broker talks to the KIS open API: token lifecycle, quotes,
// balances and (advisory-only) orders. Every call site shares the same
// expiry-detect / refresh-once / retry-once pattern.
package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/stockelper/orchestrator/internal/metrics"
)

// The upstream API can return HTTP 200 with an expiry message in the body,
// so expiry is detected by substring rather than status code.
var tokenExpiredSubstrings = []string{
	"기간이 만료된 token",
	"유효하지 않은 token",
}

// IsTokenExpiredMessage reports whether a broker response message indicates
// an expired or invalid access token.
func IsTokenExpiredMessage(msg string) bool {
	if msg == "" {
		return false
	}
	for _, s := range tokenExpiredSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

type Config struct {
	BaseURL       string
	TRIDBalance   string
	TRIDOrderBuy  string
	TRIDOrderSell string
	TRIDPrice     string
	// Service-account fallback for quote calls when the user has no row in
	// the credential store.
	AppKey    string
	AppSecret string
}

// Manager owns credential loading, lazy token minting and the bounded
// refresh-and-retry used by all API calls.
type Manager struct {
	store  Store
	http   *resty.Client
	cfg    Config
	logger *zap.Logger

	// Serializes refreshes per user so two concurrent expired calls do not
	// both mint tokens.
	refreshMu sync.Mutex
}

func NewManager(store Store, cfg Config, logger *zap.Logger) *Manager {
	client := resty.New()
	client.SetBaseURL(strings.TrimRight(cfg.BaseURL, "/"))
	// The broker sometimes answers without a JSON content type; parse bodies
	// as JSON regardless.
	client.OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
		r.ForceContentType("application/json")
		return nil
	})
	return &Manager{store: store, http: client, cfg: cfg, logger: logger}
}

// EnsureContext loads stored credentials and lazily mints an access token,
// persisting it before returning. A missing user yields (nil, nil) so the
// caller can degrade to "no account information".
func (m *Manager) EnsureContext(ctx context.Context, userID int64) (*CredentialContext, error) {
	cctx, err := m.store.Credentials(ctx, userID)
	if err != nil {
		if err == ErrNoCredentials {
			return nil, nil
		}
		return nil, err
	}
	if cctx.AccountNo == "" {
		return nil, nil
	}
	if cctx.AccessToken == "" {
		token, err := m.mintToken(ctx, cctx.AppKey, cctx.AppSecret)
		if err != nil {
			return nil, fmt.Errorf("mint access token: %w", err)
		}
		if err := m.store.SaveAccessToken(ctx, userID, token); err != nil {
			return nil, err
		}
		cctx.AccessToken = token
	}
	return cctx, nil
}

// RefreshToken mints a new access token, persists it, and mutates cctx in
// place. Failures are ErrRefreshFailed so callers can distinguish them from
// the original operation failing.
func (m *Manager) RefreshToken(ctx context.Context, userID int64, cctx *CredentialContext) (string, error) {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	token, err := m.mintToken(ctx, cctx.AppKey, cctx.AppSecret)
	if err != nil {
		metrics.TokenRefreshes.WithLabelValues("error").Inc()
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}
	// Persist before any dependent retried call is issued.
	if cctx.UserID != 0 {
		if err := m.store.SaveAccessToken(ctx, userID, token); err != nil {
			metrics.TokenRefreshes.WithLabelValues("error").Inc()
			return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
	}
	cctx.AccessToken = token
	metrics.TokenRefreshes.WithLabelValues("ok").Inc()
	return token, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
}

func (m *Manager) mintToken(ctx context.Context, appKey, appSecret string) (string, error) {
	var out tokenResponse
	resp, err := m.http.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(map[string]string{
			"grant_type": "client_credentials",
			"appkey":     appKey,
			"appsecret":  appSecret,
		}).
		SetResult(&out).
		Post("/oauth2/tokenP")
	if err != nil {
		return "", err
	}
	if resp.StatusCode() != 200 || out.AccessToken == "" {
		return "", fmt.Errorf("token endpoint returned HTTP %d", resp.StatusCode())
	}
	return out.AccessToken, nil
}

// serviceContext builds an unstored credential context from config when the
// user has no database row. Quote-only; never used for orders or balances.
func (m *Manager) serviceContext(ctx context.Context) (*CredentialContext, error) {
	if m.cfg.AppKey == "" || m.cfg.AppSecret == "" {
		return nil, nil
	}
	token, err := m.mintToken(ctx, m.cfg.AppKey, m.cfg.AppSecret)
	if err != nil {
		return nil, fmt.Errorf("mint service token: %w", err)
	}
	return &CredentialContext{
		AppKey:      m.cfg.AppKey,
		AppSecret:   m.cfg.AppSecret,
		AccessToken: token,
	}, nil
}

// callWithRetry runs fn, and when the response message signals token expiry,
// refreshes exactly once and retries exactly once. fn returns the upstream
// message used for expiry detection (empty on success).
func (m *Manager) callWithRetry(ctx context.Context, userID int64, cctx *CredentialContext, fn func() (string, error)) error {
	msg, err := fn()
	if err != nil {
		return err
	}
	if !IsTokenExpiredMessage(msg) {
		return nil
	}
	if cctx.UserID != 0 {
		if _, err := m.RefreshToken(ctx, userID, cctx); err != nil {
			return err
		}
	} else {
		token, err := m.mintToken(ctx, cctx.AppKey, cctx.AppSecret)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		cctx.AccessToken = token
	}
	msg, err = fn()
	if err != nil {
		return err
	}
	if IsTokenExpiredMessage(msg) {
		// Bounded retry: a second expiry after refresh is terminal.
		return fmt.Errorf("broker: token still rejected after refresh: %s", msg)
	}
	return nil
}
