// Package auth validates bearer tokens against the platform auth proxy and
// caches the results. When no proxy is configured it falls back to local
// HS256 JWT validation for development setups.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/agentmesh/controlplane/internal/clock"
	"github.com/agentmesh/controlplane/internal/identity"
	"github.com/agentmesh/controlplane/internal/metrics"
)

// Config holds validator settings.
type Config struct {
	// ProxyURL is the auth proxy base URL. Empty enables local JWT mode.
	ProxyURL string
	// LocalSecret signs tokens in local JWT mode.
	LocalSecret string
	// CacheTTL bounds how long a validated token is trusted without a
	// round trip. Default 300s.
	CacheTTL time.Duration
	// Timeout applies to every proxy call. Default 10s.
	Timeout time.Duration
	// MaxCached bounds the token cache.
	MaxCached int
}

// Validator resolves bearer tokens to subjects.
type Validator struct {
	cfg    Config
	http   *http.Client
	cache  *tokenCache
	clk    clock.Clock
	logger *zap.Logger
}

// NewValidator creates a validator. clk may be nil for the system clock.
func NewValidator(cfg Config, clk clock.Clock, logger *zap.Logger) *Validator {
	if clk == nil {
		clk = clock.Real()
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 300 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Validator{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		cache:  newTokenCache(clk, cfg.MaxCached),
		clk:    clk,
		logger: logger,
	}
}

// Validate resolves a bearer token to a subject. Cache hits within TTL cost
// no network round trip. Returns ErrUnauthenticated for anything the proxy
// rejects; failures are never cached.
func (v *Validator) Validate(ctx context.Context, token string) (*Subject, error) {
	if token == "" {
		metrics.AuthFailures.WithLabelValues("missing_token").Inc()
		return nil, ErrUnauthenticated
	}

	fp := identity.Fingerprint(token)
	if subject, ok := v.cache.get(fp); ok {
		metrics.AuthCacheHits.Inc()
		return &subject, nil
	}
	metrics.AuthCacheMisses.Inc()

	var (
		subject *Subject
		err     error
	)
	if v.cfg.ProxyURL != "" {
		subject, err = v.validateRemote(ctx, token)
	} else {
		subject, err = v.validateLocal(token)
	}
	if err != nil {
		return nil, err
	}

	v.cache.put(fp, *subject, v.cfg.CacheTTL)
	return subject, nil
}

// Invalidate drops a token from the cache, e.g. after logout.
func (v *Validator) Invalidate(token string) {
	v.cache.remove(identity.Fingerprint(token))
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	UserID string   `json:"user_id"`
	Roles  []string `json:"roles"`
}

func (v *Validator) validateRemote(ctx context.Context, token string) (*Subject, error) {
	body, _ := json.Marshal(validateRequest{Token: token})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.ProxyURL+"/auth/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validate request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		metrics.AuthFailures.WithLabelValues("proxy_unreachable").Inc()
		v.logger.Warn("Auth proxy unreachable", zap.Error(err))
		return nil, ErrUnauthenticated
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		metrics.AuthFailures.WithLabelValues("proxy_rejected").Inc()
		v.logger.Warn("Token validation rejected",
			zap.Int("status", resp.StatusCode),
			zap.String("token_fp", identity.ShortFingerprint(token)),
		)
		return nil, ErrUnauthenticated
	}

	var vr validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil || vr.UserID == "" {
		metrics.AuthFailures.WithLabelValues("malformed_response").Inc()
		return nil, ErrUnauthenticated
	}
	return &Subject{ID: vr.UserID, Roles: vr.Roles}, nil
}

type localClaims struct {
	Roles []string `json:"roles"`
	jwt.RegisteredClaims
}

// validateLocal verifies an HS256 token signed with the local secret.
// Development convenience only; production deployments configure a proxy.
func (v *Validator) validateLocal(token string) (*Subject, error) {
	if v.cfg.LocalSecret == "" {
		metrics.AuthFailures.WithLabelValues("no_validator").Inc()
		return nil, ErrUnauthenticated
	}
	var claims localClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(v.cfg.LocalSecret), nil
	}, jwt.WithTimeFunc(v.clk.Now))
	if err != nil || !parsed.Valid || claims.Subject == "" {
		metrics.AuthFailures.WithLabelValues("local_invalid").Inc()
		return nil, ErrUnauthenticated
	}
	return &Subject{ID: claims.Subject, Roles: claims.Roles}, nil
}

// Login exchanges credentials for a token at the auth proxy.
func (v *Validator) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	if v.cfg.ProxyURL == "" {
		return nil, fmt.Errorf("no auth proxy configured")
	}
	body, _ := json.Marshal(map[string]string{"username": username, "password": password})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.ProxyURL+"/auth/login", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("auth proxy login: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, ErrUnauthenticated
	}
	var lr LoginResult
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return &lr, nil
}

// CheckPermission asks the proxy whether a user may run a tool. Used by
// deployments that keep tool entitlements in the platform rather than the
// policy document; errors deny.
func (v *Validator) CheckPermission(ctx context.Context, userID, toolName string, roles []string) bool {
	if v.cfg.ProxyURL == "" {
		return false
	}
	body, _ := json.Marshal(map[string]interface{}{
		"user_id":    userID,
		"tool_name":  toolName,
		"user_roles": roles,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		v.cfg.ProxyURL+"/auth/check-permission", bytes.NewReader(body))
	if err != nil {
		return false
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := v.http.Do(req)
	if err != nil {
		v.logger.Warn("Permission check failed", zap.String("user_id", userID), zap.Error(err))
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return false
	}
	var pr struct {
		HasPermission bool `json:"has_permission"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&pr); err != nil {
		return false
	}
	return pr.HasPermission
}

// UserRoles fetches a user's roles from the proxy.
func (v *Validator) UserRoles(ctx context.Context, userID string) ([]string, error) {
	if v.cfg.ProxyURL == "" {
		return nil, fmt.Errorf("no auth proxy configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		v.cfg.ProxyURL+"/auth/user/"+userID+"/roles", nil)
	if err != nil {
		return nil, err
	}
	resp, err := v.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch user roles: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("fetch user roles: status %d", resp.StatusCode)
	}
	var rr struct {
		Roles []string `json:"roles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		return nil, err
	}
	return rr.Roles, nil
}
