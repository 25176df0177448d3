// Copyright 2025 Oliver Andrich
// Licensed under the EUPL-1.2

package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const usersPerPage = 1000

// GoTrueConfig configures the admin API client.
type GoTrueConfig struct {
	URL         string
	ServiceKey  string
	AnonKey     string
	RedirectURL string
	Timeout     time.Duration
}

// APIError is a non-2xx answer from the provider.
type APIError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("gotrue %s: status %d: %s", e.Op, e.StatusCode, e.Body)
}

// GoTrue is a client for a GoTrue/Supabase compatible auth server.
type GoTrue struct {
	cfg    GoTrueConfig
	client *http.Client
}

// NewGoTrue creates a client. A zero timeout defaults to ten seconds.
func NewGoTrue(cfg GoTrueConfig) (*GoTrue, error) {
	if cfg.URL == "" {
		return nil, errors.New("gotrue URL is required")
	}
	if cfg.ServiceKey == "" {
		return nil, errors.New("gotrue service key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &GoTrue{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}, nil
}

type gotrueUser struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	UserMetadata map[string]any `json:"user_metadata"`
}

func (u gotrueUser) identity() *Identity {
	id := &Identity{ID: u.ID, Email: NormalizeEmail(u.Email)}
	for _, key := range []string{"name", "full_name", "display_name"} {
		if v, ok := u.UserMetadata[key].(string); ok && v != "" {
			id.Name = v
			break
		}
	}
	return id
}

// FindByEmail pages through the admin user list and matches the
// normalized address.
func (g *GoTrue) FindByEmail(ctx context.Context, email string) (*Identity, error) {
	want := NormalizeEmail(email)

	for page := 1; ; page++ {
		q := url.Values{}
		q.Set("page", strconv.Itoa(page))
		q.Set("per_page", strconv.Itoa(usersPerPage))

		var resp struct {
			Users []gotrueUser `json:"users"`
		}
		if err := g.do(ctx, "list users", http.MethodGet, "/auth/v1/admin/users?"+q.Encode(), g.cfg.ServiceKey, nil, &resp); err != nil {
			return nil, classify(err)
		}

		for _, u := range resp.Users {
			if NormalizeEmail(u.Email) == want {
				return u.identity(), nil
			}
		}

		if len(resp.Users) < usersPerPage {
			return nil, ErrUserNotFound
		}
	}
}

type generateLinkResponse struct {
	ActionLink  string `json:"action_link"`
	HashedToken string `json:"hashed_token"`
	Properties  *struct {
		ActionLink  string `json:"action_link"`
		HashedToken string `json:"hashed_token"`
	} `json:"properties"`
}

// IssueRecoveryReference asks the provider for a recovery link without
// letting it send mail.
func (g *GoTrue) IssueRecoveryReference(ctx context.Context, email string) (*RecoveryReference, error) {
	body := map[string]string{
		"type":  "recovery",
		"email": NormalizeEmail(email),
	}
	if g.cfg.RedirectURL != "" {
		body["redirect_to"] = g.cfg.RedirectURL
	}

	var resp generateLinkResponse
	if err := g.do(ctx, "generate link", http.MethodPost, "/auth/v1/admin/generate_link", g.cfg.ServiceKey, body, &resp); err != nil {
		if statusOf(err) == http.StatusNotFound {
			return nil, ErrUserNotFound
		}
		return nil, classify(err)
	}

	link, token := resp.ActionLink, resp.HashedToken
	if resp.Properties != nil {
		if link == "" {
			link = resp.Properties.ActionLink
		}
		if token == "" {
			token = resp.Properties.HashedToken
		}
	}
	if token == "" {
		token = tokenFromLink(link)
	}

	return &RecoveryReference{Reference: token, Link: link}, nil
}

// UpdatePasswordByID overwrites a password through the admin API.
func (g *GoTrue) UpdatePasswordByID(ctx context.Context, userID, newPassword string) error {
	if userID == "" {
		return ErrUserNotFound
	}
	body := map[string]string{"password": newPassword}
	err := g.do(ctx, "update user", http.MethodPut, "/auth/v1/admin/users/"+url.PathEscape(userID), g.cfg.ServiceKey, body, nil)
	if err == nil {
		return nil
	}
	switch status := statusOf(err); {
	case status == http.StatusNotFound:
		return ErrUserNotFound
	case status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusForbidden:
		// The provider refused the password itself.
		return err
	}
	return classify(err)
}

// ExchangeRecovery trades a hashed recovery token for a user session and
// returns its access token.
func (g *GoTrue) ExchangeRecovery(ctx context.Context, reference string) (string, error) {
	if reference == "" {
		return "", errors.New("recovery reference is empty")
	}
	body := map[string]string{
		"type":       "recovery",
		"token_hash": reference,
	}
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := g.do(ctx, "verify recovery", http.MethodPost, "/auth/v1/verify", g.publicKey(), body, &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", errors.New("gotrue verify recovery: no access token in response")
	}
	return resp.AccessToken, nil
}

// UpdateOwnPassword changes the password of the session's user.
func (g *GoTrue) UpdateOwnPassword(ctx context.Context, accessToken, newPassword string) error {
	body := map[string]string{"password": newPassword}
	return g.doWithBearer(ctx, "update own user", http.MethodPut, "/auth/v1/user", g.publicKey(), accessToken, body, nil)
}

func (g *GoTrue) publicKey() string {
	if g.cfg.AnonKey != "" {
		return g.cfg.AnonKey
	}
	return g.cfg.ServiceKey
}

func (g *GoTrue) do(ctx context.Context, op, method, path, key string, in, out any) error {
	return g.doWithBearer(ctx, op, method, path, key, key, in, out)
}

func (g *GoTrue) doWithBearer(ctx context.Context, op, method, path, key, bearer string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("gotrue %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, g.cfg.URL+path, body)
	if err != nil {
		return fmt.Errorf("gotrue %s: %w", op, err)
	}
	req.Header.Set("apikey", key)
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gotrue %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("gotrue %s: decode response: %w", op, err)
	}
	return nil
}

// statusOf returns the HTTP status of an APIError, or 0.
func statusOf(err error) int {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}

// classify wraps a failed admin call: rejected credentials are a
// configuration problem, everything else counts as the directory being
// unavailable.
func classify(err error) error {
	switch statusOf(err) {
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%w: %w", ErrMisconfigured, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
}

func tokenFromLink(link string) string {
	if link == "" {
		return ""
	}
	u, err := url.Parse(link)
	if err != nil {
		return ""
	}
	return u.Query().Get("token")
}
