package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/amuif/derma-scan/internal/scanning"
	"github.com/amuif/derma-scan/internal/session"
)

const (
	loginPath    = "/auth/login"
	registerPath = "/auth/register"
	mePath       = "/auth/me"
)

// LoginRequest is the body of /auth/login
type LoginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

// RegisterRequest is the body of /auth/register
type RegisterRequest struct {
	Email          string `json:"email" validate:"required,email"`
	Password       string `json:"password" validate:"required,min=6"`
	Name           string `json:"name" validate:"required,max=100"`
	ProfilePicture string `json:"profilePicture,omitempty" validate:"omitempty,url"`
}

// loginResponse accepts both token spellings the backend has used
type loginResponse struct {
	AccessToken      string          `json:"accessToken"`
	AccessTokenSnake string          `json:"access_token"`
	Token            string          `json:"token"`
	User             json.RawMessage `json:"user"`
}

type wireUser struct {
	ID             json.RawMessage `json:"id"`
	Name           string          `json:"name"`
	Email          string          `json:"email"`
	ProfilePicture string          `json:"profilePicture"`
}

// Client signs users in and out against the backend
type Client struct {
	baseURL string
	client  *http.Client
	store   session.Store
}

// NewClient creates a Client that persists sessions to store
func NewClient(baseURL string, timeout time.Duration, store session.Store) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}
	if store == nil {
		return nil, fmt.Errorf("session store is required")
	}
	if timeout <= 0 {
		timeout = scanning.DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
		store:   store,
	}, nil
}

// Login exchanges email and password for a token and stores the session
func (c *Client) Login(ctx context.Context, email, password string) (*session.User, error) {
	req := LoginRequest{Email: strings.TrimSpace(email), Password: password}
	if err := scanning.Validator().Struct(req); err != nil {
		return nil, scanning.FieldError(err, "credentials")
	}
	return c.startSession(ctx, "login", loginPath, req)
}

// Register creates an account and signs it in
func (c *Client) Register(ctx context.Context, req RegisterRequest) (*session.User, error) {
	req.Email = strings.TrimSpace(req.Email)
	req.Name = strings.TrimSpace(req.Name)
	if err := scanning.Validator().Struct(req); err != nil {
		return nil, scanning.FieldError(err, "credentials")
	}
	return c.startSession(ctx, "register", registerPath, req)
}

// CurrentUser fetches the signed-in user from the backend and refreshes the stored copy
func (c *Client) CurrentUser(ctx context.Context) (*session.User, error) {
	creds, err := c.store.Credentials(ctx)
	if err != nil {
		return nil, err
	}

	status, body, err := c.do(ctx, "current user", http.MethodGet, mePath, nil, creds.Token)
	if err != nil {
		return nil, err
	}

	// /auth/me answers with the bare user, older deployments wrap it
	raw := json.RawMessage(body)
	var wrapped struct {
		User json.RawMessage `json:"user"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && len(wrapped.User) > 0 {
		raw = wrapped.User
	}

	user, err := parseUser(raw)
	if err != nil {
		return nil, &scanning.ServerError{Op: "current user", StatusCode: status, Body: scanning.TruncateBody(body), Err: err}
	}
	if err := c.store.Save(creds.Token, user); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}
	return user, nil
}

func (c *Client) startSession(ctx context.Context, op, path string, payload any) (*session.User, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	status, body, err := c.do(ctx, op, http.MethodPost, path, bytes.NewReader(jsonData), "")
	if err != nil {
		return nil, err
	}

	token, user, err := parseSession(body)
	if err != nil {
		return nil, &scanning.ServerError{Op: op, StatusCode: status, Body: scanning.TruncateBody(body), Err: err}
	}

	if err := c.store.Save(token, user); err != nil {
		return nil, fmt.Errorf("storing session: %w", err)
	}

	log.Info().Str("user_id", user.ID).Str("op", op).Msg("Signed in")
	return user, nil
}

// do performs a JSON request and returns the status and body of a 2xx response
func (c *Client) do(ctx context.Context, op, method, path string, body io.Reader, token string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		log.Warn().Err(err).Str("op", op).Str("endpoint", path).Msg("Auth request failed")
		return 0, nil, &scanning.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, &scanning.NetworkError{Op: op, Err: fmt.Errorf("reading response: %w", err)}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return resp.StatusCode, nil, &scanning.ServerError{Op: op, StatusCode: resp.StatusCode, Body: scanning.TruncateBody(respBody)}
	}
	return resp.StatusCode, respBody, nil
}

// Logout removes the stored session
func (c *Client) Logout() error {
	if err := c.store.Clear(); err != nil {
		return fmt.Errorf("clearing session: %w", err)
	}
	log.Info().Msg("Signed out")
	return nil
}

func parseSession(body []byte) (string, *session.User, error) {
	var resp loginResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", nil, fmt.Errorf("decoding response: %w", err)
	}

	token := firstNonEmpty(resp.AccessToken, resp.AccessTokenSnake, resp.Token)
	if token == "" {
		return "", nil, fmt.Errorf("response has no access token")
	}
	if len(resp.User) == 0 {
		return "", nil, fmt.Errorf("response has no user")
	}

	user, err := parseUser(resp.User)
	if err != nil {
		return "", nil, err
	}
	return token, user, nil
}

func parseUser(raw json.RawMessage) (*session.User, error) {
	var wu wireUser
	if err := json.Unmarshal(raw, &wu); err != nil {
		return nil, fmt.Errorf("decoding user: %w", err)
	}

	id := idString(wu.ID)
	if id == "" {
		return nil, fmt.Errorf("user has no id")
	}

	return &session.User{
		ID:             id,
		Name:           wu.Name,
		Email:          wu.Email,
		ProfilePicture: wu.ProfilePicture,
	}, nil
}

func idString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
