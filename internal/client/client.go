// Package client talks to the SwipeStats API on behalf of the uploader. It
// provides the session, blob and commit services the submission orchestrator
// depends on, and the resolver query.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/Boe-Ventures/swipestats.io-sub000/internal/config"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/export"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/resolve"
	"github.com/Boe-Ventures/swipestats.io-sub000/internal/submit"
)

// APIError is a non-2xx response from the API.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api error %d", e.Status)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// IsCode reports whether err is an APIError with the given code.
func IsCode(err error, code string) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Code == code
}

type storedSession struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Anonymous bool      `json:"anonymous"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type Client struct {
	baseURL     string
	http        *http.Client
	cache       contextCache
	sessionFile string
	logger      *zap.Logger

	mu      sync.Mutex
	session storedSession
}

func New(cfg config.ClientConfig, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		baseURL:     strings.TrimRight(cfg.APIURL, "/"),
		http:        httpClient,
		cache:       newContextCache(cfg.ContextCacheMB, cfg.ContextTTL),
		sessionFile: cfg.SessionFile,
		logger:      logger,
	}
	if err := c.loadSession(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) loadSession() error {
	if c.sessionFile == "" {
		return nil
	}
	data, err := os.ReadFile(c.sessionFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read session file: %w", err)
	}
	var stored storedSession
	if err := json.Unmarshal(data, &stored); err != nil {
		c.logger.Warn("ignoring unreadable session file", zap.String("path", c.sessionFile))
		return nil
	}
	if !stored.ExpiresAt.IsZero() && time.Now().After(stored.ExpiresAt) {
		return nil
	}
	c.session = stored
	return nil
}

func (c *Client) setSession(stored storedSession) error {
	c.mu.Lock()
	c.session = stored
	c.mu.Unlock()
	c.cache.Clear()

	if c.sessionFile == "" {
		return nil
	}
	data, err := json.Marshal(stored)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(c.sessionFile), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	if err := os.WriteFile(c.sessionFile, data, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

// CurrentSession returns the session the client will act under.
func (c *Client) CurrentSession() resolve.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.session.Token == "":
		return resolve.Session{}
	case c.session.Anonymous:
		return resolve.AnonymousSession(c.session.UserID)
	default:
		return resolve.RealSession(c.session.UserID)
	}
}

func (c *Client) token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.Token
}

// EnsureAnonymousSession creates an anonymous session unless one exists.
func (c *Client) EnsureAnonymousSession(ctx context.Context) (resolve.Session, error) {
	if current := c.CurrentSession(); current.Kind != resolve.SessionNone {
		return current, nil
	}
	var created storedSession
	if err := c.do(ctx, http.MethodPost, "/api/session/anonymous", nil, &created); err != nil {
		return resolve.Session{}, err
	}
	if err := c.setSession(created); err != nil {
		return resolve.Session{}, err
	}
	c.logger.Debug("anonymous session created", zap.String("user_id", created.UserID))
	return c.CurrentSession(), nil
}

// SignIn replaces the current session with a signed-in one.
func (c *Client) SignIn(ctx context.Context, email, password string) (resolve.Session, error) {
	return c.authenticate(ctx, "/api/auth/signin", email, password)
}

// SignUp registers an account. An anonymous session is upgraded so its
// profiles stay with the new account.
func (c *Client) SignUp(ctx context.Context, email, password string) (resolve.Session, error) {
	return c.authenticate(ctx, "/api/auth/signup", email, password)
}

func (c *Client) authenticate(ctx context.Context, path, email, password string) (resolve.Session, error) {
	var created storedSession
	body := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, http.MethodPost, path, body, &created); err != nil {
		return resolve.Session{}, err
	}
	if err := c.setSession(created); err != nil {
		return resolve.Session{}, err
	}
	return c.CurrentSession(), nil
}

// UploadContext queries the resolver. Answers are cached briefly per
// provider, account, session and facts.
func (c *Client) UploadContext(ctx context.Context, req resolve.Request) (resolve.Context, error) {
	key, err := c.cacheKey(req)
	if err != nil {
		return resolve.Context{}, err
	}
	if cached, ok := c.cache.Get(key); ok {
		var uctx resolve.Context
		if err := json.Unmarshal(cached, &uctx); err == nil {
			return uctx, nil
		}
	}

	var uctx resolve.Context
	if err := c.do(ctx, http.MethodPost, "/api/upload-context", req, &uctx); err != nil {
		return resolve.Context{}, err
	}
	if encoded, err := json.Marshal(uctx); err == nil {
		c.cache.Set(key, encoded)
	}
	return uctx, nil
}

// ForgetContexts drops cached resolver answers.
func (c *Client) ForgetContexts() {
	c.cache.Clear()
}

func (c *Client) cacheKey(req resolve.Request) (string, error) {
	facts, err := json.Marshal(req.Facts)
	if err != nil {
		return "", err
	}
	current := c.CurrentSession()
	return fmt.Sprintf("%s|%s|%d|%s|%s", req.Provider, req.AccountID, current.Kind, current.UserID, facts), nil
}

// Put stages data under key through a presigned upload URL.
func (c *Client) Put(ctx context.Context, key string, data []byte) (string, error) {
	var presigned struct {
		UploadURL string `json:"uploadUrl"`
		URL       string `json:"url"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/blobs", map[string]string{"key": key}, &presigned); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, presigned.UploadURL, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.ContentLength = int64(len(data))

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload blob: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &APIError{Status: resp.StatusCode, Code: "BLOB_UPLOAD_FAILED", Message: "blob upload failed"}
	}
	return presigned.URL, nil
}

type commitResponse struct {
	AccountID  string `json:"accountId"`
	MergedFrom string `json:"mergedFrom,omitempty"`
}

func (c *Client) CreateProfile(ctx context.Context, req submit.CommitRequest) (string, error) {
	return c.commit(ctx, http.MethodPost, "/api/profiles/"+string(req.Provider), req)
}

func (c *Client) UpdateProfile(ctx context.Context, req submit.CommitRequest) (string, error) {
	return c.commit(ctx, http.MethodPut, "/api/profiles/"+string(req.Provider)+"/"+req.AccountID, req)
}

func (c *Client) MergeProfile(ctx context.Context, req submit.CommitRequest) (string, error) {
	return c.commit(ctx, http.MethodPost, "/api/profiles/"+string(req.Provider)+"/"+req.AccountID+"/merge", req)
}

func (c *Client) commit(ctx context.Context, method, path string, req submit.CommitRequest) (string, error) {
	var resp commitResponse
	if err := c.do(ctx, method, path, req, &resp); err != nil {
		return "", err
	}
	// Stored profiles changed, so earlier answers are stale.
	c.cache.Clear()
	return resp.AccountID, nil
}

// DeleteProfile removes one of the caller's profiles, which clears an
// identity mismatch.
func (c *Client) DeleteProfile(ctx context.Context, provider export.Provider, accountID string) error {
	if err := c.do(ctx, http.MethodDelete, "/api/profiles/"+string(provider)+"/"+accountID, nil, nil); err != nil {
		return err
	}
	c.cache.Clear()
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := c.token(); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		var payload struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&payload); err == nil {
			apiErr.Code = payload.Code
			apiErr.Message = payload.Error
		}
		c.logger.Debug("api error", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.String("code", apiErr.Code))
		if apiErr.Code == "UNAUTHORIZED" && req.Header.Get("Authorization") != "" {
			// The stored token was revoked or expired server-side.
			if err := c.setSession(storedSession{}); err != nil {
				c.logger.Warn("clear session", zap.Error(err))
			}
		}
		return apiErr
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
