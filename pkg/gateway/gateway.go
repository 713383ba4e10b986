// Package gateway is the HTTP boundary to the script backend: login,
// registration, interpretation and file storage. It holds no session state;
// callers pass the credential on every call and receive any renewed access
// token the backend attached to a successful response.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/models"
	"github.com/danpaxton/simple-script-ide/pkg/protocol"
)

// Failure classes. Errors returned by Client wrap exactly one of these.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrNotFound           = errors.New("not found")
	ErrConflict           = errors.New("conflict")
	ErrNetwork            = errors.New("network failure")
	ErrCancelled          = errors.New("request cancelled")
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrIdentityExists     = errors.New("user already exists")
)

// StatusError is returned when the backend answers with a non-success status.
type StatusError struct {
	Op      string
	Code    int
	Message string
	kind    error
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s failed (%d): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("%s failed (%d)", e.Op, e.Code)
}

// Unwrap returns the failure class, if the status maps to one.
func (e *StatusError) Unwrap() error { return e.kind }

// AsStatus checks if an error is a StatusError and returns it.
func AsStatus(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Client talks to the backend over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger

	mu       sync.RWMutex
	online   bool
	lastPing time.Time
}

// Config holds client configuration.
type Config struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client // optional; overrides Timeout
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}

	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		httpClient: httpClient,
		log:        logging.Named("gateway"),
		online:     true,
	}
}

// IsOnline reports whether the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			c.log.Info("server is back online", zap.String("server", c.baseURL))
		} else {
			c.log.Warn("server is unreachable", zap.String("server", c.baseURL))
		}
	}
	c.online = online
	c.lastPing = time.Now()
}

// Ping checks if the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	var out protocol.HealthResponse
	return c.do(ctx, "ping", http.MethodGet, "/health", nil, nil, &out)
}

// Login exchanges a username and password for a credential.
func (c *Client) Login(ctx context.Context, username, password string) (*models.Credential, error) {
	var out protocol.LoginResponse
	err := c.do(ctx, "login", http.MethodPost, "/login", nil,
		protocol.CredentialsRequest{Username: username, Password: password}, &out)
	if errors.Is(err, ErrUnauthorized) {
		return nil, fmt.Errorf("login: %w", ErrInvalidCredentials)
	}
	if err != nil {
		return nil, err
	}
	if out.AccessToken == "" {
		return nil, fmt.Errorf("login: %w: response carried no token", ErrNetwork)
	}
	if out.Username == "" {
		out.Username = username
	}
	return &models.Credential{Token: out.AccessToken, Username: out.Username}, nil
}

// Register creates a new identity. It does not log in.
func (c *Client) Register(ctx context.Context, username, password string) error {
	var out protocol.MessageResponse
	err := c.do(ctx, "register", http.MethodPost, "/create-user", nil,
		protocol.CredentialsRequest{Username: username, Password: password}, &out)
	if errors.Is(err, ErrConflict) || errors.Is(err, ErrUnauthorized) {
		return fmt.Errorf("register: %w", ErrIdentityExists)
	}
	return err
}

// Output is the result of interpreting a program.
type Output struct {
	Text string
	OK   bool
}

// Interpret submits a compiled program. cred may be nil for an anonymous run.
// Cancelling ctx aborts the request and yields ErrCancelled.
func (c *Client) Interpret(ctx context.Context, cred *models.Credential, prog compile.Program) (Output, string, error) {
	var out protocol.InterpResponse
	if err := c.do(ctx, "interpret", http.MethodPost, "/interp", cred, prog, &out); err != nil {
		return Output{}, "", err
	}
	return Output{Text: out.Output, OK: out.OK}, out.AccessToken, nil
}

// ListFiles returns the caller's files in server order.
func (c *Client) ListFiles(ctx context.Context, cred *models.Credential) ([]models.FileRecord, string, error) {
	var out protocol.FileListResponse
	if err := c.do(ctx, "list files", http.MethodGet, "/fetch-files", cred, nil, &out); err != nil {
		return nil, "", err
	}
	return out.Files, out.AccessToken, nil
}

// CreateFile creates a file; the server assigns its ID.
func (c *Client) CreateFile(ctx context.Context, cred *models.Credential, title, source string) (models.FileRecord, string, error) {
	var out protocol.FileResponse
	err := c.do(ctx, "create file", http.MethodPost, "/new-file", cred,
		protocol.NewFileRequest{Title: title, SourceCode: source}, &out)
	if err != nil {
		return models.FileRecord{}, "", err
	}
	return out.File, out.AccessToken, nil
}

// FetchFile returns one file by ID.
func (c *Client) FetchFile(ctx context.Context, cred *models.Credential, id string) (models.FileRecord, string, error) {
	var out protocol.FileResponse
	if err := c.do(ctx, "fetch file", http.MethodGet, "/fetch-file/"+url.PathEscape(id), cred, nil, &out); err != nil {
		return models.FileRecord{}, "", err
	}
	return out.File, out.AccessToken, nil
}

// UpdateFile replaces the source text of a file.
func (c *Client) UpdateFile(ctx context.Context, cred *models.Credential, id, source string) (string, error) {
	var out protocol.MessageResponse
	err := c.do(ctx, "update file", http.MethodPut, "/update-file/"+url.PathEscape(id), cred,
		protocol.UpdateFileRequest{SourceCode: source}, &out)
	if err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// DeleteFile removes a file and returns the ID the server nominates to open
// next, or "" when the caller has no files left.
func (c *Client) DeleteFile(ctx context.Context, cred *models.Credential, id string) (string, string, error) {
	var out protocol.DeleteResponse
	if err := c.do(ctx, "delete file", http.MethodDelete, "/fetch-file/"+url.PathEscape(id), cred, nil, &out); err != nil {
		return "", "", err
	}
	next := ""
	if out.NextFile != nil {
		next = *out.NextFile
	}
	return next, out.AccessToken, nil
}

// do performs one JSON round trip and classifies the outcome.
func (c *Client) do(ctx context.Context, op, method, path string, cred *models.Credential, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: encode request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if cred != nil && cred.Token != "" {
		req.Header.Set("Authorization", "Bearer "+cred.Token)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s: %w", op, ErrCancelled)
		}
		c.setOnline(false)
		return fmt.Errorf("%s: %w: %w", op, ErrNetwork, err)
	}
	defer resp.Body.Close()
	c.setOnline(true)

	c.log.Debug("round trip",
		zap.String("op", op),
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", time.Since(start)))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(op, resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("%s: %w", op, ErrCancelled)
		}
		return fmt.Errorf("%s: %w: decode response: %w", op, ErrNetwork, err)
	}
	return nil
}

func statusError(op string, resp *http.Response) error {
	se := &StatusError{Op: op, Code: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var errResp protocol.ErrorResponse
	if json.Unmarshal(data, &errResp) == nil && errResp.Error != "" {
		se.Message = errResp.Error
	} else if msg := strings.TrimSpace(string(data)); msg != "" && len(msg) < 200 {
		se.Message = msg
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		se.kind = ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		se.kind = ErrNotFound
	case resp.StatusCode == http.StatusConflict:
		se.kind = ErrConflict
	case resp.StatusCode >= 500:
		se.kind = ErrNetwork
	}
	return se
}
