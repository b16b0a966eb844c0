package vrchat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/websocket"

	"github.com/tomacheese/watch-vrchat-user/pkg/version"
)

const (
	// DefaultBaseURL is the VRChat REST API root.
	DefaultBaseURL = "https://api.vrchat.cloud/api/1"

	// DefaultPipelineURL is the VRChat websocket feed endpoint.
	DefaultPipelineURL = "wss://pipeline.vrchat.cloud/"

	// friendsPageSize is the page size for roster fetches; the API caps at 100.
	friendsPageSize = 100

	// pipelineReadLimit bounds a single feed message. Friend payloads carry
	// full user and world documents, well past the library's 32 KiB default.
	pipelineReadLimit = 1 << 20
)

// Sentinel errors for API status classification.
// Use errors.Is(err, vrchat.ErrUnauthorized) to check.
var (
	ErrUnauthorized      = errors.New("vrchat: unauthorized")
	ErrForbidden         = errors.New("vrchat: forbidden")
	ErrNotFound          = errors.New("vrchat: not found")
	ErrThrottled         = errors.New("vrchat: throttled")
	ErrServerError       = errors.New("vrchat: server error")
	ErrTwoFactorRequired = errors.New("vrchat: two-factor authentication required")
)

// APIError wraps a sentinel error with the HTTP status line and the API
// error message body. The status line stays in the error text so failure
// classification can match on "401 Unauthorized".
type APIError struct {
	StatusCode int
	Status     string
	Message    string
	Err        error // sentinel, for errors.Is()
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("vrchat: HTTP %s: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("vrchat: HTTP %s", e.Status)
}

func (e *APIError) Unwrap() error {
	return e.Err
}

// classifyStatus maps an HTTP status code to a sentinel error.
// Returns nil for codes without a dedicated sentinel.
func classifyStatus(code int) error {
	switch code {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusForbidden:
		return ErrForbidden
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusTooManyRequests:
		return ErrThrottled
	default:
		if code >= http.StatusInternalServerError {
			return ErrServerError
		}
		return nil
	}
}

// newAPIError builds an APIError from a non-2xx response, consuming up
// to 4 KiB of the body for the message.
func newAPIError(resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &APIError{
		StatusCode: resp.StatusCode,
		Status:     resp.Status,
		Message:    strings.TrimSpace(string(body)),
		Err:        classifyStatus(resp.StatusCode),
	}
}

// Friend is one row of the friends roster.
type Friend struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	Location    string `json:"location"`
	Status      string `json:"status"`
}

// Config holds the settings for a Client.
type Config struct {
	// Username and Password authenticate against the VRChat API.
	Username string
	Password string

	// BaseURL overrides the REST API root (tests). Defaults to DefaultBaseURL.
	BaseURL string

	// PipelineURL overrides the websocket endpoint (tests).
	// Defaults to DefaultPipelineURL.
	PipelineURL string

	// AuthToken primes the client with a previously issued auth cookie,
	// skipping the credential login until the token is rejected.
	AuthToken string

	// OnAuthToken is called with the auth cookie after every successful
	// login, so callers can persist it across restarts.
	OnAuthToken func(token string)

	// HTTPClient overrides the HTTP client. Defaults to http.DefaultClient.
	HTTPClient *http.Client

	// Logger receives request diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Client talks to the VRChat REST API and dials the websocket pipeline.
// It is safe for concurrent use.
type Client struct {
	baseURL     string
	pipelineURL string
	username    string
	password    string
	onAuthToken func(string)
	httpClient  *http.Client
	logger      *slog.Logger

	mu        sync.Mutex
	authToken string
}

// NewClient creates a VRChat API client.
func NewClient(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultBaseURL
	}
	if config.PipelineURL == "" {
		config.PipelineURL = DefaultPipelineURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	return &Client{
		baseURL:     config.BaseURL,
		pipelineURL: config.PipelineURL,
		username:    config.Username,
		password:    config.Password,
		onAuthToken: config.OnAuthToken,
		httpClient:  config.HTTPClient,
		logger:      config.Logger,
		authToken:   config.AuthToken,
	}
}

// AuthToken returns the current auth cookie, or "" before login.
func (c *Client) AuthToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authToken
}

func (c *Client) setAuthToken(token string) {
	c.mu.Lock()
	c.authToken = token
	c.mu.Unlock()
}

// Login authenticates with basic credentials and stores the auth cookie.
// Accounts with two-factor authentication enabled are rejected with
// ErrTwoFactorRequired; the watcher cannot answer a 2FA challenge.
func (c *Client) Login(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/auth/user", nil)
	if err != nil {
		return fmt.Errorf("vrchat: creating login request: %w", err)
	}
	// VRChat requires URL-escaped credentials in the basic auth header.
	req.SetBasicAuth(url.QueryEscape(c.username), url.QueryEscape(c.password))
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vrchat: login request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return newAPIError(resp)
	}

	var body struct {
		RequiresTwoFactorAuth []string `json:"requiresTwoFactorAuth"`
		DisplayName           string   `json:"displayName"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("vrchat: decoding login response: %w", err)
	}
	if len(body.RequiresTwoFactorAuth) > 0 {
		return fmt.Errorf("vrchat: login rejected: %w (%s)",
			ErrTwoFactorRequired, strings.Join(body.RequiresTwoFactorAuth, ", "))
	}

	token := authCookie(resp)
	if token == "" {
		return errors.New("vrchat: login response carried no auth cookie")
	}
	c.setAuthToken(token)

	c.logger.Info("logged in to vrchat", slog.String("display_name", body.DisplayName))

	if c.onAuthToken != nil {
		c.onAuthToken(token)
	}
	return nil
}

// authCookie extracts the auth cookie value from a login response.
func authCookie(resp *http.Response) string {
	for _, cookie := range resp.Cookies() {
		if cookie.Name == "auth" {
			return cookie.Value
		}
	}
	return ""
}

// Friends fetches the full friends roster: the online pages first, then
// the offline pages. Locations on offline rows are "offline".
func (c *Client) Friends(ctx context.Context) ([]Friend, error) {
	var all []Friend
	for _, offline := range []bool{false, true} {
		friends, err := c.friendPages(ctx, offline)
		if err != nil {
			return nil, err
		}
		all = append(all, friends...)
	}
	return all, nil
}

// friendPages walks the paged roster endpoint until a short page.
func (c *Client) friendPages(ctx context.Context, offline bool) ([]Friend, error) {
	var out []Friend
	for offset := 0; ; offset += friendsPageSize {
		query := url.Values{}
		query.Set("n", strconv.Itoa(friendsPageSize))
		query.Set("offset", strconv.Itoa(offset))
		query.Set("offline", strconv.FormatBool(offline))

		var page []Friend
		if err := c.get(ctx, "/auth/user/friends", query, &page); err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < friendsPageSize {
			return out, nil
		}
	}
}

// get performs an authenticated GET and decodes the JSON response into v.
func (c *Client) get(ctx context.Context, path string, query url.Values, v any) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fmt.Errorf("vrchat: creating request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.AddCookie(&http.Cookie{Name: "auth", Value: c.AuthToken()})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("vrchat: %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		if resp.StatusCode == http.StatusUnauthorized {
			// Cookie expired or revoked; force a fresh login next connect.
			c.setAuthToken("")
		}
		return newAPIError(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("vrchat: decoding %s response: %w", path, err)
	}
	return nil
}

// Connect logs in if no auth cookie is held, dials the websocket
// pipeline and returns the live feed.
func (c *Client) Connect(ctx context.Context) (*Pipeline, error) {
	if c.AuthToken() == "" {
		if err := c.Login(ctx); err != nil {
			return nil, err
		}
	}

	u := c.pipelineURL + "?authToken=" + url.QueryEscape(c.AuthToken())
	conn, resp, err := websocket.Dial(ctx, u, &websocket.DialOptions{
		HTTPClient: c.httpClient,
		HTTPHeader: http.Header{"User-Agent": []string{version.UserAgent()}},
	})
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			c.setAuthToken("")
			return nil, &APIError{
				StatusCode: resp.StatusCode,
				Status:     resp.Status,
				Message:    "pipeline rejected auth token",
				Err:        classifyStatus(resp.StatusCode),
			}
		}
		return nil, fmt.Errorf("vrchat: pipeline dial: %w", err)
	}
	conn.SetReadLimit(pipelineReadLimit)

	c.logger.Debug("pipeline connected")
	return newPipeline(conn, c.logger), nil
}
