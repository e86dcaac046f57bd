// ABOUTME: Agent-side HTTP client for the relay API
// ABOUTME: Registration, polling, result submission and uploads over a retrying HTTP client

package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/2389/coven-relay/internal/store"
	"github.com/2389/coven-relay/internal/wire"
)

const applicationJSON = "application/json"

var (
	// ErrNotFound means the relay does not know the agent or command.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyResolved means the relay already holds a result for the command.
	ErrAlreadyResolved = errors.New("command already resolved")
)

// APIError is a non-2xx response from the relay.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("relay returned %d: %s", e.StatusCode, e.Message)
}

// Unwrap maps the status to ErrNotFound or ErrAlreadyResolved where it applies.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrAlreadyResolved
	}
	return nil
}

// Client talks to one relay. Connection errors and 5xx responses are retried.
type Client struct {
	baseURL string
	http    *retryablehttp.Client
	logger  *slog.Logger
}

// Options tunes the retry behaviour. Zero values keep the library defaults.
type Options struct {
	RetryMax     int
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	Timeout      time.Duration
}

// New creates a Client for baseURL (e.g. http://relay:8000). Pass nil logger for default.
func New(baseURL string, opts Options, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay-client")

	rc := retryablehttp.NewClient()
	rc.Logger = logger
	if opts.RetryMax > 0 {
		rc.RetryMax = opts.RetryMax
	}
	if opts.RetryWaitMin > 0 {
		rc.RetryWaitMin = opts.RetryWaitMin
	}
	if opts.RetryWaitMax > 0 {
		rc.RetryWaitMax = opts.RetryWaitMax
	}
	if opts.Timeout > 0 {
		rc.HTTPClient.Timeout = opts.Timeout
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    rc,
		logger:  logger,
	}
}

// Register creates a new agent and returns it.
func (c *Client) Register(ctx context.Context, meta store.AgentMetadata) (*wire.AgentView, error) {
	var view wire.AgentView
	if err := c.doJSON(ctx, http.MethodPost, "/api/register", meta, &view); err != nil {
		return nil, fmt.Errorf("registering: %w", err)
	}
	return &view, nil
}

// Pending polls the agent's pending commands, newest first. limit <= 0 uses the relay default.
func (c *Client) Pending(ctx context.Context, agentID string, limit int) ([]wire.CommandView, error) {
	path := "/api/agents/" + url.PathEscape(agentID) + "/pending"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var cmds []wire.CommandView
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &cmds); err != nil {
		return nil, fmt.Errorf("polling: %w", err)
	}
	return cmds, nil
}

// SubmitResult reports the outcome of a command.
func (c *Client) SubmitResult(ctx context.Context, commandID, result string, status store.CommandStatus) (*wire.CommandView, error) {
	body := map[string]string{"result": result, "status": string(status)}
	var view wire.CommandView
	if err := c.doJSON(ctx, http.MethodPost, "/api/commands/"+url.PathEscape(commandID)+"/result", body, &view); err != nil {
		return nil, fmt.Errorf("submitting result: %w", err)
	}
	return &view, nil
}

// Upload sends data as a multipart upload for agentID.
func (c *Client) Upload(ctx context.Context, agentID string, category store.FileCategory, filename string, data []byte) (*wire.FileView, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("agent_id", agentID); err != nil {
		return nil, err
	}
	if err := mw.WriteField("category", string(category)); err != nil {
		return nil, err
	}
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return nil, err
	}
	if _, err := fw.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/upload", buf.Bytes())
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	var view wire.FileView
	if err := c.send(req, &view); err != nil {
		return nil, fmt.Errorf("uploading: %w", err)
	}
	return &view, nil
}

// PushURL returns the WebSocket URL of agentID's push channel.
func (c *Client) PushURL(agentID string) (string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return "", fmt.Errorf("parsing relay url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported relay url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws/agent/" + url.PathEscape(agentID)
	return u.String(), nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var payload any
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		payload = data
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.baseURL+path, payload)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", applicationJSON)
	}
	return c.send(req, out)
}

// send performs req and decodes a 2xx body into out, or returns an *APIError.
func (c *Client) send(req *retryablehttp.Request, out any) error {
	req.Header.Set("Accept", applicationJSON)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return decodeAPIError(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var body struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err := json.Unmarshal(data, &body); err != nil || body.Error == "" {
		body.Error = strings.TrimSpace(string(data))
	}
	return &APIError{StatusCode: resp.StatusCode, Message: body.Error}
}
