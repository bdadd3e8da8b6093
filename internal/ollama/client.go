// Package ollama is a minimal client for the Ollama HTTP API, covering
// the two calls caption generation needs: generate and health. Errors
// are typed so the scheduler's recovery layer can classify them; the
// client itself never retries.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// DefaultTimeout bounds a single generate call. Vision models are slow;
// the job deadline usually cuts in first via the request context.
const DefaultTimeout = 2 * time.Minute

// maxErrorBody caps how much of an error response ends up in messages.
const maxErrorBody = 2048

// Client calls one Ollama server with one configured model.
type Client struct {
	baseURL    string
	model      string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithTimeout overrides the per-call HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a client for the given server URL and model name.
func NewClient(baseURL, model string, logger *slog.Logger, opts ...Option) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		model:      model,
		httpClient: &http.Client{Timeout: DefaultTimeout},
		logger:     logger.With("component", "ollama"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.model
}

type generateRequest struct {
	Model  string   `json:"model"`
	Prompt string   `json:"prompt"`
	Images []string `json:"images,omitempty"`
	Stream bool     `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Generate produces a caption for one image. imageData is the raw image
// bytes; nil sends a text-only prompt.
func (c *Client) Generate(ctx context.Context, prompt string, imageData []byte) (string, error) {
	req := generateRequest{
		Model:  c.model,
		Prompt: prompt,
		Stream: false,
	}
	if len(imageData) > 0 {
		req.Images = []string{base64.StdEncoding.EncodeToString(imageData)}
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshaling generate request: %w", err)
	}

	start := time.Now()
	c.logger.Debug("sending generate request", "model", c.model, "image_bytes", len(imageData))

	respBody, err := c.post(ctx, "/api/generate", body)
	if err != nil {
		return "", err
	}

	var resp generateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("unmarshaling generate response: %w", err)
	}
	caption := strings.TrimSpace(resp.Response)
	if caption == "" {
		return "", fmt.Errorf("model %s returned an empty response", c.model)
	}

	c.logger.Debug("generate request done",
		"model", c.model, "duration", time.Since(start), "caption_len", len(caption))
	return caption, nil
}

// Health checks that the backend is reachable and answering.
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("creating health request: %w", err)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return &UnavailableError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return &ServerError{StatusCode: httpResp.StatusCode, Body: readErrorBody(httpResp.Body)}
	}
	return nil
}

// post sends body to path and returns the response bytes, mapping
// transport and status failures to typed errors.
func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &UnavailableError{Err: err}
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return nil, &ServerError{StatusCode: httpResp.StatusCode, Body: readErrorBody(httpResp.Body)}
	}

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	return respBody, nil
}

func readErrorBody(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, maxErrorBody))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}
