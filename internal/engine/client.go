package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrNotPresent is returned by History when the engine has no record for the id yet.
var ErrNotPresent = errors.New("engine: job not present in history")

// Options configures the engine client.
type Options struct {
	BaseURL        string
	HTTPClient     *http.Client
	RequestTimeout time.Duration
	MaxImageBytes  int64
	ClientID       string
	Logger         *zerolog.Logger
}

// Client speaks the rendering engine's HTTP protocol: queue a prompt graph,
// read its history record, download produced images.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	maxImageBytes int64
	clientID      string
	logger        zerolog.Logger
}

// ImageRef locates an engine output image.
type ImageRef struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// NodeOutput holds the raw fields one node produced.
type NodeOutput map[string]json.RawMessage

// Images decodes the node's "images" field. ok is false when the node carries
// no such field.
func (n NodeOutput) Images() ([]ImageRef, bool, error) {
	raw, ok := n["images"]
	if !ok {
		return nil, false, nil
	}
	var refs []ImageRef
	if err := json.Unmarshal(raw, &refs); err != nil {
		return nil, true, fmt.Errorf("engine: decode images: %w", err)
	}
	return refs, true, nil
}

// HistoryStatus is the engine's own summary of a finished job.
type HistoryStatus struct {
	StatusStr string            `json:"status_str"`
	Completed bool              `json:"completed"`
	Messages  []json.RawMessage `json:"messages,omitempty"`
}

// HistoryRecord is the terminal record for one job.
type HistoryRecord struct {
	Outputs map[string]NodeOutput `json:"outputs"`
	Status  HistoryStatus         `json:"status"`
}

type submitRequest struct {
	Prompt   any    `json:"prompt"`
	ClientID string `json:"client_id,omitempty"`
}

type submitResponse struct {
	PromptID   string          `json:"prompt_id"`
	Number     int             `json:"number"`
	NodeErrors json.RawMessage `json:"node_errors,omitempty"`
}

// NewClient builds a client with defaults for any zero option.
func NewClient(opts Options) *Client {
	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.RequestTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:8188"
	}
	limit := opts.MaxImageBytes
	if limit <= 0 {
		limit = 64 * 1024 * 1024
	}
	clientID := opts.ClientID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	logger := zerolog.Nop()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Client{
		baseURL:       baseURL,
		httpClient:    httpClient,
		maxImageBytes: limit,
		clientID:      clientID,
		logger:        logger.With().Str("component", "engine").Logger(),
	}
}

// BaseURL returns the engine root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Submit queues a job graph and returns the engine-assigned prompt id.
func (c *Client) Submit(ctx context.Context, graph any) (string, error) {
	body, err := json.Marshal(submitRequest{Prompt: graph, ClientID: c.clientID})
	if err != nil {
		return "", fmt.Errorf("engine: encode prompt: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/prompt", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine: submit: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("engine: read submit response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("engine: submit status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var decoded submitResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", fmt.Errorf("engine: decode submit response: %w", err)
	}
	if decoded.PromptID == "" {
		return "", errors.New("engine: submit response missing prompt_id")
	}
	c.logger.Debug().Str("prompt_id", decoded.PromptID).Int("queue_number", decoded.Number).Msg("prompt queued")
	return decoded.PromptID, nil
}

// History fetches the record for promptID. It returns ErrNotPresent when the
// engine answered cleanly but has no record yet.
func (c *Client) History(ctx context.Context, promptID string) (HistoryRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/history/"+url.PathEscape(promptID), nil)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("engine: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("engine: history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HistoryRecord{}, fmt.Errorf("engine: history status %d", resp.StatusCode)
	}
	var history map[string]HistoryRecord
	if err := json.NewDecoder(resp.Body).Decode(&history); err != nil {
		return HistoryRecord{}, fmt.Errorf("engine: decode history: %w", err)
	}
	rec, ok := history[promptID]
	if !ok {
		return HistoryRecord{}, ErrNotPresent
	}
	return rec, nil
}

// View downloads an output image.
func (c *Client) View(ctx context.Context, ref ImageRef) ([]byte, error) {
	typ := ref.Type
	if typ == "" {
		typ = "output"
	}
	q := url.Values{}
	q.Set("filename", ref.Filename)
	q.Set("subfolder", ref.Subfolder)
	q.Set("type", typ)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/view?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: view: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("engine: view %s status %d", ref.Filename, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, c.maxImageBytes+1))
	if err != nil {
		return nil, fmt.Errorf("engine: read image: %w", err)
	}
	if int64(len(body)) > c.maxImageBytes {
		return nil, fmt.Errorf("engine: image too large (>%d bytes)", c.maxImageBytes)
	}
	return body, nil
}

// SystemStats probes engine liveness.
func (c *Client) SystemStats(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/system_stats", nil)
	if err != nil {
		return fmt.Errorf("engine: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("engine: system stats: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// StatusError reports a reachable engine that answered with a non-200 status.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("engine: status %d", e.Code)
}

// Checkpoints lists the model checkpoints the engine can load.
func (c *Client) Checkpoints(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/object_info/CheckpointLoaderSimple", nil)
	if err != nil {
		return nil, fmt.Errorf("engine: build request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("engine: object info: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	var info map[string]struct {
		Input struct {
			Required map[string][]json.RawMessage `json:"required"`
		} `json:"input"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return nil, fmt.Errorf("engine: decode object info: %w", err)
	}
	ckpt := info["CheckpointLoaderSimple"].Input.Required["ckpt_name"]
	if len(ckpt) == 0 {
		return []string{}, nil
	}
	var names []string
	if err := json.Unmarshal(ckpt[0], &names); err != nil {
		return nil, fmt.Errorf("engine: decode checkpoint names: %w", err)
	}
	return names, nil
}
