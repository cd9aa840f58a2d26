package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/vigilstack/vigil-agent/internal/models"
)

// ErrFallback signals that the oracle could not produce a usable proposal
// and the caller should fall back to the static signal-to-action rules.
var ErrFallback = errors.New("oracle: falling back to static rules")

// DecideRequest is the situation digest posted to the oracle.
type DecideRequest struct {
	Model          string                   `json:"model,omitempty"`
	TraceID        string                   `json:"trace_id"`
	Situation      string                   `json:"situation"`
	Observations   []string                 `json:"observations,omitempty"`
	Baseline       *models.BaselineProfile  `json:"baseline,omitempty"`
	Trend          *models.TrendResult      `json:"trend,omitempty"`
	Simulation     *models.SimulationResult `json:"simulation,omitempty"`
	Lessons        []string                 `json:"lessons,omitempty"`
	AllowedActions []string                 `json:"allowed_actions"`
	Tools          []Tool                   `json:"tools"`
}

// Proposal is the oracle's answer: one catalog action with its rationale.
type Proposal struct {
	Action     string            `json:"action"`
	Params     map[string]string `json:"params,omitempty"`
	Hypothesis string            `json:"hypothesis"`
	Prediction models.Prediction `json:"prediction"`
	Reasoning  string            `json:"reasoning,omitempty"`
}

// Client talks to the reasoning oracle over HTTP.
type Client struct {
	baseURL    string
	decidePath string
	apiKey     string
	model      string
	maxRetries int
	registry   *Registry
	httpClient *http.Client
}

// NewClient constructs a client targeting the configured oracle endpoint.
func NewClient(baseURL, decidePath, apiKey, model string, timeout time.Duration, maxRetries int, registry *Registry) *Client {
	if maxRetries < 0 {
		maxRetries = 0
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		decidePath: decidePath,
		apiKey:     apiKey,
		model:      model,
		maxRetries: maxRetries,
		registry:   registry,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Decide posts the situation and returns the parsed proposal. Transport
// failures, non-200 responses, and unparseable bodies all wrap ErrFallback
// so the engine degrades instead of stalling.
func (c *Client) Decide(ctx context.Context, req DecideRequest) (*Proposal, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: oracle not configured", ErrFallback)
	}

	if req.Model == "" {
		req.Model = c.model
	}
	if len(req.Tools) == 0 && c.registry != nil {
		req.Tools = c.registry.Describe()
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("oracle: marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		raw, err := c.post(ctx, body)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				break
			}
			continue
		}
		proposal, err := ParseProposal(raw)
		if err != nil {
			lastErr = err
			continue
		}
		return proposal, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrFallback, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.decideURL(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oracle returned %s", resp.Status)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 1<<20))
}

func (c *Client) decideURL() string {
	cleaned := "/" + strings.TrimLeft(c.decidePath, "/")
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return c.baseURL + cleaned
	}
	u.Path = path.Join(u.Path, cleaned)
	return u.String()
}

// ParseProposal extracts a proposal from the oracle's raw reply. The reply
// may wrap the JSON in markdown fences or surround it with prose; anything
// that does not contain a well-formed proposal is an error.
func ParseProposal(raw []byte) (*Proposal, error) {
	text := stripFences(string(raw))

	// Cut prose around the outermost JSON object.
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, fmt.Errorf("oracle: reply contains no JSON object")
	}

	var wire struct {
		Action     string            `json:"action"`
		Params     map[string]any    `json:"params"`
		Hypothesis string            `json:"hypothesis"`
		Prediction models.Prediction `json:"prediction"`
		Reasoning  string            `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &wire); err != nil {
		return nil, fmt.Errorf("oracle: decode proposal: %w", err)
	}
	if wire.Action == "" {
		return nil, fmt.Errorf("oracle: proposal names no action")
	}

	params := map[string]string{}
	for k, v := range wire.Params {
		switch val := v.(type) {
		case string:
			params[k] = val
		case float64:
			if val == float64(int64(val)) {
				params[k] = fmt.Sprintf("%d", int64(val))
			} else {
				params[k] = fmt.Sprintf("%g", val)
			}
		case bool:
			params[k] = fmt.Sprintf("%t", val)
		default:
			return nil, fmt.Errorf("oracle: parameter %q has unsupported type", k)
		}
	}

	return &Proposal{
		Action:     wire.Action,
		Params:     params,
		Hypothesis: wire.Hypothesis,
		Prediction: wire.Prediction,
		Reasoning:  wire.Reasoning,
	}, nil
}

func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
