package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const responsesPath = "/responses"

// statusBodyLimit bounds how much of an error body is surfaced.
const statusBodyLimit = 1200

// Client issues streaming requests against the completion service's
// /responses endpoint.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// NewClient builds a client for the given base URL and credential. Trailing
// slashes on the base are trimmed; the /responses path is appended unless
// already present.
func NewClient(baseURL, apiKey string) *Client {
	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	return &Client{
		baseURL:    base,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

func (c *Client) endpoint() string {
	if strings.HasSuffix(c.baseURL, responsesPath) {
		return c.baseURL
	}
	return c.baseURL + responsesPath
}

// TurnInput describes one streaming turn.
type TurnInput struct {
	Model              string
	Message            string
	PreviousResponseID string
	ReasoningEffort    string
}

type responsesRequest struct {
	Model              string      `json:"model"`
	Input              []inputItem `json:"input"`
	Stream             bool        `json:"stream"`
	Reasoning          reasoning   `json:"reasoning"`
	PreviousResponseID string      `json:"previous_response_id,omitempty"`
}

type inputItem struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type reasoning struct {
	Effort  string `json:"effort"`
	Summary string `json:"summary"`
}

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("responses api %d: %s", e.StatusCode, e.Body)
}

// Stream sends the turn and returns the upstream SSE body. The caller must
// close the returned body. A non-2xx status or missing body yields a
// *StatusError.
func (c *Client) Stream(ctx context.Context, in TurnInput) (io.ReadCloser, error) {
	reqBody := responsesRequest{
		Model: in.Model,
		Input: []inputItem{{
			Role:    "user",
			Content: []contentPart{{Type: "input_text", Text: in.Message}},
		}},
		Stream:             true,
		Reasoning:          reasoning{Effort: in.ReasoningEffort, Summary: "auto"},
		PreviousResponseID: in.PreviousResponseID,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal turn request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create turn request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to reach responses api: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, statusBodyLimit))
		resp.Body.Close()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(snippet)}
	}
	if resp.Body == nil {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: "empty response body"}
	}
	return resp.Body, nil
}
