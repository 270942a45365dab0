package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	apperrors "github.com/modelrelay/modelrelay/pkg/errors"
)

// Client is the boundary to one external LLM provider. Implementations must
// be safe for concurrent use and must return *errors.AppError values so the
// caller can classify failures into rejected/timeout/network/other.
type Client interface {
	ID() string
	Call(ctx context.Context, req CallRequest) (*CallResponse, error)
}

// HTTPClient calls an OpenAI-compatible chat completions endpoint.
type HTTPClient struct {
	id       string
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

// NewHTTPClient creates a client for an OpenAI-compatible endpoint
func NewHTTPClient(id, endpoint, apiKey, model string, timeout time.Duration) *HTTPClient {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &HTTPClient{
		id:       id,
		endpoint: endpoint,
		apiKey:   apiKey,
		model:    model,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// ID returns the provider identifier
func (c *HTTPClient) ID() string {
	return c.id
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Call sends the request and maps the response or failure into the unified
// shapes. HTTP 429 maps to a rejection, transport failures to network errors.
func (c *HTTPClient) Call(ctx context.Context, req CallRequest) (*CallResponse, error) {
	messages := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		messages = append(messages, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	messages = append(messages, chatMessage{Role: "user", Content: req.Prompt})

	model := req.Model
	if model == "" {
		model = c.model
	}

	payload, err := json.Marshal(chatRequest{
		Model:     model,
		Messages:  messages,
		MaxTokens: req.MaxTokens,
	})
	if err != nil {
		return nil, apperrors.NewInternalError("failed to marshal provider request").WithCause(err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.endpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, apperrors.NewInternalError("failed to create provider request").WithCause(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, c.classifyTransportError(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperrors.NewNetworkError(c.id, "failed to read provider response").WithCause(err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, apperrors.NewProviderRejectedError(c.id,
			fmt.Sprintf("provider %s rejected request with status 429", c.id))
	case resp.StatusCode >= 500:
		return nil, apperrors.NewExternalError(c.id,
			fmt.Sprintf("provider %s returned status %d", c.id, resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, apperrors.NewExternalError(c.id,
			fmt.Sprintf("provider %s returned status %d: %s", c.id, resp.StatusCode, truncate(string(body), 200)))
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, apperrors.NewExternalError(c.id, "failed to decode provider response").WithCause(err)
	}
	if len(parsed.Choices) == 0 {
		return nil, apperrors.NewExternalError(c.id, "provider response contained no choices")
	}

	return &CallResponse{
		Content:   parsed.Choices[0].Message.Content,
		Model:     parsed.Model,
		TokensIn:  parsed.Usage.PromptTokens,
		TokensOut: parsed.Usage.CompletionTokens,
		Latency:   time.Since(start),
	}, nil
}

func (c *HTTPClient) classifyTransportError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewProviderTimeoutError(c.id).WithCause(err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewProviderTimeoutError(c.id).WithCause(err)
	}
	return apperrors.NewNetworkError(c.id, "provider call failed").WithCause(err)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
