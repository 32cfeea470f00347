package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rendis/flowgraph/internal/nodes"
	"github.com/rendis/flowgraph/pkg/schema"
)

// Provider types accepted in an LLM configuration.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderCustom    = "custom"
)

// Base URLs used when a configuration leaves base_url empty.
const (
	DefaultOpenAIBaseURL    = "https://api.openai.com/v1"
	DefaultAnthropicBaseURL = "https://api.anthropic.com/v1"
)

const (
	anthropicVersion = "2023-06-01"
	maxErrorBody     = 2048
)

// DefaultModel returns the model used for providerType when neither the node
// nor the configuration names one.
func DefaultModel(providerType string) string {
	switch providerType {
	case ProviderOpenAI:
		return "gpt-4"
	case ProviderAnthropic:
		return "claude-3-5-sonnet-20241022"
	}
	return ""
}

// Request is one completion call.
type Request struct {
	Model        string
	SystemPrompt string
	UserMessage  string
	Temperature  float64
	MaxTokens    int
}

// Provider performs a single completion against one upstream API.
type Provider interface {
	// Name is the provider type.
	Name() string
	// Endpoint identifies the upstream for rate limiting and circuit breaking.
	Endpoint() string
	Complete(ctx context.Context, req Request) (string, error)
}

// NewProvider builds the provider described by cfg.
func NewProvider(cfg nodes.LLMConfig, client *http.Client) (Provider, error) {
	if client == nil {
		client = http.DefaultClient
	}
	base := strings.TrimRight(cfg.BaseURL, "/")
	switch cfg.Type {
	case ProviderOpenAI:
		if base == "" {
			base = DefaultOpenAIBaseURL
		}
		return &chatCompletions{name: ProviderOpenAI, baseURL: base, apiKey: cfg.APIKey, client: client}, nil
	case ProviderCustom:
		if base == "" {
			return nil, schema.NewError(schema.ErrCodeConfigMissing, "base_url is required for custom providers")
		}
		return &chatCompletions{name: ProviderCustom, baseURL: base, apiKey: cfg.APIKey, client: client}, nil
	case ProviderAnthropic:
		if base == "" {
			base = DefaultAnthropicBaseURL
		}
		return &anthropicMessages{baseURL: base, apiKey: cfg.APIKey, client: client}, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "Unknown provider type: %s", cfg.Type)
	}
}

// --- OpenAI-compatible chat completions ---

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type chatCompletions struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
}

func (p *chatCompletions) Name() string     { return p.name }
func (p *chatCompletions) Endpoint() string { return p.baseURL + "/chat/completions" }

func (p *chatCompletions) Complete(ctx context.Context, req Request) (string, error) {
	body := chatRequest{Model: req.Model, Temperature: req.Temperature, MaxTokens: req.MaxTokens}
	if req.SystemPrompt != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.SystemPrompt})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.UserMessage})

	headers := map[string]string{"Authorization": "Bearer " + p.apiKey}
	var resp chatResponse
	if err := postJSON(ctx, p.client, p.name, p.Endpoint(), headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", schema.NewErrorf(schema.ErrCodeProviderHTTP, "%s returned no choices", p.name)
	}
	return resp.Choices[0].Message.Content, nil
}

// --- Anthropic messages ---

type anthropicRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens"`
	Temperature float64       `json:"temperature"`
	System      string        `json:"system,omitempty"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type anthropicMessages struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func (p *anthropicMessages) Name() string     { return ProviderAnthropic }
func (p *anthropicMessages) Endpoint() string { return p.baseURL + "/messages" }

func (p *anthropicMessages) Complete(ctx context.Context, req Request) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	body := anthropicRequest{
		Model:       req.Model,
		Messages:    []chatMessage{{Role: "user", Content: req.UserMessage}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		System:      req.SystemPrompt,
	}
	headers := map[string]string{
		"x-api-key":         p.apiKey,
		"anthropic-version": anthropicVersion,
	}
	var resp anthropicResponse
	if err := postJSON(ctx, p.client, ProviderAnthropic, p.Endpoint(), headers, body, &resp); err != nil {
		return "", err
	}
	if len(resp.Content) == 0 {
		return "", schema.NewError(schema.ErrCodeProviderHTTP, "anthropic returned no content")
	}
	return resp.Content[0].Text, nil
}

// --- HTTP plumbing ---

// retryAfter carries an upstream Retry-After hint on RATE_LIMITED errors.
type retryAfter struct {
	wait time.Duration
}

func (r *retryAfter) Error() string {
	return "retry after " + r.wait.String()
}

// retryAfterOf returns the hint attached to err, if any.
func retryAfterOf(err error) (time.Duration, bool) {
	var ra *retryAfter
	if errors.As(err, &ra) {
		return ra.wait, true
	}
	return 0, false
}

func postJSON(ctx context.Context, client *http.Client, provider, url string, headers map[string]string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "encode %s request: %v", provider, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeProviderHTTP, "build %s request: %v", provider, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return schema.NewErrorf(schema.ErrCodeProviderHTTP, "%s request failed: %v", provider, err).WithCause(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		fe := schema.NewErrorf(schema.ErrCodeRateLimited, "%s API rate limit exceeded", provider).
			WithDetails(map[string]any{"status": resp.StatusCode})
		if wait, ok := parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()); ok {
			fe.Details["retry_after"] = wait.String()
			fe.WithCause(&retryAfter{wait: wait})
		}
		return fe
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return schema.NewErrorf(schema.ErrCodeProviderHTTP,
			"%s API request failed with status %d: %s", provider, resp.StatusCode, strings.TrimSpace(string(text))).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return schema.NewErrorf(schema.ErrCodeProviderHTTP, "decode %s response: %v", provider, err).
			WithDetails(map[string]any{"status": resp.StatusCode})
	}
	return nil
}

// parseRetryAfter accepts delay-seconds or an HTTP date.
func parseRetryAfter(value string, now time.Time) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0, false
		}
		return time.Duration(secs) * time.Second, true
	}
	if at, err := http.ParseTime(value); err == nil {
		wait := at.Sub(now)
		if wait < 0 {
			wait = 0
		}
		return wait, true
	}
	return 0, false
}
