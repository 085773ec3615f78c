package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/iago/longform/internal/failure"
)

const openRouterOp = "openrouter generate"

type OpenRouterClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	SiteURL    string
	AppName    string
}

// OpenRouterClient performs exactly one chat-completions call per Generate.
// Retries belong to the caller.
type OpenRouterClient struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	httpClient *http.Client
	siteURL    string
	appName    string
}

func NewOpenRouterClient(config OpenRouterClientConfig) *OpenRouterClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://openrouter.ai/api/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 60 * time.Second
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}
	if strings.TrimSpace(config.AppName) == "" {
		config.AppName = "Longform"
	}

	return &OpenRouterClient{
		apiKey:     strings.TrimSpace(config.APIKey),
		baseURL:    strings.TrimSuffix(config.BaseURL, "/"),
		timeout:    config.Timeout,
		httpClient: config.HTTPClient,
		siteURL:    strings.TrimSpace(config.SiteURL),
		appName:    strings.TrimSpace(config.AppName),
	}
}

func (c *OpenRouterClient) Available() bool {
	return c.apiKey != ""
}

func (c *OpenRouterClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, failure.Permanent(openRouterOp, ErrProviderUnavailable)
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, failure.Validation(openRouterOp, "model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, failure.Validation(openRouterOp, "input is required")
	}

	encoded, err := json.Marshal(newChatRequest(request))
	if err != nil {
		return GenerateResult{}, failure.Permanent(openRouterOp, fmt.Errorf("marshal openrouter payload: %w", err))
	}

	return c.callChatCompletionsAPI(ctx, encoded, request.Model)
}

func (c *OpenRouterClient) callChatCompletionsAPI(
	ctx context.Context,
	payload []byte,
	requestedModel string,
) (GenerateResult, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpRequest, err := http.NewRequestWithContext(
		timeoutCtx,
		http.MethodPost,
		c.baseURL+"/chat/completions",
		bytes.NewReader(payload),
	)
	if err != nil {
		return GenerateResult{}, failure.Permanent(openRouterOp, fmt.Errorf("create openrouter request: %w", err))
	}
	httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpRequest.Header.Set("Content-Type", "application/json")
	httpRequest.Header.Set("Accept", "application/json")
	if c.siteURL != "" {
		httpRequest.Header.Set("HTTP-Referer", c.siteURL)
	}
	if c.appName != "" {
		httpRequest.Header.Set("X-Title", c.appName)
	}

	httpResponse, err := c.httpClient.Do(httpRequest)
	if err != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			return GenerateResult{}, failure.Wrap(failure.KindCanceled, openRouterOp, err)
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) {
			return GenerateResult{}, failure.Transient(openRouterOp, fmt.Errorf("openrouter timeout: %w", err))
		}
		return GenerateResult{}, failure.Transient(openRouterOp, fmt.Errorf("openrouter transport error: %w", err))
	}
	defer httpResponse.Body.Close()

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return GenerateResult{}, failure.Transient(openRouterOp, fmt.Errorf("read openrouter body: %w", err))
	}

	if httpResponse.StatusCode < 200 || httpResponse.StatusCode > 299 {
		message := strings.TrimSpace(string(body))
		if len(message) > 700 {
			message = message[:700]
		}
		httpErr := &providerHTTPError{
			Provider:   "openrouter",
			StatusCode: httpResponse.StatusCode,
			Message:    message,
		}
		return GenerateResult{}, failure.Wrap(classifyStatus(httpResponse.StatusCode), openRouterOp, httpErr)
	}

	var raw openRouterChatCompletionsResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return GenerateResult{}, failure.Permanent(openRouterOp, fmt.Errorf("decode openrouter response: %w", err))
	}

	text := extractOpenRouterText(raw)
	if strings.TrimSpace(text) == "" {
		return GenerateResult{}, failure.Transient(openRouterOp, errors.New("openrouter response without text output"))
	}

	return GenerateResult{
		Text:    text,
		ModelID: providerFirstNonEmpty(raw.Model, requestedModel),
		Usage: TokenUsage{
			InputTokens:  raw.Usage.PromptTokens,
			OutputTokens: raw.Usage.CompletionTokens,
			TotalTokens:  raw.Usage.TotalTokens,
		},
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string              `json:"model"`
	Messages       []chatMessage       `json:"messages"`
	Temperature    float64             `json:"temperature"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *chatResponseFormat `json:"response_format,omitempty"`
}

func newChatRequest(request GenerateRequest) chatRequest {
	out := chatRequest{
		Model:       request.Model,
		Temperature: request.Temperature,
		MaxTokens:   request.MaxOutputTokens,
	}
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		out.Messages = append(out.Messages, chatMessage{Role: "system", Content: instructions})
	}
	out.Messages = append(out.Messages, chatMessage{Role: "user", Content: request.Input})
	if request.JSONOutput {
		out.ResponseFormat = &chatResponseFormat{Type: "json_object"}
	}
	return out
}

type openRouterChatCompletionsResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role    string `json:"role"`
			Content any    `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// extractOpenRouterText accepts both plain string content and the list of
// typed parts some models return.
func extractOpenRouterText(response openRouterChatCompletionsResponse) string {
	if len(response.Choices) == 0 {
		return ""
	}
	switch content := response.Choices[0].Message.Content.(type) {
	case string:
		return strings.TrimSpace(content)
	case []any:
		var parts []string
		for _, item := range content {
			part, _ := item.(map[string]any)
			if text, _ := part["text"].(string); strings.TrimSpace(text) != "" {
				parts = append(parts, strings.TrimSpace(text))
			}
		}
		return strings.Join(parts, "\n")
	}
	return ""
}

func providerFirstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type providerHTTPError struct {
	Provider   string
	StatusCode int
	Message    string
}

func (e *providerHTTPError) Error() string {
	return fmt.Sprintf("%s status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// Rate limiting, request timeouts and server errors clear up on their own;
// any other rejection repeats on retry.
func classifyStatus(status int) failure.Kind {
	switch {
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout, status >= 500:
		return failure.KindTransient
	default:
		return failure.KindPermanent
	}
}
