package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"semcache/completion"
	"semcache/usage"
)

// Service implements completion.Service against an OpenAI-compatible
// chat completions endpoint.
type Service struct {
	client        *http.Client
	endpoint      string
	apiKeyEnvName string
	logger        *zap.Logger
}

// New creates a completion service. The API key is read from the named
// environment variable on every call, never stored.
func New(endpoint string, apiKeyEnvName string, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	return &Service{
		client:        &http.Client{Timeout: timeout},
		endpoint:      endpoint,
		apiKeyEnvName: apiKeyEnvName,
		logger:        logger,
	}
}

// Generate implements completion.Service.
func (s *Service) Generate(ctx context.Context, req *completion.Request) (*completion.Result, error) {
	upstreamReq, err := s.buildUpstreamRequest(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("fail to build upstream request: %w", err)
	}

	resp, err := s.client.Do(upstreamReq)
	if err != nil {
		return nil, fmt.Errorf("fail to call upstream api: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("upstream api returned status %d: %s", resp.StatusCode, body)
	}
	if err != nil {
		return nil, fmt.Errorf("fail to read upstream response: %w", err)
	}

	var chatResp ChatCompletionResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("fail to unmarshal upstream response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, fmt.Errorf("upstream response has no choices")
	}

	result := &completion.Result{
		Text:             chatResp.Choices[0].Message.Content,
		PromptTokens:     chatResp.Usage.PromptTokens,
		CompletionTokens: chatResp.Usage.CompletionTokens,
	}

	// Some compatible providers omit usage; estimate so accounting stays sane.
	if result.PromptTokens == 0 && result.CompletionTokens == 0 {
		result.PromptTokens = usage.EstimateTokens(req.Question)
		result.CompletionTokens = usage.EstimateTokens(result.Text)
		s.logger.Debug("upstream omitted usage, estimated tokens",
			zap.Int("prompt_tokens", result.PromptTokens),
			zap.Int("completion_tokens", result.CompletionTokens),
		)
	}

	return result, nil
}

func (s *Service) buildUpstreamRequest(ctx context.Context, req *completion.Request) (*http.Request, error) {
	openaiReq := ChatCompletionRequest{
		Model: req.Model,
		Messages: []Message{
			{
				Role:    "user",
				Content: req.Question,
			},
		},
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}

	reqBodyBytes, err := json.Marshal(openaiReq)
	if err != nil {
		return nil, fmt.Errorf("fail to marshal openai request: %w", err)
	}

	upstreamReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewBuffer(reqBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("fail to create request: %w", err)
	}

	upstreamReq.Header.Set("Content-Type", "application/json")
	upstreamReq.Header.Set("Accept", "application/json")

	apiKey := os.Getenv(s.apiKeyEnvName)
	if apiKey == "" {
		return nil, fmt.Errorf("empty api key from env: %s", s.apiKeyEnvName)
	}
	upstreamReq.Header.Set("Authorization", "Bearer "+apiKey)

	return upstreamReq, nil
}
