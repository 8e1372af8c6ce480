package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"semcache/cache"
	"semcache/completion"
	"semcache/router"
	"semcache/usage"
)

// streamChunkRunes is the slice size used when replaying a full answer as
// SSE chunks.
const streamChunkRunes = 20

// Handler wires the HTTP surface to the cache manager and router.
type Handler struct {
	cacheManager *cache.Manager // nil when caching is disabled
	router       *router.Router
	accountant   *usage.Accountant
	mode         func() cache.ServiceMode
	logger       *zap.Logger
}

// ChatCompletions serves POST /v1/chat/completions.
func (h *Handler) ChatCompletions(c *gin.Context) {
	var req ChatCompletionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("fail to parse user request", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to parse request"})
		return
	}

	var promptBuilder strings.Builder
	for _, message := range req.Messages {
		if promptBuilder.Len() > 0 {
			promptBuilder.WriteString(" ")
		}
		promptBuilder.WriteString(message.Content)
	}
	prompt := promptBuilder.String()
	if strings.TrimSpace(prompt) == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "messages are empty"})
		return
	}

	model := req.Model
	if model == "" || model == "auto" {
		model = h.router.SelectModel(prompt, nil)
		h.logger.Debug("router selected model",
			zap.String("model", model),
			zap.Stringer("complexity", router.Classify(prompt)),
		)
	}

	result, fromCache, err := h.answer(c, prompt, model, req.Temperature, req.MaxTokens)
	if err != nil {
		h.logger.Error("fail to answer request", zap.String("model", model), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": "upstream model call failed"})
		return
	}

	if req.Stream {
		h.streamAnswer(c, result, model, fromCache)
		return
	}

	c.Header("X-Cache", cacheHeader(fromCache))
	c.JSON(http.StatusOK, ChatCompletionResponse{
		ID:      fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano()),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   model,
		Choices: []Choice{
			{
				Index:        0,
				Message:      Message{Role: "assistant", Content: result.Text},
				FinishReason: "stop",
			},
		},
		Usage: Usage{
			PromptTokens:     result.PromptTokens,
			CompletionTokens: result.CompletionTokens,
			TotalTokens:      result.PromptTokens + result.CompletionTokens,
		},
	})
}

// answer resolves the prompt through the cache when enabled, otherwise
// straight through the router.
func (h *Handler) answer(c *gin.Context, prompt, model string, temperature float64, maxTokens int) (*completion.Result, bool, error) {
	ctx := c.Request.Context()
	if h.cacheManager == nil {
		result, err := h.router.Generate(ctx, model, prompt, temperature, maxTokens)
		return result, false, err
	}
	return h.cacheManager.Do(ctx, prompt, model, func(genCtx context.Context) (*completion.Result, error) {
		return h.router.Generate(genCtx, model, prompt, temperature, maxTokens)
	})
}

// streamAnswer replays a full answer as SSE chunks, so cached responses look
// identical to streamed upstream ones from the client's point of view.
func (h *Handler) streamAnswer(c *gin.Context, result *completion.Result, model string, fromCache bool) {
	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Cache", cacheHeader(fromCache))

	chatID := fmt.Sprintf("chatcmpl-%d", time.Now().UnixNano())
	created := time.Now().Unix()

	runes := []rune(result.Text)
	for i := 0; i < len(runes); i += streamChunkRunes {
		end := i + streamChunkRunes
		if end > len(runes) {
			end = len(runes)
		}
		chunk := ChatStreamResponse{
			ID:      chatID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
			Choices: []StreamChoice{
				{Delta: Delta{Content: string(runes[i:end])}},
			},
		}
		c.SSEvent("", chunk)
		c.Writer.Flush()

		select {
		case <-c.Request.Context().Done():
			return
		default:
		}
	}

	finish := ChatStreamResponse{
		ID:      chatID,
		Object:  "chat.completion.chunk",
		Created: created,
		Model:   model,
		Choices: []StreamChoice{
			{FinishReason: "stop"},
		},
	}
	c.SSEvent("", finish)
	c.Writer.WriteString("data: [DONE]\n\n")
	c.Writer.Flush()
}

// CacheStats serves GET /v1/cache/stats.
func (h *Handler) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"mode":  h.mode().String(),
		"usage": h.accountant.Snapshot(),
	})
}

// CacheEvict serves POST /v1/cache/evict: a manual expiry sweep.
func (h *Handler) CacheEvict(c *gin.Context) {
	if h.cacheManager == nil {
		c.JSON(http.StatusOK, gin.H{"removed": 0})
		return
	}
	removed, err := h.cacheManager.EvictExpired(c.Request.Context())
	if err != nil {
		h.logger.Warn("manual eviction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "eviction failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": removed})
}

// Healthz serves GET /healthz.
func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"mode":   h.mode().String(),
	})
}

func cacheHeader(fromCache bool) string {
	if fromCache {
		return "hit"
	}
	return "miss"
}
