package llm

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
	"golang.org/x/time/rate"
)

// LangchainEmbedder embeds through langchaingo's OpenAI client. Provider errors
// come back as plain strings, so they are classified by message.
type LangchainEmbedder struct {
	embedder embeddings.Embedder
	limiter  *rate.Limiter
	logger   *slog.Logger
}

// NewLangchainEmbedder creates an embedder against an OpenAI-compatible endpoint.
func NewLangchainEmbedder(baseURL, apiKey, model string, requestsPerSecond float64) (*LangchainEmbedder, error) {
	token := apiKey
	if token == "" {
		// Local OpenAI-compatible services accept any token
		token = "none"
	}

	opts := []openai.Option{
		openai.WithToken(token),
		openai.WithEmbeddingModel(model),
	}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL+"/v1"))
	}

	client, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}

	embedder, err := embeddings.NewEmbedder(client,
		embeddings.WithStripNewLines(true),
		embeddings.WithBatchSize(512),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	limit := rate.Inf
	if requestsPerSecond > 0 {
		limit = rate.Limit(requestsPerSecond)
	}

	return &LangchainEmbedder{
		embedder: embedder,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   slog.Default().With("component", "langchain-embedder"),
	}, nil
}

// EmbedTexts generates embeddings for texts.
func (e *LangchainEmbedder) EmbedTexts(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("empty input array")
	}
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter wait: %w", err)
	}

	e.logger.DebugContext(ctx, "generating embeddings", "count", len(texts))

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, classifyLangchainError(err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(vectors))
	}
	return vectors, nil
}

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// classifyLangchainError maps langchaingo's flattened error strings onto the
// typed errors. Only 408, 5xx, timeouts and network failures are transient;
// anything else (bad credentials, malformed request) is returned as is.
func classifyLangchainError(err error) error {
	msg := err.Error()
	if typed := classifyMessage(msg); typed != nil {
		return typed
	}

	if m := statusCodePattern.FindStringSubmatch(msg); m != nil {
		code, _ := strconv.Atoi(m[1])
		if code == 408 || code >= 500 {
			return &TransientError{StatusCode: code, Err: err}
		}
		return fmt.Errorf("embedding provider rejected request (status %d): %w", code, err)
	}

	lower := strings.ToLower(msg)
	for _, phrase := range []string{"request timeout", "network error", "connection reset", "connection refused", "unexpected eof"} {
		if strings.Contains(lower, phrase) {
			return &TransientError{Err: err}
		}
	}
	return fmt.Errorf("embedding provider error: %w", err)
}
