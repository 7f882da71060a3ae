package indexer

import (
	"context"
	"fmt"
	"time"

	"docpipeline/internal/contextutil"
	"docpipeline/internal/llm"
	"docpipeline/internal/retry"
)

// EmbeddingConfig configures an EmbeddingGenerator. Zero values other than
// MaxRetries and Dimensions take the defaults.
type EmbeddingConfig struct {
	BatchSize  int           // chunks per provider call (default 20)
	MaxRetries int           // retries per call after the first attempt
	BaseDelay  time.Duration // first backoff, doubled per retry (default 500ms)
	MaxDelay   time.Duration // backoff cap (default 30s)
	MaxTokens  int           // sub-chunk size when the model rejects a chunk as too long (default 512)
	Dimensions int           // expected vector length, 0 skips the check
}

func (c *EmbeddingConfig) applyDefaults() {
	if c.BatchSize <= 0 {
		c.BatchSize = 20
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = 512
	}
}

// EmbeddingGenerator turns chunks into embeddings. It batches provider calls,
// backs off on rate limits and transient failures, and handles inputs that
// exceed the model's token limit by splitting and averaging.
type EmbeddingGenerator struct {
	embedder llm.Embedder
	counter  TokenCounter
	cfg      EmbeddingConfig
}

// NewEmbeddingGenerator creates an EmbeddingGenerator.
func NewEmbeddingGenerator(embedder llm.Embedder, counter TokenCounter, cfg EmbeddingConfig) *EmbeddingGenerator {
	cfg.applyDefaults()
	return &EmbeddingGenerator{
		embedder: embedder,
		counter:  counter,
		cfg:      cfg,
	}
}

// Generate embeds chunks in order. Empty input yields empty output. A batch
// that cannot be embedded after retries fails the whole call with
// *EmbeddingGenerationError; cancellation is returned as the context error.
func (g *EmbeddingGenerator) Generate(ctx context.Context, chunks []Chunk) ([]ChunkEmbedding, error) {
	out := make([]ChunkEmbedding, 0, len(chunks))

	for start := 0; start < len(chunks); start += g.cfg.BatchSize {
		end := min(start+g.cfg.BatchSize, len(chunks))
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, ch := range batch {
			texts[i] = ch.Text
		}

		vectors, err := g.embed(ctx, texts)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, fmt.Errorf("embedding interrupted: %w", ctxErr)
			}
			return nil, &EmbeddingGenerationError{Chunks: len(batch), Err: err}
		}

		for i, ch := range batch {
			g.checkDimensions(ctx, ch, vectors[i])
			out = append(out, ChunkEmbedding{Chunk: ch, Vector: vectors[i]})
		}
	}
	return out, nil
}

// embed returns one vector per text. When the provider reports a token limit
// violation, the offending text is re-split and its vector is the average of
// the pieces, so the output still lines up with the input.
func (g *EmbeddingGenerator) embed(ctx context.Context, texts []string) ([][]float32, error) {
	vectors, err := g.call(ctx, texts)
	if err == nil {
		return vectors, nil
	}
	tl, ok := llm.AsTokenLimit(err)
	if !ok {
		return nil, err
	}

	if len(texts) == 1 {
		v, err := g.embedOversized(ctx, texts[0])
		if err != nil {
			return nil, err
		}
		return [][]float32{v}, nil
	}

	out := make([][]float32, 0, len(texts))

	// Provider did not say which input was too long: go one by one
	if tl.Index < 0 || tl.Index >= len(texts) {
		for _, text := range texts {
			v, err := g.embed(ctx, []string{text})
			if err != nil {
				return nil, err
			}
			out = append(out, v[0])
		}
		return out, nil
	}

	k := tl.Index
	if k > 0 {
		before, err := g.embed(ctx, texts[:k])
		if err != nil {
			return nil, err
		}
		out = append(out, before...)
	}
	v, err := g.embedOversized(ctx, texts[k])
	if err != nil {
		return nil, err
	}
	out = append(out, v)
	if k+1 < len(texts) {
		after, err := g.embed(ctx, texts[k+1:])
		if err != nil {
			return nil, err
		}
		out = append(out, after...)
	}
	return out, nil
}

// embedOversized splits text into pieces under MaxTokens, embeds them and
// returns their element-wise average.
func (g *EmbeddingGenerator) embedOversized(ctx context.Context, text string) ([]float32, error) {
	logger := contextutil.LoggerFromContext(ctx)
	embeddingSplitsTotal.Inc()

	pieces, err := SplitText(g.counter, text, g.cfg.MaxTokens)
	if err != nil {
		return nil, err
	}
	// The counter thinks it fits but the model disagrees
	if len(pieces) < 2 {
		pieces = halve(text)
	}
	if len(pieces) < 2 {
		return nil, &llm.TokenLimitError{Index: -1, Message: "input cannot be split further"}
	}

	logger.WarnContext(ctx, "chunk exceeds embedding token limit, splitting",
		"tokens", g.counter.Count(text),
		"pieces", len(pieces),
	)

	vectors, err := g.embed(ctx, pieces)
	if err != nil {
		return nil, err
	}
	return averageVectors(vectors)
}

// call makes one provider request, retrying rate limits and transient errors.
func (g *EmbeddingGenerator) call(ctx context.Context, texts []string) ([][]float32, error) {
	logger := contextutil.LoggerFromContext(ctx)

	var vectors [][]float32
	policy := retry.Policy{
		MaxAttempts: g.cfg.MaxRetries + 1,
		BaseDelay:   g.cfg.BaseDelay,
		MaxDelay:    g.cfg.MaxDelay,
		Jitter:      0.2,
		Retryable:   llm.IsTransient,
		OnRetry: func(attempt int, err error, delay time.Duration) {
			embeddingRetriesTotal.Inc()
			logger.WarnContext(ctx, "embedding call failed, retrying",
				"attempt", attempt,
				"delay", delay,
				"inputs", len(texts),
				"error", err,
			)
		},
	}

	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		v, err := g.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			return err
		}
		if len(v) != len(texts) {
			return fmt.Errorf("embedding provider returned %d vectors for %d inputs", len(v), len(texts))
		}
		vectors = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

func (g *EmbeddingGenerator) checkDimensions(ctx context.Context, ch Chunk, v []float32) {
	if g.cfg.Dimensions <= 0 || len(v) == g.cfg.Dimensions {
		return
	}
	embeddingDimensionMismatchTotal.Inc()
	contextutil.LoggerFromContext(ctx).WarnContext(ctx, "embedding dimension mismatch",
		"chunk_index", ch.Index,
		"expected", g.cfg.Dimensions,
		"actual", len(v),
	)
}

// averageVectors returns the element-wise mean of vectors of equal length.
func averageVectors(vectors [][]float32) ([]float32, error) {
	if len(vectors) == 0 {
		return nil, fmt.Errorf("no vectors to average")
	}
	dims := len(vectors[0])
	sum := make([]float64, dims)
	for _, v := range vectors {
		if len(v) != dims {
			return nil, fmt.Errorf("cannot average vectors of length %d and %d", dims, len(v))
		}
		for i, x := range v {
			sum[i] += float64(x)
		}
	}
	avg := make([]float32, dims)
	for i, s := range sum {
		avg[i] = float32(s / float64(len(vectors)))
	}
	return avg, nil
}

func halve(text string) []string {
	runes := []rune(text)
	if len(runes) < 2 {
		return nil
	}
	mid := len(runes) / 2
	return []string{string(runes[:mid]), string(runes[mid:])}
}
