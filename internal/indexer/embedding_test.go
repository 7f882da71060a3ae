package indexer

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"go.uber.org/mock/gomock"

	"docpipeline/internal/llm"
	"docpipeline/internal/llm/mocks"
)

func testChunks(texts ...string) []Chunk {
	chunks := make([]Chunk, len(texts))
	for i, text := range texts {
		chunks[i] = Chunk{DocumentID: "doc-1", Index: i, Text: text}
	}
	return chunks
}

func newTestGenerator(embedder llm.Embedder, cfg EmbeddingConfig) *EmbeddingGenerator {
	cfg.BaseDelay = time.Millisecond
	cfg.MaxDelay = 5 * time.Millisecond
	return NewEmbeddingGenerator(embedder, WordCounter{}, cfg)
}

func TestEmbeddingGenerator_EmptyInput(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)

	got, err := newTestGenerator(embedder, EmbeddingConfig{}).Generate(context.Background(), nil)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got == nil || len(got) != 0 {
		t.Errorf("Generate(nil) = %v, want empty slice", got)
	}
}

func TestEmbeddingGenerator_Batches(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)

	var batchSizes []int
	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, texts []string) ([][]float32, error) {
			batchSizes = append(batchSizes, len(texts))
			out := make([][]float32, len(texts))
			for i, text := range texts {
				var n int
				_, _ = fmt.Sscanf(text, "chunk %d", &n)
				out[i] = []float32{float32(n)}
			}
			return out, nil
		}).Times(3)

	texts := make([]string, 45)
	for i := range texts {
		texts[i] = fmt.Sprintf("chunk %d", i)
	}

	got, err := newTestGenerator(embedder, EmbeddingConfig{BatchSize: 20}).Generate(context.Background(), testChunks(texts...))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !reflect.DeepEqual(batchSizes, []int{20, 20, 5}) {
		t.Errorf("batch sizes = %v, want [20 20 5]", batchSizes)
	}
	if len(got) != 45 {
		t.Fatalf("got %d embeddings, want 45", len(got))
	}
	for i, e := range got {
		if e.Index != i || e.Vector[0] != float32(i) {
			t.Errorf("embedding %d = index %d vector %v", i, e.Index, e.Vector)
		}
	}
}

func TestEmbeddingGenerator_RetriesRateLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)

	gomock.InOrder(
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"a"}).
			Return(nil, &llm.RateLimitError{Message: "slow down"}),
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"a"}).
			Return([][]float32{{1, 2}}, nil),
	)

	got, err := newTestGenerator(embedder, EmbeddingConfig{MaxRetries: 5}).Generate(context.Background(), testChunks("a"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if !reflect.DeepEqual(got[0].Vector, []float32{1, 2}) {
		t.Errorf("vector = %v, want [1 2]", got[0].Vector)
	}
}

func TestEmbeddingGenerator_Failures(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		calls     int
		maxRetry  int
		wantTyped bool
	}{
		{"transient exhausted", &llm.TransientError{StatusCode: 503, Err: errors.New("unavailable")}, 3, 2, true},
		{"rate limit exhausted", &llm.RateLimitError{Message: "quota"}, 2, 1, true},
		{"permanent error not retried", errors.New("invalid api key"), 1, 5, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			embedder := mocks.NewMockEmbedder(ctrl)
			embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return(nil, tt.err).Times(tt.calls)

			g := newTestGenerator(embedder, EmbeddingConfig{MaxRetries: tt.maxRetry})
			_, err := g.Generate(context.Background(), testChunks("a", "b"))

			var genErr *EmbeddingGenerationError
			if !errors.As(err, &genErr) {
				t.Fatalf("Generate() error = %v, want *EmbeddingGenerationError", err)
			}
			if genErr.Chunks != 2 {
				t.Errorf("Chunks = %d, want 2", genErr.Chunks)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("error chain lost the provider error: %v", err)
			}
		})
	}
}

func TestEmbeddingGenerator_TokenLimitSplitAndAverage(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)

	long := "alpha beta gamma delta"
	gomock.InOrder(
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"short", long}).
			Return(nil, &llm.TokenLimitError{Index: 1, Message: "too long"}),
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"short"}).
			Return([][]float32{{5, 5}}, nil),
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"alpha beta", "gamma delta"}).
			Return([][]float32{{0, 2}, {2, 0}}, nil),
	)

	g := newTestGenerator(embedder, EmbeddingConfig{MaxTokens: 2})
	got, err := g.Generate(context.Background(), testChunks("short", long))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d embeddings, want 2", len(got))
	}
	if !reflect.DeepEqual(got[0].Vector, []float32{5, 5}) {
		t.Errorf("vector 0 = %v, want [5 5]", got[0].Vector)
	}
	if !reflect.DeepEqual(got[1].Vector, []float32{1, 1}) {
		t.Errorf("vector 1 = %v, want average [1 1]", got[1].Vector)
	}
	if got[1].Index != 1 || got[1].Text != long {
		t.Errorf("split chunk lost its identity: %+v", got[1].Chunk)
	}
}

func TestEmbeddingGenerator_TokenLimitUnknownIndex(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)

	gomock.InOrder(
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"a", "b c"}).
			Return(nil, &llm.TokenLimitError{Index: -1, Message: "too long"}),
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"a"}).
			Return([][]float32{{1}}, nil),
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"b c"}).
			Return(nil, &llm.TokenLimitError{Index: 0, Message: "too long"}),
		embedder.EXPECT().EmbedTexts(gomock.Any(), []string{"b", "c"}).
			Return([][]float32{{2}, {4}}, nil),
	)

	g := newTestGenerator(embedder, EmbeddingConfig{MaxTokens: 1})
	got, err := g.Generate(context.Background(), testChunks("a", "b c"))
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if got[0].Vector[0] != 1 || got[1].Vector[0] != 3 {
		t.Errorf("vectors = %v, %v; want [1], [3]", got[0].Vector, got[1].Vector)
	}
}

func TestEmbeddingGenerator_Canceled(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).DoAndReturn(
		func(ctx context.Context, _ []string) ([][]float32, error) {
			cancel()
			return nil, &llm.TransientError{Err: ctx.Err()}
		})

	_, err := newTestGenerator(embedder, EmbeddingConfig{MaxRetries: 3}).Generate(ctx, testChunks("a"))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Generate() error = %v, want context.Canceled", err)
	}
	var genErr *EmbeddingGenerationError
	if errors.As(err, &genErr) {
		t.Error("cancellation must not be reported as a terminal embedding failure")
	}
}

func TestEmbeddingGenerator_DimensionMismatchIsLogged(t *testing.T) {
	ctrl := gomock.NewController(t)
	embedder := mocks.NewMockEmbedder(ctrl)
	embedder.EXPECT().EmbedTexts(gomock.Any(), gomock.Any()).Return([][]float32{{1, 2}}, nil)

	got, err := newTestGenerator(embedder, EmbeddingConfig{Dimensions: 3}).Generate(context.Background(), testChunks("a"))
	if err != nil {
		t.Fatalf("Generate() error = %v, mismatch should only be logged", err)
	}
	if len(got[0].Vector) != 2 {
		t.Errorf("vector = %v", got[0].Vector)
	}
}

func TestAverageVectors(t *testing.T) {
	got, err := averageVectors([][]float32{{0, 2}, {2, 0}})
	if err != nil {
		t.Fatalf("averageVectors() error = %v", err)
	}
	if !reflect.DeepEqual(got, []float32{1, 1}) {
		t.Errorf("averageVectors() = %v, want [1 1]", got)
	}

	if _, err := averageVectors([][]float32{{1, 2}, {1}}); err == nil {
		t.Error("averageVectors() with mixed lengths should fail")
	}
	if _, err := averageVectors(nil); err == nil {
		t.Error("averageVectors(nil) should fail")
	}
}
