package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"docpipeline/internal/config"
	"docpipeline/internal/document"
	"docpipeline/internal/llm"
	"docpipeline/internal/service"
)

// embeddingServer answers /v1/embeddings with dims-sized vectors.
func embeddingServer(t *testing.T, dims int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req llm.EmbeddingsRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var resp llm.EmbeddingsResponse
		for i := range req.Input {
			vec := make([]float64, dims)
			vec[0] = 1
			vec[dims-1] = float64(i)
			resp.Data = append(resp.Data, llm.EmbeddingData{Index: i, Embedding: vec})
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func testConfig(t *testing.T, embeddingURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		DBPath:                 filepath.Join(dir, "docpipeline.db"),
		ObjectStorePath:        filepath.Join(dir, "objects"),
		VectorBackend:          "memory",
		QdrantCollectionPrefix: "kb_",
		VectorSize:             4,
		EmbeddingProvider:      "http",
		EmbeddingBaseURL:       embeddingURL,
		EmbeddingModelName:     "test-embed",
		EmbeddingBatchSize:     8,
		EmbeddingMaxTokens:     512,
		ChunkSizeTokens:        50,
		ChunkOverlap:           0.1,
		TokenizerEncoding:      "cl100k_base",
		IndexMaxRetries:        1,
		OutboxPollInterval:     time.Second,
		OutboxBatchSize:        10,
		OutboxMaxAttempts:      5,
		OutboxLease:            time.Minute,
		OutboxRetention:        time.Hour,
		OutboxCleanupInterval:  time.Hour,
		ProcessingTimeout:      time.Minute,
		ProcessingMaxRetries:   3,
		ReconcileInterval:      time.Hour,
		WorkerPoolSize:         2,
		APIRequestTimeout:      time.Minute,
	}
}

func TestBuild_UploadToReady(t *testing.T) {
	srv := embeddingServer(t, 4)
	ctx := context.Background()

	a, err := Build(ctx, testConfig(t, srv.URL), Options{})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	t.Cleanup(func() {
		_ = a.Close(context.Background())
	})

	kb, err := a.Documents.CreateKnowledgeBase(ctx, service.CreateKnowledgeBaseRequest{Name: "Handbook"})
	if err != nil {
		t.Fatalf("CreateKnowledgeBase() error = %v", err)
	}
	content := "# Onboarding\n\n" + strings.Repeat("Every new hire reads the handbook first. ", 30)
	doc, err := a.Documents.Upload(ctx, service.UploadRequest{KnowledgeBaseID: kb.ID, Filename: "onboarding.md", Content: []byte(content)})
	if err != nil {
		t.Fatalf("Upload() error = %v", err)
	}

	if n, err := a.Dispatcher.PollOnce(ctx); err != nil || n != 1 {
		t.Fatalf("PollOnce() = %d, %v; want 1 event", n, err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, err := a.Documents.Get(ctx, doc.ID)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		if got.Status == document.StatusReady {
			if got.ChunkCount < 2 {
				t.Errorf("ChunkCount = %d, want at least 2", got.ChunkCount)
			}
			n, err := a.Indexer.CountDocumentVectors(ctx, kb.ID, doc.ID)
			if err != nil || n != got.ChunkCount {
				t.Errorf("CountDocumentVectors() = %d, %v; want %d", n, err, got.ChunkCount)
			}
			break
		}
		if got.Status == document.StatusFailed || time.Now().After(deadline) {
			t.Fatalf("document status = %s (last_error %q), want READY", got.Status, got.LastError)
		}
		time.Sleep(20 * time.Millisecond)
	}

	rep := a.Reconciler.Run(ctx)
	if len(rep.Findings) != 0 || len(rep.Failures) != 0 {
		t.Errorf("reconciler report = %+v, want clean", rep)
	}

	w := httptest.NewRecorder()
	a.Router().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Errorf("GET /healthz = %d (%s)", w.Code, w.Body.String())
	}
}

func TestBuild_VectorSizeMismatch(t *testing.T) {
	srv := embeddingServer(t, 3)

	_, err := Build(context.Background(), testConfig(t, srv.URL), Options{})
	if err == nil || !strings.Contains(err.Error(), "vector size mismatch") {
		t.Fatalf("Build() error = %v, want vector size mismatch", err)
	}
}

func TestBuild_StorageOnly(t *testing.T) {
	a, err := Build(context.Background(), testConfig(t, "http://127.0.0.1:0"), Options{StorageOnly: true})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if a.Dispatcher != nil || a.Runner != nil {
		t.Error("storage-only build created the dispatcher or worker pool")
	}
	if got := a.routerDeps().RequestTimeout; got != time.Minute {
		t.Errorf("router RequestTimeout = %v, want the configured 1m", got)
	}
	if err := a.Close(context.Background()); err != nil {
		t.Errorf("Close() error = %v", err)
	}
}
