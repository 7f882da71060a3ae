package llm

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

func newLangchainTestEmbedder(t *testing.T, handler http.HandlerFunc) *LangchainEmbedder {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	e, err := NewLangchainEmbedder(srv.URL, "test-key", "test-model", 0)
	if err != nil {
		t.Fatalf("NewLangchainEmbedder() error = %v", err)
	}
	return e
}

func writeProviderError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(`{"error":{"message":"` + msg + `","type":"invalid_request_error"}}`))
}

func TestLangchainEmbedder_EmbedTexts(t *testing.T) {
	e := newLangchainTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/embeddings" {
			t.Errorf("path = %s, want /v1/embeddings", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[
			{"object":"embedding","index":0,"embedding":[1,0,0]},
			{"object":"embedding","index":1,"embedding":[0,1,0]}
		],"model":"test-model"}`))
	})

	got, err := e.EmbedTexts(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedTexts() error = %v", err)
	}
	if len(got) != 2 || len(got[0]) != 3 || got[1][1] != 1 {
		t.Errorf("EmbedTexts() = %v", got)
	}

	if _, err := e.EmbedTexts(context.Background(), nil); err == nil {
		t.Error("EmbedTexts(nil) error = nil, want empty input error")
	}
}

func TestLangchainEmbedder_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		message       string
		wantTransient bool
		check         func(t *testing.T, err error)
	}{
		{
			name:          "rate limited",
			status:        http.StatusTooManyRequests,
			message:       "Rate limit reached for requests",
			wantTransient: true,
			check: func(t *testing.T, err error) {
				if !errors.Is(err, ErrRateLimited) {
					t.Errorf("error = %v, want ErrRateLimited", err)
				}
			},
		},
		{
			name:    "token limit",
			status:  http.StatusBadRequest,
			message: "This model's maximum context length is 8192 tokens, however input[1] has 9000 tokens",
			check: func(t *testing.T, err error) {
				tl, ok := AsTokenLimit(err)
				if !ok {
					t.Fatalf("error = %v, want TokenLimitError", err)
				}
				if tl.Index != 1 {
					t.Errorf("TokenLimitError.Index = %d, want 1", tl.Index)
				}
			},
		},
		{
			name:    "bad credentials",
			status:  http.StatusUnauthorized,
			message: "Incorrect API key provided",
			check: func(t *testing.T, err error) {
				if !strings.Contains(err.Error(), "401") {
					t.Errorf("error = %v, want the status code in the message", err)
				}
			},
		},
		{
			name:    "bad request",
			status:  http.StatusBadRequest,
			message: "unknown field encoding_format",
		},
		{
			name:          "server error",
			status:        http.StatusServiceUnavailable,
			message:       "upstream overloaded",
			wantTransient: true,
			check: func(t *testing.T, err error) {
				var te *TransientError
				if !errors.As(err, &te) || te.StatusCode != http.StatusServiceUnavailable {
					t.Errorf("error = %v, want TransientError with status 503", err)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			e := newLangchainTestEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				writeProviderError(w, tt.status, tt.message)
			})

			_, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
			if err == nil {
				t.Fatal("EmbedTexts() error = nil")
			}
			if got := IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient(%v) = %v, want %v", err, got, tt.wantTransient)
			}
			if tt.check != nil {
				tt.check(t, err)
			}
			if n := calls.Load(); n != 1 {
				t.Errorf("provider called %d times, want 1", n)
			}
		})
	}
}

func TestClassifyLangchainError(t *testing.T) {
	tests := []struct {
		msg           string
		wantTransient bool
	}{
		{"API returned unexpected status code: 502", true},
		{"API returned unexpected status code: 408: timeout", true},
		{"API returned unexpected status code: 403: forbidden", false},
		{"request timeout: API call exceeded deadline", true},
		{"network error: failed to reach API server", true},
		{"decode response: invalid character", false},
	}

	for _, tt := range tests {
		t.Run(tt.msg, func(t *testing.T) {
			err := classifyLangchainError(errors.New(tt.msg))
			if got := IsTransient(err); got != tt.wantTransient {
				t.Errorf("IsTransient(classifyLangchainError(%q)) = %v, want %v", tt.msg, got, tt.wantTransient)
			}
		})
	}
}
