package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/mock/gomock"

	objectmocks "docpipeline/internal/objectstore/mocks"
	vectormocks "docpipeline/internal/vectorstore/mocks"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

func TestHealthHandler_ServeHTTP(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		dbErr      error
		vectorErr  error
		objectErr  error
		wantStatus int
		wantIssues []string
	}{
		{
			name:       "healthy",
			method:     http.MethodGet,
			wantStatus: http.StatusOK,
		},
		{
			name:       "vector store down",
			method:     http.MethodGet,
			vectorErr:  errors.New("connection refused"),
			wantStatus: http.StatusServiceUnavailable,
			wantIssues: []string{"vector_store_unavailable"},
		},
		{
			name:       "database and object store down",
			method:     http.MethodGet,
			dbErr:      errors.New("disk I/O error"),
			objectErr:  errors.New("closed"),
			wantStatus: http.StatusServiceUnavailable,
			wantIssues: []string{"database_unavailable", "object_store_unavailable"},
		},
		{
			name:       "method not allowed",
			method:     http.MethodPost,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			vectors := vectormocks.NewMockVectorStore(ctrl)
			objects := objectmocks.NewMockObjectStore(ctrl)
			if tt.method == http.MethodGet {
				vectors.EXPECT().CollectionExists(gomock.Any(), "kb_health").Return(false, tt.vectorErr)
				objects.EXPECT().Exists(gomock.Any(), probeKey).Return(false, tt.objectErr)
			}
			db := pingFunc(func(ctx context.Context) error { return tt.dbErr })

			h := NewHealthHandler(db, vectors, objects, "kb_health")
			w := httptest.NewRecorder()
			h.ServeHTTP(w, httptest.NewRequest(tt.method, "/healthz", nil))

			if w.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			if tt.method != http.MethodGet {
				return
			}

			var resp HealthResponse
			if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if len(resp.Issues) != len(tt.wantIssues) {
				t.Fatalf("Issues = %v, want %v", resp.Issues, tt.wantIssues)
			}
			for i, issue := range tt.wantIssues {
				if resp.Issues[i] != issue {
					t.Errorf("Issues[%d] = %s, want %s", i, resp.Issues[i], issue)
				}
			}
			if len(resp.Checks) != 3 {
				t.Errorf("Checks = %v, want 3 entries", resp.Checks)
			}
		})
	}
}
