package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/xaenox/karma-bot/internal/models"
	"github.com/xaenox/karma-bot/internal/storage"
	"go.uber.org/zap"
)

func newServer(t *testing.T) (*Server, *storage.MemoryStorage) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	store := storage.NewMemoryStorage()
	return New(store, zap.NewNop()), store
}

func get(t *testing.T, s *Server, path string) *httptest.ResponseRecorder {
	t.Helper()
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestLivenessAndHealth(t *testing.T) {
	s, _ := newServer(t)

	if w := get(t, s, "/"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "running") {
		t.Errorf("GET / -> %d %q", w.Code, w.Body.String())
	}
	if w := get(t, s, "/healthz"); w.Code != http.StatusOK {
		t.Errorf("GET /healthz -> %d", w.Code)
	}
	if w := get(t, s, "/metrics"); w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "http_requests_total") {
		t.Errorf("GET /metrics -> %d", w.Code)
	}
	if w := get(t, s, "/nope"); w.Code != http.StatusNotFound {
		t.Errorf("GET /nope -> %d", w.Code)
	}
}

func TestSubscriptionStatus(t *testing.T) {
	s, store := newServer(t)
	expiry := time.Date(2025, 3, 24, 12, 0, 0, 0, time.UTC)
	store.CreateUser(context.Background(), &models.User{
		ID:           7,
		Handle:       "rita",
		Subscription: models.Subscription{Status: models.SubscriptionTrial, Expiry: &expiry},
		TrialUsed:    true,
	})

	w := get(t, s, "/subscription-status?chat_id=7")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var got SubscriptionResponse
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.ChatID != 7 || got.Status != "trial" || !got.TrialUsed || got.Expiry == nil || !got.Expiry.Equal(expiry) {
		t.Errorf("response = %+v", got)
	}

	tests := []struct {
		query string
		code  int
	}{
		{"", http.StatusBadRequest},
		{"?chat_id=abc", http.StatusBadRequest},
		{"?chat_id=99", http.StatusNotFound},
	}
	for _, tt := range tests {
		if w := get(t, s, "/subscription-status"+tt.query); w.Code != tt.code {
			t.Errorf("GET %q -> %d, want %d", tt.query, w.Code, tt.code)
		}
	}
}
