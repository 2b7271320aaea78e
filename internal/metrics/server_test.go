package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/linolazarous/app/internal/logging"
)

func TestServerEndpoints(t *testing.T) {
	server := NewServer(0, logging.Nop())
	RecordAuthAttempt("password", "success")

	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 from /health, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "app_auth_attempts_total") {
		t.Error("Expected app_auth_attempts_total in /metrics output")
	}
}
