package health

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct{ err error }

func (f fakeStore) Ping() error { return f.err }

type fakeChain struct{ err error }

func (f fakeChain) Ping(ctx context.Context) error { return f.err }

func serveHandler(h gin.HandlerFunc) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", "/", nil)
	h(c)
	return w
}

func TestHealthHandler_AlwaysHealthy(t *testing.T) {
	checker := NewChecker(fakeStore{err: errors.New("down")}, fakeChain{err: errors.New("down")}, "dev")
	w := serveHandler(checker.HealthHandler())
	if w.Code != 200 {
		t.Fatalf("expected /health to always report 200, got %d", w.Code)
	}
}

func TestReadyHandler_HealthyWhenBothChecksPass(t *testing.T) {
	checker := NewChecker(fakeStore{}, fakeChain{}, "dev")
	w := serveHandler(checker.ReadyHandler())
	if w.Code != 200 {
		t.Fatalf("expected 200 when both checks pass, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReadyHandler_UnhealthyWhenStoreFails(t *testing.T) {
	checker := NewChecker(fakeStore{err: errors.New("pebble closed")}, fakeChain{}, "dev")
	w := serveHandler(checker.ReadyHandler())
	if w.Code != 503 {
		t.Fatalf("expected 503 when the store check fails, got %d: %s", w.Code, w.Body.String())
	}
}

func TestReadyHandler_UnhealthyWhenChainFails(t *testing.T) {
	checker := NewChecker(fakeStore{}, fakeChain{err: errors.New("dial tcp: connection refused")}, "dev")
	w := serveHandler(checker.ReadyHandler())
	if w.Code != 503 {
		t.Fatalf("expected 503 when the chain check fails, got %d: %s", w.Code, w.Body.String())
	}
}
