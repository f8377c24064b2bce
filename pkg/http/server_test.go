package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
)

type pageRequest struct {
	Pair  string `query:"pair" validate:"required"`
	Limit int    `query:"limit" default:"50" validate:"gte=1,lte=100"`
}

type routes struct{}

func (routes) RegisterRoutes(e *echo.Echo) {
	e.GET("/page", func(c echo.Context) error {
		var req pageRequest
		if errs := ReadAndValidateRequest(c, &req); errs != nil {
			return BadRequestResponse(c, errs)
		}
		return SuccessResponse(c, req)
	})
	e.GET("/missing", func(c echo.Context) error {
		return AppErrorResponse(c, NotFoundErrorf("pair %s not tracked", c.QueryParam("pair")))
	})
	e.GET("/panic", func(echo.Context) error {
		panic("boom")
	})
}

type denyAll struct{}

func (denyAll) Allow(string) bool { return false }

func do(t *testing.T, s *Server, target string) (*httptest.ResponseRecorder, APIResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Echo().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	var body APIResponse
	if strings.HasPrefix(rec.Header().Get(echo.HeaderContentType), echo.MIMEApplicationJSON) {
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("decode %s: %v", rec.Body.String(), err)
		}
	}
	return rec, body
}

func TestRequestValidationAndDefaults(t *testing.T) {
	s := NewServer([]Handler{routes{}}, WithMetrics(prometheus.NewRegistry(), "/metrics"))

	rec, body := do(t, s, "/page?pair=BTCUSDT")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	data := body.Data.(map[string]interface{})
	if data["Limit"].(float64) != 50 {
		t.Fatalf("default not applied: %v", data)
	}

	rec, body = do(t, s, "/page?limit=500")
	if rec.Code != http.StatusBadRequest || body.Status != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	errs := body.Data.([]interface{})
	if len(errs) != 2 {
		t.Fatalf("expected required and lte errors, got %v", errs)
	}

	rec, _ = do(t, s, "/missing?pair=X")
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "ERR_NOT_FOUND") {
		t.Fatalf("unexpected response %d %s", rec.Code, rec.Body.String())
	}

	rec, _ = do(t, s, "/panic")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("panic must become 500, got %d", rec.Code)
	}

	rec, _ = do(t, s, "/metrics")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "coinpulse_http_requests_total") {
		t.Fatalf("metrics endpoint missing request counters")
	}
}

func TestRateLimitSkipsMetrics(t *testing.T) {
	s := NewServer([]Handler{routes{}},
		WithMetrics(prometheus.NewRegistry(), "/metrics"),
		WithRateLimit(denyAll{}))

	rec, _ := do(t, s, "/page?pair=BTCUSDT")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	rec, _ = do(t, s, "/metrics")
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics must bypass the limiter, got %d", rec.Code)
	}
}
