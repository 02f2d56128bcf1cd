package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	// Gauges always appear; counters only after first observation.
	if !strings.Contains(w.Body.String(), "bazaar_active_websocket_clients") {
		t.Error("Expected metrics output to contain bazaar_active_websocket_clients")
	}

	OrderTransitionsTotal.WithLabelValues("paid").Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if !strings.Contains(w.Body.String(), `bazaar_order_transitions_total{status="paid"}`) {
		t.Error("Expected bazaar_order_transitions_total after incrementing")
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/test", "2xx"))
	if after != before+1 {
		t.Errorf("Expected request counter to increase by 1, got %v -> %v", before, after)
	}
}

func TestMiddleware_ObservesDuration(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/timed/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/timed/abc", nil))

	m := &dto.Metric{}
	obs, err := HTTPRequestDuration.GetMetricWithLabelValues("GET", "/timed/:id")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	if err := obs.(prometheus.Metric).Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if m.Histogram.GetSampleCount() < 1 {
		t.Errorf("expected at least one observation for the route pattern, got %d", m.Histogram.GetSampleCount())
	}
}
