package metrics

import (
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

// gatherFamily returns the named metric family from the default registry.
func gatherFamily(t *testing.T, name string) *dto.MetricFamily {
	t.Helper()

	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}

// counterValue finds the sample whose labels match want and returns its value.
func counterValue(mf *dto.MetricFamily, want map[string]string) (float64, bool) {
	if mf == nil {
		return 0, false
	}
next:
	for _, m := range mf.GetMetric() {
		labels := make(map[string]string, len(m.GetLabel()))
		for _, lp := range m.GetLabel() {
			labels[lp.GetName()] = lp.GetValue()
		}
		for k, v := range want {
			if labels[k] != v {
				continue next
			}
		}
		return m.GetCounter().GetValue(), true
	}
	return 0, false
}

func TestMiddlewareRecordsRequests(t *testing.T) {
	gin.SetMode(gin.TestMode)

	router := gin.New()
	router.Use(Middleware())
	router.GET("/ping", func(c *gin.Context) { c.String(200, "ok") })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/ping", nil))

	mf := gatherFamily(t, "veloracoin_http_requests_total")
	got, ok := counterValue(mf, map[string]string{
		"method": "GET",
		"path":   "/ping",
		"status": "2xx",
	})
	if !ok {
		t.Fatal("no sample recorded for GET /ping")
	}
	if got < 1 {
		t.Fatalf("request count = %v, want >= 1", got)
	}
}

func TestEscrowOperationsReadBack(t *testing.T) {
	EscrowOperations.WithLabelValues("release", "readback").Inc()

	mf := gatherFamily(t, "veloracoin_escrow_operations_total")
	got, ok := counterValue(mf, map[string]string{"op": "release", "code": "readback"})
	if !ok {
		t.Fatal("incremented counter not gathered")
	}
	if got != 1 {
		t.Fatalf("counter = %v, want 1", got)
	}
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{102, "1xx"},
		{200, "2xx"},
		{204, "2xx"},
		{301, "3xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}
	for _, tc := range tests {
		if got := statusBucket(tc.code); got != tc.want {
			t.Errorf("statusBucket(%d) = %q, want %q", tc.code, got, tc.want)
		}
	}
}
