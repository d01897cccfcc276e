package observability

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestMiddlewareRecordsRouteNotRawPath(t *testing.T) {
	gin.SetMode(gin.TestMode)
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	r := gin.New()
	r.Use(RequestLogger(logger), RequestMetricsMiddleware())
	r.GET("/sessions/:id", func(c *gin.Context) { c.Status(http.StatusBadRequest) })

	matched := httpRequests.WithLabelValues("GET", "/sessions/:id", "400")
	unmatched := httpRequests.WithLabelValues("GET", "unmatched", "404")
	beforeMatched := testutil.ToFloat64(matched)
	beforeUnmatched := testutil.ToFloat64(unmatched)

	for _, path := range []string{"/sessions/1", "/sessions/2", "/nope/xyz"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	if got := testutil.ToFloat64(matched); got != beforeMatched+2 {
		t.Fatalf("matched requests: got=%v want=%v", got, beforeMatched+2)
	}
	if got := testutil.ToFloat64(unmatched); got != beforeUnmatched+1 {
		t.Fatalf("unmatched requests: got=%v want=%v", got, beforeUnmatched+1)
	}

	out := buf.String()
	if !strings.Contains(out, `"route":"/sessions/:id"`) || !strings.Contains(out, `"level":"warn"`) {
		t.Fatalf("unexpected request log:\n%s", out)
	}
}
