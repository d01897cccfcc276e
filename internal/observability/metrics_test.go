package observability

import (
	"testing"
	"time"

	"github.com/danmuck/imaged/internal/testutil/testlog"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterMetricsAndRecordersAreSafe(t *testing.T) {
	testlog.Start(t)
	RegisterMetrics()
	RegisterMetrics()

	RecordConnect("ok")
	RecordBytesSent(16)
	RecordBytesReceived(16)
	RecordReadTimeout()
	RecordMessage("decoded", "WRITE")
	RecordDecode("complete", 3*time.Millisecond, true)
	RecordDecode("awaiting_file", 0, false)
	RecordHTTPRequest("GET", "/health", 200, 12*time.Millisecond)
}

func TestRecordReadTimeoutIncrements(t *testing.T) {
	before := testutil.ToFloat64(readTimeouts)
	RecordReadTimeout()
	if got := testutil.ToFloat64(readTimeouts); got != before+1 {
		t.Fatalf("read timeouts: got=%v want=%v", got, before+1)
	}
}

func TestRecordBytesAccumulates(t *testing.T) {
	before := testutil.ToFloat64(transportBytes.WithLabelValues("sent"))
	RecordBytesSent(250016)
	if got := testutil.ToFloat64(transportBytes.WithLabelValues("sent")); got != before+250016 {
		t.Fatalf("sent bytes: got=%v want=%v", got, before+250016)
	}
}
