package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordMethods(t *testing.T) {
	m := New()
	m.RecordSessionStart()
	m.RecordTurnUploaded(2.5, 300*time.Millisecond)
	m.RecordUploadAttempt("retry")
	m.RecordUploadAttempt("retry")
	m.RecordEvent("stt.final", false)
	m.RecordEvent("stt.final", true)
	m.RecordSessionStop("user_stop", false)

	if got := testutil.ToFloat64(m.TurnsUploaded); got != 1 {
		t.Errorf("turns uploaded = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.UploadAttempts.WithLabelValues("retry")); got != 2 {
		t.Errorf("retry attempts = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.EventsDeduped); got != 1 {
		t.Errorf("deduped = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.SessionActive); got != 0 {
		t.Errorf("session active = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordSessionStart()
	m.RecordState("IDLE")
	m.RecordPlayback("question", "ok")
}

func TestServerEndpoints(t *testing.T) {
	m := New()
	m.RecordSessionStart()
	var active atomic.Bool
	srv := httptest.NewServer(NewServer(":0", m, active.Load).Handler())
	defer srv.Close()

	get := func(path string) (int, string) {
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}
	if code, _ := get("/readyz"); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz idle = %d, want 503", code)
	}
	active.Store(true)
	if code, _ := get("/readyz"); code != http.StatusOK {
		t.Errorf("/readyz active = %d", code)
	}
	code, body := get("/metrics")
	if code != http.StatusOK || !strings.Contains(body, "viva_sessions_started_total 1") {
		t.Errorf("/metrics = %d\n%s", code, body)
	}
}
