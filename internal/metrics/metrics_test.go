package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
)

func scrape(t *testing.T) string {
	t.Helper()
	rr := httptest.NewRecorder()
	Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rr.Body)
	if err != nil {
		t.Fatalf("Could not read exposition: %v", err)
	}
	return string(body)
}

func TestHandlerExposesMetrics(t *testing.T) {
	Dropped.WithLabelValues("malformed").Inc()
	Sent.WithLabelValues("neighbor solicitation", "ok").Inc()
	InterfaceBound.Set(1)
	defer InterfaceBound.Set(0)

	body := scrape(t)
	for _, want := range []string{
		`ndsnoop_nd_dropped_total{reason="malformed"}`,
		`ndsnoop_nd_sent_total{result="ok",type="neighbor solicitation"}`,
		"ndsnoop_interface_bound 1",
	} {
		if !strings.Contains(body, want) {
			t.Errorf("Expected %q in exposition, got:\n%s", want, body)
		}
	}
}
