package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddlewareLabelsByPattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /fetch-file/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	h := Middleware(mux)

	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /fetch-file/{id}", "404"))
	for _, id := range []string{"1", "2", "3"} {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/fetch-file/"+id, nil))
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "GET /fetch-file/{id}", "404"))

	if after-before != 3 {
		t.Errorf("expected 3 requests under one route label, got %v", after-before)
	}
}

func TestRecordInterpRun(t *testing.T) {
	before := testutil.ToFloat64(interpRunsTotal.WithLabelValues("compile_error"))
	RecordInterpRun("compile_error", 0)
	if got := testutil.ToFloat64(interpRunsTotal.WithLabelValues("compile_error")) - before; got != 1 {
		t.Errorf("expected counter to increase by 1, got %v", got)
	}
}
