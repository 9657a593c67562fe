package observe

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// serve runs one request through Middleware with in-memory metric and span
// collection.
func serve(t *testing.T, req *http.Request, status int) (*httptest.ResponseRecorder, metricdata.ResourceMetrics, tracetest.SpanStubs, string) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var inner string
	h := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		inner = CorrelationID(r.Context())
		w.WriteHeader(status)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rec, rm, exp.GetSpans(), inner
}

func TestMiddleware_CorrelationID(t *testing.T) {
	rec, _, _, inner := serve(t, httptest.NewRequest("GET", "/stats", nil), http.StatusOK)
	if len(inner) != 32 {
		t.Fatalf("correlation ID %q: want 32 hex chars", inner)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != inner {
		t.Errorf("X-Correlation-ID = %q, want %q", got, inner)
	}
}

func TestMiddleware_ContinuesIncomingTrace(t *testing.T) {
	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	req := httptest.NewRequest("GET", "/readyz", nil)
	req.Header.Set("traceparent", "00-"+traceID+"-00f067aa0ba902b7-01")

	rec, _, _, inner := serve(t, req, http.StatusOK)
	if inner != traceID {
		t.Errorf("correlation ID = %q, want %q", inner, traceID)
	}
	if got := rec.Header().Get("X-Correlation-ID"); got != traceID {
		t.Errorf("X-Correlation-ID = %q, want %q", got, traceID)
	}
}

func TestMiddleware_SpanAndDuration(t *testing.T) {
	rec, rm, spans, _ := serve(t, httptest.NewRequest("GET", "/readyz", nil), http.StatusServiceUnavailable)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d", rec.Code)
	}

	if len(spans) != 1 {
		t.Fatalf("spans = %d, want 1", len(spans))
	}
	if spans[0].Name != "HTTP GET /readyz" {
		t.Errorf("span name = %q", spans[0].Name)
	}
	var sawStatus bool
	for _, a := range spans[0].Attributes {
		if a.Key == "http.response.status_code" && a.Value.AsInt64() == 503 {
			sawStatus = true
		}
	}
	if !sawStatus {
		t.Error("span missing http.response.status_code=503")
	}

	met := findMetric(rm, "npustt.http.request.duration")
	if met == nil {
		t.Fatal("npustt.http.request.duration not recorded")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok || len(hist.DataPoints) != 1 {
		t.Fatalf("unexpected histogram data: %#v", met.Data)
	}
	dp := hist.DataPoints[0]
	if dp.Count != 1 {
		t.Errorf("count = %d, want 1", dp.Count)
	}
	for _, kv := range []attribute.KeyValue{
		attribute.String("method", "GET"),
		attribute.String("path", "/readyz"),
		attribute.String("status", "503"),
	} {
		v, ok := dp.Attributes.Value(kv.Key)
		if !ok || v.AsString() != kv.Value.AsString() {
			t.Errorf("attribute %s = %q, want %q", kv.Key, v.AsString(), kv.Value.AsString())
		}
	}
}
