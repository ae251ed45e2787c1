package tracing

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"

	"github.com/apascualco/edgeway/internal/infrastructure/config"
)

func gatewaySpan(name string, status int) SpanData {
	now := time.Now()
	return SpanData{
		TraceID:    "abcdef1234567890abcdef1234567890",
		SpanID:     "1234567890abcdef",
		Name:       name,
		Kind:       SpanKindServer,
		StartTime:  now,
		EndTime:    now.Add(5 * time.Millisecond),
		StatusCode: status,
	}
}

func attrs(span *tracepb.Span) map[string]string {
	out := make(map[string]string, len(span.Attributes))
	for _, kv := range span.Attributes {
		out[kv.Key] = kv.Value.GetStringValue()
	}
	return out
}

func TestSpanDataToProto_GatewayHop(t *testing.T) {
	start := time.Now()
	end := start.Add(100 * time.Millisecond)

	span := SpanData{
		TraceID:      "abcdef1234567890abcdef1234567890",
		SpanID:       "1234567890abcdef",
		ParentSpanID: "fedcba0987654321",
		Name:         "GET users",
		Kind:         SpanKindServer,
		StartTime:    start,
		EndTime:      end,
		StatusCode:   200,
		Service:      "users",
		Cache:        "HIT",
		Attributes:   map[string]string{"http.request.method": "GET"},
	}

	protoSpan := spanDataToProto(span)

	if protoSpan.Name != "GET users" {
		t.Errorf("expected name 'GET users', got %q", protoSpan.Name)
	}
	if len(protoSpan.TraceId) != 16 || len(protoSpan.SpanId) != 8 || len(protoSpan.ParentSpanId) != 8 {
		t.Errorf("unexpected id lengths: %d/%d/%d", len(protoSpan.TraceId), len(protoSpan.SpanId), len(protoSpan.ParentSpanId))
	}
	if protoSpan.Kind != tracepb.Span_SPAN_KIND_SERVER {
		t.Errorf("expected SPAN_KIND_SERVER, got %v", protoSpan.Kind)
	}
	if protoSpan.StartTimeUnixNano != uint64(start.UnixNano()) || protoSpan.EndTimeUnixNano != uint64(end.UnixNano()) {
		t.Error("unexpected span timestamps")
	}
	if protoSpan.Status.Code != tracepb.Status_STATUS_CODE_OK {
		t.Errorf("expected STATUS_CODE_OK, got %v", protoSpan.Status.Code)
	}

	got := attrs(protoSpan)
	if got["edgeway.service"] != "users" || got["edgeway.cache"] != "HIT" || got["http.request.method"] != "GET" {
		t.Errorf("unexpected attributes: %v", got)
	}
	for _, kv := range protoSpan.Attributes {
		if kv.Key == "http.response.status_code" && kv.Value.GetIntValue() != 200 {
			t.Errorf("expected status code attribute 200, got %d", kv.Value.GetIntValue())
		}
	}
}

func TestSpanDataToProto_RootSpanWithoutRoute(t *testing.T) {
	protoSpan := spanDataToProto(gatewaySpan("GET /unknown", 404))

	if len(protoSpan.ParentSpanId) != 0 {
		t.Errorf("expected empty parent_span_id for root span, got %x", protoSpan.ParentSpanId)
	}
	if got := attrs(protoSpan); got["edgeway.service"] != "" {
		t.Errorf("unrouted span should carry no service, got %v", got)
	}
	if protoSpan.Status.Code != tracepb.Status_STATUS_CODE_OK {
		t.Errorf("404 is not an error of this hop, got %v", protoSpan.Status.Code)
	}
}

func TestSpanDataToProto_GatewayErrors(t *testing.T) {
	for _, status := range []int{http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout} {
		protoSpan := spanDataToProto(gatewaySpan("GET users", status))
		if protoSpan.Status.Code != tracepb.Status_STATUS_CODE_ERROR {
			t.Errorf("expected STATUS_CODE_ERROR for %d, got %v", status, protoSpan.Status.Code)
		}
		if protoSpan.Status.Message != http.StatusText(status) {
			t.Errorf("unexpected status message %q", protoSpan.Status.Message)
		}
	}
}

func TestOTLPExporter_BuildProtoResource(t *testing.T) {
	e := newOTLPExporter("http://localhost:4318", "edgeway", WithVersion("1.4.0"))

	data := e.buildProto([]SpanData{gatewaySpan("span-1", 200), gatewaySpan("span-2", 200)})

	if len(data.ResourceSpans) != 1 {
		t.Fatalf("expected 1 ResourceSpans, got %d", len(data.ResourceSpans))
	}
	rs := data.ResourceSpans[0]

	resource := map[string]string{}
	for _, kv := range rs.Resource.Attributes {
		resource[kv.Key] = kv.Value.GetStringValue()
	}
	if resource["service.name"] != "edgeway" || resource["service.version"] != "1.4.0" {
		t.Errorf("unexpected resource attributes: %v", resource)
	}
	if rs.ScopeSpans[0].Scope.Name != scopeName {
		t.Errorf("unexpected scope %q", rs.ScopeSpans[0].Scope.Name)
	}
	if len(rs.ScopeSpans[0].Spans) != 2 {
		t.Errorf("expected 2 spans, got %d", len(rs.ScopeSpans[0].Spans))
	}

	if body, err := proto.Marshal(data); err != nil || len(body) == 0 {
		t.Fatalf("failed to marshal protobuf: %v", err)
	}
}

type collector struct {
	mu          sync.Mutex
	flushes     int
	spans       int
	contentType string
}

func (c *collector) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/traces" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		body, _ := io.ReadAll(r.Body)

		var traces tracepb.TracesData
		if err := proto.Unmarshal(body, &traces); err != nil {
			t.Errorf("failed to unmarshal received protobuf: %v", err)
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		c.flushes++
		c.contentType = r.Header.Get("Content-Type")
		for _, rs := range traces.ResourceSpans {
			for _, ss := range rs.ScopeSpans {
				c.spans += len(ss.Spans)
			}
		}
		w.WriteHeader(http.StatusOK)
	}
}

func TestOTLPExporter_ShutdownDrains(t *testing.T) {
	col := &collector{}
	server := httptest.NewServer(col.handler(t))
	defer server.Close()

	exporter := NewOTLPExporter(server.URL, "edgeway")
	for i := 0; i < 5; i++ {
		exporter.Export(context.Background(), gatewaySpan("GET users", 200))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exporter.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if err := exporter.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown failed: %v", err)
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.contentType != "application/x-protobuf" {
		t.Errorf("expected Content-Type 'application/x-protobuf', got %q", col.contentType)
	}
	if col.spans != 5 {
		t.Errorf("expected 5 spans, got %d", col.spans)
	}
}

func TestOTLPExporter_BatchFlush(t *testing.T) {
	col := &collector{}
	server := httptest.NewServer(col.handler(t))
	defer server.Close()

	exporter := NewOTLPExporter(server.URL, "edgeway", WithBatchSize(4), WithFlushInterval(time.Hour))
	for i := 0; i < 10; i++ {
		exporter.Export(context.Background(), gatewaySpan("GET users", 200))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := exporter.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	col.mu.Lock()
	defer col.mu.Unlock()
	if col.flushes != 3 {
		t.Errorf("expected 3 flushes (4 + 4 + 2), got %d", col.flushes)
	}
	if col.spans != 10 {
		t.Errorf("expected 10 total spans, got %d", col.spans)
	}
}

func TestOTLPExporter_IntervalFlush(t *testing.T) {
	col := &collector{}
	server := httptest.NewServer(col.handler(t))
	defer server.Close()

	exporter := NewOTLPExporter(server.URL, "edgeway", WithFlushInterval(20*time.Millisecond))
	defer func() { _ = exporter.Shutdown(context.Background()) }()

	exporter.Export(context.Background(), gatewaySpan("GET users", 200))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		col.mu.Lock()
		n := col.spans
		col.mu.Unlock()
		if n == 1 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("expected the span to be flushed by the ticker")
}

func TestOTLPExporter_BufferFullDropsSpan(t *testing.T) {
	// no batch loop, so the buffer is never drained
	exporter := newOTLPExporter("http://127.0.0.1:1", "edgeway", WithBufferSize(2))

	span := gatewaySpan("GET users", 200)
	exporter.Export(context.Background(), span)
	exporter.Export(context.Background(), span)

	done := make(chan struct{})
	go func() {
		exporter.Export(context.Background(), span)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Export blocked when buffer was full")
	}
	if len(exporter.spans) != 2 {
		t.Errorf("expected 2 buffered spans, got %d", len(exporter.spans))
	}
}

func TestNewExporter(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		wantOTLP bool
	}{
		{"disabled", config.Config{TraceExporter: config.TraceExporterNone}, false},
		{"otlp without endpoint", config.Config{TraceExporter: config.TraceExporterOTLP}, false},
		{"otlp", config.Config{TraceExporter: config.TraceExporterOTLP, TraceOTLPEndpoint: "http://127.0.0.1:4318", TraceServiceName: "edgeway"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := NewExporter(&tt.cfg)
			defer func() { _ = exp.Shutdown(context.Background()) }()

			_, isOTLP := exp.(*OTLPExporter)
			if isOTLP != tt.wantOTLP {
				t.Errorf("NewExporter() = %T, wantOTLP %v", exp, tt.wantOTLP)
			}
		})
	}
}
