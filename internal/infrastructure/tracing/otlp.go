package tracing

import (
	"bytes"
	"context"
	"encoding/hex"
	"log/slog"
	"net/http"
	"sync"
	"time"

	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
	tracepb "go.opentelemetry.io/proto/otlp/trace/v1"
	"google.golang.org/protobuf/proto"
)

const (
	scopeName = "github.com/apascualco/edgeway"

	defaultBufferSize    = 1024
	defaultBatchSize     = 64
	defaultFlushInterval = 5 * time.Second
)

// OTLPExporter batches spans and posts them as protobuf to an OTLP/HTTP
// collector. Export never blocks; spans are dropped when the buffer is full.
type OTLPExporter struct {
	endpoint      string
	serviceName   string
	version       string
	client        *http.Client
	batchSize     int
	flushInterval time.Duration

	spans    chan SpanData
	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type OTLPOption func(*OTLPExporter)

func WithVersion(v string) OTLPOption {
	return func(e *OTLPExporter) { e.version = v }
}

func WithBatchSize(n int) OTLPOption {
	return func(e *OTLPExporter) { e.batchSize = n }
}

func WithFlushInterval(d time.Duration) OTLPOption {
	return func(e *OTLPExporter) { e.flushInterval = d }
}

func WithBufferSize(n int) OTLPOption {
	return func(e *OTLPExporter) { e.spans = make(chan SpanData, n) }
}

func NewOTLPExporter(endpoint, serviceName string, opts ...OTLPOption) *OTLPExporter {
	e := newOTLPExporter(endpoint, serviceName, opts...)
	e.wg.Add(1)
	go e.batchLoop()
	return e
}

func newOTLPExporter(endpoint, serviceName string, opts ...OTLPOption) *OTLPExporter {
	e := &OTLPExporter{
		endpoint:      endpoint,
		serviceName:   serviceName,
		client:        &http.Client{Timeout: 10 * time.Second},
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		spans:         make(chan SpanData, defaultBufferSize),
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *OTLPExporter) Export(_ context.Context, span SpanData) {
	select {
	case e.spans <- span:
	default:
		slog.Warn("otlp exporter: span dropped, buffer full", slog.String("trace_id", span.TraceID))
	}
}

// Shutdown flushes buffered spans. It is safe to call more than once.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.stopOnce.Do(func() { close(e.done) })

	finished := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *OTLPExporter) batchLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.flushInterval)
	defer ticker.Stop()

	batch := make([]SpanData, 0, e.batchSize)
	add := func(span SpanData) {
		batch = append(batch, span)
		if len(batch) >= e.batchSize {
			e.flush(batch)
			batch = make([]SpanData, 0, e.batchSize)
		}
	}

	for {
		select {
		case span := <-e.spans:
			add(span)
		case <-ticker.C:
			if len(batch) > 0 {
				e.flush(batch)
				batch = make([]SpanData, 0, e.batchSize)
			}
		case <-e.done:
			for {
				select {
				case span := <-e.spans:
					add(span)
				default:
					if len(batch) > 0 {
						e.flush(batch)
					}
					return
				}
			}
		}
	}
}

func (e *OTLPExporter) flush(batch []SpanData) {
	body, err := proto.Marshal(e.buildProto(batch))
	if err != nil {
		slog.Error("otlp exporter: failed to marshal protobuf", slog.String("error", err.Error()))
		return
	}

	req, err := http.NewRequest(http.MethodPost, e.endpoint+"/v1/traces", bytes.NewReader(body))
	if err != nil {
		slog.Error("otlp exporter: failed to create request", slog.String("error", err.Error()))
		return
	}
	req.Header.Set("Content-Type", "application/x-protobuf")

	resp, err := e.client.Do(req)
	if err != nil {
		slog.Error("otlp exporter: failed to send spans",
			slog.String("error", err.Error()),
			slog.Int("count", len(batch)),
		)
		return
	}
	_ = resp.Body.Close()

	if resp.StatusCode >= 300 {
		slog.Warn("otlp exporter: unexpected status",
			slog.Int("status", resp.StatusCode),
			slog.Int("count", len(batch)),
		)
	}
}

func (e *OTLPExporter) buildProto(batch []SpanData) *tracepb.TracesData {
	spans := make([]*tracepb.Span, 0, len(batch))
	for _, s := range batch {
		spans = append(spans, spanDataToProto(s))
	}

	resource := []*commonpb.KeyValue{stringAttr("service.name", e.serviceName)}
	if e.version != "" {
		resource = append(resource, stringAttr("service.version", e.version))
	}

	return &tracepb.TracesData{
		ResourceSpans: []*tracepb.ResourceSpans{{
			Resource: &resourcepb.Resource{Attributes: resource},
			ScopeSpans: []*tracepb.ScopeSpans{{
				Scope: &commonpb.InstrumentationScope{Name: scopeName, Version: e.version},
				Spans: spans,
			}},
		}},
	}
}

func spanDataToProto(s SpanData) *tracepb.Span {
	traceID, _ := hex.DecodeString(s.TraceID)
	spanID, _ := hex.DecodeString(s.SpanID)

	span := &tracepb.Span{
		TraceId:           traceID,
		SpanId:            spanID,
		Name:              s.Name,
		Kind:              toProtoSpanKind(s.Kind),
		StartTimeUnixNano: uint64(s.StartTime.UnixNano()),
		EndTimeUnixNano:   uint64(s.EndTime.UnixNano()),
		Status:            toProtoStatus(s.StatusCode),
		Attributes:        toProtoAttributes(s),
	}

	if s.ParentSpanID != "" {
		span.ParentSpanId, _ = hex.DecodeString(s.ParentSpanID)
	}

	return span
}

func toProtoSpanKind(k SpanKind) tracepb.Span_SpanKind {
	switch k {
	case SpanKindServer:
		return tracepb.Span_SPAN_KIND_SERVER
	case SpanKindClient:
		return tracepb.Span_SPAN_KIND_CLIENT
	default:
		return tracepb.Span_SPAN_KIND_UNSPECIFIED
	}
}

// Gateway rejections (502, 503, 504) are errors of this hop too.
func toProtoStatus(httpStatus int) *tracepb.Status {
	if httpStatus >= 500 {
		return &tracepb.Status{
			Code:    tracepb.Status_STATUS_CODE_ERROR,
			Message: http.StatusText(httpStatus),
		}
	}
	return &tracepb.Status{Code: tracepb.Status_STATUS_CODE_OK}
}

func toProtoAttributes(s SpanData) []*commonpb.KeyValue {
	kvs := make([]*commonpb.KeyValue, 0, len(s.Attributes)+3)
	if s.StatusCode != 0 {
		kvs = append(kvs, &commonpb.KeyValue{
			Key:   "http.response.status_code",
			Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: int64(s.StatusCode)}},
		})
	}
	if s.Service != "" {
		kvs = append(kvs, stringAttr("edgeway.service", s.Service))
	}
	if s.Cache != "" {
		kvs = append(kvs, stringAttr("edgeway.cache", s.Cache))
	}
	for k, v := range s.Attributes {
		kvs = append(kvs, stringAttr(k, v))
	}
	if len(kvs) == 0 {
		return nil
	}
	return kvs
}

func stringAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}
