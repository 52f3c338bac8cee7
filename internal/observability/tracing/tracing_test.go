package tracing

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/smallbiznis/wayfare/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func installRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder), sdktrace.WithSpanProcessor(&correlationSpanProcessor{}))
	prevTP := otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func TestSafeAttributesDropsIdentifiers(t *testing.T) {
	attrs := SafeAttributes(
		attribute.String("user_id", "u-1"),
		attribute.String("feature", "places"),
		attribute.String("tier", " "),
		attribute.Int("count", 3),
	)
	require.Len(t, attrs, 2)
	assert.Equal(t, attribute.Key("feature"), attrs[0].Key)
	assert.Equal(t, attribute.Key("count"), attrs[1].Key)
}

func TestSafeErrorTruncates(t *testing.T) {
	assert.Nil(t, SafeError(nil))
	assert.Nil(t, SafeError(errors.New("  ")))
	long := SafeError(errors.New(strings.Repeat("x", 1000)))
	assert.Len(t, long.Error(), maxErrorLength)
}

func TestWrapTransportPropagatesContext(t *testing.T) {
	recorder := installRecorder(t)

	var gotTraceparent, gotCorrelation string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotTraceparent = r.Header.Get("traceparent")
		gotCorrelation = r.Header.Get(correlation.HeaderName)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := &http.Client{Transport: WrapTransport(nil)}
	ctx := correlation.ContextWithCorrelationID(context.Background(), "cid-7")
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.NotEmpty(t, gotTraceparent)
	assert.Equal(t, "cid-7", gotCorrelation)

	spans := recorder.Ended()
	require.Len(t, spans, 1)
	assert.Equal(t, "HTTP GET", spans[0].Name())
	found := false
	for _, kv := range spans[0].Attributes() {
		if kv.Key == "correlation_id" && kv.Value.AsString() == "cid-7" {
			found = true
		}
	}
	assert.True(t, found, "correlation id attribute")
}

func TestNewProviderDisabledStillTraces(t *testing.T) {
	tp, err := NewProvider(nil, Config{Enabled: false, ServiceName: "wayfare-test"}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("test").Start(context.Background(), "op")
	assert.True(t, span.SpanContext().IsValid())
	span.End()
}

func TestSamplingRatioBounds(t *testing.T) {
	assert.Equal(t, 1.0, samplingRatio(0))
	assert.Equal(t, 1.0, samplingRatio(2))
	assert.Equal(t, 0.25, samplingRatio(0.25))
}
