package redpanda

import (
	"context"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderSource carries the extraction source (scanner, mobile app, ...) on
// extraction.raw records.
const HeaderSource = "x-extraction-source"

var propagator = propagation.NewCompositeTextMapPropagator(
	propagation.TraceContext{},
	propagation.Baggage{},
)

// headerCarrier adapts kgo record headers to propagation.TextMapCarrier.
type headerCarrier struct {
	headers *[]kgo.RecordHeader
}

func (c headerCarrier) Get(key string) string {
	return string(findHeader(*c.headers, key))
}

func (c headerCarrier) Set(key, value string) {
	for i, h := range *c.headers {
		if h.Key == key {
			(*c.headers)[i].Value = []byte(value)
			return
		}
	}
	*c.headers = append(*c.headers, kgo.RecordHeader{Key: key, Value: []byte(value)})
}

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(*c.headers))
	for _, h := range *c.headers {
		keys = append(keys, h.Key)
	}
	return keys
}

func findHeader(headers []kgo.RecordHeader, key string) []byte {
	for _, h := range headers {
		if h.Key == key {
			return h.Value
		}
	}
	return nil
}

func headerValue(r *kgo.Record, key string) []byte {
	return findHeader(r.Headers, key)
}

// injectTraceHeaders writes the W3C trace context of ctx into the record.
func injectTraceHeaders(ctx context.Context, record *kgo.Record) {
	propagator.Inject(ctx, headerCarrier{headers: &record.Headers})
}

// extractTraceContext continues the producer's trace, if any.
func extractTraceContext(ctx context.Context, record *kgo.Record) context.Context {
	return propagator.Extract(ctx, headerCarrier{headers: &record.Headers})
}
