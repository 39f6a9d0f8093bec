package rabbitmq

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// HeaderCarrier adapts AMQP headers to an OpenTelemetry TextMapCarrier.
type HeaderCarrier amqp.Table

var _ propagation.TextMapCarrier = HeaderCarrier{}

func (c HeaderCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c HeaderCarrier) Set(key, value string) {
	c[key] = value
}

func (c HeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	return keys
}

// ExtractTrace restores the trace context a publisher injected into
// headers. A nil propagator uses the global one.
func ExtractTrace(ctx context.Context, prop propagation.TextMapPropagator, headers amqp.Table) context.Context {
	if prop == nil {
		prop = otel.GetTextMapPropagator()
	}
	if headers == nil {
		return ctx
	}
	return prop.Extract(ctx, HeaderCarrier(headers))
}
