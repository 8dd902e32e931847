package evaluation

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-coach/core/evaluation"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var fallbacks, _ = meter.Int64Counter("coach.evaluation.fallbacks", metric.WithDescription("Turns scored with the neutral fallback"))

func metricReason(reason fallbackReason) metric.AddOption {
	return metric.WithAttributes(attribute.String("reason", string(reason)))
}
