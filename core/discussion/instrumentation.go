package discussion

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-coach/core/discussion"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var skippedUtterances, _ = meter.Int64Counter("coach.discussion.utterances_skipped", metric.WithDescription("Generated utterances that were not spoken"))
