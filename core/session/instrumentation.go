package session

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-coach/core/session"

var (
	tracer = otel.Tracer(scopeName)
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	droppedFrames, _ = meter.Int64Counter("coach.capture.frames_dropped", metric.WithDescription("Outbound frames dropped to relieve transport backpressure"))
	decodeErrors, _  = meter.Int64Counter("coach.playback.decode_errors", metric.WithDescription("Inbound audio payloads that could not be decoded"))
)
