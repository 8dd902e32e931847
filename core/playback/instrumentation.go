package playback

import (
	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const scopeName = "github.com/koscakluka/ema-coach/core/playback"

var (
	meter  = otel.Meter(scopeName)
	logger = otelslog.NewLogger(scopeName)
)

var (
	playedItems, _  = meter.Int64Counter("coach.playback.items", metric.WithDescription("Playback items handed to the output device"))
	flushedItems, _ = meter.Int64Counter("coach.playback.flushed_items", metric.WithDescription("Playback items dropped by Stop before they finished"))
)
