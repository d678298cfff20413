package listeners

import (
	"context"
	"expvar"
	"io"
	"log/slog"
	"sync"

	"github.com/INLOpen/nexusstate/hooks"
)

var (
	watermarkMetricsOnce sync.Once
	watermarkAdvances    *expvar.Int
	watermarkPromoted    *expvar.Int
	watermarkSpan        *expvar.Int
)

func initWatermarkMetrics() {
	watermarkMetricsOnce.Do(func() {
		watermarkAdvances = expvar.NewInt("statetable_watermark_advances_total")
		watermarkPromoted = expvar.NewInt("statetable_watermark_promoted_total")
		watermarkSpan = expvar.NewInt("statetable_watermark_sequences_total")
		// Average number of entries made visible by a single advance.
		expvar.Publish("statetable_watermark_promoted_per_advance", expvar.Func(func() interface{} {
			n := watermarkAdvances.Value()
			if n == 0 {
				return 0.0
			}
			return float64(watermarkPromoted.Value()) / float64(n)
		}))
	})
}

// WatermarkMeterListener counts commit watermark advances and the entries
// each advance promotes, and exposes the totals through expvar.
type WatermarkMeterListener struct {
	logger *slog.Logger

	advances *expvar.Int
	promoted *expvar.Int
	span     *expvar.Int
}

// NewWatermarkMeterListener creates a new listener. Repeated calls share the
// same process-wide counters.
func NewWatermarkMeterListener(logger *slog.Logger) *WatermarkMeterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	initWatermarkMetrics()
	return &WatermarkMeterListener{
		logger:   logger.With("component", "WatermarkMeterListener"),
		advances: watermarkAdvances,
		promoted: watermarkPromoted,
		span:     watermarkSpan,
	}
}

// OnEvent is called when a PostWatermarkAdvance event is triggered.
func (l *WatermarkMeterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	payload, ok := event.Payload().(hooks.WatermarkAdvancePayload)
	if !ok {
		return nil
	}

	l.advances.Add(1)
	l.promoted.Add(int64(payload.Promoted))
	l.span.Add(payload.To - payload.From)

	l.logger.Debug("Watermark advanced",
		"table_id", payload.TableID,
		"from", payload.From,
		"to", payload.To,
		"promoted", payload.Promoted,
	)
	return nil
}

// Priority defines the execution order. Lower numbers run first.
func (l *WatermarkMeterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *WatermarkMeterListener) IsAsync() bool { return true }
