package statetable

import (
	"io"
	"log/slog"
	"time"

	"github.com/INLOpen/nexusstate/hooks"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	// DefaultShards is the number of entry shards used when Options.Shards is zero.
	DefaultShards = 64
	// DefaultHoldbackWarnThreshold is how long an acknowledged commit may wait
	// for earlier sequence numbers before the table logs a warning.
	DefaultHoldbackWarnThreshold = 5 * time.Second
)

// Options configures a Table.
type Options struct {
	// Shards is the number of entry shards. It is rounded up to a power of two.
	Shards int
	// HoldbackWarnThreshold is the holdback duration above which a promotion
	// is logged at warn level. Zero uses the default, negative disables.
	HoldbackWarnThreshold time.Duration

	Logger      *slog.Logger
	Tracer      trace.Tracer
	HookManager hooks.HookManager
}

func (o Options) withDefaults() Options {
	if o.Shards <= 0 {
		o.Shards = DefaultShards
	}
	o.Shards = nextPowerOfTwo(o.Shards)
	if o.HoldbackWarnThreshold == 0 {
		o.HoldbackWarnThreshold = DefaultHoldbackWarnThreshold
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.Tracer == nil {
		o.Tracer = noop.NewTracerProvider().Tracer("nexusstate/statetable")
	}
	return o
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
