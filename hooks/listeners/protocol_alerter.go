package listeners

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/INLOpen/nexusstate/hooks"
)

// ProtocolAlerterListener logs replication protocol violations and stale
// commit acknowledgements reported by a state table.
type ProtocolAlerterListener struct {
	logger *slog.Logger
}

// NewProtocolAlerterListener creates a new listener for protocol anomalies.
func NewProtocolAlerterListener(logger *slog.Logger) *ProtocolAlerterListener {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &ProtocolAlerterListener{
		logger: logger.With("component", "ProtocolAlerterListener"),
	}
}

// OnEvent handles OnProtocolViolation and OnStaleCommit events.
func (l *ProtocolAlerterListener) OnEvent(ctx context.Context, event hooks.HookEvent) error {
	switch event.Type() {
	case hooks.EventOnProtocolViolation:
		payload, ok := event.Payload().(hooks.ProtocolViolationPayload)
		if !ok {
			l.logger.Error("Received OnProtocolViolation event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		l.logger.Error("Replication protocol violation",
			"table_id", payload.TableID,
			"error", payload.Err,
		)
	case hooks.EventOnStaleCommit:
		payload, ok := event.Payload().(hooks.StaleCommitPayload)
		if !ok {
			l.logger.Error("Received OnStaleCommit event with incorrect payload type", "payload_type", fmt.Sprintf("%T", event.Payload()))
			return nil
		}
		l.logger.Warn("Stale commit acknowledgement ignored",
			"table_id", payload.TableID,
			"sequence", payload.Sequence,
			"watermark", payload.Watermark,
		)
	}
	return nil
}

// Priority defines the execution order.
func (l *ProtocolAlerterListener) Priority() int { return 100 }

// IsAsync indicates this listener can run in the background.
func (l *ProtocolAlerterListener) IsAsync() bool { return true }
