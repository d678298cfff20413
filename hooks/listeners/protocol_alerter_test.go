package listeners

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/INLOpen/nexusstate/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProtocolAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewProtocolAlerterListener(logger)
	require.NotNil(t, listener)

	t.Run("Handles OnProtocolViolation event", func(t *testing.T) {
		logBuf.Reset()

		event := hooks.NewOnProtocolViolationEvent(hooks.ProtocolViolationPayload{
			TableID: "t-1",
			Err:     errors.New("out of order prepare"),
		})
		require.NoError(t, listener.OnEvent(context.Background(), event))

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "Replication protocol violation")
		assert.Contains(t, logOutput, `"table_id":"t-1"`)
		assert.Contains(t, logOutput, "out of order prepare")
	})

	t.Run("Handles OnStaleCommit event", func(t *testing.T) {
		logBuf.Reset()

		event := hooks.NewOnStaleCommitEvent(hooks.StaleCommitPayload{TableID: "t-1", Sequence: 3, Watermark: 9})
		require.NoError(t, listener.OnEvent(context.Background(), event))

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "Stale commit acknowledgement ignored")
		assert.Contains(t, logOutput, `"sequence":3`)
		assert.Contains(t, logOutput, `"watermark":9`)
	})

	t.Run("Ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostCompactEvent(hooks.CompactPayload{})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String())
	})
}
