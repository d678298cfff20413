package hooks

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// EventType defines the type of a hook event.
type EventType string

// --- Event Type Constants ---
const (
	// Replication Events
	EventPostWatermarkAdvance EventType = "PostWatermarkAdvance"
	EventPostApplyBatch       EventType = "PostApplyBatch"
	EventOnProtocolViolation  EventType = "OnProtocolViolation"
	EventOnStaleCommit        EventType = "OnStaleCommit"

	// Snapshot Events
	EventPreCreateSnapshot  EventType = "PreCreateSnapshot"
	EventPostCreateSnapshot EventType = "PostCreateSnapshot"

	// Table Lifecycle Events
	EventPostCompact    EventType = "PostCompact"
	EventPreCloseTable  EventType = "PreCloseTable"
	EventPostCloseTable EventType = "PostCloseTable"

	// Checkpoint Events
	EventPostCheckpointWrite   EventType = "PostCheckpointWrite"
	EventPostCheckpointRestore EventType = "PostCheckpointRestore"
)

// --- HookManager Interface and Implementation ---

// HookManager defines the interface for managing and triggering hooks.
type HookManager interface {
	// Register adds a listener for a specific event type.
	Register(eventType EventType, listener HookListener)
	// Trigger fires all registered listeners for a given event.
	// It handles synchronous vs. asynchronous execution based on the event type and listener preference.
	Trigger(ctx context.Context, event HookEvent) error
	// Stop waits for all asynchronous listeners to complete. Useful for graceful shutdown.
	Stop()
}

// HookEvent is the interface that all event objects must implement.
type HookEvent interface {
	// Type returns the type of the event.
	Type() EventType
	// Payload returns the data associated with the event.
	Payload() interface{}
}

// HookListener defines the interface for components that want to listen to events.
type HookListener interface {
	// OnEvent is called by the HookManager when a registered event is triggered.
	// Returning an error from a "Pre" hook (e.g., PreCreateSnapshot) cancels the operation.
	OnEvent(ctx context.Context, event HookEvent) error
	// Priority determines the execution order. Lower values run first.
	Priority() int
	// IsAsync reports whether a Post hook may run in its own goroutine.
	IsAsync() bool
}

// BaseEvent provides a base implementation for HookEvent.
type BaseEvent struct {
	eventType EventType
	payload   interface{}
}

func (e *BaseEvent) Type() EventType      { return e.eventType }
func (e *BaseEvent) Payload() interface{} { return e.payload }

// WatermarkAdvancePayload describes one advance of the commit watermark.
type WatermarkAdvancePayload struct {
	TableID  string
	From     int64
	To       int64
	Promoted int // pending versions that became committed
}

// NewPostWatermarkAdvanceEvent creates a new event for after the commit watermark moved.
func NewPostWatermarkAdvanceEvent(payload WatermarkAdvancePayload) HookEvent {
	return &BaseEvent{eventType: EventPostWatermarkAdvance, payload: payload}
}

// ApplyBatchPayload contains the data for a PostApplyBatch event.
type ApplyBatchPayload struct {
	TableID       string
	FirstSequence int64
	LastSequence  int64
	Units         int
}

// NewPostApplyBatchEvent creates a new event for after a batch was applied.
func NewPostApplyBatchEvent(payload ApplyBatchPayload) HookEvent {
	return &BaseEvent{eventType: EventPostApplyBatch, payload: payload}
}

// ProtocolViolationPayload carries the violation returned to the caller.
type ProtocolViolationPayload struct {
	TableID string
	Err     error
}

// NewOnProtocolViolationEvent creates a new event for a rejected operation.
func NewOnProtocolViolationEvent(payload ProtocolViolationPayload) HookEvent {
	return &BaseEvent{eventType: EventOnProtocolViolation, payload: payload}
}

// StaleCommitPayload describes a commit acknowledgement that was ignored.
type StaleCommitPayload struct {
	TableID   string
	Sequence  int64
	Watermark int64
}

// NewOnStaleCommitEvent creates a new event for an ignored commit.
func NewOnStaleCommitEvent(payload StaleCommitPayload) HookEvent {
	return &BaseEvent{eventType: EventOnStaleCommit, payload: payload}
}

// PreCreateSnapshotPayload contains the request of a snapshot about to be taken.
type PreCreateSnapshotPayload struct {
	TableID string
	Bound   int64
	// TypeFilter is non-zero when the snapshot is restricted to one type tag.
	TypeFilter uint8
}

// NewPreCreateSnapshotEvent creates a new event for before a snapshot is taken.
func NewPreCreateSnapshotEvent(payload PreCreateSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPreCreateSnapshot, payload: payload}
}

// PostCreateSnapshotPayload describes a snapshot that was taken.
type PostCreateSnapshotPayload struct {
	TableID          string
	Bound            int64
	Sequence         int64
	CommittedCount   int64
	UncommittedCount int64
}

// NewPostCreateSnapshotEvent creates a new event for after a snapshot was taken.
func NewPostCreateSnapshotEvent(payload PostCreateSnapshotPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCreateSnapshot, payload: payload}
}

// CompactPayload describes a finished compaction.
type CompactPayload struct {
	TableID string
	UpTo    int64
	Removed int
}

// NewPostCompactEvent creates a new event for after a compaction.
func NewPostCompactEvent(payload CompactPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCompact, payload: payload}
}

// TableLifecyclePayload is the payload for table close events.
type TableLifecyclePayload struct {
	TableID string
}

// NewPreCloseTableEvent creates a new event for before a table is closed.
func NewPreCloseTableEvent(payload TableLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPreCloseTable, payload: payload}
}

// NewPostCloseTableEvent creates a new event for after a table was closed.
func NewPostCloseTableEvent(payload TableLifecyclePayload) HookEvent {
	return &BaseEvent{eventType: EventPostCloseTable, payload: payload}
}

// CheckpointPayload describes a checkpoint stream that was written or restored.
type CheckpointPayload struct {
	StreamID    string
	Sequence    int64
	Records     int64
	Blocks      int
	Compression string
}

// NewPostCheckpointWriteEvent creates a new event for after a checkpoint was written.
func NewPostCheckpointWriteEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpointWrite, payload: payload}
}

// NewPostCheckpointRestoreEvent creates a new event for after a checkpoint was restored.
func NewPostCheckpointRestoreEvent(payload CheckpointPayload) HookEvent {
	return &BaseEvent{eventType: EventPostCheckpointRestore, payload: payload}
}

// listenerWithPriority wraps a listener with its priority.
type listenerWithPriority struct {
	listener HookListener
	priority int
}

// DefaultHookManager is a concrete implementation of HookManager.
type DefaultHookManager struct {
	// The map stores slices of listeners, kept sorted by priority.
	listeners map[EventType][]*listenerWithPriority
	mu        sync.RWMutex
	wg        sync.WaitGroup // For tracking async listeners
	logger    *slog.Logger
}

// NewHookManager creates a new DefaultHookManager.
func NewHookManager(logger *slog.Logger) HookManager {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &DefaultHookManager{
		listeners: make(map[EventType][]*listenerWithPriority),
		logger:    logger.With("component", "HookManager"),
	}
}

// Register adds a listener for a specific event type, maintaining priority order.
// Listeners with equal priority run in registration order.
func (m *DefaultHookManager) Register(eventType EventType, listener HookListener) {
	m.mu.Lock()
	defer m.mu.Unlock()

	item := &listenerWithPriority{
		listener: listener,
		priority: listener.Priority(),
	}

	l := m.listeners[eventType]
	idx := sort.Search(len(l), func(i int) bool {
		return l[i].priority > item.priority
	})

	l = append(l, nil)
	copy(l[idx+1:], l[idx:])
	l[idx] = item

	m.listeners[eventType] = l
}

// Trigger fires all registered listeners for a given event in priority order.
func (m *DefaultHookManager) Trigger(ctx context.Context, event HookEvent) error {
	m.mu.RLock()
	listeners, ok := m.listeners[event.Type()]
	m.mu.RUnlock()

	if !ok || len(listeners) == 0 {
		return nil
	}

	isPreHook := strings.HasPrefix(string(event.Type()), "Pre")

	for _, item := range listeners {
		isListenerAsync := item.listener.IsAsync()

		// Pre-hooks MUST be synchronous to allow for cancellation.
		if isPreHook || !isListenerAsync {
			if isPreHook && isListenerAsync {
				m.logger.Warn("Listener for Pre-hook requested async execution, but Pre-hooks are always synchronous.", "event", event.Type(), "priority", item.priority)
			}

			if err := item.listener.OnEvent(ctx, event); err != nil {
				if isPreHook {
					return fmt.Errorf("pre-hook for event %s (priority %d) failed: %w", event.Type(), item.priority, err)
				}
				m.logger.Error("Error from synchronous post-hook listener", "event", event.Type(), "priority", item.priority, "error", err)
			}
			continue
		}

		m.wg.Add(1)
		go func(currentItem *listenerWithPriority) {
			defer m.wg.Done()
			if err := currentItem.listener.OnEvent(ctx, event); err != nil {
				m.logger.Error("Error from asynchronous post-hook listener", "event", event.Type(), "priority", currentItem.priority, "error", err)
			}
		}(item)
	}
	return nil
}

// Stop waits for all asynchronous listeners to complete.
func (m *DefaultHookManager) Stop() {
	m.wg.Wait()
}

// ListenerFunc adapts a function to a synchronous HookListener.
type ListenerFunc struct {
	Fn    func(ctx context.Context, event HookEvent) error
	Order int
	Async bool
}

func (f ListenerFunc) OnEvent(ctx context.Context, event HookEvent) error { return f.Fn(ctx, event) }
func (f ListenerFunc) Priority() int                                      { return f.Order }
func (f ListenerFunc) IsAsync() bool                                      { return f.Async }
