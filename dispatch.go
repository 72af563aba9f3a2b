// ABOUTME: Routes inbound envelopes to typed handler lists in registration order.
// ABOUTME: Feeds tool results to the correlation registry and answers heartbeats first.

package oblivion

import (
	"context"
	"log/slog"
	"sync"
)

// Handler types, one per server-sent event kind.
type (
	TaskAssignedHandler  func(ctx context.Context, p TaskAssignedPayload)
	ContextUpdateHandler func(ctx context.Context, p ContextUpdatePayload)
	WakeUpHandler        func(ctx context.Context, p WakeUpPayload)
	ToolResultHandler    func(ctx context.Context, p ToolResultPayload)
)

// dispatcher decodes inbound frames and invokes registered handlers.
// Registration is additive only; insertion order is invocation order. A
// handler panic is isolated: it stops neither sibling handlers nor the
// connection.
type dispatcher struct {
	logger  *slog.Logger
	pending *pendingRegistry

	// send emits an outbound envelope on the current connection. Used for
	// heartbeat replies, which must go out before any other handler work in
	// the same dispatch cycle.
	send func(ctx context.Context, env *Envelope) error

	mu                 sync.Mutex
	taskHandlers       []TaskAssignedHandler
	contextHandlers    []ContextUpdateHandler
	wakeUpHandlers     []WakeUpHandler
	toolResultHandlers []ToolResultHandler
}

func newDispatcher(logger *slog.Logger, pending *pendingRegistry, send func(ctx context.Context, env *Envelope) error) *dispatcher {
	return &dispatcher{
		logger:  logger,
		pending: pending,
		send:    send,
	}
}

func (d *dispatcher) onTaskAssigned(h TaskAssignedHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.taskHandlers = append(d.taskHandlers, h)
}

func (d *dispatcher) onContextUpdate(h ContextUpdateHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.contextHandlers = append(d.contextHandlers, h)
}

func (d *dispatcher) onWakeUp(h WakeUpHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.wakeUpHandlers = append(d.wakeUpHandlers, h)
}

func (d *dispatcher) onToolResult(h ToolResultHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.toolResultHandlers = append(d.toolResultHandlers, h)
}

// dispatch routes one inbound envelope. A payload that fails validation is
// dropped and logged; other traffic is unaffected.
func (d *dispatcher) dispatch(ctx context.Context, env *Envelope) {
	switch env.Type {
	case KindHeartbeat:
		var p HeartbeatPayload
		if err := unmarshalPayload(env, &p); err != nil {
			d.dropFrame(env.Type, err)
			return
		}
		d.answerHeartbeat(ctx, p)

	case KindToolResult:
		var p ToolResultPayload
		if err := unmarshalPayload(env, &p); err != nil {
			d.dropFrame(env.Type, err)
			return
		}
		// Resolve the awaiting caller before observer handlers run.
		if d.pending.resolve(p.RequestID, p) {
			d.logger.Debug("tool result resolved", "request_id", p.RequestID, "success", p.Success)
		}
		d.mu.Lock()
		handlers := d.toolResultHandlers
		d.mu.Unlock()
		for _, h := range handlers {
			d.invoke(env.Type, func() { h(ctx, p) })
		}

	case KindTaskAssigned:
		var p TaskAssignedPayload
		if err := unmarshalPayload(env, &p); err != nil {
			d.dropFrame(env.Type, err)
			return
		}
		d.logger.Info("task assigned", "task_id", p.TaskID, "title", p.Title)
		d.mu.Lock()
		handlers := d.taskHandlers
		d.mu.Unlock()
		for _, h := range handlers {
			d.invoke(env.Type, func() { h(ctx, p) })
		}

	case KindContextUpdate:
		var p ContextUpdatePayload
		if err := unmarshalPayload(env, &p); err != nil {
			d.dropFrame(env.Type, err)
			return
		}
		d.logger.Debug("context update", "task_id", p.TaskID, "author", p.Author, "is_human", p.IsHuman)
		d.mu.Lock()
		handlers := d.contextHandlers
		d.mu.Unlock()
		for _, h := range handlers {
			d.invoke(env.Type, func() { h(ctx, p) })
		}

	case KindWakeUp:
		var p WakeUpPayload
		if err := unmarshalPayload(env, &p); err != nil {
			d.dropFrame(env.Type, err)
			return
		}
		d.logger.Info("wake up signal", "reason", string(p.Reason), "task_id", p.TaskID)
		d.mu.Lock()
		handlers := d.wakeUpHandlers
		d.mu.Unlock()
		for _, h := range handlers {
			d.invoke(env.Type, func() { h(ctx, p) })
		}

	case KindConnected:
		// The handshake consumes the acknowledgment; a repeat is harmless.
		d.logger.Debug("ignoring duplicate connected acknowledgment")

	default:
		d.logger.Warn("dropping frame with unknown event kind", "kind", string(env.Type))
	}
}

// answerHeartbeat replies to a server ping with a pong echoing the server
// time. The reply is written synchronously so it precedes any other handler
// work queued for this dispatch cycle.
func (d *dispatcher) answerHeartbeat(ctx context.Context, p HeartbeatPayload) {
	reply, err := NewEnvelope(KindHeartbeat, HeartbeatPayload{Pong: true, ServerTime: p.ServerTime})
	if err != nil {
		d.logger.Error("building heartbeat reply", "error", err)
		return
	}
	if err := d.send(ctx, reply); err != nil {
		d.logger.Warn("sending heartbeat reply", "error", err)
	}
}

// dropFrame logs a quarantined frame without affecting other traffic.
func (d *dispatcher) dropFrame(kind Kind, err error) {
	vErr := &ValidationError{Kind: kind, Err: err}
	d.logger.Error("dropping invalid frame", "kind", string(kind), "error", vErr)
}

// invoke runs a single handler, converting a panic into a logged error.
func (d *dispatcher) invoke(kind Kind, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("event handler panicked", "kind", string(kind), "panic", r)
		}
	}()
	fn()
}
