// Package plugin implements the plugin lifecycle hook system: a Host loads
// plugins, each contributing a map of hook name to handler, and dispatches
// the core's lifecycle points (bus events, chat params, tool execution,
// permission asks) through them in registration order.
package plugin

import (
	"context"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/logging"
	"github.com/opencode-ai/opencode/internal/permission"
)

var pluginLog = logging.With().Str("component", "plugin").Logger()

// ChatMessageInput carries the message and parts a chat.message hook
// observes after a user message enters a session.
type ChatMessageInput struct {
	SessionID string
	MessageID string
	Parts     []any
}

// ChatParams is the mutable temperature/top-p a chat.params hook may adjust
// before a streaming model call begins.
type ChatParams struct {
	Temperature *float64
	TopP        *float64
}

// ToolExecuteBefore is passed to tool.execute.before; a handler may mutate
// Args in place.
type ToolExecuteBefore struct {
	SessionID string
	CallID    string
	ToolName  string
	Args      map[string]any
}

// ToolExecuteAfter is passed to tool.execute.after, after the tool has run.
type ToolExecuteAfter struct {
	SessionID string
	CallID    string
	ToolName  string
	Title     string
	Output    string
	Metadata  map[string]any
}

// Hooks is the set of handlers a single plugin may implement. A plugin
// leaves a field nil to skip that hook entirely.
type Hooks struct {
	Name string

	OnEvent         func(ctx context.Context, e event.Event)
	OnChatMessage   func(ctx context.Context, in *ChatMessageInput)
	OnChatParams    func(ctx context.Context, p *ChatParams)
	OnToolBefore    func(ctx context.Context, in *ToolExecuteBefore)
	OnToolAfter     func(ctx context.Context, in *ToolExecuteAfter)
	OnPermissionAsk permission.AskHook
}

// Host loads plugins and dispatches lifecycle hooks through them in
// registration order. tool.execute.before/after and chat.message/params
// run every registered plugin unconditionally and recover from panics
// (spec's error-isolation rule); permission.ask is delegated straight to
// the permission checker's own hook chain, since its decision is load
// bearing and must not be swallowed.
type Host struct {
	plugins []Hooks
	checker *permission.Checker
	unsub   func()
}

// NewHost creates an empty plugin host. If checker is non-nil, every
// plugin's OnPermissionAsk (if set) is registered with it so Ask() can
// consult plugin decisions before prompting the user.
func NewHost(checker *permission.Checker) *Host {
	return &Host{checker: checker}
}

// Register adds a plugin's hook set, in call order. Order is the
// dispatch order for every hook this plugin implements.
func (h *Host) Register(hooks Hooks) {
	h.plugins = append(h.plugins, hooks)
	if hooks.OnPermissionAsk != nil && h.checker != nil {
		h.checker.RegisterAskHook(hooks.OnPermissionAsk)
	}
}

// ListenToBus subscribes the host to every bus event and fans each one out
// to plugins' `event` hooks, in registration order. Returns an unsubscribe
// function; call it on shutdown.
func (h *Host) ListenToBus() func() {
	unsub := event.SubscribeAll(func(e event.Event) {
		h.DispatchEvent(context.Background(), e)
	})
	h.unsub = unsub
	return unsub
}

// Close stops listening to the bus.
func (h *Host) Close() {
	if h.unsub != nil {
		h.unsub()
	}
}

// DispatchEvent runs every plugin's `event` hook for e, in order.
func (h *Host) DispatchEvent(ctx context.Context, e event.Event) {
	for _, p := range h.plugins {
		if p.OnEvent == nil {
			continue
		}
		runIsolated(p.Name, "event", func() { p.OnEvent(ctx, e) })
	}
}

// DispatchChatMessage runs every plugin's chat.message hook.
func (h *Host) DispatchChatMessage(ctx context.Context, in *ChatMessageInput) {
	for _, p := range h.plugins {
		if p.OnChatMessage == nil {
			continue
		}
		runIsolated(p.Name, "chat.message", func() { p.OnChatMessage(ctx, in) })
	}
}

// DispatchChatParams runs every plugin's chat.params hook, letting each
// mutate params in turn before the streaming call begins.
func (h *Host) DispatchChatParams(ctx context.Context, params *ChatParams) {
	for _, p := range h.plugins {
		if p.OnChatParams == nil {
			continue
		}
		runIsolated(p.Name, "chat.params", func() { p.OnChatParams(ctx, params) })
	}
}

// DispatchToolBefore runs every plugin's tool.execute.before hook.
func (h *Host) DispatchToolBefore(ctx context.Context, in *ToolExecuteBefore) {
	for _, p := range h.plugins {
		if p.OnToolBefore == nil {
			continue
		}
		runIsolated(p.Name, "tool.execute.before", func() { p.OnToolBefore(ctx, in) })
	}
}

// DispatchToolAfter runs every plugin's tool.execute.after hook.
func (h *Host) DispatchToolAfter(ctx context.Context, in *ToolExecuteAfter) {
	for _, p := range h.plugins {
		if p.OnToolAfter == nil {
			continue
		}
		runIsolated(p.Name, "tool.execute.after", func() { p.OnToolAfter(ctx, in) })
	}
}

// runIsolated invokes fn, recovering and logging any panic so a single
// misbehaving plugin never interrupts the core flow.
func runIsolated(plugin, hook string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			pluginLog.Error().
				Str("plugin", plugin).
				Str("hook", hook).
				Interface("panic", r).
				Msg("plugin hook panicked")
		}
	}()
	fn()
}
