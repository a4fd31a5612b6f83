package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/opencode-ai/opencode/internal/permission"
	"github.com/opencode-ai/opencode/internal/plugin"
	"github.com/opencode-ai/opencode/internal/provider"
	"github.com/opencode-ai/opencode/internal/resolver"
	"github.com/opencode-ai/opencode/internal/storage"
	"github.com/opencode-ai/opencode/internal/tool"
	"github.com/opencode-ai/opencode/pkg/types"
)

// Processor handles message processing and the agentic loop.
type Processor struct {
	mu sync.Mutex

	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	toolResolver      *resolver.Resolver
	storage           *storage.Storage
	permissionChecker *permission.Checker
	pluginHost        *plugin.Host

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID    string

	// Active sessions being processed
	sessions map[string]*sessionState
}

// sessionState tracks the state of an active session being processed.
type sessionState struct {
	ctx     context.Context
	cancel  context.CancelFunc
	message *types.Message
	parts   []types.Part
	step    int
	retries int
}

// SessionBusyError is returned by Process when the session already has a
// turn in flight. Callers never queue behind another turn on the same
// session; they fail fast and may retry or surface the error to the user.
type SessionBusyError struct {
	SessionID string
}

func (e *SessionBusyError) Error() string {
	return fmt.Sprintf("session busy: %s", e.SessionID)
}

// IsSessionBusy reports whether err is a SessionBusyError.
func IsSessionBusy(err error) bool {
	_, ok := err.(*SessionBusyError)
	return ok
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	store *storage.Storage,
	permChecker *permission.Checker,
	defaultProviderID string,
	defaultModelID string,
) *Processor {
	// Use reasonable defaults if not specified
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		toolResolver:      resolver.New(toolReg),
		storage:           store,
		permissionChecker: permChecker,
		pluginHost:        plugin.NewHost(permChecker),
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// Process handles a new user message and generates an assistant response.
// This is the main entry point for the agentic loop.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	p.mu.Lock()

	// A session may only have one turn in flight. Rather than queue
	// behind it (which silently serializes unrelated requests and hides
	// contention from the caller), a concurrent call fails fast.
	if _, ok := p.sessions[sessionID]; ok {
		p.mu.Unlock()
		return &SessionBusyError{SessionID: sessionID}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	state := &sessionState{
		ctx:    loopCtx,
		cancel: cancel,
	}
	p.sessions[sessionID] = state
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
	}()

	// The in-memory sessions map only guards against concurrent turns
	// within this process; the lock file is what two separate opencode
	// processes racing on the same session actually contend on.
	if p.storage != nil {
		if err := acquireLock(loopCtx, p.storage, sessionID); err != nil {
			cancel()
			p.mu.Lock()
			delete(p.sessions, sessionID)
			p.mu.Unlock()
			if _, ok := err.(*SessionBusyLockError); ok {
				return &SessionBusyError{SessionID: sessionID}
			}
			return err
		}
		defer releaseLock(context.Background(), p.storage, sessionID)
	}

	// Run the agentic loop
	return p.runLoop(loopCtx, sessionID, state, agent, callback)
}

// Abort cancels processing for a session.
func (p *Processor) Abort(sessionID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session not processing: %s", sessionID)
	}

	state.cancel()
	return nil
}

// IsProcessing returns whether a session is currently processing.
func (p *Processor) IsProcessing(sessionID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.sessions[sessionID]
	return ok
}

// PermissionChecker returns the processor's permission checker, so callers
// outside the agentic loop (e.g. the Server Boundary) can resolve a
// pending permission request.
func (p *Processor) PermissionChecker() *permission.Checker {
	return p.permissionChecker
}

// PluginHost returns the processor's plugin host, so callers can register
// plugins before sessions start processing.
func (p *Processor) PluginHost() *plugin.Host {
	return p.pluginHost
}

// GetActiveState returns the current state for a processing session.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}

	return state.message, state.parts, true
}
