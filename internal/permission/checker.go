package permission

import (
	"context"
	"sync"
	"time"

	"github.com/opencode-ai/opencode/internal/event"
	"github.com/opencode-ai/opencode/internal/id"
)

// AskTimeout is how long a permission prompt waits for a response before
// it is treated as rejected and removed from the pending table.
const AskTimeout = 30 * time.Second

// AskHook lets a plugin short-circuit a permission ask with its own
// decision before the request reaches the event bus. A nil return means
// "no opinion, continue asking normally".
type AskHook func(ctx context.Context, req Request) (*Response, error)

// Checker handles permission checks and approvals.
type Checker struct {
	mu       sync.RWMutex
	approved map[string]map[PermissionType]bool // sessionID -> type -> approved
	patterns map[string]map[string]bool         // sessionID -> pattern -> approved (for bash patterns)
	pending  map[string]chan Response           // requestID -> response channel
	askHooks []AskHook
}

// NewChecker creates a new permission checker.
func NewChecker() *Checker {
	return &Checker{
		approved: make(map[string]map[PermissionType]bool),
		patterns: make(map[string]map[string]bool),
		pending:  make(map[string]chan Response),
	}
}

// RegisterAskHook adds a plugin hook consulted before every prompt, in
// registration order. The first hook to return a non-nil response wins.
func (c *Checker) RegisterAskHook(hook AskHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.askHooks = append(c.askHooks, hook)
}

// Check performs a permission check based on action configuration.
func (c *Checker) Check(ctx context.Context, req Request, action PermissionAction) error {
	if override, ok := EnvOverrideAction(); ok {
		action = override
	}
	switch action {
	case ActionAllow:
		return nil
	case ActionDeny:
		return &RejectedError{
			SessionID: req.SessionID,
			Type:      req.Type,
			CallID:    req.CallID,
			Metadata:  req.Metadata,
			Message:   "Permission denied by configuration",
		}
	case ActionAsk:
		return c.Ask(ctx, req)
	}
	return nil
}

// Ask prompts the user for permission, honoring plugin hooks, session
// memoization, and the 30s response timeout.
func (c *Checker) Ask(ctx context.Context, req Request) error {
	c.mu.RLock()
	// The memoization key is (sessionID, pattern) when the request is
	// pattern-scoped (e.g. a specific bash command), and (sessionID,
	// type) only for type-wide requests with no pattern (edit, webfetch,
	// external_directory, doom_loop). A pattern-scoped "always" must
	// never satisfy a different pattern of the same type.
	if len(req.Pattern) > 0 {
		if sessionPatterns, ok := c.patterns[req.SessionID]; ok {
			allApproved := true
			for _, p := range req.Pattern {
				if !sessionPatterns[p] {
					allApproved = false
					break
				}
			}
			if allApproved {
				c.mu.RUnlock()
				return nil
			}
		}
	} else if sessionApprovals, ok := c.approved[req.SessionID]; ok && sessionApprovals[req.Type] {
		c.mu.RUnlock()
		return nil
	}
	hooks := append([]AskHook(nil), c.askHooks...)
	c.mu.RUnlock()

	if req.ID == "" {
		req.ID = id.New(id.PrefixPermission)
	}

	for _, hook := range hooks {
		resp, err := hook(ctx, req)
		if err != nil {
			return err
		}
		if resp != nil {
			return c.applyResponse(req, *resp)
		}
	}

	respChan := make(chan Response, 1)
	c.mu.Lock()
	c.pending[req.ID] = respChan
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	event.PublishSync(event.Event{
		Type: event.PermissionUpdated,
		Data: event.PermissionUpdatedData{
			ID:             req.ID,
			SessionID:      req.SessionID,
			PermissionType: string(req.Type),
			Pattern:        req.Pattern,
			Title:          req.Title,
		},
	})

	timer := time.NewTimer(AskTimeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return &RejectedError{
			SessionID: req.SessionID,
			Type:      req.Type,
			CallID:    req.CallID,
			Metadata:  req.Metadata,
			Message:   "Permission request timed out",
		}
	case resp := <-respChan:
		return c.applyResponse(req, resp)
	}
}

func (c *Checker) applyResponse(req Request, resp Response) error {
	switch resp.Action {
	case "once":
		return nil
	case "always":
		c.approve(req.SessionID, req.Type, req.Pattern)
		return nil
	case "reject":
		return &RejectedError{
			SessionID: req.SessionID,
			Type:      req.Type,
			CallID:    req.CallID,
			Metadata:  req.Metadata,
			Message:   "Permission rejected by user",
		}
	}
	return nil
}

// Respond handles a user's response to a permission request.
func (c *Checker) Respond(requestID string, action string) {
	c.mu.RLock()
	ch, ok := c.pending[requestID]
	c.mu.RUnlock()

	if ok {
		ch <- Response{
			RequestID: requestID,
			Action:    action,
		}
	}

	event.PublishSync(event.Event{
		Type: event.PermissionReplied,
		Data: event.PermissionRepliedData{
			PermissionID: requestID,
			Response:     action,
		},
	})
}

// CancelSession rejects every permission currently pending for a session,
// used when a turn is aborted mid-flight.
func (c *Checker) CancelSession(sessionID string, pendingIDs []string) {
	for _, id := range pendingIDs {
		c.Respond(id, "reject")
	}
}

// approve marks a permission type and patterns as approved for a session.
func (c *Checker) approve(sessionID string, permType PermissionType, patterns []string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Pattern-scoped requests cache only the specific pattern(s); caching
	// the whole type here would let one approved pattern (e.g. "git *")
	// silently approve every other pattern of the same type.
	if len(patterns) > 0 {
		if c.patterns[sessionID] == nil {
			c.patterns[sessionID] = make(map[string]bool)
		}
		for _, p := range patterns {
			c.patterns[sessionID][p] = true
		}
		return
	}

	if c.approved[sessionID] == nil {
		c.approved[sessionID] = make(map[PermissionType]bool)
	}
	c.approved[sessionID][permType] = true
}

// IsApproved checks if a permission type is already approved.
func (c *Checker) IsApproved(sessionID string, permType PermissionType) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sessionApprovals, ok := c.approved[sessionID]; ok {
		return sessionApprovals[permType]
	}
	return false
}

// IsPatternApproved checks if a specific pattern is approved.
func (c *Checker) IsPatternApproved(sessionID string, pattern string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if sessionPatterns, ok := c.patterns[sessionID]; ok {
		return sessionPatterns[pattern]
	}
	return false
}

// ClearSession clears all approvals for a session.
func (c *Checker) ClearSession(sessionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.approved, sessionID)
	delete(c.patterns, sessionID)
}

// ApprovePattern explicitly approves a pattern for a session.
func (c *Checker) ApprovePattern(sessionID string, pattern string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.patterns[sessionID] == nil {
		c.patterns[sessionID] = make(map[string]bool)
	}
	c.patterns[sessionID][pattern] = true
}
