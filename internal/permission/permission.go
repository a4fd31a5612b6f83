// Package permission provides permission control for tool execution.
package permission

import (
	"os"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// EnvPermissionOverride names the environment variable that, when set,
// forces every permission check to the named action regardless of
// session or app configuration ("allow", "deny", or "ask").
const EnvPermissionOverride = "OPENCODE_PERMISSION"

// PermissionAction represents the action to take for a permission check.
type PermissionAction string

const (
	ActionAllow PermissionAction = "allow"
	ActionDeny  PermissionAction = "deny"
	ActionAsk   PermissionAction = "ask"
)

// PermissionType represents the type of permission being checked.
type PermissionType string

const (
	PermBash        PermissionType = "bash"
	PermEdit        PermissionType = "edit"
	PermWebFetch    PermissionType = "webfetch"
	PermExternalDir PermissionType = "external_directory"
	PermDoomLoop    PermissionType = "doom_loop"
)

// Request represents a request for permission.
type Request struct {
	ID        string         `json:"id"`
	Type      PermissionType `json:"type"`
	Pattern   []string       `json:"pattern,omitempty"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	CallID    string         `json:"callID,omitempty"`
	Title     string         `json:"title"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response represents a user's response to a permission request.
type Response struct {
	RequestID string `json:"requestID"`
	Action    string `json:"action"` // "once" | "always" | "reject"
}

// RejectedError is returned when permission is denied.
type RejectedError struct {
	SessionID string
	Type      PermissionType
	CallID    string
	Metadata  map[string]any
	Message   string
}

func (e *RejectedError) Error() string {
	return e.Message
}

// IsRejectedError checks if an error is a permission rejection.
func IsRejectedError(err error) bool {
	_, ok := err.(*RejectedError)
	return ok
}

// AgentPermissions represents the permission configuration for an agent.
type AgentPermissions struct {
	Edit        PermissionAction            `json:"edit"`
	WebFetch    PermissionAction            `json:"webfetch"`
	ExternalDir PermissionAction            `json:"external_directory"`
	DoomLoop    PermissionAction            `json:"doom_loop"`
	Bash        map[string]PermissionAction `json:"bash"` // pattern -> action
}

// DefaultAgentPermissions returns default (ask everything) permissions.
func DefaultAgentPermissions() AgentPermissions {
	return AgentPermissions{
		Edit:        ActionAsk,
		WebFetch:    ActionAsk,
		ExternalDir: ActionAsk,
		DoomLoop:    ActionAsk,
		Bash:        map[string]PermissionAction{},
	}
}

// EnvOverrideAction reads OPENCODE_PERMISSION and returns the forced
// action and true if the variable is set to a recognized value.
func EnvOverrideAction() (PermissionAction, bool) {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(EnvPermissionOverride)))
	switch PermissionAction(v) {
	case ActionAllow, ActionDeny, ActionAsk:
		return PermissionAction(v), true
	default:
		return "", false
	}
}

// patternSpecificity ranks a glob pattern so more specific patterns win
// ties: fewer wildcard characters first, then longer literal prefix.
func patternSpecificity(pattern string) (wildcards int, prefixLen int) {
	for i, r := range pattern {
		if r == '*' || r == '?' || r == '[' {
			wildcards++
			if prefixLen == 0 {
				prefixLen = i
			}
		}
	}
	if wildcards == 0 {
		prefixLen = len(pattern)
	}
	return
}

// ResolvePatternAction matches candidate against the keys of patterns
// (doublestar globs) and returns the action of the most specific match.
// Ties are broken by order, which should reflect declaration order;
// earliest wins. ok is false if no pattern matches.
func ResolvePatternAction(patterns map[string]PermissionAction, order []string, candidate string) (PermissionAction, bool) {
	type match struct {
		action    PermissionAction
		wildcards int
		prefixLen int
		declOrder int
	}
	var matches []match
	declIndex := make(map[string]int, len(order))
	for i, p := range order {
		declIndex[p] = i
	}
	for pattern, action := range patterns {
		ok, err := doublestar.Match(pattern, candidate)
		if err != nil || !ok {
			continue
		}
		w, p := patternSpecificity(pattern)
		idx, known := declIndex[pattern]
		if !known {
			idx = len(order)
		}
		matches = append(matches, match{action, w, p, idx})
	}
	if len(matches) == 0 {
		return "", false
	}
	sort.Slice(matches, func(i, j int) bool {
		a, b := matches[i], matches[j]
		if a.wildcards != b.wildcards {
			return a.wildcards < b.wildcards
		}
		if a.prefixLen != b.prefixLen {
			return a.prefixLen > b.prefixLen
		}
		return a.declOrder < b.declOrder
	})
	return matches[0].action, true
}
