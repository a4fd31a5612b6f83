// Package resolver implements the Tool Registry's name-resolution chain:
// given a (possibly mis-spelled, aliased, or MCP-namespaced) tool name
// requested by the model, find the concrete executor to run.
package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/agnivade/levenshtein"

	"github.com/opencode-ai/opencode/internal/tool"
)

// Registry is the subset of tool.Registry the resolver needs.
type Registry interface {
	Get(id string) (tool.Tool, bool)
	IDs() []string
}

// Strategy names recorded as the "resolved_via" metadata on a tool part.
const (
	ViaDirect     = "direct"
	ViaAlias      = "alias"
	ViaFunctional = "functional"
	ViaComposite  = "composite"
	ViaFallback   = "fallback"
)

// maxSuggestionDistance is the Levenshtein cutoff for fallback suggestions.
const maxSuggestionDistance = 3

// Aliases maps a curated alternate name to its canonical tool id, e.g. an
// MCP-namespaced tool the model may refer to by its bare capability name.
var Aliases = map[string]string{
	"kb_read":    "kb-mcp_kb_read",
	"file_read":  "read",
	"file_write": "write",
	"shell":      "bash",
	"run":        "bash",
}

// Functional maps a capability word to the built-in tool that serves it.
var Functional = map[string]string{
	"search":    "grep",
	"find":      "glob",
	"look up":   "grep",
	"list_dir":  "list",
	"fetch":     "webfetch",
	"http_get":  "webfetch",
	"todo":      "todowrite",
	"todo_list": "todoread",
}

// compositeFragments are known name fragments that can appear in either
// order; "read_file" and "file_read" both resolve to "read" because they
// concatenate the same two fragments.
var compositeFragments = map[string]string{
	"read_file":  "read",
	"write_file": "write",
	"edit_file":  "edit",
	"file_edit":  "edit",
	"file_glob":  "glob",
	"glob_file":  "glob",
	"grep_file":  "grep",
	"file_grep":  "grep",
}

// Resolution describes how a requested tool name was resolved.
type Resolution struct {
	Tool        tool.Tool
	ResolvedVia string
	Suggestions []string // only set when ResolvedVia == ViaFallback
}

// Resolver resolves tool names against a Registry, memoizing per session
// so a repeated misspelling within one session is not re-ranked every call.
type Resolver struct {
	registry Registry

	mu    sync.RWMutex
	cache map[string]map[string]*Resolution // sessionID -> requested name -> resolution
}

// New creates a Resolver over the given registry.
func New(registry Registry) *Resolver {
	return &Resolver{
		registry: registry,
		cache:    make(map[string]map[string]*Resolution),
	}
}

// Resolve finds the tool for a requested name, applying the five-strategy
// chain in order: direct, exact-alias, functional, composite, graceful
// fallback. The result is memoized per sessionID.
func (r *Resolver) Resolve(sessionID, requested string) *Resolution {
	r.mu.RLock()
	if bySession, ok := r.cache[sessionID]; ok {
		if cached, ok := bySession[requested]; ok {
			r.mu.RUnlock()
			return cached
		}
	}
	r.mu.RUnlock()

	res := r.resolveUncached(requested)

	r.mu.Lock()
	if r.cache[sessionID] == nil {
		r.cache[sessionID] = make(map[string]*Resolution)
	}
	r.cache[sessionID][requested] = res
	r.mu.Unlock()

	return res
}

func (r *Resolver) resolveUncached(requested string) *Resolution {
	if t, ok := r.registry.Get(requested); ok {
		return &Resolution{Tool: t, ResolvedVia: ViaDirect}
	}

	if canonical, ok := Aliases[requested]; ok {
		if t, ok := r.registry.Get(canonical); ok {
			return &Resolution{Tool: t, ResolvedVia: ViaAlias}
		}
	}

	if canonical, ok := Functional[requested]; ok {
		if t, ok := r.registry.Get(canonical); ok {
			return &Resolution{Tool: t, ResolvedVia: ViaFunctional}
		}
	}

	if canonical, ok := compositeFragments[requested]; ok {
		if t, ok := r.registry.Get(canonical); ok {
			return &Resolution{Tool: t, ResolvedVia: ViaComposite}
		}
	}
	if canonical, ok := resolveByFragmentSwap(requested, r.registry.IDs()); ok {
		if t, ok := r.registry.Get(canonical); ok {
			return &Resolution{Tool: t, ResolvedVia: ViaComposite}
		}
	}

	suggestions := suggest(requested, r.registry.IDs())
	return &Resolution{
		Tool:        newMissingToolExecutor(requested, suggestions),
		ResolvedVia: ViaFallback,
		Suggestions: suggestions,
	}
}

// resolveByFragmentSwap checks whether requested is two known tool-id
// fragments joined by "_" in either order (e.g. "read_file" / "file_read"
// both composite of "read" and "file"), matching against registered ids.
func resolveByFragmentSwap(requested string, ids []string) (string, bool) {
	parts := strings.Split(requested, "_")
	if len(parts) != 2 {
		return "", false
	}
	swapped := parts[1] + "_" + parts[0]
	for _, id := range ids {
		if id == swapped {
			return id, true
		}
	}
	// Also accept a requested name that is a known id with a generic
	// "_file"/"file_" fragment attached.
	for _, id := range ids {
		if parts[0] == id || parts[1] == id {
			return id, true
		}
	}
	return "", false
}

// suggest ranks registered tool ids by Levenshtein distance to requested,
// keeping only those within maxSuggestionDistance, ties broken
// lexicographically.
func suggest(requested string, ids []string) []string {
	type scored struct {
		id   string
		dist int
	}
	var candidates []scored
	for _, id := range ids {
		d := levenshtein.ComputeDistance(requested, id)
		if d <= maxSuggestionDistance {
			candidates = append(candidates, scored{id, d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].dist != candidates[j].dist {
			return candidates[i].dist < candidates[j].dist
		}
		return candidates[i].id < candidates[j].id
	})
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.id
	}
	return out
}

// newMissingToolExecutor builds the synthetic tool the graceful-fallback
// strategy returns: it never succeeds, it produces a structured error
// explaining the unknown tool and suggesting near matches, and it rides
// on tool.BaseTool so it satisfies Tool (including EinoTool) like any
// other registered tool.
func newMissingToolExecutor(requested string, suggestions []string) tool.Tool {
	msg := fmt.Sprintf("Tool not found: %s", requested)
	if len(suggestions) > 0 {
		msg += fmt.Sprintf(". Did you mean: %s?", strings.Join(suggestions, ", "))
	}
	return tool.NewBaseTool(requested, "unresolved tool",
		json.RawMessage(`{"type":"object","properties":{}}`),
		func(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
			return nil, fmt.Errorf("%s", msg)
		},
	)
}
