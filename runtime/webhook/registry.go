// Package webhook implements the HTTP trigger ingress: a registry of active
// webhook triggers, path pattern matching with parameter capture, the access
// control chain (method, auth, CORS, IP allowlist, bot filter), request
// capture into trigger payloads and the two response modes (immediate
// acknowledgement and synchronous last-node replies).
package webhook

import (
	"errors"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"goa.design/flow/runtime/workflow"
)

var (
	// ErrNotFound means no registered webhook pattern matches the path.
	ErrNotFound = errors.New("no webhook matches path")

	// ErrMethodNotAllowed means the path matched but the method differs.
	ErrMethodNotAllowed = errors.New("method not allowed")

	// ErrUnauthorized means webhook authentication failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden means an origin, IP or bot check failed.
	ErrForbidden = errors.New("forbidden")

	// ErrRateLimited means the webhook's rate limit rejected the request.
	ErrRateLimited = errors.New("rate limited")
)

type (
	// Entry is one registered webhook trigger.
	Entry struct {
		// WorkflowID and TriggerID identify the owning trigger definition.
		WorkflowID string
		TriggerID  string
		// NodeID is the workflow node executions start from.
		NodeID string
		// Settings are the trigger's webhook settings.
		Settings workflow.WebhookSettings
		// Testing marks entries registered under the testing namespace.
		Testing bool

		// segments is the parsed pattern.
		segments []string
		// limiter enforces the requestsPerSecond option when set.
		limiter *rate.Limiter
	}

	// Match is a successful path match.
	Match struct {
		// Entry is the dispatched webhook.
		Entry *Entry
		// Params holds the captured :name path parameters.
		Params map[string]string
		// Shadowed lists further entries whose pattern also matched; they
		// are logged, not dispatched.
		Shadowed []*Entry
	}

	// Registry holds the active webhook entries. Registration order decides
	// dispatch when several patterns match a path.
	Registry struct {
		mu      sync.RWMutex
		entries []*Entry
	}
)

// NewRegistry constructs an empty webhook registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds an entry. Re-registering the same (workflow, trigger) pair
// replaces the previous entry in place.
func (r *Registry) Register(e *Entry) {
	e.segments = splitPattern(e.Settings.Pattern())
	if rps := e.Settings.Options.RequestsPerSecond; rps > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.entries {
		if existing.WorkflowID == e.WorkflowID && existing.TriggerID == e.TriggerID && existing.Testing == e.Testing {
			r.entries[i] = e
			return
		}
	}
	r.entries = append(r.entries, e)
}

// UnregisterTrigger removes the entry for a (workflow, trigger) pair in both
// namespaces.
func (r *Registry) UnregisterTrigger(workflowID, triggerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.WorkflowID == workflowID && e.TriggerID == triggerID {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

// UnregisterWorkflow removes every entry of a workflow.
func (r *Registry) UnregisterWorkflow(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.entries[:0]
	for _, e := range r.entries {
		if e.WorkflowID == workflowID {
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
}

// Entries returns a snapshot of the registered entries.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*Entry(nil), r.entries...)
}

// Match finds the entries whose pattern matches the path in the given
// namespace. The first match is dispatched, the rest are reported as
// shadowed. Returns ErrNotFound when nothing matches.
func (r *Registry) Match(path string, testing bool) (*Match, error) {
	segments := splitPattern(path)
	r.mu.RLock()
	defer r.mu.RUnlock()
	var m *Match
	for _, e := range r.entries {
		if e.Testing != testing {
			continue
		}
		params, ok := matchSegments(e.segments, segments)
		if !ok {
			continue
		}
		if m == nil {
			m = &Match{Entry: e, Params: params}
			continue
		}
		m.Shadowed = append(m.Shadowed, e)
	}
	if m == nil {
		return nil, ErrNotFound
	}
	return m, nil
}

// matchSegments matches a parsed pattern against path segments. Literal
// segments match exactly; :name segments capture one non-empty segment.
func matchSegments(pattern, path []string) (map[string]string, bool) {
	if len(pattern) != len(path) {
		return nil, false
	}
	params := make(map[string]string)
	for i, p := range pattern {
		if strings.HasPrefix(p, ":") {
			if path[i] == "" {
				return nil, false
			}
			params[p[1:]] = path[i]
			continue
		}
		if p != path[i] {
			return nil, false
		}
	}
	return params, true
}

func splitPattern(s string) []string {
	s = strings.Trim(s, "/")
	if s == "" {
		return nil
	}
	return strings.Split(s, "/")
}
