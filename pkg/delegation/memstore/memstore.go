// Package memstore is an in-memory [delegation.Store] implementation used
// by tests and local development. It mirrors the semantics of sqlstore
// without a database, the way the teacher's internal/core/backend/mock
// stands in for a real backend in tests.
package memstore

import (
	"context"
	"sync"
	"time"

	"github.com/flowpilot/flowpilot/pkg/delegation"
)

type Store struct {
	mu     sync.Mutex
	nextID int64
	edges  []delegation.Edge
}

// New returns an empty in-memory delegation store.
func New() *Store {
	return &Store{}
}

func scopeEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]struct{}, len(a))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}

func unionScope(a, b []string) []string {
	set := make(map[string]struct{}, len(a)+len(b))
	for _, s := range a {
		set[s] = struct{}{}
	}
	for _, s := range b {
		set[s] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func (s *Store) Insert(ctx context.Context, principalID, delegateID, workflowID string, scope []string, expiresAt time.Time) (delegation.Edge, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range s.edges {
		e := &s.edges[i]
		if e.PrincipalID != principalID || e.DelegateID != delegateID || e.WorkflowID != workflowID {
			continue
		}
		if !e.Live(now) {
			continue
		}
		// Widen-on-conflict: union scope, max expiry.
		if scopeEqual(e.Scope, scope) && !expiresAt.After(e.ExpiresAt) {
			return *e, false, nil
		}
		e.Scope = unionScope(e.Scope, scope)
		if expiresAt.After(e.ExpiresAt) {
			e.ExpiresAt = expiresAt
		}
		return *e, false, nil
	}

	s.nextID++
	edge := delegation.Edge{
		ID:          s.nextID,
		PrincipalID: principalID,
		DelegateID:  delegateID,
		WorkflowID:  workflowID,
		Scope:       append([]string(nil), scope...),
		ExpiresAt:   expiresAt,
		CreatedAt:   now,
	}
	s.edges = append(s.edges, edge)
	return edge, true, nil
}

func (s *Store) Revoke(ctx context.Context, principalID, delegateID, workflowID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	for i := range s.edges {
		e := &s.edges[i]
		if e.PrincipalID == principalID && e.DelegateID == delegateID && e.WorkflowID == workflowID && e.RevokedAt == nil {
			e.RevokedAt = &now
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) ListOutgoing(ctx context.Context, principalID, workflowID string, includeExpired bool) ([]delegation.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []delegation.Edge
	for _, e := range s.edges {
		if e.PrincipalID != principalID || e.RevokedAt != nil {
			continue
		}
		if workflowID != "" && e.WorkflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if !includeExpired && !e.ExpiresAt.After(now) {
			continue
		}
		out = append(out, e)
	}
	return sortByCreatedDesc(out), nil
}

func (s *Store) ListIncoming(ctx context.Context, delegateID, workflowID string, includeExpired bool) ([]delegation.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var out []delegation.Edge
	for _, e := range s.edges {
		if e.DelegateID != delegateID || e.RevokedAt != nil {
			continue
		}
		if workflowID != "" && e.WorkflowID != "" && e.WorkflowID != workflowID {
			continue
		}
		if !includeExpired && !e.ExpiresAt.After(now) {
			continue
		}
		out = append(out, e)
	}
	return sortByCreatedDesc(out), nil
}

func sortByCreatedDesc(edges []delegation.Edge) []delegation.Edge {
	for i := 1; i < len(edges); i++ {
		for j := i; j > 0 && edges[j].CreatedAt.After(edges[j-1].CreatedAt); j-- {
			edges[j], edges[j-1] = edges[j-1], edges[j]
		}
	}
	return edges
}

type queueItem struct {
	id      string
	path    []string
	actions map[string]struct{}
}

func (s *Store) FindPath(ctx context.Context, principalID, delegateID, workflowID string, maxDepth int) (*delegation.Path, error) {
	if principalID == delegateID {
		return &delegation.Path{Chain: []string{principalID}, DelegatedActions: []string{"read", "execute"}}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	start := map[string]struct{}{"read": {}, "execute": {}}
	queue := []queueItem{{id: principalID, path: []string{principalID}, actions: start}}
	visited := map[string]struct{}{principalID: {}}

	var best *delegation.Path
	bestHasExecute := false

	for len(queue) > 0 && len(queue[0].path) <= maxDepth {
		cur := queue[0]
		queue = queue[1:]

		for _, e := range s.edges {
			if e.PrincipalID != cur.id || !e.Live(now) {
				continue
			}
			if workflowID != "" && e.WorkflowID != "" && e.WorkflowID != workflowID {
				continue
			}

			edgeActions := make(map[string]struct{}, len(e.Scope))
			for _, a := range e.Scope {
				edgeActions[a] = struct{}{}
			}
			newActions := intersect(cur.actions, edgeActions)
			if len(newActions) == 0 {
				continue
			}

			if e.DelegateID == delegateID {
				actions := setToSortedSlice(newActions)
				hasExecute := contains(actions, "execute")
				newPath := append(append([]string{}, cur.path...), e.DelegateID)
				if best == nil || (hasExecute && !bestHasExecute) || (hasExecute == bestHasExecute && len(newPath) < len(best.Chain)) {
					best = &delegation.Path{Chain: newPath, DelegatedActions: actions}
					bestHasExecute = hasExecute
				}
				continue
			}

			if _, ok := visited[e.DelegateID]; !ok {
				visited[e.DelegateID] = struct{}{}
				queue = append(queue, queueItem{
					id:      e.DelegateID,
					path:    append(append([]string{}, cur.path...), e.DelegateID),
					actions: newActions,
				})
			}
		}
	}

	return best, nil
}

func intersect(a, b map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{})
	for k := range a {
		if _, ok := b[k]; ok {
			out[k] = struct{}{}
		}
	}
	return out
}

func setToSortedSlice(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j] < out[j-1]; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}
