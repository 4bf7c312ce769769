//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package delegation implements the delegation graph (C1): directed,
// scoped, expiring, revocable edges between principals, and transitive
// path search over them.
//
// Grounded on flowpilot-services' delegation-api (graphdb_sqlite.py,
// delegation_core.py), generalized behind a [Store] interface with a SQL
// implementation in [github.com/flowpilot/flowpilot/pkg/delegation/sqlstore]
// and an in-memory one in
// [github.com/flowpilot/flowpilot/pkg/delegation/memstore].
package delegation

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpilot/flowpilot/pkg/cache"
	"github.com/flowpilot/flowpilot/pkg/ferrors"
)

// Edge is one delegation relationship: principal authorizes delegate to act
// within scope, until ExpiresAt, for WorkflowID (or every workflow, if
// WorkflowID is empty).
type Edge struct {
	ID          int64
	PrincipalID string
	DelegateID  string
	WorkflowID  string // empty means "any workflow"
	Scope       []string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	RevokedAt   *time.Time
}

// Live reports whether the edge is currently usable: not revoked and not
// expired.
func (e Edge) Live(now time.Time) bool {
	return e.RevokedAt == nil && e.ExpiresAt.After(now)
}

// Path is the result of a successful [Store.FindPath]: the principal chain
// from source to destination, and the actions available along it (the
// intersection of every edge's scope on the path).
type Path struct {
	Chain            []string
	DelegatedActions []string
}

// Store is the persistence contract for the delegation graph. Two
// implementations are provided: a SQL-flavored one
// (pkg/delegation/sqlstore, Postgres or SQLite depending on DSN) and an
// in-memory one for tests (pkg/delegation/memstore).
type Store interface {
	// Insert creates or widens a live edge. See the widening-merge
	// invariant in SPEC_FULL.md §4.1: on conflict with an existing live
	// edge, scope is unioned and expiry is maxed rather than rejected.
	Insert(ctx context.Context, principalID, delegateID, workflowID string, scope []string, expiresAt time.Time) (Edge, bool, error)
	Revoke(ctx context.Context, principalID, delegateID, workflowID string) (bool, error)
	ListOutgoing(ctx context.Context, principalID, workflowID string, includeExpired bool) ([]Edge, error)
	ListIncoming(ctx context.Context, delegateID, workflowID string, includeExpired bool) ([]Edge, error)
	FindPath(ctx context.Context, principalID, delegateID, workflowID string, maxDepth int) (*Path, error)
}

// DefaultScope is applied when a caller omits scope on creation.
var DefaultScope = []string{"execute"}

// DefaultMaxDepth bounds transitive path search.
const DefaultMaxDepth = 5

// Service is the business-logic layer over a [Store]: request validation,
// default application, and the "can't delegate what you don't have"
// transitive integrity check.
//
// The transitive check is a feature supplemented from delegation_core.py's
// create_delegation (delegator_id handling), not present in the distilled
// spec but not excluded by it either.
type Service struct {
	store          Store
	allowedActions []string // full action universe, used when principal validates itself

	// cache fronts ListOutgoing/ListIncoming (see SPEC_FULL.md §2/§9); a nil
	// *cache.Cache degrades to always-miss.
	cache    *cache.Cache
	cacheTTL time.Duration
}

// NewService builds a Service. allowedActions is the full set of actions a
// principal is considered to hold over themselves (the direct-match case in
// validate_delegation). c may be nil to disable caching; ttl is the TTL
// applied to cached list lookups.
func NewService(store Store, allowedActions []string, c *cache.Cache, ttl time.Duration) *Service {
	return &Service{store: store, allowedActions: allowedActions, cache: c, cacheTTL: ttl}
}

// CreateParams are the inputs to [Service.Create].
type CreateParams struct {
	PrincipalID   string
	DelegateID    string
	WorkflowID    string
	Scope         []string
	ExpiresInDays int
	// DelegatorID is the authenticated caller creating this delegation, if
	// different from PrincipalID. When set, the caller must itself hold a
	// live delegation path from PrincipalID covering at least Scope.
	DelegatorID string
}

// Create validates params and inserts (or widens) the edge.
func (s *Service) Create(ctx context.Context, p CreateParams) (Edge, bool, error) {
	if p.PrincipalID == "" {
		return Edge{}, false, ferrors.New(ferrors.InvalidArgument, "delegation.invalid_principal", "principal_id is required")
	}
	if p.DelegateID == "" {
		return Edge{}, false, ferrors.New(ferrors.InvalidArgument, "delegation.invalid_delegate", "delegate_id is required")
	}
	if p.PrincipalID == p.DelegateID {
		return Edge{}, false, ferrors.New(ferrors.InvalidArgument, "delegation.self_delegation", "principal_id cannot be the same as delegate_id")
	}
	if p.ExpiresInDays <= 0 {
		return Edge{}, false, ferrors.New(ferrors.InvalidArgument, "delegation.invalid_expiry", "expires_in_days must be positive")
	}

	scope := p.Scope
	if len(scope) == 0 {
		scope = DefaultScope
	}

	if p.DelegatorID != "" && p.DelegatorID != p.PrincipalID {
		validation, err := s.Validate(ctx, p.PrincipalID, p.DelegatorID, p.WorkflowID)
		if err != nil {
			return Edge{}, false, err
		}
		if !validation.Valid {
			return Edge{}, false, ferrors.New(ferrors.PermissionDenied, "delegation.delegator_lacks_path", "you cannot delegate permissions you don't have")
		}
		if !subset(scope, validation.DelegatedActions) {
			return Edge{}, false, ferrors.New(ferrors.PermissionDenied, "delegation.delegator_lacks_scope", "cannot delegate more than the delegator holds")
		}
	}

	expiresAt := time.Now().UTC().AddDate(0, 0, p.ExpiresInDays)
	edge, wasCreated, err := s.store.Insert(ctx, p.PrincipalID, p.DelegateID, p.WorkflowID, scope, expiresAt)
	if err != nil {
		return Edge{}, false, ferrors.Wrap(err, ferrors.StorageError, "delegation.storage_error")
	}
	s.cache.Invalidate(ctx, cache.FamilyDelegation, p.PrincipalID)
	s.cache.Invalidate(ctx, cache.FamilyDelegation, p.DelegateID)
	return edge, wasCreated, nil
}

// Revoke revokes the one live edge matching (principalID, delegateID,
// workflowID). Returns an error if none was live.
func (s *Service) Revoke(ctx context.Context, principalID, delegateID, workflowID string) error {
	if principalID == "" || delegateID == "" {
		return ferrors.New(ferrors.InvalidArgument, "delegation.invalid_argument", "principal_id and delegate_id are required")
	}
	revoked, err := s.store.Revoke(ctx, principalID, delegateID, workflowID)
	if err != nil {
		return ferrors.Wrap(err, ferrors.StorageError, "delegation.storage_error")
	}
	if !revoked {
		return ferrors.New(ferrors.NotFound, "delegation.not_found", "delegation not found or already revoked")
	}
	s.cache.Invalidate(ctx, cache.FamilyDelegation, principalID)
	s.cache.Invalidate(ctx, cache.FamilyDelegation, delegateID)
	return nil
}

// ListOutgoing lists a principal's live (or all, if includeExpired) edges.
func (s *Service) ListOutgoing(ctx context.Context, principalID, workflowID string, includeExpired bool) ([]Edge, error) {
	if principalID == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "delegation.invalid_principal", "principal_id is required")
	}

	key := listCacheKey(principalID, workflowID, includeExpired) + "|outgoing"
	var cached []Edge
	if s.cache.Get(ctx, cache.FamilyDelegation, key, &cached) {
		return cached, nil
	}

	edges, err := s.store.ListOutgoing(ctx, principalID, workflowID, includeExpired)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.StorageError, "delegation.storage_error")
	}
	s.cache.Set(ctx, cache.FamilyDelegation, key, edges, s.cacheTTL)
	return edges, nil
}

// ListIncoming lists edges delegated to delegateID.
func (s *Service) ListIncoming(ctx context.Context, delegateID, workflowID string, includeExpired bool) ([]Edge, error) {
	if delegateID == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "delegation.invalid_delegate", "delegate_id is required")
	}

	key := listCacheKey(delegateID, workflowID, includeExpired) + "|incoming"
	var cached []Edge
	if s.cache.Get(ctx, cache.FamilyDelegation, key, &cached) {
		return cached, nil
	}

	edges, err := s.store.ListIncoming(ctx, delegateID, workflowID, includeExpired)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.StorageError, "delegation.storage_error")
	}
	s.cache.Set(ctx, cache.FamilyDelegation, key, edges, s.cacheTTL)
	return edges, nil
}

// listCacheKey is prefixed by subjectID so Invalidate(subjectID) sweeps every
// workflow/includeExpired variant cached for that principal or delegate.
func listCacheKey(subjectID, workflowID string, includeExpired bool) string {
	return fmt.Sprintf("%s|%s|%t", subjectID, workflowID, includeExpired)
}

// Validation is the result of [Service.Validate].
type Validation struct {
	Valid            bool
	DelegationChain  []string
	DelegatedActions []string
}

// Validate reports whether a delegation path from principalID to delegateID
// exists, and the actions it carries. A direct match (principalID ==
// delegateID) is always valid, with the full allowed-action universe.
func (s *Service) Validate(ctx context.Context, principalID, delegateID, workflowID string) (Validation, error) {
	if principalID == "" || delegateID == "" {
		return Validation{}, ferrors.New(ferrors.InvalidArgument, "delegation.invalid_argument", "principal_id and delegate_id are required")
	}

	if principalID == delegateID {
		actions := make([]string, len(s.allowedActions))
		copy(actions, s.allowedActions)
		return Validation{Valid: true, DelegationChain: []string{principalID}, DelegatedActions: actions}, nil
	}

	// Stored under both the principal- and delegate-prefixed key so that
	// Invalidate(principalID) and Invalidate(delegateID) each sweep it.
	byPrincipal := validateCacheKey(principalID, principalID, delegateID, workflowID)
	byDelegate := validateCacheKey(delegateID, principalID, delegateID, workflowID)

	var cached Validation
	if s.cache.Get(ctx, cache.FamilyDelegation, byPrincipal, &cached) {
		return cached, nil
	}

	path, err := s.store.FindPath(ctx, principalID, delegateID, workflowID, DefaultMaxDepth)
	if err != nil {
		return Validation{}, ferrors.Wrap(err, ferrors.StorageError, "delegation.storage_error")
	}

	var result Validation
	if path == nil {
		result = Validation{Valid: false}
	} else {
		result = Validation{Valid: true, DelegationChain: path.Chain, DelegatedActions: path.DelegatedActions}
	}
	s.cache.Set(ctx, cache.FamilyDelegation, byPrincipal, result, s.cacheTTL)
	s.cache.Set(ctx, cache.FamilyDelegation, byDelegate, result, s.cacheTTL)
	return result, nil
}

func validateCacheKey(prefixSubject, principalID, delegateID, workflowID string) string {
	return fmt.Sprintf("%s|validate|%s|%s|%s", prefixSubject, principalID, delegateID, workflowID)
}

func subset(a, b []string) bool {
	set := make(map[string]struct{}, len(b))
	for _, s := range b {
		set[s] = struct{}{}
	}
	for _, s := range a {
		if _, ok := set[s]; !ok {
			return false
		}
	}
	return true
}
