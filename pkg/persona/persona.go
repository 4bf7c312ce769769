//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package persona implements the persona registry (C2): per-user, per-title,
// per-circle typed attribute bundles, validated against a manifest-declared
// schema.
//
// Grounded on flowpilot-services' persona-api (personadb_sqlite.py), with
// its hardcoded travel-domain columns (consent, autobook_price, ...)
// generalized into a manifest-driven attribute bag per SPEC_FULL.md's
// "schema-driven validation" design note: attribute values pass through
// [github.com/flowpilot/flowpilot/pkg/normalize] against the manifest's
// persona-attribute schema instead of being hardcoded SQL columns.
package persona

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpilot/flowpilot/pkg/cache"
	"github.com/flowpilot/flowpilot/pkg/ferrors"
	"github.com/flowpilot/flowpilot/pkg/manifest"
	"github.com/flowpilot/flowpilot/pkg/normalize"
)

// Persona is one user's role-bundle under one domain.
type Persona struct {
	ID         string // composite: user_sub_title_circle
	UserSub    string
	Title      string
	Circle     string
	Scope      []string
	ValidFrom  time.Time
	ValidTill  time.Time
	Status     string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	Attributes map[string]any // manifest-declared policy attributes
}

// DefaultScope matches personadb_sqlite.py's schema default.
var DefaultScope = []string{"read", "execute"}

// DefaultStatus is applied when a caller omits status on creation.
const DefaultStatus = "active"

// DefaultValidityDays is how long a persona is valid for by default.
const DefaultValidityDays = 365

// ID derives the composite persona identifier the way personadb_sqlite.py
// does: userSub_title_circle.
func ID(userSub, title, circle string) string {
	return fmt.Sprintf("%s_%s_%s", userSub, title, circle)
}

// ErrAlreadyExists builds the error a Store returns from Create when
// personaID is already taken.
func ErrAlreadyExists(personaID string) error {
	return ferrors.New(ferrors.InvalidArgument, "persona.already_exists", fmt.Sprintf("persona %q already exists; use update instead of create", personaID))
}

// Store is the persistence contract for personas. Two implementations are
// provided, matching the delegation graph's "pluggable stores" design note:
// pkg/persona/sqlstore (SQL) and pkg/persona/memstore (in-memory, tests).
type Store interface {
	Create(ctx context.Context, p Persona) (Persona, error)
	Get(ctx context.Context, personaID string) (*Persona, error)
	List(ctx context.Context, userSub, status string) ([]Persona, error)
	ListByTitle(ctx context.Context, title, status string) ([]Persona, error)
	GetActive(ctx context.Context, userSub string) (*Persona, error)
	Update(ctx context.Context, personaID string, patch Patch) (*Persona, error)
	Delete(ctx context.Context, personaID string) (bool, error)
	CountForUser(ctx context.Context, userSub string) (int, error)
}

// Patch describes a partial update: nil fields are left untouched.
type Patch struct {
	Title      *string
	Circle     *string
	Scope      []string
	ValidFrom  *time.Time
	ValidTill  *time.Time
	Status     *string
	Attributes map[string]any // merged into existing attributes, then re-normalized
}

// Service is the business-logic layer: manifest-schema validation around a
// Store.
type Service struct {
	store         Store
	maxPerUser    int
	allowedTitle  func(title string) bool
	allowedStatus func(status string) bool

	// cache is a write-through, fail-open read cache fronting Get (see
	// SPEC_FULL.md §2/§9); a nil *cache.Cache degrades to always-miss.
	cache    *cache.Cache
	cacheTTL time.Duration
}

// NewService builds a persona Service. allowedTitles/allowedStatuses come
// from the selected manifest's persona_config. c may be nil to disable
// caching; ttl is the TTL applied to cached Get lookups.
func NewService(store Store, maxPerUser int, allowedTitles, allowedStatuses []string, c *cache.Cache, ttl time.Duration) *Service {
	titleSet := toSet(allowedTitles)
	statusSet := toSet(allowedStatuses)
	return &Service{
		store:      store,
		maxPerUser: maxPerUser,
		allowedTitle: func(t string) bool {
			if len(titleSet) == 0 {
				return true
			}
			_, ok := titleSet[t]
			return ok
		},
		allowedStatus: func(s string) bool {
			if len(statusSet) == 0 {
				return true
			}
			_, ok := statusSet[s]
			return ok
		},
		cache:    c,
		cacheTTL: ttl,
	}
}

func toSet(ss []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ss))
	for _, s := range ss {
		set[s] = struct{}{}
	}
	return set
}

// CreateParams are the inputs to [Service.Create].
type CreateParams struct {
	UserSub    string
	Title      string
	Circle     string
	Scope      []string
	ValidFrom  *time.Time
	ValidTill  *time.Time
	Status     string
	Attributes map[string]any
	Schema     normalize.Schema // the manifest's persona-attribute schema
}

// Create validates and normalizes params, then inserts the persona. An empty
// circle is allowed (the circle-less persona that principal lookups use).
// Fails with InvalidArgument "persona.already_exists" if
// (user_sub,title,circle) already exists, or InvalidArgument if
// title/status/attributes fail manifest validation or the user is at their
// persona cap.
func (s *Service) Create(ctx context.Context, p CreateParams) (Persona, error) {
	if p.UserSub == "" || p.Title == "" {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "persona.invalid_argument", "user_sub and title are required")
	}
	if !s.allowedTitle(p.Title) {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "persona.invalid_title", fmt.Sprintf("title %q is not permitted by the selected manifest", p.Title))
	}

	status := p.Status
	if status == "" {
		status = DefaultStatus
	}
	if !s.allowedStatus(status) {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "persona.invalid_status", fmt.Sprintf("status %q is not permitted by the selected manifest", status))
	}

	count, err := s.store.CountForUser(ctx, p.UserSub)
	if err != nil {
		return Persona{}, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	if s.maxPerUser > 0 && count >= s.maxPerUser {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "persona.max_personas_exceeded", "user has reached the maximum number of personas")
	}

	attrs, err := normalize.Normalize(p.Attributes, p.Schema)
	if err != nil {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "authz.missing_required_attributes", err.Error())
	}

	now := time.Now().UTC()
	scope := p.Scope
	if len(scope) == 0 {
		scope = DefaultScope
	}
	validFrom := now
	if p.ValidFrom != nil {
		validFrom = *p.ValidFrom
	}
	validTill := now.AddDate(0, 0, DefaultValidityDays)
	if p.ValidTill != nil {
		validTill = *p.ValidTill
	}

	persona := Persona{
		ID:         ID(p.UserSub, p.Title, p.Circle),
		UserSub:    p.UserSub,
		Title:      p.Title,
		Circle:     p.Circle,
		Scope:      scope,
		ValidFrom:  validFrom,
		ValidTill:  validTill,
		Status:     status,
		CreatedAt:  now,
		UpdatedAt:  now,
		Attributes: attrs,
	}

	created, err := s.store.Create(ctx, persona)
	if err != nil {
		return Persona{}, err // store surfaces AlreadyExists-shaped errors itself
	}
	return created, nil
}

// Get returns the persona by ID, or a NotFound error.
func (s *Service) Get(ctx context.Context, personaID string) (Persona, error) {
	var cached Persona
	if s.cache.Get(ctx, cache.FamilyPersona, personaID, &cached) {
		return cached, nil
	}

	p, err := s.store.Get(ctx, personaID)
	if err != nil {
		return Persona{}, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	if p == nil {
		return Persona{}, ferrors.New(ferrors.NotFound, "persona.not_found", "persona not found")
	}
	s.cache.Set(ctx, cache.FamilyPersona, personaID, *p, s.cacheTTL)
	return *p, nil
}

// List returns a user's personas, optionally filtered by status.
func (s *Service) List(ctx context.Context, userSub, status string) ([]Persona, error) {
	if userSub == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "persona.invalid_argument", "user_sub is required")
	}
	ps, err := s.store.List(ctx, userSub, status)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	return ps, nil
}

// ListByTitle finds delegation-candidate personas across all users holding
// a given title - used to discover delegates, per personadb_sqlite.py's
// list_personas_by_title.
func (s *Service) ListByTitle(ctx context.Context, title, status string) ([]Persona, error) {
	ps, err := s.store.ListByTitle(ctx, title, status)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	return ps, nil
}

// GetActive returns a user's most-recently-created active persona, for
// request paths that don't pin a specific circle.
func (s *Service) GetActive(ctx context.Context, userSub string) (*Persona, error) {
	p, err := s.store.GetActive(ctx, userSub)
	if err != nil {
		return nil, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	return p, nil
}

// Update applies patch, then re-validates the whole bundle (defaults,
// required-ness, coercion) so invariants hold post-update even though the
// update itself is field-wise partial.
func (s *Service) Update(ctx context.Context, personaID string, patch Patch, schema normalize.Schema) (Persona, error) {
	existing, err := s.Get(ctx, personaID)
	if err != nil {
		return Persona{}, err
	}

	if patch.Title != nil && !s.allowedTitle(*patch.Title) {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "persona.invalid_title", fmt.Sprintf("title %q is not permitted by the selected manifest", *patch.Title))
	}
	if patch.Status != nil && !s.allowedStatus(*patch.Status) {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "persona.invalid_status", fmt.Sprintf("status %q is not permitted by the selected manifest", *patch.Status))
	}

	merged := make(map[string]any, len(existing.Attributes)+len(patch.Attributes))
	for k, v := range existing.Attributes {
		merged[k] = v
	}
	for k, v := range patch.Attributes {
		merged[k] = v
	}
	normalized, err := normalize.Normalize(merged, schema)
	if err != nil {
		return Persona{}, ferrors.New(ferrors.InvalidArgument, "authz.missing_required_attributes", err.Error())
	}
	patch.Attributes = normalized

	updated, err := s.store.Update(ctx, personaID, patch)
	if err != nil {
		return Persona{}, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	if updated == nil {
		return Persona{}, ferrors.New(ferrors.NotFound, "persona.not_found", "persona not found")
	}
	s.cache.Invalidate(ctx, cache.FamilyPersona, personaID)
	return *updated, nil
}

// Delete removes a persona, idempotent-style: true iff a record was removed.
func (s *Service) Delete(ctx context.Context, personaID string) (bool, error) {
	ok, err := s.store.Delete(ctx, personaID)
	if err != nil {
		return false, ferrors.Wrap(err, ferrors.StorageError, "persona.storage_error")
	}
	s.cache.Invalidate(ctx, cache.FamilyPersona, personaID)
	return ok, nil
}

// SchemaFromManifest is a small convenience so callers don't need to import
// both manifest and normalize to build a Service's per-request schema.
func SchemaFromManifest(m manifest.Manifest) normalize.Schema {
	return m.Schema(manifest.SourcePersona)
}
