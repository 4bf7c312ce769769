//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package authz implements the authorization engine (C4): the AuthZEN
// request pipeline that selects a manifest, builds subject/action/resource/
// context, and evaluates the result against the external rule engine.
//
// Grounded on spec.md §4.4's six-step pipeline, composing
// [github.com/flowpilot/flowpilot/pkg/manifest],
// [github.com/flowpilot/flowpilot/pkg/persona],
// [github.com/flowpilot/flowpilot/pkg/delegation], and
// [github.com/flowpilot/flowpilot/pkg/ruleengine] the way the teacher's
// internal/core.Evaluate composes pkg/core/opa, pkg/policydomain, and
// pkg/core/backend.
package authz

import (
	"context"
	"fmt"
	"time"

	"github.com/flowpilot/flowpilot/pkg/cache"
	"github.com/flowpilot/flowpilot/pkg/delegation"
	"github.com/flowpilot/flowpilot/pkg/ferrors"
	"github.com/flowpilot/flowpilot/pkg/manifest"
	"github.com/flowpilot/flowpilot/pkg/normalize"
	"github.com/flowpilot/flowpilot/pkg/persona"
	"github.com/flowpilot/flowpilot/pkg/ruleengine"
)

// Subject identifies the caller.
type Subject struct {
	Type       string // "user" | "agent"
	ID         string
	Properties map[string]any // must carry "persona" for type=user
}

// Action is the requested operation name.
type Action struct {
	Name string
}

// Owner, when present on a Resource, identifies whose persona the resource
// belongs to, for C2 enrichment.
type Owner struct {
	Type         string
	ID           string
	PersonaTitle string
	PersonaCircle string
}

// Resource is the object the action targets.
type Resource struct {
	Type       string
	ID         string
	Properties map[string]any
	Owner      *Owner
}

// RequestContext carries the principal and the manifest selector.
type RequestContext struct {
	Principal  Principal
	PolicyHint string
	WorkflowID string
}

// Principal is the authenticated caller making the request (may differ
// from Subject when acting through a delegated agent).
type Principal struct {
	ID           string
	PersonaTitle string
}

// Options are request-scoped evaluation knobs.
type Options struct {
	DryRun bool
}

// Request is one AuthZEN evaluate request.
type Request struct {
	Subject  Subject
	Action   Action
	Resource Resource
	Context  RequestContext
	Options  Options
}

// Decision is one AuthZEN evaluate response.
type Decision struct {
	Allow       bool
	ReasonCodes []string
	Advice      []map[string]any
}

// Engine is the C4 pipeline: manifest registry + persona/delegation
// services + rule engine client.
type Engine struct {
	manifests  *manifest.Registry
	personas   *persona.Service
	delegation *delegation.Service
	rules      *ruleengine.Client

	// cache fronts the final rule-engine call with a short TTL (see
	// SPEC_FULL.md §2/§9); a nil *cache.Cache degrades to always-miss. There
	// is no explicit invalidation path for this family: staleness bounds on
	// cacheTTL alone, since a decision depends on state the engine doesn't
	// own outright (rule-engine policy versions).
	cache    *cache.Cache
	cacheTTL time.Duration
}

// NewEngine builds a C4 engine. c may be nil to disable decision caching;
// ttl is the TTL applied to cached decisions.
func NewEngine(manifests *manifest.Registry, personas *persona.Service, delegations *delegation.Service, rules *ruleengine.Client, c *cache.Cache, ttl time.Duration) *Engine {
	return &Engine{manifests: manifests, personas: personas, delegation: delegations, rules: rules, cache: c, cacheTTL: ttl}
}

// Evaluate runs the six-step pipeline, fail-closed at every step except
// delegation-path lookup (per spec.md §4.4, delegation absence is a
// legitimate policy input, not a pipeline failure).
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	m, err := e.selectManifest(req.Context.PolicyHint)
	if err != nil {
		return Decision{}, err
	}

	if err := e.validateSubject(req.Subject); err != nil {
		return Decision{}, err
	}

	if err := e.validateAction(req.Action, m); err != nil {
		return Decision{}, err
	}

	resourceProps, err := e.buildResource(ctx, req.Resource, m)
	if err != nil {
		return Decision{}, err
	}

	contextProps, err := e.buildContext(ctx, req.Context, req.Resource)
	if err != nil {
		return Decision{}, err
	}

	input := map[string]any{
		"subject": map[string]any{
			"type":       req.Subject.Type,
			"id":         req.Subject.ID,
			"properties": req.Subject.Properties,
		},
		"action": map[string]any{"name": req.Action.Name},
		"resource": map[string]any{
			"type":       req.Resource.Type,
			"id":         req.Resource.ID,
			"properties": resourceProps,
		},
		"context": contextProps,
		"options": map[string]any{"dry_run": req.Options.DryRun},
	}

	decisionKey := fmt.Sprintf("%s|%s|%s|%s|%s|%s", m.RulePackage, req.Subject.ID, req.Action.Name, req.Resource.Type, req.Resource.ID, req.Context.Principal.ID)
	var cached Decision
	if e.cache.Get(ctx, cache.FamilyAuthz, decisionKey, &cached) {
		return cached, nil
	}

	result, err := e.rules.Evaluate(ctx, m.RulePackage, input)
	if err != nil {
		return Decision{}, err
	}
	decision := Decision{Allow: result.Allow, ReasonCodes: result.Reasons}
	e.cache.Set(ctx, cache.FamilyAuthz, decisionKey, decision, e.cacheTTL)
	return decision, nil
}

func (e *Engine) selectManifest(policyHint string) (manifest.Manifest, error) {
	m, err := e.manifests.Select(policyHint)
	if err != nil {
		return manifest.Manifest{}, ferrors.Wrap(err, ferrors.InvalidArgument, "authz.invalid_policy")
	}
	return m, nil
}

func (e *Engine) validateSubject(s Subject) error {
	if s.ID == "" {
		return ferrors.New(ferrors.InvalidArgument, "authz.invalid_subject", "subject.id is required")
	}
	if s.Type == "user" {
		if p, _ := s.Properties["persona"].(string); p == "" {
			return ferrors.New(ferrors.InvalidArgument, "authz.invalid_subject", "subject.properties.persona is required for type=user")
		}
	}
	return nil
}

func (e *Engine) validateAction(a Action, m manifest.Manifest) error {
	if a.Name == "" {
		return ferrors.New(ferrors.InvalidArgument, "authz.invalid_action", "action.name is required")
	}
	allActions := e.manifests.AllActions()
	if _, ok := allActions[a.Name]; !ok {
		return ferrors.New(ferrors.InvalidArgument, "authz.invalid_action", "action.name is not declared by any loaded manifest")
	}
	return nil
}

// buildResource normalizes resource-sourced manifest attributes and, if an
// owner is present, enriches resource.properties.owner with the owner's
// persona-sourced manifest attributes.
func (e *Engine) buildResource(ctx context.Context, r Resource, m manifest.Manifest) (map[string]any, error) {
	props := make(map[string]any, len(r.Properties)+1)
	for k, v := range r.Properties {
		props[k] = v
	}

	schema := m.Schema(manifest.SourceResource)
	normalized, err := normalize.Normalize(props, schema)
	if err != nil {
		return nil, ferrors.New(ferrors.InvalidArgument, "authz.missing_required_attributes", err.Error())
	}
	props = normalized

	if r.Owner != nil {
		ownerProps, err := e.enrichOwner(ctx, *r.Owner, m)
		if err != nil {
			return nil, ferrors.Wrap(err, ferrors.StorageError, "authz.persona_fetch_failed")
		}
		props["owner"] = ownerProps
	}

	return props, nil
}

func (e *Engine) enrichOwner(ctx context.Context, owner Owner, m manifest.Manifest) (map[string]any, error) {
	out := map[string]any{
		"type":           owner.Type,
		"id":             owner.ID,
		"persona_title":  owner.PersonaTitle,
		"persona_circle": owner.PersonaCircle,
	}

	personaID := persona.ID(owner.ID, owner.PersonaTitle, owner.PersonaCircle)
	p, err := e.personas.Get(ctx, personaID)
	if err != nil {
		if kind, ok := ferrors.KindOf(err); ok && kind == ferrors.NotFound {
			return out, nil
		}
		return nil, err
	}

	personaSchema := m.PersonaAttributes()
	for _, attr := range personaSchema {
		if v, ok := p.Attributes[attr.Name]; ok {
			out[attr.Name] = v
		}
	}
	return out, nil
}

// buildContext requires principal id/persona, enriches with the principal's
// persona record (tagging not_found rather than failing when absent), and
// attaches a delegation path when the principal differs from the owner.
func (e *Engine) buildContext(ctx context.Context, rc RequestContext, resource Resource) (map[string]any, error) {
	if rc.Principal.ID == "" || rc.Principal.PersonaTitle == "" {
		return nil, ferrors.New(ferrors.InvalidArgument, "system_error", "context.principal.id and persona title are required")
	}

	out := map[string]any{
		"principal":   map[string]any{"id": rc.Principal.ID, "persona": rc.Principal.PersonaTitle},
		"policy_hint": rc.PolicyHint,
		"delegation": map[string]any{
			"delegation_chain":  []string{},
			"delegated_actions": []string{},
		},
	}

	ownerID := ""
	if resource.Owner != nil {
		ownerID = resource.Owner.ID
	}

	principalPersonaID := persona.ID(rc.Principal.ID, rc.Principal.PersonaTitle, "")
	if p, err := e.personas.Get(ctx, principalPersonaID); err == nil {
		principal := out["principal"].(map[string]any)
		principal["status"] = p.Status
		principal["valid_from"] = p.ValidFrom
		principal["valid_till"] = p.ValidTill
	} else if kind, ok := ferrors.KindOf(err); ok && kind == ferrors.NotFound {
		principal := out["principal"].(map[string]any)
		principal["status"] = "not_found"
	}

	if ownerID != "" && ownerID != rc.Principal.ID {
		validation, err := e.delegation.Validate(ctx, ownerID, rc.Principal.ID, rc.WorkflowID)
		if err == nil && validation.Valid {
			// delegation absence/failure never short-circuits: on error or
			// an invalid path the rule engine decides with an empty
			// chain/actions, set as the default above.
			out["delegation"] = map[string]any{
				"delegation_chain":  validation.DelegationChain,
				"delegated_actions": validation.DelegatedActions,
			}
		}
	}

	return out, nil
}
