//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package agentrunner implements the agent runner (C5): pre-flight
// authorization, per-item execution against the domain service, and result
// aggregation into a workflow run record, per SPEC_FULL.md §4.5.
//
// Policy denies are results, not failures: a run with ten items and seven
// denies still completes with ten results.
package agentrunner

import (
	"context"
	"errors"

	"github.com/flowpilot/flowpilot/pkg/authz"
	"github.com/flowpilot/flowpilot/pkg/domainclient"
	"github.com/flowpilot/flowpilot/pkg/ferrors"
)

// ResultStatus is the completion status of one item's run result.
type ResultStatus string

const (
	StatusCompleted ResultStatus = "completed"
	StatusError     ResultStatus = "error"
)

// ResultDecision mirrors the PDP's verdict vocabulary for one item.
type ResultDecision string

const (
	DecisionAllow   ResultDecision = "allow"
	DecisionDeny    ResultDecision = "deny"
	DecisionUnknown ResultDecision = "unknown"
)

// Result is one workflow item's outcome.
type Result struct {
	ItemID      string
	Kind        string
	Status      ResultStatus
	Decision    ResultDecision
	ReasonCodes []string
	Advice      []map[string]any
}

// Run is the ephemeral record [Runner.Run] returns.
type Run struct {
	RunID      string
	WorkflowID string
	Principal  string
	DryRun     bool
	Results    []Result
	Error      *RunError // non-nil iff pre-flight or listing failed
}

// RunError reports why a run produced zero results.
type RunError struct {
	ReasonCodes []string
}

// Runner composes C4 (pre-flight authorization, in-process) and the domain
// service (item listing/execution, over the network) - no second network
// hop for the pre-flight check, since both live in this binary.
type Runner struct {
	authz   *authz.Engine
	domain  *domainclient.Client
	newRunID func() string
}

func NewRunner(authzEngine *authz.Engine, domain *domainclient.Client, newRunID func() string) *Runner {
	return &Runner{authz: authzEngine, domain: domain, newRunID: newRunID}
}

// RunParams are the inputs to [Runner.Run].
type RunParams struct {
	WorkflowID    string
	PrincipalID   string
	PersonaTitle  string
	PersonaCircle string
	PolicyHint    string
	DryRun        bool
}

// Run executes the three-step C5 pipeline.
func (r *Runner) Run(ctx context.Context, p RunParams) Run {
	run := Run{RunID: r.newRunID(), WorkflowID: p.WorkflowID, Principal: p.PrincipalID, DryRun: p.DryRun}

	decision, err := r.authz.Evaluate(ctx, authz.Request{
		Subject: authz.Subject{Type: "user", ID: p.PrincipalID, Properties: map[string]any{"persona": p.PersonaTitle}},
		Action:  authz.Action{Name: "execute"},
		Resource: authz.Resource{
			Type: "workflow",
			ID:   p.WorkflowID,
		},
		Context: authz.RequestContext{
			Principal:  authz.Principal{ID: p.PrincipalID, PersonaTitle: p.PersonaTitle},
			PolicyHint: p.PolicyHint,
			WorkflowID: p.WorkflowID,
		},
		Options: authz.Options{DryRun: p.DryRun},
	})
	if err != nil {
		run.Error = &RunError{ReasonCodes: []string{reasonCodeOf(err)}}
		return run
	}
	if !decision.Allow {
		run.Error = &RunError{ReasonCodes: nonEmptyOr(decision.ReasonCodes, "authz.denied")}
		return run
	}

	items, err := r.domain.ListItems(ctx, p.WorkflowID, p.PersonaTitle, p.PersonaCircle)
	if err != nil {
		var httpErr *domainclient.HTTPError
		if errors.As(err, &httpErr) && httpErr.StatusCode == 403 {
			run.Error = &RunError{ReasonCodes: nonEmptyOr(httpErr.Deny.ReasonCodes, "workflow.listing_denied")}
			return run
		}
		run.Error = &RunError{ReasonCodes: []string{"agent_runner.item_listing_failed"}}
		return run
	}

	results := make([]Result, 0, len(items))
	for _, item := range items {
		results = append(results, r.executeItem(ctx, p, item))
	}
	run.Results = results
	return run
}

func (r *Runner) executeItem(ctx context.Context, p RunParams, item domainclient.Item) Result {
	// An item already at the end of its state machine has nothing left to
	// transition to; skip the domain-service round trip and report it
	// completed rather than re-submitting an execute that can't move it.
	if domainclient.IsTerminal(item.State) {
		return Result{ItemID: item.ItemID, Kind: item.Kind, Status: StatusCompleted, Decision: DecisionAllow, ReasonCodes: []string{"agent_runner.item_already_terminal"}}
	}

	exec := r.domain.ExecuteItem(ctx, p.WorkflowID, item.ItemID, p.PrincipalID, p.DryRun)

	if exec.TransportErr != nil {
		return Result{ItemID: item.ItemID, Kind: item.Kind, Status: StatusError, Decision: DecisionDeny, ReasonCodes: []string{"agent_runner.item_execution_failed"}}
	}
	if exec.StatusCode >= 200 && exec.StatusCode < 300 {
		return Result{ItemID: item.ItemID, Kind: item.Kind, Status: StatusCompleted, Decision: DecisionAllow}
	}
	if exec.StatusCode == 403 {
		return Result{ItemID: item.ItemID, Kind: item.Kind, Status: StatusCompleted, Decision: DecisionDeny, ReasonCodes: exec.ReasonCodes, Advice: exec.Advice}
	}
	return Result{ItemID: item.ItemID, Kind: item.Kind, Status: StatusError, Decision: DecisionDeny, ReasonCodes: []string{"agent_runner.item_execution_failed"}}
}

func reasonCodeOf(err error) string {
	var fe *ferrors.Error
	if errors.As(err, &fe) {
		return fe.ReasonCode
	}
	return "authz.pipeline_error"
}

func nonEmptyOr(codes []string, def string) []string {
	if len(codes) == 0 {
		return []string{def}
	}
	return codes
}
