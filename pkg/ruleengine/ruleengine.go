//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package ruleengine is the client for the external rule engine collaborator
// (C4's policy decision backend): a plain HTTP client against an
// OPA-compatible "POST /v1/data/{package}/{rule}" contract per
// SPEC_FULL.md §6, rather than the embedded
// github.com/open-policy-agent/opa runtime the teacher repo links in-process.
//
// The distilled spec treats rule evaluation as an external collaborator, so
// there is no in-process rule engine to wrap; this client plays the role
// pkg/core/opa plays in the teacher, against a network boundary instead of
// an embedded one.
package ruleengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/flowpilot/flowpilot/pkg/ferrors"
)

// Client evaluates rules against an OPA-compatible data API.
type Client struct {
	baseURL string
	http    *http.Client
}

// New builds a Client. timeout bounds every individual rule evaluation call.
func New(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
	}
}

// dataRequest is the OPA data-API request envelope: {"input": ...}.
type dataRequest struct {
	Input any `json:"input"`
}

// dataResponse is the OPA data-API response envelope: {"result": ...}.
type dataResponse struct {
	Result json.RawMessage `json:"result"`
}

// Decision is the outcome of evaluating a manifest's rule package against
// one authorization input: the allow/deny verdict plus the reasons rule's
// output, when the package declares one.
type Decision struct {
	Allow   bool
	Reasons []string
}

// Evaluate calls "POST {baseURL}/v1/data/{package}/allow" with input, then
// (only if allow resolved true) "POST {baseURL}/v1/data/{package}/reasons"
// to collect human-readable justification, per SPEC_FULL.md §6.
func (c *Client) Evaluate(ctx context.Context, rulePackage string, input any) (Decision, error) {
	var allow bool
	if err := c.evalRule(ctx, rulePackage, "allow", input, &allow); err != nil {
		return Decision{}, err
	}

	decision := Decision{Allow: allow}
	if !allow {
		return decision, nil
	}

	var reasons []string
	if err := c.evalRule(ctx, rulePackage, "reasons", input, &reasons); err != nil {
		// reasons is informative, not authoritative: a failure here must
		// not turn an allow decision into a denial.
		return decision, nil
	}
	decision.Reasons = reasons
	return decision, nil
}

func (c *Client) evalRule(ctx context.Context, rulePackage, rule string, input any, out any) error {
	body, err := json.Marshal(dataRequest{Input: input})
	if err != nil {
		return ferrors.Wrap(err, ferrors.UpstreamError, "ruleengine.marshal_error")
	}

	url := fmt.Sprintf("%s/v1/data/%s/%s", c.baseURL, rulePackage, rule)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return ferrors.Wrap(err, ferrors.UpstreamError, "ruleengine.request_error")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ferrors.Wrap(err, ferrors.UpstreamError, "ruleengine.unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return ferrors.New(ferrors.UpstreamError, "ruleengine.bad_status", fmt.Sprintf("rule engine returned status %d evaluating %s/%s", resp.StatusCode, rulePackage, rule))
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return ferrors.Wrap(err, ferrors.UpstreamError, "ruleengine.decode_error")
	}
	if len(dr.Result) == 0 {
		return nil // undefined result; zero-value out (e.g. allow=false) stands
	}
	if err := json.Unmarshal(dr.Result, out); err != nil {
		return ferrors.Wrap(err, ferrors.UpstreamError, "ruleengine.decode_error")
	}
	return nil
}
