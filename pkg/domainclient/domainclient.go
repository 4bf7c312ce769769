//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package domainclient is the HTTP client for the external domain service
// (the PEP owning workflow data) consumed by the agent runner (C5), per
// SPEC_FULL.md §6/§4.5.
package domainclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// ItemState is a workflow item's execution state. Transitions are monotone:
// a booked item never reverts to planned, and a rebooked item never reverts
// to booked or planned - the source's reachability of rebooked -> booked is
// unclear, so it is left unreachable rather than guessed at.
type ItemState string

const (
	StatePlanned  ItemState = "planned"
	StateBooked   ItemState = "booked"
	StateRebooked ItemState = "rebooked"
)

var transitionRank = map[ItemState]int{
	StatePlanned:  0,
	StateBooked:   1,
	StateRebooked: 2,
}

// CanTransition reports whether from -> to is a forward-only move along
// planned -> booked -> rebooked.
func CanTransition(from, to ItemState) bool {
	fr, ok1 := transitionRank[from]
	tr, ok2 := transitionRank[to]
	if !ok1 || !ok2 {
		return false
	}
	return tr > fr
}

// IsTerminal reports whether no forward transition exists out of s. The
// agent runner consults this to skip re-executing an item that has already
// been carried as far as the state machine goes, rather than spending a
// domain-service round trip on it. A domain service that omits state (or
// reports one this client doesn't recognize) is never treated as terminal -
// absence of information isn't evidence of completion.
func IsTerminal(s ItemState) bool {
	if _, known := transitionRank[s]; !known {
		return false
	}
	for to := range transitionRank {
		if CanTransition(s, to) {
			return false
		}
	}
	return true
}

// Workflow is the metadata returned by GET /v1/workflows/{id}.
type Workflow struct {
	ID   string `json:"id"`
	Kind string `json:"kind"`
}

// Item is one element of a workflow's item list.
type Item struct {
	ItemID string    `json:"item_id"`
	Kind   string    `json:"kind"`
	State  ItemState `json:"state"`
}

// DenyBody is the structured 403 response body the domain service returns
// on policy denial.
type DenyBody struct {
	ReasonCodes []string         `json:"reason_codes"`
	Advice      []map[string]any `json:"advice"`
}

// ParseDenyBody extracts reason codes/advice from a 403 response body.
// Tries a structured {reason_codes, advice} JSON body first; falls back to
// a regex-based prose scan for a bare message string, matching the source's
// parse_policy_deny_from_body. The heuristic path is a compatibility shim,
// not the primary path - a domain service should return structured bodies.
func ParseDenyBody(body []byte) DenyBody {
	var structured DenyBody
	if err := json.Unmarshal(body, &structured); err == nil && len(structured.ReasonCodes) > 0 {
		return structured
	}

	var generic map[string]any
	if err := json.Unmarshal(body, &generic); err == nil {
		if msg, ok := generic["message"].(string); ok {
			return DenyBody{ReasonCodes: heuristicReasonCodes(msg)}
		}
		if msg, ok := generic["error"].(string); ok {
			return DenyBody{ReasonCodes: heuristicReasonCodes(msg)}
		}
	}

	return DenyBody{ReasonCodes: heuristicReasonCodes(string(body))}
}

var reasonCodePattern = regexp.MustCompile(`[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*`)

func heuristicReasonCodes(s string) []string {
	matches := reasonCodePattern.FindAllString(s, -1)
	if len(matches) > 0 {
		return matches
	}
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return []string{"domain.access_denied"}
	}
	return []string{"domain.access_denied"}
}

// Client is a plain net/http client for the domain service contract.
type Client struct {
	baseURL string
	http    *http.Client
}

func New(baseURL string, timeout time.Duration) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: &http.Client{Timeout: timeout}}
}

// GetWorkflow fetches GET /v1/workflows/{id}.
func (c *Client) GetWorkflow(ctx context.Context, workflowID string) (Workflow, error) {
	var wf Workflow
	err := c.getJSON(ctx, fmt.Sprintf("/v1/workflows/%s", url.PathEscape(workflowID)), &wf)
	return wf, err
}

// ListItems fetches GET /v1/workflows/{id}/items, scoped to the caller's
// persona title/circle so the domain service can pre-filter what it shows.
func (c *Client) ListItems(ctx context.Context, workflowID, personaTitle, personaCircle string) ([]Item, error) {
	q := url.Values{}
	if personaTitle != "" {
		q.Set("persona_title", personaTitle)
	}
	if personaCircle != "" {
		q.Set("persona_circle", personaCircle)
	}

	var body struct {
		Items []Item `json:"items"`
	}
	path := fmt.Sprintf("/v1/workflows/%s/items", url.PathEscape(workflowID))
	if enc := q.Encode(); enc != "" {
		path += "?" + enc
	}
	err := c.getJSON(ctx, path, &body)
	return body.Items, err
}

// ExecuteResult is the outcome of one item-execute call, already classified
// per SPEC_FULL.md §4.5's 2xx/403/other split.
type ExecuteResult struct {
	StatusCode  int
	Allowed     bool
	ReasonCodes []string
	Advice      []map[string]any
	TransportErr error
}

// ExecuteItem calls POST /v1/workflows/{id}/items/{item_id}/execute and
// classifies the response. A transport-level failure (no HTTP response at
// all) is reported via TransportErr, not a Go error return, so the caller
// treats it uniformly alongside HTTP-level non-2xx results.
func (c *Client) ExecuteItem(ctx context.Context, workflowID, itemID, principalUser string, dryRun bool) ExecuteResult {
	payload := map[string]any{"principal_user": principalUser, "dry_run": dryRun}
	raw, err := json.Marshal(payload)
	if err != nil {
		return ExecuteResult{TransportErr: err}
	}

	path := fmt.Sprintf("/v1/workflows/%s/items/%s/execute", url.PathEscape(workflowID), url.PathEscape(itemID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(string(raw)))
	if err != nil {
		return ExecuteResult{TransportErr: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return ExecuteResult{TransportErr: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return ExecuteResult{StatusCode: resp.StatusCode, Allowed: true}
	}
	if resp.StatusCode == http.StatusForbidden {
		deny := ParseDenyBody(body)
		return ExecuteResult{StatusCode: resp.StatusCode, Allowed: false, ReasonCodes: deny.ReasonCodes, Advice: deny.Advice}
	}
	return ExecuteResult{StatusCode: resp.StatusCode, Allowed: false, ReasonCodes: []string{"agent_runner.item_execution_failed"}}
}

// HTTPError is returned by getJSON for any non-200 response, carrying the
// status code and parsed deny body so callers (the agent runner's
// pre-flight list-items call in particular) can special-case 403 the same
// way ExecuteResult does.
type HTTPError struct {
	StatusCode int
	Deny       DenyBody
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("domain service returned status %d", e.StatusCode)
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return &HTTPError{StatusCode: resp.StatusCode, Deny: ParseDenyBody(body)}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
