package agentrunner_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/agentrunner"
	"github.com/flowpilot/flowpilot/pkg/authz"
	"github.com/flowpilot/flowpilot/pkg/delegation"
	delegationmem "github.com/flowpilot/flowpilot/pkg/delegation/memstore"
	"github.com/flowpilot/flowpilot/pkg/domainclient"
	"github.com/flowpilot/flowpilot/pkg/manifest"
	"github.com/flowpilot/flowpilot/pkg/persona"
	personamem "github.com/flowpilot/flowpilot/pkg/persona/memstore"
	"github.com/flowpilot/flowpilot/pkg/ruleengine"
)

const manifestYAML = `
name: travel
package: travel
attributes:
  - name: budget
    type: float
    source: resource
    default: 1000
persona_config:
  persona_titles:
    - title: traveler
      allowed-actions: ["execute"]
`

func newRegistry(t *testing.T) *manifest.Registry {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "travel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "travel", "manifest.yaml"), []byte(manifestYAML), 0o644))
	reg, err := manifest.NewRegistry(dir)
	require.NoError(t, err)
	return reg
}

func newRuleEngine(t *testing.T) *ruleengine.Client {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/data/travel/allow":
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		case "/v1/data/travel/reasons":
			json.NewEncoder(w).Encode(map[string]any{"result": []string{}})
		}
	}))
	t.Cleanup(srv.Close)
	return ruleengine.New(srv.URL, time.Second)
}

func newDomainService(t *testing.T) *domainclient.Client {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/workflows/wf1/items":
			json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{
				{"item_id": "i1", "kind": "flight"},
				{"item_id": "i2", "kind": "hotel"},
			}})
		case r.URL.Path == "/v1/workflows/wf1/items/i1/execute":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v1/workflows/wf1/items/i2/execute":
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"reason_codes": []string{"budget.exceeded"}})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return domainclient.New(srv.URL, time.Second)
}

// newDomainServiceWithTerminalItem returns one already-rebooked item
// alongside a pending one, and fails the test if the rebooked item's
// execute endpoint is ever called.
func newDomainServiceWithTerminalItem(t *testing.T) *domainclient.Client {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/workflows/wf1/items":
			json.NewEncoder(w).Encode(map[string]any{"items": []map[string]any{
				{"item_id": "i1", "kind": "flight", "state": "planned"},
				{"item_id": "i2", "kind": "hotel", "state": "rebooked"},
			}})
		case r.URL.Path == "/v1/workflows/wf1/items/i1/execute":
			w.WriteHeader(http.StatusOK)
		case r.URL.Path == "/v1/workflows/wf1/items/i2/execute":
			t.Fatal("execute called on a terminal item")
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	t.Cleanup(srv.Close)
	return domainclient.New(srv.URL, time.Second)
}

func TestRun_AggregatesAllowAndDenyResults(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, []string{"traveler"}, []string{"active"}, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"execute"}, nil, 0)
	engine := authz.NewEngine(reg, personaSvc, delegationSvc, newRuleEngine(t), nil, 0)
	runner := agentrunner.NewRunner(engine, newDomainService(t), func() string { return "run-1" })

	run := runner.Run(t.Context(), agentrunner.RunParams{
		WorkflowID: "wf1", PrincipalID: "u1", PersonaTitle: "traveler", PolicyHint: "travel",
	})

	require.Nil(t, run.Error)
	require.Len(t, run.Results, 2)
	assert.Equal(t, agentrunner.DecisionAllow, run.Results[0].Decision)
	assert.Equal(t, agentrunner.DecisionDeny, run.Results[1].Decision)
	assert.Equal(t, []string{"budget.exceeded"}, run.Results[1].ReasonCodes)
}

func TestRun_SkipsExecuteForTerminalItems(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, []string{"traveler"}, []string{"active"}, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"execute"}, nil, 0)
	engine := authz.NewEngine(reg, personaSvc, delegationSvc, newRuleEngine(t), nil, 0)
	runner := agentrunner.NewRunner(engine, newDomainServiceWithTerminalItem(t), func() string { return "run-3" })

	run := runner.Run(t.Context(), agentrunner.RunParams{
		WorkflowID: "wf1", PrincipalID: "u1", PersonaTitle: "traveler", PolicyHint: "travel",
	})

	require.Nil(t, run.Error)
	require.Len(t, run.Results, 2)
	assert.Equal(t, agentrunner.DecisionAllow, run.Results[0].Decision)
	assert.Equal(t, agentrunner.DecisionAllow, run.Results[1].Decision)
	assert.Equal(t, []string{"agent_runner.item_already_terminal"}, run.Results[1].ReasonCodes)
}

func TestRun_PreflightDenyYieldsEmptyResultsWithError(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, []string{"traveler"}, []string{"active"}, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"execute"}, nil, 0)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result": false})
	}))
	t.Cleanup(srv.Close)

	engine := authz.NewEngine(reg, personaSvc, delegationSvc, ruleengine.New(srv.URL, time.Second), nil, 0)
	runner := agentrunner.NewRunner(engine, newDomainService(t), func() string { return "run-2" })

	run := runner.Run(t.Context(), agentrunner.RunParams{
		WorkflowID: "wf1", PrincipalID: "u1", PersonaTitle: "traveler", PolicyHint: "travel",
	})

	require.NotNil(t, run.Error)
	assert.Empty(t, run.Results)
}
