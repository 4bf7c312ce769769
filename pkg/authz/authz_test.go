package authz_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/authz"
	"github.com/flowpilot/flowpilot/pkg/delegation"
	delegationmem "github.com/flowpilot/flowpilot/pkg/delegation/memstore"
	"github.com/flowpilot/flowpilot/pkg/manifest"
	"github.com/flowpilot/flowpilot/pkg/persona"
	personamem "github.com/flowpilot/flowpilot/pkg/persona/memstore"
	"github.com/flowpilot/flowpilot/pkg/ruleengine"
)

const testManifestYAML = `
name: travel
package: travel
attributes:
  - name: autobook_price
    type: float
    source: persona
    required: true
  - name: budget
    type: float
    source: resource
    default: 1000
persona_config:
  persona_titles:
    - title: traveler
      allowed-actions: ["read", "execute"]
  persona_statuses: ["active", "suspended"]
`

func newRegistry(t *testing.T) *manifest.Registry {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "travel"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "travel", "manifest.yaml"), []byte(testManifestYAML), 0o644))
	reg, err := manifest.NewRegistry(dir)
	require.NoError(t, err)
	return reg
}

func newRuleEngine(t *testing.T, allow bool) *ruleengine.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/v1/data/travel/allow":
			json.NewEncoder(w).Encode(map[string]any{"result": allow})
		case r.URL.Path == "/v1/data/travel/reasons":
			json.NewEncoder(w).Encode(map[string]any{"result": []string{"ok"}})
		}
	}))
	t.Cleanup(srv.Close)
	return ruleengine.New(srv.URL, time.Second)
}

func TestEvaluate_HappyPathAllows(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, []string{"traveler"}, []string{"active"}, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"read", "execute"}, nil, 0)
	engine := authz.NewEngine(reg, personaSvc, delegationSvc, newRuleEngine(t, true), nil, 0)

	ctx := context.Background()
	_, err := personaSvc.Create(ctx, persona.CreateParams{
		UserSub: "owner1", Title: "traveler", Circle: "",
		Attributes: map[string]any{"autobook_price": 500},
		Schema:     manifest.Manifest{}.Schema(manifest.SourcePersona),
	})
	require.NoError(t, err)

	req := authz.Request{
		Subject: authz.Subject{Type: "user", ID: "owner1", Properties: map[string]any{"persona": "traveler"}},
		Action:  authz.Action{Name: "read"},
		Resource: authz.Resource{
			Type:       "workflow",
			ID:         "wf1",
			Properties: map[string]any{},
		},
		Context: authz.RequestContext{
			Principal:  authz.Principal{ID: "owner1", PersonaTitle: "traveler"},
			PolicyHint: "travel",
		},
	}

	decision, err := engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}

func TestEvaluate_UnknownPolicyHintDenies(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, nil, nil, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"read"}, nil, 0)
	engine := authz.NewEngine(reg, personaSvc, delegationSvc, newRuleEngine(t, true), nil, 0)

	req := authz.Request{
		Subject:  authz.Subject{Type: "agent", ID: "a1"},
		Action:   authz.Action{Name: "read"},
		Resource: authz.Resource{Type: "workflow", ID: "wf1"},
		Context:  authz.RequestContext{Principal: authz.Principal{ID: "a1", PersonaTitle: "traveler"}, PolicyHint: "nope"},
	}

	_, err := engine.Evaluate(context.Background(), req)
	require.Error(t, err)
}

func TestEvaluate_UnknownActionDenies(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, nil, nil, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"read"}, nil, 0)
	engine := authz.NewEngine(reg, personaSvc, delegationSvc, newRuleEngine(t, true), nil, 0)

	req := authz.Request{
		Subject:  authz.Subject{Type: "agent", ID: "a1"},
		Action:   authz.Action{Name: "teleport"},
		Resource: authz.Resource{Type: "workflow", ID: "wf1"},
		Context:  authz.RequestContext{Principal: authz.Principal{ID: "a1", PersonaTitle: "traveler"}, PolicyHint: "travel"},
	}

	_, err := engine.Evaluate(context.Background(), req)
	require.Error(t, err)
}

func TestEvaluate_DelegationFailureDoesNotShortCircuit(t *testing.T) {
	reg := newRegistry(t)
	personaSvc := persona.NewService(personamem.New(), 10, []string{"traveler"}, []string{"active"}, nil, 0)
	delegationSvc := delegation.NewService(delegationmem.New(), []string{"read", "execute"}, nil, 0)
	engine := authz.NewEngine(reg, personaSvc, delegationSvc, newRuleEngine(t, true), nil, 0)

	ctx := context.Background()
	req := authz.Request{
		Subject: authz.Subject{Type: "user", ID: "agent1", Properties: map[string]any{"persona": "traveler"}},
		Action:  authz.Action{Name: "execute"},
		Resource: authz.Resource{
			Type: "workflow", ID: "wf1",
			Owner: &authz.Owner{Type: "user", ID: "owner1", PersonaTitle: "traveler"},
		},
		Context: authz.RequestContext{
			Principal:  authz.Principal{ID: "agent1", PersonaTitle: "traveler"},
			PolicyHint: "travel",
		},
	}

	decision, err := engine.Evaluate(ctx, req)
	require.NoError(t, err)
	assert.True(t, decision.Allow)
}
