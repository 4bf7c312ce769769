package domainclient_test

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/domainclient"
)

func TestCanTransition_IsMonotone(t *testing.T) {
	assert.True(t, domainclient.CanTransition(domainclient.StatePlanned, domainclient.StateBooked))
	assert.True(t, domainclient.CanTransition(domainclient.StateBooked, domainclient.StateRebooked))
	assert.False(t, domainclient.CanTransition(domainclient.StateBooked, domainclient.StatePlanned))
	assert.False(t, domainclient.CanTransition(domainclient.StateRebooked, domainclient.StateBooked))
	assert.False(t, domainclient.CanTransition(domainclient.StatePlanned, domainclient.StatePlanned))
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, domainclient.IsTerminal(domainclient.StatePlanned))
	assert.False(t, domainclient.IsTerminal(domainclient.StateBooked))
	assert.True(t, domainclient.IsTerminal(domainclient.StateRebooked))
	assert.False(t, domainclient.IsTerminal(domainclient.ItemState("")))
}

func TestParseDenyBody_PrefersStructuredBody(t *testing.T) {
	body := []byte(`{"reason_codes":["budget.exceeded"],"advice":[{"type":"approval_required"}]}`)
	deny := domainclient.ParseDenyBody(body)
	assert.Equal(t, []string{"budget.exceeded"}, deny.ReasonCodes)
	assert.Len(t, deny.Advice, 1)
}

func TestParseDenyBody_FallsBackToHeuristicScan(t *testing.T) {
	body := []byte(`{"message":"denied by policy.budget_exceeded for this request"}`)
	deny := domainclient.ParseDenyBody(body)
	assert.Contains(t, deny.ReasonCodes, "policy.budget_exceeded")
}

func TestExecuteItem_ClassifiesResponses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/workflows/wf1/items/ok/execute":
			w.WriteHeader(http.StatusOK)
		case "/v1/workflows/wf1/items/denied/execute":
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(map[string]any{"reason_codes": []string{"budget.exceeded"}})
		default:
			w.WriteHeader(http.StatusInternalServerError)
		}
	}))
	defer srv.Close()

	client := domainclient.New(srv.URL, time.Second)

	ok := client.ExecuteItem(t.Context(), "wf1", "ok", "u1", false)
	assert.True(t, ok.Allowed)
	assert.Equal(t, http.StatusOK, ok.StatusCode)

	denied := client.ExecuteItem(t.Context(), "wf1", "denied", "u1", false)
	assert.False(t, denied.Allowed)
	assert.Equal(t, []string{"budget.exceeded"}, denied.ReasonCodes)

	other := client.ExecuteItem(t.Context(), "wf1", "broken", "u1", false)
	assert.False(t, other.Allowed)
	assert.Equal(t, []string{"agent_runner.item_execution_failed"}, other.ReasonCodes)
}

func TestListItems_403SurfacesHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(map[string]any{"reason_codes": []string{"workflow.not_permitted"}})
	}))
	defer srv.Close()

	client := domainclient.New(srv.URL, time.Second)
	_, err := client.ListItems(t.Context(), "wf1", "traveler", "eng")
	require.Error(t, err)

	var httpErr *domainclient.HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusForbidden, httpErr.StatusCode)
	assert.Equal(t, []string{"workflow.not_permitted"}, httpErr.Deny.ReasonCodes)
}
