package ruleengine_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowpilot/flowpilot/pkg/ruleengine"
)

func TestEvaluate_AllowTrueFetchesReasons(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/data/travel/allow":
			json.NewEncoder(w).Encode(map[string]any{"result": true})
		case "/v1/data/travel/reasons":
			json.NewEncoder(w).Encode(map[string]any{"result": []string{"within budget"}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	client := ruleengine.New(srv.URL, time.Second)
	decision, err := client.Evaluate(t.Context(), "travel", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.Equal(t, []string{"within budget"}, decision.Reasons)
}

func TestEvaluate_AllowFalseSkipsReasons(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/data/travel/reasons" {
			called = true
		}
		json.NewEncoder(w).Encode(map[string]any{"result": false})
	}))
	defer srv.Close()

	client := ruleengine.New(srv.URL, time.Second)
	decision, err := client.Evaluate(t.Context(), "travel", map[string]any{})
	require.NoError(t, err)
	assert.False(t, decision.Allow)
	assert.False(t, called)
}

func TestEvaluate_NonOKStatusIsUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	client := ruleengine.New(srv.URL, time.Second)
	_, err := client.Evaluate(t.Context(), "travel", map[string]any{})
	require.Error(t, err)
}
