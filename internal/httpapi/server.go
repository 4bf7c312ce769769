//
//  Copyright © Manetu Inc. All rights reserved.
//

// Package httpapi is the HTTP transport for flowpilotd: a thin Echo-based
// adapter over pkg/authz, pkg/delegation, pkg/persona, and pkg/agentrunner.
// No business logic lives here - every handler parses its request,
// delegates to the matching service, and maps the result (or *ferrors.Error)
// onto an HTTP response.
package httpapi

import (
	"fmt"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flowpilot/flowpilot/internal/authn"
	"github.com/flowpilot/flowpilot/internal/logging"
	"github.com/flowpilot/flowpilot/pkg/agentrunner"
	"github.com/flowpilot/flowpilot/pkg/authz"
	"github.com/flowpilot/flowpilot/pkg/delegation"
	"github.com/flowpilot/flowpilot/pkg/manifest"
	"github.com/flowpilot/flowpilot/pkg/persona"
)

var logger = logging.GetLogger("flowpilot.httpapi")

// Deps bundles every service the API surface dispatches to.
type Deps struct {
	Manifests  *manifest.Registry
	Personas   *persona.Service
	Delegation *delegation.Service
	Engine     *authz.Engine
	Runner     *agentrunner.Runner

	// Verifier/Exchanger implement SPEC_FULL.md §6's bearer-token
	// verification and token-exchange step. Either may be nil (auth
	// disabled, e.g. in tests): a nil Verifier skips the auth middleware and
	// a nil Exchanger skips the exchange endpoint.
	Verifier  *authn.Verifier
	Exchanger *authn.Exchanger

	CORSOrigins    []string
	MaxBodyBytes   int64
	RequestTimeout time.Duration
}

// New builds the Echo instance with every flowpilotd route registered.
func New(d Deps) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{AllowOrigins: d.CORSOrigins}))
	e.Use(middleware.BodyLimit(sizeString(d.MaxBodyBytes)))
	e.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{Timeout: d.RequestTimeout}))

	h := &handlers{deps: d}

	// /v1/token/exchange carries the caller's raw IdP token, not one of our
	// own, so it is the one route exempt from bearer verification - the
	// exchange handler verifies it itself via Exchanger.Exchange.
	if d.Verifier != nil {
		e.Use(requireBearerExceptSkipper(d.Verifier, "/v1/token/exchange"))
	}
	if d.Exchanger != nil {
		e.POST("/v1/token/exchange", h.exchangeToken)
	}

	e.POST("/v1/evaluate", h.evaluate)

	e.POST("/v1/delegations", h.createDelegation)
	e.DELETE("/v1/delegations", h.revokeDelegation)
	e.GET("/v1/delegations/outgoing/:principal_id", h.listOutgoing)
	e.GET("/v1/delegations/incoming/:delegate_id", h.listIncoming)

	e.POST("/v1/personas", h.createPersona)
	e.GET("/v1/personas/:persona_id", h.getPersona)
	e.GET("/v1/users/:user_sub/personas", h.listPersonas)
	e.PATCH("/v1/personas/:persona_id", h.updatePersona)
	e.DELETE("/v1/personas/:persona_id", h.deletePersona)

	e.POST("/v1/workflows/:workflow_id/run", h.runWorkflow)

	e.GET("/v1/policies", h.listPolicies)

	return e
}

func sizeString(n int64) string {
	return fmt.Sprintf("%dB", n)
}
