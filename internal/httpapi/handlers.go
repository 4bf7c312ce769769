//
//  Copyright © Manetu Inc. All rights reserved.
//

package httpapi

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/flowpilot/flowpilot/pkg/agentrunner"
	"github.com/flowpilot/flowpilot/pkg/authz"
	"github.com/flowpilot/flowpilot/pkg/config"
	"github.com/flowpilot/flowpilot/pkg/delegation"
	"github.com/flowpilot/flowpilot/pkg/ferrors"
	"github.com/flowpilot/flowpilot/pkg/persona"
)

type handlers struct {
	deps Deps
}

// writeError maps a *ferrors.Error onto an HTTP status + AuthZEN-shaped
// error body; any other error is treated as an opaque internal failure.
func writeError(c echo.Context, err error) error {
	kind, ok := ferrors.KindOf(err)
	if !ok {
		logger.SysErrorf("unclassified error: %+v", err)
		return c.JSON(http.StatusInternalServerError, echo.Map{"reason_codes": []string{"system_error"}})
	}

	status := http.StatusInternalServerError
	switch kind {
	case ferrors.InvalidArgument:
		status = http.StatusBadRequest
	case ferrors.NotFound:
		status = http.StatusNotFound
	case ferrors.Unauthenticated:
		status = http.StatusUnauthorized
	case ferrors.PermissionDenied:
		status = http.StatusForbidden
	case ferrors.RateOrSizeExceeded:
		status = http.StatusRequestEntityTooLarge
	case ferrors.StorageError, ferrors.UpstreamError:
		status = http.StatusBadGateway
	}

	fe, _ := err.(*ferrors.Error)
	body := echo.Map{"reason_codes": fe.ReasonCodes}
	if len(fe.Advice) > 0 {
		body["advice"] = fe.Advice
	}
	if config.VConfig != nil && config.VConfig.GetBool(config.ErrorIncludeDetails) {
		body["detail"] = fe.Error()
	}
	return c.JSON(status, body)
}

// evaluate handles POST /v1/evaluate.
func (h *handlers) evaluate(c echo.Context) error {
	var body struct {
		Subject struct {
			Type       string         `json:"type"`
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
		} `json:"subject"`
		Action struct {
			Name string `json:"name"`
		} `json:"action"`
		Resource struct {
			Type       string         `json:"type"`
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
			Owner      *struct {
				Type          string `json:"type"`
				ID            string `json:"id"`
				PersonaTitle  string `json:"persona_title"`
				PersonaCircle string `json:"persona_circle"`
			} `json:"owner"`
		} `json:"resource"`
		Context struct {
			Principal struct {
				ID      string `json:"id"`
				Persona string `json:"persona"`
			} `json:"principal"`
			PolicyHint string `json:"policy_hint"`
			WorkflowID string `json:"workflow_id"`
		} `json:"context"`
		Options struct {
			DryRun bool `json:"dry_run"`
		} `json:"options"`
	}
	if err := c.Bind(&body); err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "authz.malformed_request"))
	}

	req := authz.Request{
		Subject: authz.Subject{Type: body.Subject.Type, ID: body.Subject.ID, Properties: body.Subject.Properties},
		Action:  authz.Action{Name: body.Action.Name},
		Resource: authz.Resource{
			Type:       body.Resource.Type,
			ID:         body.Resource.ID,
			Properties: body.Resource.Properties,
		},
		Context: authz.RequestContext{
			Principal:  authz.Principal{ID: body.Context.Principal.ID, PersonaTitle: body.Context.Principal.Persona},
			PolicyHint: body.Context.PolicyHint,
			WorkflowID: body.Context.WorkflowID,
		},
		Options: authz.Options{DryRun: body.Options.DryRun},
	}
	if body.Resource.Owner != nil {
		req.Resource.Owner = &authz.Owner{
			Type:          body.Resource.Owner.Type,
			ID:            body.Resource.Owner.ID,
			PersonaTitle:  body.Resource.Owner.PersonaTitle,
			PersonaCircle: body.Resource.Owner.PersonaCircle,
		}
	} else if o, ok := body.Resource.Properties["owner"].(map[string]any); ok {
		str := func(k string) string { s, _ := o[k].(string); return s }
		req.Resource.Owner = &authz.Owner{
			Type:          str("type"),
			ID:            str("id"),
			PersonaTitle:  str("persona_title"),
			PersonaCircle: str("persona_circle"),
		}
	}

	decision, err := h.deps.Engine.Evaluate(c.Request().Context(), req)
	if err != nil {
		return writeError(c, err)
	}

	verdict := "deny"
	if decision.Allow {
		verdict = "allow"
	}
	return c.JSON(http.StatusOK, echo.Map{
		"decision":     verdict,
		"reason_codes": decision.ReasonCodes,
		"advice":       decision.Advice,
	})
}

func (h *handlers) createDelegation(c echo.Context) error {
	var body struct {
		PrincipalID   string   `json:"principal_id"`
		DelegateID    string   `json:"delegate_id"`
		WorkflowID    string   `json:"workflow_id"`
		Scope         []string `json:"scope"`
		ExpiresInDays int      `json:"expires_in_days"`
		DelegatorID   string   `json:"delegator_id"`
	}
	if err := c.Bind(&body); err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "delegation.malformed_request"))
	}

	edge, created, err := h.deps.Delegation.Create(c.Request().Context(), delegation.CreateParams{
		PrincipalID: body.PrincipalID, DelegateID: body.DelegateID, WorkflowID: body.WorkflowID,
		Scope: body.Scope, ExpiresInDays: body.ExpiresInDays, DelegatorID: body.DelegatorID,
	})
	if err != nil {
		return writeError(c, err)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	return c.JSON(status, edge)
}

func (h *handlers) revokeDelegation(c echo.Context) error {
	principalID := c.QueryParam("principal_id")
	delegateID := c.QueryParam("delegate_id")
	workflowID := c.QueryParam("workflow_id")

	if err := h.deps.Delegation.Revoke(c.Request().Context(), principalID, delegateID, workflowID); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) listOutgoing(c echo.Context) error {
	includeExpired, _ := strconv.ParseBool(c.QueryParam("include_expired"))
	edges, err := h.deps.Delegation.ListOutgoing(c.Request().Context(), c.Param("principal_id"), c.QueryParam("workflow_id"), includeExpired)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"edges": edges})
}

func (h *handlers) listIncoming(c echo.Context) error {
	includeExpired, _ := strconv.ParseBool(c.QueryParam("include_expired"))
	edges, err := h.deps.Delegation.ListIncoming(c.Request().Context(), c.Param("delegate_id"), c.QueryParam("workflow_id"), includeExpired)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"edges": edges})
}

func (h *handlers) createPersona(c echo.Context) error {
	var body struct {
		UserSub    string         `json:"user_sub"`
		Title      string         `json:"title"`
		Circle     string         `json:"circle"`
		Scope      []string       `json:"scope"`
		ValidFrom  *time.Time     `json:"valid_from"`
		ValidTill  *time.Time     `json:"valid_till"`
		Status     string         `json:"status"`
		Attributes map[string]any `json:"attributes"`
		PolicyHint string         `json:"policy_hint"`
	}
	if err := c.Bind(&body); err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "persona.malformed_request"))
	}

	m, err := h.deps.Manifests.Select(body.PolicyHint)
	if err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "authz.invalid_policy"))
	}

	p, err := h.deps.Personas.Create(c.Request().Context(), persona.CreateParams{
		UserSub: body.UserSub, Title: body.Title, Circle: body.Circle, Scope: body.Scope,
		ValidFrom: body.ValidFrom, ValidTill: body.ValidTill, Status: body.Status,
		Attributes: body.Attributes, Schema: persona.SchemaFromManifest(m),
	})
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *handlers) getPersona(c echo.Context) error {
	p, err := h.deps.Personas.Get(c.Request().Context(), c.Param("persona_id"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *handlers) listPersonas(c echo.Context) error {
	ps, err := h.deps.Personas.List(c.Request().Context(), c.Param("user_sub"), c.QueryParam("status"))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"personas": ps})
}

func (h *handlers) updatePersona(c echo.Context) error {
	var body struct {
		Title      *string        `json:"title"`
		Circle     *string        `json:"circle"`
		Scope      []string       `json:"scope"`
		ValidFrom  *time.Time     `json:"valid_from"`
		ValidTill  *time.Time     `json:"valid_till"`
		Status     *string        `json:"status"`
		Attributes map[string]any `json:"attributes"`
		PolicyHint string         `json:"policy_hint"`
	}
	if err := c.Bind(&body); err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "persona.malformed_request"))
	}

	m, err := h.deps.Manifests.Select(body.PolicyHint)
	if err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "authz.invalid_policy"))
	}

	p, err := h.deps.Personas.Update(c.Request().Context(), c.Param("persona_id"), persona.Patch{
		Title: body.Title, Circle: body.Circle, Scope: body.Scope,
		ValidFrom: body.ValidFrom, ValidTill: body.ValidTill, Status: body.Status,
		Attributes: body.Attributes,
	}, persona.SchemaFromManifest(m))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *handlers) deletePersona(c echo.Context) error {
	ok, err := h.deps.Personas.Delete(c.Request().Context(), c.Param("persona_id"))
	if err != nil {
		return writeError(c, err)
	}
	if !ok {
		return c.NoContent(http.StatusNotFound)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *handlers) runWorkflow(c echo.Context) error {
	var body struct {
		PrincipalID   string `json:"principal_id"`
		PersonaTitle  string `json:"persona_title"`
		PersonaCircle string `json:"persona_circle"`
		PolicyHint    string `json:"policy_hint"`
		DryRun        bool   `json:"dry_run"`
	}
	if err := c.Bind(&body); err != nil {
		return writeError(c, ferrors.Wrap(err, ferrors.InvalidArgument, "agent_runner.malformed_request"))
	}

	run := h.deps.Runner.Run(c.Request().Context(), agentrunner.RunParams{
		WorkflowID: c.Param("workflow_id"), PrincipalID: body.PrincipalID,
		PersonaTitle: body.PersonaTitle, PersonaCircle: body.PersonaCircle,
		PolicyHint: body.PolicyHint, DryRun: body.DryRun,
	})
	return c.JSON(http.StatusOK, run)
}

func (h *handlers) listPolicies(c echo.Context) error {
	return c.JSON(http.StatusOK, echo.Map{"policies": h.deps.Manifests.ListNames()})
}

// exchangeToken handles POST /v1/token/exchange: verifies the caller's IdP
// bearer token and returns a pseudonymous, sub-only access token for
// inter-service calls, per SPEC_FULL.md §6.
func (h *handlers) exchangeToken(c echo.Context) error {
	header := c.Request().Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return writeError(c, ferrors.New(ferrors.Unauthenticated, "authn.missing_bearer_token", "Authorization: Bearer <idp-token> header is required"))
	}

	token, err := h.deps.Exchanger.Exchange(c.Request().Context(), strings.TrimPrefix(header, prefix))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"access_token": token, "token_type": "Bearer"})
}
