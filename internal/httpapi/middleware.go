//
//  Copyright © Manetu Inc. All rights reserved.
//

package httpapi

import (
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/flowpilot/flowpilot/internal/authn"
	"github.com/flowpilot/flowpilot/pkg/ferrors"
)

// principalKey is the echo.Context key the claims a verified bearer token
// carries are stashed under, for handlers that need the caller's identity.
const principalKey = "flowpilot.authn.claims"

// requireBearerExceptSkipper verifies the Authorization bearer token on
// every request except exemptPath, per SPEC_FULL.md §6.
func requireBearerExceptSkipper(v *authn.Verifier, exemptPath string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if c.Request().URL.Path == exemptPath {
				return next(c)
			}

			header := c.Request().Header.Get("Authorization")
			const prefix = "Bearer "
			if !strings.HasPrefix(header, prefix) {
				return writeError(c, ferrors.New(ferrors.Unauthenticated, "authn.missing_bearer_token", "Authorization: Bearer <token> header is required"))
			}

			claims, err := v.Verify(c.Request().Context(), strings.TrimPrefix(header, prefix))
			if err != nil {
				return writeError(c, err)
			}
			c.Set(principalKey, claims)
			return next(c)
		}
	}
}
