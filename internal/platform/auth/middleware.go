package auth

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"
)

type contextKey string

const identityKey contextKey = "identity"

// JWTMiddleware authenticates REST requests with a bearer token in the
// Authorization header.
func JWTMiddleware(v *Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}
			tokenStr := bearerToken(authHeader)
			if tokenStr == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims, err := v.Verify(tokenStr)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}

			// Set values on echo context for tenant middleware
			c.Set("jwt_tenant_id", claims.TenantID)
			c.SetRequest(c.Request().WithContext(WithIdentity(c.Request().Context(), claims.Identity())))

			return next(c)
		}
	}
}

// DevUserID is the identity given to unauthenticated development requests.
const DevUserID = "00000000-0000-0000-0000-000000000001"

// DevAuthMiddleware is a permissive middleware for development. Requests with
// a bearer token are verified normally; requests without one get an admin
// identity in defaultTenant.
func DevAuthMiddleware(v *Verifier, defaultTenant string) echo.MiddlewareFunc {
	if defaultTenant == "" {
		defaultTenant = "default"
	}
	strict := JWTMiddleware(v)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		verified := strict(next)
		return func(c echo.Context) error {
			if c.Request().Header.Get("Authorization") != "" {
				return verified(c)
			}
			c.Set("jwt_tenant_id", defaultTenant)
			ctx := WithIdentity(c.Request().Context(), Identity{
				UserID:   DevUserID,
				TenantID: defaultTenant,
				Role:     "admin",
			})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

// IdentityFromContext returns the caller identity; ok is false for
// unauthenticated contexts.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey).(Identity)
	return id, ok
}
