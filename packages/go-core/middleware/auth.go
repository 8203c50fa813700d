package middleware

import (
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

// Internal headers injected by the edge gateway after it has already
// authenticated the caller. Trusted only on the private listener.
const (
	HeaderInternalActorID     = "X-Internal-Actor-Id"
	HeaderInternalTenantID    = "X-Internal-Tenant-Id"
	HeaderInternalPermissions = "X-Internal-Permissions"
)

// Auth resolves caller identity into the request context. Two sources are
// accepted, in order:
//
//  1. Authorization: Bearer <jwt> — an HS256 token whose claims carry
//     tenant_id, sub (actor) and permissions. A present but invalid token
//     is rejected with 401.
//  2. X-Internal-* headers set by the edge gateway.
//
// Requests with neither source continue without identity; handlers that
// require a tenant scope reject those themselves. This keeps signature-
// authenticated surfaces (webhook ingress) on the same router.
func Auth(jwtSecret []byte) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()

			if raw := bearerToken(c.Request()); raw != "" {
				claims := jwt.MapClaims{}
				_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
					if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
						return nil, jwt.ErrSignatureInvalid
					}
					return jwtSecret, nil
				})
				if err != nil {
					return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid or expired token"})
				}
				if v, ok := claims["tenant_id"].(string); ok && v != "" {
					ctx = WithTenantID(ctx, v)
				}
				if v, ok := claims["sub"].(string); ok && v != "" {
					ctx = WithActorID(ctx, v)
				}
				if v, ok := claims["permissions"].(string); ok && v != "" {
					ctx = WithPermissions(ctx, v)
				}
				c.SetRequest(c.Request().WithContext(ctx))
				return next(c)
			}

			if v := c.Request().Header.Get(HeaderInternalTenantID); v != "" {
				ctx = WithTenantID(ctx, v)
			}
			if v := c.Request().Header.Get(HeaderInternalActorID); v != "" {
				ctx = WithActorID(ctx, v)
			}
			if v := c.Request().Header.Get(HeaderInternalPermissions); v != "" {
				ctx = WithPermissions(ctx, v)
			}
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get(echo.HeaderAuthorization)
	if h == "" {
		return ""
	}
	parts := strings.SplitN(h, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
