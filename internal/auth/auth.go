// Package auth guards the HTTP API with a single shared bearer token.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// Auth validates the shared bearer token on incoming requests.
type Auth struct {
	token   string
	enabled bool
}

// New creates an Auth. An empty token disables authentication, which is
// only sensible for local development.
func New(token string) *Auth {
	return &Auth{token: token, enabled: token != ""}
}

// Enabled reports whether requests are actually checked.
func (a *Auth) Enabled() bool { return a.enabled }

// RequireToken is echo middleware rejecting requests without the shared
// token. Comparison is constant-time.
func (a *Auth) RequireToken(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if !a.enabled {
			return next(c)
		}
		presented, ok := bearer(c.Request().Header.Get("Authorization"))
		if !ok || !a.match(presented) {
			return echo.NewHTTPError(http.StatusUnauthorized, "missing or invalid bearer token")
		}
		return next(c)
	}
}

func (a *Auth) match(presented string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(a.token)) == 1
}

func bearer(header string) (string, bool) {
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return "", false
	}
	token := strings.TrimSpace(header[len(prefix):])
	return token, token != ""
}
