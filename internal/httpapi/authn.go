package httpapi

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"circdesk.org/internal/auth"
)

const (
	authHeader   = "Authorization"
	bearer       = "Bearer "
	tenantHeader = "X-Tenant-ID"
)

var publicPaths = []string{
	"/v1/auth/token",
	"/metrics",
	"/healthz",
	"/readyz",
	"/v1/info",
	"/",
}

// authEnabled reports whether bearer tokens are enforced. Without a configured
// secret the engine runs open (dev mode) and trusts the tenant header.
func authEnabled() bool {
	return strings.TrimSpace(os.Getenv("CIRCDESK_AUTH_SECRET")) != ""
}

func (a *API) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || isPublicPath(r.URL.Path) || !authEnabled() {
			next.ServeHTTP(w, r)
			return
		}

		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeError(w, r, http.StatusUnauthorized, err.Error())
			return
		}

		claims, err := auth.ParseAndValidate(token)
		if err != nil {
			if errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, r, http.StatusUnauthorized, "invalid token")
				return
			}
			writeError(w, r, http.StatusInternalServerError, "authentication error")
			return
		}

		ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{
			Subject: claims.Subject,
			Tenant:  claims.Tenant,
			Roles:   claims.Roles,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func isPublicPath(path string) bool {
	for _, p := range publicPaths {
		if path == p {
			return true
		}
	}
	return false
}

func extractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", errors.New("missing Authorization header")
	}
	if !strings.HasPrefix(header, bearer) {
		return "", errors.New("Authorization header must use Bearer scheme")
	}
	token := strings.TrimSpace(strings.TrimPrefix(header, bearer))
	if token == "" {
		return "", errors.New("empty bearer token")
	}
	return token, nil
}

// tenantFrom resolves the tenant scope of the request: the token claim when
// auth is on, the X-Tenant-ID header otherwise.
func tenantFrom(r *http.Request) (string, error) {
	if principal, ok := auth.PrincipalFromContext(r.Context()); ok {
		return principal.Tenant, nil
	}
	tenant := strings.TrimSpace(r.Header.Get(tenantHeader))
	if tenant == "" {
		return "", errors.New("tenant is required (token claim or X-Tenant-ID header)")
	}
	return tenant, nil
}

// requireLibrarian guards destructive operations (withdraw, waive). With auth
// disabled everything is permitted.
func requireLibrarian(r *http.Request) error {
	if !authEnabled() {
		return nil
	}
	principal, ok := auth.PrincipalFromContext(r.Context())
	if !ok || !principal.HasRole(auth.RoleLibrarian) {
		return auth.ErrForbidden
	}
	return nil
}

type tokenRequest struct {
	Subject    string   `json:"subject" validate:"required"`
	Tenant     string   `json:"tenant" validate:"required"`
	Roles      []string `json:"roles"`
	TTLMinutes int      `json:"ttl_minutes" validate:"omitempty,gt=0,lte=1440"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !authEnabled() {
		writeError(w, r, http.StatusServiceUnavailable, "token issuance disabled: no auth secret configured")
		return
	}

	var req tokenRequest
	if err := a.decodeValid(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	ttl := time.Duration(req.TTLMinutes) * time.Minute
	if ttl == 0 {
		ttl = time.Hour
	}

	token, err := auth.GenerateToken(req.Subject, req.Tenant, req.Roles, ttl)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().UTC().Add(ttl),
	})
}
