package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/attaboy/wagerline/internal/domain"
)

type contextKey string

const (
	claimsKey  contextKey = "auth_claims"
	subjectKey contextKey = "auth_subject"
)

// ClaimsFromContext extracts JWT claims from request context.
func ClaimsFromContext(ctx context.Context) *Claims {
	claims, _ := ctx.Value(claimsKey).(*Claims)
	return claims
}

// SubjectFromContext extracts the subject ID string from request context.
func SubjectFromContext(ctx context.Context) string {
	sub, _ := ctx.Value(subjectKey).(string)
	return sub
}

// WithClaims returns ctx carrying claims, as the middleware would.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	ctx = context.WithValue(ctx, claimsKey, claims)
	return context.WithValue(ctx, subjectKey, claims.Subject)
}

// AuthenticatePlayer returns middleware that validates player JWT tokens.
func AuthenticatePlayer(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return authenticateRealm(jwtMgr, RealmPlayer)
}

// AuthenticateAdmin returns middleware that validates admin JWT tokens.
func AuthenticateAdmin(jwtMgr *JWTManager) func(http.Handler) http.Handler {
	return authenticateRealm(jwtMgr, RealmAdmin)
}

// RequireRole admits admins whose role is one of roles. It must run after
// AuthenticateAdmin.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims := ClaimsFromContext(r.Context())
			switch {
			case claims == nil:
				reject(w, "", domain.ErrUnauthorized("no auth context"))
			case !slices.Contains(roles, claims.Role):
				reject(w, "", domain.ErrForbidden(fmt.Sprintf("role %q may not do this", claims.Role)))
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func authenticateRealm(jwtMgr *JWTManager, realm Realm) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok, err := bearerToken(r)
			if err != nil {
				reject(w, realm, domain.ErrUnauthorized(err.Error()))
				return
			}
			claims, err := jwtMgr.ValidateTokenForRealm(tok, realm)
			if err != nil {
				reject(w, realm, domain.ErrUnauthorized(err.Error()))
				return
			}
			next.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), claims)))
		})
	}
}

// bearerToken reads the Authorization header. Browsers cannot set headers on
// a websocket upgrade, so upgrades may carry access_token in the query.
func bearerToken(r *http.Request) (string, error) {
	h := r.Header.Get("Authorization")
	if h == "" {
		if tok := r.URL.Query().Get("access_token"); tok != "" && strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
			return tok, nil
		}
		return "", errors.New("missing bearer token")
	}
	scheme, tok, ok := strings.Cut(h, " ")
	tok = strings.TrimSpace(tok)
	if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
		return "", errors.New("authorization must be a bearer token")
	}
	return tok, nil
}

// reject writes the JSON rejection. 401s name the realm so clients know which
// token to fetch.
func reject(w http.ResponseWriter, realm Realm, e *domain.AppError) {
	if e.Status == http.StatusUnauthorized && realm != "" {
		w.Header().Set("WWW-Authenticate", fmt.Sprintf(`Bearer realm=%q`, realm))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Status)
	json.NewEncoder(w).Encode(map[string]string{"code": e.Code, "message": e.Message})
}
