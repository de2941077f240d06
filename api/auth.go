package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is the authenticated caller extracted from the bearer token.
type Identity struct {
	OrganizationID string
	UserID         string
}

type identityKey struct{}

// IdentityFrom returns the caller identity stored by the auth
// middleware.
func IdentityFrom(ctx context.Context) (Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(Identity)
	return id, ok
}

// claims is the accepted token shape: HS256 with org_id and user_id.
type claims struct {
	OrgID  string `json:"org_id"`
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// authenticate verifies the Authorization bearer token and stores the
// caller identity on the request context.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		raw, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || raw == "" {
			s.error(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		var c claims
		_, err := jwt.ParseWithClaims(raw, &c, func(*jwt.Token) (any, error) {
			return s.jwtSecret, nil
		}, jwt.WithValidMethods([]string{"HS256"}))
		if err != nil {
			s.error(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if c.OrgID == "" {
			s.error(w, http.StatusForbidden, "token carries no organization")
			return
		}
		id := Identity{OrganizationID: c.OrgID, UserID: c.UserID}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, id)))
	})
}
