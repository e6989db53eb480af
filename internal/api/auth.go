package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const adminSubjectCtxKey contextKey = "admin_subject"

// adminAuth validates an HS256 bearer token when a secret is configured.
// Without a secret the admin routes are open, which suits local use.
func (h *Handler) adminAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.jwtSecret) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		auth := r.Header.Get("Authorization")
		if auth == "" {
			Error(w, http.StatusUnauthorized, "missing authorization header")
			return
		}
		if !strings.HasPrefix(auth, "Bearer ") {
			Error(w, http.StatusUnauthorized, "invalid authorization format")
			return
		}

		subject, err := h.verifyToken(strings.TrimPrefix(auth, "Bearer "))
		if err != nil {
			h.logger.Warn("admin token rejected", "error", err)
			Error(w, http.StatusUnauthorized, "invalid token")
			return
		}

		ctx := context.WithValue(r.Context(), adminSubjectCtxKey, subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// verifyToken returns the token subject.
func (h *Handler) verifyToken(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(*jwt.Token) (any, error) {
		return h.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", jwt.ErrTokenInvalidSubject
	}
	return claims.Subject, nil
}

// adminSubject extracts the authenticated subject, empty when auth is off.
func adminSubject(r *http.Request) string {
	s, _ := r.Context().Value(adminSubjectCtxKey).(string)
	return s
}
