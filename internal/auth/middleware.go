package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"gorm.io/gorm"

	"signportal/internal/models"
)

// JWTAuth admits requests carrying a valid token whose session is still open
// and whose user still exists unblocked. Role and email come from the user
// row, so a demotion or block takes effect on the next request.
func JWTAuth(db *gorm.DB, issuer *TokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			h := r.Header.Get("Authorization")
			if !strings.HasPrefix(h, "Bearer ") {
				writeError(w, http.StatusUnauthorized, "unauthorized", "missing bearer token")
				return
			}
			claims, err := issuer.Verify(strings.TrimPrefix(h, "Bearer "))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}
			ctx := r.Context()
			var sess models.Session
			if err := db.WithContext(ctx).First(&sess, "jti = ?", claims.JWTID).Error; err != nil {
				if !errors.Is(err, gorm.ErrRecordNotFound) {
					writeError(w, http.StatusInternalServerError, "internal", "something went wrong, please try again")
					return
				}
				writeError(w, http.StatusUnauthorized, "unauthorized", "session not found")
				return
			}
			if sess.RevokedAt != nil || time.Now().After(sess.ExpiresAt) {
				writeError(w, http.StatusUnauthorized, "unauthorized", "session expired or revoked")
				return
			}

			var u models.User
			err = db.WithContext(ctx).Select("id", "email", "role", "blocked").First(&u, "id = ?", claims.Subject).Error
			switch {
			case errors.Is(err, gorm.ErrRecordNotFound):
				writeError(w, http.StatusUnauthorized, "unauthorized", "account no longer exists")
				return
			case err != nil:
				writeError(w, http.StatusInternalServerError, "internal", "something went wrong, please try again")
				return
			case u.Blocked:
				writeError(w, http.StatusLocked, "account_blocked", "this account is blocked, contact an administrator")
				return
			}
			claims.Email = u.Email
			claims.Role = u.Role
			next.ServeHTTP(w, r.WithContext(WithClaims(ctx, claims)))
		})
	}
}

func RequireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !FromContext(r.Context()).HasRole(role) {
				writeError(w, http.StatusForbidden, "forbidden", "this action requires the "+role+" role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// writeError uses the same {"error": {...}} envelope as the handlers.
func writeError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{"code": code, "message": msg},
	})
}
