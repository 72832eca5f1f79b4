package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"signportal/internal/apperr"
	"signportal/internal/database"
	"signportal/internal/models"
)

func TestTokenRoundTripAndExpiry(t *testing.T) {
	ti := NewTokenIssuer("secret", time.Hour)
	issued, err := ti.Sign("u1", "a@x.com", models.RoleAdmin)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	c, err := ti.Verify(issued.Token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if c.Subject != "u1" || c.Email != "a@x.com" || c.Role != models.RoleAdmin || c.JWTID != issued.JWTID {
		t.Fatalf("unexpected claims %+v", c)
	}

	ti.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	if _, err := ti.Verify(issued.Token); err == nil {
		t.Fatalf("expected expired token to fail")
	}
	other := NewTokenIssuer("other", time.Hour)
	if _, err := other.Verify(issued.Token); err == nil {
		t.Fatalf("expected signature mismatch to fail")
	}
}

func TestPasswordHash(t *testing.T) {
	h, err := HashPassword("correct horse")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if CheckPassword(h, "correct horse") != nil {
		t.Fatalf("expected match")
	}
	if CheckPassword(h, "wrong") == nil {
		t.Fatalf("expected mismatch")
	}
	if CheckPassword("", "") == nil {
		t.Fatalf("empty hash must not match")
	}
	if _, err := HashPassword(strings.Repeat("x", 73)); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected over-long password to be refused, got %v", err)
	}
}

func TestTOTP(t *testing.T) {
	secret, url, err := NewTOTPSecret("signportal", "a@x.com")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if secret == "" || url == "" {
		t.Fatalf("empty enrollment")
	}
	code, err := TOTPCode(secret, time.Now())
	if err != nil {
		t.Fatalf("code: %v", err)
	}
	if !CheckTOTP(secret, code) {
		t.Fatalf("expected current code to validate")
	}
	if CheckTOTP(secret, "") || CheckTOTP("", code) {
		t.Fatalf("empty inputs must not validate")
	}
}

func TestJWTAuthRequiresLiveSession(t *testing.T) {
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	u := models.User{Email: "a@x.com", PasswordHash: "x", Role: models.RoleAdmin}
	if err := db.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	ti := NewTokenIssuer("secret", time.Hour)
	issued, _ := ti.Sign(u.ID, u.Email, models.RoleAdmin)

	var seen Claims
	h := JWTAuth(db, ti)(RequireRole(models.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	})))

	call := func() (int, string) {
		req := httptest.NewRequest(http.MethodGet, "/v1/admin/stats", nil)
		req.Header.Set("Authorization", "Bearer "+issued.Token)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		var body struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if rec.Code != http.StatusOK {
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("error body is not JSON: %q", rec.Body.String())
			}
		}
		return rec.Code, body.Error.Code
	}
	if code, ec := call(); code != http.StatusUnauthorized || ec != "unauthorized" {
		t.Fatalf("expected 401 without session, got %d %q", code, ec)
	}
	sess := models.Session{JTI: issued.JWTID, UserID: u.ID, ExpiresAt: issued.ExpiresAt}
	if err := db.WithContext(context.Background()).Create(&sess).Error; err != nil {
		t.Fatalf("create session: %v", err)
	}
	if code, _ := call(); code != http.StatusOK {
		t.Fatalf("expected 200 with session, got %d", code)
	}
	if seen.Email != "a@x.com" || seen.Role != models.RoleAdmin {
		t.Fatalf("claims not propagated: %+v", seen)
	}

	db.Model(&u).Update("role", models.RoleUser)
	if code, ec := call(); code != http.StatusForbidden || ec != "forbidden" {
		t.Fatalf("demoted user kept the admin role from the token: %d %q", code, ec)
	}
	db.Model(&u).Updates(map[string]any{"role": models.RoleAdmin, "blocked": true})
	if code, ec := call(); code != http.StatusLocked || ec != "account_blocked" {
		t.Fatalf("blocked user admitted: %d %q", code, ec)
	}
	db.Model(&u).Update("blocked", false)
	now := time.Now()
	db.Model(&sess).Update("revoked_at", &now)
	if code, _ := call(); code != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d", code)
	}
}
