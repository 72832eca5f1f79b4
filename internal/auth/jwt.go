package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TokenIssuer signs and verifies HS256 session tokens. Every token carries a
// jti that must match a live Session row.
type TokenIssuer struct {
	key []byte
	ttl time.Duration
	now func() time.Time
}

func NewTokenIssuer(secret string, ttl time.Duration) *TokenIssuer {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &TokenIssuer{key: []byte(secret), ttl: ttl, now: time.Now}
}

type IssuedToken struct {
	Token     string
	JWTID     string
	ExpiresAt time.Time
}

func (ti *TokenIssuer) Sign(userID, email, role string) (IssuedToken, error) {
	now := ti.now()
	exp := now.Add(ti.ttl)
	jti := uuid.NewString()
	claims := jwt.MapClaims{
		"sub":   userID,
		"email": email,
		"role":  role,
		"jti":   jti,
		"exp":   exp.Unix(),
		"iat":   now.Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := token.SignedString(ti.key)
	if err != nil {
		return IssuedToken{}, err
	}
	return IssuedToken{Token: s, JWTID: jti, ExpiresAt: exp}, nil
}

func (ti *TokenIssuer) Verify(tokenStr string) (Claims, error) {
	tok, err := jwt.Parse(tokenStr, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return ti.key, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(ti.now))
	if err != nil || !tok.Valid {
		return Claims{}, errors.New("invalid token")
	}
	mapc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, errors.New("invalid claims")
	}
	sub, _ := mapc["sub"].(string)
	email, _ := mapc["email"].(string)
	role, _ := mapc["role"].(string)
	jti, _ := mapc["jti"].(string)
	if sub == "" || jti == "" {
		return Claims{}, errors.New("invalid claims")
	}
	return Claims{Subject: sub, Email: email, Role: role, JWTID: jti}, nil
}
