package auth

import (
	"golang.org/x/crypto/bcrypt"

	"signportal/internal/apperr"
)

// bcrypt only reads the first 72 bytes of its input.
const maxPasswordBytes = 72

var ErrPasswordTooLong = apperr.Newf(apperr.ErrValidation, "password must be at most %d bytes", maxPasswordBytes)

// HashPassword refuses passwords bcrypt would silently truncate.
func HashPassword(pw string) (string, error) {
	if len(pw) > maxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	b, err := bcrypt.GenerateFromPassword([]byte(pw), bcrypt.DefaultCost)
	return string(b), err
}

// CheckPassword returns nil only when pw matches hash. Accounts without a
// stored hash never match.
func CheckPassword(hash, pw string) error {
	if hash == "" {
		return bcrypt.ErrMismatchedHashAndPassword
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(pw))
}
