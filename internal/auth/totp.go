package auth

import (
	"time"

	"github.com/pquerna/otp/totp"
)

// NewTOTPSecret creates an enrollment secret and the otpauth:// URL an
// authenticator app scans.
func NewTOTPSecret(issuer, account string) (secret, url string, err error) {
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: account})
	if err != nil {
		return "", "", err
	}
	return key.Secret(), key.URL(), nil
}

func CheckTOTP(secret, code string) bool {
	if secret == "" || code == "" {
		return false
	}
	return totp.Validate(code, secret)
}

// TOTPCode is used by tests and the operator CLI.
func TOTPCode(secret string, at time.Time) (string, error) {
	return totp.GenerateCode(secret, at)
}
