package account

import (
	"context"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
)

type Enrollment struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauth_url"`
}

// EnrollTOTP stores a fresh secret. It only takes effect after ConfirmTOTP.
func (s *Service) EnrollTOTP(ctx context.Context, actor auth.Actor) (*Enrollment, error) {
	u, err := s.loadUser(ctx, actor.UserID)
	if err != nil {
		return nil, err
	}
	if u.IsTOTPEnabled {
		return nil, apperr.New(apperr.ErrConflict, "two-factor authentication is already enabled")
	}
	secret, url, err := auth.NewTOTPSecret(s.totpIssuer, u.Email)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(u).Update("totp_secret", secret).Error; err != nil {
		return nil, err
	}
	return &Enrollment{Secret: secret, URL: url}, nil
}

func (s *Service) ConfirmTOTP(ctx context.Context, actor auth.Actor, code string) error {
	u, err := s.loadUser(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if u.IsTOTPEnabled {
		return apperr.New(apperr.ErrConflict, "two-factor authentication is already enabled")
	}
	if u.TOTPSecret == "" {
		return apperr.New(apperr.ErrInvalidTransition, "start enrollment first")
	}
	if !auth.CheckTOTP(u.TOTPSecret, code) {
		return apperr.New(apperr.ErrValidation, "the authenticator code is not valid")
	}
	if err := s.db.WithContext(ctx).Model(u).Update("is_totp_enabled", true).Error; err != nil {
		return err
	}
	s.record(ctx, u.ID, u.Email, actor.IP, audit.MFAEnabled, map[string]any{"method": "totp"})
	return nil
}

func (s *Service) DisableTOTP(ctx context.Context, actor auth.Actor, code string) error {
	u, err := s.loadUser(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if !u.IsTOTPEnabled {
		return apperr.New(apperr.ErrInvalidTransition, "two-factor authentication is not enabled")
	}
	if !auth.CheckTOTP(u.TOTPSecret, code) {
		return apperr.New(apperr.ErrValidation, "the authenticator code is not valid")
	}
	err = s.db.WithContext(ctx).Model(u).Updates(map[string]any{
		"is_totp_enabled": false,
		"totp_secret":     "",
	}).Error
	if err != nil {
		return err
	}
	s.record(ctx, u.ID, u.Email, actor.IP, audit.MFADisabled, map[string]any{"method": "totp"})
	return nil
}
