package account

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/mailer"
	"signportal/internal/models"
	"signportal/internal/throttle"
	"signportal/internal/util"
)

type LoginInput struct {
	Email     string
	Password  string
	TOTPCode  string
	IP        string
	UserAgent string
}

type LoginResult struct {
	Token     string      `json:"token"`
	ExpiresAt time.Time   `json:"expires_at"`
	User      models.User `json:"user"`
	// Landing is where the client should route after login.
	Landing string `json:"landing"`
}

const (
	failInvalidCredentials = "invalid_credentials"
	failEmailNotConfirmed  = "email_not_confirmed"
	failInvalidMFA         = "invalid_mfa_code"
)

// Login runs the throttle gate, then the credential check, then the
// bookkeeping for the outcome. A throttled or blocked attempt never reaches
// the credential check.
func (s *Service) Login(ctx context.Context, in LoginInput) (*LoginResult, error) {
	email := util.NormalizeEmail(in.Email)
	if email == "" || in.Password == "" {
		return nil, apperr.New(apperr.ErrValidation, "email and password are required")
	}
	dec, err := s.guard.Check(ctx, email)
	if err != nil {
		s.lg.Errorw("throttle check failed", "email", email, "error", err)
		return nil, ErrUnavailable
	}
	switch dec.Outcome {
	case throttle.Throttled:
		s.metrics.Inc("login_throttled")
		return nil, &ThrottledError{Remaining: dec.Remaining}
	case throttle.Blocked:
		s.metrics.Inc("login_blocked")
		return nil, ErrAccountBlocked
	}

	var u models.User
	err = s.db.WithContext(ctx).First(&u, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, s.loginFailed(ctx, in, email, failInvalidCredentials, ErrInvalidCredentials)
	}
	if err != nil {
		s.lg.Errorw("user lookup failed", "email", email, "error", err)
		return nil, ErrUnavailable
	}
	if auth.CheckPassword(u.PasswordHash, in.Password) != nil {
		return nil, s.loginFailed(ctx, in, email, failInvalidCredentials, ErrInvalidCredentials)
	}
	if !u.IsVerified {
		return nil, s.loginFailed(ctx, in, email, failEmailNotConfirmed, ErrEmailNotConfirmed)
	}
	if u.IsTOTPEnabled {
		if in.TOTPCode == "" {
			return nil, ErrMFARequired
		}
		if !auth.CheckTOTP(u.TOTPSecret, in.TOTPCode) {
			return nil, s.loginFailed(ctx, in, email, failInvalidMFA, ErrInvalidCredentials)
		}
	}
	return s.loginSucceeded(ctx, in, &u)
}

// loginFailed records a failed attempt on both counters and returns outcome,
// or ErrUnavailable when the server-side bookkeeping could not be done.
func (s *Service) loginFailed(ctx context.Context, in LoginInput, email, status string, outcome error) error {
	s.metrics.Inc("login_failed", "status", status)
	if _, err := s.guard.RecordFailure(ctx, email); err != nil {
		s.lg.Errorw("throttle failure not recorded", "email", email, "error", err)
	}
	user, err := s.bumpFailures(ctx, email)
	var userID string
	if user != nil {
		userID = user.ID
	}
	s.record(ctx, userID, email, in.IP, audit.LoginFailed, map[string]any{
		"status":     status,
		"ip_address": in.IP,
		"userAgent":  in.UserAgent,
	})
	if err != nil {
		s.lg.Errorw("failed-login bookkeeping failed", "email", email, "error", err)
		return ErrUnavailable
	}
	return outcome
}

// bumpFailures increments the persistent counter for email and sends the
// warning or blocked notice when a threshold is crossed. Unknown emails have
// no row and are left alone.
func (s *Service) bumpFailures(ctx context.Context, email string) (*models.User, error) {
	var u models.User
	var warn, block bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&u, "email = ?", email).Error
		if err != nil {
			return err
		}
		count := u.FailedLoginAttempts + 1
		now := s.now()
		updates := map[string]any{
			"failed_login_attempts": count,
			"last_failed_login_at":  now,
		}
		warn = count == s.warnAt
		if count >= s.blockThreshold && !u.Blocked {
			updates["blocked"] = true
			block = true
		}
		if err := tx.Model(&u).Updates(updates).Error; err != nil {
			return err
		}
		u.FailedLoginAttempts = count
		u.LastFailedLoginAt = &now
		u.Blocked = u.Blocked || block
		return nil
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if warn {
		warned, err := s.guard.Warned(ctx, email)
		if err != nil {
			s.lg.Errorw("warned flag unreadable", "email", email, "error", err)
		}
		if err == nil && !warned {
			s.notify(ctx, mailer.TemplateWarning, email, map[string]any{
				"failed_attempts": u.FailedLoginAttempts,
				"block_threshold": s.blockThreshold,
			})
			if err := s.guard.MarkWarned(ctx, email); err != nil {
				s.lg.Errorw("warned flag not stored", "email", email, "error", err)
			}
		}
	}
	if block {
		s.notify(ctx, mailer.TemplateBlocked, email, map[string]any{
			"failed_attempts": u.FailedLoginAttempts,
		})
	}
	return &u, nil
}

func (s *Service) loginSucceeded(ctx context.Context, in LoginInput, u *models.User) (*LoginResult, error) {
	if err := s.guard.RecordSuccess(ctx, u.Email); err != nil {
		s.lg.Errorw("throttle state not cleared", "email", u.Email, "error", err)
	}
	err := s.db.WithContext(ctx).Model(u).Updates(map[string]any{
		"failed_login_attempts": 0,
		"blocked":               false,
		"last_failed_login_at":  nil,
	}).Error
	if err != nil {
		s.lg.Errorw("login counters not reset", "user_id", u.ID, "error", err)
		return nil, ErrUnavailable
	}
	u.FailedLoginAttempts = 0
	u.Blocked = false
	u.LastFailedLoginAt = nil

	tok, err := s.tokens.Sign(u.ID, u.Email, u.Role)
	if err != nil {
		return nil, err
	}
	sess := models.Session{JTI: tok.JWTID, UserID: u.ID, ExpiresAt: tok.ExpiresAt}
	if err := s.db.WithContext(ctx).Create(&sess).Error; err != nil {
		return nil, err
	}
	s.metrics.Inc("login_succeeded")
	s.record(ctx, u.ID, u.Email, in.IP, audit.LoginSucceeded, map[string]any{
		"ip_address": in.IP,
		"userAgent":  in.UserAgent,
		"mfa":        u.IsTOTPEnabled,
	})
	return &LoginResult{Token: tok.Token, ExpiresAt: tok.ExpiresAt, User: *u, Landing: Landing(u.Role)}, nil
}
