// Package account handles registration, email verification, login with
// throttling and blocking, sessions and TOTP enrollment.
package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/mailer"
	"signportal/internal/metrics"
	"signportal/internal/models"
	"signportal/internal/throttle"
	"signportal/internal/util"
)

const (
	DefaultBlockThreshold = 10
	LandingAdmin          = "/admin"
	LandingUser           = "/dashboard"
)

type Service struct {
	db             *gorm.DB
	guard          *throttle.Guard
	tokens         *auth.TokenIssuer
	mail           mailer.Sender
	audit          *audit.Recorder
	metrics        *metrics.Collector
	lg             *zap.SugaredLogger
	warnAt         int
	blockThreshold int
	passwordMin    int
	resendCooldown time.Duration
	totpIssuer     string
	baseURL        string
	now            func() time.Time
}

type Deps struct {
	DB      *gorm.DB
	Guard   *throttle.Guard
	Tokens  *auth.TokenIssuer
	Mailer  mailer.Sender
	Audit   *audit.Recorder
	Metrics *metrics.Collector
	Logger  *zap.SugaredLogger

	// WarnAt is the server-side failure count that triggers the warning mail.
	WarnAt            int
	BlockThreshold    int
	PasswordMinLength int
	ResendCooldown    time.Duration
	TOTPIssuer        string
	PublicBaseURL     string
}

func New(d Deps) *Service {
	s := &Service{
		db:             d.DB,
		guard:          d.Guard,
		tokens:         d.Tokens,
		mail:           d.Mailer,
		audit:          d.Audit,
		metrics:        d.Metrics,
		lg:             d.Logger.With("service", "account"),
		warnAt:         d.WarnAt,
		blockThreshold: d.BlockThreshold,
		passwordMin:    d.PasswordMinLength,
		resendCooldown: d.ResendCooldown,
		totpIssuer:     d.TOTPIssuer,
		baseURL:        strings.TrimRight(d.PublicBaseURL, "/"),
		now:            func() time.Time { return time.Now().UTC() },
	}
	if s.warnAt <= 0 {
		s.warnAt = throttle.DefaultLimit
	}
	if s.blockThreshold <= 0 {
		s.blockThreshold = DefaultBlockThreshold
	}
	if s.passwordMin <= 0 {
		s.passwordMin = 8
	}
	if s.resendCooldown <= 0 {
		s.resendCooldown = 60 * time.Second
	}
	if s.totpIssuer == "" {
		s.totpIssuer = "signportal"
	}
	return s
}

// BlockedLookup is the throttle guard's view of the persistent block flag.
// Unknown emails are not blocked.
func BlockedLookup(db *gorm.DB) throttle.BlockedFunc {
	return func(ctx context.Context, email string) (bool, error) {
		var u models.User
		err := db.WithContext(ctx).Select("blocked").First(&u, "email = ?", util.NormalizeEmail(email)).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return u.Blocked, nil
	}
}

func Landing(role string) string {
	if role == models.RoleAdmin {
		return LandingAdmin
	}
	return LandingUser
}

func newToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func (s *Service) notify(ctx context.Context, tmpl mailer.Template, to string, params map[string]any) {
	if err := s.mail.Send(ctx, tmpl, to, params); err != nil {
		s.metrics.Inc("mail_failures", "template", string(tmpl))
		s.lg.Errorw("notification mail failed", "template", tmpl, "to", to, "error", err)
	}
}

func (s *Service) record(ctx context.Context, userID, email, ip, event string, details map[string]any) {
	s.audit.Record(ctx, audit.Entry{UserID: userID, UserEmail: email, EventType: event, Details: details, IPAddress: ip})
}

func (s *Service) loadUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error; err != nil {
		return nil, database.Translate(err, "user")
	}
	return &u, nil
}

func (s *Service) checkPassword(pw string) error {
	if len(pw) < s.passwordMin {
		return apperr.Newf(apperr.ErrValidation, "password must be at least %d characters", s.passwordMin)
	}
	return nil
}

type RegisterInput struct {
	Email      string
	Password   string
	FullName   string
	Title      string
	Department string
	IP         string
}

func (s *Service) Register(ctx context.Context, in RegisterInput) (*models.User, error) {
	email := util.NormalizeEmail(in.Email)
	if !util.ValidEmail(email) {
		return nil, apperr.New(apperr.ErrValidation, "a valid email is required")
	}
	if err := s.checkPassword(in.Password); err != nil {
		return nil, err
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		return nil, err
	}
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	now := s.now()
	u := models.User{
		Email:              email,
		PasswordHash:       hash,
		FullName:           strings.TrimSpace(in.FullName),
		Title:              strings.TrimSpace(in.Title),
		Department:         strings.TrimSpace(in.Department),
		Role:               models.RoleUser,
		VerificationToken:  token,
		VerificationSentAt: &now,
	}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return nil, database.Translate(err, "account")
	}
	s.sendVerification(ctx, &u)
	s.record(ctx, u.ID, u.Email, in.IP, audit.UserRegistered, map[string]any{
		"full_name":  u.FullName,
		"department": u.Department,
	})
	return &u, nil
}

func (s *Service) sendVerification(ctx context.Context, u *models.User) {
	s.notify(ctx, mailer.TemplateVerification, u.Email, map[string]any{
		"full_name":        u.FullName,
		"verification_url": s.baseURL + "/verify?token=" + u.VerificationToken,
	})
}

func (s *Service) VerifyEmail(ctx context.Context, token, ip string) (*models.User, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, apperr.New(apperr.ErrValidation, "verification token is required")
	}
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "verification_token = ?", token).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.New(apperr.ErrNotFound, "verification link is invalid or already used")
		}
		return nil, err
	}
	err := s.db.WithContext(ctx).Model(&u).Updates(map[string]any{
		"is_verified":        true,
		"verification_token": "",
	}).Error
	if err != nil {
		return nil, err
	}
	u.IsVerified = true
	s.record(ctx, u.ID, u.Email, ip, audit.EmailVerified, nil)
	return &u, nil
}

// ResendVerification mails a fresh link. Unknown or already verified emails
// succeed silently so the endpoint does not reveal which accounts exist.
func (s *Service) ResendVerification(ctx context.Context, email string) error {
	email = util.NormalizeEmail(email)
	var u models.User
	err := s.db.WithContext(ctx).First(&u, "email = ?", email).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if u.IsVerified {
		return nil
	}
	if u.VerificationSentAt != nil {
		if elapsed := s.now().Sub(*u.VerificationSentAt); elapsed < s.resendCooldown {
			return &ThrottledError{Remaining: s.resendCooldown - elapsed}
		}
	}
	token, err := newToken()
	if err != nil {
		return err
	}
	now := s.now()
	err = s.db.WithContext(ctx).Model(&u).Updates(map[string]any{
		"verification_token":   token,
		"verification_sent_at": now,
	}).Error
	if err != nil {
		return err
	}
	u.VerificationToken = token
	s.sendVerification(ctx, &u)
	return nil
}

func (s *Service) Me(ctx context.Context, userID string) (*models.User, error) {
	return s.loadUser(ctx, userID)
}

// Logout revokes the session behind jti.
func (s *Service) Logout(ctx context.Context, jti string) error {
	return s.db.WithContext(ctx).Model(&models.Session{}).
		Where("jti = ? AND revoked_at IS NULL", jti).
		Update("revoked_at", s.now()).Error
}

func (s *Service) ChangePassword(ctx context.Context, actor auth.Actor, current, next string) error {
	u, err := s.loadUser(ctx, actor.UserID)
	if err != nil {
		return err
	}
	if auth.CheckPassword(u.PasswordHash, current) != nil {
		return apperr.New(apperr.ErrValidation, "current password is incorrect")
	}
	if err := s.checkPassword(next); err != nil {
		return err
	}
	hash, err := auth.HashPassword(next)
	if err != nil {
		return err
	}
	if err := s.db.WithContext(ctx).Model(u).Update("password_hash", hash).Error; err != nil {
		return err
	}
	s.record(ctx, u.ID, u.Email, actor.IP, audit.PasswordChanged, nil)
	return nil
}
