package account

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/auth"
	"signportal/internal/models"
	"signportal/internal/util"
)

// EnsureAdmin creates a verified administrator when no user holds email yet.
// An existing account is left untouched.
func (s *Service) EnsureAdmin(ctx context.Context, email, password string) (bool, error) {
	email = util.NormalizeEmail(email)
	if !util.ValidEmail(email) {
		return false, apperr.New(apperr.ErrValidation, "admin email is invalid")
	}
	var existing models.User
	err := s.db.WithContext(ctx).Where("email = ?", email).First(&existing).Error
	if err == nil {
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, err
	}
	if err := s.checkPassword(password); err != nil {
		return false, err
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return false, err
	}
	u := models.User{Email: email, PasswordHash: hash, FullName: "Administrator", Role: models.RoleAdmin, IsVerified: true}
	if err := s.db.WithContext(ctx).Create(&u).Error; err != nil {
		return false, err
	}
	s.lg.Infow("seeded default admin", "email", email)
	return true, nil
}
