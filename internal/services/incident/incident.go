// Package incident lets users flag a problem with a document and lets
// administrators work through the reports.
package incident

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/models"
	"signportal/internal/util"
)

type Service struct {
	db    *gorm.DB
	audit *audit.Recorder
	lg    *zap.SugaredLogger
	now   func() time.Time
}

func New(db *gorm.DB, rec *audit.Recorder, lg *zap.SugaredLogger) *Service {
	return &Service{db: db, audit: rec, lg: lg.With("service", "incident"), now: func() time.Time { return time.Now().UTC() }}
}

type ReportInput struct {
	DocumentID string
	Reason     string
	Details    string
}

func (s *Service) Report(ctx context.Context, actor auth.Actor, in ReportInput) (*models.IncidentReport, error) {
	reason := strings.TrimSpace(in.Reason)
	if reason == "" {
		return nil, apperr.New(apperr.ErrValidation, "a reason is required")
	}
	rep := models.IncidentReport{
		Timestamp:        s.now(),
		ReportedByUserID: actor.UserID,
		ReportedByEmail:  actor.Email,
		Reason:           reason,
		Details:          strings.TrimSpace(in.Details),
		Status:           models.IncidentPending,
	}
	if in.DocumentID != "" {
		if err := s.requireVisible(ctx, actor, in.DocumentID); err != nil {
			return nil, err
		}
		rep.DocumentID = &in.DocumentID
	}
	if err := s.db.WithContext(ctx).Create(&rep).Error; err != nil {
		return nil, database.Translate(err, "incident report")
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:     actor.UserID,
		UserEmail:  actor.Email,
		EventType:  audit.IncidentReported,
		Details:    map[string]any{"reason": reason, "incident_id": rep.ID},
		IPAddress:  actor.IP,
		DocumentID: in.DocumentID,
	})
	return &rep, nil
}

// requireVisible lets the owner, an administrator or a signer of the document
// through. Everyone else sees the same not-found as for a missing document.
func (s *Service) requireVisible(ctx context.Context, actor auth.Actor, documentID string) error {
	notFound := apperr.New(apperr.ErrNotFound, "document not found")
	var doc models.Document
	err := s.db.WithContext(ctx).Select("id", "owner_id").First(&doc, "id = ?", documentID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return notFound
	}
	if err != nil {
		return err
	}
	if actor.IsAdmin() || doc.OwnerID == actor.UserID {
		return nil
	}
	var n int64
	err = s.db.WithContext(ctx).Model(&models.SignatureRequest{}).
		Where("document_id = ? AND LOWER(signer_email) = ?", documentID, util.NormalizeEmail(actor.Email)).
		Count(&n).Error
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound
	}
	return nil
}

// List returns reports newest first, optionally only those in status.
func (s *Service) List(ctx context.Context, status string) ([]models.IncidentReport, error) {
	q := s.db.WithContext(ctx)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	out := []models.IncidentReport{}
	if err := q.Order("timestamp desc").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) Resolve(ctx context.Context, actor auth.Actor, id string, confirm bool) (*models.IncidentReport, error) {
	if err := apperr.RequireConfirmation(confirm, "resolving an incident"); err != nil {
		return nil, err
	}
	now := s.now()
	res := s.db.WithContext(ctx).Model(&models.IncidentReport{}).
		Where("id = ? AND status = ?", id, models.IncidentPending).
		Updates(map[string]any{"status": models.IncidentResolved, "resolved_by_user_id": actor.UserID, "resolved_at": now})
	if res.Error != nil {
		return nil, res.Error
	}
	var rep models.IncidentReport
	if err := s.db.WithContext(ctx).First(&rep, "id = ?", id).Error; err != nil {
		return nil, database.Translate(err, "incident report")
	}
	if res.RowsAffected == 0 {
		return nil, apperr.New(apperr.ErrInvalidTransition, "the incident is already resolved")
	}
	s.audit.Record(ctx, audit.Entry{
		UserID:     actor.UserID,
		UserEmail:  actor.Email,
		EventType:  audit.IncidentResolved,
		Details:    map[string]any{"status": string(models.IncidentResolved), "incident_id": rep.ID},
		IPAddress:  actor.IP,
		DocumentID: deref(rep.DocumentID),
	})
	return &rep, nil
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
