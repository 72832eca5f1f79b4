// Package signing owns documents, their versions and the signature request
// lifecycle.
//
// Request states: pending -> signed | declined | cancelled | expired | void.
// Every state other than pending is terminal. Status changes are issued as
// conditional updates on the expected prior status so two actors racing on
// the same request cannot both win.
package signing

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/geo"
	"signportal/internal/metrics"
	"signportal/internal/models"
	"signportal/internal/storage"
)

type Service struct {
	db      *gorm.DB
	blobs   storage.Blobs
	geo     geo.Lookuper
	audit   *audit.Recorder
	metrics *metrics.Collector
	lg      *zap.SugaredLogger
	baseURL string
	now     func() time.Time
}

type Deps struct {
	DB      *gorm.DB
	Blobs   storage.Blobs
	Geo     geo.Lookuper
	Audit   *audit.Recorder
	Metrics *metrics.Collector
	Logger  *zap.SugaredLogger
	// PublicBaseURL prefixes the signing links handed to signers.
	PublicBaseURL string
}

func New(d Deps) *Service {
	return &Service{
		db:      d.DB,
		blobs:   d.Blobs,
		geo:     d.Geo,
		audit:   d.Audit,
		metrics: d.Metrics,
		lg:      d.Logger.With("service", "signing"),
		baseURL: strings.TrimRight(d.PublicBaseURL, "/"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) loadDocument(ctx context.Context, db *gorm.DB, id string) (*models.Document, error) {
	var doc models.Document
	if err := db.WithContext(ctx).First(&doc, "id = ?", id).Error; err != nil {
		return nil, database.Translate(err, "document")
	}
	return &doc, nil
}

func (s *Service) loadRequest(ctx context.Context, id string) (*models.SignatureRequest, error) {
	var req models.SignatureRequest
	if err := s.db.WithContext(ctx).First(&req, "id = ?", id).Error; err != nil {
		return nil, database.Translate(err, "signature request")
	}
	return &req, nil
}

func requireOwner(actor auth.Actor, doc *models.Document) error {
	if actor.UserID == "" || doc.OwnerID != actor.UserID {
		return apperr.New(apperr.ErrForbidden, "only the document owner can do this")
	}
	return nil
}

func requireSigner(actor auth.Actor, req *models.SignatureRequest) error {
	if actor.Email == "" || !strings.EqualFold(req.SignerEmail, actor.Email) {
		return apperr.New(apperr.ErrForbidden, "only the named signer can act on this request")
	}
	return nil
}

func isCancellable(st models.RequestStatus) bool {
	for _, c := range models.Cancellable {
		if st == c {
			return true
		}
	}
	return false
}

func (s *Service) record(ctx context.Context, actor auth.Actor, event string, details map[string]any, docID, versionID, requestID string) {
	s.audit.Record(ctx, audit.Entry{
		UserID:             actor.UserID,
		UserEmail:          actor.Email,
		EventType:          event,
		Details:            details,
		IPAddress:          actor.IP,
		DocumentID:         docID,
		DocumentVersionID:  versionID,
		SignatureRequestID: requestID,
	})
}

func deref(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
