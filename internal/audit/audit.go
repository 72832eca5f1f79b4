// Package audit appends and reads back the audit trail.
//
// Writes are best effort: Record runs after the mutation it describes has
// succeeded and never reports failure to its caller. A failed insert is
// logged and counted under audit_write_failures.
package audit

import (
	"context"
	"encoding/json"
	"strings"
	"time"
	"unicode"

	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"signportal/internal/metrics"
	"signportal/internal/models"
)

const (
	LoginFailed          = "LOGIN_FAILED"
	LoginSucceeded       = "LOGIN_SUCCEEDED"
	UserRegistered       = "USER_REGISTERED"
	EmailVerified        = "EMAIL_VERIFIED"
	PasswordChanged      = "PASSWORD_CHANGED"
	MFAEnabled           = "MFA_ENABLED"
	MFADisabled          = "MFA_DISABLED"
	UserBlocked          = "USER_BLOCKED"
	UserUnblocked        = "USER_UNBLOCKED"
	DocumentUploaded     = "DOCUMENT_UPLOADED"
	DocumentVersionAdded = "DOCUMENT_VERSION_UPLOADED"
	DocumentCancelled    = "DOCUMENT_CANCELLED"
	DocumentDeleted      = "DOCUMENT_DELETED"
	RequestSent          = "SIGNATURE_REQUEST_SENT"
	DocumentSigned       = "DOCUMENT_SIGNED"
	RequestDeclined      = "SIGNATURE_REQUEST_DECLINED"
	RequestCancelled     = "SIGNATURE_REQUEST_CANCELLED"
	RequestExpired       = "SIGNATURE_REQUEST_EXPIRED"
	IncidentReported     = "INCIDENT_REPORTED"
	IncidentResolved     = "INCIDENT_RESOLVED"
	RecordUpdated        = "ADMIN_RECORD_UPDATED"
	RecordDeleted        = "ADMIN_RECORD_DELETED"
)

type Entry struct {
	UserID             string
	UserEmail          string
	EventType          string
	Details            map[string]any
	IPAddress          string
	DocumentID         string
	DocumentVersionID  string
	SignatureRequestID string
}

type Recorder struct {
	db      *gorm.DB
	lg      *zap.SugaredLogger
	metrics *metrics.Collector
	now     func() time.Time
}

func NewRecorder(db *gorm.DB, lg *zap.SugaredLogger, m *metrics.Collector) *Recorder {
	return &Recorder{db: db, lg: lg.With("component", "audit"), metrics: m, now: time.Now}
}

// Record appends e. It never fails from the caller's point of view.
func (r *Recorder) Record(ctx context.Context, e Entry) {
	details := e.Details
	if details == nil {
		details = map[string]any{}
	}
	b, err := json.Marshal(details)
	if err != nil {
		r.fail(e, err)
		return
	}
	row := models.AuditLog{
		Timestamp:          r.now().UTC(),
		UserID:             optional(e.UserID),
		UserEmail:          e.UserEmail,
		EventType:          NormalizeEventType(e.EventType),
		Details:            datatypes.JSON(b),
		IPAddress:          e.IPAddress,
		DocumentID:         optional(e.DocumentID),
		DocumentVersionID:  optional(e.DocumentVersionID),
		SignatureRequestID: optional(e.SignatureRequestID),
	}
	// The caller's context may already be cancelled by the time the primary
	// mutation returned; the entry is still worth writing.
	if err := r.db.WithContext(context.WithoutCancel(ctx)).Create(&row).Error; err != nil {
		r.fail(e, err)
	}
}

func (r *Recorder) fail(e Entry, err error) {
	r.metrics.Inc("audit_write_failures", "event_type", e.EventType)
	r.lg.Errorw("audit write failed", "event_type", e.EventType, "user_id", e.UserID,
		"document_id", e.DocumentID, "signature_request_id", e.SignatureRequestID, "error", err)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// NormalizeEventType upper-cases the tag and folds anything that is not a
// letter or digit into single underscores.
func NormalizeEventType(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	out := strings.TrimRight(b.String(), "_")
	if out == "" {
		return "UNKNOWN"
	}
	return out
}
