package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

type DocumentStatus string

const (
	DocumentDraft            DocumentStatus = "draft"
	DocumentPendingSignature DocumentStatus = "pending_signature"
	DocumentSigned           DocumentStatus = "signed"
	DocumentCancelled        DocumentStatus = "cancelled"
)

type RequestStatus string

const (
	RequestPending   RequestStatus = "pending"
	RequestSigned    RequestStatus = "signed"
	RequestDeclined  RequestStatus = "declined"
	RequestCancelled RequestStatus = "cancelled"
	RequestExpired   RequestStatus = "expired"
	RequestVoid      RequestStatus = "void"
)

// Cancellable lists the request statuses an owner may still cancel or a new
// version may still void.
var Cancellable = []RequestStatus{RequestPending, RequestDeclined, RequestExpired}

type IncidentStatus string

const (
	IncidentPending  IncidentStatus = "pending"
	IncidentResolved IncidentStatus = "resolved"
)

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

type User struct {
	ID                  string     `gorm:"type:uuid;primaryKey" json:"id"`
	Email               string     `gorm:"uniqueIndex;not null" json:"email"`
	PasswordHash        string     `gorm:"not null" json:"-"`
	FullName            string     `json:"full_name"`
	Title               string     `json:"title"`
	Department          string     `json:"department"`
	Role                string     `gorm:"not null;default:user" json:"role"`
	IsVerified          bool       `gorm:"not null;default:false" json:"is_verified"`
	IsTOTPEnabled       bool       `gorm:"column:is_totp_enabled;not null;default:false" json:"is_totp_enabled"`
	TOTPSecret          string     `gorm:"column:totp_secret" json:"-"`
	FailedLoginAttempts int        `gorm:"not null;default:0" json:"failed_login_attempts"`
	Blocked             bool       `gorm:"not null;default:false" json:"blocked"`
	LastFailedLoginAt   *time.Time `json:"last_failed_login_at,omitempty"`
	VerificationToken   string     `gorm:"index" json:"-"`
	VerificationSentAt  *time.Time `json:"-"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

func (u *User) BeforeCreate(*gorm.DB) error { newID(&u.ID); return nil }

func (u User) IsAdmin() bool { return u.Role == RoleAdmin }

type Document struct {
	ID                       string         `gorm:"type:uuid;primaryKey" json:"id"`
	OwnerID                  string         `gorm:"type:uuid;index;not null" json:"owner_id"`
	Title                    string         `gorm:"not null" json:"title"`
	Description              string         `json:"description"`
	Status                   DocumentStatus `gorm:"not null;default:draft;index" json:"status"`
	LatestVersionNumber      int            `gorm:"not null;default:0" json:"latest_version_number"`
	CurrentDocumentVersionID *string        `gorm:"type:uuid" json:"current_document_version_id,omitempty"`
	OriginalHash             string         `json:"original_hash"`
	CreatedAt                time.Time      `json:"created_at"`
	UpdatedAt                time.Time      `json:"updated_at"`
}

func (d *Document) BeforeCreate(*gorm.DB) error { newID(&d.ID); return nil }

type DocumentVersion struct {
	ID                   string    `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID           string    `gorm:"type:uuid;not null;uniqueIndex:idx_document_version" json:"document_id"`
	VersionNumber        int       `gorm:"not null;uniqueIndex:idx_document_version" json:"version_number"`
	FilePath             string    `gorm:"not null" json:"file_path"`
	FileName             string    `gorm:"not null" json:"file_name"`
	FileType             string    `json:"file_type"`
	FileSize             int64     `json:"file_size"`
	FileHash             string    `json:"file_hash"`
	CreatedByUserID      string    `gorm:"type:uuid;not null" json:"created_by_user_id"`
	DescriptionOfChanges string    `json:"description_of_changes"`
	IsSignedVersion      bool      `gorm:"not null;default:false" json:"is_signed_version"`
	CreatedAt            time.Time `json:"created_at"`
}

func (v *DocumentVersion) BeforeCreate(*gorm.DB) error { newID(&v.ID); return nil }

// SignatureRequest rows are unique per (document, version, signer) among the
// rows that are neither cancelled nor void.
type SignatureRequest struct {
	ID                string         `gorm:"type:uuid;primaryKey" json:"id"`
	DocumentID        string         `gorm:"type:uuid;not null;index;uniqueIndex:idx_signature_request_active,where:status <> 'cancelled' AND status <> 'void'" json:"document_id"`
	DocumentVersionID string         `gorm:"type:uuid;not null;index;uniqueIndex:idx_signature_request_active,where:status <> 'cancelled' AND status <> 'void'" json:"document_version_id"`
	SignerEmail       string         `gorm:"not null;index;uniqueIndex:idx_signature_request_active,where:status <> 'cancelled' AND status <> 'void'" json:"signer_email"`
	SignerID          *string        `gorm:"type:uuid" json:"signer_id,omitempty"`
	Status            RequestStatus  `gorm:"not null;default:pending;index" json:"status"`
	RequestedAt       time.Time      `gorm:"not null" json:"requested_at"`
	SignedAt          *time.Time     `json:"signed_at,omitempty"`
	DeclinedAt        *time.Time     `json:"declined_at,omitempty"`
	DeclineReason     string         `json:"decline_reason,omitempty"`
	CancelledAt       *time.Time     `json:"cancelled_at,omitempty"`
	CancelledByUserID *string        `gorm:"type:uuid" json:"cancelled_by_user_id,omitempty"`
	ExpiredAt         *time.Time     `json:"expired_at,omitempty"`
	VoidedAt          *time.Time     `json:"voided_at,omitempty"`
	SignerIPAddress   string         `json:"signer_ip_address,omitempty"`
	SignerUserAgent   string         `json:"signer_user_agent,omitempty"`
	SigningLocation   datatypes.JSON `json:"signing_location,omitempty"`
	SigningURL        string         `json:"signing_url"`
	SignatureDataPath string         `json:"signature_data_path,omitempty"`
}

func (r *SignatureRequest) BeforeCreate(*gorm.DB) error { newID(&r.ID); return nil }

type IncidentReport struct {
	ID               string         `gorm:"type:uuid;primaryKey" json:"id"`
	Timestamp        time.Time      `gorm:"not null;index" json:"timestamp"`
	ReportedByUserID string         `gorm:"type:uuid;not null" json:"reported_by_user_id"`
	ReportedByEmail  string         `gorm:"not null" json:"reported_by_email"`
	DocumentID       *string        `gorm:"type:uuid" json:"document_id,omitempty"`
	Reason           string         `gorm:"not null" json:"reason"`
	Details          string         `json:"details"`
	Status           IncidentStatus `gorm:"not null;default:pending;index" json:"status"`
	ResolvedByUserID *string        `gorm:"type:uuid" json:"resolved_by_user_id,omitempty"`
	ResolvedAt       *time.Time     `json:"resolved_at,omitempty"`
}

func (i *IncidentReport) BeforeCreate(*gorm.DB) error { newID(&i.ID); return nil }

// AuditLog is append-only.
type AuditLog struct {
	ID                 int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	Timestamp          time.Time      `gorm:"not null;index" json:"timestamp"`
	UserID             *string        `gorm:"type:uuid;index" json:"user_id,omitempty"`
	UserEmail          string         `gorm:"index" json:"user_email"`
	EventType          string         `gorm:"not null;index" json:"event_type"`
	Details            datatypes.JSON `json:"details"`
	IPAddress          string         `json:"ip_address,omitempty"`
	DocumentID         *string        `gorm:"type:uuid;index" json:"document_id,omitempty"`
	DocumentVersionID  *string        `gorm:"type:uuid" json:"document_version_id,omitempty"`
	SignatureRequestID *string        `gorm:"type:uuid" json:"signature_request_id,omitempty"`
}

type Session struct {
	JTI       string     `gorm:"primaryKey;size:64" json:"jti"`
	UserID    string     `gorm:"type:uuid;index;not null" json:"user_id"`
	ExpiresAt time.Time  `gorm:"not null" json:"expires_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

// All lists every table owned by this service in migration order.
func All() []any {
	return []any{
		&User{}, &Document{}, &DocumentVersion{}, &SignatureRequest{},
		&IncidentReport{}, &AuditLog{}, &Session{},
	}
}
