package admin

import (
	"fmt"
	"math"
	"strings"
	"time"

	"signportal/internal/apperr"
	"signportal/internal/auth"
	"signportal/internal/models"
)

type FieldType string

const (
	FieldString FieldType = "string"
	FieldText   FieldType = "text"
	FieldBool   FieldType = "bool"
	FieldInt    FieldType = "int"
	FieldEnum   FieldType = "enum"
)

// Field is one editable column. Columns not listed are read-only.
type Field struct {
	Name    string    `json:"name"`
	Type    FieldType `json:"type"`
	Options []string  `json:"options,omitempty"`
}

// Entity is one table exposed to the record editor.
type Entity struct {
	Table  string  `json:"table"`
	Fields []Field `json:"fields"`

	order   string
	newRow  func() any
	newRows func() any
	// refs returns the document and signature request a row belongs to.
	refs func(row any) (documentID, requestID string)
	// adjust may add columns to an update or reject it.
	adjust func(row any, updates map[string]any, env editEnv) error
}

// editEnv is what an adjust hook may consult besides the row itself.
type editEnv struct {
	actor          auth.Actor
	now            time.Time
	blockThreshold int
}

func (e Entity) field(name string) (Field, bool) {
	for _, f := range e.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

var entities = map[string]Entity{
	"users": {
		Table: "users",
		Fields: []Field{
			{Name: "full_name", Type: FieldString},
			{Name: "title", Type: FieldString},
			{Name: "department", Type: FieldString},
			{Name: "role", Type: FieldEnum, Options: []string{models.RoleUser, models.RoleAdmin}},
			{Name: "is_verified", Type: FieldBool},
			{Name: "blocked", Type: FieldBool},
			{Name: "failed_login_attempts", Type: FieldInt},
		},
		order:   "created_at desc",
		newRow:  func() any { return &models.User{} },
		newRows: func() any { return &[]models.User{} },
		refs:    func(any) (string, string) { return "", "" },
		adjust:  adjustUserBlock,
	},
	"documents": {
		Table: "documents",
		Fields: []Field{
			{Name: "title", Type: FieldString},
			{Name: "description", Type: FieldText},
			{Name: "status", Type: FieldEnum, Options: []string{
				string(models.DocumentDraft), string(models.DocumentPendingSignature),
				string(models.DocumentSigned), string(models.DocumentCancelled),
			}},
		},
		order:   "updated_at desc",
		newRow:  func() any { return &models.Document{} },
		newRows: func() any { return &[]models.Document{} },
		refs:    func(row any) (string, string) { return row.(*models.Document).ID, "" },
	},
	"incident_reports": {
		Table: "incident_reports",
		Fields: []Field{
			{Name: "reason", Type: FieldString},
			{Name: "details", Type: FieldText},
			{Name: "status", Type: FieldEnum, Options: []string{string(models.IncidentPending), string(models.IncidentResolved)}},
		},
		order:   "timestamp desc",
		newRow:  func() any { return &models.IncidentReport{} },
		newRows: func() any { return &[]models.IncidentReport{} },
		refs: func(row any) (string, string) {
			if id := row.(*models.IncidentReport).DocumentID; id != nil {
				return *id, ""
			}
			return "", ""
		},
		adjust: func(row any, updates map[string]any, env editEnv) error {
			switch updates["status"] {
			case string(models.IncidentResolved):
				updates["resolved_by_user_id"] = env.actor.UserID
				updates["resolved_at"] = env.now
			case string(models.IncidentPending):
				updates["resolved_by_user_id"] = nil
				updates["resolved_at"] = nil
			}
			return nil
		},
	},
	"signature_requests": {
		Table: "signature_requests",
		Fields: []Field{
			{Name: "status", Type: FieldEnum, Options: []string{
				string(models.RequestPending), string(models.RequestSigned), string(models.RequestDeclined),
				string(models.RequestCancelled), string(models.RequestExpired), string(models.RequestVoid),
			}},
			{Name: "decline_reason", Type: FieldText},
		},
		order:   "requested_at desc",
		newRow:  func() any { return &models.SignatureRequest{} },
		newRows: func() any { return &[]models.SignatureRequest{} },
		refs: func(row any) (string, string) {
			r := row.(*models.SignatureRequest)
			return r.DocumentID, r.ID
		},
		adjust: adjustRequestStatus,
	},
}

// adjustUserBlock keeps the failure counter consistent with the block flag:
// lifting a block zeroes the counter, and a counter at the threshold cannot
// sit on an unblocked account.
func adjustUserBlock(row any, updates map[string]any, env editEnv) error {
	u := row.(*models.User)
	blocked := u.Blocked
	if b, ok := updates["blocked"].(bool); ok {
		blocked = b
	}
	if u.Blocked && !blocked {
		if _, set := updates["failed_login_attempts"]; !set {
			updates["failed_login_attempts"] = int64(0)
		}
		updates["last_failed_login_at"] = nil
	}
	attempts := int64(u.FailedLoginAttempts)
	if n, ok := updates["failed_login_attempts"].(int64); ok {
		attempts = n
	}
	if !blocked && env.blockThreshold > 0 && attempts >= int64(env.blockThreshold) {
		return apperr.Newf(apperr.ErrValidation, "an account with %d or more failed logins must stay blocked", env.blockThreshold)
	}
	return nil
}

// adjustRequestStatus keeps the terminal timestamp in step with the status
// and refuses to reopen a terminal request.
func adjustRequestStatus(row any, updates map[string]any, env editEnv) error {
	now := env.now
	next, ok := updates["status"].(string)
	if !ok {
		return nil
	}
	r := row.(*models.SignatureRequest)
	if r.Status != models.RequestPending {
		return apperr.Newf(apperr.ErrInvalidTransition, "a %s signature request cannot change status", r.Status)
	}
	switch models.RequestStatus(next) {
	case models.RequestSigned:
		updates["signed_at"] = now
	case models.RequestDeclined:
		updates["declined_at"] = now
	case models.RequestCancelled:
		updates["cancelled_at"] = now
		updates["cancelled_by_user_id"] = env.actor.UserID
	case models.RequestExpired:
		updates["expired_at"] = now
	case models.RequestVoid:
		updates["voided_at"] = now
	}
	return nil
}

// Entities lists the editable tables in a stable order.
func Entities() []Entity {
	out := make([]Entity, 0, len(entities))
	for _, name := range []string{"users", "documents", "incident_reports", "signature_requests"} {
		out = append(out, entities[name])
	}
	return out
}

func lookup(table string) (Entity, error) {
	e, ok := entities[table]
	if !ok {
		return Entity{}, apperr.Newf(apperr.ErrNotFound, "unknown table %q", table)
	}
	return e, nil
}

// coerce converts a decoded JSON value to the field's type.
func coerce(f Field, v any) (any, error) {
	switch f.Type {
	case FieldString, FieldText:
		s, ok := v.(string)
		if !ok {
			return nil, fieldErr(f, "a string")
		}
		if f.Type == FieldString {
			s = strings.TrimSpace(s)
		}
		return s, nil
	case FieldBool:
		b, ok := v.(bool)
		if !ok {
			return nil, fieldErr(f, "true or false")
		}
		return b, nil
	case FieldInt:
		n, ok := v.(float64)
		if !ok || n != math.Trunc(n) || n < 0 {
			return nil, fieldErr(f, "a non-negative whole number")
		}
		return int64(n), nil
	case FieldEnum:
		s, ok := v.(string)
		if ok {
			for _, o := range f.Options {
				if s == o {
					return s, nil
				}
			}
		}
		return nil, fieldErr(f, "one of "+strings.Join(f.Options, ", "))
	}
	return nil, fmt.Errorf("admin: field %s has unknown type %q", f.Name, f.Type)
}

func fieldErr(f Field, want string) error {
	return apperr.Newf(apperr.ErrValidation, "%s must be %s", f.Name, want)
}
