// Package admin is the administrator's toolbox: a typed record editor over
// the main tables, user blocking and platform statistics.
package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/models"
	"signportal/internal/storage"
	"signportal/internal/throttle"
	"signportal/internal/util"
)

type Service struct {
	db    *gorm.DB
	blobs storage.Blobs
	guard *throttle.Guard
	audit *audit.Recorder
	lg    *zap.SugaredLogger
	now   func() time.Time

	blockThreshold int
}

type Deps struct {
	DB    *gorm.DB
	Blobs storage.Blobs
	// Guard, when set, has its throttle state cleared on unblock.
	Guard  *throttle.Guard
	Audit  *audit.Recorder
	Logger *zap.SugaredLogger
	// BlockThreshold is the failure count that must keep an account blocked.
	BlockThreshold int
}

const defaultBlockThreshold = 10

func New(d Deps) *Service {
	s := &Service{
		db:    d.DB,
		blobs: d.Blobs,
		guard: d.Guard,
		audit: d.Audit,
		lg:    d.Logger.With("service", "admin"),
		now:   func() time.Time { return time.Now().UTC() },

		blockThreshold: d.BlockThreshold,
	}
	if s.blockThreshold <= 0 {
		s.blockThreshold = defaultBlockThreshold
	}
	return s
}

type Records struct {
	Entity   Entity `json:"entity"`
	Rows     any    `json:"rows"`
	Total    int64  `json:"total"`
	Page     int    `json:"page"`
	PageSize int    `json:"page_size"`
}

func (s *Service) ListRecords(ctx context.Context, table string, page, pageSize int) (*Records, error) {
	e, err := lookup(table)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 || pageSize > 200 {
		pageSize = 50
	}
	var total int64
	if err := s.db.WithContext(ctx).Model(e.newRow()).Count(&total).Error; err != nil {
		return nil, err
	}
	rows := e.newRows()
	err = s.db.WithContext(ctx).Order(e.order).Limit(pageSize).Offset((page - 1) * pageSize).Find(rows).Error
	if err != nil {
		return nil, err
	}
	return &Records{Entity: e, Rows: rows, Total: total, Page: page, PageSize: pageSize}, nil
}

func (s *Service) load(ctx context.Context, e Entity, id string) (any, error) {
	row := e.newRow()
	if err := s.db.WithContext(ctx).First(row, "id = ?", id).Error; err != nil {
		return nil, database.Translate(err, "record")
	}
	return row, nil
}

// Change is one field's before and after value.
type Change struct {
	Old any `json:"old"`
	New any `json:"new"`
}

// UpdateRecord applies the editable subset of input to a row. Unknown or
// read-only fields are rejected as a whole. Fields whose value does not
// change are dropped; an update with nothing left is not recorded.
func (s *Service) UpdateRecord(ctx context.Context, actor auth.Actor, table, id string, input map[string]any) (any, map[string]Change, error) {
	e, err := lookup(table)
	if err != nil {
		return nil, nil, err
	}
	if len(input) == 0 {
		return nil, nil, apperr.New(apperr.ErrValidation, "no fields to update")
	}
	row, err := s.load(ctx, e, id)
	if err != nil {
		return nil, nil, err
	}
	current, err := asMap(row)
	if err != nil {
		return nil, nil, err
	}

	names := make([]string, 0, len(input))
	for name := range input {
		names = append(names, name)
	}
	sort.Strings(names)
	updates := map[string]any{}
	changes := map[string]Change{}
	for _, name := range names {
		f, ok := e.field(name)
		if !ok {
			return nil, nil, apperr.Newf(apperr.ErrValidation, "%s is not an editable field of %s", name, table)
		}
		next, err := coerce(f, input[name])
		if err != nil {
			return nil, nil, err
		}
		old := zeroIfNil(f, current[name])
		if sameJSON(old, next) {
			continue
		}
		updates[name] = next
		changes[name] = Change{Old: old, New: next}
	}
	if len(updates) == 0 {
		return row, changes, nil
	}
	if err := s.guardSelf(actor, table, id, updates); err != nil {
		return nil, nil, err
	}
	if e.adjust != nil {
		env := editEnv{actor: actor, now: s.now(), blockThreshold: s.blockThreshold}
		if err := e.adjust(row, updates, env); err != nil {
			return nil, nil, err
		}
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(row).Updates(updates).Error; err != nil {
			return err
		}
		if b, ok := updates["blocked"].(bool); ok && b && table == "users" {
			return revokeSessions(tx, id, s.now())
		}
		return nil
	})
	if err != nil {
		return nil, nil, database.Translate(err, "record")
	}
	if b, ok := updates["blocked"].(bool); ok && !b && table == "users" {
		s.clearThrottle(ctx, row.(*models.User).Email)
	}
	row, err = s.load(ctx, e, id)
	if err != nil {
		return nil, nil, err
	}
	docID, reqID := e.refs(row)
	s.audit.Record(ctx, audit.Entry{
		UserID:             actor.UserID,
		UserEmail:          actor.Email,
		EventType:          audit.RecordUpdated,
		Details:            map[string]any{"table": table, "record_id": id, "changes": changes},
		IPAddress:          actor.IP,
		DocumentID:         docID,
		SignatureRequestID: reqID,
	})
	return row, changes, nil
}

// guardSelf stops an administrator from locking themselves out.
func (s *Service) guardSelf(actor auth.Actor, table, id string, updates map[string]any) error {
	if table != "users" || id != actor.UserID {
		return nil
	}
	if role, ok := updates["role"]; ok && role != models.RoleAdmin {
		return apperr.New(apperr.ErrValidation, "you cannot remove your own administrator role")
	}
	if b, ok := updates["blocked"].(bool); ok && b {
		return apperr.New(apperr.ErrValidation, "you cannot block yourself")
	}
	return nil
}

// DeleteRecord removes a row. Documents take their versions, requests and
// stored files with them; users who still own documents cannot be deleted.
func (s *Service) DeleteRecord(ctx context.Context, actor auth.Actor, table, id string, confirm bool) error {
	if err := apperr.RequireConfirmation(confirm, "deleting a record"); err != nil {
		return err
	}
	e, err := lookup(table)
	if err != nil {
		return err
	}
	row, err := s.load(ctx, e, id)
	if err != nil {
		return err
	}
	var blobs []string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		switch table {
		case "users":
			if id == actor.UserID {
				return apperr.New(apperr.ErrValidation, "you cannot delete your own account")
			}
			var owned int64
			if err := tx.Model(&models.Document{}).Where("owner_id = ?", id).Count(&owned).Error; err != nil {
				return err
			}
			if owned > 0 {
				return apperr.Newf(apperr.ErrConflict, "the user still owns %d documents", owned)
			}
			if err := tx.Where("user_id = ?", id).Delete(&models.Session{}).Error; err != nil {
				return err
			}
		case "documents":
			paths, err := documentBlobs(tx, id)
			if err != nil {
				return err
			}
			blobs = paths
			if err := tx.Where("document_id = ?", id).Delete(&models.SignatureRequest{}).Error; err != nil {
				return err
			}
			if err := tx.Where("document_id = ?", id).Delete(&models.DocumentVersion{}).Error; err != nil {
				return err
			}
		}
		return tx.Delete(e.newRow(), "id = ?", id).Error
	})
	if err != nil {
		return database.Translate(err, "record")
	}
	for _, key := range blobs {
		if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
			s.lg.Errorw("orphaned blob left behind", "key", key, "error", err)
		}
	}
	docID, reqID := e.refs(row)
	s.audit.Record(ctx, audit.Entry{
		UserID:             actor.UserID,
		UserEmail:          actor.Email,
		EventType:          audit.RecordDeleted,
		Details:            map[string]any{"table": table, "record_id": id, "deleted_data": row},
		IPAddress:          actor.IP,
		DocumentID:         docID,
		SignatureRequestID: reqID,
	})
	return nil
}

func documentBlobs(tx *gorm.DB, documentID string) ([]string, error) {
	var paths []string
	if err := tx.Model(&models.DocumentVersion{}).Where("document_id = ?", documentID).Pluck("file_path", &paths).Error; err != nil {
		return nil, err
	}
	var sigs []string
	err := tx.Model(&models.SignatureRequest{}).
		Where("document_id = ? AND signature_data_path <> ''", documentID).
		Pluck("signature_data_path", &sigs).Error
	if err != nil {
		return nil, err
	}
	return append(paths, sigs...), nil
}

func (s *Service) ListUsers(ctx context.Context, search string) ([]models.User, error) {
	q := s.db.WithContext(ctx)
	if search = strings.ToLower(strings.TrimSpace(search)); search != "" {
		like := util.ContainsPattern(search)
		q = q.Where(`LOWER(email) LIKE ? ESCAPE '\' OR LOWER(full_name) LIKE ? ESCAPE '\'`, like, like)
	}
	users := []models.User{}
	if err := q.Order("created_at desc").Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

// BlockUser sets the persistent block. The login throttle consults it on
// every attempt.
func (s *Service) BlockUser(ctx context.Context, actor auth.Actor, userID string, confirm bool) (*models.User, error) {
	if err := apperr.RequireConfirmation(confirm, "blocking a user"); err != nil {
		return nil, err
	}
	if userID == actor.UserID {
		return nil, apperr.New(apperr.ErrValidation, "you cannot block yourself")
	}
	return s.setBlocked(ctx, actor, userID, true)
}

// UnblockUser lifts the block and zeroes the failure counter.
func (s *Service) UnblockUser(ctx context.Context, actor auth.Actor, userID string) (*models.User, error) {
	return s.setBlocked(ctx, actor, userID, false)
}

func (s *Service) setBlocked(ctx context.Context, actor auth.Actor, userID string, blocked bool) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		return nil, database.Translate(err, "user")
	}
	if u.Blocked == blocked {
		return nil, apperr.Newf(apperr.ErrInvalidTransition, "the user is already %s", blockWord(blocked))
	}
	updates := map[string]any{"blocked": blocked}
	if !blocked {
		updates["failed_login_attempts"] = 0
		updates["last_failed_login_at"] = nil
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&u).Updates(updates).Error; err != nil {
			return err
		}
		if blocked {
			return revokeSessions(tx, u.ID, s.now())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	event := audit.UserBlocked
	if !blocked {
		event = audit.UserUnblocked
		u.FailedLoginAttempts = 0
		u.LastFailedLoginAt = nil
		s.clearThrottle(ctx, u.Email)
	}
	u.Blocked = blocked
	s.audit.Record(ctx, audit.Entry{
		UserID:    actor.UserID,
		UserEmail: actor.Email,
		EventType: event,
		Details:   map[string]any{"status": blockWord(blocked), "target_user_id": u.ID, "target_email": u.Email},
		IPAddress: actor.IP,
	})
	return &u, nil
}

// revokeSessions ends every open session of a user.
func revokeSessions(tx *gorm.DB, userID string, now time.Time) error {
	return tx.Model(&models.Session{}).
		Where("user_id = ? AND revoked_at IS NULL", userID).
		Update("revoked_at", now).Error
}

func (s *Service) clearThrottle(ctx context.Context, email string) {
	if s.guard == nil {
		return
	}
	if err := s.guard.RecordSuccess(ctx, email); err != nil {
		s.lg.Errorw("throttle state not cleared", "email", email, "error", err)
	}
}

func blockWord(blocked bool) string {
	if blocked {
		return "blocked"
	}
	return "unblocked"
}

type Stats struct {
	Users         int64            `json:"users"`
	BlockedUsers  int64            `json:"blocked_users"`
	Documents     map[string]int64 `json:"documents"`
	Requests      map[string]int64 `json:"signature_requests"`
	OpenIncidents int64            `json:"open_incidents"`
}

func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	db := s.db.WithContext(ctx)
	st := &Stats{}
	if err := db.Model(&models.User{}).Count(&st.Users).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&models.User{}).Where("blocked = ?", true).Count(&st.BlockedUsers).Error; err != nil {
		return nil, err
	}
	var err error
	if st.Documents, err = countByStatus(db, &models.Document{}); err != nil {
		return nil, err
	}
	if st.Requests, err = countByStatus(db, &models.SignatureRequest{}); err != nil {
		return nil, err
	}
	err = db.Model(&models.IncidentReport{}).Where("status = ?", models.IncidentPending).Count(&st.OpenIncidents).Error
	if err != nil {
		return nil, err
	}
	return st, nil
}

func countByStatus(db *gorm.DB, model any) (map[string]int64, error) {
	var rows []struct {
		Status string
		N      int64
	}
	if err := db.Model(model).Select("status, COUNT(*) AS n").Group("status").Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Status] = r.N
	}
	return out, nil
}

func asMap(row any) (map[string]any, error) {
	b, err := json.Marshal(row)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func zeroIfNil(f Field, v any) any {
	if v != nil {
		if n, ok := v.(float64); ok && f.Type == FieldInt {
			return int64(n)
		}
		return v
	}
	switch f.Type {
	case FieldBool:
		return false
	case FieldInt:
		return int64(0)
	default:
		return ""
	}
}

func sameJSON(a, b any) bool {
	x, err1 := json.Marshal(a)
	y, err2 := json.Marshal(b)
	return errors.Join(err1, err2) == nil && bytes.Equal(x, y)
}
