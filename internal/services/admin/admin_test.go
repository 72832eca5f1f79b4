package admin

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/logger"
	"signportal/internal/metrics"
	"signportal/internal/models"
	"signportal/internal/storage"
	"signportal/internal/throttle"
)

type fixture struct {
	svc   *Service
	db    *gorm.DB
	blobs *storage.FS
	guard *throttle.Guard
	admin auth.Actor
	user  models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	db, err := database.Open("sqlite", filepath.Join(dir, "admin.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	fs, err := storage.NewFS(storage.Options{Root: filepath.Join(dir, "blobs"), SigningKey: "k"})
	if err != nil {
		t.Fatalf("storage: %v", err)
	}
	f := &fixture{db: db, blobs: fs, guard: throttle.NewGuard(throttle.NewMemoryStore(), nil, throttle.WithLimit(3))}
	f.svc = New(Deps{
		DB:     db,
		Blobs:  fs,
		Guard:  f.guard,
		Audit:  audit.NewRecorder(db, logger.Nop(), metrics.NewCollector()),
		Logger: logger.Nop(),
	})
	root := models.User{Email: "root@x.com", PasswordHash: "x", Role: models.RoleAdmin, IsVerified: true}
	f.user = models.User{Email: "u@x.com", PasswordHash: "x", Role: models.RoleUser, FullName: "Una"}
	for _, u := range []*models.User{&root, &f.user} {
		if err := db.Create(u).Error; err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	f.admin = auth.Actor{UserID: root.ID, Email: root.Email, Role: models.RoleAdmin, IP: "192.0.2.1"}
	return f
}

func (f *fixture) auditDetails(t *testing.T, event string) map[string]any {
	t.Helper()
	var e models.AuditLog
	if err := f.db.Where("event_type = ?", event).Order("id desc").First(&e).Error; err != nil {
		t.Fatalf("audit %s: %v", event, err)
	}
	var m map[string]any
	if err := json.Unmarshal(e.Details, &m); err != nil {
		t.Fatalf("details: %v", err)
	}
	return m
}

func TestUpdateRecordDiffsAndAudits(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	row, changes, err := f.svc.UpdateRecord(ctx, f.admin, "users", f.user.ID, map[string]any{
		"full_name":             "Una Smith",
		"title":                 "",
		"failed_login_attempts": float64(3),
	})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if len(changes) != 2 {
		t.Fatalf("unchanged title should be dropped, got %v", changes)
	}
	if c := changes["full_name"]; c.Old != "Una" || c.New != "Una Smith" {
		t.Fatalf("unexpected change %+v", c)
	}
	if u := row.(*models.User); u.FullName != "Una Smith" || u.FailedLoginAttempts != 3 {
		t.Fatalf("row not updated: %+v", u)
	}
	d := f.auditDetails(t, audit.RecordUpdated)
	if d["table"] != "users" || d["record_id"] != f.user.ID {
		t.Fatalf("unexpected details %v", d)
	}
	ch := d["changes"].(map[string]any)["failed_login_attempts"].(map[string]any)
	if ch["old"] != float64(0) || ch["new"] != float64(3) {
		t.Fatalf("unexpected recorded change %v", ch)
	}
}

func TestUpdateRecordRejects(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	cases := []struct {
		table string
		id    string
		in    map[string]any
		want  error
	}{
		{"users", f.user.ID, map[string]any{"password_hash": "x"}, apperr.ErrValidation},
		{"users", f.user.ID, map[string]any{"role": "superuser"}, apperr.ErrValidation},
		{"users", f.user.ID, map[string]any{"blocked": "yes"}, apperr.ErrValidation},
		{"users", f.user.ID, map[string]any{"failed_login_attempts": 1.5}, apperr.ErrValidation},
		{"users", f.admin.UserID, map[string]any{"role": models.RoleUser}, apperr.ErrValidation},
		{"users", "missing", map[string]any{"title": "x"}, apperr.ErrNotFound},
		{"sessions", f.user.ID, map[string]any{"title": "x"}, apperr.ErrNotFound},
		{"users", f.user.ID, map[string]any{}, apperr.ErrValidation},
	}
	for i, tc := range cases {
		if _, _, err := f.svc.UpdateRecord(ctx, f.admin, tc.table, tc.id, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("case %d: expected %v, got %v", i, tc.want, err)
		}
	}
	var n int64
	f.db.Model(&models.AuditLog{}).Count(&n)
	if n != 0 {
		t.Fatalf("rejected updates must not be audited, got %d", n)
	}
}

func TestRequestStatusEditKeepsTimestampsInStep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := models.SignatureRequest{DocumentID: "d1", DocumentVersionID: "v1", SignerEmail: "s@x.com", Status: models.RequestPending, RequestedAt: time.Now()}
	if err := f.db.Create(&req).Error; err != nil {
		t.Fatalf("seed request: %v", err)
	}
	row, _, err := f.svc.UpdateRecord(ctx, f.admin, "signature_requests", req.ID, map[string]any{"status": "cancelled"})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	r := row.(*models.SignatureRequest)
	if r.Status != models.RequestCancelled || r.CancelledAt == nil || r.CancelledByUserID == nil {
		t.Fatalf("terminal fields not set: %+v", r)
	}
	_, _, err = f.svc.UpdateRecord(ctx, f.admin, "signature_requests", req.ID, map[string]any{"status": "pending"})
	if !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("reopening a terminal request should fail, got %v", err)
	}
	var e models.AuditLog
	f.db.Where("event_type = ?", audit.RecordUpdated).First(&e)
	if e.SignatureRequestID == nil || *e.SignatureRequestID != req.ID || e.DocumentID == nil || *e.DocumentID != "d1" {
		t.Fatalf("correlation ids missing: %+v", e)
	}
}

func TestDeleteDocumentRecordCascades(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := models.Document{OwnerID: f.user.ID, Title: "Lease"}
	f.db.Create(&doc)
	key := storage.VersionKey(f.user.ID, doc.ID, 1, "lease.pdf")
	if _, err := f.blobs.Put(ctx, key, strings.NewReader("pdf")); err != nil {
		t.Fatalf("put: %v", err)
	}
	f.db.Create(&models.DocumentVersion{DocumentID: doc.ID, VersionNumber: 1, FilePath: key, FileName: "lease.pdf", CreatedByUserID: f.user.ID})
	f.db.Create(&models.SignatureRequest{DocumentID: doc.ID, DocumentVersionID: "v", SignerEmail: "s@x.com", RequestedAt: time.Now()})

	if err := f.svc.DeleteRecord(ctx, f.admin, "documents", doc.ID, false); !errors.Is(err, apperr.ErrConfirmationRequired) {
		t.Fatalf("expected confirmation error, got %v", err)
	}
	if err := f.svc.DeleteRecord(ctx, f.admin, "users", f.user.ID, true); !errors.Is(err, apperr.ErrConflict) {
		t.Fatalf("owner of documents cannot be deleted, got %v", err)
	}
	if err := f.svc.DeleteRecord(ctx, f.admin, "documents", doc.ID, true); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, m := range []any{&models.Document{}, &models.DocumentVersion{}, &models.SignatureRequest{}} {
		var n int64
		f.db.Model(m).Count(&n)
		if n != 0 {
			t.Fatalf("%T rows left: %d", m, n)
		}
	}
	if _, err := f.blobs.Open(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("blob should be gone, got %v", err)
	}
	d := f.auditDetails(t, audit.RecordDeleted)
	if dd := d["deleted_data"].(map[string]any); dd["title"] != "Lease" {
		t.Fatalf("deleted_data missing: %v", d)
	}
	if err := f.svc.DeleteRecord(ctx, f.admin, "users", f.user.ID, true); err != nil {
		t.Fatalf("user without documents should be deletable: %v", err)
	}
	if err := f.svc.DeleteRecord(ctx, f.admin, "users", f.admin.UserID, true); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("self delete should fail, got %v", err)
	}
}

func TestBlockUnblock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.db.Model(&f.user).Update("failed_login_attempts", 7)

	if _, err := f.svc.BlockUser(ctx, f.admin, f.admin.UserID, true); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("self block should fail, got %v", err)
	}
	u, err := f.svc.BlockUser(ctx, f.admin, f.user.ID, true)
	if err != nil || !u.Blocked {
		t.Fatalf("block: %+v err=%v", u, err)
	}
	if _, err := f.svc.BlockUser(ctx, f.admin, f.user.ID, true); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("double block should fail, got %v", err)
	}
	u, err = f.svc.UnblockUser(ctx, f.admin, f.user.ID)
	if err != nil || u.Blocked || u.FailedLoginAttempts != 0 {
		t.Fatalf("unblock: %+v err=%v", u, err)
	}
	var stored models.User
	f.db.First(&stored, "id = ?", f.user.ID)
	if stored.Blocked || stored.FailedLoginAttempts != 0 {
		t.Fatalf("unblock not persisted: %+v", stored)
	}
	if d := f.auditDetails(t, audit.UserUnblocked); d["target_user_id"] != f.user.ID {
		t.Fatalf("unexpected details %v", d)
	}
}

func (f *fixture) openSession(t *testing.T, jti string) {
	t.Helper()
	s := models.Session{JTI: jti, UserID: f.user.ID, ExpiresAt: time.Now().Add(time.Hour)}
	if err := f.db.Create(&s).Error; err != nil {
		t.Fatalf("session: %v", err)
	}
}

func (f *fixture) sessionRevoked(t *testing.T, jti string) bool {
	t.Helper()
	var s models.Session
	if err := f.db.First(&s, "jti = ?", jti).Error; err != nil {
		t.Fatalf("load session: %v", err)
	}
	return s.RevokedAt != nil
}

func (f *fixture) throttled(t *testing.T) {
	t.Helper()
	for i := 0; i < 3; i++ {
		if _, err := f.guard.RecordFailure(context.Background(), f.user.Email); err != nil {
			t.Fatalf("record failure: %v", err)
		}
	}
	if d, _ := f.guard.Check(context.Background(), f.user.Email); d.Outcome != throttle.Throttled {
		t.Fatalf("expected throttled, got %v", d.Outcome)
	}
}

func TestBlockRevokesSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.openSession(t, "jti-block")

	if _, err := f.svc.BlockUser(ctx, f.admin, f.user.ID, true); err != nil {
		t.Fatalf("block: %v", err)
	}
	if !f.sessionRevoked(t, "jti-block") {
		t.Fatalf("session survived the block")
	}

	f.openSession(t, "jti-edit")
	if _, err := f.svc.UnblockUser(ctx, f.admin, f.user.ID); err != nil {
		t.Fatalf("unblock: %v", err)
	}
	if f.sessionRevoked(t, "jti-edit") {
		t.Fatalf("unblock must not revoke sessions")
	}
	if _, _, err := f.svc.UpdateRecord(ctx, f.admin, "users", f.user.ID, map[string]any{"blocked": true}); err != nil {
		t.Fatalf("edit block: %v", err)
	}
	if !f.sessionRevoked(t, "jti-edit") {
		t.Fatalf("session survived a block through the record editor")
	}
}

func TestRecordEditorUnblockResetsCounters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	last := time.Now().UTC()
	f.db.Model(&f.user).Updates(map[string]any{"blocked": true, "failed_login_attempts": 10, "last_failed_login_at": last})
	f.throttled(t)

	row, changes, err := f.svc.UpdateRecord(ctx, f.admin, "users", f.user.ID, map[string]any{"blocked": false})
	if err != nil {
		t.Fatalf("unblock: %v", err)
	}
	u := row.(*models.User)
	if u.Blocked || u.FailedLoginAttempts != 0 || u.LastFailedLoginAt != nil {
		t.Fatalf("counters not reset: %+v", u)
	}
	if _, ok := changes["blocked"]; !ok {
		t.Fatalf("changes %v", changes)
	}
	if d, _ := f.guard.Check(ctx, f.user.Email); d.Outcome != throttle.Allowed {
		t.Fatalf("throttle state survived the unblock: %v", d.Outcome)
	}
}

func TestRecordEditorKeepsHighFailureCountBlocked(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.db.Model(&f.user).Updates(map[string]any{"blocked": true, "failed_login_attempts": 10})

	_, _, err := f.svc.UpdateRecord(ctx, f.admin, "users", f.user.ID, map[string]any{"blocked": false, "failed_login_attempts": 12})
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, _, err := f.svc.UpdateRecord(ctx, f.admin, "users", f.admin.UserID, map[string]any{"failed_login_attempts": 10}); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("unblocked account pushed past the threshold, got %v", err)
	}
	var stored models.User
	f.db.First(&stored, "id = ?", f.user.ID)
	if !stored.Blocked || stored.FailedLoginAttempts != 10 {
		t.Fatalf("rejected edit was applied: %+v", stored)
	}
}

func TestStatsAndListing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.db.Create(&models.Document{OwnerID: f.user.ID, Title: "a", Status: models.DocumentDraft})
	f.db.Create(&models.Document{OwnerID: f.user.ID, Title: "b", Status: models.DocumentSigned})
	f.db.Create(&models.IncidentReport{Timestamp: time.Now(), ReportedByUserID: f.user.ID, ReportedByEmail: f.user.Email, Reason: "x"})

	st, err := f.svc.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Users != 2 || st.Documents["draft"] != 1 || st.Documents["signed"] != 1 || st.OpenIncidents != 1 {
		t.Fatalf("unexpected stats %+v", st)
	}

	recs, err := f.svc.ListRecords(ctx, "documents", 1, 1)
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if recs.Total != 2 || len(*recs.Rows.(*[]models.Document)) != 1 || recs.Entity.Table != "documents" {
		t.Fatalf("unexpected records %+v", recs)
	}
	users, err := f.svc.ListUsers(ctx, "UNA")
	if err != nil || len(users) != 1 {
		t.Fatalf("search users: %d err=%v", len(users), err)
	}
	if users, _ := f.svc.ListUsers(ctx, "%"); len(users) != 0 {
		t.Fatalf("%% should match literally, got %d users", len(users))
	}
	if len(Entities()) != 4 {
		t.Fatalf("expected four editable tables")
	}
}
