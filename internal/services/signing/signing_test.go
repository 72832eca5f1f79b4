package signing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/geo"
	"signportal/internal/logger"
	"signportal/internal/metrics"
	"signportal/internal/models"
)

type memBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	deleted []string
	failPut func(key string) bool
}

func newMemBlobs() *memBlobs { return &memBlobs{objects: map[string][]byte{}} }

func (m *memBlobs) Put(_ context.Context, key string, r io.Reader) (int64, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failPut != nil && m.failPut(key) {
		m.objects[key] = b[:len(b)/2]
		return 0, errors.New("upload interrupted")
	}
	m.objects[key] = b
	return int64(len(b)), nil
}

func (m *memBlobs) Open(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.objects[key]
	if !ok {
		return nil, errors.New("missing")
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memBlobs) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	m.deleted = append(m.deleted, key)
	return nil
}

func (m *memBlobs) SignedURL(key string) (string, time.Time) {
	return "https://files.test/" + key, time.Now().Add(time.Minute)
}

func (m *memBlobs) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type fakeGeo struct {
	loc *geo.Location
	err error
}

func (f fakeGeo) Lookup(context.Context, string) (*geo.Location, error) { return f.loc, f.err }

type fixture struct {
	svc   *Service
	db    *gorm.DB
	blobs *memBlobs
	owner auth.Actor
	alice auth.Actor
	bob   auth.Actor
	admin auth.Actor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open("sqlite", filepath.Join(t.TempDir(), "signing.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	m := metrics.NewCollector()
	f := &fixture{db: db, blobs: newMemBlobs()}
	f.svc = New(Deps{
		DB:            db,
		Blobs:         f.blobs,
		Geo:           fakeGeo{loc: &geo.Location{IP: "203.0.113.5", City: "Bandung", Country: "Indonesia", Source: "ipapi.co"}},
		Audit:         audit.NewRecorder(db, logger.Nop(), m),
		Metrics:       m,
		Logger:        logger.Nop(),
		PublicBaseURL: "https://portal.test/",
	})
	f.owner = f.user(t, "owner@x.com", models.RoleUser)
	f.alice = f.user(t, "a@x.com", models.RoleUser)
	f.bob = f.user(t, "b@x.com", models.RoleUser)
	f.admin = f.user(t, "admin@x.com", models.RoleAdmin)
	return f
}

func (f *fixture) user(t *testing.T, email, role string) auth.Actor {
	t.Helper()
	u := models.User{Email: email, PasswordHash: "x", Role: role, IsVerified: true}
	if err := f.db.Create(&u).Error; err != nil {
		t.Fatalf("create user: %v", err)
	}
	return auth.Actor{UserID: u.ID, Email: email, Role: role, IP: "203.0.113.5", UserAgent: "test-agent"}
}

func (f *fixture) upload(t *testing.T) *models.Document {
	t.Helper()
	doc, err := f.svc.CreateDocument(context.Background(), f.owner, Upload{
		Title: "Contract", FileName: "contract.pdf", FileType: "application/pdf",
		Content: strings.NewReader("%PDF-1.7 v1"),
	})
	if err != nil {
		t.Fatalf("create document: %v", err)
	}
	return doc
}

func (f *fixture) send(t *testing.T, docID string, emails ...string) []SendResult {
	t.Helper()
	res, err := f.svc.SendForSignature(context.Background(), f.owner, docID, emails, true)
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return res
}

func (f *fixture) doc(t *testing.T, id string) models.Document {
	t.Helper()
	var d models.Document
	if err := f.db.First(&d, "id = ?", id).Error; err != nil {
		t.Fatalf("load document: %v", err)
	}
	return d
}

func (f *fixture) request(t *testing.T, id string) models.SignatureRequest {
	t.Helper()
	var r models.SignatureRequest
	if err := f.db.First(&r, "id = ?", id).Error; err != nil {
		t.Fatalf("load request: %v", err)
	}
	return r
}

func (f *fixture) auditCount(t *testing.T, event string, where string, args ...any) int64 {
	t.Helper()
	var n int64
	q := f.db.Model(&models.AuditLog{}).Where("event_type = ?", event)
	if where != "" {
		q = q.Where(where, args...)
	}
	if err := q.Count(&n).Error; err != nil {
		t.Fatalf("count audit: %v", err)
	}
	return n
}

func TestLifecycleEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	doc := f.upload(t)
	if doc.Status != models.DocumentDraft || doc.LatestVersionNumber != 1 || doc.CurrentDocumentVersionID == nil {
		t.Fatalf("unexpected new document %+v", doc)
	}
	v1 := *doc.CurrentDocumentVersionID

	res := f.send(t, doc.ID, "a@x.com", "B@x.com")
	if len(res) != 2 || res[0].Status != SendCreated || res[1].Status != SendCreated {
		t.Fatalf("unexpected send results %+v", res)
	}
	if res[1].Email != "b@x.com" {
		t.Fatalf("emails should be lower-cased, got %q", res[1].Email)
	}
	if got := f.doc(t, doc.ID).Status; got != models.DocumentPendingSignature {
		t.Fatalf("document status = %s, want pending_signature", got)
	}
	reqA, reqB := res[0].RequestID, res[1].RequestID
	if r := f.request(t, reqA); r.SigningURL != "https://portal.test/sign/"+reqA || r.SignerID == nil {
		t.Fatalf("unexpected request %+v", r)
	}

	signed, err := f.svc.Sign(ctx, f.alice, reqA, SignInput{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if signed.Status != models.RequestSigned || signed.SignedAt == nil || signed.SignerIPAddress != "203.0.113.5" {
		t.Fatalf("unexpected signed request %+v", signed)
	}
	if n := f.auditCount(t, audit.DocumentSigned, "signature_request_id = ?", reqA); n != 1 {
		t.Fatalf("expected one DOCUMENT_SIGNED entry, got %d", n)
	}
	if got := f.doc(t, doc.ID).Status; got != models.DocumentPendingSignature {
		t.Fatalf("document should stay pending_signature while b is outstanding, got %s", got)
	}

	vr, err := f.svc.UploadVersion(ctx, f.owner, doc.ID, Upload{
		FileName: "contract.pdf", Content: strings.NewReader("%PDF-1.7 v2"), DescriptionOfChanges: "fix typo",
	})
	if err != nil {
		t.Fatalf("upload version: %v", err)
	}
	if vr.Version.VersionNumber != 2 || len(vr.VoidedRequestIDs) != 1 || vr.VoidedRequestIDs[0] != reqB {
		t.Fatalf("unexpected version result %+v", vr)
	}
	b := f.request(t, reqB)
	if b.Status != models.RequestVoid || b.VoidedAt == nil {
		t.Fatalf("b should be void, got %+v", b)
	}
	if a := f.request(t, reqA); a.Status != models.RequestSigned || a.DocumentVersionID != v1 {
		t.Fatalf("a should stay signed on v1, got %+v", a)
	}
	d := f.doc(t, doc.ID)
	if d.LatestVersionNumber != 2 || d.CurrentDocumentVersionID == nil || *d.CurrentDocumentVersionID != vr.Version.ID {
		t.Fatalf("document not repointed: %+v", d)
	}
	if d.Status != models.DocumentDraft {
		t.Fatalf("new version should reset status to draft, got %s", d.Status)
	}
	if n := f.auditCount(t, audit.DocumentVersionAdded, "document_version_id = ?", vr.Version.ID); n != 1 {
		t.Fatalf("expected one DOCUMENT_VERSION_UPLOADED entry, got %d", n)
	}

	// b can be asked again on the new version.
	again := f.send(t, doc.ID, "b@x.com")
	if again[0].Status != SendCreated {
		t.Fatalf("resend on v2 should create, got %+v", again[0])
	}
}

func TestDocumentSignedWhenNoPendingLeft(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	res := f.send(t, doc.ID, "a@x.com", "b@x.com")

	if _, err := f.svc.Sign(ctx, f.alice, res[0].RequestID, SignInput{SignatureImage: strings.NewReader("png")}); err != nil {
		t.Fatalf("sign a: %v", err)
	}
	if _, err := f.svc.Sign(ctx, f.bob, res[1].RequestID, SignInput{}); err != nil {
		t.Fatalf("sign b: %v", err)
	}
	if got := f.doc(t, doc.ID).Status; got != models.DocumentSigned {
		t.Fatalf("document status = %s, want signed", got)
	}
	a := f.request(t, res[0].RequestID)
	if a.SignatureDataPath == "" || !f.blobs.has(a.SignatureDataPath) {
		t.Fatalf("signature image not stored: %q", a.SignatureDataPath)
	}
	var v models.DocumentVersion
	f.db.First(&v, "id = ?", *doc.CurrentDocumentVersionID)
	if !v.IsSignedVersion {
		t.Fatalf("current version should be flagged as signed")
	}
}

func TestDocumentSignedWhateverClosesLastRequest(t *testing.T) {
	closers := map[string]func(f *fixture, id string) error{
		"decline": func(f *fixture, id string) error {
			_, err := f.svc.Decline(context.Background(), f.bob, id, "not mine", true)
			return err
		},
		"cancel": func(f *fixture, id string) error {
			_, err := f.svc.CancelRequest(context.Background(), f.owner, id, true)
			return err
		},
	}
	for name, closeB := range closers {
		for _, signFirst := range []bool{true, false} {
			f := newFixture(t)
			doc := f.upload(t)
			res := f.send(t, doc.ID, "a@x.com", "b@x.com")
			sign := func() {
				if _, err := f.svc.Sign(context.Background(), f.alice, res[0].RequestID, SignInput{}); err != nil {
					t.Fatalf("%s: sign: %v", name, err)
				}
			}
			if signFirst {
				sign()
			}
			if err := closeB(f, res[1].RequestID); err != nil {
				t.Fatalf("%s: close: %v", name, err)
			}
			if !signFirst {
				if got := f.doc(t, doc.ID).Status; got == models.DocumentSigned {
					t.Fatalf("%s: signed before any signature", name)
				}
				sign()
			}
			if got := f.doc(t, doc.ID).Status; got != models.DocumentSigned {
				t.Fatalf("%s (sign first=%v): document status = %s, want signed", name, signFirst, got)
			}
			var v models.DocumentVersion
			f.db.First(&v, "id = ?", *doc.CurrentDocumentVersionID)
			if !v.IsSignedVersion {
				t.Fatalf("%s (sign first=%v): version not flagged as signed", name, signFirst)
			}
		}
	}
}

func TestNoSignatureLeavesDocumentUnsigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	res := f.send(t, doc.ID, "a@x.com", "b@x.com")
	if _, err := f.svc.Decline(ctx, f.alice, res[0].RequestID, "", true); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if _, err := f.svc.CancelRequest(ctx, f.owner, res[1].RequestID, true); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got := f.doc(t, doc.ID).Status; got == models.DocumentSigned {
		t.Fatalf("document without signatures marked signed")
	}
}

func TestSendAlreadySent(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t)
	f.send(t, doc.ID, "a@x.com")
	res := f.send(t, doc.ID, "a@x.com", "a@x.com", "b@x.com")
	if len(res) != 2 || res[0].Status != SendAlreadySent || res[1].Status != SendCreated {
		t.Fatalf("unexpected results %+v", res)
	}
	var n int64
	f.db.Model(&models.SignatureRequest{}).Where("signer_email = ?", "a@x.com").Count(&n)
	if n != 1 {
		t.Fatalf("expected one row for a@x.com, got %d", n)
	}
	if got := f.auditCount(t, audit.RequestSent, ""); got != 2 {
		t.Fatalf("expected 2 SIGNATURE_REQUEST_SENT entries, got %d", got)
	}
}

func TestConcurrentSendsCreateOneRequest(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t)
	var wg sync.WaitGroup
	var mu sync.Mutex
	created := 0
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.SendForSignature(context.Background(), f.owner, doc.ID, []string{"a@x.com"}, true)
			if err != nil {
				t.Errorf("send: %v", err)
				return
			}
			if res[0].Status == SendCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	var n int64
	f.db.Model(&models.SignatureRequest{}).Count(&n)
	if created != 1 || n != 1 {
		t.Fatalf("created=%d rows=%d, want 1/1", created, n)
	}
}

func TestSendValidation(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t)
	ctx := context.Background()

	_, err := f.svc.SendForSignature(ctx, f.owner, doc.ID, []string{"a@x.com", "not-an-email"}, true)
	if !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if inv := apperr.DetailsOf(err)["invalid_emails"]; inv == nil {
		t.Fatalf("invalid emails not reported")
	}
	if _, err := f.svc.SendForSignature(ctx, f.owner, doc.ID, nil, true); !errors.Is(err, apperr.ErrValidation) {
		t.Fatalf("expected validation error for empty list, got %v", err)
	}
	if _, err := f.svc.SendForSignature(ctx, f.alice, doc.ID, []string{"b@x.com"}, true); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for non-owner, got %v", err)
	}
	var n int64
	f.db.Model(&models.SignatureRequest{}).Count(&n)
	if n != 0 {
		t.Fatalf("no request should exist, got %d", n)
	}
}

func TestConfirmationRequired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	res := f.send(t, doc.ID, "a@x.com")
	id := res[0].RequestID

	checks := map[string]error{}
	_, checks["send"] = f.svc.SendForSignature(ctx, f.owner, doc.ID, []string{"b@x.com"}, false)
	_, checks["decline"] = f.svc.Decline(ctx, f.alice, id, "no", false)
	_, checks["cancel"] = f.svc.CancelRequest(ctx, f.owner, id, false)
	_, checks["cancel document"] = f.svc.CancelDocument(ctx, f.owner, doc.ID, false)
	checks["delete"] = f.svc.DeleteDocument(ctx, f.owner, doc.ID, false)
	for name, err := range checks {
		if !errors.Is(err, apperr.ErrConfirmationRequired) {
			t.Fatalf("%s: expected confirmation error, got %v", name, err)
		}
	}
	if r := f.request(t, id); r.Status != models.RequestPending {
		t.Fatalf("request changed without confirmation: %s", r.Status)
	}
	if _, err := f.svc.Sign(ctx, f.alice, id, SignInput{}); err != nil {
		t.Fatalf("sign needs no confirmation: %v", err)
	}
}

func TestSignRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	id := f.send(t, doc.ID, "a@x.com")[0].RequestID

	if _, err := f.svc.Sign(ctx, f.bob, id, SignInput{}); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden for another user, got %v", err)
	}
	if _, err := f.svc.Decline(ctx, f.alice, id, "  wrong amount ", true); err != nil {
		t.Fatalf("decline: %v", err)
	}
	r := f.request(t, id)
	if r.Status != models.RequestDeclined || r.DeclinedAt == nil || r.DeclineReason != "wrong amount" {
		t.Fatalf("unexpected declined request %+v", r)
	}
	if _, err := f.svc.Sign(ctx, f.alice, id, SignInput{}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("terminal request must not be signed, got %v", err)
	}
	if _, err := f.svc.Sign(ctx, f.alice, "missing", SignInput{}); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSignWithoutGeolocationKeepsUserAgent(t *testing.T) {
	f := newFixture(t)
	f.svc.geo = fakeGeo{err: geo.ErrNoLocation}
	doc := f.upload(t)
	id := f.send(t, doc.ID, "a@x.com")[0].RequestID
	r, err := f.svc.Sign(context.Background(), f.alice, id, SignInput{})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	var loc map[string]any
	if err := json.Unmarshal(r.SigningLocation, &loc); err != nil {
		t.Fatalf("location: %v", err)
	}
	if loc["source"] != "user_agent" || loc["user_agent"] != "test-agent" {
		t.Fatalf("unexpected fallback location %v", loc)
	}
}

func TestCancelDocumentKeepsSigned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carol := f.user(t, "c@x.com", models.RoleUser)
	doc := f.upload(t)
	res := f.send(t, doc.ID, "a@x.com", "b@x.com", "c@x.com")
	if _, err := f.svc.Sign(ctx, f.alice, res[0].RequestID, SignInput{}); err != nil {
		t.Fatalf("sign: %v", err)
	}
	if _, err := f.svc.Decline(ctx, carol, res[2].RequestID, "", true); err != nil {
		t.Fatalf("decline: %v", err)
	}

	ids, err := f.svc.CancelDocument(ctx, f.owner, doc.ID, true)
	if err != nil {
		t.Fatalf("cancel document: %v", err)
	}
	if len(ids) != 2 {
		t.Fatalf("expected 2 cancelled requests, got %v", ids)
	}
	if got := f.doc(t, doc.ID).Status; got != models.DocumentCancelled {
		t.Fatalf("document status = %s", got)
	}
	if r := f.request(t, res[0].RequestID); r.Status != models.RequestSigned {
		t.Fatalf("signed request must stay signed, got %s", r.Status)
	}
	for _, id := range []string{res[1].RequestID, res[2].RequestID} {
		r := f.request(t, id)
		if r.Status != models.RequestCancelled || r.CancelledAt == nil || r.CancelledByUserID == nil || *r.CancelledByUserID != f.owner.UserID {
			t.Fatalf("request %s not cancelled properly: %+v", id, r)
		}
	}
	if n := f.auditCount(t, audit.RequestCancelled, ""); n != 2 {
		t.Fatalf("expected 2 SIGNATURE_REQUEST_CANCELLED entries, got %d", n)
	}
	if n := f.auditCount(t, audit.DocumentCancelled, "document_id = ?", doc.ID); n != 1 {
		t.Fatalf("expected one DOCUMENT_CANCELLED entry, got %d", n)
	}
	if _, err := f.svc.CancelDocument(ctx, f.owner, doc.ID, true); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("second cancel should fail, got %v", err)
	}
	if _, err := f.svc.UploadVersion(ctx, f.owner, doc.ID, Upload{FileName: "x.pdf", Content: strings.NewReader("x")}); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("upload to cancelled document should fail, got %v", err)
	}
}

func TestCancelSingleRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	id := f.send(t, doc.ID, "a@x.com")[0].RequestID

	if _, err := f.svc.CancelRequest(ctx, f.alice, id, true); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("signer cannot cancel, got %v", err)
	}
	r, err := f.svc.CancelRequest(ctx, f.owner, id, true)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if r.Status != models.RequestCancelled {
		t.Fatalf("status = %s", r.Status)
	}
	if n := f.auditCount(t, audit.RequestCancelled, "signature_request_id = ? AND document_id = ?", id, doc.ID); n != 1 {
		t.Fatalf("expected one audit entry, got %d", n)
	}
	if _, err := f.svc.CancelRequest(ctx, f.owner, id, true); !errors.Is(err, apperr.ErrInvalidTransition) {
		t.Fatalf("cancelling twice should fail, got %v", err)
	}
	// A cancelled request no longer blocks a new one.
	if res := f.send(t, doc.ID, "a@x.com"); res[0].Status != SendCreated {
		t.Fatalf("resend after cancel: %+v", res[0])
	}
}

func TestUploadFailureLeavesDocumentUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	id := f.send(t, doc.ID, "a@x.com")[0].RequestID

	f.blobs.failPut = func(key string) bool { return strings.Contains(key, "version_2_") }
	_, err := f.svc.UploadVersion(ctx, f.owner, doc.ID, Upload{FileName: "contract.pdf", Content: strings.NewReader("%PDF v2")})
	if err == nil {
		t.Fatalf("expected upload failure")
	}
	d := f.doc(t, doc.ID)
	if d.LatestVersionNumber != 1 || *d.CurrentDocumentVersionID != *doc.CurrentDocumentVersionID {
		t.Fatalf("document moved despite failure: %+v", d)
	}
	var versions int64
	f.db.Model(&models.DocumentVersion{}).Where("document_id = ?", doc.ID).Count(&versions)
	if versions != 1 {
		t.Fatalf("expected 1 version row, got %d", versions)
	}
	if r := f.request(t, id); r.Status != models.RequestPending {
		t.Fatalf("request should not be voided, got %s", r.Status)
	}
	for k := range f.blobs.objects {
		if strings.Contains(k, "version_2_") {
			t.Fatalf("partial object %s left behind", k)
		}
	}
	if n := f.auditCount(t, audit.DocumentVersionAdded, ""); n != 0 {
		t.Fatalf("failed upload must not be audited")
	}
}

func TestUploadVersionOwnerOnly(t *testing.T) {
	f := newFixture(t)
	doc := f.upload(t)
	_, err := f.svc.UploadVersion(context.Background(), f.alice, doc.ID, Upload{FileName: "x.pdf", Content: strings.NewReader("x")})
	if !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
}

func TestDeleteDocument(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	doc := f.upload(t)
	f.send(t, doc.ID, "a@x.com")
	var v models.DocumentVersion
	f.db.First(&v, "id = ?", *doc.CurrentDocumentVersionID)

	if err := f.svc.DeleteDocument(ctx, f.alice, doc.ID, true); !errors.Is(err, apperr.ErrForbidden) {
		t.Fatalf("non-owner delete should be forbidden, got %v", err)
	}
	if err := f.svc.DeleteDocument(ctx, f.admin, doc.ID, true); err != nil {
		t.Fatalf("admin delete: %v", err)
	}
	for _, m := range []any{&models.Document{}, &models.DocumentVersion{}, &models.SignatureRequest{}} {
		var n int64
		f.db.Model(m).Count(&n)
		if n != 0 {
			t.Fatalf("%T rows left: %d", m, n)
		}
	}
	if f.blobs.has(v.FilePath) {
		t.Fatalf("blob %s not deleted", v.FilePath)
	}
	var entry models.AuditLog
	if err := f.db.Where("event_type = ?", audit.DocumentDeleted).First(&entry).Error; err != nil {
		t.Fatalf("audit entry: %v", err)
	}
	var details map[string]any
	_ = json.Unmarshal(entry.Details, &details)
	if dd, ok := details["deleted_data"].(map[string]any); !ok || dd["id"] != doc.ID {
		t.Fatalf("deleted_data missing: %v", details)
	}
	if _, err := f.svc.GetDocument(ctx, f.owner, doc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestGetDocumentVisibility(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	carol := f.user(t, "c@x.com", models.RoleUser)
	doc := f.upload(t)
	f.send(t, doc.ID, "a@x.com", "b@x.com")

	view, err := f.svc.GetDocument(ctx, f.alice, doc.ID)
	if err != nil {
		t.Fatalf("signer view: %v", err)
	}
	if len(view.Requests) != 1 || view.Requests[0].SignerEmail != "a@x.com" {
		t.Fatalf("signer should only see own request, got %+v", view.Requests)
	}
	if view, err := f.svc.GetDocument(ctx, f.owner, doc.ID); err != nil || len(view.Requests) != 2 || len(view.Versions) != 1 {
		t.Fatalf("owner view: %+v err=%v", view, err)
	}
	if _, err := f.svc.GetDocument(ctx, carol, doc.ID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("stranger should get not found, got %v", err)
	}
	url, err := f.svc.VersionURL(ctx, f.alice, doc.ID, *doc.CurrentDocumentVersionID)
	if err != nil || !strings.HasPrefix(url, "https://files.test/") {
		t.Fatalf("version url %q err=%v", url, err)
	}

	incoming, err := f.svc.ListIncoming(ctx, f.bob, "")
	if err != nil || len(incoming) != 1 || incoming[0].DocumentTitle != "Contract" {
		t.Fatalf("incoming: %+v err=%v", incoming, err)
	}
	docs, err := f.svc.ListDocuments(ctx, f.owner, "")
	if err != nil || len(docs) != 1 {
		t.Fatalf("list documents: %d err=%v", len(docs), err)
	}
}

func TestExpireOverdue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	start := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	f.svc.now = func() time.Time { return start }
	doc := f.upload(t)
	res := f.send(t, doc.ID, "a@x.com", "b@x.com")
	if _, err := f.svc.Sign(ctx, f.alice, res[0].RequestID, SignInput{}); err != nil {
		t.Fatalf("sign: %v", err)
	}

	f.svc.now = func() time.Time { return start.Add(31 * 24 * time.Hour) }
	ids, err := f.svc.ExpireOverdue(ctx, 30*24*time.Hour)
	if err != nil {
		t.Fatalf("expire: %v", err)
	}
	if len(ids) != 1 || ids[0] != res[1].RequestID {
		t.Fatalf("expected only b to expire, got %v", ids)
	}
	if r := f.request(t, res[1].RequestID); r.Status != models.RequestExpired || r.ExpiredAt == nil {
		t.Fatalf("unexpected request %+v", r)
	}
	if n := f.auditCount(t, audit.RequestExpired, "user_email = ?", "system"); n != 1 {
		t.Fatalf("expected one SIGNATURE_REQUEST_EXPIRED entry, got %d", n)
	}
	if got := f.doc(t, doc.ID).Status; got != models.DocumentSigned {
		t.Fatalf("expiring the last open request should settle the document as signed, got %s", got)
	}
	// Expired requests can still be cancelled by the owner.
	if _, err := f.svc.CancelRequest(ctx, f.owner, res[1].RequestID, true); err != nil {
		t.Fatalf("cancel expired: %v", err)
	}
}
