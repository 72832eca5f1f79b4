package signing

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/models"
	"signportal/internal/storage"
	"signportal/internal/util"
)

var inactive = []models.RequestStatus{models.RequestCancelled, models.RequestVoid}

type SendStatus string

const (
	SendCreated     SendStatus = "created"
	SendAlreadySent SendStatus = "already_sent"
	SendFailed      SendStatus = "failed"
)

type SendResult struct {
	Email     string     `json:"email"`
	Status    SendStatus `json:"status"`
	RequestID string     `json:"request_id,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// SendForSignature creates one pending request per recipient against the
// current version. Recipients are handled concurrently and each reports its
// own outcome; results keep the order of the de-duplicated input.
func (s *Service) SendForSignature(ctx context.Context, actor auth.Actor, documentID string, emails []string, confirm bool) ([]SendResult, error) {
	valid, invalid := util.DedupeEmails(emails)
	if len(invalid) > 0 {
		return nil, apperr.New(apperr.ErrValidation, "some signer emails are invalid").With("invalid_emails", invalid)
	}
	if len(valid) == 0 {
		return nil, apperr.New(apperr.ErrValidation, "at least one signer email is required")
	}
	if err := apperr.RequireConfirmation(confirm, "sending for signature"); err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(ctx, s.db, documentID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(actor, doc); err != nil {
		return nil, err
	}
	if doc.Status == models.DocumentCancelled {
		return nil, apperr.New(apperr.ErrInvalidTransition, "a cancelled document cannot be sent for signature")
	}
	if doc.CurrentDocumentVersionID == nil {
		return nil, apperr.New(apperr.ErrValidation, "the document has no current version")
	}
	versionID := *doc.CurrentDocumentVersionID

	signers := map[string]string{}
	var users []models.User
	if err := s.db.WithContext(ctx).Select("id", "email").Where("email IN ?", valid).Find(&users).Error; err != nil {
		return nil, err
	}
	for _, u := range users {
		signers[util.NormalizeEmail(u.Email)] = u.ID
	}

	results := make([]SendResult, len(valid))
	var wg sync.WaitGroup
	for i, email := range valid {
		wg.Add(1)
		go func(i int, email string) {
			defer wg.Done()
			results[i] = s.sendOne(ctx, actor, doc.ID, versionID, email, signers[email])
		}(i, email)
	}
	wg.Wait()

	created := false
	for _, r := range results {
		if r.Status == SendCreated {
			created = true
			break
		}
	}
	if created && doc.Status != models.DocumentPendingSignature && doc.Status != models.DocumentSigned {
		err := s.db.WithContext(ctx).Model(&models.Document{}).
			Where("id = ? AND status = ?", doc.ID, doc.Status).
			Updates(map[string]any{"status": models.DocumentPendingSignature, "updated_at": s.now()}).Error
		if err != nil {
			s.lg.Errorw("document status not advanced after send", "document_id", doc.ID, "error", err)
		}
	}
	return results, nil
}

func (s *Service) sendOne(ctx context.Context, actor auth.Actor, documentID, versionID, email, signerID string) SendResult {
	res := SendResult{Email: email}
	var active int64
	err := s.db.WithContext(ctx).Model(&models.SignatureRequest{}).
		Where("document_id = ? AND document_version_id = ? AND signer_email = ? AND status NOT IN ?",
			documentID, versionID, email, inactive).
		Count(&active).Error
	if err != nil {
		return s.sendFailed(res, err)
	}
	if active > 0 {
		res.Status = SendAlreadySent
		return res
	}
	req := models.SignatureRequest{
		ID:                uuid.NewString(),
		DocumentID:        documentID,
		DocumentVersionID: versionID,
		SignerEmail:       email,
		Status:            models.RequestPending,
		RequestedAt:       s.now(),
	}
	if signerID != "" {
		req.SignerID = &signerID
	}
	req.SigningURL = s.baseURL + "/sign/" + req.ID
	// A concurrent send for the same signer loses on the partial unique index.
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&req)
	if tx.Error != nil {
		return s.sendFailed(res, tx.Error)
	}
	if tx.RowsAffected == 0 {
		res.Status = SendAlreadySent
		return res
	}
	res.Status = SendCreated
	res.RequestID = req.ID
	s.metrics.Inc("signature_requests_created")
	s.record(ctx, actor, audit.RequestSent, map[string]any{
		"status":       string(models.RequestPending),
		"signer_email": email,
	}, documentID, versionID, req.ID)
	return res
}

func (s *Service) sendFailed(res SendResult, err error) SendResult {
	s.lg.Errorw("signature request not created", "email", res.Email, "error", err)
	res.Status = SendFailed
	res.Error = "could not create the signature request"
	return res
}

type SignInput struct {
	// SignatureImage is an optional PNG of the drawn signature.
	SignatureImage io.Reader
}

// Sign records the signer's approval. It does not ask for confirmation.
func (s *Service) Sign(ctx context.Context, actor auth.Actor, requestID string, in SignInput) (*models.SignatureRequest, error) {
	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := requireSigner(actor, req); err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, apperr.Newf(apperr.ErrInvalidTransition, "signature request is already %s", req.Status)
	}

	loc := s.locate(ctx, actor)
	locJSON, err := json.Marshal(loc)
	if err != nil {
		return nil, err
	}
	var imageKey string
	if in.SignatureImage != nil {
		doc, err := s.loadDocument(ctx, s.db, req.DocumentID)
		if err != nil {
			return nil, err
		}
		imageKey = storage.SignatureKey(doc.OwnerID, doc.ID, req.ID)
		if _, err := s.blobs.Put(ctx, imageKey, in.SignatureImage); err != nil {
			s.discard(ctx, imageKey)
			return nil, err
		}
	}

	updates := map[string]any{
		"status":              models.RequestSigned,
		"signed_at":           s.now(),
		"signer_ip_address":   actor.IP,
		"signer_user_agent":   actor.UserAgent,
		"signing_location":    datatypes.JSON(locJSON),
		"signature_data_path": imageKey,
	}
	if actor.UserID != "" {
		updates["signer_id"] = actor.UserID
	}
	if err := s.transition(ctx, req.ID, []models.RequestStatus{models.RequestPending}, updates); err != nil {
		if imageKey != "" {
			s.discard(ctx, imageKey)
		}
		return nil, err
	}
	req, err = s.loadRequest(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, audit.DocumentSigned, map[string]any{
		"status":       string(models.RequestSigned),
		"signer_email": req.SignerEmail,
		"location":     loc,
		"userAgent":    actor.UserAgent,
	}, req.DocumentID, req.DocumentVersionID, req.ID)
	s.refreshSigned(ctx, req.DocumentID)
	return req, nil
}

// locate resolves the signer's approximate location, falling back to what
// the client told us about itself.
func (s *Service) locate(ctx context.Context, actor auth.Actor) map[string]any {
	loc := map[string]any{"ip": actor.IP, "user_agent": actor.UserAgent, "source": "user_agent"}
	if s.geo == nil || actor.IP == "" {
		return loc
	}
	l, err := s.geo.Lookup(ctx, actor.IP)
	if err != nil {
		s.lg.Debugw("geolocation unavailable", "ip", actor.IP, "error", err)
		return loc
	}
	loc["city"] = l.City
	loc["region"] = l.Region
	loc["country"] = l.Country
	loc["latitude"] = l.Latitude
	loc["longitude"] = l.Longitude
	loc["source"] = l.Source
	return loc
}

func (s *Service) Decline(ctx context.Context, actor auth.Actor, requestID, reason string, confirm bool) (*models.SignatureRequest, error) {
	if err := apperr.RequireConfirmation(confirm, "declining a signature request"); err != nil {
		return nil, err
	}
	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if err := requireSigner(actor, req); err != nil {
		return nil, err
	}
	if req.Status != models.RequestPending {
		return nil, apperr.Newf(apperr.ErrInvalidTransition, "signature request is already %s", req.Status)
	}
	reason = strings.TrimSpace(reason)
	err = s.transition(ctx, req.ID, []models.RequestStatus{models.RequestPending}, map[string]any{
		"status":         models.RequestDeclined,
		"declined_at":    s.now(),
		"decline_reason": reason,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, audit.RequestDeclined, map[string]any{
		"status":       string(models.RequestDeclined),
		"reason":       reason,
		"signer_email": req.SignerEmail,
	}, req.DocumentID, req.DocumentVersionID, req.ID)
	s.refreshSigned(ctx, req.DocumentID)
	return s.loadRequest(ctx, req.ID)
}

// CancelRequest withdraws one request. Only the document owner may cancel.
func (s *Service) CancelRequest(ctx context.Context, actor auth.Actor, requestID string, confirm bool) (*models.SignatureRequest, error) {
	if err := apperr.RequireConfirmation(confirm, "cancelling a signature request"); err != nil {
		return nil, err
	}
	req, err := s.loadRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(ctx, s.db, req.DocumentID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(actor, doc); err != nil {
		return nil, err
	}
	if !isCancellable(req.Status) {
		return nil, apperr.Newf(apperr.ErrInvalidTransition, "a %s signature request cannot be cancelled", req.Status)
	}
	err = s.transition(ctx, req.ID, models.Cancellable, map[string]any{
		"status":               models.RequestCancelled,
		"cancelled_at":         s.now(),
		"cancelled_by_user_id": actor.UserID,
	})
	if err != nil {
		return nil, err
	}
	s.record(ctx, actor, audit.RequestCancelled, map[string]any{
		"status":          string(models.RequestCancelled),
		"previous_status": string(req.Status),
		"signer_email":    req.SignerEmail,
	}, req.DocumentID, req.DocumentVersionID, req.ID)
	s.refreshSigned(ctx, req.DocumentID)
	return s.loadRequest(ctx, req.ID)
}

// CancelDocument cancels the document and every request on it that is still
// pending, declined or expired. Signed requests are kept.
func (s *Service) CancelDocument(ctx context.Context, actor auth.Actor, documentID string, confirm bool) ([]string, error) {
	if err := apperr.RequireConfirmation(confirm, "cancelling a document"); err != nil {
		return nil, err
	}
	doc, err := s.loadDocument(ctx, s.db, documentID)
	if err != nil {
		return nil, err
	}
	if err := requireOwner(actor, doc); err != nil {
		return nil, err
	}
	if doc.Status == models.DocumentCancelled {
		return nil, apperr.New(apperr.ErrInvalidTransition, "the document is already cancelled")
	}

	var cancelled []models.SignatureRequest
	now := s.now()
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("document_id = ? AND status IN ?", doc.ID, models.Cancellable).Find(&cancelled).Error
		if err != nil {
			return err
		}
		if len(cancelled) > 0 {
			ids := make([]string, len(cancelled))
			for i, r := range cancelled {
				ids[i] = r.ID
			}
			err = tx.Model(&models.SignatureRequest{}).Where("id IN ?", ids).Updates(map[string]any{
				"status":               models.RequestCancelled,
				"cancelled_at":         now,
				"cancelled_by_user_id": actor.UserID,
			}).Error
			if err != nil {
				return err
			}
		}
		res := tx.Model(&models.Document{}).
			Where("id = ? AND status <> ?", doc.ID, models.DocumentCancelled).
			Updates(map[string]any{"status": models.DocumentCancelled, "updated_at": now})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return apperr.New(apperr.ErrInvalidTransition, "the document is already cancelled")
		}
		return nil
	})
	if err != nil {
		return nil, database.Translate(err, "document")
	}

	ids := make([]string, 0, len(cancelled))
	for _, r := range cancelled {
		ids = append(ids, r.ID)
		s.record(ctx, actor, audit.RequestCancelled, map[string]any{
			"status":          string(models.RequestCancelled),
			"previous_status": string(r.Status),
			"signer_email":    r.SignerEmail,
		}, r.DocumentID, r.DocumentVersionID, r.ID)
	}
	s.record(ctx, actor, audit.DocumentCancelled, map[string]any{
		"status":                string(models.DocumentCancelled),
		"cancelled_request_ids": ids,
	}, doc.ID, deref(doc.CurrentDocumentVersionID), "")
	return ids, nil
}

// ExpireOverdue expires pending requests older than olderThan. It runs as an
// operator action, not on behalf of a user.
func (s *Service) ExpireOverdue(ctx context.Context, olderThan time.Duration) ([]string, error) {
	if olderThan <= 0 {
		return nil, apperr.New(apperr.ErrValidation, "older-than must be positive")
	}
	cutoff := s.now().Add(-olderThan)
	var due []models.SignatureRequest
	err := s.db.WithContext(ctx).
		Where("status = ? AND requested_at < ?", models.RequestPending, cutoff).
		Find(&due).Error
	if err != nil {
		return nil, err
	}
	system := auth.Actor{Email: "system"}
	expired := []string{}
	var touched []string
	seen := map[string]bool{}
	for _, r := range due {
		err := s.transition(ctx, r.ID, []models.RequestStatus{models.RequestPending}, map[string]any{
			"status":     models.RequestExpired,
			"expired_at": s.now(),
		})
		if err != nil {
			// Signed or declined in the meantime.
			s.lg.Infow("request not expired", "signature_request_id", r.ID, "error", err)
			continue
		}
		expired = append(expired, r.ID)
		s.record(ctx, system, audit.RequestExpired, map[string]any{
			"status":       string(models.RequestExpired),
			"signer_email": r.SignerEmail,
			"requested_at": r.RequestedAt,
		}, r.DocumentID, r.DocumentVersionID, r.ID)
		if !seen[r.DocumentID] {
			seen[r.DocumentID] = true
			touched = append(touched, r.DocumentID)
		}
	}
	for _, id := range touched {
		s.refreshSigned(ctx, id)
	}
	return expired, nil
}

// IncomingRequest is a request addressed to the caller, with enough of the
// document to render a list.
type IncomingRequest struct {
	models.SignatureRequest
	DocumentTitle string `json:"document_title"`
}

func (s *Service) ListIncoming(ctx context.Context, actor auth.Actor, status string) ([]IncomingRequest, error) {
	q := s.db.WithContext(ctx).Where("LOWER(signer_email) = ?", util.NormalizeEmail(actor.Email))
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var reqs []models.SignatureRequest
	if err := q.Order("requested_at desc").Find(&reqs).Error; err != nil {
		return nil, err
	}
	docIDs := make([]string, 0, len(reqs))
	for _, r := range reqs {
		docIDs = append(docIDs, r.DocumentID)
	}
	titles := map[string]string{}
	if len(docIDs) > 0 {
		var docs []models.Document
		if err := s.db.WithContext(ctx).Select("id", "title").Where("id IN ?", docIDs).Find(&docs).Error; err != nil {
			return nil, err
		}
		for _, d := range docs {
			titles[d.ID] = d.Title
		}
	}
	out := make([]IncomingRequest, len(reqs))
	for i, r := range reqs {
		out[i] = IncomingRequest{SignatureRequest: r, DocumentTitle: titles[r.DocumentID]}
	}
	return out, nil
}

// transition applies updates only while the request is still in one of from.
func (s *Service) transition(ctx context.Context, requestID string, from []models.RequestStatus, updates map[string]any) error {
	res := s.db.WithContext(ctx).Model(&models.SignatureRequest{}).
		Where("id = ? AND status IN ?", requestID, from).
		Updates(updates)
	if res.Error != nil {
		return database.Translate(res.Error, "signature request")
	}
	if res.RowsAffected == 0 {
		return apperr.New(apperr.ErrInvalidTransition, "the signature request changed state, reload and try again")
	}
	return nil
}

// refreshSigned marks the document signed once its current version has no
// pending requests left and at least one signature. Every request transition
// that can close the last open request calls it.
func (s *Service) refreshSigned(ctx context.Context, documentID string) {
	doc, err := s.loadDocument(ctx, s.db, documentID)
	if err != nil || doc.CurrentDocumentVersionID == nil {
		return
	}
	if doc.Status == models.DocumentCancelled || doc.Status == models.DocumentSigned {
		return
	}
	type tally struct {
		Status models.RequestStatus
		N      int64
	}
	var counts []tally
	err = s.db.WithContext(ctx).Model(&models.SignatureRequest{}).
		Select("status, COUNT(*) AS n").
		Where("document_version_id = ?", *doc.CurrentDocumentVersionID).
		Group("status").Scan(&counts).Error
	if err != nil {
		s.lg.Errorw("document status not refreshed", "document_id", documentID, "error", err)
		return
	}
	var pending, signed int64
	for _, c := range counts {
		switch c.Status {
		case models.RequestPending:
			pending = c.N
		case models.RequestSigned:
			signed = c.N
		}
	}
	if pending > 0 || signed == 0 {
		return
	}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.Document{}).
			Where("id = ? AND status <> ?", doc.ID, models.DocumentCancelled).
			Updates(map[string]any{"status": models.DocumentSigned, "updated_at": s.now()}).Error
		if err != nil {
			return err
		}
		return tx.Model(&models.DocumentVersion{}).
			Where("id = ?", *doc.CurrentDocumentVersionID).
			Update("is_signed_version", true).Error
	})
	if err != nil {
		s.lg.Errorw("document not marked signed", "document_id", documentID, "error", err)
	}
}
