package signing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/database"
	"signportal/internal/models"
	"signportal/internal/storage"
)

// Upload describes one file handed to CreateDocument or UploadVersion.
type Upload struct {
	Title                string
	Description          string
	FileName             string
	FileType             string
	DescriptionOfChanges string
	Content              io.Reader
}

func (u Upload) validate(needTitle bool) error {
	if needTitle && strings.TrimSpace(u.Title) == "" {
		return apperr.New(apperr.ErrValidation, "title is required")
	}
	if strings.TrimSpace(u.FileName) == "" || u.Content == nil {
		return apperr.New(apperr.ErrValidation, "a file is required")
	}
	return nil
}

// putHashed stores the upload and returns its size and hex SHA-256.
func (s *Service) putHashed(ctx context.Context, key string, r io.Reader) (int64, string, error) {
	h := sha256.New()
	n, err := s.blobs.Put(ctx, key, io.TeeReader(r, h))
	if err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", apperr.New(apperr.ErrValidation, "the file is empty")
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// CreateDocument stores the first version of a new document.
func (s *Service) CreateDocument(ctx context.Context, actor auth.Actor, up Upload) (*models.Document, error) {
	if err := up.validate(true); err != nil {
		return nil, err
	}
	docID, versionID := uuid.NewString(), uuid.NewString()
	key := storage.VersionKey(actor.UserID, docID, 1, up.FileName)

	var doc models.Document
	var version models.DocumentVersion
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		size, hash, err := s.putHashed(ctx, key, up.Content)
		if err != nil {
			return err
		}
		version = models.DocumentVersion{
			ID:              versionID,
			DocumentID:      docID,
			VersionNumber:   1,
			FilePath:        key,
			FileName:        up.FileName,
			FileType:        up.FileType,
			FileSize:        size,
			FileHash:        hash,
			CreatedByUserID: actor.UserID,
		}
		doc = models.Document{
			ID:                       docID,
			OwnerID:                  actor.UserID,
			Title:                    strings.TrimSpace(up.Title),
			Description:              up.Description,
			Status:                   models.DocumentDraft,
			LatestVersionNumber:      1,
			CurrentDocumentVersionID: &versionID,
			OriginalHash:             hash,
		}
		if err := tx.Create(&doc).Error; err != nil {
			return err
		}
		return tx.Create(&version).Error
	})
	if err != nil {
		s.discard(ctx, key)
		return nil, database.Translate(err, "document")
	}
	s.record(ctx, actor, audit.DocumentUploaded, map[string]any{
		"title":          doc.Title,
		"file_name":      version.FileName,
		"file_size":      version.FileSize,
		"file_hash":      version.FileHash,
		"version_number": 1,
	}, doc.ID, version.ID, "")
	return &doc, nil
}

// VersionResult is what UploadVersion reports back.
type VersionResult struct {
	Version          models.DocumentVersion `json:"version"`
	VoidedRequestIDs []string               `json:"voided_request_ids"`
}

// UploadVersion adds a new version and makes it current. Requests still open
// against the superseded version become void in the same transaction. A
// failure anywhere leaves the document on its previous version and removes
// the stored object.
func (s *Service) UploadVersion(ctx context.Context, actor auth.Actor, documentID string, up Upload) (*VersionResult, error) {
	if err := up.validate(false); err != nil {
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
		return nil, apperr.New(apperr.ErrInvalidTransition, "a cancelled document cannot receive new versions")
	}

	var res VersionResult
	var key string
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cur models.Document
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&cur, "id = ?", documentID).Error; err != nil {
			return err
		}
		next := cur.LatestVersionNumber + 1
		key = storage.VersionKey(cur.OwnerID, cur.ID, next, up.FileName)
		size, hash, err := s.putHashed(ctx, key, up.Content)
		if err != nil {
			return err
		}
		res.Version = models.DocumentVersion{
			DocumentID:           cur.ID,
			VersionNumber:        next,
			FilePath:             key,
			FileName:             up.FileName,
			FileType:             up.FileType,
			FileSize:             size,
			FileHash:             hash,
			CreatedByUserID:      actor.UserID,
			DescriptionOfChanges: up.DescriptionOfChanges,
		}
		if err := tx.Create(&res.Version).Error; err != nil {
			return err
		}
		if cur.CurrentDocumentVersionID != nil {
			ids, err := s.voidRequests(tx, *cur.CurrentDocumentVersionID)
			if err != nil {
				return err
			}
			res.VoidedRequestIDs = ids
		}
		return tx.Model(&models.Document{}).Where("id = ?", cur.ID).Updates(map[string]any{
			"latest_version_number":       next,
			"current_document_version_id": res.Version.ID,
			"status":                      models.DocumentDraft,
			"updated_at":                  s.now(),
		}).Error
	})
	if err != nil {
		if key != "" {
			s.discard(ctx, key)
		}
		return nil, database.Translate(err, "document version")
	}
	if res.VoidedRequestIDs == nil {
		res.VoidedRequestIDs = []string{}
	}
	s.record(ctx, actor, audit.DocumentVersionAdded, map[string]any{
		"version_number":     res.Version.VersionNumber,
		"file_name":          res.Version.FileName,
		"file_hash":          res.Version.FileHash,
		"voided_request_ids": res.VoidedRequestIDs,
	}, documentID, res.Version.ID, "")
	return &res, nil
}

// voidRequests voids the still-open requests on versionID. Signed, cancelled
// and already void rows keep their status.
func (s *Service) voidRequests(tx *gorm.DB, versionID string) ([]string, error) {
	var ids []string
	err := tx.Model(&models.SignatureRequest{}).
		Where("document_version_id = ? AND status IN ?", versionID, models.Cancellable).
		Pluck("id", &ids).Error
	if err != nil || len(ids) == 0 {
		return ids, err
	}
	err = tx.Model(&models.SignatureRequest{}).
		Where("id IN ? AND status IN ?", ids, models.Cancellable).
		Updates(map[string]any{"status": models.RequestVoid, "voided_at": s.now()}).Error
	return ids, err
}

func (s *Service) discard(ctx context.Context, key string) {
	if err := s.blobs.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.lg.Errorw("orphaned blob left behind", "key", key, "error", err)
	}
}

// DeleteDocument removes the document, its versions, its requests and every
// stored object. Owners and administrators may delete.
func (s *Service) DeleteDocument(ctx context.Context, actor auth.Actor, documentID string, confirm bool) error {
	if err := apperr.RequireConfirmation(confirm, "deleting a document"); err != nil {
		return err
	}
	doc, err := s.loadDocument(ctx, s.db, documentID)
	if err != nil {
		return err
	}
	if !actor.IsAdmin() {
		if err := requireOwner(actor, doc); err != nil {
			return err
		}
	}
	var versions []models.DocumentVersion
	var requests []models.SignatureRequest
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("document_id = ?", doc.ID).Find(&versions).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Find(&requests).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.SignatureRequest{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", doc.ID).Delete(&models.DocumentVersion{}).Error; err != nil {
			return err
		}
		res := tx.Delete(&models.Document{}, "id = ?", doc.ID)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return nil
	})
	if err != nil {
		return database.Translate(err, "document")
	}
	for _, v := range versions {
		s.discard(ctx, v.FilePath)
	}
	for _, r := range requests {
		if r.SignatureDataPath != "" {
			s.discard(ctx, r.SignatureDataPath)
		}
	}
	s.record(ctx, actor, audit.DocumentDeleted, map[string]any{
		"deleted_data":    doc,
		"version_count":   len(versions),
		"request_count":   len(requests),
		"deleted_by_role": actor.Role,
	}, doc.ID, "", "")
	return nil
}

// DocumentView is a document with its history, as visible to the caller.
type DocumentView struct {
	Document models.Document           `json:"document"`
	Versions []models.DocumentVersion  `json:"versions"`
	Requests []models.SignatureRequest `json:"signature_requests"`
}

// GetDocument is open to the owner, administrators and anyone named as a
// signer on the document. Signers only see their own requests.
func (s *Service) GetDocument(ctx context.Context, actor auth.Actor, documentID string) (*DocumentView, error) {
	doc, err := s.loadDocument(ctx, s.db, documentID)
	if err != nil {
		return nil, err
	}
	q := s.db.WithContext(ctx).Where("document_id = ?", doc.ID)
	privileged := actor.IsAdmin() || doc.OwnerID == actor.UserID
	if !privileged {
		q = q.Where("LOWER(signer_email) = ?", strings.ToLower(actor.Email))
	}
	view := DocumentView{Document: *doc}
	if err := q.Order("requested_at asc").Find(&view.Requests).Error; err != nil {
		return nil, err
	}
	if !privileged && len(view.Requests) == 0 {
		return nil, apperr.New(apperr.ErrNotFound, "document not found")
	}
	err = s.db.WithContext(ctx).Where("document_id = ?", doc.ID).
		Order("version_number asc").Find(&view.Versions).Error
	if err != nil {
		return nil, err
	}
	return &view, nil
}

// ListDocuments returns the caller's own documents, most recently changed first.
func (s *Service) ListDocuments(ctx context.Context, actor auth.Actor, status string) ([]models.Document, error) {
	q := s.db.WithContext(ctx).Where("owner_id = ?", actor.UserID)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	docs := []models.Document{}
	if err := q.Order("updated_at desc").Find(&docs).Error; err != nil {
		return nil, err
	}
	return docs, nil
}

// VersionURL hands out a short-lived download link for one version.
func (s *Service) VersionURL(ctx context.Context, actor auth.Actor, documentID, versionID string) (string, error) {
	if _, err := s.GetDocument(ctx, actor, documentID); err != nil {
		return "", err
	}
	var v models.DocumentVersion
	err := s.db.WithContext(ctx).First(&v, "id = ? AND document_id = ?", versionID, documentID).Error
	if err != nil {
		return "", database.Translate(err, "document version")
	}
	url, _ := s.blobs.SignedURL(v.FilePath)
	return url, nil
}
