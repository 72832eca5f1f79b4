package audit

import (
	"context"
	"strings"
	"time"

	"signportal/internal/models"
	"signportal/internal/util"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 500
)

type Filter struct {
	UserID     string
	EventType  string
	DocumentID string
	// Search matches user_email, event_type and ip_address only.
	Search string
	From   *time.Time
	To     *time.Time
	// Page is 1-based.
	Page     int
	PageSize int
}

type Page struct {
	Entries  []models.AuditLog `json:"entries"`
	Total    int64             `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"page_size"`
}

// List returns matching entries, newest first.
func (r *Recorder) List(ctx context.Context, f Filter) (Page, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize <= 0 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	q := r.db.WithContext(ctx).Model(&models.AuditLog{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.EventType != "" {
		q = q.Where("event_type = ?", NormalizeEventType(f.EventType))
	}
	if f.DocumentID != "" {
		q = q.Where("document_id = ?", f.DocumentID)
	}
	if s := strings.ToLower(strings.TrimSpace(f.Search)); s != "" {
		like := util.ContainsPattern(s)
		q = q.Where(`LOWER(user_email) LIKE ? ESCAPE '\' OR LOWER(event_type) LIKE ? ESCAPE '\' OR LOWER(ip_address) LIKE ? ESCAPE '\'`, like, like, like)
	}
	if f.From != nil {
		q = q.Where("timestamp >= ?", f.From.UTC())
	}
	if f.To != nil {
		q = q.Where("timestamp <= ?", f.To.UTC())
	}
	var total int64
	if err := q.Count(&total).Error; err != nil {
		return Page{}, err
	}
	entries := make([]models.AuditLog, 0, f.PageSize)
	err := q.Order("timestamp desc").Order("id desc").
		Limit(f.PageSize).Offset((f.Page - 1) * f.PageSize).
		Find(&entries).Error
	if err != nil {
		return Page{}, err
	}
	return Page{Entries: entries, Total: total, Page: f.Page, PageSize: f.PageSize}, nil
}
