package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"signportal/internal/apperr"
	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/models"
)

type logEntry struct {
	models.AuditLog
	Lines []audit.Line `json:"lines"`
}

type logPage struct {
	Entries  []logEntry `json:"entries"`
	Total    int64      `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
}

func toLogPage(p audit.Page) logPage {
	out := logPage{Entries: make([]logEntry, 0, len(p.Entries)), Total: p.Total, Page: p.Page, PageSize: p.PageSize}
	for _, e := range p.Entries {
		out.Entries = append(out.Entries, logEntry{AuditLog: e, Lines: audit.FlattenDetails(e.Details)})
	}
	return out
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		EventType:  q.Get("event_type"),
		DocumentID: q.Get("document_id"),
		Search:     q.Get("search"),
		Page:       queryInt(r, "page", 1),
		PageSize:   queryInt(r, "page_size", audit.DefaultPageSize),
	}
	for key, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		v := q.Get(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, apperr.Newf(apperr.ErrValidation, "%s must be RFC3339", key)
		}
		*dst = &t
	}
	return f, nil
}

// MyLogs lists the caller's own audit trail.
func MyLogs(rec *audit.Recorder, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		f.UserID = auth.Subject(r.Context())
		p, err := rec.List(r.Context(), f)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, toLogPage(p))
	}
}

// AuditLogs is the administrator view over every entry.
func AuditLogs(rec *audit.Recorder, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f, err := parseFilter(r)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		f.UserID = r.URL.Query().Get("user_id")
		p, err := rec.List(r.Context(), f)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, toLogPage(p))
	}
}
