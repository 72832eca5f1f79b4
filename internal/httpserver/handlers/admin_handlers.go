package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"signportal/internal/metrics"
	"signportal/internal/services/admin"
)

func ListUsers(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		users, err := svc.ListUsers(r.Context(), r.URL.Query().Get("search"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, users)
	}
}

func BlockUser(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		u, err := svc.BlockUser(r.Context(), actor(r), chi.URLParam(r, "id"), req.Confirm)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, u)
	}
}

func UnblockUser(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := svc.UnblockUser(r.Context(), actor(r), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, u)
	}
}

func ListRecords(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		recs, err := svc.ListRecords(r.Context(), chi.URLParam(r, "entity"), queryInt(r, "page", 1), queryInt(r, "page_size", 50))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, recs)
	}
}

func UpdateRecord(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var input map[string]any
		if err := decodeJSON(r, &input); err != nil {
			respondError(w, lg, err)
			return
		}
		row, changes, err := svc.UpdateRecord(r.Context(), actor(r), chi.URLParam(r, "entity"), chi.URLParam(r, "id"), input)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"record": row, "changes": changes})
	}
}

func DeleteRecord(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		if err := svc.DeleteRecord(r.Context(), actor(r), chi.URLParam(r, "entity"), chi.URLParam(r, "id"), req.Confirm); err != nil {
			respondError(w, lg, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Stats(svc *admin.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := svc.Stats(r.Context())
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, st)
	}
}

func Metrics(m *metrics.Collector) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, m.Snapshot())
	}
}
