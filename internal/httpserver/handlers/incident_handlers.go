package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"signportal/internal/services/incident"
)

func ReportIncident(svc *incident.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			DocumentID string `json:"document_id"`
			Reason     string `json:"reason"`
			Details    string `json:"details"`
		}
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		rep, err := svc.Report(r.Context(), actor(r), incident.ReportInput{DocumentID: req.DocumentID, Reason: req.Reason, Details: req.Details})
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondStatus(w, http.StatusCreated, rep)
	}
}

func ListIncidents(svc *incident.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reps, err := svc.List(r.Context(), r.URL.Query().Get("status"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, reps)
	}
}

func ResolveIncident(svc *incident.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		rep, err := svc.Resolve(r.Context(), actor(r), chi.URLParam(r, "id"), req.Confirm)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, rep)
	}
}
