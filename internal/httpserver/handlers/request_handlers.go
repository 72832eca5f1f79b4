package handlers

import (
	"bytes"
	"encoding/base64"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"signportal/internal/apperr"
	"signportal/internal/services/signing"
)

func ListIncoming(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqs, err := svc.ListIncoming(r.Context(), actor(r), r.URL.Query().Get("status"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, reqs)
	}
}

type signReq struct {
	// SignatureImage is a base64 PNG, optionally as a data URL.
	SignatureImage string `json:"signature_image"`
}

func Sign(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req signReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		var in signing.SignInput
		if img := req.SignatureImage; img != "" {
			if i := strings.Index(img, ","); strings.HasPrefix(img, "data:") && i > 0 {
				img = img[i+1:]
			}
			raw, err := base64.StdEncoding.DecodeString(img)
			if err != nil {
				respondError(w, lg, apperr.New(apperr.ErrValidation, "signature_image is not valid base64"))
				return
			}
			in.SignatureImage = bytes.NewReader(raw)
		}
		sr, err := svc.Sign(r.Context(), actor(r), chi.URLParam(r, "id"), in)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, sr)
	}
}

func Decline(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason  string `json:"reason"`
			Confirm bool   `json:"confirm"`
		}
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		sr, err := svc.Decline(r.Context(), actor(r), chi.URLParam(r, "id"), req.Reason, req.Confirm)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, sr)
	}
}

func CancelRequest(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		sr, err := svc.CancelRequest(r.Context(), actor(r), chi.URLParam(r, "id"), req.Confirm)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, sr)
	}
}
