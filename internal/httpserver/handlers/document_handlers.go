package handlers

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"signportal/internal/apperr"
	"signportal/internal/services/signing"
)

// readUpload parses a multipart form carrying one "file" part plus text fields.
// The caller closes the returned file.
func readUpload(w http.ResponseWriter, r *http.Request, maxBytes int64) (signing.Upload, func(), error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return signing.Upload{}, nil, apperr.Newf(apperr.ErrValidation, "file exceeds %d bytes", maxBytes)
		}
		return signing.Upload{}, nil, apperr.New(apperr.ErrValidation, "expected a multipart form")
	}
	f, hdr, err := r.FormFile("file")
	if err != nil {
		return signing.Upload{}, nil, apperr.New(apperr.ErrValidation, "a file is required")
	}
	up := signing.Upload{
		Title:                r.FormValue("title"),
		Description:          r.FormValue("description"),
		DescriptionOfChanges: r.FormValue("description_of_changes"),
		FileName:             hdr.Filename,
		FileType:             hdr.Header.Get("Content-Type"),
		Content:              f,
	}
	return up, func() {
		_ = f.Close()
		_ = r.MultipartForm.RemoveAll()
	}, nil
}

func CreateDocument(svc *signing.Service, maxBytes int64, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up, done, err := readUpload(w, r, maxBytes)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		defer done()
		doc, err := svc.CreateDocument(r.Context(), actor(r), up)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondStatus(w, http.StatusCreated, doc)
	}
}

func UploadVersion(svc *signing.Service, maxBytes int64, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		up, done, err := readUpload(w, r, maxBytes)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		defer done()
		res, err := svc.UploadVersion(r.Context(), actor(r), chi.URLParam(r, "id"), up)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondStatus(w, http.StatusCreated, res)
	}
}

func ListDocuments(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		docs, err := svc.ListDocuments(r.Context(), actor(r), r.URL.Query().Get("status"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, docs)
	}
}

func GetDocument(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		view, err := svc.GetDocument(r.Context(), actor(r), chi.URLParam(r, "id"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, view)
	}
}

func DeleteDocument(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		if err := svc.DeleteDocument(r.Context(), actor(r), chi.URLParam(r, "id"), req.Confirm); err != nil {
			respondError(w, lg, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

type sendReq struct {
	Emails  []string `json:"emails"`
	Confirm bool     `json:"confirm"`
}

func SendForSignature(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req sendReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		results, err := svc.SendForSignature(r.Context(), actor(r), chi.URLParam(r, "id"), req.Emails, req.Confirm)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"results": results})
	}
}

func CancelDocument(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req confirmReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		ids, err := svc.CancelDocument(r.Context(), actor(r), chi.URLParam(r, "id"), req.Confirm)
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"cancelled_request_ids": ids})
	}
}

func VersionURL(svc *signing.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		url, err := svc.VersionURL(r.Context(), actor(r), chi.URLParam(r, "id"), chi.URLParam(r, "version_id"))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"url": url})
	}
}
