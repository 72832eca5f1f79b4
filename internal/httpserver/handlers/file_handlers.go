package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"signportal/internal/storage"
)

// ServeFile streams a stored blob addressed by a signed token.
func ServeFile(fs *storage.FS, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key, err := fs.VerifyToken(chi.URLParam(r, "token"))
		if err != nil {
			http.Error(w, "link invalid or expired", http.StatusForbidden)
			return
		}
		rc, err := fs.Open(r.Context(), key)
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, "file not found", http.StatusNotFound)
			return
		}
		if err != nil {
			lg.Errorw("open blob", "key", key, "error", err)
			http.Error(w, "could not read file", http.StatusInternalServerError)
			return
		}
		defer rc.Close()
		name := path.Base(key)
		ct := mime.TypeByExtension(path.Ext(name))
		if ct == "" {
			ct = "application/octet-stream"
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Disposition", "inline; filename="+strconv.Quote(name))
		if _, err := io.Copy(w, rc); err != nil {
			lg.Warnw("stream blob", "key", key, "error", err)
		}
	}
}
