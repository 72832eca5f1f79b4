package httpserver

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"signportal/internal/audit"
	"signportal/internal/auth"
	"signportal/internal/httpserver/handlers"
	"signportal/internal/metrics"
	"signportal/internal/models"
	"signportal/internal/services/account"
	"signportal/internal/services/admin"
	"signportal/internal/services/incident"
	"signportal/internal/services/signing"
	"signportal/internal/storage"
)

type Deps struct {
	DB        *gorm.DB
	Tokens    *auth.TokenIssuer
	Files     *storage.FS
	Audit     *audit.Recorder
	Metrics   *metrics.Collector
	Accounts  *account.Service
	Signing   *signing.Service
	Incidents *incident.Service
	Admin     *admin.Service
	// MaxUploadBytes caps document uploads.
	MaxUploadBytes int64
	Logger         *zap.SugaredLogger
}

func NewRouter(d Deps) http.Handler {
	lg := d.Logger
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer, middleware.Logger)
	r.Use(latency(d.Metrics))

	r.Post("/v1/auth/register", handlers.Register(d.Accounts, lg))
	r.Post("/v1/auth/login", handlers.Login(d.Accounts, lg))
	r.Post("/v1/auth/verify", handlers.VerifyEmail(d.Accounts, lg))
	r.Post("/v1/auth/verify/resend", handlers.ResendVerification(d.Accounts, lg))
	r.Get("/files/{token}", handlers.ServeFile(d.Files, lg))

	r.Group(func(protected chi.Router) {
		protected.Use(auth.JWTAuth(d.DB, d.Tokens))
		protected.Get("/v1/me", handlers.Me(d.Accounts, lg))
		protected.Post("/v1/auth/logout", handlers.Logout(d.Accounts, lg))
		protected.Post("/v1/auth/password", handlers.ChangePassword(d.Accounts, lg))
		protected.Post("/v1/auth/mfa/enroll", handlers.EnrollMFA(d.Accounts, lg))
		protected.Post("/v1/auth/mfa/confirm", handlers.ConfirmMFA(d.Accounts, lg))
		protected.Post("/v1/auth/mfa/disable", handlers.DisableMFA(d.Accounts, lg))

		protected.Post("/v1/documents", handlers.CreateDocument(d.Signing, d.MaxUploadBytes, lg))
		protected.Get("/v1/documents", handlers.ListDocuments(d.Signing, lg))
		protected.Get("/v1/documents/{id}", handlers.GetDocument(d.Signing, lg))
		protected.Delete("/v1/documents/{id}", handlers.DeleteDocument(d.Signing, lg))
		protected.Post("/v1/documents/{id}/versions", handlers.UploadVersion(d.Signing, d.MaxUploadBytes, lg))
		protected.Post("/v1/documents/{id}/send", handlers.SendForSignature(d.Signing, lg))
		protected.Post("/v1/documents/{id}/cancel", handlers.CancelDocument(d.Signing, lg))
		protected.Get("/v1/documents/{id}/versions/{version_id}/url", handlers.VersionURL(d.Signing, lg))

		protected.Get("/v1/signature-requests", handlers.ListIncoming(d.Signing, lg))
		protected.Post("/v1/signature-requests/{id}/sign", handlers.Sign(d.Signing, lg))
		protected.Post("/v1/signature-requests/{id}/decline", handlers.Decline(d.Signing, lg))
		protected.Post("/v1/signature-requests/{id}/cancel", handlers.CancelRequest(d.Signing, lg))

		protected.Post("/v1/incidents", handlers.ReportIncident(d.Incidents, lg))
		protected.Get("/v1/logs", handlers.MyLogs(d.Audit, lg))

		protected.Group(func(adm chi.Router) {
			adm.Use(auth.RequireRole(models.RoleAdmin))
			adm.Get("/v1/admin/users", handlers.ListUsers(d.Admin, lg))
			adm.Post("/v1/admin/users/{id}/block", handlers.BlockUser(d.Admin, lg))
			adm.Post("/v1/admin/users/{id}/unblock", handlers.UnblockUser(d.Admin, lg))
			adm.Get("/v1/admin/audit", handlers.AuditLogs(d.Audit, lg))
			adm.Get("/v1/admin/incidents", handlers.ListIncidents(d.Incidents, lg))
			adm.Post("/v1/admin/incidents/{id}/resolve", handlers.ResolveIncident(d.Incidents, lg))
			adm.Get("/v1/admin/records/{entity}", handlers.ListRecords(d.Admin, lg))
			adm.Patch("/v1/admin/records/{entity}/{id}", handlers.UpdateRecord(d.Admin, lg))
			adm.Delete("/v1/admin/records/{entity}/{id}", handlers.DeleteRecord(d.Admin, lg))
			adm.Get("/v1/admin/stats", handlers.Stats(d.Admin, lg))
			adm.Get("/v1/admin/metrics", handlers.Metrics(d.Metrics))
		})
	})
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	return r
}

// latency records per-route request durations under "http_request".
func latency(m *metrics.Collector) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			route := "unmatched"
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = r.Method + " " + rc.RoutePattern()
			}
			m.Observe("http_request", time.Since(start))
			m.Inc("http_responses", "route", route, "status", strconv.Itoa(ww.Status()))
		})
	}
}
