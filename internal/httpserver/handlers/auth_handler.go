package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"signportal/internal/auth"
	"signportal/internal/services/account"
)

type registerReq struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	FullName   string `json:"full_name"`
	Title      string `json:"title"`
	Department string `json:"department"`
}

func Register(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req registerReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		u, err := svc.Register(r.Context(), account.RegisterInput{
			Email: req.Email, Password: req.Password, FullName: req.FullName,
			Title: req.Title, Department: req.Department, IP: clientIP(r),
		})
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondStatus(w, http.StatusCreated, map[string]any{"id": u.ID, "email": u.Email, "verification_sent": true})
	}
}

type loginReq struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	TOTPCode string `json:"totp_code"`
}

func Login(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		res, err := svc.Login(r.Context(), account.LoginInput{
			Email: req.Email, Password: req.Password, TOTPCode: req.TOTPCode,
			IP: clientIP(r), UserAgent: r.UserAgent(),
		})
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, res)
	}
}

func VerifyEmail(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Token string `json:"token"`
		}
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		u, err := svc.VerifyEmail(r.Context(), req.Token, clientIP(r))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"id": u.ID, "email": u.Email, "is_verified": true})
	}
}

func ResendVerification(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Email string `json:"email"`
		}
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		if err := svc.ResendVerification(r.Context(), req.Email); err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"sent": true})
	}
}

func Me(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		u, err := svc.Me(r.Context(), auth.Subject(r.Context()))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"user": u, "landing": account.Landing(u.Role)})
	}
}

func Logout(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Logout(r.Context(), auth.FromContext(r.Context()).JWTID); err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"logged_out": true})
	}
}

func ChangePassword(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Current string `json:"current_password"`
			New     string `json:"new_password"`
		}
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		if err := svc.ChangePassword(r.Context(), actor(r), req.Current, req.New); err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"changed": true})
	}
}

func EnrollMFA(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		enr, err := svc.EnrollTOTP(r.Context(), actor(r))
		if err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, enr)
	}
}

type codeReq struct {
	Code string `json:"code"`
}

func ConfirmMFA(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req codeReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		if err := svc.ConfirmTOTP(r.Context(), actor(r), req.Code); err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"is_totp_enabled": true})
	}
}

func DisableMFA(svc *account.Service, lg *zap.SugaredLogger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req codeReq
		if err := decodeJSON(r, &req); err != nil {
			respondError(w, lg, err)
			return
		}
		if err := svc.DisableTOTP(r.Context(), actor(r), req.Code); err != nil {
			respondError(w, lg, err)
			return
		}
		respondJSON(w, map[string]any{"is_totp_enabled": false})
	}
}
