package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"signportal/internal/apperr"
	"signportal/internal/auth"
	"signportal/internal/services/account"
)

// NotFoundRedirect is where clients are sent when a resource is missing.
const NotFoundRedirect = "/v1/documents"

func respondJSON(w http.ResponseWriter, v interface{}) {
	respondStatus(w, http.StatusOK, v)
}

func respondStatus(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

type errorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

func respondError(w http.ResponseWriter, lg *zap.SugaredLogger, err error) {
	status, body := classify(err)
	if status >= http.StatusInternalServerError {
		lg.Errorw("request failed", "error", err)
	}
	if status == http.StatusTooManyRequests {
		if s, ok := body.Details["remaining_seconds"].(int); ok {
			w.Header().Set("Retry-After", strconv.Itoa(s))
		}
	}
	respondStatus(w, status, map[string]any{"error": body})
}

func classify(err error) (int, errorBody) {
	var te *account.ThrottledError
	switch {
	case errors.As(err, &te):
		return http.StatusTooManyRequests, errorBody{"throttled", te.Error(), map[string]any{"remaining_seconds": te.RemainingSeconds()}}
	case errors.Is(err, account.ErrAccountBlocked):
		return http.StatusLocked, errorBody{Code: "account_blocked", Message: err.Error()}
	case errors.Is(err, account.ErrEmailNotConfirmed):
		return http.StatusForbidden, errorBody{Code: "email_not_confirmed", Message: err.Error()}
	case errors.Is(err, account.ErrMFARequired):
		return http.StatusUnauthorized, errorBody{Code: "mfa_required", Message: err.Error()}
	case errors.Is(err, account.ErrInvalidCredentials):
		return http.StatusUnauthorized, errorBody{Code: "invalid_credentials", Message: err.Error()}
	case errors.Is(err, account.ErrUnavailable):
		return http.StatusServiceUnavailable, errorBody{Code: "unavailable", Message: err.Error()}
	}

	details := apperr.DetailsOf(err)
	withDetails := func(status int, code string) (int, errorBody) {
		return status, errorBody{Code: code, Message: err.Error(), Details: details}
	}
	switch {
	case errors.Is(err, apperr.ErrValidation):
		return withDetails(http.StatusBadRequest, "validation_failed")
	case errors.Is(err, apperr.ErrUnauthorized):
		return withDetails(http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, apperr.ErrForbidden):
		return withDetails(http.StatusForbidden, "forbidden")
	case errors.Is(err, apperr.ErrNotFound):
		d := map[string]any{"redirect": NotFoundRedirect}
		for k, v := range details {
			d[k] = v
		}
		details = d
		return withDetails(http.StatusNotFound, "not_found")
	case errors.Is(err, apperr.ErrConflict):
		return withDetails(http.StatusConflict, "conflict")
	case errors.Is(err, apperr.ErrInvalidTransition):
		return withDetails(http.StatusConflict, "invalid_transition")
	case errors.Is(err, apperr.ErrConfirmationRequired):
		return withDetails(http.StatusPreconditionRequired, "confirmation_required")
	}
	return http.StatusInternalServerError, errorBody{Code: "internal", Message: "something went wrong, please try again"}
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(r *http.Request, v any) error {
	err := json.NewDecoder(r.Body).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return apperr.Newf(apperr.ErrValidation, "invalid request body: %v", err)
}

// clientIP expects middleware.RealIP to have run.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func actor(r *http.Request) auth.Actor {
	return auth.ActorFrom(r.Context(), clientIP(r), r.UserAgent())
}

func queryInt(r *http.Request, key string, def int) int {
	if v, err := strconv.Atoi(r.URL.Query().Get(key)); err == nil {
		return v
	}
	return def
}

type confirmReq struct {
	Confirm bool `json:"confirm"`
}
