package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"rosterline.org/internal/audit"
	"rosterline.org/internal/auth"
	"rosterline.org/internal/obs"
	"rosterline.org/internal/secure"
	"rosterline.org/internal/totp"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorBody(w, r, code, map[string]any{"error": msg})
}

func writeErrorBody(w http.ResponseWriter, r *http.Request, code int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

// respondError maps the error taxonomy to status codes. Messages never say
// whether an account exists.
func respondError(w http.ResponseWriter, r *http.Request, err error) {
	var verrs validator.ValidationErrors
	switch {
	case errors.Is(err, secure.ErrRateLimited):
		if wait, ok := secure.RetryAfter(err); ok {
			w.Header().Set("Retry-After", strconv.Itoa(int(wait.Seconds())))
		}
		writeError(w, r, http.StatusTooManyRequests, "too many attempts, try again later")
	case errors.Is(err, secure.ErrStorageUnavailable):
		obs.Logger().Error("dependency unavailable", zap.String("path", r.URL.Path), zap.Error(err))
		w.Header().Set("Retry-After", "5")
		writeError(w, r, http.StatusServiceUnavailable, "service temporarily unavailable")
	case errors.Is(err, secure.ErrSessionInvalid):
		writeErrorBody(w, r, http.StatusUnauthorized, map[string]any{
			"error":          "session is no longer valid",
			"reauthenticate": true,
		})
	case errors.Is(err, auth.ErrSecondFactorRequired):
		writeErrorBody(w, r, http.StatusUnauthorized, map[string]any{
			"error":                  "second factor required",
			"second_factor_required": true,
		})
	case errors.Is(err, secure.ErrCredentialMismatch):
		writeError(w, r, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, secure.ErrAccountLocked):
		writeError(w, r, http.StatusForbidden, "account is locked")
	case errors.Is(err, secure.ErrAlreadyConsumed), errors.Is(err, secure.ErrInvalidOrExpiredToken):
		writeError(w, r, http.StatusBadRequest, "invalid or expired token")
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, "forbidden")
	case errors.Is(err, secure.ErrNotFound), errors.Is(err, totp.ErrNotEnrolled):
		writeError(w, r, http.StatusNotFound, "not found")
	case errors.Is(err, auth.ErrConflict), errors.Is(err, totp.ErrAlreadyEnabled):
		writeError(w, r, http.StatusConflict, "already exists")
	case errors.Is(err, auth.ErrWeakPassword):
		writeError(w, r, http.StatusBadRequest, "password must be 10 to 72 bytes and contain a letter and a digit")
	case errors.Is(err, auth.ErrInvalidInput), errors.Is(err, audit.ErrInvalidQuery), errors.Is(err, audit.ErrInvalidEvent):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.As(err, &verrs):
		writeError(w, r, http.StatusBadRequest, validationMessage(verrs))
	default:
		obs.Logger().Error("request failed", zap.String("path", r.URL.Path),
			zap.String("request_id", RequestIDFromContext(r.Context())), zap.Error(err))
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func validationMessage(verrs validator.ValidationErrors) string {
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" is "+fe.Tag())
	}
	return "invalid request: " + strings.Join(fields, ", ")
}

// decodeJSON reads exactly one JSON object and validates it.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return validate.Struct(dst)
}

// decodeOrFail writes the 400 itself and reports whether the handler may
// continue.
func decodeOrFail(w http.ResponseWriter, r *http.Request, dst any) bool {
	err := decodeJSON(r, dst)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		writeError(w, r, http.StatusBadRequest, validationMessage(verrs))
		return false
	}
	writeError(w, r, http.StatusBadRequest, err.Error())
	return false
}
