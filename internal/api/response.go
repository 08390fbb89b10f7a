package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/codedrop/codedrop/internal/auth"
	"github.com/codedrop/codedrop/internal/share"
	"github.com/sirupsen/logrus"
)

// APIResponse is the envelope of every JSON reply except the reaper report
type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *APIError   `json:"error,omitempty"`
}

// APIError is the machine readable error body
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// notFoundMessage is returned for both unknown and expired codes
const notFoundMessage = "share not found or expired"

func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, statusCode int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(APIResponse{Success: false, Error: &APIError{Code: code, Message: message}})
	logrus.WithFields(logrus.Fields{
		"code":   code,
		"status": statusCode,
		"error":  message,
	}).Debug("API error")
}

// writeShareError maps share engine errors onto HTTP statuses
func writeShareError(w http.ResponseWriter, r *http.Request, err error) {
	var shareErr *share.Error
	if !errors.As(err, &shareErr) {
		logrus.WithFields(logrus.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
		}).WithError(err).Error("Share request failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
		return
	}

	switch shareErr.Code {
	case share.CodeValidation:
		writeError(w, http.StatusBadRequest, string(shareErr.Code), shareErr.Message)
	case share.CodeNotFound, share.CodeExpired:
		writeError(w, http.StatusNotFound, string(share.CodeNotFound), notFoundMessage)
	case share.CodeForbidden:
		writeError(w, http.StatusForbidden, string(shareErr.Code), "you do not have access to this share")
	case share.CodeExhausted:
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, string(shareErr.Code), "could not allocate a share code, please retry")
	case share.CodePartialFailure:
		logrus.WithError(err).Error("Share removal left metadata behind")
		writeError(w, http.StatusInternalServerError, string(shareErr.Code), "share removal did not complete, please retry")
	default:
		logrus.WithError(err).Error("Share request failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
	}
}

// writeAuthError maps identity errors onto HTTP statuses
func writeAuthError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrInvalidUsername), errors.Is(err, auth.ErrWeakPassword):
		writeError(w, http.StatusBadRequest, string(share.CodeValidation), err.Error())
	case errors.Is(err, auth.ErrUserExists):
		writeError(w, http.StatusConflict, string(share.CodeConflict), err.Error())
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	case errors.Is(err, auth.ErrTooManyAttempts):
		w.Header().Set("Retry-After", "60")
		writeError(w, http.StatusTooManyRequests, "RateLimited", err.Error())
	default:
		logrus.WithError(err).Error("Identity request failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "internal server error")
	}
}
