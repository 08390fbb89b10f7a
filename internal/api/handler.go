package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/codedrop/codedrop/internal/audit"
	"github.com/codedrop/codedrop/internal/auth"
	"github.com/codedrop/codedrop/internal/clock"
	"github.com/codedrop/codedrop/internal/lifecycle"
	"github.com/codedrop/codedrop/internal/middleware"
	"github.com/codedrop/codedrop/internal/share"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// multipartMemory is how much of an upload is buffered before spilling to a temp file
const multipartMemory = 8 << 20

// Sweeper runs one reaper pass
type Sweeper interface {
	Sweep(ctx context.Context, now time.Time) (lifecycle.ReapReport, error)
}

// Handler serves the share, identity and reaper endpoints
type Handler struct {
	shares      *share.Service
	users       *auth.Manager
	reaper      Sweeper
	clock       clock.Clock
	reaperToken string
	limiter     func(http.Handler) http.Handler
	ready       func(ctx context.Context) error
	auditLog    *audit.Manager
}

// NewHandler creates a new API handler
func NewHandler(shares *share.Service, users *auth.Manager, reaper Sweeper) *Handler {
	return &Handler{
		shares:  shares,
		users:   users,
		reaper:  reaper,
		clock:   clock.Real{},
		limiter: func(next http.Handler) http.Handler { return next },
	}
}

// SetClock replaces the time source used for sweeps and time-left rendering
func (h *Handler) SetClock(c clock.Clock) {
	h.clock = c
}

// SetReaperToken requires "Authorization: Bearer <token>" on the sweep endpoint
func (h *Handler) SetReaperToken(token string) {
	h.reaperToken = token
}

// SetLookupLimiter throttles the code lookup endpoints
func (h *Handler) SetLookupLimiter(limiter func(http.Handler) http.Handler) {
	if limiter != nil {
		h.limiter = limiter
	}
}

// SetReadinessCheck installs the probe behind /ready
func (h *Handler) SetReadinessCheck(check func(ctx context.Context) error) {
	h.ready = check
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)

	// Reaper token auth, not user tokens
	router.HandleFunc("/api/v1/reaper/sweep", h.handleSweep).Methods(http.MethodPost)

	api := router.PathPrefix("/api/v1").Subrouter()
	api.Use(h.users.Middleware())

	api.HandleFunc("/auth/register", h.handleRegister).Methods(http.MethodPost)
	api.HandleFunc("/auth/login", h.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/users", auth.RequireAuth(h.handleSearchUsers)).Methods(http.MethodGet)
	api.HandleFunc("/users/available", h.handleUsernameAvailable).Methods(http.MethodGet)

	api.HandleFunc("/shares", auth.RequireAuth(h.handleCreateShare)).Methods(http.MethodPost)
	api.HandleFunc("/shares", auth.RequireAuth(h.handleListShares)).Methods(http.MethodGet)
	api.Handle("/shares/{code}/info", h.limiter(http.HandlerFunc(h.handleShareInfo))).Methods(http.MethodGet)
	api.Handle("/shares/{code}", h.limiter(http.HandlerFunc(h.handleDownload))).Methods(http.MethodGet)
	api.HandleFunc("/shares/{id}", auth.RequireAuth(h.handleDeleteShare)).Methods(http.MethodDelete)

	if h.auditLog != nil {
		api.HandleFunc("/audit", auth.RequireAuth(h.handleListAudit)).Methods(http.MethodGet)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) handleReady(w http.ResponseWriter, r *http.Request) {
	if h.ready != nil {
		if err := h.ready(r.Context()); err != nil {
			logrus.WithError(err).Warn("Readiness check failed")
			writeError(w, http.StatusServiceUnavailable, "NotReady", err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// shareResponse is a share as seen by API clients
type shareResponse struct {
	*share.Share
	TimeLeft        string `json:"timeLeft"`
	TimeLeftSeconds int64  `json:"timeLeftSeconds"`
}

func (h *Handler) present(s *share.Share, now time.Time) shareResponse {
	left := s.TimeLeft(now)
	return shareResponse{
		Share:           s,
		TimeLeft:        FormatTimeLeft(left),
		TimeLeftSeconds: int64(left / time.Second),
	}
}

// FormatTimeLeft renders a remaining lifetime like "5h 12m"
func FormatTimeLeft(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	hours := int64(d / time.Hour)
	minutes := int64((d % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func (h *Handler) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	owner := auth.IdentityFromContext(r.Context())
	maxSize := h.shares.Config().MaxFileSize

	// Leave room for the multipart envelope around the file itself
	r.Body = http.MaxBytesReader(w, r.Body, maxSize+1<<20)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, string(share.CodeValidation),
				fmt.Sprintf("file exceeds the %d byte limit", maxSize))
			return
		}
		writeError(w, http.StatusBadRequest, string(share.CodeValidation), "invalid multipart form: "+err.Error())
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, string(share.CodeValidation), "file is required")
		return
	}
	defer file.Close()

	visibility, err := share.ParseVisibility(r.FormValue("visibility"), splitGrantees(r.MultipartForm.Value["grantees"]))
	if err != nil {
		writeShareError(w, r, err)
		return
	}

	created, err := h.shares.Create(r.Context(), share.CreateRequest{
		Owner:      owner,
		FileName:   header.Filename,
		FileType:   detectFileType(header.Header.Get("Content-Type"), header.Filename),
		FileSize:   header.Size,
		Content:    file,
		Visibility: visibility,
	})
	if err != nil {
		writeShareError(w, r, err)
		return
	}
	h.record(r, &audit.AuditEvent{
		UserID:       owner.ID,
		Username:     owner.Username,
		EventType:    audit.EventTypeShareCreated,
		ResourceType: audit.ResourceTypeShare,
		ResourceID:   created.ID,
		ResourceName: created.FileName,
		Action:       audit.ActionCreate,
		Status:       audit.StatusSuccess,
		Details: map[string]interface{}{
			"code":       created.Code,
			"visibility": string(created.Visibility.Kind),
			"size":       created.FileSize,
		},
	})

	writeJSON(w, http.StatusCreated, h.present(created, h.clock.Now()))
}

func (h *Handler) handleDownload(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	requester := auth.IdentityFromContext(r.Context())

	s, content, err := h.shares.Fetch(r.Context(), code, requester)
	if err != nil {
		writeShareError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", s.FileType)
	w.Header().Set("Content-Length", strconv.FormatInt(s.FileSize, 10))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": s.FileName}))
	w.Header().Set("X-Share-Expires-At", s.ExpireAt.UTC().Format(time.RFC3339))
	w.Header().Set("Cache-Control", "private, no-store")
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, content); err != nil {
		logrus.WithFields(logrus.Fields{
			"share_id": s.ID,
			"code":     s.Code,
		}).WithError(err).Warn("Share download interrupted")
	}
}

func (h *Handler) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	code := mux.Vars(r)["code"]
	requester := auth.IdentityFromContext(r.Context())

	matches, err := h.shares.Lookup(r.Context(), code, requester)
	if err != nil {
		writeShareError(w, r, err)
		return
	}

	now := h.clock.Now()
	out := make([]shareResponse, 0, len(matches))
	for _, s := range matches {
		out = append(out, h.present(s, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleListShares(w http.ResponseWriter, r *http.Request) {
	if owner := r.URL.Query().Get("owner"); owner != "" && owner != "me" {
		writeError(w, http.StatusBadRequest, string(share.CodeValidation), "only owner=me is supported")
		return
	}
	requester := auth.IdentityFromContext(r.Context())

	owned, err := h.shares.ListOwned(r.Context(), requester.ID)
	if err != nil {
		writeShareError(w, r, err)
		return
	}

	now := h.clock.Now()
	out := make([]shareResponse, 0, len(owned))
	for _, s := range owned {
		out = append(out, h.present(s, now))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *Handler) handleDeleteShare(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requester := auth.IdentityFromContext(r.Context())

	if err := h.shares.Remove(r.Context(), requester.ID, id); err != nil {
		writeShareError(w, r, err)
		return
	}
	h.record(r, &audit.AuditEvent{
		UserID:       requester.ID,
		Username:     requester.Username,
		EventType:    audit.EventTypeShareRemoved,
		ResourceType: audit.ResourceTypeShare,
		ResourceID:   id,
		Action:       audit.ActionDelete,
		Status:       audit.StatusSuccess,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleSweep(w http.ResponseWriter, r *http.Request) {
	if h.reaperToken != "" {
		token, _ := auth.BearerToken(r)
		if subtle.ConstantTimeCompare([]byte(token), []byte(h.reaperToken)) != 1 {
			writeError(w, http.StatusUnauthorized, "Unauthorized", "invalid reaper token")
			return
		}
	}

	report, err := h.reaper.Sweep(r.Context(), h.clock.Now())
	if err != nil {
		logrus.WithField("request_id", middleware.GetRequestID(r.Context())).WithError(err).Error("Reaper sweep failed")
		writeError(w, http.StatusInternalServerError, "InternalError", "sweep failed")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(report)
}

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token string     `json:"token"`
	User  *auth.User `json:"user"`
}

func decodeCredentials(w http.ResponseWriter, r *http.Request) (*credentialsRequest, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(share.CodeValidation), "invalid request body")
		return nil, false
	}
	return &req, true
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	user, err := h.users.Register(r.Context(), req.Username, req.Password)
	if err != nil {
		writeAuthError(w, err)
		return
	}
	h.record(r, &audit.AuditEvent{
		UserID:       user.ID,
		Username:     user.Username,
		EventType:    audit.EventTypeUserRegistered,
		ResourceType: audit.ResourceTypeUser,
		ResourceID:   user.ID,
		ResourceName: user.Username,
		Action:       audit.ActionCreate,
		Status:       audit.StatusSuccess,
	})
	writeJSON(w, http.StatusCreated, user)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	token, user, err := h.users.Login(r.Context(), req.Username, req.Password, middleware.IPKeyExtractor(r))
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) || errors.Is(err, auth.ErrTooManyAttempts) {
			h.record(r, &audit.AuditEvent{
				UserID:       audit.AnonymousUserID,
				Username:     auth.NormalizeUsername(req.Username),
				EventType:    audit.EventTypeLoginFailed,
				ResourceType: audit.ResourceTypeUser,
				Action:       audit.ActionLogin,
				Status:       audit.StatusFailed,
				Details:      map[string]interface{}{"reason": err.Error()},
			})
		}
		writeAuthError(w, err)
		return
	}
	h.record(r, &audit.AuditEvent{
		UserID:       user.ID,
		Username:     user.Username,
		EventType:    audit.EventTypeLoginSuccess,
		ResourceType: audit.ResourceTypeUser,
		ResourceID:   user.ID,
		Action:       audit.ActionLogin,
		Status:       audit.StatusSuccess,
	})
	writeJSON(w, http.StatusOK, loginResponse{Token: token, User: user})
}

func (h *Handler) handleSearchUsers(w http.ResponseWriter, r *http.Request) {
	requester := auth.IdentityFromContext(r.Context())

	names, err := h.users.ResolveUsername(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		writeAuthError(w, err)
		return
	}

	out := make([]string, 0, len(names))
	for _, name := range names {
		if name != requester.Username {
			out = append(out, name)
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type availabilityResponse struct {
	Username    string   `json:"username"`
	Available   bool     `json:"available"`
	Suggestions []string `json:"suggestions,omitempty"`
}

func (h *Handler) handleUsernameAvailable(w http.ResponseWriter, r *http.Request) {
	username := auth.NormalizeUsername(r.URL.Query().Get("username"))

	available, err := h.users.IsAvailable(r.Context(), username)
	if err != nil {
		writeAuthError(w, err)
		return
	}

	resp := availabilityResponse{Username: username, Available: available}
	if !available {
		if resp.Suggestions, err = h.users.Suggestions(r.Context(), username); err != nil {
			writeAuthError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// splitGrantees accepts repeated fields as well as comma separated lists
func splitGrantees(values []string) []string {
	var out []string
	for _, v := range values {
		for _, g := range strings.Split(v, ",") {
			if g = strings.TrimSpace(g); g != "" {
				out = append(out, g)
			}
		}
	}
	return out
}

// detectFileType prefers the part's declared type and falls back to the extension
func detectFileType(declared, fileName string) string {
	if mediaType, _, err := mime.ParseMediaType(declared); err == nil && mediaType != "application/octet-stream" {
		return strings.ToLower(mediaType)
	}
	if byExt := mime.TypeByExtension(strings.ToLower(path.Ext(fileName))); byExt != "" {
		if mediaType, _, err := mime.ParseMediaType(byExt); err == nil {
			return mediaType
		}
	}
	return "application/octet-stream"
}
