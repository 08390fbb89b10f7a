package api

import (
	"net/http"
	"strconv"

	"github.com/codedrop/codedrop/internal/audit"
	"github.com/codedrop/codedrop/internal/auth"
	"github.com/codedrop/codedrop/internal/middleware"
)

// SetAuditLog enables the audit trail and its /audit endpoint
func (h *Handler) SetAuditLog(m *audit.Manager) {
	h.auditLog = m
}

// record stamps the event with the client address and logs it. A nil audit log drops it.
func (h *Handler) record(r *http.Request, event *audit.AuditEvent) {
	if h.auditLog == nil {
		return
	}
	event.IPAddress = middleware.IPKeyExtractor(r)
	event.UserAgent = r.UserAgent()
	h.auditLog.LogEvent(r.Context(), event)
}

type auditPage struct {
	Logs     []*audit.AuditLog `json:"logs"`
	Total    int               `json:"total"`
	Page     int               `json:"page"`
	PageSize int               `json:"pageSize"`
}

// handleListAudit returns the caller's own trail, newest first
func (h *Handler) handleListAudit(w http.ResponseWriter, r *http.Request) {
	requester := auth.IdentityFromContext(r.Context())
	q := r.URL.Query()

	filters := &audit.AuditLogFilters{
		UserID:    requester.ID,
		EventType: q.Get("event_type"),
		Status:    q.Get("status"),
	}
	filters.Page, _ = strconv.Atoi(q.Get("page"))
	filters.PageSize, _ = strconv.Atoi(q.Get("page_size"))

	logs, total, err := h.auditLog.GetLogs(r.Context(), filters)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "InternalError", "failed to load audit log")
		return
	}

	writeJSON(w, http.StatusOK, auditPage{
		Logs:     logs,
		Total:    total,
		Page:     filters.Page,
		PageSize: filters.PageSize,
	})
}
