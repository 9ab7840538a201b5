package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"rosterline.org/internal/audit"
)

type createAccountRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Password string `json:"password" validate:"required,max=1024"`
	Role     string `json:"role" validate:"required,oneof=owner admin scheduler volunteer"`
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=owner admin scheduler volunteer"`
}

type auditReportRequest struct {
	Action        string         `json:"action" validate:"required"`
	ResourceType  string         `json:"resource_type" validate:"required,max=64"`
	ResourceID    string         `json:"resource_id" validate:"required,max=128"`
	Before        map[string]any `json:"before,omitempty"`
	After         map[string]any `json:"after,omitempty"`
	Outcome       string         `json:"outcome,omitempty" validate:"omitempty,oneof=success failure"`
	FailureReason string         `json:"failure_reason,omitempty" validate:"max=256"`
}

type auditPage struct {
	Items      []audit.Entry `json:"items"`
	NextCursor string        `json:"next_cursor,omitempty"`
}

func (a *API) handleCreateAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	acct, err := a.auth.CreateAccount(r.Context(), principal(r).OrganizationID, req.Email, req.Password, req.Role)
	if err != nil {
		respondError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/v1/admin/accounts/%s", acct.ID))
	writeJSON(w, http.StatusCreated, viewAccount(acct))
}

func (a *API) handleChangeRole(w http.ResponseWriter, r *http.Request) {
	var req changeRoleRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	acct, err := a.auth.ChangeRole(r.Context(), principal(r), mux.Vars(r)["id"], req.Role)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewAccount(acct))
}

func (a *API) handleLockAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := a.auth.LockAccount(r.Context(), principal(r), mux.Vars(r)["id"])
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account": viewAccount(acct),
		"status":  acct.Status,
	})
}

// handleAuditReport lets collaborators outside the core record the admin
// actions they perform.
func (a *API) handleAuditReport(w http.ResponseWriter, r *http.Request) {
	var req auditReportRequest
	if !decodeOrFail(w, r, &req) {
		return
	}
	action := audit.Action(req.Action)
	if !audit.ExternalAction(action) {
		writeError(w, r, http.StatusBadRequest, "action cannot be reported")
		return
	}
	id, err := a.audit.Record(r.Context(), audit.Event{
		Action:        action,
		ResourceType:  req.ResourceType,
		ResourceID:    req.ResourceID,
		Before:        req.Before,
		After:         req.After,
		Outcome:       audit.Outcome(req.Outcome),
		FailureReason: req.FailureReason,
	})
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"id": id})
}

func (a *API) handleAuditQuery(w http.ResponseWriter, r *http.Request) {
	orgID := principal(r).OrganizationID
	f, page, err := parseAuditQuery(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if format := r.URL.Query().Get("format"); format != "" {
		switch format {
		case audit.FormatCSV:
			w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		case audit.FormatJSON:
			w.Header().Set("Content-Type", "application/json; charset=utf-8")
		default:
			writeError(w, r, http.StatusBadRequest, "format must be csv or json")
			return
		}
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="audit-%s.%s"`, time.Now().UTC().Format("20060102"), format))
		if err := a.audit.Export(r.Context(), orgID, f, format, w); err != nil {
			// Headers are gone once streaming started; the log is all that is left.
			a.log.Error("audit export failed", zap.String("organization_id", orgID), zap.Error(err))
		}
		return
	}

	items, next, err := a.audit.Query(r.Context(), orgID, f, page)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, auditPage{Items: items, NextCursor: next})
}

func parseAuditQuery(r *http.Request) (audit.Filter, audit.Page, error) {
	q := r.URL.Query()
	f := audit.Filter{
		ActorID:      strings.TrimSpace(q.Get("actor_id")),
		Action:       audit.Action(strings.TrimSpace(q.Get("action"))),
		ResourceType: strings.TrimSpace(q.Get("resource_type")),
		ResourceID:   strings.TrimSpace(q.Get("resource_id")),
	}
	var err error
	if f.Since, err = parseTime(q.Get("since")); err != nil {
		return f, audit.Page{}, fmt.Errorf("since: %w", err)
	}
	if f.Until, err = parseTime(q.Get("until")); err != nil {
		return f, audit.Page{}, fmt.Errorf("until: %w", err)
	}
	page := audit.Page{Cursor: strings.TrimSpace(q.Get("cursor"))}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > audit.MaxPageSize {
			return f, audit.Page{}, fmt.Errorf("limit must be between 1 and %d", audit.MaxPageSize)
		}
		page.Limit = n
	}
	if f.Action != "" && !f.Action.Valid() {
		return f, audit.Page{}, fmt.Errorf("unknown action %q", f.Action)
	}
	return f, page, nil
}

func parseTime(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}
