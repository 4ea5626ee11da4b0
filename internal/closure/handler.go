package closure

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"lv-closure/internal/audit"
	"lv-closure/internal/broker"
	"lv-closure/internal/httputil"
	"lv-closure/internal/model"
	"lv-closure/internal/types"
)

type Handler struct {
	processor *Processor
	orch      *Orchestrator
	processes ProcessStore
	audits    audit.Store
}

func NewHandler(processor *Processor, orch *Orchestrator, processes ProcessStore, audits audit.Store) *Handler {
	return &Handler{processor: processor, orch: orch, processes: processes, audits: audits}
}

type initiateRequest struct {
	UserID             string `json:"user_id,omitempty"`
	AccountID          string `json:"account_id"`
	BankRelationshipID string `json:"bank_relationship_id"`
}

// Initiate starts a closure for one of the caller's accounts. Returns
// 202 immediately; the multi-day flow continues in the background.
func (h *Handler) Initiate(w http.ResponseWriter, r *http.Request, userID string) {
	var req initiateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.processor.Initiate(r.Context(), userID, strings.TrimSpace(req.AccountID), strings.TrimSpace(req.BankRelationshipID))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, res)
}

func (h *Handler) Status(w http.ResponseWriter, r *http.Request, userID, accountID string) {
	res, err := h.orch.GetStatus(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if res.UserID == "" || res.UserID != userID {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "closure not found"})
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) Audit(w http.ResponseWriter, r *http.Request, userID, accountID string) {
	proc, err := h.processes.Get(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	if proc == nil || proc.UserID != userID {
		httputil.WriteJSON(w, http.StatusNotFound, httputil.ErrorResponse{Error: "closure not found"})
		return
	}
	h.writeAuditPage(w, r, accountID)
}

// InternalInitiate lets back-office systems start a closure on a user's
// behalf.
func (h *Handler) InternalInitiate(w http.ResponseWriter, r *http.Request) {
	var req initiateRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: err.Error()})
		return
	}
	res, err := h.processor.Initiate(r.Context(), strings.TrimSpace(req.UserID), strings.TrimSpace(req.AccountID), strings.TrimSpace(req.BankRelationshipID))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusAccepted, res)
}

// InternalResume is the cron/manual retry hook. Idempotent: with no
// external change it performs at most one side effect.
func (h *Handler) InternalResume(w http.ResponseWriter, r *http.Request, accountID string) {
	res, err := h.orch.Resume(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) InternalStatus(w http.ResponseWriter, r *http.Request, accountID string) {
	res, err := h.orch.GetStatus(r.Context(), accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, res)
}

func (h *Handler) InternalAudit(w http.ResponseWriter, r *http.Request, accountID string) {
	h.writeAuditPage(w, r, accountID)
}

// InternalList answers ?review=true with the processes waiting on a human.
func (h *Handler) InternalList(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("review") != "true" {
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: "only review=true is supported"})
		return
	}
	procs, err := h.processes.NeedsReview(r.Context(), 100)
	if err != nil {
		writeError(w, err)
		return
	}
	if procs == nil {
		procs = []model.ClosureProcess{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{"processes": procs, "count": len(procs)})
}

func (h *Handler) writeAuditPage(w http.ResponseWriter, r *http.Request, accountID string) {
	q := r.URL.Query()
	f := audit.Filter{
		AccountID: accountID,
		UserID:    q.Get("user_id"),
		StepName:  types.ClosureStep(q.Get("step")),
		Level:     types.AuditLevel(q.Get("level")),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			f.Offset = n
		}
	}
	entries, err := h.audits.List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditLogEntry{}
	}
	status, err := audit.DeriveStatus(r.Context(), h.audits, accountID)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"entries": entries,
		"count":   len(entries),
		"status":  status,
	})
}

func writeError(w http.ResponseWriter, err error) {
	var verr *ValidationError
	var cerr *PreconditionError
	var perr *broker.PartnerError
	switch {
	case errors.As(err, &verr):
		httputil.WriteJSON(w, http.StatusBadRequest, httputil.ErrorResponse{Error: verr.Error()})
	case errors.As(err, &cerr):
		httputil.WriteJSON(w, http.StatusConflict, httputil.ErrorResponse{Error: cerr.Error()})
	case errors.As(err, &perr):
		httputil.WriteJSON(w, http.StatusBadGateway, httputil.ErrorResponse{Error: "partner api unavailable"})
	default:
		httputil.WriteJSON(w, http.StatusInternalServerError, httputil.ErrorResponse{Error: "internal error"})
	}
}
