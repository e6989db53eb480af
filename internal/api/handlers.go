package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/loyalty/internal/engine"
	"github.com/roach88/loyalty/internal/expiry"
	"github.com/roach88/loyalty/internal/ir"
)

// Health handles GET /healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.rules != nil {
		if set, err := h.rules.Snapshot(); err == nil {
			resp["rules"] = set.Len()
			resp["ruleSetHash"] = set.Hash()
		} else {
			resp["rules"] = 0
		}
	}
	JSON(w, http.StatusOK, resp)
}

// PostEvent handles POST /v1/events.
//
// Validation failures return 400 with the result body. Business rejections
// such as insufficient balance return 200; the result's errors say why.
func (h *Handler) PostEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxEventBytes))
	if err != nil {
		Error(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	ev, err := ir.DecodeEvent(body)
	if err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	res, err := h.engine.ProcessEvent(r.Context(), ev)
	if err != nil {
		if engine.IsValidationError(err) {
			JSON(w, http.StatusBadRequest, res)
			return
		}
		h.logger.Error("process event failed", "event_id", ev.ID, "error", err)
		Error(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	JSON(w, http.StatusOK, res)
}

// GetBalance handles GET /v1/consumers/{id}/balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	bal, err := h.balances.GetBalance(r.Context(), id)
	if err != nil {
		h.logger.Error("read balance failed", "consumer_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "balance unavailable")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"consumerId":       id,
		"total":            bal.Total,
		"available":        bal.Available,
		"used":             bal.Used,
		"transactionCount": bal.TransactionCount,
	})
}

// GetExpiration handles GET /v1/consumers/{id}/expiration?market=XX.
func (h *Handler) GetExpiration(w http.ResponseWriter, r *http.Request) {
	if h.expiry == nil {
		Error(w, http.StatusNotImplemented, "expiration is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	market := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("market")))
	if market == "" {
		Error(w, http.StatusBadRequest, "market query parameter is required")
		return
	}

	next, err := h.expiry.ForConsumer(r.Context(), id, market)
	if err != nil {
		if errors.Is(err, expiry.ErrNoPolicy) {
			Error(w, http.StatusNotFound, err.Error())
			return
		}
		h.logger.Error("expiration failed", "consumer_id", id, "market", market, "error", err)
		Error(w, http.StatusInternalServerError, "expiration unavailable")
		return
	}

	var at *string
	if next != nil {
		s := next.Format(time.RFC3339)
		at = &s
	}
	JSON(w, http.StatusOK, map[string]any{
		"consumerId":     id,
		"market":         market,
		"nextExpiration": at,
	})
}

// PutProfile handles PUT /v1/admin/consumers/{id}/profile.
func (h *Handler) PutProfile(w http.ResponseWriter, r *http.Request) {
	if h.profiles == nil {
		Error(w, http.StatusNotImplemented, "profiles are not writable")
		return
	}
	id := chi.URLParam(r, "id")

	var p ir.Profile
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxEventBytes)).Decode(&p); err != nil {
		Error(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if p.ConsumerID != "" && p.ConsumerID != id {
		Error(w, http.StatusUnprocessableEntity, "consumerId does not match path")
		return
	}
	p.ConsumerID = id
	p.Market = strings.ToUpper(p.Market)

	if err := h.profiles.PutProfile(r.Context(), p); err != nil {
		h.logger.Error("write profile failed", "consumer_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "profile write failed")
		return
	}
	JSON(w, http.StatusOK, p)
}

// GetEventAudit handles GET /v1/events/{id}/audit.
func (h *Handler) GetEventAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		Error(w, http.StatusNotImplemented, "audit log is not configured")
		return
	}
	id := chi.URLParam(r, "id")
	recs, err := h.audit.AuditByEvent(r.Context(), id)
	if err != nil {
		h.logger.Error("read audit failed", "event_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "audit unavailable")
		return
	}
	if len(recs) == 0 {
		Error(w, http.StatusNotFound, "no runs recorded for event")
		return
	}
	JSON(w, http.StatusOK, map[string]any{"runs": recs})
}

// ReloadRules handles POST /v1/admin/rules/reload.
//
// A failed reload leaves the active rule set in place.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	if h.rules == nil || h.source == nil {
		Error(w, http.StatusNotImplemented, "rule reload is not configured")
		return
	}
	set, err := h.rules.Reload(r.Context(), h.source)
	if err != nil {
		h.logger.Warn("rule reload failed", "subject", adminSubject(r), "error", err)
		Error(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.SetRulesLoaded(set.Len())
	}
	h.logger.Info("rules reloaded", "subject", adminSubject(r), "rules", set.Len())
	JSON(w, http.StatusOK, map[string]any{
		"rules":       set.Len(),
		"ruleSetHash": set.Hash(),
		"loadedAt":    set.LoadedAt().UTC().Format(time.RFC3339),
	})
}
