package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/BTreeMap/SalesPipe/internal/flow"
	"github.com/BTreeMap/SalesPipe/internal/models"
)

// adminResult is returned by the admin operations that change a customer.
type adminResult struct {
	Customer  *models.CustomerContext `json:"customer"`
	ReplySent bool                    `json:"reply_sent"`
}

// healthHandler reports liveness and, when a store is configured, the customer count.
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"uptime":    time.Since(s.started).Round(time.Second).String(),
	}
	status := http.StatusOK
	if s.customers != nil {
		all, err := s.customers.All(ctx)
		if err != nil {
			slog.Warn("Server.healthHandler: failed to read customers", "error", err)
			healthData["status"] = "degraded"
			healthData["error"] = "Failed to read customer store"
			status = http.StatusServiceUnavailable
		} else {
			healthData["customers"] = len(all)
		}
	}
	writeJSONResponse(w, status, healthData)
}

// activateTrialHandler handles POST /admin/trials.
func (s *Server) activateTrialHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ActivateTrialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.activateTrialHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.activateTrialHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	phone, ok := s.canonicalPhone(w, req.Phone)
	if !ok {
		return
	}

	res, err := s.admin.ActivateTrial(r.Context(), phone, req.Credentials)
	if err != nil {
		slog.Error("Server.activateTrialHandler: activation failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate trial"))
		return
	}
	slog.Info("Server.activateTrialHandler: trial activated", "phone", phone, "admin", adminSubject(r))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Trial activated", s.deliver(r.Context(), phone, res)))
}

// activateSubscriptionHandler handles POST /admin/subscriptions.
func (s *Server) activateSubscriptionHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	var req models.ActivateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.activateSubscriptionHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		slog.Warn("Server.activateSubscriptionHandler: validation failed", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	phone, ok := s.canonicalPhone(w, req.Phone)
	if !ok {
		return
	}

	res, err := s.admin.ActivateSubscription(r.Context(), phone, models.Plan(req.Plan), req.Credentials)
	if err != nil {
		slog.Error("Server.activateSubscriptionHandler: activation failed", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to activate subscription"))
		return
	}
	slog.Info("Server.activateSubscriptionHandler: subscription activated", "phone", phone, "plan", req.Plan, "admin", adminSubject(r))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Subscription activated", s.deliver(r.Context(), phone, res)))
}

// setStateHandler handles POST /admin/customers/{phone}/state.
func (s *Server) setStateHandler(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	phone, ok := s.canonicalPhone(w, chi.URLParam(r, "phone"))
	if !ok {
		return
	}
	var req models.SetStateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.setStateHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}
	if _, err := s.customers.Get(r.Context(), phone); err != nil {
		s.writeLookupError(w, "setStateHandler", phone, err)
		return
	}

	state, _ := models.ParseState(req.State)
	res, err := s.admin.SetState(r.Context(), phone, state, req.Reason)
	if err != nil {
		slog.Error("Server.setStateHandler: failed to set state", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to set state"))
		return
	}
	slog.Info("Server.setStateHandler: state set", "phone", phone, "from", res.PreviousState, "to", res.State, "admin", adminSubject(r))
	writeJSONResponse(w, http.StatusOK, models.Success(adminResult{Customer: res.Context}))
}

// listCustomersHandler handles GET /admin/customers with optional state and needs_human filters.
func (s *Server) listCustomersHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var stateFilter models.State
	if raw := q.Get("state"); raw != "" {
		st, err := models.ParseState(raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		stateFilter = st
	}
	var needsHuman *bool
	if raw := q.Get("needs_human"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("needs_human must be a boolean"))
			return
		}
		needsHuman = &v
	}

	all, err := s.customers.All(r.Context())
	if err != nil {
		slog.Error("Server.listCustomersHandler: failed to list customers", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list customers"))
		return
	}
	sort.Slice(all, func(i, j int) bool { return all[i].UpdatedAt.After(all[j].UpdatedAt) })

	summaries := make([]models.CustomerSummary, 0, len(all))
	for _, c := range all {
		if stateFilter != "" && c.State != stateFilter {
			continue
		}
		if needsHuman != nil && c.NeedsHuman != *needsHuman {
			continue
		}
		summaries = append(summaries, models.CustomerSummary{
			Phone:         c.Phone,
			State:         c.State,
			Device:        c.Device,
			NeedsHuman:    c.NeedsHuman,
			FollowUpsSent: c.FollowUpsSent,
			UpdatedAt:     c.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	slog.Debug("Server.listCustomersHandler: listed customers", "count", len(summaries), "state", stateFilter)
	writeJSONResponse(w, http.StatusOK, models.Success(summaries))
}

// getCustomerHandler handles GET /admin/customers/{phone}.
func (s *Server) getCustomerHandler(w http.ResponseWriter, r *http.Request) {
	phone, ok := s.canonicalPhone(w, chi.URLParam(r, "phone"))
	if !ok {
		return
	}
	c, err := s.customers.Get(r.Context(), phone)
	if err != nil {
		s.writeLookupError(w, "getCustomerHandler", phone, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(c))
}

// messagesHandler handles GET /admin/customers/{phone}/messages?limit=N.
func (s *Server) messagesHandler(w http.ResponseWriter, r *http.Request) {
	phone, ok := s.canonicalPhone(w, chi.URLParam(r, "phone"))
	if !ok {
		return
	}
	limit := DefaultMessagesLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("limit must be a positive integer"))
			return
		}
		limit = n
	}
	msgs, err := s.admin.Messages(r.Context(), phone, limit)
	if err != nil {
		slog.Error("Server.messagesHandler: failed to read history", "error", err, "phone", phone)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to read messages"))
		return
	}
	if msgs == nil {
		msgs = []models.ConversationMessage{}
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// canonicalPhone validates a phone from a request, writing a 400 when it is unusable.
func (s *Server) canonicalPhone(w http.ResponseWriter, raw string) (string, bool) {
	phone, err := s.msgService.ValidateAndCanonicalizeRecipient(raw)
	if err != nil {
		slog.Warn("Server: recipient validation failed", "error", err, "original", raw)
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return "", false
	}
	return phone, true
}

func (s *Server) writeLookupError(w http.ResponseWriter, handler, phone string, err error) {
	if errors.Is(err, models.ErrCustomerNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Customer not found"))
		return
	}
	slog.Error("Server."+handler+": failed to load customer", "error", err, "phone", phone)
	writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to load customer"))
}

// deliver sends the customer-facing reply of an admin operation. A failed send is
// reported in the result but does not undo the state change.
func (s *Server) deliver(ctx context.Context, phone string, res *flow.Result) adminResult {
	out := adminResult{Customer: res.Context}
	if res.Reply == "" {
		return out
	}
	_, err := s.msgService.SendMessage(ctx, phone, res.Reply)
	s.opts.Metrics.ObserveOutbound("admin", err)
	if err != nil {
		slog.Error("Server: failed to send admin reply", "error", err, "phone", phone)
		return out
	}
	out.ReplySent = true
	return out
}
