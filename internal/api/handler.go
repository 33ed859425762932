package api

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/shopspring/decimal"

	"github.com/casafin/casafin/internal/domain"
	"github.com/casafin/casafin/internal/idempotency"
	"github.com/casafin/casafin/internal/service"
	"github.com/casafin/casafin/internal/store"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "finance_http_requests_total",
		Help: "Total HTTP requests processed, labeled by status code",
	}, []string{"method", "endpoint", "status"})

	httpRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "finance_http_request_duration_seconds",
		Help:    "Latency distribution of HTTP requests",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
	}, []string{"method", "endpoint"})

	idempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finance_idempotent_replays_total",
		Help: "Requests answered from the idempotency cache",
	})

	idempotencyConflicts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finance_idempotency_conflicts_total",
		Help: "Idempotency keys reused with a different payload",
	})
)

type Handler struct {
	store      *store.Store
	posting    *service.Posting
	recurrence *service.Recurrence
}

func NewHandler(s *store.Store, posting *service.Posting, recurrence *service.Recurrence) *Handler {
	return &Handler{store: s, posting: posting, recurrence: recurrence}
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type contributionRequest struct {
	Amount          string     `json:"amount"`
	SourceAccountID uuid.UUID  `json:"source_account_id"`
	OccurredAt      *time.Time `json:"occurred_at,omitempty"`
	Description     string     `json:"description,omitempty"`
}

func (h *Handler) CreateContributionHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/goals/{id}/contributions"))
	defer timer.ObserveDuration()

	sub, body, ok := h.readSubmission(w, r)
	if !ok {
		return
	}
	goalID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Goal not found"))
		return
	}

	var req contributionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respond(w, r, http.StatusBadRequest, errBody("Malformed JSON body"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody(err.Error()))
		return
	}

	result, replay, err := h.posting.PostContribution(r.Context(), sub, service.ContributeCommand{
		GoalID:          goalID,
		Amount:          amount,
		SourceAccountID: req.SourceAccountID,
		OccurredAt:      req.OccurredAt,
		Description:     req.Description,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if replay != nil {
		h.writeReplay(w, r, replay)
		return
	}
	h.respond(w, r, http.StatusCreated, result)
}

type paymentRequest struct {
	Amount        string     `json:"amount"`
	FromAccountID uuid.UUID  `json:"from_account_id"`
	OccurredAt    *time.Time `json:"occurred_at,omitempty"`
	Description   string     `json:"description,omitempty"`
}

func (h *Handler) CreatePaymentHandler(w http.ResponseWriter, r *http.Request) {
	timer := prometheus.NewTimer(httpRequestDuration.WithLabelValues("POST", "/obligations/{id}/payments"))
	defer timer.ObserveDuration()

	sub, body, ok := h.readSubmission(w, r)
	if !ok {
		return
	}
	obligationID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Obligation not found"))
		return
	}

	var req paymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.respond(w, r, http.StatusBadRequest, errBody("Malformed JSON body"))
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody(err.Error()))
		return
	}

	result, replay, err := h.posting.PostPayment(r.Context(), sub, service.PayCommand{
		ObligationID:  obligationID,
		Amount:        amount,
		FromAccountID: req.FromAccountID,
		OccurredAt:    req.OccurredAt,
		Description:   req.Description,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if replay != nil {
		h.writeReplay(w, r, replay)
		return
	}
	h.respond(w, r, http.StatusCreated, result)
}

func (h *Handler) RolloverGoalHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	goalID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Goal not found"))
		return
	}
	goal, err := h.recurrence.RolloverGoal(r.Context(), principal.HouseholdID, goalID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, goal)
}

func (h *Handler) RenewObligationHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	obligationID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Obligation not found"))
		return
	}
	obligation, err := h.recurrence.RenewObligation(r.Context(), principal.HouseholdID, obligationID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, obligation)
}

type goalRequest struct {
	Name              string     `json:"name"`
	TargetAmount      string     `json:"target_amount"`
	TargetDate        *time.Time `json:"target_date,omitempty"`
	Description       string     `json:"description,omitempty"`
	Priority          string     `json:"priority,omitempty"`
	IsRecurring       bool       `json:"is_recurring"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
}

func (h *Handler) CreateGoalHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	var req goalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, errBody("Malformed JSON body"))
		return
	}
	if req.Name == "" {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody("Name required"))
		return
	}
	target, err := parseAmount(req.TargetAmount)
	if err != nil {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody(err.Error()))
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = "medium"
	}
	goal, err := h.store.InsertGoal(r.Context(), &domain.Goal{
		HouseholdID:       principal.HouseholdID,
		Name:              req.Name,
		TargetAmount:      target,
		CurrentAmount:     decimal.Zero,
		TargetDate:        req.TargetDate,
		Description:       req.Description,
		Priority:          priority,
		IsRecurring:       req.IsRecurring,
		RecurrencePattern: domain.RecurrencePattern(req.RecurrencePattern),
		Status:            domain.StatusActive,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, goal)
}

func (h *Handler) GetGoalHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	goalID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Goal not found"))
		return
	}
	goal, err := h.store.GetGoal(r.Context(), principal.HouseholdID, goalID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if goal == nil {
		h.respond(w, r, http.StatusNotFound, errBody("Goal not found"))
		return
	}
	h.respond(w, r, http.StatusOK, goal)
}

type obligationRequest struct {
	Name              string     `json:"name"`
	TotalAmount       string     `json:"total_amount"`
	DueDate           *time.Time `json:"due_date,omitempty"`
	Description       string     `json:"description,omitempty"`
	Priority          string     `json:"priority,omitempty"`
	Creditor          string     `json:"creditor,omitempty"`
	IsRecurring       bool       `json:"is_recurring"`
	RecurrencePattern string     `json:"recurrence_pattern,omitempty"`
}

func (h *Handler) CreateObligationHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	var req obligationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, errBody("Malformed JSON body"))
		return
	}
	if req.Name == "" {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody("Name required"))
		return
	}
	total, err := parseAmount(req.TotalAmount)
	if err != nil {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody(err.Error()))
		return
	}
	priority := req.Priority
	if priority == "" {
		priority = "medium"
	}
	obligation, err := h.store.InsertObligation(r.Context(), &domain.Obligation{
		HouseholdID:       principal.HouseholdID,
		Name:              req.Name,
		TotalAmount:       total,
		OutstandingAmount: total,
		DueDate:           req.DueDate,
		Description:       req.Description,
		Priority:          priority,
		Creditor:          req.Creditor,
		IsRecurring:       req.IsRecurring,
		RecurrencePattern: domain.RecurrencePattern(req.RecurrencePattern),
		Status:            domain.StatusActive,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, obligation)
}

func (h *Handler) GetObligationHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	obligationID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Obligation not found"))
		return
	}
	obligation, err := h.store.GetObligation(r.Context(), principal.HouseholdID, obligationID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if obligation == nil {
		h.respond(w, r, http.StatusNotFound, errBody("Obligation not found"))
		return
	}
	h.respond(w, r, http.StatusOK, obligation)
}

type accountRequest struct {
	Name string `json:"name"`
	Kind string `json:"kind,omitempty"`
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respond(w, r, http.StatusBadRequest, errBody("Malformed JSON body"))
		return
	}
	if req.Name == "" {
		h.respond(w, r, http.StatusUnprocessableEntity, errBody("Name required"))
		return
	}
	kind := req.Kind
	if kind == "" {
		kind = "checking"
	}
	account, err := h.store.InsertAccount(r.Context(), &domain.Account{
		HouseholdID: principal.HouseholdID,
		Name:        req.Name,
		Kind:        kind,
	})
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	h.respond(w, r, http.StatusCreated, account)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return
	}
	accountID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.respond(w, r, http.StatusNotFound, errBody("Account not found"))
		return
	}
	account, err := h.store.GetAccount(r.Context(), principal.HouseholdID, accountID)
	if err != nil {
		h.respondDomainError(w, r, err)
		return
	}
	if account == nil {
		h.respond(w, r, http.StatusNotFound, errBody("Account not found"))
		return
	}
	h.respond(w, r, http.StatusOK, account)
}

// readSubmission validates the idempotency envelope of a guarded mutation:
// principal from context, Idempotency-Key header, fingerprint of the raw
// body. The body is returned for the caller to decode.
func (h *Handler) readSubmission(w http.ResponseWriter, r *http.Request) (service.Submission, []byte, bool) {
	principal, ok := principalFrom(r.Context())
	if !ok {
		h.respond(w, r, http.StatusUnauthorized, errBody("Missing principal"))
		return service.Submission{}, nil, false
	}
	key := r.Header.Get("Idempotency-Key")
	if key == "" {
		h.respond(w, r, http.StatusBadRequest, errBody("Missing Idempotency-Key header"))
		return service.Submission{}, nil, false
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.respond(w, r, http.StatusInternalServerError, errBody("Stream read error"))
		return service.Submission{}, nil, false
	}
	fingerprint, err := idempotency.Fingerprint(body)
	if err != nil {
		h.respond(w, r, http.StatusBadRequest, errBody("Malformed JSON body"))
		return service.Submission{}, nil, false
	}
	return service.Submission{Key: key, Principal: principal, Fingerprint: fingerprint}, body, true
}

func (h *Handler) writeReplay(w http.ResponseWriter, r *http.Request, replay *idempotency.Replay) {
	idempotentReplays.Inc()
	httpRequestsTotal.WithLabelValues(r.Method, routeTemplate(r), strconv.Itoa(http.StatusOK)).Inc()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(replay.Body)
}

func (h *Handler) respondDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		notFound    *domain.NotFoundError
		invalidSt   *domain.InvalidStateError
		invalidArg  *domain.InvalidArgumentError
		keyConflict *domain.KeyConflictError
	)
	switch {
	case errors.As(err, &notFound):
		h.respond(w, r, http.StatusNotFound, errBody(notFound.Error()))
	case errors.As(err, &invalidSt):
		h.respond(w, r, http.StatusUnprocessableEntity, errBody(invalidSt.Error()))
	case errors.As(err, &invalidArg):
		h.respond(w, r, http.StatusUnprocessableEntity, errBody(invalidArg.Error()))
	case errors.As(err, &keyConflict):
		idempotencyConflicts.Inc()
		h.respond(w, r, http.StatusConflict, errBody("Idempotency key reused with a different payload"))
	case errors.Is(err, domain.ErrDuplicateSubmission):
		h.respond(w, r, http.StatusConflict, errBody("Request already in progress"))
	default:
		log.Printf("internal error: %v", err)
		h.respond(w, r, http.StatusInternalServerError, errBody("Internal Server Error"))
	}
}

func (h *Handler) respond(w http.ResponseWriter, r *http.Request, code int, payload interface{}) {
	httpRequestsTotal.WithLabelValues(r.Method, routeTemplate(r), strconv.Itoa(code)).Inc()
	respondWithJSON(w, code, payload)
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return r.URL.Path
}

func errBody(message string) map[string]string {
	return map[string]string{"error": message}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, errBody(message))
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		json.NewEncoder(w).Encode(payload)
	}
}

// parseAmount accepts a positive decimal string with at most two fractional
// digits, the wire format for every monetary amount.
func parseAmount(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Decimal{}, domain.InvalidArgument("amount must be a decimal string")
	}
	if d.Exponent() < -2 {
		return decimal.Decimal{}, domain.InvalidArgument("amount precision limited to two decimal places")
	}
	if !d.IsPositive() {
		return decimal.Decimal{}, domain.InvalidArgument("amount must be positive")
	}
	return d, nil
}
