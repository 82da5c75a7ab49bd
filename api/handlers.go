/*
handlers.go - HTTP API handlers for the points engine

PURPOSE:
  Exposes the points ledger via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to points.Ledger.

ENDPOINTS:
  Health:
    GET    /health                                   Dependency reachability

  Accounts:
    POST   /api/accounts                             Create account
    GET    /api/accounts/{id}                        Reconciled balance
    GET    /api/accounts/{id}/transactions           Transaction log
    GET    /api/accounts/{id}/grants                 Outstanding temporary grants
    POST   /api/accounts/{id}/points                 Add permanent points
    POST   /api/accounts/{id}/temporary-points       Grant expiring points
    POST   /api/accounts/{id}/reconcile              Apply expiries as of a time
    POST   /api/accounts/{id}/reservations           Reserve points

  Transactions:
    GET    /api/transactions/{id}                    One log entry
    POST   /api/transactions/{id}/cancel             Release a reservation
    POST   /api/transactions/{id}/write-off          Commit a reservation

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Malformed body or path, failed validation
  - 404: Account or transaction not found
  - 409: Insufficient balance, wrong transaction type, invalid transition,
         concurrent write conflict
  - 422: Negative amount, expiry not in the future, balance overflow
  - 503: Storage or lock service unavailable
  - 500: Anything else

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/warp/points-engine/points"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// HealthChecker reports failing dependencies by name.
type HealthChecker interface {
	Health(ctx context.Context) map[string]error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger *points.Ledger
	Health HealthChecker

	validate *validator.Validate
	newID    func() string
}

// NewHandler creates a handler over ledger. health may be nil.
func NewHandler(ledger *points.Ledger, health HealthChecker) *Handler {
	return &Handler{
		Ledger:   ledger,
		Health:   health,
		validate: validator.New(),
		newID:    uuid.NewString,
	}
}

// =============================================================================
// HEALTH
// =============================================================================

// GetHealth returns 200 when every dependency answers, 503 otherwise.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	if h.Health == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}
	failed := h.Health.Health(r.Context())
	if len(failed) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}
	resp := HealthResponse{Status: "degraded", Failures: make(map[string]string, len(failed))}
	for name, err := range failed {
		resp.Failures[name] = err.Error()
	}
	writeJSON(w, http.StatusServiceUnavailable, resp)
}

// =============================================================================
// ACCOUNT ENDPOINTS
// =============================================================================

// CreateAccount returns 201 for a new account and 200 with created=false if
// the ID was already taken; the existing account is left untouched.
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ID == "" {
		req.ID = h.newID()
	}

	ctx := r.Context()
	id := points.AccountID(req.ID)
	created, err := h.Ledger.CreateAccount(ctx, id, req.InitialTotal)
	if err != nil {
		writeLedgerError(w, "Failed to create account", err)
		return
	}
	account, err := h.Ledger.GetAccount(ctx, id)
	if err != nil {
		writeLedgerError(w, "Failed to get account", err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, CreateAccountResponse{Created: created, Account: ToAccountDTO(account)})
}

// GetAccount returns the balance reconciled as of now.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.Ledger.GetAccount(r.Context(), accountID(r))
	if err != nil {
		writeLedgerError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, ToAccountDTO(account))
}

func (h *Handler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.Ledger.Transactions(r.Context(), accountID(r))
	if err != nil {
		writeLedgerError(w, "Failed to get transactions", err)
		return
	}
	dtos := make([]TransactionDTO, 0, len(txs))
	for _, tx := range txs {
		dtos = append(dtos, ToTransactionDTO(tx))
	}
	writeJSON(w, http.StatusOK, dtos)
}

func (h *Handler) GetGrants(w http.ResponseWriter, r *http.Request) {
	grants, err := h.Ledger.Grants(r.Context(), accountID(r))
	if err != nil {
		writeLedgerError(w, "Failed to get grants", err)
		return
	}
	writeJSON(w, http.StatusOK, ToGrantDTOs(grants))
}

func (h *Handler) AddPoints(w http.ResponseWriter, r *http.Request) {
	var req AddPointsRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := accountID(r)
	txID, err := h.Ledger.AddPoints(r.Context(), id, *req.Amount)
	h.respondTransaction(w, r, id, txID, "Failed to add points", err)
}

func (h *Handler) GrantTemporaryPoints(w http.ResponseWriter, r *http.Request) {
	var req GrantRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := accountID(r)
	txID, err := h.Ledger.GrantTemporaryPoints(r.Context(), id, *req.Amount, *req.ExpiresAt)
	h.respondTransaction(w, r, id, txID, "Failed to grant temporary points", err)
}

func (h *Handler) Reserve(w http.ResponseWriter, r *http.Request) {
	var req ReserveRequest
	if !h.decode(w, r, &req) {
		return
	}
	id := accountID(r)
	txID, err := h.Ledger.Reserve(r.Context(), id, *req.Amount)
	h.respondTransaction(w, r, id, txID, "Failed to reserve points", err)
}

// Reconcile accepts an empty body, meaning "as of now".
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if !h.decodeOptional(w, r, &req) {
		return
	}

	var (
		account points.Account
		err     error
	)
	if req.At != nil {
		account, err = h.Ledger.Reconcile(r.Context(), accountID(r), *req.At)
	} else {
		account, err = h.Ledger.GetAccount(r.Context(), accountID(r))
	}
	if err != nil {
		writeLedgerError(w, "Failed to reconcile account", err)
		return
	}
	writeJSON(w, http.StatusOK, ToAccountDTO(account))
}

func (h *Handler) respondTransaction(w http.ResponseWriter, r *http.Request, id points.AccountID, txID points.TransactionID, failure string, err error) {
	if err != nil {
		writeLedgerError(w, failure, err)
		return
	}
	account, err := h.Ledger.GetAccount(r.Context(), id)
	if err != nil {
		writeLedgerError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusCreated, TransactionResponse{TransactionID: int64(txID), Account: ToAccountDTO(account)})
}

// =============================================================================
// TRANSACTION ENDPOINTS
// =============================================================================

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	txID, ok := transactionID(w, r)
	if !ok {
		return
	}
	tx, err := h.Ledger.GetTransaction(r.Context(), txID)
	if err != nil {
		writeLedgerError(w, "Failed to get transaction", err)
		return
	}
	writeJSON(w, http.StatusOK, ToTransactionDTO(tx))
}

// CancelReservation releases a reservation. Repeating it returns 200 with
// applied=false.
func (h *Handler) CancelReservation(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Ledger.Cancel, "Failed to cancel reservation")
}

// WriteOffReservation commits a reservation. If the account no longer holds
// enough points the reservation is canceled and cascaded=true is returned.
func (h *Handler) WriteOffReservation(w http.ResponseWriter, r *http.Request) {
	h.settle(w, r, h.Ledger.WriteOff, "Failed to write off reservation")
}

func (h *Handler) settle(w http.ResponseWriter, r *http.Request, fn func(context.Context, points.TransactionID) (points.Settlement, error), failure string) {
	txID, ok := transactionID(w, r)
	if !ok {
		return
	}
	ctx := r.Context()
	result, err := fn(ctx, txID)
	if err != nil {
		writeLedgerError(w, failure, err)
		return
	}
	account, err := h.Ledger.GetAccount(ctx, result.AccountID)
	if err != nil {
		writeLedgerError(w, "Failed to get account", err)
		return
	}
	writeJSON(w, http.StatusOK, SettlementDTO{
		TransactionID: int64(result.TransactionID),
		AccountID:     string(result.AccountID),
		Amount:        result.Amount,
		Kind:          result.Kind.String(),
		Applied:       result.Applied,
		Cascaded:      result.Cascaded,
		Account:       ToAccountDTO(account),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

func accountID(r *http.Request) points.AccountID {
	return points.AccountID(chi.URLParam(r, "id"))
}

func transactionID(w http.ResponseWriter, r *http.Request) (points.TransactionID, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid transaction id: %s", raw), nil)
		return 0, false
	}
	return points.TransactionID(id), true
}

// decode reads and validates a JSON body into dst, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeBody(w, r, dst, false)
}

// decodeOptional is decode for endpoints where every field is optional: an
// empty body, with or without a Content-Length, leaves dst untouched.
func (h *Handler) decodeOptional(w http.ResponseWriter, r *http.Request, dst any) bool {
	return h.decodeBody(w, r, dst, true)
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, dst any, allowEmpty bool) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
		resp := ErrorResponse{Error: "Validation failed", Fields: make(map[string]string, len(fieldErrs))}
		for _, fe := range fieldErrs {
			resp.Fields[fe.Field()] = fmt.Sprintf("failed on '%s' tag", fe.Tag())
		}
		writeJSON(w, http.StatusBadRequest, resp)
		return false
	}
	return true
}

// statusFor maps ledger errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case points.IsNotFound(err):
		return http.StatusNotFound
	case errors.Is(err, points.ErrInvalidAmount),
		errors.Is(err, points.ErrInvalidExpiry),
		errors.Is(err, points.ErrBalanceOverflow):
		return http.StatusUnprocessableEntity
	case errors.Is(err, points.ErrInsufficientBalance),
		errors.Is(err, points.ErrWrongTransactionType),
		errors.Is(err, points.ErrInvalidTransition),
		errors.Is(err, points.ErrAccountAlreadyExists),
		errors.Is(err, points.ErrStorageConflict):
		return http.StatusConflict
	case errors.Is(err, points.ErrStorageUnavailable),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeLedgerError(w http.ResponseWriter, message string, err error) {
	writeError(w, statusFor(err), message, err)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
