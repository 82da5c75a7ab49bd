/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the points domain model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Response wrappers

TYPES:
  Accounts:      AccountDTO, ExpiryDTO, CreateAccountRequest, CreateAccountResponse
  Credits:       AddPointsRequest, GrantRequest, TransactionResponse
  Reservations:  ReserveRequest, SettlementDTO
  History:       TransactionDTO, GrantDTO
  Errors:        ErrorResponse

VALIDATION:
  Request types carry validator struct tags. Shape problems (missing fields,
  malformed IDs) are rejected with 400 before reaching the ledger; business
  rules such as non-negative amounts are enforced by the ledger itself.

SEE ALSO:
  - handlers.go: Uses these types
  - points/types.go: Domain types
*/
package api

import (
	"time"

	"github.com/warp/points-engine/points"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// CreateAccountRequest opens an account. An empty ID is replaced by a new UUID.
type CreateAccountRequest struct {
	ID           string `json:"id" validate:"omitempty,max=128,printascii,excludesall=/?#"`
	InitialTotal int64  `json:"initial_total"`
}

type AddPointsRequest struct {
	Amount *int64 `json:"amount" validate:"required"`
}

// GrantRequest credits temporary points that expire at ExpiresAt.
type GrantRequest struct {
	Amount    *int64     `json:"amount" validate:"required"`
	ExpiresAt *time.Time `json:"expires_at" validate:"required"`
}

type ReserveRequest struct {
	Amount *int64 `json:"amount" validate:"required"`
}

// ReconcileRequest applies expiries as of At, or as of now when At is omitted.
type ReconcileRequest struct {
	At *time.Time `json:"at"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ExpiryDTO struct {
	At     time.Time `json:"at"`
	Amount int64     `json:"amount"`
}

// AccountDTO represents an account in API responses.
type AccountDTO struct {
	ID             string     `json:"id"`
	Total          int64      `json:"total"`
	TotalTemporary int64      `json:"total_temporary"`
	PayedTemporary int64      `json:"payed_temporary"`
	Reserved       int64      `json:"reserved"`
	Available      int64      `json:"available"`
	EarliestExpiry *ExpiryDTO `json:"earliest_expiry,omitempty"`
}

type CreateAccountResponse struct {
	Created bool       `json:"created"`
	Account AccountDTO `json:"account"`
}

// TransactionResponse is returned by operations that append to the log.
type TransactionResponse struct {
	TransactionID int64      `json:"transaction_id"`
	Account       AccountDTO `json:"account"`
}

// TransactionDTO represents one log entry.
type TransactionDTO struct {
	ID        int64      `json:"id"`
	AccountID string     `json:"account_id"`
	Kind      string     `json:"kind"`
	Amount    int64      `json:"amount"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	SettledAt *time.Time `json:"settled_at,omitempty"`
}

type GrantDTO struct {
	ID        int64     `json:"id"`
	Amount    int64     `json:"amount"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SettlementDTO reports the outcome of a cancel or write-off. Applied is false
// when the reservation was already in the requested state.
type SettlementDTO struct {
	TransactionID int64      `json:"transaction_id"`
	AccountID     string     `json:"account_id"`
	Amount        int64      `json:"amount"`
	Kind          string     `json:"kind"`
	Applied       bool       `json:"applied"`
	Cascaded      bool       `json:"cascaded"`
	Account       AccountDTO `json:"account"`
}

// HealthResponse reports the reachability of external dependencies.
type HealthResponse struct {
	Status   string            `json:"status"`
	Failures map[string]string `json:"failures,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details string            `json:"details,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func ToAccountDTO(a points.Account) AccountDTO {
	dto := AccountDTO{
		ID:             string(a.ID),
		Total:          a.Total,
		TotalTemporary: a.TotalTemporary,
		PayedTemporary: a.PayedTemporary,
		Reserved:       a.Reserved,
		Available:      a.Available(),
	}
	if a.EarliestExpiry != nil {
		dto.EarliestExpiry = &ExpiryDTO{At: a.EarliestExpiry.At, Amount: a.EarliestExpiry.Amount}
	}
	return dto
}

func ToTransactionDTO(tx points.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:        int64(tx.ID),
		AccountID: string(tx.AccountID),
		Kind:      tx.Kind.String(),
		Amount:    tx.Amount,
		CreatedAt: tx.CreatedAt,
		ExpiresAt: tx.ExpiresAt,
		SettledAt: tx.SettledAt,
	}
}

func ToGrantDTOs(grants []points.Grant) []GrantDTO {
	dtos := make([]GrantDTO, 0, len(grants))
	for _, g := range grants {
		dtos = append(dtos, GrantDTO{ID: int64(g.ID), Amount: g.Amount, ExpiresAt: g.ExpiresAt})
	}
	return dtos
}
