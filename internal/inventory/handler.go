package inventory

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/ledger"
	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/pricing"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// IdempotencyHeader optionally carries a client-chosen request key.
const IdempotencyHeader = "Idempotency-Key"

// Handler wires HTTP endpoints for sales and purchases.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs inventory handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountSales registers POST / for sales.
func (h *Handler) MountSales(r chi.Router) {
	r.Post("/", h.handleSale)
}

// MountPurchases registers POST / for purchases.
func (h *Handler) MountPurchases(r chi.Router) {
	r.Post("/", h.handlePurchase)
}

type saleRequest struct {
	Customer       string     `json:"customer" validate:"max=200"`
	IdempotencyKey string     `json:"idempotency_key" validate:"max=128"`
	Items          []SaleItem `json:"items"`
}

type purchaseRequest struct {
	Supplier       string         `json:"supplier" validate:"max=200"`
	InvoiceRef     string         `json:"invoice_ref" validate:"max=100"`
	IdempotencyKey string         `json:"idempotency_key" validate:"max=128"`
	Items          []PurchaseItem `json:"items"`
}

func (h *Handler) handleSale(w http.ResponseWriter, r *http.Request) {
	var req saleRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.service.RecordSale(r.Context(), SaleInput{
		Customer:       req.Customer,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Items:          req.Items,
	})
	h.respond(w, tx, err)
}

func (h *Handler) handlePurchase(w http.ResponseWriter, r *http.Request) {
	var req purchaseRequest
	if !h.decode(w, r, &req) {
		return
	}
	tx, err := h.service.RecordPurchase(r.Context(), PurchaseInput{
		Supplier:       req.Supplier,
		InvoiceRef:     req.InvoiceRef,
		ActorID:        shared.ActorFromContext(r.Context()),
		IdempotencyKey: idempotencyKey(r, req.IdempotencyKey),
		Items:          req.Items,
	})
	h.respond(w, tx, err)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(w, r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusUnprocessableEntity, "Validation Failed"))
		return false
	}
	return true
}

func idempotencyKey(r *http.Request, body string) string {
	if key := r.Header.Get(IdempotencyHeader); key != "" {
		return key
	}
	return body
}

func (h *Handler) respond(w http.ResponseWriter, tx ledger.Transaction, err error) {
	if err == nil {
		w.Header().Set("Location", "/api/v1/transactions/"+formatID(tx.ID))
		httpx.JSON(w, http.StatusCreated, tx)
		return
	}
	var notFound *ProductNotFoundError
	var short *InsufficientStockError
	switch {
	case errors.Is(err, shared.ErrActorRequired):
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusUnauthorized, "Actor Required"))
	case errors.As(err, &notFound):
		httpx.ProblemWith(w, http.StatusNotFound, "Product Not Found", err.Error(), map[string]any{
			"product_id": notFound.ProductID,
		})
	case errors.As(err, &short):
		httpx.ProblemWith(w, http.StatusConflict, "Insufficient Stock", err.Error(), map[string]any{
			"product_id": short.ProductID,
			"requested":  short.Requested,
			"available":  short.Available,
		})
	case errors.Is(err, ErrEmptyTransaction), errors.Is(err, pricing.ErrInvalidQuantity), errors.Is(err, pricing.ErrInvalidPrice):
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusUnprocessableEntity, "Invalid Transaction"))
	case errors.Is(err, shared.ErrIdempotencyConflict):
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusConflict, "Duplicate Request"))
	case errors.Is(err, ErrConcurrencyConflict):
		w.Header().Set("Retry-After", "1")
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusConflict, "Concurrency Conflict"))
	case errors.Is(err, ErrTimeout):
		w.Header().Set("Retry-After", "1")
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusServiceUnavailable, "Stock Busy"))
	case errors.Is(err, ErrInvariantViolation):
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	case errors.Is(err, ErrCommitUncertain):
		h.logger.Error("commit outcome unknown", slog.Any("error", err))
		httpx.Problem(w, http.StatusServiceUnavailable, "Commit Outcome Unknown",
			"the transaction may have been recorded; check the ledger before retrying with a new idempotency key")
	case errors.Is(err, context.Canceled):
		httpx.Problem(w, statusClientClosedRequest, "Request Cancelled", "")
	default:
		h.logger.Error("inventory request failed", slog.Any("error", err))
		httpx.RespondError(w, err)
	}
}

// statusClientClosedRequest is the nginx convention for a caller that went
// away before the response.
const statusClientClosedRequest = 499

func formatID(id int64) string {
	return strconv.FormatInt(id, 10)
}
