package reporting

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
)

// Handler exposes reports over JSON.
type Handler struct {
	logger  *slog.Logger
	service *Service
}

// NewHandler constructs reporting handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service}
}

// MountRoutes registers report routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/stock-valuation", h.stockValuation)
	r.Get("/profit-loss", h.profitAndLoss)
	r.Get("/sales-by-product", h.salesByProduct)
}

func (h *Handler) stockValuation(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.StockValuation(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) profitAndLoss(w http.ResponseWriter, r *http.Request) {
	from, to, err := httpx.ParseRange(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.ProfitAndLoss(r.Context(), from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) salesByProduct(w http.ResponseWriter, r *http.Request) {
	from, to, err := httpx.ParseRange(r.URL.Query())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	rows, err := h.service.SalesByProduct(r.Context(), from, to)
	if err != nil {
		h.respondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"products": rows})
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	if errors.Is(err, ErrInvalidRange) {
		httpx.RespondError(w, httpx.WithStatus(err, http.StatusBadRequest, "Invalid Range"))
		return
	}
	h.logger.Error("report failed", slog.Any("error", err))
	httpx.RespondError(w, err)
}
