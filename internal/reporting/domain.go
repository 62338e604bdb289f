package reporting

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/ledger"
)

// ValuationLine values the stock of one product at catalog prices.
type ValuationLine struct {
	ProductID        int64            `json:"product_id"`
	Name             string           `json:"name"`
	Category         catalog.Category `json:"category"`
	Quantity         int64            `json:"quantity"`
	PurchasePrice    decimal.Decimal  `json:"purchase_price"`
	SellingPrice     decimal.Decimal  `json:"selling_price"`
	CostValue        decimal.Decimal  `json:"cost_value"`
	PotentialRevenue decimal.Decimal  `json:"potential_revenue"`
}

// Valuation is the stock valuation report.
type Valuation struct {
	AsOf             time.Time       `json:"as_of"`
	Lines            []ValuationLine `json:"lines"`
	TotalQuantity    int64           `json:"total_quantity"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	PotentialRevenue decimal.Decimal `json:"potential_revenue"`
}

// ProfitAndLoss compares sale and purchase totals posted in [From, To).
type ProfitAndLoss struct {
	From          time.Time       `json:"from"`
	To            time.Time       `json:"to"`
	Revenue       decimal.Decimal `json:"revenue"`
	Cost          decimal.Decimal `json:"cost"`
	GrossProfit   decimal.Decimal `json:"gross_profit"`
	SaleCount     int64           `json:"sale_count"`
	PurchaseCount int64           `json:"purchase_count"`
}

// ProductSales aggregates sale lines for one product.
type ProductSales struct {
	ProductID    int64           `json:"product_id"`
	Name         string          `json:"name"`
	QuantitySold int64           `json:"quantity_sold"`
	Revenue      decimal.Decimal `json:"revenue"`
}

// KindTotal sums transaction totals of one kind.
type KindTotal struct {
	Kind  ledger.Kind
	Count int64
	Total decimal.Decimal
}

// ErrInvalidRange indicates the range start is after its end.
var ErrInvalidRange = ledger.ErrInvalidRange
