package inventory

import (
	"time"

	"github.com/shopspring/decimal"
)

// CostingPolicy decides what a purchase does to the catalog purchase price.
type CostingPolicy string

const (
	// CostingLast overwrites the catalog purchase price with the unit cost of
	// the last purchase line for that product.
	CostingLast CostingPolicy = "last"
	// CostingFixed leaves the catalog purchase price untouched.
	CostingFixed CostingPolicy = "fixed"
)

// SaleItem requests quantity units of a product.
type SaleItem struct {
	ProductID int64 `json:"product_id"`
	Quantity  int64 `json:"quantity"`
}

// SaleInput describes a sale request. ActorID is the authenticated caller.
type SaleInput struct {
	Customer       string
	ActorID        string
	IdempotencyKey string
	Items          []SaleItem
}

// PurchaseItem receives quantity units of a product at UnitCost each.
type PurchaseItem struct {
	ProductID int64           `json:"product_id"`
	Quantity  int64           `json:"quantity"`
	UnitCost  decimal.Decimal `json:"unit_cost"`
}

// PurchaseInput describes a purchase request.
type PurchaseInput struct {
	Supplier       string
	InvoiceRef     string
	ActorID        string
	IdempotencyKey string
	Items          []PurchaseItem
}

// StockChange is the resulting state of one product after a transaction.
type StockChange struct {
	ProductID int64
	// Quantity is the new quantity-on-hand, not a delta.
	Quantity int64
	// PurchasePrice is written only when UpdateCost is set.
	PurchasePrice decimal.Decimal
	UpdateCost    bool
}

// Movement summarises the ledger activity of a product for reconciliation.
type Movement struct {
	ProductID       int64
	Name            string
	Quantity        int64
	OpeningQuantity int64
	Purchased       int64
	Sold            int64
}

// Expected is the quantity the ledger explains.
func (m Movement) Expected() int64 {
	return m.OpeningQuantity + m.Purchased - m.Sold
}

// Drift is a product whose stored quantity disagrees with the ledger.
type Drift struct {
	Movement
	ExpectedQuantity int64
	Difference       int64
}

// ReconcileReport is the outcome of a reconciliation pass.
type ReconcileReport struct {
	CheckedAt time.Time
	Products  int
	Drifts    []Drift
}
