package catalog

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Category is the closed set of product categories.
type Category string

const (
	CategoryElectronics Category = "ELECTRONICS"
	CategoryFood        Category = "FOOD"
	CategoryBeverage    Category = "BEVERAGE"
	CategoryClothing    Category = "CLOTHING"
	CategoryHousehold   Category = "HOUSEHOLD"
	CategoryStationery  Category = "STATIONERY"
	CategoryOther       Category = "OTHER"
)

// Categories lists every accepted category.
var Categories = []Category{
	CategoryElectronics,
	CategoryFood,
	CategoryBeverage,
	CategoryClothing,
	CategoryHousehold,
	CategoryStationery,
	CategoryOther,
}

// Valid reports whether c belongs to the closed set.
func (c Category) Valid() bool {
	for _, known := range Categories {
		if c == known {
			return true
		}
	}
	return false
}

// Product is a catalog row together with its stock counter.
//
// Quantity is only changed by the inventory engine. OpeningQuantity is the
// stock the product was created with and never changes afterwards.
type Product struct {
	ID              int64           `json:"id"`
	Name            string          `json:"name"`
	Category        Category        `json:"category"`
	Supplier        string          `json:"supplier"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	SellingPrice    decimal.Decimal `json:"selling_price"`
	Quantity        int64           `json:"quantity"`
	OpeningQuantity int64           `json:"opening_quantity"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// ProductInput carries editable catalog fields.
type ProductInput struct {
	Name            string          `json:"name" validate:"required,max=200"`
	Category        Category        `json:"category" validate:"required,oneof=ELECTRONICS FOOD BEVERAGE CLOTHING HOUSEHOLD STATIONERY OTHER"`
	Supplier        string          `json:"supplier" validate:"max=200"`
	PurchasePrice   decimal.Decimal `json:"purchase_price"`
	SellingPrice    decimal.Decimal `json:"selling_price"`
	OpeningQuantity int64           `json:"opening_quantity" validate:"gte=0"`
}

// ListFilter narrows product listings.
type ListFilter struct {
	Category Category
	Search   string
	Limit    int
	Offset   int
}

var (
	// ErrNotFound indicates the product does not exist.
	ErrNotFound = errors.New("catalog: product not found")
	// ErrProductInUse blocks deleting a product referenced by the ledger.
	ErrProductInUse = errors.New("catalog: product referenced by ledger entries")
	// ErrValidation wraps field validation failures.
	ErrValidation = errors.New("catalog: validation failed")
)
