package catalog

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Repository persists catalog rows.
type Repository interface {
	List(ctx context.Context, filter ListFilter) ([]Product, error)
	Get(ctx context.Context, id int64) (Product, error)
	Create(ctx context.Context, product Product) (Product, error)
	// Update writes descriptive and price fields. It never touches stock.
	Update(ctx context.Context, product Product) (Product, error)
	// Delete must return ErrProductInUse when ledger lines reference the row.
	Delete(ctx context.Context, id int64) error
}

// Service implements catalog editing on top of Repository.
type Service struct {
	repo     Repository
	validate *validator.Validate
}

// NewService constructs Service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, validate: validator.New()}
}

// List returns products matching filter.
func (s *Service) List(ctx context.Context, filter ListFilter) ([]Product, error) {
	if filter.Category != "" && !filter.Category.Valid() {
		return nil, fmt.Errorf("%w: unknown category %q", ErrValidation, filter.Category)
	}
	if filter.Limit <= 0 || filter.Limit > 500 {
		filter.Limit = 100
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	filter.Search = strings.TrimSpace(filter.Search)
	return s.repo.List(ctx, filter)
}

// Get loads a single product.
func (s *Service) Get(ctx context.Context, id int64) (Product, error) {
	if id <= 0 {
		return Product{}, ErrNotFound
	}
	return s.repo.Get(ctx, id)
}

// Create adds a product whose stock starts at the opening quantity.
func (s *Service) Create(ctx context.Context, input ProductInput) (Product, error) {
	if err := s.validateInput(input); err != nil {
		return Product{}, err
	}
	product := Product{
		Name:            strings.TrimSpace(input.Name),
		Category:        input.Category,
		Supplier:        strings.TrimSpace(input.Supplier),
		PurchasePrice:   input.PurchasePrice.Round(2),
		SellingPrice:    input.SellingPrice.Round(2),
		Quantity:        input.OpeningQuantity,
		OpeningQuantity: input.OpeningQuantity,
	}
	return s.repo.Create(ctx, product)
}

// Update edits name, category, supplier and prices. Stock fields in input are ignored.
func (s *Service) Update(ctx context.Context, id int64, input ProductInput) (Product, error) {
	if id <= 0 {
		return Product{}, ErrNotFound
	}
	if err := s.validateInput(input); err != nil {
		return Product{}, err
	}
	current, err := s.repo.Get(ctx, id)
	if err != nil {
		return Product{}, err
	}
	current.Name = strings.TrimSpace(input.Name)
	current.Category = input.Category
	current.Supplier = strings.TrimSpace(input.Supplier)
	current.PurchasePrice = input.PurchasePrice.Round(2)
	current.SellingPrice = input.SellingPrice.Round(2)
	return s.repo.Update(ctx, current)
}

// Delete removes a product that no ledger entry references.
func (s *Service) Delete(ctx context.Context, id int64) error {
	if id <= 0 {
		return ErrNotFound
	}
	return s.repo.Delete(ctx, id)
}

func (s *Service) validateInput(input ProductInput) error {
	if err := s.validate.Struct(input); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			fe := fieldErrs[0]
			return fmt.Errorf("%w: %s failed on %s", ErrValidation, fe.Field(), fe.Tag())
		}
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if input.PurchasePrice.IsNegative() {
		return fmt.Errorf("%w: purchase_price must be >= 0", ErrValidation)
	}
	if !input.SellingPrice.IsPositive() {
		return fmt.Errorf("%w: selling_price must be > 0", ErrValidation)
	}
	if !hasMinorUnits(input.PurchasePrice) || !hasMinorUnits(input.SellingPrice) {
		return fmt.Errorf("%w: prices allow at most 2 decimal places", ErrValidation)
	}
	return nil
}

func hasMinorUnits(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
