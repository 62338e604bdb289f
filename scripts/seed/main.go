package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/stockledger/internal/app"
	"github.com/odyssey-erp/stockledger/internal/catalog"
	"github.com/odyssey-erp/stockledger/internal/inventory"
)

const seedActor = "seed"

type seedProduct struct {
	Name     string
	Category catalog.Category
	Supplier string
	Cost     string
	Price    string
	Opening  int64
}

var products = []seedProduct{
	{Name: "USB-C Cable 1m", Category: catalog.CategoryElectronics, Supplier: "Cablecorp", Cost: "2.40", Price: "6.99", Opening: 120},
	{Name: "Wireless Mouse", Category: catalog.CategoryElectronics, Supplier: "Cablecorp", Cost: "9.10", Price: "19.90", Opening: 40},
	{Name: "Jasmine Rice 5kg", Category: catalog.CategoryFood, Supplier: "Sawah Makmur", Cost: "6.75", Price: "9.50", Opening: 60},
	{Name: "Green Tea 20 bags", Category: catalog.CategoryBeverage, Supplier: "Kebun Teh", Cost: "1.20", Price: "3.35", Opening: 200},
	{Name: "A4 Paper Ream", Category: catalog.CategoryStationery, Supplier: "Kertas Jaya", Cost: "3.80", Price: "5.25", Opening: 80},
	{Name: "Cotton T-Shirt", Category: catalog.CategoryClothing, Supplier: "Benang Emas", Cost: "4.00", Price: "12.00", Opening: 50},
}

func main() {
	ctx := context.Background()
	cfg, err := app.LoadConfig()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	backend, err := app.OpenBackend(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer backend.Close()

	catalogService := catalog.NewService(backend.Catalog)
	engineCfg := cfg.EngineConfig()
	engineCfg.Logger = logger
	engine := inventory.NewService(backend.Engine, backend.Audit, backend.Idempotency, engineCfg, nil)

	fmt.Println("→ Seeding products...")
	created, err := seedProducts(ctx, catalogService)
	if err != nil {
		log.Fatalf("seed products: %v", err)
	}

	fmt.Println("→ Seeding purchases...")
	if err := seedPurchases(ctx, engine, created); err != nil {
		log.Fatalf("seed purchases: %v", err)
	}

	fmt.Println("→ Seeding sales...")
	if err := seedSales(ctx, engine, created); err != nil {
		log.Fatalf("seed sales: %v", err)
	}

	fmt.Println("✓ Seed complete at", time.Now().Format(time.RFC3339))
}

func seedProducts(ctx context.Context, svc *catalog.Service) ([]catalog.Product, error) {
	existing, err := svc.List(ctx, catalog.ListFilter{})
	if err != nil {
		return nil, err
	}
	byName := make(map[string]catalog.Product, len(existing))
	for _, p := range existing {
		byName[p.Name] = p
	}

	out := make([]catalog.Product, 0, len(products))
	for _, sp := range products {
		if p, ok := byName[sp.Name]; ok {
			out = append(out, p)
			continue
		}
		p, err := svc.Create(ctx, catalog.ProductInput{
			Name:            sp.Name,
			Category:        sp.Category,
			Supplier:        sp.Supplier,
			PurchasePrice:   decimal.RequireFromString(sp.Cost),
			SellingPrice:    decimal.RequireFromString(sp.Price),
			OpeningQuantity: sp.Opening,
		})
		if err != nil {
			return nil, fmt.Errorf("%s: %w", sp.Name, err)
		}
		out = append(out, p)
	}
	return out, nil
}

// Keys make reruns no-ops against stores that keep idempotency keys.
func seedPurchases(ctx context.Context, engine *inventory.Service, items []catalog.Product) error {
	input := inventory.PurchaseInput{
		Supplier:       "Initial restock",
		InvoiceRef:     "SEED-INV-0001",
		ActorID:        seedActor,
		IdempotencyKey: "seed-purchase-0001",
	}
	for _, p := range items {
		input.Items = append(input.Items, inventory.PurchaseItem{ProductID: p.ID, Quantity: 25, UnitCost: p.PurchasePrice})
	}
	_, err := engine.RecordPurchase(ctx, input)
	return ignoreReplay(err)
}

func seedSales(ctx context.Context, engine *inventory.Service, items []catalog.Product) error {
	for i, p := range items {
		_, err := engine.RecordSale(ctx, inventory.SaleInput{
			Customer:       "Walk-in",
			ActorID:        seedActor,
			IdempotencyKey: fmt.Sprintf("seed-sale-%04d", i+1),
			Items:          []inventory.SaleItem{{ProductID: p.ID, Quantity: int64(i%3 + 1)}},
		})
		if err := ignoreReplay(err); err != nil {
			return err
		}
	}
	return nil
}

func ignoreReplay(err error) error {
	if err != nil && inventory.Outcome(err) == "duplicate" {
		return nil
	}
	return err
}
