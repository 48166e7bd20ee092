// Package product owns SPUs (the listings a schedule takes down) and exposes
// them to autodown through the TargetRepository capability.
package product

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autodown/internal/autodown"
)

var (
	ErrNotFound    = errors.New("product not found")
	ErrInvalidName = errors.New("product name required")
)

// Product is a listed SPU. Valid=false means taken down.
type Product struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	Valid     bool      `json:"valid"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (p Product) TargetID() int64 { return p.ID }
func (p Product) Terminal() bool  { return !p.Valid }

// Store persists products. GetProduct returns ErrNotFound for unknown ids.
type Store interface {
	GetProduct(ctx context.Context, id int64) (Product, error)
	// SaveProduct inserts p when p.ID is 0 (assigning the id). Otherwise it
	// updates the existing row and returns ErrNotFound if there is none.
	SaveProduct(ctx context.Context, p *Product) error
	DeleteProduct(ctx context.Context, id int64) error
	ListProducts(ctx context.Context, limit int) ([]Product, error)
}

// Catalog adapts a product Store to autodown.TargetRepository.
type Catalog struct {
	store Store
	clock autodown.Clock
}

func NewCatalog(store Store, clock autodown.Clock) *Catalog {
	if clock == nil {
		clock = autodown.SystemClock
	}
	return &Catalog{store: store, clock: clock}
}

// Create lists a new product.
func (c *Catalog) Create(ctx context.Context, name string) (Product, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Product{}, ErrInvalidName
	}
	now := c.clock.Now()
	p := Product{Name: name, Valid: true, CreatedAt: now, UpdatedAt: now}
	if err := c.store.SaveProduct(ctx, &p); err != nil {
		return Product{}, fmt.Errorf("create product: %w", err)
	}
	return p, nil
}

func (c *Catalog) Get(ctx context.Context, id int64) (Product, error) {
	return c.store.GetProduct(ctx, id)
}

func (c *Catalog) List(ctx context.Context, limit int) ([]Product, error) {
	return c.store.ListProducts(ctx, limit)
}

// LoadByID implements autodown.TargetRepository.
func (c *Catalog) LoadByID(ctx context.Context, id int64) (autodown.Target, error) {
	p, err := c.store.GetProduct(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil, &autodown.TargetNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("load SPU %d: %w", id, err)
	}
	return p, nil
}

// MarkTerminal implements autodown.TargetRepository: the product is delisted
// and persisted.
func (c *Catalog) MarkTerminal(ctx context.Context, t autodown.Target) (autodown.Target, error) {
	p, ok := t.(Product)
	if !ok {
		loaded, err := c.store.GetProduct(ctx, t.TargetID())
		if errors.Is(err, ErrNotFound) {
			return nil, &autodown.TargetNotFoundError{ID: t.TargetID()}
		}
		if err != nil {
			return nil, fmt.Errorf("load SPU %d: %w", t.TargetID(), err)
		}
		p = loaded
	}
	p.Valid = false
	p.UpdatedAt = c.clock.Now()
	err := c.store.SaveProduct(ctx, &p)
	if errors.Is(err, ErrNotFound) {
		return nil, &autodown.TargetNotFoundError{ID: p.ID}
	}
	if err != nil {
		return nil, fmt.Errorf("take down SPU %d: %w", p.ID, err)
	}
	return p, nil
}
