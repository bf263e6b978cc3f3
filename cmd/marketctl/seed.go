package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
	"github.com/shopspring/decimal"

	"github.com/xenking/organic-market/internal/domain/product"
	"github.com/xenking/organic-market/internal/domain/user"
)

type productJSON struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	Price         decimal.Decimal `json:"price"`
	OriginalPrice decimal.Decimal `json:"originalPrice"`
	Category      string          `json:"category"`
	SellerID      string          `json:"sellerId"`
	SellerName    string          `json:"sellerName"`
	Stock         int             `json:"stock"`
	Unit          string          `json:"unit"`
	Images        []string        `json:"images"`
	IsAvailable   *bool           `json:"isAvailable"`
}

type userJSON struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

type productSaver interface {
	Save(ctx context.Context, p *product.Product) error
}

type userSaver interface {
	Save(ctx context.Context, u *user.User) error
}

// readJSON decodes a JSON array from path. Files ending in .gz are
// decompressed.
func readJSON[T any](path string) ([]T, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "open")
	}
	defer func() { _ = f.Close() }()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gz, err := pgzip.NewReader(f)
		if err != nil {
			return nil, errors.Wrapf(err, "gzip reader for %s", path)
		}
		defer func() { _ = gz.Close() }()
		r = gz
	}

	var out []T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return nil, errors.Wrapf(err, "decode %s", path)
	}
	return out, nil
}

func (p productJSON) product() (*product.Product, error) {
	if p.Name == "" || p.SellerID == "" {
		return nil, errors.Errorf("product %q: name and sellerId are required", p.ID)
	}
	if p.Price.IsNegative() || p.Stock < 0 {
		return nil, errors.Errorf("product %q: price and stock must not be negative", p.Name)
	}
	available := true
	if p.IsAvailable != nil {
		available = *p.IsAvailable
	}
	return &product.Product{
		ID:            p.ID,
		Name:          p.Name,
		Description:   p.Description,
		Price:         p.Price,
		OriginalPrice: p.OriginalPrice,
		Category:      p.Category,
		SellerID:      p.SellerID,
		SellerName:    p.SellerName,
		Stock:         p.Stock,
		Unit:          p.Unit,
		Images:        p.Images,
		IsAvailable:   available,
	}, nil
}

func seedProducts(ctx context.Context, repo productSaver, path string) (int, error) {
	items, err := readJSON[productJSON](path)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		p, err := item.product()
		if err != nil {
			return i, err
		}
		if err := repo.Save(ctx, p); err != nil {
			return i, err
		}
	}
	return len(items), nil
}

func seedUsers(ctx context.Context, repo userSaver, path string) (int, error) {
	items, err := readJSON[userJSON](path)
	if err != nil {
		return 0, err
	}
	for i, item := range items {
		u := &user.User{
			ID:      item.ID,
			Name:    item.Name,
			Email:   item.Email,
			Role:    user.Role(item.Role),
			Address: item.Address,
			Phone:   item.Phone,
		}
		if u.Role == "" {
			u.Role = user.RoleCustomer
		}
		if !u.Role.Valid() {
			return i, errors.Errorf("user %q: unknown role %q", u.ID, u.Role)
		}
		if err := repo.Save(ctx, u); err != nil {
			return i, err
		}
	}
	return len(items), nil
}
