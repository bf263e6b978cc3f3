package repository

import (
	"context"
	"fmt"

	"github.com/go-faster/errors"

	"github.com/xenking/organic-market/internal/docstore"
	"github.com/xenking/organic-market/internal/domain/user"
)

var _ user.Repository = (*UserRepository)(nil)

type userDoc struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Role    string `json:"role"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// UserRepository implements user.Repository on a document store.
type UserRepository struct {
	store docstore.Store
}

// NewUserRepository returns a UserRepository that uses the given store.
func NewUserRepository(store docstore.Store) *UserRepository {
	return &UserRepository{store: store}
}

// GetByID returns a user profile.
func (r *UserRepository) GetByID(ctx context.Context, id string) (*user.User, error) {
	doc, err := r.store.Get(ctx, user.Collection, id)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, user.ErrNotFound
		}
		return nil, fmt.Errorf("getting user %q: %w", id, err)
	}
	var d userDoc
	if err := doc.DataTo(&d); err != nil {
		return nil, err
	}
	return &user.User{
		ID:      doc.ID,
		Name:    d.Name,
		Email:   d.Email,
		Role:    user.Role(d.Role),
		Address: d.Address,
		Phone:   d.Phone,
	}, nil
}

// Save upserts a user profile. Profiles are keyed by the identity provider's
// user id, so u.ID is required.
func (r *UserRepository) Save(ctx context.Context, u *user.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	err := r.store.Set(ctx, user.Collection, u.ID, userDoc{
		Name:    u.Name,
		Email:   u.Email,
		Role:    string(u.Role),
		Address: u.Address,
		Phone:   u.Phone,
	})
	if err != nil {
		return fmt.Errorf("saving user %q: %w", u.ID, err)
	}
	return nil
}
