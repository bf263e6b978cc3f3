package user

import (
	"context"

	"github.com/go-faster/errors"
)

// ErrNotFound is returned when a user profile does not exist.
var ErrNotFound = errors.New("user not found")

// Collection is the document store collection of user profiles.
const Collection = "users"

// Role of a marketplace account.
type Role string

const (
	RoleCustomer Role = "customer"
	RoleFarmer   Role = "farmer"
	RoleAdmin    Role = "admin"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleCustomer, RoleFarmer, RoleAdmin:
		return true
	}
	return false
}

const (
	noAddress = "No address provided"
	noPhone   = "No phone provided"
)

// User is a buyer or seller profile. Farmers can buy from other farmers.
type User struct {
	ID      string
	Name    string
	Email   string
	Role    Role
	Address string
	Phone   string
}

// DeliveryAddress returns the address orders are shipped to.
func (u User) DeliveryAddress() string {
	if u.Address == "" {
		return noAddress
	}
	return u.Address
}

// ContactPhone returns the phone number sellers use to reach the buyer.
func (u User) ContactPhone() string {
	if u.Phone == "" {
		return noPhone
	}
	return u.Phone
}

// Repository defines persistence operations for user profiles.
type Repository interface {
	GetByID(ctx context.Context, id string) (*User, error)
	Save(ctx context.Context, u *User) error
}
