package user

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUser_Fallbacks(t *testing.T) {
	var u User
	assert.Equal(t, "No address provided", u.DeliveryAddress())
	assert.Equal(t, "No phone provided", u.ContactPhone())

	u = User{Address: "12 Farm Rd", Phone: "+8801700000000"}
	assert.Equal(t, "12 Farm Rd", u.DeliveryAddress())
	assert.Equal(t, "+8801700000000", u.ContactPhone())
}

func TestRole_Valid(t *testing.T) {
	assert.True(t, RoleFarmer.Valid())
	assert.True(t, RoleCustomer.Valid())
	assert.False(t, Role("courier").Valid())
}
