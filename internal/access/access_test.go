package access

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestControl_GrantRevoke(t *testing.T) {
	c := NewControl()
	admin := uuid.New()

	assert.ErrorIs(t, c.Require(RoleAdmin, admin), ErrUnauthorized)

	c.Grant(RoleAdmin, admin)
	assert.NoError(t, c.Require(RoleAdmin, admin))
	assert.False(t, c.HasRole(RoleTreasury, admin))

	c.Revoke(RoleAdmin, admin)
	assert.False(t, c.HasRole(RoleAdmin, admin))
}

func TestNewControlFromConfig(t *testing.T) {
	id := uuid.New()
	c, err := NewControlFromConfig(map[string][]string{
		"liquidator": {id.String()},
	})
	require.NoError(t, err)
	assert.True(t, c.HasRole(RoleLiquidator, id))
	assert.Equal(t, []uuid.UUID{id}, c.Members(RoleLiquidator))

	_, err = NewControlFromConfig(map[string][]string{"root": {id.String()}})
	assert.Error(t, err)

	_, err = NewControlFromConfig(map[string][]string{"admin": {"not-a-uuid"}})
	assert.Error(t, err)
}
