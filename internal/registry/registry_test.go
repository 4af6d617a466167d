package registry

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMintBurn(t *testing.T) {
	r := New()
	id, owner := uuid.New(), uuid.New()

	require.NoError(t, r.Mint(id, owner))
	assert.ErrorIs(t, r.Mint(id, owner), ErrAlreadyMinted)

	got, ok := r.OwnerOf(id)
	require.True(t, ok)
	assert.Equal(t, owner, got)

	require.NoError(t, r.Burn(id))
	_, ok = r.OwnerOf(id)
	assert.False(t, ok)
	assert.ErrorIs(t, r.Burn(id), ErrNotMinted)
}

func TestTransfer(t *testing.T) {
	r := New()
	id, alice, bob := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, r.Mint(id, alice))

	assert.ErrorIs(t, r.Transfer(id, bob, alice), ErrNotHolder)
	require.NoError(t, r.Transfer(id, alice, bob))

	got, _ := r.OwnerOf(id)
	assert.Equal(t, bob, got)
}

func TestSnapshotRestore(t *testing.T) {
	r := New()
	for i := 0; i < 3; i++ {
		require.NoError(t, r.Mint(uuid.New(), uuid.New()))
	}

	restored := New()
	restored.Restore(r.Snapshot())
	assert.Equal(t, r.Snapshot(), restored.Snapshot())
	assert.Equal(t, 3, restored.Len())
}
