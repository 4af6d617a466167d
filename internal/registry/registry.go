package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var (
	ErrAlreadyMinted = errors.New("identifier already minted")
	ErrNotMinted     = errors.New("identifier not minted")
	ErrNotHolder     = errors.New("sender does not hold identifier")
)

// Registry is the in-process non-fungible position identifier. Each token id
// equals the position id it represents.
type Registry struct {
	mu     sync.RWMutex
	owners map[uuid.UUID]uuid.UUID
}

func New() *Registry {
	return &Registry{owners: make(map[uuid.UUID]uuid.UUID)}
}

func (r *Registry) Mint(id, owner uuid.UUID) error {
	if owner == uuid.Nil {
		return fmt.Errorf("mint %s: owner must not be nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyMinted, id)
	}
	r.owners[id] = owner
	return nil
}

func (r *Registry) Burn(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.owners[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotMinted, id)
	}
	delete(r.owners, id)
	return nil
}

func (r *Registry) OwnerOf(id uuid.UUID) (uuid.UUID, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	owner, ok := r.owners[id]
	return owner, ok
}

// Transfer hands the identifier, and with it control of the position, to another account.
func (r *Registry) Transfer(id, from, to uuid.UUID) error {
	if to == uuid.Nil {
		return fmt.Errorf("transfer %s: recipient must not be nil", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	owner, ok := r.owners[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotMinted, id)
	}
	if owner != from {
		return fmt.Errorf("%w: %s", ErrNotHolder, id)
	}
	r.owners[id] = to
	return nil
}

// Len returns the number of live identifiers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.owners)
}

// Holding is one identifier and its holder, used for snapshots.
type Holding struct {
	ID    uuid.UUID `json:"id"`
	Owner uuid.UUID `json:"owner"`
}

// Snapshot returns every holding ordered by id.
func (r *Registry) Snapshot() []Holding {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Holding, 0, len(r.owners))
	for id, owner := range r.owners {
		out = append(out, Holding{ID: id, Owner: owner})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func (r *Registry) Restore(holdings []Holding) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.owners = make(map[uuid.UUID]uuid.UUID, len(holdings))
	for _, h := range holdings {
		r.owners[h.ID] = h.Owner
	}
}
