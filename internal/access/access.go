package access

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

var ErrUnauthorized = errors.New("unauthorized")

// Role names a privilege. The core only asks whether an account holds one.
type Role string

const (
	RoleAdmin      Role = "admin"      // parameter setters
	RoleTreasury   Role = "treasury"   // external funding of wallets
	RoleLiquidator Role = "liquidator" // forfeiture-pool liquidation
	RoleFeeder     Role = "feeder"     // price and rate feeds
)

func ParseRole(s string) (Role, error) {
	switch r := Role(s); r {
	case RoleAdmin, RoleTreasury, RoleLiquidator, RoleFeeder:
		return r, nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// Control is an in-memory role table.
type Control struct {
	mu    sync.RWMutex
	roles map[Role]map[uuid.UUID]struct{}
}

func NewControl() *Control {
	return &Control{roles: make(map[Role]map[uuid.UUID]struct{})}
}

// NewControlFromConfig builds a Control from role name to account ids.
func NewControlFromConfig(grants map[string][]string) (*Control, error) {
	c := NewControl()
	for name, accounts := range grants {
		role, err := ParseRole(name)
		if err != nil {
			return nil, err
		}
		for _, a := range accounts {
			id, err := uuid.Parse(a)
			if err != nil {
				return nil, fmt.Errorf("role %s: account %q: %w", name, a, err)
			}
			c.Grant(role, id)
		}
	}
	return c, nil
}

func (c *Control) Grant(role Role, account uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	members, ok := c.roles[role]
	if !ok {
		members = make(map[uuid.UUID]struct{})
		c.roles[role] = members
	}
	members[account] = struct{}{}
}

func (c *Control) Revoke(role Role, account uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.roles[role], account)
}

func (c *Control) HasRole(role Role, account uuid.UUID) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.roles[role][account]
	return ok
}

// Require returns ErrUnauthorized unless account holds role.
func (c *Control) Require(role Role, account uuid.UUID) error {
	if !c.HasRole(role, account) {
		return fmt.Errorf("%w: %s lacks role %s", ErrUnauthorized, account, role)
	}
	return nil
}

// Members lists the accounts holding role, sorted.
func (c *Control) Members(role Role) []uuid.UUID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(c.roles[role]))
	for id := range c.roles[role] {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Snapshot returns every role with its sorted members.
func (c *Control) Snapshot() map[Role][]uuid.UUID {
	c.mu.RLock()
	roles := make([]Role, 0, len(c.roles))
	for r := range c.roles {
		roles = append(roles, r)
	}
	c.mu.RUnlock()

	out := make(map[Role][]uuid.UUID, len(roles))
	for _, r := range roles {
		if m := c.Members(r); len(m) > 0 {
			out[r] = m
		}
	}
	return out
}

// Restore replaces the whole role table.
func (c *Control) Restore(grants map[Role][]uuid.UUID) {
	c.mu.Lock()
	c.roles = make(map[Role]map[uuid.UUID]struct{}, len(grants))
	c.mu.Unlock()
	for r, members := range grants {
		for _, id := range members {
			c.Grant(r, id)
		}
	}
}
