package state

import (
	"fmt"
	"sort"
)

// CollateralParams defines origination bounds per collateral class
type CollateralParams struct {
	Class        string
	PremiumBps   int64 // conversion premium over purchase price
	MinPeriods   int64
	MaxPeriods   int64
	MinBorrow    int64 // debt-asset base units
	MaxBorrow    int64
	EffectiveSeq int64 // Sequence at which params take effect
}

var (
	// Defaults used when no [[collateral]] section is configured
	DefaultCollateralParams = map[string]*CollateralParams{
		"BTC": {
			Class:      "BTC",
			PremiumBps: 1_000, // 10%
			MinPeriods: 12,
			MaxPeriods: 60,
			MinBorrow:  1_000_000,         // 1 USDC
			MaxBorrow:  5_000_000_000_000, // 5M USDC
		},
		"ETH": {
			Class:      "ETH",
			PremiumBps: 1_500,
			MinPeriods: 12,
			MaxPeriods: 60,
			MinBorrow:  1_000_000,
			MaxBorrow:  2_000_000_000_000,
		},
	}
)

// OriginationParamsManager manages per-class origination bounds
type OriginationParamsManager struct {
	params map[string]*CollateralParams
}

func NewOriginationParamsManager(initial []*CollateralParams) (*OriginationParamsManager, error) {
	m := &OriginationParamsManager{params: make(map[string]*CollateralParams)}

	if len(initial) == 0 {
		for k, v := range DefaultCollateralParams {
			c := *v
			m.params[k] = &c
		}
		return m, nil
	}

	for _, p := range initial {
		if err := m.UpdateParams(p); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *OriginationParamsManager) GetParams(class string) (*CollateralParams, bool) {
	p, ok := m.params[class]
	return p, ok
}

// Classes lists configured collateral classes, sorted.
func (m *OriginationParamsManager) Classes() []string {
	out := make([]string, 0, len(m.params))
	for k := range m.params {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// All returns copies of every class's params, sorted by class.
func (m *OriginationParamsManager) All() []*CollateralParams {
	out := make([]*CollateralParams, 0, len(m.params))
	for _, class := range m.Classes() {
		c := *m.params[class]
		out = append(out, &c)
	}
	return out
}

// ValidateCollateralParams checks that parameters are internally consistent.
func ValidateCollateralParams(p *CollateralParams) error {
	if p.Class == "" {
		return fmt.Errorf("class must not be empty")
	}
	if p.PremiumBps < 0 {
		return fmt.Errorf("premium_bps must be >= 0, got %d", p.PremiumBps)
	}
	if p.MinPeriods <= 0 {
		return fmt.Errorf("min_periods must be > 0, got %d", p.MinPeriods)
	}
	if p.MaxPeriods < p.MinPeriods {
		return fmt.Errorf("max_periods (%d) must be >= min_periods (%d)", p.MaxPeriods, p.MinPeriods)
	}
	if p.MinBorrow <= 0 {
		return fmt.Errorf("min_borrow must be > 0, got %d", p.MinBorrow)
	}
	if p.MaxBorrow < p.MinBorrow {
		return fmt.Errorf("max_borrow (%d) must be >= min_borrow (%d)", p.MaxBorrow, p.MinBorrow)
	}
	return nil
}

func (m *OriginationParamsManager) UpdateParams(p *CollateralParams) error {
	if err := ValidateCollateralParams(p); err != nil {
		return fmt.Errorf("invalid collateral params for %s: %w", p.Class, err)
	}
	c := *p
	m.params[p.Class] = &c
	return nil
}

func (m *OriginationParamsManager) ValidatePeriods(class string, totalPeriods int64) error {
	p, ok := m.params[class]
	if !ok {
		return fmt.Errorf("%w: unknown collateral class %s", ErrOutOfBounds, class)
	}
	if totalPeriods < p.MinPeriods || totalPeriods > p.MaxPeriods {
		return fmt.Errorf("%w: periods %d outside [%d,%d]", ErrOutOfBounds, totalPeriods, p.MinPeriods, p.MaxPeriods)
	}
	return nil
}

func (m *OriginationParamsManager) ValidateOrigination(class string, borrowed int64, totalPeriods int64) error {
	if err := m.ValidatePeriods(class, totalPeriods); err != nil {
		return err
	}
	p := m.params[class]
	if borrowed < p.MinBorrow || borrowed > p.MaxBorrow {
		return fmt.Errorf("%w: borrow %d outside [%d,%d]", ErrOutOfBounds, borrowed, p.MinBorrow, p.MaxBorrow)
	}
	return nil
}

func (m *OriginationParamsManager) PremiumBps(class string) (int64, error) {
	p, ok := m.params[class]
	if !ok {
		return 0, fmt.Errorf("%w: unknown collateral class %s", ErrOutOfBounds, class)
	}
	return p.PremiumBps, nil
}
