package feed

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	ErrNoPrice = errors.New("no price for class")
	ErrNoRate  = errors.New("no interest rate for class")
)

// Quote is the latest accepted price for a collateral class.
type Quote struct {
	Class     string    `json:"class"`
	Price     int64     `json:"price"` // debt-asset units per whole collateral unit
	Sequence  int64     `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
}

// Store keeps the latest price per collateral class and the governed rates.
// Updates carry a per-feed sequence: stale updates are ignored, gaps are
// accepted and counted.
type Store struct {
	mu              sync.RWMutex
	prices          map[string]Quote
	interestBps     map[string]int64
	rateSeq         int64
	penaltyRateBps  int64
	refinanceFeeBps int64
	gaps            map[string]int64
}

func NewStore(penaltyRateBps, refinanceFeeBps int64) *Store {
	return &Store{
		prices:          make(map[string]Quote),
		interestBps:     make(map[string]int64),
		penaltyRateBps:  penaltyRateBps,
		refinanceFeeBps: refinanceFeeBps,
		gaps:            make(map[string]int64),
	}
}

// UpdatePrice applies a price update. It reports whether the update was
// applied; a stale sequence is ignored without error.
func (s *Store) UpdatePrice(q Quote) (bool, error) {
	if q.Price <= 0 {
		return false, fmt.Errorf("price for %s must be positive, got %d", q.Class, q.Price)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, ok := s.prices[q.Class]
	if ok && q.Sequence <= prev.Sequence {
		return false, nil
	}
	if ok && q.Sequence > prev.Sequence+1 {
		s.gaps[q.Class]++
	}
	s.prices[q.Class] = q
	return true, nil
}

// UpdateRates sets the per-class interest rates and the global penalty and
// refinance rates. Zero or negative global values leave the current ones.
func (s *Store) UpdateRates(sequence int64, interest map[string]int64, penaltyBps, refinanceBps int64) (bool, error) {
	for class, bps := range interest {
		if bps < 0 {
			return false, fmt.Errorf("interest rate for %s must not be negative", class)
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if sequence <= s.rateSeq {
		return false, nil
	}
	if sequence > s.rateSeq+1 {
		s.gaps["rates"]++
	}
	s.rateSeq = sequence
	for class, bps := range interest {
		s.interestBps[class] = bps
	}
	if penaltyBps > 0 {
		s.penaltyRateBps = penaltyBps
	}
	if refinanceBps > 0 {
		s.refinanceFeeBps = refinanceBps
	}
	return true, nil
}

// SetInterestRate seeds a class rate outside the feed sequence, used for config defaults.
func (s *Store) SetInterestRate(class string, bps int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.interestBps[class] = bps
}

func (s *Store) Price(class string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[class]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoPrice, class)
	}
	return q.Price, nil
}

func (s *Store) Quote(class string) (Quote, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q, ok := s.prices[class]
	return q, ok
}

func (s *Store) InterestRateBps(class string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bps, ok := s.interestBps[class]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrNoRate, class)
	}
	return bps, nil
}

func (s *Store) PenaltyRateBps() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.penaltyRateBps
}

func (s *Store) RefinanceFeeBps() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.refinanceFeeBps
}

// Gaps returns how many sequence gaps were seen for a class ("rates" for the rate feed).
func (s *Store) Gaps(feed string) int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gaps[feed]
}

// State is the serializable form of a Store.
type State struct {
	Prices          []Quote          `json:"prices"`
	InterestBps     map[string]int64 `json:"interest_bps"`
	RateSequence    int64            `json:"rate_sequence"`
	PenaltyRateBps  int64            `json:"penalty_rate_bps"`
	RefinanceFeeBps int64            `json:"refinance_fee_bps"`
}

func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := State{
		InterestBps:     make(map[string]int64, len(s.interestBps)),
		RateSequence:    s.rateSeq,
		PenaltyRateBps:  s.penaltyRateBps,
		RefinanceFeeBps: s.refinanceFeeBps,
	}
	for _, q := range s.prices {
		st.Prices = append(st.Prices, q)
	}
	sort.Slice(st.Prices, func(i, j int) bool { return st.Prices[i].Class < st.Prices[j].Class })
	for k, v := range s.interestBps {
		st.InterestBps[k] = v
	}
	return st
}

func (s *Store) Restore(st State) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices = make(map[string]Quote, len(st.Prices))
	for _, q := range st.Prices {
		s.prices[q.Class] = q
	}
	s.interestBps = make(map[string]int64, len(st.InterestBps))
	for k, v := range st.InterestBps {
		s.interestBps[k] = v
	}
	s.rateSeq = st.RateSequence
	s.penaltyRateBps = st.PenaltyRateBps
	s.refinanceFeeBps = st.RefinanceFeeBps
}
