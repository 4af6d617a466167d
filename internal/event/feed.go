package event

import "fmt"

// PriceUpdate carries a collateral price. Its sequence runs per class and
// tolerates gaps; stale updates are ignored.
type PriceUpdate struct {
	Meta
	Class string `json:"class"`
	Price int64  `json:"price"`
}

func (e *PriceUpdate) EventType() EventType { return EventTypePriceUpdate }

func (e *PriceUpdate) Partition() string { return "price:" + e.Class }

func (e *PriceUpdate) Validate() error {
	return firstErr(e.validateMeta(), requireNonEmpty("class", e.Class), requirePositive("price", e.Price))
}

// RateUpdate carries per-class interest rates and the global penalty and
// refinance rates. Zero globals leave the current values.
type RateUpdate struct {
	Meta
	InterestBps     map[string]int64 `json:"interest_bps"`
	PenaltyBps      int64            `json:"penalty_bps"`
	RefinanceFeeBps int64            `json:"refinance_fee_bps"`
}

func (e *RateUpdate) EventType() EventType { return EventTypeRateUpdate }

func (e *RateUpdate) Partition() string { return "rates" }

func (e *RateUpdate) Validate() error {
	if err := e.validateMeta(); err != nil {
		return err
	}
	for class, bps := range e.InterestBps {
		if class == "" || bps < 0 {
			return fmt.Errorf("%w: interest rate %q=%d", ErrInvalidCommand, class, bps)
		}
	}
	if e.PenaltyBps < 0 || e.RefinanceFeeBps < 0 {
		return fmt.Errorf("%w: rates must not be negative", ErrInvalidCommand)
	}
	return nil
}
