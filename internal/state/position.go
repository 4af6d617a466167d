package state

import (
	"fmt"
	"time"

	fpmath "ConsolLedger/internal/math"

	"github.com/google/uuid"
)

// PositionStatus tracks the lifecycle of a position
type PositionStatus int32

const (
	PositionStatusActive PositionStatus = iota
	PositionStatusRedeemed
	PositionStatusForeclosed
)

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusActive:
		return "Active"
	case PositionStatusRedeemed:
		return "Redeemed"
	case PositionStatusForeclosed:
		return "Foreclosed"
	default:
		return "Unknown"
	}
}

func (s PositionStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *PositionStatus) UnmarshalText(text []byte) error {
	switch string(text) {
	case "Active":
		*s = PositionStatusActive
	case "Redeemed":
		*s = PositionStatusRedeemed
	case "Foreclosed":
		*s = PositionStatusForeclosed
	default:
		return fmt.Errorf("unknown position status %q", text)
	}
	return nil
}

// CanTransitionTo validates status transitions. Redeemed and Foreclosed are terminal.
func (s PositionStatus) CanTransitionTo(next PositionStatus) bool {
	validTransitions := map[PositionStatus][]PositionStatus{
		PositionStatusActive: {
			PositionStatusRedeemed,
			PositionStatusForeclosed,
		},
	}

	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}

	for _, allowedStatus := range allowed {
		if next == allowedStatus {
			return true
		}
	}

	return false
}

// Schedule holds the payment calendar shared by every position.
type Schedule struct {
	Period            time.Duration
	Grace             time.Duration
	MaxMissedPayments int64
}

// Position is one collateral-backed debt instrument.
type Position struct {
	ID                   uuid.UUID      `json:"id"`
	CollateralClass      string         `json:"collateral_class"`
	CollateralAmount     int64          `json:"collateral_amount"`    // collateral base units escrowed at origination and expansion
	CollateralConverted  int64          `json:"collateral_converted"` // released through conversion (monotonic)
	BackingPool          string         `json:"backing_pool"`
	PurchasePrice        int64          `json:"purchase_price"` // debt-asset units per whole collateral unit
	InterestRateBps      int64          `json:"interest_rate_bps"`
	ConversionPremiumBps int64          `json:"conversion_premium_bps"`
	OriginatedAt         time.Time      `json:"originated_at"`
	TermStart            time.Time      `json:"term_start"`
	TermBalance          int64          `json:"term_balance"` // total due this term, fixed until refinance/expansion
	AmountBorrowed       int64          `json:"amount_borrowed"`
	AmountPrior          int64          `json:"amount_prior"`     // principal satisfied by payments in prior terms
	TermPaid             int64          `json:"term_paid"`        // payment units paid this term
	TermConverted        int64          `json:"term_converted"`   // payment units extinguished by conversion this term
	AmountConverted      int64          `json:"amount_converted"` // principal forgiven in prior terms
	PenaltyAccrued       int64          `json:"penalty_accrued"`  // monotonic
	PenaltyPaid          int64          `json:"penalty_paid"`
	PaymentsMissed       int64          `json:"payments_missed"` // missed periods already realized by imposePenalty
	TotalPeriods         int64          `json:"total_periods"`
	HasPaymentPlan       bool           `json:"has_payment_plan"`
	Status               PositionStatus `json:"status"`
	Version              int64          `json:"version"`
}

// Clone returns an independent copy for staging.
func (p *Position) Clone() *Position {
	c := *p
	return &c
}

func (p *Position) IsActive() bool {
	return p.Status == PositionStatusActive
}

// TermPrincipal is the principal outstanding when the current term started.
func (p *Position) TermPrincipal() (int64, error) {
	prior, err := fpmath.Add(p.AmountPrior, p.AmountConverted)
	if err != nil {
		return 0, err
	}
	return fpmath.Sub(p.AmountBorrowed, prior)
}

// Outstanding is the unpaid balance of the current term in payment units.
func (p *Position) Outstanding() (int64, error) {
	settled, err := fpmath.Add(p.TermPaid, p.TermConverted)
	if err != nil {
		return 0, err
	}
	return fpmath.Sub(p.TermBalance, settled)
}

func (p *Position) PaymentToPrincipal(payment int64) (int64, error) {
	tp, err := p.TermPrincipal()
	if err != nil {
		return 0, err
	}
	return fpmath.PaymentToPrincipal(payment, tp, p.TermBalance)
}

func (p *Position) PrincipalToPayment(principal int64) (int64, error) {
	tp, err := p.TermPrincipal()
	if err != nil {
		return 0, err
	}
	return fpmath.PrincipalToPayment(principal, tp, p.TermBalance)
}

// PrincipalRemaining is amountBorrowed minus everything satisfied, forgiven or
// paid. It is exactly zero once the term is settled.
func (p *Position) PrincipalRemaining() (int64, error) {
	tp, err := p.TermPrincipal()
	if err != nil {
		return 0, err
	}
	return fpmath.PrincipalRemaining(tp, p.TermBalance, p.TermPaid, p.TermConverted)
}

// IdentityResidual returns
// amountConverted + principal(termConverted) + principal(termPaid) + amountPrior + principalRemaining - amountBorrowed.
// It must stay within [-1, 1].
func (p *Position) IdentityResidual() (int64, error) {
	paid, err := p.PaymentToPrincipal(p.TermPaid)
	if err != nil {
		return 0, err
	}
	converted, err := p.PaymentToPrincipal(p.TermConverted)
	if err != nil {
		return 0, err
	}
	remaining, err := p.PrincipalRemaining()
	if err != nil {
		return 0, err
	}
	return p.AmountConverted + converted + paid + p.AmountPrior + remaining - p.AmountBorrowed, nil
}

func (p *Position) MonthlyPayment() (int64, error) {
	return fpmath.MonthlyPayment(p.TermBalance, p.TotalPeriods)
}

// PeriodsPaid counts installments covered this term. Conversion counts as prepayment.
func (p *Position) PeriodsPaid() (int64, error) {
	settled, err := fpmath.Add(p.TermPaid, p.TermConverted)
	if err != nil {
		return 0, err
	}
	return fpmath.PeriodsPaid(settled, p.TermBalance, p.TotalPeriods)
}

// MissedAt derives the missed-payment count at now. Nothing is stored.
func (p *Position) MissedAt(now time.Time, sched Schedule) (int64, error) {
	paid, err := p.PeriodsPaid()
	if err != nil {
		return 0, err
	}
	elapsed := now.Sub(p.TermStart)
	due := fpmath.PeriodsDue(elapsed, sched.Period, sched.Grace, p.TotalPeriods, p.HasPaymentPlan)
	return fpmath.PaymentsMissed(due, paid), nil
}

// UnrealizedPenaltyAt projects the penalty for missed periods not yet imposed, at the given rate.
func (p *Position) UnrealizedPenaltyAt(now time.Time, sched Schedule, penaltyRateBps int64) (int64, error) {
	missed, err := p.MissedAt(now, sched)
	if err != nil {
		return 0, err
	}
	monthly, err := p.MonthlyPayment()
	if err != nil {
		return 0, err
	}
	return fpmath.UnrealizedPenalty(missed, p.PaymentsMissed, monthly, penaltyRateBps)
}

func (p *Position) PenaltyOutstanding() int64 {
	return p.PenaltyAccrued - p.PenaltyPaid
}

func (p *Position) TriggerPrice() (int64, error) {
	return fpmath.TriggerPrice(p.PurchasePrice, p.ConversionPremiumBps)
}

// CollateralAvailable is the escrowed collateral not yet released.
func (p *Position) CollateralAvailable() int64 {
	return p.CollateralAmount - p.CollateralConverted
}

// CanonicalBytes returns deterministic serialization for hashing
func (p *Position) CanonicalBytes() []byte {
	buf := make([]byte, 0, 256)

	buf = append(buf, p.ID[:]...)
	buf = append(buf, byte(len(p.CollateralClass)))
	buf = append(buf, []byte(p.CollateralClass)...)
	buf = append(buf, byte(len(p.BackingPool)))
	buf = append(buf, []byte(p.BackingPool)...)

	for _, v := range []int64{
		p.CollateralAmount,
		p.CollateralConverted,
		p.PurchasePrice,
		p.InterestRateBps,
		p.ConversionPremiumBps,
		p.OriginatedAt.UnixMicro(),
		p.TermStart.UnixMicro(),
		p.TermBalance,
		p.AmountBorrowed,
		p.AmountPrior,
		p.TermPaid,
		p.TermConverted,
		p.AmountConverted,
		p.PenaltyAccrued,
		p.PenaltyPaid,
		p.PaymentsMissed,
		p.TotalPeriods,
		p.Version,
	} {
		buf = appendInt64LE(buf, v)
	}

	if p.HasPaymentPlan {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = append(buf, byte(p.Status))

	return buf
}

func appendInt64LE(buf []byte, v int64) []byte {
	return append(buf,
		byte(v),
		byte(v>>8),
		byte(v>>16),
		byte(v>>24),
		byte(v>>32),
		byte(v>>40),
		byte(v>>48),
		byte(v>>56),
	)
}
