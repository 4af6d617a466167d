package math

import (
	"time"
)

// monthsPerYear scales annual rates to the per-period add-on interest.
const monthsPerYear = 12

// TermBalance returns the total due over a term with simple add-on interest:
// principal * (1 + rateBps/10000 * periods/12), rounded up.
func TermBalance(principal, annualRateBps int64, totalPeriods int64) (int64, error) {
	if principal < 0 || annualRateBps < 0 {
		return 0, ErrNegative
	}
	if totalPeriods <= 0 {
		return 0, ErrDivByZero
	}
	interest, err := Mul(annualRateBps, totalPeriods)
	if err != nil {
		return 0, err
	}
	factor, err := Add(BasisPoints*monthsPerYear, interest)
	if err != nil {
		return 0, err
	}
	return MulDiv(principal, factor, BasisPoints*monthsPerYear, RoundUp)
}

// MonthlyPayment is the regular installment. The last period absorbs the remainder.
func MonthlyPayment(termBalance, totalPeriods int64) (int64, error) {
	if totalPeriods <= 0 {
		return 0, ErrDivByZero
	}
	if termBalance < 0 {
		return 0, ErrNegative
	}
	return termBalance / totalPeriods, nil
}

// FinalPayment is the last installment of a term.
func FinalPayment(termBalance, totalPeriods int64) (int64, error) {
	monthly, err := MonthlyPayment(termBalance, totalPeriods)
	if err != nil {
		return 0, err
	}
	return termBalance - monthly*(totalPeriods-1), nil
}

// PeriodsPaid returns floor(settled / monthlyPayment), capped at totalPeriods.
// A fully settled term always counts totalPeriods.
func PeriodsPaid(settled, termBalance, totalPeriods int64) (int64, error) {
	if settled >= termBalance {
		return totalPeriods, nil
	}
	monthly, err := MonthlyPayment(termBalance, totalPeriods)
	if err != nil {
		return 0, err
	}
	if monthly == 0 {
		return 0, nil
	}
	paid := settled / monthly
	if paid > totalPeriods {
		paid = totalPeriods
	}
	return paid, nil
}

// PeriodsDue counts periods whose due date plus grace has passed.
// Without a payment plan only the term end falls due.
func PeriodsDue(elapsed, period, grace time.Duration, totalPeriods int64, paymentPlan bool) int64 {
	if period <= 0 || elapsed <= grace {
		return 0
	}
	if !paymentPlan {
		if elapsed > time.Duration(totalPeriods)*period+grace {
			return totalPeriods
		}
		return 0
	}
	due := int64((elapsed - grace) / period)
	if due > totalPeriods {
		due = totalPeriods
	}
	return due
}

// PaymentsMissed is derived on read from elapsed time and progress; it is never stored by a read.
func PaymentsMissed(periodsDue, periodsPaid int64) int64 {
	if periodsDue <= periodsPaid {
		return 0
	}
	return periodsDue - periodsPaid
}

// UnrealizedPenalty projects the penalty for missed periods that have not been imposed yet.
// realizedMissed periods were already fixed at an earlier rate and are excluded.
func UnrealizedPenalty(missed, realizedMissed, monthlyPayment, penaltyRateBps int64) (int64, error) {
	if missed <= realizedMissed || penaltyRateBps == 0 {
		return 0, nil
	}
	periods := missed - realizedMissed
	base, err := Mul(periods, monthlyPayment)
	if err != nil {
		return 0, err
	}
	return MulDiv(base, penaltyRateBps, BasisPoints, RoundUp)
}

// PaymentToPrincipal scales a payment-unit amount into principal, rounding down.
func PaymentToPrincipal(payment, termPrincipal, termBalance int64) (int64, error) {
	if termBalance == 0 {
		return 0, nil
	}
	return MulDiv(payment, termPrincipal, termBalance, RoundDown)
}

// PrincipalToPayment is the inverse scaling, rounding down so less debt is extinguished.
func PrincipalToPayment(principal, termPrincipal, termBalance int64) (int64, error) {
	if termPrincipal == 0 {
		return 0, ErrDivByZero
	}
	return MulDiv(principal, termBalance, termPrincipal, RoundDown)
}

// PrincipalRemaining is the principal still owed in the current term.
// It is exactly zero once termPaid + termConverted reaches termBalance.
func PrincipalRemaining(termPrincipal, termBalance, termPaid, termConverted int64) (int64, error) {
	settled, err := Add(termPaid, termConverted)
	if err != nil {
		return 0, err
	}
	if settled > termBalance {
		return 0, ErrNegative
	}
	principal, err := PaymentToPrincipal(settled, termPrincipal, termBalance)
	if err != nil {
		return 0, err
	}
	return Sub(termPrincipal, principal)
}

// TriggerPrice is purchasePrice * (1 + premium), rounded up.
func TriggerPrice(purchasePrice, premiumBps int64) (int64, error) {
	if premiumBps < 0 {
		return 0, ErrNegative
	}
	return MulDiv(purchasePrice, BasisPoints+premiumBps, BasisPoints, RoundUp)
}

// CollateralForPrincipal values principal in collateral base units at price, rounding down.
func CollateralForPrincipal(principal, price int64, decimals int) (int64, error) {
	scale, err := Pow10(decimals)
	if err != nil {
		return 0, err
	}
	return MulDiv(principal, scale, price, RoundDown)
}

// FeeFor returns ceil(amount * bps / 10000).
func FeeFor(amount, bps int64) (int64, error) {
	return MulDiv(amount, bps, BasisPoints, RoundUp)
}

// ConvertToShares mints shares for deposited assets. An empty vault issues 1:1.
func ConvertToShares(assets, totalAssets, totalShares int64) (int64, error) {
	if totalShares == 0 || totalAssets == 0 {
		return assets, nil
	}
	return MulDiv(assets, totalShares, totalAssets, RoundDown)
}

// ConvertToAssets values shares against the vault, rounding down.
func ConvertToAssets(shares, totalAssets, totalShares int64) (int64, error) {
	if totalShares == 0 {
		return 0, ErrDivByZero
	}
	return MulDiv(shares, totalAssets, totalShares, RoundDown)
}
