package math

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const day = 24 * time.Hour

// === Amortization ===

func TestTermBalance_ReferenceSchedule(t *testing.T) {
	// 100,000 at 8.69% over 36 periods => 100,000 * 1.2607
	tb, err := TermBalance(100_000, 869, 36)
	require.NoError(t, err)
	assert.Equal(t, int64(126_070), tb)

	monthly, err := MonthlyPayment(tb, 36)
	require.NoError(t, err)
	assert.Equal(t, int64(3_501), monthly)

	paid, err := PeriodsPaid(8*monthly, tb, 36)
	require.NoError(t, err)
	assert.Equal(t, int64(8), paid)

	final, err := FinalPayment(tb, 36)
	require.NoError(t, err)
	assert.Equal(t, tb, monthly*35+final)
}

func TestTermBalance_RoundsUp(t *testing.T) {
	// 1 * (120000 + 1*1) / 120000 => 1.0000083 => 2
	tb, err := TermBalance(1, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), tb)

	zeroRate, err := TermBalance(5_000, 0, 12)
	require.NoError(t, err)
	assert.Equal(t, int64(5_000), zeroRate)
}

func TestPeriodsPaid_FullTermCapsAtTotal(t *testing.T) {
	paid, err := PeriodsPaid(126_070, 126_070, 36)
	require.NoError(t, err)
	assert.Equal(t, int64(36), paid)

	partial, err := PeriodsPaid(3_500, 126_070, 36)
	require.NoError(t, err)
	assert.Zero(t, partial)
}

// === Schedule ===

func TestPeriodsDue_PaymentPlan(t *testing.T) {
	period, grace := 30*day, 5*day

	assert.Zero(t, PeriodsDue(period+grace, period, grace, 36, true), "due date plus grace not yet passed")
	assert.Equal(t, int64(1), PeriodsDue(period+grace+time.Second, period, grace, 36, true))
	assert.Equal(t, int64(2), PeriodsDue(2*period+grace+time.Second, period, grace, 36, true))
	assert.Equal(t, int64(36), PeriodsDue(100*period, period, grace, 36, true))
}

func TestPeriodsDue_NoPaymentPlanDueAtTermEnd(t *testing.T) {
	period, grace := 30*day, 5*day

	assert.Zero(t, PeriodsDue(35*period, period, grace, 36, false))
	assert.Equal(t, int64(36), PeriodsDue(36*period+grace+time.Second, period, grace, 36, false))
}

func TestPaymentsMissed(t *testing.T) {
	assert.Equal(t, int64(2), PaymentsMissed(2, 0))
	assert.Zero(t, PaymentsMissed(2, 2))
	assert.Zero(t, PaymentsMissed(1, 3), "prepaid periods never produce a negative count")
}

// === Penalty ===

func TestUnrealizedPenalty(t *testing.T) {
	// 2 periods * 3501 * 5% = 350.1 => 351
	p, err := UnrealizedPenalty(2, 0, 3_501, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(351), p)

	// one period already realized
	p, err = UnrealizedPenalty(2, 1, 3_501, 500)
	require.NoError(t, err)
	assert.Equal(t, int64(176), p)

	p, err = UnrealizedPenalty(2, 2, 3_501, 500)
	require.NoError(t, err)
	assert.Zero(t, p)
}

// === Conversion bookkeeping ===

func TestPrincipalRemaining(t *testing.T) {
	rem, err := PrincipalRemaining(100_000, 126_070, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000), rem)

	// a quarter of the term balance converted
	rem, err = PrincipalRemaining(100_000, 126_070, 0, 31_517)
	require.NoError(t, err)
	assert.Equal(t, int64(75_001), rem)

	rem, err = PrincipalRemaining(100_000, 126_070, 100_000, 26_070)
	require.NoError(t, err)
	assert.Zero(t, rem, "settled term has no principal left")

	_, err = PrincipalRemaining(100_000, 126_070, 126_070, 1)
	assert.ErrorIs(t, err, ErrNegative)
}

func TestPrincipalPaymentScaling(t *testing.T) {
	pay, err := PrincipalToPayment(25_000, 100_000, 126_070)
	require.NoError(t, err)
	assert.Equal(t, int64(31_517), pay)

	principal, err := PaymentToPrincipal(pay, 100_000, 126_070)
	require.NoError(t, err)
	assert.LessOrEqual(t, principal, int64(25_000))
	assert.GreaterOrEqual(t, principal, int64(24_999))
}

func TestTriggerPriceAndCollateral(t *testing.T) {
	tp, err := TriggerPrice(50_000, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(55_000), tp)

	tp, err = TriggerPrice(3, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(4), tp, "trigger price rounds up")

	c, err := CollateralForPrincipal(55_000, 55_000, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(100_000_000), c)

	c, err = CollateralForPrincipal(1, 3, 0)
	require.NoError(t, err)
	assert.Zero(t, c, "released collateral rounds down")
}

// === Vault shares ===

func TestShareConversion(t *testing.T) {
	shares, err := ConvertToShares(1_000, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1_000), shares)

	shares, err = ConvertToShares(1_000, 2_000, 1_000)
	require.NoError(t, err)
	assert.Equal(t, int64(500), shares)

	assets, err := ConvertToAssets(333, 1_000, 999)
	require.NoError(t, err)
	assert.Equal(t, int64(333), assets)

	_, err = ConvertToAssets(1, 1, 0)
	assert.ErrorIs(t, err, ErrDivByZero)
}
