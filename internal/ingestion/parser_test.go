package ingestion_test

import (
	"encoding/json"
	"testing"
	"time"

	"ConsolLedger/internal/event"
	"ConsolLedger/internal/ingestion"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMeta() event.Meta {
	return event.Meta{
		CommandID:   uuid.New(),
		Actor:       uuid.New(),
		Sequence:    7,
		TimestampUs: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).UnixMicro(),
	}
}

func samples() []event.Event {
	id := uuid.New()
	return []event.Event{
		&event.CreatePosition{Meta: sampleMeta(), PositionID: id, CollateralClass: "BTC", CollateralAmount: 100_000_000,
			PurchasePrice: 60_000_000_000, Borrowed: 50_000_000_000, TotalPeriods: 36, PaymentPlan: true},
		&event.PeriodPay{Meta: sampleMeta(), PositionID: id, Amount: 1_000_000},
		&event.ImposePenalty{Meta: sampleMeta(), PositionID: id},
		&event.PenaltyPay{Meta: sampleMeta(), PositionID: id, Amount: 250_000},
		&event.Refinance{Meta: sampleMeta(), PositionID: id, TotalPeriods: 24},
		&event.ExpandBalanceSheet{Meta: sampleMeta(), PositionID: id, ExtraBorrowed: 5_000_000, ExtraCollateral: 10_000, Price: 61_000_000_000, HintPrev: uuid.New()},
		&event.ForecloseMortgage{Meta: sampleMeta(), PositionID: id},
		&event.RedeemMortgage{Meta: sampleMeta(), PositionID: id, AllowAsync: true},
		&event.ClaimRelease{Meta: sampleMeta(), CollateralClass: "BTC"},
		&event.TransferPosition{Meta: sampleMeta(), PositionID: id, To: uuid.New()},
		&event.EnqueuePosition{Meta: sampleMeta(), PositionID: id, Fee: 100_000},
		&event.DequeuePosition{Meta: sampleMeta(), PositionID: id},
		&event.VaultDeposit{Meta: sampleMeta(), Pool: "stable", Amount: 500_000_000},
		&event.RequestWithdrawal{Meta: sampleMeta(), Queue: "conv-BTC", Shares: 3_000_000, Fee: 100_000},
		&event.CancelWithdrawal{Meta: sampleMeta(), Queue: "stable", Index: 4},
		&event.ProcessWithdrawals{Meta: sampleMeta(), Queue: "forfeit", Iterations: 10},
		&event.Liquidate{Meta: sampleMeta(), CollateralClass: "BTC", Collateral: 1_000_000, Price: 58_000_000_000},
		&event.PriceUpdate{Meta: sampleMeta(), Class: "BTC", Price: 62_000_000_000},
		&event.RateUpdate{Meta: sampleMeta(), InterestBps: map[string]int64{"BTC": 869}, PenaltyBps: 500, RefinanceFeeBps: 25},
		&event.FundAccount{Meta: sampleMeta(), Account: uuid.New(), Asset: "USDC", Amount: 1_000_000},
		&event.SetCollateralParams{Meta: sampleMeta(), Class: "ETH", PremiumBps: 1_500, MinPeriods: 6, MaxPeriods: 48, MinBorrow: 1, MaxBorrow: 1_000_000},
		&event.SetQueueLimits{Meta: sampleMeta(), Queue: "stable", MinAmount: 1_000_000, ExecutionFee: 50_000},
		&event.GrantRole{Meta: sampleMeta(), Role: "driver", Account: uuid.New()},
		&event.RevokeRole{Meta: sampleMeta(), Role: "driver", Account: uuid.New()},
	}
}

func TestParseCommand_RoundTripsEveryType(t *testing.T) {
	seen := map[event.EventType]bool{}
	for _, evt := range samples() {
		name := evt.EventType().String()
		t.Run(name, func(t *testing.T) {
			data, err := json.Marshal(evt)
			require.NoError(t, err)

			parsed, err := ingestion.ParseCommand(name, data)
			require.NoError(t, err)
			assert.Equal(t, evt, parsed)
		})
		seen[evt.EventType()] = true
	}
	for _, typ := range event.Types() {
		assert.True(t, seen[typ], "no sample for %s", typ)
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	_, err := ingestion.ParseCommand("open_trade", []byte(`{}`))
	assert.ErrorIs(t, err, event.ErrInvalidCommand)

	_, err = ingestion.ParseCommand("period_pay", []byte(`{not json`))
	assert.ErrorIs(t, err, event.ErrInvalidCommand)

	// Decodes but fails validation: no position.
	data, err := json.Marshal(&event.PeriodPay{Meta: sampleMeta(), Amount: 1})
	require.NoError(t, err)
	_, err = ingestion.ParseCommand("period_pay", data)
	assert.ErrorIs(t, err, event.ErrInvalidCommand)
}

func TestTypeFromSubject(t *testing.T) {
	typ, err := ingestion.TypeFromSubject("consol.commands.period_pay")
	require.NoError(t, err)
	assert.Equal(t, "period_pay", typ)

	typ, err = ingestion.TypeFromSubject("consol.feeds.price_update.BTC")
	require.NoError(t, err)
	assert.Equal(t, "price_update", typ)

	for _, bad := range []string{"consol.commands", "perp.trades.fill", "consol.commands."} {
		_, err := ingestion.TypeFromSubject(bad)
		assert.ErrorIs(t, err, event.ErrInvalidCommand, bad)
	}
}

func TestParseRawEvent_FeedsOnlyOnFeedSubjects(t *testing.T) {
	price := &event.PriceUpdate{Meta: sampleMeta(), Class: "BTC", Price: 1}
	data, err := json.Marshal(price)
	require.NoError(t, err)

	evt, err := ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "consol.feeds.price_update.BTC", Data: data})
	require.NoError(t, err)
	assert.Equal(t, price, evt)

	_, err = ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "consol.commands.price_update", Data: data})
	assert.ErrorIs(t, err, event.ErrInvalidCommand)

	pay, err := json.Marshal(&event.PeriodPay{Meta: sampleMeta(), PositionID: uuid.New(), Amount: 1})
	require.NoError(t, err)
	_, err = ingestion.ParseRawEvent(ingestion.RawEvent{Subject: "consol.feeds.period_pay", Data: pay})
	assert.ErrorIs(t, err, event.ErrInvalidCommand)
}
