package core

import (
	"fmt"

	"ConsolLedger/internal/config"
	"ConsolLedger/internal/state"
)

// Config fixes the assets, pools and starting parameters of an Engine.
type Config struct {
	Assets          []config.AssetConfig
	DebtAsset       string
	FeeAsset        string
	BackingPool     string
	BackingShare    string
	ForfeiturePool  string
	ForfeitureShare string
	Schedule        state.Schedule
	MaxProbe        int
	PenaltyRateBps  int64
	RefinanceFeeBps int64
	Collateral      []*state.CollateralParams
	InterestBps     map[string]int64 // initial rate per class until the feed updates it
	MinAmount       int64
	ExecutionFee    int64

	// GlobalCheckEvery runs the zero-sum balance check every N sequences.
	GlobalCheckEvery int64
}

// ConfigFrom maps the service configuration onto the engine's.
func ConfigFrom(c *config.Config) Config {
	l := c.Ledger
	out := Config{
		Assets:          c.Assets,
		DebtAsset:       l.DebtAsset,
		FeeAsset:        l.FeeAsset,
		BackingPool:     l.BackingPool,
		BackingShare:    l.BackingShare,
		ForfeiturePool:  l.ForfeiturePool,
		ForfeitureShare: l.ForfeitureShare,
		Schedule: state.Schedule{
			Period:            l.Period.Duration,
			Grace:             l.Grace.Duration,
			MaxMissedPayments: l.MaxMissedPayments,
		},
		MaxProbe:         l.MaxProbe,
		PenaltyRateBps:   l.PenaltyRate.Bps,
		RefinanceFeeBps:  l.RefinanceFee.Bps,
		InterestBps:      make(map[string]int64, len(c.Collateral)),
		MinAmount:        c.Queues.MinAmount,
		ExecutionFee:     c.Queues.ExecutionFee,
		GlobalCheckEvery: 1000,
	}
	for _, cc := range c.Collateral {
		out.Collateral = append(out.Collateral, &state.CollateralParams{
			Class:      cc.Class,
			PremiumBps: cc.Premium.Bps,
			MinPeriods: cc.MinPeriods,
			MaxPeriods: cc.MaxPeriods,
			MinBorrow:  cc.MinBorrow,
			MaxBorrow:  cc.MaxBorrow,
		})
		out.InterestBps[cc.Class] = cc.Rate.Bps
	}
	return out
}

// maxSystemName is the longest pool or queue name an account key can hold.
const maxSystemName = 16

// ConversionQueueName names the conversion queue of a collateral class.
func ConversionQueueName(class string) string {
	return "conv-" + class
}

func checkSystemName(name string) error {
	if name == "" || len(name) > maxSystemName {
		return fmt.Errorf("name %q must be 1-%d bytes", name, maxSystemName)
	}
	return nil
}
