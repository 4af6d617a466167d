package event

// Liquidate buys forfeited collateral out of the forfeiture pool at Price
// (debt units per whole collateral unit). Liquidator role only.
type Liquidate struct {
	Meta
	CollateralClass string `json:"collateral_class"`
	Collateral      int64  `json:"collateral"`
	Price           int64  `json:"price"`
}

func (e *Liquidate) EventType() EventType { return EventTypeLiquidate }

func (e *Liquidate) Validate() error {
	return firstErr(
		e.validateMeta(),
		requireNonEmpty("collateral_class", e.CollateralClass),
		requirePositive("collateral", e.Collateral),
		requirePositive("price", e.Price),
	)
}
