package query

import (
	"ConsolLedger/internal/ledger"

	"github.com/shopspring/decimal"
)

// Amount is a base-unit quantity with its human-readable form.
type Amount struct {
	Units int64  `json:"units"`
	Value string `json:"value"` // fixed to the asset's decimals, e.g. "1.500000"
	Asset string `json:"asset"`
}

// FormatAmount renders units of asset. Unknown assets are shown unscaled.
func FormatAmount(units int64, asset string) Amount {
	decimals := int32(assetDecimals(asset))
	return Amount{
		Units: units,
		Value: decimal.New(units, -decimals).StringFixed(decimals),
		Asset: asset,
	}
}

func assetDecimals(asset string) int {
	id, ok := ledger.GetAssetID(asset)
	if !ok {
		return 0
	}
	info, _ := ledger.GetAsset(id)
	return info.Decimals
}
