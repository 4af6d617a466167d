package ledger

import (
	"fmt"
	"sync"
)

// AssetID maps asset strings to numeric IDs for performance
type AssetID uint16

// Asset describes a registered fungible asset.
type Asset struct {
	ID       AssetID
	Symbol   string
	Decimals int
}

var (
	assetMu     sync.RWMutex
	assetToID   = make(map[string]AssetID)
	idToAsset   = make(map[AssetID]Asset)
	nextAssetID AssetID = 1
)

// RegisterAsset adds an asset to the process-wide registry. Registering the
// same symbol twice with the same decimals returns the existing ID.
func RegisterAsset(symbol string, decimals int) (AssetID, error) {
	if symbol == "" {
		return 0, fmt.Errorf("asset symbol must not be empty")
	}
	if decimals < 0 || decimals > 18 {
		return 0, fmt.Errorf("asset %s: decimals %d out of range [0,18]", symbol, decimals)
	}

	assetMu.Lock()
	defer assetMu.Unlock()

	if id, ok := assetToID[symbol]; ok {
		if idToAsset[id].Decimals != decimals {
			return 0, fmt.Errorf("asset %s already registered with %d decimals", symbol, idToAsset[id].Decimals)
		}
		return id, nil
	}

	id := nextAssetID
	nextAssetID++
	assetToID[symbol] = id
	idToAsset[id] = Asset{ID: id, Symbol: symbol, Decimals: decimals}
	return id, nil
}

// MustRegisterAsset is RegisterAsset for static setup and tests.
func MustRegisterAsset(symbol string, decimals int) AssetID {
	id, err := RegisterAsset(symbol, decimals)
	if err != nil {
		panic(err)
	}
	return id
}

func GetAssetID(asset string) (AssetID, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	id, ok := assetToID[asset]
	return id, ok
}

func GetAssetName(id AssetID) (string, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	a, ok := idToAsset[id]
	return a.Symbol, ok
}

// GetAsset returns the full asset record.
func GetAsset(id AssetID) (Asset, bool) {
	assetMu.RLock()
	defer assetMu.RUnlock()
	a, ok := idToAsset[id]
	return a, ok
}

// Assets lists every registered asset.
func Assets() []Asset {
	assetMu.RLock()
	defer assetMu.RUnlock()
	out := make([]Asset, 0, len(idToAsset))
	for id := AssetID(1); id < nextAssetID; id++ {
		out = append(out, idToAsset[id])
	}
	return out
}
