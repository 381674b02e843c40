// Package finance holds the settlement asset allow-list and amount bounds
// shared by the oracle, the guardrail and the payment layer.
package finance

import (
	"fmt"
	"math"
	"strings"
)

// Asset is a settlement stable-asset code, e.g. USDC.
type Asset string

const (
	AssetUSDC Asset = "USDC"
	AssetEURC Asset = "EURC"
	AssetUSDT Asset = "USDT"
)

// PrimaryAsset is the asset used when nothing else is specified.
const PrimaryAsset = AssetUSDC

const (
	// Ceiling is the largest amount any single settlement may move.
	Ceiling = 10_000_000.0
	// MinPayment is the smallest amount that is worth dispatching.
	MinPayment = 0.01
	// MaxAssetCodeLen bounds the length of an asset code.
	MaxAssetCodeLen = 8
)

var allowedAssets = map[Asset]bool{
	AssetUSDC: true,
	AssetEURC: true,
	AssetUSDT: true,
}

// ParseAsset normalises code and checks it against the allow-list.
func ParseAsset(code string) (Asset, error) {
	if len(code) > MaxAssetCodeLen {
		return "", fmt.Errorf("Currency code %q exceeds %d characters", code, MaxAssetCodeLen)
	}
	a := Asset(strings.ToUpper(strings.TrimSpace(code)))
	if !allowedAssets[a] {
		return "", fmt.Errorf("Currency '%s' is not on the approved whitelist", a)
	}
	return a, nil
}

// IsAllowed reports whether code names an allow-listed asset.
func IsAllowed(code string) bool {
	_, err := ParseAsset(code)
	return err == nil
}

// AllowedAssets returns the allow-list in a stable order.
func AllowedAssets() []Asset {
	return []Asset{AssetUSDC, AssetEURC, AssetUSDT}
}

// Clamp bounds amount to [0, Ceiling]. NaN clamps to 0.
func Clamp(amount float64) float64 {
	if math.IsNaN(amount) || amount < 0 {
		return 0
	}
	if amount > Ceiling {
		return Ceiling
	}
	return amount
}

// CheckPayable returns an error unless amount is finite and within
// [MinPayment, Ceiling].
func CheckPayable(amount float64) error {
	if math.IsNaN(amount) || math.IsInf(amount, 0) || amount < MinPayment || amount > Ceiling {
		return fmt.Errorf("Approved amount %v is outside permitted range (%v-%v)", amount, MinPayment, Ceiling)
	}
	return nil
}
