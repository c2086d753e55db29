package jackpot

import (
	"crypto/rand"
	"math/big"
)

// Drawer produces one uniform draw in [1, tier.ProbabilityDenominator].
type Drawer interface {
	Draw(tier TierConfig) (int64, error)
}

// DrawerFunc adapts a function to Drawer.
type DrawerFunc func(tier TierConfig) (int64, error)

// Draw calls f.
func (f DrawerFunc) Draw(tier TierConfig) (int64, error) {
	return f(tier)
}

// CryptoDrawer draws from crypto/rand.
type CryptoDrawer struct{}

// Draw implements Drawer.
func (CryptoDrawer) Draw(tier TierConfig) (int64, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(tier.ProbabilityDenominator))
	if err != nil {
		return 0, err
	}
	return n.Int64() + 1, nil
}

// FixedDrawer wins winTier and loses every other tier. An empty winTier never wins.
func FixedDrawer(winTier string) Drawer {
	return DrawerFunc(func(tier TierConfig) (int64, error) {
		if tier.ID == winTier {
			return 1, nil
		}
		if tier.ProbabilityDenominator == 1 {
			return 1, nil
		}
		return tier.ProbabilityDenominator, nil
	})
}
