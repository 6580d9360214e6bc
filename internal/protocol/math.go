package protocol

import "math/big"

// Morpho Blue share accounting offsets (SharesMathLib).
var (
	VirtualShares = big.NewInt(1_000_000)
	VirtualAssets = big.NewInt(1)
)

// MulDivUp returns ceil(x*y/d).
func MulDivUp(x, y, d *big.Int) *big.Int {
	if d.Sign() == 0 {
		return new(big.Int)
	}
	n := new(big.Int).Mul(x, y)
	n.Add(n, d)
	n.Sub(n, big.NewInt(1))
	return n.Quo(n, d)
}

func plus(a, b *big.Int) *big.Int {
	return new(big.Int).Add(a, b)
}

// ToAssetsUp converts shares to assets rounding up. Debt is always valued
// this way so the keeper never under-repays.
func ToAssetsUp(shares, totalAssets, totalShares *big.Int) *big.Int {
	return MulDivUp(shares, plus(totalAssets, VirtualAssets), plus(totalShares, VirtualShares))
}

