package lending

import "math/big"

var (
	expScale = mustBigInt("1000000000000000000") // 1e18

	// maxUintSentinel is the full-balance marker some callers pass instead of
	// an explicit amount. Liquidation and redemption reject it outright.
	maxUintSentinel = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

	// redemptionFeeFloor is the 0.5% minimum redemption fee.
	redemptionFeeFloor = mustBigInt("5000000000000000")

	// baseRateDecayFactor is the per-minute decay multiplier, tuned for a
	// 12 hour half-life.
	baseRateDecayFactor = mustBigInt("999037758833783000")
)

const (
	// secondsPerMinute feeds the base-rate decay clock.
	secondsPerMinute = 60
	// feeOpDebounceSeconds is the minimum spacing between timestamp updates
	// of the redemption decay clock.
	feeOpDebounceSeconds = 60
)

func mustBigInt(value string) *big.Int {
	v, ok := new(big.Int).SetString(value, 10)
	if !ok {
		panic("invalid big integer constant")
	}
	return v
}

// truncMul multiplies two 1e18 fixed-point values, truncating toward zero.
// Rounding loss accrues to the protocol, never to the account.
func truncMul(a, b *big.Int) *big.Int {
	if a == nil || b == nil {
		return big.NewInt(0)
	}
	product := new(big.Int).Mul(a, b)
	return product.Quo(product, expScale)
}

// truncDiv divides a by b at 1e18 precision, truncating toward zero.
func truncDiv(a, b *big.Int) *big.Int {
	if a == nil || b == nil || b.Sign() == 0 {
		return big.NewInt(0)
	}
	numerator := new(big.Int).Mul(a, expScale)
	return numerator.Quo(numerator, b)
}

// powScaled raises a 1e18 fixed-point base to an integer power by squaring.
// Squaring keeps the truncation drift bounded for the large exponents the
// decay clock produces.
func powScaled(base *big.Int, exp uint64) *big.Int {
	result := new(big.Int).Set(expScale)
	if base == nil || exp == 0 {
		return result
	}
	b := new(big.Int).Set(base)
	for exp > 0 {
		if exp&1 == 1 {
			result = truncMul(result, b)
		}
		exp >>= 1
		if exp > 0 {
			b = truncMul(b, b)
		}
	}
	return result
}

func minBig(a, b *big.Int) *big.Int {
	if a.Cmp(b) <= 0 {
		return a
	}
	return b
}

func capAtScale(v *big.Int) *big.Int {
	if v.Cmp(expScale) > 0 {
		return new(big.Int).Set(expScale)
	}
	return v
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return big.NewInt(0)
	}
	return v
}
