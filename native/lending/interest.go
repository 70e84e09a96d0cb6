package lending

import "math/big"

const secondsPerYear = 31_536_000

// InterestModel supplies per-second borrow and supply rates, fixed point 1e18.
// Implementations are consulted at accrual time with the market's current
// balances; curve selection and governance live outside this module.
type InterestModel interface {
	BorrowRate(cash, borrows, reserves *big.Int) *big.Int
	SupplyRate(cash, borrows, reserves, reserveFactor *big.Int) *big.Int
}

// JumpRateModel is a kinked utilisation curve: a linear slope up to the kink
// utilisation and a steeper jump slope beyond it.
type JumpRateModel struct {
	// BaseRatePerSecond is the borrow rate at zero utilisation.
	BaseRatePerSecond *big.Int
	// MultiplierPerSecond is the rate increase per unit utilisation below the kink.
	MultiplierPerSecond *big.Int
	// JumpMultiplierPerSecond applies to utilisation beyond the kink.
	JumpMultiplierPerSecond *big.Int
	// Kink is the utilisation where the jump slope takes over, fixed point 1e18.
	Kink *big.Int
}

// NewJumpRateModel constructs a model from annual 1e18 fixed-point rates.
func NewJumpRateModel(baseRatePerYear, multiplierPerYear, jumpMultiplierPerYear, kink *big.Int) *JumpRateModel {
	perSecond := func(annual *big.Int) *big.Int {
		if annual == nil {
			return big.NewInt(0)
		}
		return new(big.Int).Quo(annual, big.NewInt(secondsPerYear))
	}
	model := &JumpRateModel{
		BaseRatePerSecond:       perSecond(baseRatePerYear),
		MultiplierPerSecond:     perSecond(multiplierPerYear),
		JumpMultiplierPerSecond: perSecond(jumpMultiplierPerYear),
		Kink:                    big.NewInt(0),
	}
	if kink != nil {
		model.Kink = new(big.Int).Set(kink)
	}
	return model
}

// Clone returns a deep copy of the model.
func (m *JumpRateModel) Clone() *JumpRateModel {
	if m == nil {
		return nil
	}
	clone := &JumpRateModel{}
	for dst, src := range map[**big.Int]*big.Int{
		&clone.BaseRatePerSecond:       m.BaseRatePerSecond,
		&clone.MultiplierPerSecond:     m.MultiplierPerSecond,
		&clone.JumpMultiplierPerSecond: m.JumpMultiplierPerSecond,
		&clone.Kink:                    m.Kink,
	} {
		if src != nil {
			*dst = new(big.Int).Set(src)
		} else {
			*dst = big.NewInt(0)
		}
	}
	return clone
}

// Utilisation computes borrows / (cash + borrows - reserves) at 1e18 precision.
// An empty market has zero utilisation.
func (m *JumpRateModel) Utilisation(cash, borrows, reserves *big.Int) *big.Int {
	if borrows == nil || borrows.Sign() == 0 {
		return big.NewInt(0)
	}
	pool := new(big.Int).Add(bigOrZero(cash), borrows)
	pool.Sub(pool, bigOrZero(reserves))
	if pool.Sign() <= 0 {
		return big.NewInt(0)
	}
	return truncDiv(borrows, pool)
}

// BorrowRate derives the per-second borrow rate for the given balances.
func (m *JumpRateModel) BorrowRate(cash, borrows, reserves *big.Int) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	util := m.Utilisation(cash, borrows, reserves)
	rate := new(big.Int).Set(bigOrZero(m.BaseRatePerSecond))
	if m.Kink == nil || m.Kink.Sign() == 0 || util.Cmp(m.Kink) <= 0 {
		return rate.Add(rate, truncMul(bigOrZero(m.MultiplierPerSecond), util))
	}
	rate.Add(rate, truncMul(bigOrZero(m.MultiplierPerSecond), m.Kink))
	excess := new(big.Int).Sub(util, m.Kink)
	return rate.Add(rate, truncMul(bigOrZero(m.JumpMultiplierPerSecond), excess))
}

// SupplyRate derives the per-second supply rate: borrow rate times utilisation
// times the share of interest not routed to reserves.
func (m *JumpRateModel) SupplyRate(cash, borrows, reserves, reserveFactor *big.Int) *big.Int {
	if m == nil {
		return big.NewInt(0)
	}
	borrowRate := m.BorrowRate(cash, borrows, reserves)
	if borrowRate.Sign() == 0 {
		return big.NewInt(0)
	}
	util := m.Utilisation(cash, borrows, reserves)
	if util.Sign() == 0 {
		return big.NewInt(0)
	}
	oneMinusReserve := new(big.Int).Sub(expScale, bigOrZero(reserveFactor))
	if oneMinusReserve.Sign() < 0 {
		oneMinusReserve.SetInt64(0)
	}
	rate := truncMul(borrowRate, util)
	return truncMul(rate, oneMinusReserve)
}
