package lending

import (
	"math/big"

	"crosslend/crypto"
)

// AccountLiquidity reports the account's spare borrowing capacity and
// shortfall in USD, fixed point 1e18. Exactly one of the two is nonzero.
func (e *Engine) AccountLiquidity(addr crypto.Address) (*big.Int, *big.Int, error) {
	return e.hypotheticalLiquidity(addr, "", nil, nil, false)
}

// HypotheticalLiquidity evaluates the account as if redeemTokens shares were
// redeemed from and borrowAmount underlying borrowed against the target
// market.
func (e *Engine) HypotheticalLiquidity(addr crypto.Address, targetID string, redeemTokens, borrowAmount *big.Int) (*big.Int, *big.Int, error) {
	return e.hypotheticalLiquidity(addr, targetID, redeemTokens, borrowAmount, false)
}

// SafeLimit runs the same aggregation under the groups' conservative
// safety-margin rates. It is advisory only, not an authoritative solvency
// gate.
func (e *Engine) SafeLimit(addr crypto.Address, targetID string, redeemTokens, borrowAmount *big.Int) (*big.Int, *big.Int, error) {
	return e.hypotheticalLiquidity(addr, targetID, redeemTokens, borrowAmount, true)
}

func (e *Engine) hypotheticalLiquidity(addr crypto.Address, targetID string, redeemTokens, borrowAmount *big.Int, useMargin bool) (*big.Int, *big.Int, error) {
	if e == nil || e.state == nil {
		return nil, nil, errNilState
	}
	aggregates, err := e.groupAggregates(addr, targetID, bigOrZero(redeemTokens), bigOrZero(borrowAmount), useMargin)
	if err != nil {
		return nil, nil, err
	}

	targetGroupID := ""
	targetSynthetic := false
	if targetID != "" {
		target, err := e.loadMarket(targetID)
		if err != nil {
			return nil, nil, err
		}
		targetGroupID = target.GroupID
		targetSynthetic = target.Class == ClassSynthetic
	}
	liquidity, shortfall, err := resolveLiquidity(aggregates, targetGroupID, targetSynthetic, e.suCrossGroupBorrow)
	if err == nil && shortfall != nil && shortfall.Sign() > 0 {
		Metrics().shortfalls.Inc()
	}
	return liquidity, shortfall, err
}

// groupAggregates snapshots every market the account participates in and
// routes the valued positions into per-group aggregates. The returned slice
// follows market insertion order, so results are reproducible.
func (e *Engine) groupAggregates(addr crypto.Address, targetID string, redeemTokens, borrowAmount *big.Int, useMargin bool) ([]*GroupAggregate, error) {
	if e.oracle == nil {
		return nil, errNilOracle
	}
	marketIDs, err := e.state.ListMarkets()
	if err != nil {
		return nil, err
	}

	aggregates := make(map[string]*GroupAggregate)
	order := make([]string, 0, len(e.groupOrder))

	for _, id := range marketIDs {
		market, err := e.loadMarket(id)
		if err != nil {
			return nil, err
		}
		position, err := e.loadPosition(id, addr)
		if err != nil {
			return nil, err
		}
		if position.IsEmpty() && id != targetID {
			continue
		}

		group, err := e.groupOf(market)
		if err != nil {
			return nil, err
		}
		rates := group.Rates
		if useMargin {
			rates = group.Margin
		}

		price, err := e.normalizedPrice(id)
		if err != nil {
			return nil, err
		}
		exchangeRate := e.exchangeRate(market)

		depositVal := truncMul(truncMul(truncMul(position.SupplyShares, exchangeRate), price), market.DiscountRate)
		borrowVal := truncMul(borrowBalance(position, market), price)

		if id == targetID {
			if redeemTokens.Sign() > 0 {
				redeemVal := truncMul(truncMul(truncMul(redeemTokens, exchangeRate), price), market.DiscountRate)
				if redeemVal.Cmp(depositVal) <= 0 {
					depositVal = new(big.Int).Sub(depositVal, redeemVal)
				} else {
					borrowVal = new(big.Int).Add(borrowVal, new(big.Int).Sub(redeemVal, depositVal))
					depositVal = big.NewInt(0)
				}
			}
			if borrowAmount.Sign() > 0 {
				borrowVal = new(big.Int).Add(borrowVal, truncMul(borrowAmount, price))
			}
		}

		aggregate, ok := aggregates[market.GroupID]
		if !ok {
			aggregate = newGroupAggregate(market.GroupID, rates.Clone())
			aggregates[market.GroupID] = aggregate
			order = append(order, market.GroupID)
		}
		if market.Class == ClassSynthetic {
			aggregate.SuDeposit.Add(aggregate.SuDeposit, depositVal)
			aggregate.SuBorrow.Add(aggregate.SuBorrow, borrowVal)
		} else {
			aggregate.CDeposit.Add(aggregate.CDeposit, depositVal)
			aggregate.CBorrow.Add(aggregate.CBorrow, borrowVal)
		}
	}

	out := make([]*GroupAggregate, 0, len(order))
	for _, groupID := range order {
		out = append(out, aggregates[groupID])
	}
	return out, nil
}

// absorb nets a liability against collateral at the given collateral-factor
// rate. A zero rate means the collateral cannot serve this liability at all.
func absorb(collateral, liability, rate *big.Int) (*big.Int, *big.Int) {
	if rate == nil || rate.Sign() == 0 || collateral.Sign() == 0 || liability.Sign() == 0 {
		return collateral, liability
	}
	collateralizedLoan := truncMul(rate, collateral)
	if collateralizedLoan.Cmp(liability) > 0 {
		used := truncDiv(liability, rate)
		remaining := new(big.Int).Sub(collateral, used)
		if remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		return remaining, big.NewInt(0)
	}
	return big.NewInt(0), new(big.Int).Sub(liability, collateralizedLoan)
}

// absorbGroup runs the four intra-group absorption passes in their fixed
// order. The order matters: the rate differs per pairing, so changing it
// changes the result.
func absorbGroup(agg *GroupAggregate) error {
	agg.CDeposit, agg.SuBorrow = absorb(agg.CDeposit, agg.SuBorrow, agg.rates.IntraMint)
	agg.CDeposit, agg.CBorrow = absorb(agg.CDeposit, agg.CBorrow, agg.rates.IntraC)
	agg.SuDeposit, agg.SuBorrow = absorb(agg.SuDeposit, agg.SuBorrow, agg.rates.IntraSu)
	agg.SuDeposit, agg.CBorrow = absorb(agg.SuDeposit, agg.CBorrow, agg.rates.IntraSu)

	totalDeposit := new(big.Int).Add(agg.CDeposit, agg.SuDeposit)
	totalBorrow := new(big.Int).Add(agg.CBorrow, agg.SuBorrow)
	if totalDeposit.Sign() > 0 && totalBorrow.Sign() > 0 {
		return errAbsorbInvariant
	}
	return nil
}

// resolveLiquidity is the pure cross-group half of the solvency query. It
// consumes value copies only; callers apply nothing from it directly.
func resolveLiquidity(aggregates []*GroupAggregate, targetGroupID string, targetSynthetic, suCrossGroupBorrow bool) (*big.Int, *big.Int, error) {
	pool := big.NewInt(0)
	demandPlain := big.NewInt(0)
	demandSu := big.NewInt(0)
	var target *GroupAggregate

	for _, agg := range aggregates {
		if err := absorbGroup(agg); err != nil {
			return nil, nil, err
		}
		if targetGroupID != "" && agg.GroupID == targetGroupID {
			target = agg
			// The target group's own surviving liabilities draw on the
			// cross-group pool like any other unmet demand.
			demandPlain.Add(demandPlain, agg.CBorrow)
			demandSu.Add(demandSu, agg.SuBorrow)
			continue
		}
		pool.Add(pool, truncMul(agg.rates.InterC, agg.CDeposit))
		pool.Add(pool, truncMul(agg.rates.InterSu, agg.SuDeposit))
		demandPlain.Add(demandPlain, agg.CBorrow)
		demandSu.Add(demandSu, agg.SuBorrow)
	}

	// The pool serves plain demand unconditionally; synthetic demand only
	// when cross-group synthetic borrowing is enabled.
	pool, demandPlain = deduct(pool, demandPlain)
	if suCrossGroupBorrow {
		pool, demandSu = deduct(pool, demandSu)
	}

	if target != nil {
		target.CDeposit, demandPlain = absorb(target.CDeposit, demandPlain, target.rates.InterC)
		target.SuDeposit, demandPlain = absorb(target.SuDeposit, demandPlain, target.rates.InterSu)
		if suCrossGroupBorrow {
			target.CDeposit, demandSu = absorb(target.CDeposit, demandSu, target.rates.InterC)
			target.SuDeposit, demandSu = absorb(target.SuDeposit, demandSu, target.rates.InterSu)
		}
	}

	unmet := new(big.Int).Add(demandPlain, demandSu)
	if unmet.Sign() > 0 {
		return big.NewInt(0), unmet, nil
	}

	liquidity := pool
	if target != nil {
		plainRate := target.rates.IntraC
		if targetSynthetic {
			plainRate = target.rates.IntraMint
		}
		liquidity.Add(liquidity, truncMul(plainRate, target.CDeposit))
		liquidity.Add(liquidity, truncMul(target.rates.IntraSu, target.SuDeposit))
	}
	return liquidity, big.NewInt(0), nil
}

func deduct(pool, demand *big.Int) (*big.Int, *big.Int) {
	if pool.Cmp(demand) >= 0 {
		return new(big.Int).Sub(pool, demand), big.NewInt(0)
	}
	return big.NewInt(0), new(big.Int).Sub(demand, pool)
}
