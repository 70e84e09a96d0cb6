package lending

import (
	"math/big"

	"crosslend/crypto"
	nativecommon "crosslend/native/common"
)

type seizeMode uint8

const (
	seizeLiquidation seizeMode = iota + 1
	seizeRedemption
)

// liquidationIncentive selects the incentive class from the market pairing
// alone: hetero across groups, homo for a same-group plain repay, sutoken for
// a same-group synthetic-debt repay.
func (e *Engine) liquidationIncentive(repayMarket, collateralMarket *Market) *big.Int {
	if repayMarket.GroupID != collateralMarket.GroupID {
		return e.params.HeteroIncentive
	}
	if repayMarket.Class == ClassSynthetic {
		return e.params.SutokenIncentive
	}
	return e.params.HomoIncentive
}

func incentiveLabel(repayMarket, collateralMarket *Market) string {
	if repayMarket.GroupID != collateralMarket.GroupID {
		return "hetero"
	}
	if repayMarket.Class == ClassSynthetic {
		return "sutoken"
	}
	return "homo"
}

// LiquidateBorrow repays part of an underwater borrower's debt in the repay
// market and seizes discounted collateral shares in the collateral market.
// The seized share amount is returned.
func (e *Engine) LiquidateBorrow(liquidator, borrower crypto.Address, repayMarketID, collateralMarketID string, repayAmount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "liquidate"); err != nil {
		return nil, err
	}
	if err := checkAmount(repayAmount); err != nil {
		return nil, err
	}
	if liquidator.Equal(borrower) {
		return nil, errSelfLiquidation
	}
	release, err := e.enterMarkets(repayMarketID, collateralMarketID)
	if err != nil {
		return nil, err
	}
	defer release()

	repayMarket, err := e.loadMarket(repayMarketID)
	if err != nil {
		return nil, err
	}
	collateralMarket, err := e.loadMarket(collateralMarketID)
	if err != nil {
		return nil, err
	}
	if err := e.requireFresh(repayMarket); err != nil {
		return nil, err
	}
	if err := e.requireFresh(collateralMarket); err != nil {
		return nil, err
	}

	borrowerPosition, err := e.loadPosition(repayMarketID, borrower)
	if err != nil {
		return nil, err
	}
	balance := borrowBalance(borrowerPosition, repayMarket)
	if balance.Sign() == 0 {
		return nil, errNoDebtToRepay
	}

	// A deprecated market may be wound down without a shortfall; everywhere
	// else the borrower must actually be under water.
	if !repayMarket.Deprecated {
		_, shortfall, err := e.AccountLiquidity(borrower)
		if err != nil {
			return nil, err
		}
		if shortfall.Sign() == 0 {
			return nil, errNotLiquidatable
		}
	}

	maxClose := truncMul(e.params.CloseFactor, balance)
	if repayAmount.Cmp(maxClose) > 0 {
		repayPrice, err := e.normalizedPrice(repayMarketID)
		if err != nil {
			return nil, err
		}
		maxCloseValue := truncMul(maxClose, repayPrice)
		// Dust carve-out: below the minimum-close floor the whole balance
		// may be repaid in one liquidation.
		if maxCloseValue.Cmp(e.params.MinCloseValue) >= 0 || repayAmount.Cmp(balance) > 0 {
			return nil, errTooMuchRepay
		}
	}
	actual := minBig(new(big.Int).Set(repayAmount), balance)

	incentive := e.liquidationIncentive(repayMarket, collateralMarket)
	seized, payout, err := e.seizeCollateral(repayMarket, collateralMarket, borrower, liquidator, actual, incentive, seizeLiquidation, nil, nil)
	if err != nil {
		return nil, err
	}

	// Repay side: the liquidator's funds enter the repay market and the
	// borrower's snapshot is recut at the current index.
	borrowerPosition.Borrow.Principal = new(big.Int).Sub(balance, actual)
	borrowerPosition.Borrow.InterestIndex = new(big.Int).Set(repayMarket.BorrowIndex)
	repayMarket.TotalBorrows = new(big.Int).Sub(repayMarket.TotalBorrows, actual)
	if repayMarket.TotalBorrows.Sign() < 0 {
		repayMarket.TotalBorrows = big.NewInt(0)
	}
	repayMarket.CashWei = new(big.Int).Add(repayMarket.CashWei, actual)

	if err := e.state.PutPosition(borrowerPosition); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(repayMarket.ID, repayMarket); err != nil {
		return nil, err
	}
	if err := e.executePayout(payout); err != nil {
		return nil, err
	}
	Metrics().liquidations.WithLabelValues(incentiveLabel(repayMarket, collateralMarket)).Inc()
	return seized, nil
}

// seizePreview prices a seizure: the total share amount taken from the
// borrower and the incentive-only slice used to size the protocol's cut.
func seizePreview(repayAmount, repayPrice, collateralPrice, exchangeRate, incentive *big.Int) (*big.Int, *big.Int) {
	shareValue := truncMul(collateralPrice, exchangeRate)
	if shareValue.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}
	repayValue := truncMul(repayAmount, repayPrice)
	seizeValue := truncMul(repayValue, new(big.Int).Add(expScale, incentive))
	seizeTokens := truncDiv(seizeValue, shareValue)
	profitTokens := truncDiv(truncMul(repayValue, incentive), shareValue)
	return seizeTokens, profitTokens
}

// seizeCollateral executes the settlement half of a liquidation or a
// face-value redemption: it debits the borrower's collateral shares, credits
// the protocol, and immediately redeems the beneficiary's freshly seized
// shares for underlying. All ledger writes land before the payout
// interaction; partial application is not a valid outcome.
func (e *Engine) seizeCollateral(repayMarket, collateralMarket *Market, borrower, beneficiary crypto.Address, repayAmount, incentive *big.Int, mode seizeMode, redemptionRate, priorImmediate *big.Int) (*big.Int, pendingPayout, error) {
	var payout pendingPayout
	if err := e.requireFresh(collateralMarket); err != nil {
		return nil, payout, err
	}

	repayPrice, err := e.normalizedPrice(repayMarket.ID)
	if err != nil {
		return nil, payout, err
	}
	collateralPrice, err := e.normalizedPrice(collateralMarket.ID)
	if err != nil {
		return nil, payout, err
	}
	exchangeRate := e.exchangeRate(collateralMarket)

	seizeTokens, profitTokens := seizePreview(repayAmount, repayPrice, collateralPrice, exchangeRate, incentive)
	if seizeTokens.Sign() == 0 {
		return nil, payout, errInvalidAmount
	}

	borrowerCollateral, err := e.loadPosition(collateralMarket.ID, borrower)
	if err != nil {
		return nil, payout, err
	}
	if seizeTokens.Cmp(borrowerCollateral.SupplyShares) > 0 {
		return nil, payout, errSeizeTooMuch
	}

	var protocolTokens *big.Int
	switch mode {
	case seizeRedemption:
		protocolTokens = truncMul(seizeTokens, bigOrZero(redemptionRate))
	default:
		protocolTokens = truncMul(profitTokens, e.params.ProtocolSeizeShare)
	}
	if protocolTokens.Cmp(seizeTokens) > 0 {
		protocolTokens = new(big.Int).Set(seizeTokens)
	}
	beneficiaryTokens := new(big.Int).Sub(seizeTokens, protocolTokens)
	underlying := truncMul(beneficiaryTokens, exchangeRate)
	if collateralMarket.CashWei.Cmp(underlying) < 0 {
		return nil, payout, errInsufficientCash
	}

	borrowerCollateral.SupplyShares = new(big.Int).Sub(borrowerCollateral.SupplyShares, seizeTokens)

	switch mode {
	case seizeRedemption:
		// The protocol keeps its cut as treasury shares; only the
		// beneficiary's slice converts to underlying.
		collateralMarket.TotalSupply = new(big.Int).Sub(collateralMarket.TotalSupply, beneficiaryTokens)
		if protocolTokens.Sign() > 0 {
			treasuryPosition, err := e.loadPosition(collateralMarket.ID, e.treasury)
			if err != nil {
				return nil, payout, err
			}
			treasuryPosition.SupplyShares = new(big.Int).Add(treasuryPosition.SupplyShares, protocolTokens)
			if err := e.state.PutPosition(treasuryPosition); err != nil {
				return nil, payout, err
			}
		}
	default:
		// Ordinary liquidation redeems both slices: the beneficiary's to
		// underlying, the protocol's into reserves.
		collateralMarket.TotalSupply = new(big.Int).Sub(collateralMarket.TotalSupply, seizeTokens)
		collateralMarket.TotalReserves = new(big.Int).Add(collateralMarket.TotalReserves, truncMul(protocolTokens, exchangeRate))
	}

	payout = e.planPayout(collateralMarket, beneficiary, underlying, payoutKind(mode), priorImmediate)

	if err := e.state.PutPosition(borrowerCollateral); err != nil {
		return nil, payout, err
	}
	if err := e.state.PutMarket(collateralMarket.ID, collateralMarket); err != nil {
		return nil, payout, err
	}
	return seizeTokens, payout, nil
}

func payoutKind(mode seizeMode) string {
	if mode == seizeRedemption {
		return "redemption"
	}
	return "liquidation"
}
