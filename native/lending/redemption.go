package lending

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/rlp"

	"crosslend/crypto"
	nativecommon "crosslend/native/common"
)

// RedemptionRequest names a face-value redemption against a synthetic-debt
// market. The provider list is ordered; the signature covers the deadline,
// the provider list, and the chain tag. There is no replay nonce: requests
// are bounded by the deadline alone.
type RedemptionRequest struct {
	MarketID  string
	Amount    *big.Int
	Providers []crypto.Address
	Deadline  uint64
	Signature []byte
}

type redemptionPayload struct {
	Deadline  uint64
	Providers [][]byte
	ChainTag  string
}

// RedemptionDigest computes the keccak-256 digest a redemption signer commits
// to: (deadline, provider list, chain identifier).
func RedemptionDigest(deadline uint64, providers []crypto.Address, chainTag string) ([]byte, error) {
	payload := redemptionPayload{Deadline: deadline, ChainTag: chainTag}
	payload.Providers = make([][]byte, 0, len(providers))
	for _, provider := range providers {
		payload.Providers = append(payload.Providers, provider.Bytes())
	}
	encoded, err := rlp.EncodeToBytes(payload)
	if err != nil {
		return nil, fmt.Errorf("encode redemption payload: %w", err)
	}
	return crypto.Digest(encoded), nil
}

func (e *Engine) verifyRedemption(req RedemptionRequest) error {
	if e.redemptionSigner.IsZero() {
		return errRedemptionSigner
	}
	if req.Deadline < e.blockTime {
		return errDeadlineExpired
	}
	digest, err := RedemptionDigest(req.Deadline, req.Providers, e.chainTag)
	if err != nil {
		return errSignatureInvalid
	}
	recovered, err := crypto.RecoverAddress(digest, req.Signature)
	if err != nil {
		return errSignatureInvalid
	}
	if !recovered.Equal(e.redemptionSigner) {
		return errSignatureInvalid
	}
	return nil
}

// decayedBaseRate applies the per-minute decay to the stored base rate.
func decayedBaseRate(state *RedemptionState, now uint64) *big.Int {
	if state == nil || state.BaseRate == nil || state.BaseRate.Sign() == 0 {
		return big.NewInt(0)
	}
	if now <= state.LastFeeOp {
		return new(big.Int).Set(state.BaseRate)
	}
	minutes := (now - state.LastFeeOp) / secondsPerMinute
	if minutes == 0 {
		return new(big.Int).Set(state.BaseRate)
	}
	return truncMul(state.BaseRate, powScaled(baseRateDecayFactor, minutes))
}

func (e *Engine) loadRedemptionState(marketID string) (*RedemptionState, error) {
	state, err := e.state.GetRedemptionState(marketID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &RedemptionState{}
	}
	state.EnsureDefaults()
	return state, nil
}

// RedemptionBaseRate reports the market's base rate decayed to the engine's
// current time unit.
func (e *Engine) RedemptionBaseRate(marketID string) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	state, err := e.loadRedemptionState(marketID)
	if err != nil {
		return nil, err
	}
	return decayedBaseRate(state, e.blockTime), nil
}

// redemptionRateFor derives the post-redemption base rate and the fee rate for
// a redemption of amount against total synthetic-debt supply.
func redemptionRateFor(state *RedemptionState, now uint64, amount, totalSupply *big.Int) (*big.Int, *big.Int) {
	decayed := decayedBaseRate(state, now)
	delta := new(big.Int).Quo(truncDiv(amount, totalSupply), big.NewInt(2))
	newBase := capAtScale(new(big.Int).Add(decayed, delta))
	rate := capAtScale(new(big.Int).Add(redemptionFeeFloor, newBase))
	return newBase, rate
}

// PreviewRedemptionRate reports the fee rate a redemption of the given size
// would pay right now, without touching state.
func (e *Engine) PreviewRedemptionRate(marketID string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	if market.Class != ClassSynthetic {
		return nil, errNotSynthetic
	}
	if market.TotalBorrows.Sign() == 0 {
		return nil, errNoDebtToRepay
	}
	state, err := e.loadRedemptionState(marketID)
	if err != nil {
		return nil, err
	}
	_, rate := redemptionRateFor(state, e.blockTime, bigOrZero(amount), market.TotalBorrows)
	return rate, nil
}

type sweepEntry struct {
	provider     crypto.Address
	collateralID string
	repay        *big.Int
}

// RedeemFaceValue satisfies a signed face-value redemption by sweeping the
// provider list: same-group plain collateral first, then other-group plain
// collateral. The fill is all-or-nothing; an unsatisfied request leaves no
// state change behind. The applied redemption fee rate is returned.
func (e *Engine) RedeemFaceValue(redeemer crypto.Address, req RedemptionRequest) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "redeem_face_value"); err != nil {
		return nil, err
	}
	if err := checkAmount(req.Amount); err != nil {
		return nil, err
	}
	// Authorisation is checked before any state is read or written.
	if err := e.verifyRedemption(req); err != nil {
		return nil, err
	}
	// The protocol cut settles as treasury shares; without a registered
	// treasury those shares would credit an empty address.
	if e.treasury.IsZero() {
		return nil, errTreasuryUnset
	}
	if err := e.enterMarket(req.MarketID); err != nil {
		return nil, err
	}
	defer e.exitMarket(req.MarketID)

	market, err := e.loadMarket(req.MarketID)
	if err != nil {
		return nil, err
	}
	if market.Class != ClassSynthetic {
		return nil, errNotSynthetic
	}
	if err := e.requireFresh(market); err != nil {
		return nil, err
	}
	if market.TotalBorrows.Sign() == 0 {
		return nil, errNoDebtToRepay
	}

	state, err := e.loadRedemptionState(req.MarketID)
	if err != nil {
		return nil, err
	}
	newBase, redemptionRate := redemptionRateFor(state, e.blockTime, req.Amount, market.TotalBorrows)

	entries, err := e.planSweep(market, req)
	if err != nil {
		return nil, err
	}

	// Every swept collateral market is mutated below, so each one's guard
	// must be held for the whole settlement, like LiquidateBorrow holds both
	// of its markets.
	collateralIDs := make([]string, 0, len(entries))
	for _, entry := range entries {
		collateralIDs = append(collateralIDs, entry.collateralID)
	}
	releaseCollateral, err := e.enterMarkets(collateralIDs...)
	if err != nil {
		return nil, err
	}
	defer releaseCollateral()

	// Plan satisfied; commit the fee state first, then settle each entry.
	state.BaseRate = newBase
	if e.blockTime >= state.LastFeeOp+feeOpDebounceSeconds {
		state.LastFeeOp = e.blockTime
	}
	if err := e.state.PutRedemptionState(req.MarketID, state); err != nil {
		return nil, err
	}

	payouts := make([]pendingPayout, 0, len(entries))
	immediateWei := make(map[string]*big.Int, len(entries))
	for _, entry := range entries {
		collateralMarket, err := e.loadMarket(entry.collateralID)
		if err != nil {
			return nil, err
		}
		incentive := e.liquidationIncentive(market, collateralMarket)
		_, payout, err := e.seizeCollateral(market, collateralMarket, entry.provider, redeemer, entry.repay, incentive, seizeRedemption, redemptionRate, immediateWei[entry.collateralID])
		if err != nil {
			return nil, err
		}
		payouts = append(payouts, payout)
		if payout.immediate {
			prior := immediateWei[entry.collateralID]
			if prior == nil {
				prior = big.NewInt(0)
			}
			immediateWei[entry.collateralID] = new(big.Int).Add(prior, payout.amount)
		}

		providerPosition, err := e.loadPosition(req.MarketID, entry.provider)
		if err != nil {
			return nil, err
		}
		balance := borrowBalance(providerPosition, market)
		actual := minBig(new(big.Int).Set(entry.repay), balance)
		providerPosition.Borrow.Principal = new(big.Int).Sub(balance, actual)
		providerPosition.Borrow.InterestIndex = new(big.Int).Set(market.BorrowIndex)
		market.TotalBorrows = new(big.Int).Sub(market.TotalBorrows, actual)
		if market.TotalBorrows.Sign() < 0 {
			market.TotalBorrows = big.NewInt(0)
		}
		market.CashWei = new(big.Int).Add(market.CashWei, actual)
		if err := e.state.PutPosition(providerPosition); err != nil {
			return nil, err
		}
	}
	if err := e.state.PutMarket(market.ID, market); err != nil {
		return nil, err
	}
	for _, payout := range payouts {
		if err := e.executePayout(payout); err != nil {
			return nil, err
		}
	}
	Metrics().redemptions.WithLabelValues(req.MarketID).Inc()
	return redemptionRate, nil
}

// planSweep walks the provider list twice, same-group plain collateral before
// other-group, and sizes per-provider repayments without mutating anything.
func (e *Engine) planSweep(market *Market, req RedemptionRequest) ([]sweepEntry, error) {
	syntheticPrice, err := e.normalizedPrice(market.ID)
	if err != nil {
		return nil, err
	}
	marketIDs, err := e.state.ListMarkets()
	if err != nil {
		return nil, err
	}

	remaining := new(big.Int).Set(req.Amount)
	entries := make([]sweepEntry, 0, len(req.Providers))
	debtLeft := make(map[string]*big.Int, len(req.Providers))
	cashLeft := make(map[string]*big.Int, len(marketIDs))

	for pass := 0; pass < 2 && remaining.Sign() > 0; pass++ {
		for _, provider := range req.Providers {
			if remaining.Sign() == 0 {
				break
			}
			key := string(provider.Bytes())
			if _, ok := debtLeft[key]; !ok {
				position, err := e.loadPosition(market.ID, provider)
				if err != nil {
					return nil, err
				}
				debtLeft[key] = borrowBalance(position, market)
			}
			if debtLeft[key].Sign() == 0 {
				continue
			}
			for _, collateralID := range marketIDs {
				if remaining.Sign() == 0 || debtLeft[key].Sign() == 0 {
					break
				}
				if collateralID == market.ID {
					continue
				}
				collateralMarket, err := e.loadMarket(collateralID)
				if err != nil {
					return nil, err
				}
				if collateralMarket.Class != ClassPlain {
					continue
				}
				sameGroup := collateralMarket.GroupID == market.GroupID
				if (pass == 0) != sameGroup {
					continue
				}
				// Stale markets cannot be seized from; the cross-market
				// freshness rule would fail the whole redemption later.
				if collateralMarket.LastAccrualTime != e.blockTime {
					continue
				}
				if _, ok := cashLeft[collateralID]; !ok {
					cashLeft[collateralID] = new(big.Int).Set(collateralMarket.CashWei)
				}
				take, err := e.providerCapacity(market, collateralMarket, provider, syntheticPrice, debtLeft[key], cashLeft[collateralID], remaining)
				if err != nil {
					return nil, err
				}
				if take.Sign() == 0 {
					continue
				}
				entries = append(entries, sweepEntry{provider: provider, collateralID: collateralID, repay: take})
				remaining.Sub(remaining, take)
				debtLeft[key].Sub(debtLeft[key], take)

				collateralPrice, err := e.normalizedPrice(collateralID)
				if err != nil {
					return nil, err
				}
				incentive := e.liquidationIncentive(market, collateralMarket)
				seizeTokens, _ := seizePreview(take, syntheticPrice, collateralPrice, e.exchangeRate(collateralMarket), incentive)
				cashLeft[collateralID].Sub(cashLeft[collateralID], truncMul(seizeTokens, e.exchangeRate(collateralMarket)))
				if cashLeft[collateralID].Sign() < 0 {
					cashLeft[collateralID] = big.NewInt(0)
				}
			}
		}
	}
	if remaining.Sign() > 0 {
		return nil, errRedemptionUnfilled
	}
	return entries, nil
}

// providerCapacity sizes the synthetic amount repayable against one
// provider/collateral pair: bounded by the provider's collateral value
// (deflated by the seizure incentive), their outstanding synthetic liability,
// and the collateral market's available cash.
func (e *Engine) providerCapacity(market, collateralMarket *Market, provider crypto.Address, syntheticPrice, debtLeft, cashAvail, remaining *big.Int) (*big.Int, error) {
	collateralPrice, err := e.normalizedPrice(collateralMarket.ID)
	if err != nil {
		return nil, err
	}
	position, err := e.loadPosition(collateralMarket.ID, provider)
	if err != nil {
		return nil, err
	}
	if position.SupplyShares.Sign() == 0 {
		return big.NewInt(0), nil
	}
	exchangeRate := e.exchangeRate(collateralMarket)
	incentive := e.liquidationIncentive(market, collateralMarket)
	gross := new(big.Int).Add(expScale, incentive)

	collateralValue := truncMul(truncMul(position.SupplyShares, exchangeRate), collateralPrice)
	// Seizure takes (1 + incentive) times the repay value in collateral, so
	// the collateral bound deflates by the same factor.
	collateralBound := truncDiv(collateralValue, gross)
	debtValue := truncMul(debtLeft, syntheticPrice)

	capacity := truncDiv(minBig(collateralBound, debtValue), syntheticPrice)
	cashBound := truncDiv(truncMul(cashAvail, collateralPrice), truncMul(syntheticPrice, gross))
	capacity = minBig(capacity, cashBound)
	take := minBig(new(big.Int).Set(remaining), capacity)
	if take.Sign() <= 0 {
		return big.NewInt(0), nil
	}

	// Truncation in the bounds can overshoot by a few wei; shave until the
	// priced seizure actually fits the provider's shares and the cash.
	for i := 0; i < 8 && take.Sign() > 0; i++ {
		seizeTokens, _ := seizePreview(take, syntheticPrice, collateralPrice, exchangeRate, incentive)
		if seizeTokens.Cmp(position.SupplyShares) <= 0 && truncMul(seizeTokens, exchangeRate).Cmp(cashAvail) <= 0 {
			return take, nil
		}
		take = new(big.Int).Sub(take, big.NewInt(1))
	}
	return big.NewInt(0), nil
}
