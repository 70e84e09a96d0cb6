package lending

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"

	"crosslend/crypto"
	nativecommon "crosslend/native/common"
)

const moduleName = "lending"

// engineState is the injected persistence boundary. Market iteration order is
// insertion order so solvency sweeps stay reproducible.
type engineState interface {
	ListMarkets() ([]string, error)
	GetMarket(id string) (*Market, error)
	PutMarket(id string, market *Market) error
	GetPosition(marketID string, addr crypto.Address) (*AccountPosition, error)
	PutPosition(position *AccountPosition) error
	GetRedemptionState(marketID string) (*RedemptionState, error)
	PutRedemptionState(marketID string, state *RedemptionState) error
}

// Engine orchestrates the market ledger, the group solvency calculator, the
// liquidation settlement, and the redemption fee controller against an
// injected state backend.
type Engine struct {
	state              engineState
	oracle             PriceSource
	interestModel      InterestModel
	limiter            PayoutLimiter
	params             LiquidationParams
	pauses             nativecommon.PauseView
	groups             map[string]*Group
	groupOrder         []string
	suCrossGroupBorrow bool
	blockTime          uint64
	redemptionSigner   crypto.Address
	treasury           crypto.Address
	chainTag           string

	// Per-market re-entrancy guard. Execution is run-to-completion per
	// request; the mutex only protects the map against concurrent read
	// queries running alongside a mutation.
	guardMu sync.Mutex
	entered map[string]bool
}

// NewEngine constructs an engine with the supplied liquidation parameters.
func NewEngine(params LiquidationParams) *Engine {
	return &Engine{
		params:  params.Clone(),
		groups:  make(map[string]*Group),
		entered: make(map[string]bool),
	}
}

// SetState wires the engine to the external persistence layer.
func (e *Engine) SetState(state engineState) { e.state = state }

// SetOracle wires the normalized price source.
func (e *Engine) SetOracle(oracle PriceSource) {
	if e == nil {
		return
	}
	e.oracle = oracle
}

// SetInterestModel configures the interest rate model used during accrual.
func (e *Engine) SetInterestModel(model InterestModel) {
	if e == nil {
		return
	}
	e.interestModel = model
}

// SetLimiter wires the payout rate limiter collaborator. A nil limiter means
// every payout clears immediately.
func (e *Engine) SetLimiter(limiter PayoutLimiter) {
	if e == nil {
		return
	}
	e.limiter = limiter
}

// SetPauses wires the module pause switches.
func (e *Engine) SetPauses(p nativecommon.PauseView) {
	if e == nil {
		return
	}
	e.pauses = p
}

// SetBlockTime records the current time unit used for accrual freshness.
func (e *Engine) SetBlockTime(timestamp uint64) {
	if e == nil {
		return
	}
	e.blockTime = timestamp
}

// BlockTime returns the engine's current time unit.
func (e *Engine) BlockTime() uint64 {
	if e == nil {
		return 0
	}
	return e.blockTime
}

// SetGroups replaces the group-rate table. Groups keep their supplied order
// for deterministic iteration.
func (e *Engine) SetGroups(groups []Group) {
	if e == nil {
		return
	}
	e.groups = make(map[string]*Group, len(groups))
	e.groupOrder = e.groupOrder[:0]
	for i := range groups {
		group := groups[i].Clone()
		if _, exists := e.groups[group.ID]; exists {
			continue
		}
		e.groups[group.ID] = group
		e.groupOrder = append(e.groupOrder, group.ID)
	}
}

// SetSuCrossGroupBorrow toggles whether synthetic-debt demand may draw on the
// cross-group liquidity pool.
func (e *Engine) SetSuCrossGroupBorrow(enabled bool) {
	if e == nil {
		return
	}
	e.suCrossGroupBorrow = enabled
}

// SetRedemptionSigner registers the key authorised to sign provider lists.
func (e *Engine) SetRedemptionSigner(signer crypto.Address) {
	if e == nil {
		return
	}
	e.redemptionSigner = signer
}

// SetTreasury configures the account credited with protocol seizure shares on
// redemption-triggered settlement.
func (e *Engine) SetTreasury(treasury crypto.Address) {
	if e == nil {
		return
	}
	e.treasury = treasury
}

// SetChainTag sets the chain identifier bound into redemption signatures.
func (e *Engine) SetChainTag(tag string) {
	if e == nil {
		return
	}
	e.chainTag = strings.TrimSpace(tag)
}

// --- re-entrancy guard ---

func (e *Engine) enterMarket(id string) error {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	if e.entered[id] {
		return errReentrancy
	}
	e.entered[id] = true
	return nil
}

func (e *Engine) exitMarket(id string) {
	e.guardMu.Lock()
	defer e.guardMu.Unlock()
	delete(e.entered, id)
}

// enterMarkets acquires the guard on every listed market, releasing all of
// them through the returned function. Duplicate identifiers are acquired once.
func (e *Engine) enterMarkets(ids ...string) (func(), error) {
	unique := make([]string, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		unique = append(unique, id)
	}
	sort.Strings(unique)
	acquired := make([]string, 0, len(unique))
	for _, id := range unique {
		if err := e.enterMarket(id); err != nil {
			for _, held := range acquired {
				e.exitMarket(held)
			}
			return nil, err
		}
		acquired = append(acquired, id)
	}
	return func() {
		for _, held := range acquired {
			e.exitMarket(held)
		}
	}, nil
}

// --- registry ---

// CreateMarket lists a new market. Listing is driven by the external admin
// surface; the engine only validates the group binding and seeds defaults.
func (e *Engine) CreateMarket(market *Market) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if market == nil || strings.TrimSpace(market.ID) == "" {
		return fmt.Errorf("lending engine: market id required")
	}
	if market.Class != ClassPlain && market.Class != ClassSynthetic {
		return fmt.Errorf("lending engine: market %s has invalid class", market.ID)
	}
	if _, ok := e.groups[market.GroupID]; !ok {
		return errGroupNotFound
	}
	existing, err := e.state.GetMarket(market.ID)
	if err != nil {
		return err
	}
	if existing != nil {
		return errMarketExists
	}
	listed := market.Clone()
	listed.EnsureDefaults()
	listed.LastAccrualTime = e.blockTime
	return e.state.PutMarket(listed.ID, listed)
}

func (e *Engine) loadMarket(id string) (*Market, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	market, err := e.state.GetMarket(id)
	if err != nil {
		return nil, err
	}
	if market == nil {
		return nil, fmt.Errorf("%w: %s", errMarketNotFound, id)
	}
	market.EnsureDefaults()
	return market, nil
}

func (e *Engine) loadPosition(marketID string, addr crypto.Address) (*AccountPosition, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	position, err := e.state.GetPosition(marketID, addr)
	if err != nil {
		return nil, err
	}
	if position == nil {
		position = &AccountPosition{Address: addr, MarketID: marketID}
	}
	position.EnsureDefaults()
	return position, nil
}

func (e *Engine) groupOf(market *Market) (*Group, error) {
	group, ok := e.groups[market.GroupID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errGroupNotFound, market.GroupID)
	}
	return group, nil
}

func (e *Engine) normalizedPrice(marketID string) (*big.Int, error) {
	if e.oracle == nil {
		return nil, errNilOracle
	}
	price, err := e.oracle.NormalizedPrice(marketID)
	if err != nil {
		return nil, err
	}
	if price == nil || price.Sign() <= 0 {
		return nil, fmt.Errorf("%w: market %s", ErrPriceUnavailable, marketID)
	}
	return price, nil
}

// --- accrual ---

// AccrueInterest advances the market's interest bookkeeping to the engine's
// current time unit. Calling it again within the same time unit is a no-op.
func (e *Engine) AccrueInterest(marketID string) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	market, err := e.loadMarket(marketID)
	if err != nil {
		return err
	}
	if market.LastAccrualTime >= e.blockTime {
		return nil
	}
	elapsed := e.blockTime - market.LastAccrualTime

	var borrowRate *big.Int
	if e.interestModel != nil {
		borrowRate = e.interestModel.BorrowRate(market.CashWei, market.TotalBorrows, market.TotalReserves)
	}
	if borrowRate == nil {
		borrowRate = big.NewInt(0)
	}

	interestFactor := new(big.Int).Mul(borrowRate, new(big.Int).SetUint64(elapsed))
	interestAccumulated := truncMul(interestFactor, market.TotalBorrows)

	market.TotalBorrows = new(big.Int).Add(market.TotalBorrows, interestAccumulated)
	market.TotalReserves = new(big.Int).Add(market.TotalReserves, truncMul(interestAccumulated, market.ReserveFactor))
	market.BorrowIndex = new(big.Int).Add(market.BorrowIndex, truncMul(interestFactor, market.BorrowIndex))
	market.LastAccrualTime = e.blockTime

	if err := e.state.PutMarket(market.ID, market); err != nil {
		return err
	}
	Metrics().accruals.WithLabelValues(market.ID).Inc()
	return nil
}

// requireFresh enforces the freshness rule: balance-mutating operations fail
// unless accrual already ran for the current time unit.
func (e *Engine) requireFresh(market *Market) error {
	if market.LastAccrualTime != e.blockTime {
		return fmt.Errorf("%w: market %s", errStaleAccrual, market.ID)
	}
	return nil
}

// ExchangeRate derives the current share exchange rate for the market.
func (e *Engine) ExchangeRate(marketID string) (*big.Int, error) {
	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	return e.exchangeRate(market), nil
}

func (e *Engine) exchangeRate(market *Market) *big.Int {
	if market.TotalSupply.Sign() == 0 {
		return new(big.Int).Set(market.InitialExchangeRate)
	}
	pool := new(big.Int).Add(market.CashWei, market.TotalBorrows)
	pool.Sub(pool, market.TotalReserves)
	if pool.Sign() <= 0 {
		return big.NewInt(0)
	}
	return truncDiv(pool, market.TotalSupply)
}

// BorrowBalance reports the account's index-adjusted borrow balance.
func (e *Engine) BorrowBalance(marketID string, addr crypto.Address) (*big.Int, error) {
	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	position, err := e.loadPosition(marketID, addr)
	if err != nil {
		return nil, err
	}
	return borrowBalance(position, market), nil
}

func borrowBalance(position *AccountPosition, market *Market) *big.Int {
	if position == nil || position.Borrow.Principal == nil || position.Borrow.Principal.Sign() == 0 {
		return big.NewInt(0)
	}
	snapshot := position.Borrow.InterestIndex
	if snapshot == nil || snapshot.Sign() == 0 {
		snapshot = expScale
	}
	balance := new(big.Int).Mul(position.Borrow.Principal, market.BorrowIndex)
	return balance.Quo(balance, snapshot)
}

func checkAmount(amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return errInvalidAmount
	}
	if amount.Cmp(maxUintSentinel) == 0 {
		return errSentinelAmount
	}
	return nil
}

// --- payouts ---

type pendingPayout struct {
	marketID    string
	beneficiary crypto.Address
	amount      *big.Int
	kind        string
	immediate   bool
}

// planPayout debits market cash and decides the payout branch. Deferred
// amounts park in the market's holding balance; the external limiter call
// happens only after all bookkeeping is committed. priorImmediate carries
// underlying already promised immediately against this market earlier in the
// same request, so multi-entry settlements preview the running total.
func (e *Engine) planPayout(market *Market, beneficiary crypto.Address, amount *big.Int, kind string, priorImmediate *big.Int) pendingPayout {
	payout := pendingPayout{
		marketID:    market.ID,
		beneficiary: beneficiary,
		amount:      new(big.Int).Set(amount),
		kind:        kind,
		immediate:   true,
	}
	market.CashWei = new(big.Int).Sub(market.CashWei, amount)
	preview := amount
	if priorImmediate != nil && priorImmediate.Sign() > 0 {
		preview = new(big.Int).Add(amount, priorImmediate)
	}
	if e.limiter != nil && !e.limiter.PreviewCanPayNow(market.ID, preview) {
		payout.immediate = false
		market.HoldingWei = new(big.Int).Add(market.HoldingWei, amount)
	}
	return payout
}

func (e *Engine) executePayout(payout pendingPayout) error {
	if e.limiter == nil {
		return nil
	}
	if payout.immediate {
		e.limiter.Consume(payout.marketID, payout.amount)
		return nil
	}
	if _, err := e.limiter.CreateDeferredAgreement(payout.kind, payout.amount, payout.beneficiary); err != nil {
		return err
	}
	Metrics().deferredPayouts.WithLabelValues(payout.marketID).Inc()
	return nil
}

// --- balance operations ---

// Mint deposits underlying into the market and mints supply shares at the
// current exchange rate. The minted share amount is returned.
func (e *Engine) Mint(supplier crypto.Address, marketID string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "mint"); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := e.enterMarket(marketID); err != nil {
		return nil, err
	}
	defer e.exitMarket(marketID)

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	if err := e.requireFresh(market); err != nil {
		return nil, err
	}

	rate := e.exchangeRate(market)
	if rate.Sign() == 0 {
		return nil, errInsufficientCash
	}
	if market.SupplyCap.Sign() > 0 {
		underlying := truncMul(market.TotalSupply, rate)
		underlying.Add(underlying, amount)
		if underlying.Cmp(market.SupplyCap) > 0 {
			return nil, errSupplyCapReached
		}
	}

	shares := truncDiv(amount, rate)
	if shares.Sign() == 0 {
		return nil, errInvalidAmount
	}

	position, err := e.loadPosition(marketID, supplier)
	if err != nil {
		return nil, err
	}

	market.CashWei = new(big.Int).Add(market.CashWei, amount)
	market.TotalSupply = new(big.Int).Add(market.TotalSupply, shares)
	position.SupplyShares = new(big.Int).Add(position.SupplyShares, shares)

	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market.ID, market); err != nil {
		return nil, err
	}
	return shares, nil
}

// Redeem burns the given share amount and releases the corresponding
// underlying through the payout path. The released amount is returned.
func (e *Engine) Redeem(supplier crypto.Address, marketID string, shares *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "redeem"); err != nil {
		return nil, err
	}
	if err := checkAmount(shares); err != nil {
		return nil, err
	}
	if err := e.enterMarket(marketID); err != nil {
		return nil, err
	}
	defer e.exitMarket(marketID)
	return e.redeemShares(supplier, marketID, shares)
}

// RedeemUnderlying redeems by target underlying amount. The share count is
// derived by truncation, so the account may receive slightly less than asked.
func (e *Engine) RedeemUnderlying(supplier crypto.Address, marketID string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "redeem"); err != nil {
		return nil, err
	}
	if err := checkAmount(amount); err != nil {
		return nil, err
	}
	if err := e.enterMarket(marketID); err != nil {
		return nil, err
	}
	defer e.exitMarket(marketID)

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	rate := e.exchangeRate(market)
	if rate.Sign() == 0 {
		return nil, errInsufficientCash
	}
	shares := truncDiv(amount, rate)
	if shares.Sign() == 0 {
		return nil, errInvalidAmount
	}
	return e.redeemShares(supplier, marketID, shares)
}

func (e *Engine) redeemShares(supplier crypto.Address, marketID string, shares *big.Int) (*big.Int, error) {
	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	if err := e.requireFresh(market); err != nil {
		return nil, err
	}

	position, err := e.loadPosition(marketID, supplier)
	if err != nil {
		return nil, err
	}
	if position.SupplyShares.Cmp(shares) < 0 {
		return nil, errInsufficientBalance
	}

	rate := e.exchangeRate(market)
	amount := truncMul(shares, rate)
	if market.CashWei.Cmp(amount) < 0 {
		return nil, errInsufficientCash
	}

	_, shortfall, err := e.hypotheticalLiquidity(supplier, marketID, shares, nil, false)
	if err != nil {
		return nil, err
	}
	if shortfall.Sign() > 0 {
		return nil, errInsufficientLiquidity
	}

	position.SupplyShares = new(big.Int).Sub(position.SupplyShares, shares)
	market.TotalSupply = new(big.Int).Sub(market.TotalSupply, shares)
	payout := e.planPayout(market, supplier, amount, "redeem", nil)

	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market.ID, market); err != nil {
		return nil, err
	}
	if err := e.executePayout(payout); err != nil {
		return nil, err
	}
	return amount, nil
}

// Borrow draws underlying from the market against the account's cross-market
// collateral and releases it through the payout path.
func (e *Engine) Borrow(borrower crypto.Address, marketID string, amount *big.Int) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "borrow"); err != nil {
		return err
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := e.enterMarket(marketID); err != nil {
		return err
	}
	defer e.exitMarket(marketID)

	market, err := e.loadMarket(marketID)
	if err != nil {
		return err
	}
	if err := e.requireFresh(market); err != nil {
		return err
	}
	if market.BorrowCap.Sign() > 0 {
		projected := new(big.Int).Add(market.TotalBorrows, amount)
		if projected.Cmp(market.BorrowCap) > 0 {
			return errBorrowCapReached
		}
	}
	if market.CashWei.Cmp(amount) < 0 {
		return errInsufficientCash
	}

	_, shortfall, err := e.hypotheticalLiquidity(borrower, marketID, nil, amount, false)
	if err != nil {
		return err
	}
	if shortfall.Sign() > 0 {
		return errInsufficientLiquidity
	}

	position, err := e.loadPosition(marketID, borrower)
	if err != nil {
		return err
	}
	balance := borrowBalance(position, market)
	position.Borrow.Principal = new(big.Int).Add(balance, amount)
	position.Borrow.InterestIndex = new(big.Int).Set(market.BorrowIndex)
	market.TotalBorrows = new(big.Int).Add(market.TotalBorrows, amount)
	payout := e.planPayout(market, borrower, amount, "borrow", nil)

	if err := e.state.PutPosition(position); err != nil {
		return err
	}
	if err := e.state.PutMarket(market.ID, market); err != nil {
		return err
	}
	return e.executePayout(payout)
}

// Repay settles the borrower's outstanding debt. Passing the max sentinel
// repays the full balance. The actual amount repaid is returned.
func (e *Engine) Repay(payer, borrower crypto.Address, marketID string, amount *big.Int) (*big.Int, error) {
	if e == nil || e.state == nil {
		return nil, errNilState
	}
	if err := nativecommon.GuardAction(e.pauses, moduleName, "repay"); err != nil {
		return nil, err
	}
	if amount == nil || amount.Sign() <= 0 {
		return nil, errInvalidAmount
	}
	if err := e.enterMarket(marketID); err != nil {
		return nil, err
	}
	defer e.exitMarket(marketID)

	market, err := e.loadMarket(marketID)
	if err != nil {
		return nil, err
	}
	if err := e.requireFresh(market); err != nil {
		return nil, err
	}

	position, err := e.loadPosition(marketID, borrower)
	if err != nil {
		return nil, err
	}
	balance := borrowBalance(position, market)
	if balance.Sign() == 0 {
		return nil, errNoDebtToRepay
	}

	actual := new(big.Int).Set(amount)
	if amount.Cmp(maxUintSentinel) == 0 || actual.Cmp(balance) > 0 {
		actual = new(big.Int).Set(balance)
	}

	position.Borrow.Principal = new(big.Int).Sub(balance, actual)
	position.Borrow.InterestIndex = new(big.Int).Set(market.BorrowIndex)
	market.TotalBorrows = new(big.Int).Sub(market.TotalBorrows, actual)
	if market.TotalBorrows.Sign() < 0 {
		market.TotalBorrows = big.NewInt(0)
	}
	market.CashWei = new(big.Int).Add(market.CashWei, actual)

	if err := e.state.PutPosition(position); err != nil {
		return nil, err
	}
	if err := e.state.PutMarket(market.ID, market); err != nil {
		return nil, err
	}
	return actual, nil
}

// ReduceReserves releases accumulated reserves from the market. Restricted to
// the admin surface; here the engine only enforces ledger consistency.
func (e *Engine) ReduceReserves(marketID string, amount *big.Int, recipient crypto.Address) error {
	if e == nil || e.state == nil {
		return errNilState
	}
	if err := checkAmount(amount); err != nil {
		return err
	}
	if err := e.enterMarket(marketID); err != nil {
		return err
	}
	defer e.exitMarket(marketID)

	market, err := e.loadMarket(marketID)
	if err != nil {
		return err
	}
	if err := e.requireFresh(market); err != nil {
		return err
	}
	if market.TotalReserves.Cmp(amount) < 0 || market.CashWei.Cmp(amount) < 0 {
		return errInsufficientCash
	}
	market.TotalReserves = new(big.Int).Sub(market.TotalReserves, amount)
	payout := e.planPayout(market, recipient, amount, "reserves", nil)
	if err := e.state.PutMarket(market.ID, market); err != nil {
		return err
	}
	return e.executePayout(payout)
}
