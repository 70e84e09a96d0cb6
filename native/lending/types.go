package lending

import (
	"math/big"

	"crosslend/crypto"
)

// MarketClass distinguishes plain collateral markets from synthetic-debt
// markets. The class decides which collateral-factor rate applies when a
// liability is absorbed and which liquidation incentive is charged.
type MarketClass uint8

const (
	// ClassPlain marks an ordinary collateral-class market.
	ClassPlain MarketClass = iota + 1
	// ClassSynthetic marks a synthetic-debt market.
	ClassSynthetic
)

// Market captures the accounting state of a single interest-bearing market.
// Amounts are denominated in wei and expressed as big integers to match
// on-chain precision.
type Market struct {
	// ID is the stable opaque identifier assigned at listing.
	ID string
	// GroupID names the risk group the market belongs to.
	GroupID string
	// Class flags the market as plain or synthetic-debt.
	Class MarketClass
	// Decimals records the underlying token decimal count.
	Decimals uint8
	// CashWei is the underlying balance held by the market.
	CashWei *big.Int
	// TotalBorrows tracks the outstanding borrows including accrued interest.
	TotalBorrows *big.Int
	// TotalReserves is the protocol-owned slice of the market balance.
	TotalReserves *big.Int
	// TotalSupply is the aggregate supply-share balance.
	TotalSupply *big.Int
	// BorrowIndex is the cumulative interest index, fixed point 1e18,
	// monotonically non-decreasing.
	BorrowIndex *big.Int
	// ReserveFactor is the share of accrued interest routed to reserves,
	// fixed point 1e18.
	ReserveFactor *big.Int
	// DiscountRate haircuts the market's deposit value during solvency
	// queries, fixed point 1e18, at most 1e18.
	DiscountRate *big.Int
	// InitialExchangeRate is the exchange rate used while total supply is zero.
	InitialExchangeRate *big.Int
	// LastAccrualTime records the time unit when interest was last accrued.
	LastAccrualTime uint64
	// SupplyCap bounds the underlying value of minted shares. Zero means no cap.
	SupplyCap *big.Int
	// BorrowCap bounds total borrows. Zero means no cap.
	BorrowCap *big.Int
	// Deprecated releases the shortfall gate on liquidation so outstanding
	// borrows can be wound down.
	Deprecated bool
	// HoldingWei parks underlying owed to accounts whose payout was deferred
	// by the rate limiter.
	HoldingWei *big.Int
}

// EnsureDefaults populates nil big.Int fields so storage round-trips are safe.
func (m *Market) EnsureDefaults() {
	if m == nil {
		return
	}
	if m.CashWei == nil {
		m.CashWei = big.NewInt(0)
	}
	if m.TotalBorrows == nil {
		m.TotalBorrows = big.NewInt(0)
	}
	if m.TotalReserves == nil {
		m.TotalReserves = big.NewInt(0)
	}
	if m.TotalSupply == nil {
		m.TotalSupply = big.NewInt(0)
	}
	if m.BorrowIndex == nil || m.BorrowIndex.Sign() == 0 {
		m.BorrowIndex = new(big.Int).Set(expScale)
	}
	if m.ReserveFactor == nil {
		m.ReserveFactor = big.NewInt(0)
	}
	if m.DiscountRate == nil || m.DiscountRate.Sign() == 0 {
		m.DiscountRate = new(big.Int).Set(expScale)
	}
	if m.InitialExchangeRate == nil || m.InitialExchangeRate.Sign() == 0 {
		m.InitialExchangeRate = new(big.Int).Set(expScale)
	}
	if m.SupplyCap == nil {
		m.SupplyCap = big.NewInt(0)
	}
	if m.BorrowCap == nil {
		m.BorrowCap = big.NewInt(0)
	}
	if m.HoldingWei == nil {
		m.HoldingWei = big.NewInt(0)
	}
}

// Clone returns a deep copy of the market.
func (m *Market) Clone() *Market {
	if m == nil {
		return nil
	}
	clone := &Market{
		ID:              m.ID,
		GroupID:         m.GroupID,
		Class:           m.Class,
		Decimals:        m.Decimals,
		LastAccrualTime: m.LastAccrualTime,
		Deprecated:      m.Deprecated,
	}
	for dst, src := range map[**big.Int]*big.Int{
		&clone.CashWei:             m.CashWei,
		&clone.TotalBorrows:        m.TotalBorrows,
		&clone.TotalReserves:       m.TotalReserves,
		&clone.TotalSupply:         m.TotalSupply,
		&clone.BorrowIndex:         m.BorrowIndex,
		&clone.ReserveFactor:       m.ReserveFactor,
		&clone.DiscountRate:        m.DiscountRate,
		&clone.InitialExchangeRate: m.InitialExchangeRate,
		&clone.SupplyCap:           m.SupplyCap,
		&clone.BorrowCap:           m.BorrowCap,
		&clone.HoldingWei:          m.HoldingWei,
	} {
		if src != nil {
			*dst = new(big.Int).Set(src)
		}
	}
	return clone
}

// BorrowSnapshot freezes a borrow principal together with the interest index
// observed when the principal last changed. The live balance is
// principal x currentIndex / snapshotIndex, truncated.
type BorrowSnapshot struct {
	Principal     *big.Int
	InterestIndex *big.Int
}

// AccountPosition maintains one account's stake in a single market.
type AccountPosition struct {
	// Address identifies the account.
	Address crypto.Address
	// MarketID names the market the position belongs to.
	MarketID string
	// SupplyShares is the account's supply-share balance.
	SupplyShares *big.Int
	// Borrow is the account's borrow snapshot.
	Borrow BorrowSnapshot
}

// EnsureDefaults populates nil big.Int fields.
func (p *AccountPosition) EnsureDefaults() {
	if p == nil {
		return
	}
	if p.SupplyShares == nil {
		p.SupplyShares = big.NewInt(0)
	}
	if p.Borrow.Principal == nil {
		p.Borrow.Principal = big.NewInt(0)
	}
	if p.Borrow.InterestIndex == nil || p.Borrow.InterestIndex.Sign() == 0 {
		p.Borrow.InterestIndex = new(big.Int).Set(expScale)
	}
}

// Clone returns a deep copy of the position.
func (p *AccountPosition) Clone() *AccountPosition {
	if p == nil {
		return nil
	}
	clone := &AccountPosition{Address: p.Address, MarketID: p.MarketID}
	if p.SupplyShares != nil {
		clone.SupplyShares = new(big.Int).Set(p.SupplyShares)
	}
	if p.Borrow.Principal != nil {
		clone.Borrow.Principal = new(big.Int).Set(p.Borrow.Principal)
	}
	if p.Borrow.InterestIndex != nil {
		clone.Borrow.InterestIndex = new(big.Int).Set(p.Borrow.InterestIndex)
	}
	return clone
}

// IsEmpty reports whether the position carries neither supply nor debt.
func (p *AccountPosition) IsEmpty() bool {
	if p == nil {
		return true
	}
	if p.SupplyShares != nil && p.SupplyShares.Sign() > 0 {
		return false
	}
	if p.Borrow.Principal != nil && p.Borrow.Principal.Sign() > 0 {
		return false
	}
	return true
}

// GroupRates bundles the five collateral-factor rates of a risk group, all
// fixed point 1e18 and at most 1e18.
type GroupRates struct {
	// IntraC absorbs a plain liability with plain collateral of the same group.
	IntraC *big.Int
	// IntraMint absorbs a synthetic-debt liability with plain collateral of
	// the same group.
	IntraMint *big.Int
	// IntraSu absorbs any liability with synthetic collateral of the same group.
	IntraSu *big.Int
	// InterC values plain collateral offered across group boundaries.
	InterC *big.Int
	// InterSu values synthetic collateral offered across group boundaries.
	InterSu *big.Int
}

// Clone returns a deep copy of the rate set.
func (r GroupRates) Clone() GroupRates {
	clone := GroupRates{}
	for dst, src := range map[**big.Int]*big.Int{
		&clone.IntraC:    r.IntraC,
		&clone.IntraMint: r.IntraMint,
		&clone.IntraSu:   r.IntraSu,
		&clone.InterC:    r.InterC,
		&clone.InterSu:   r.InterSu,
	} {
		if src != nil {
			*dst = new(big.Int).Set(src)
		} else {
			*dst = big.NewInt(0)
		}
	}
	return clone
}

// Group couples a risk group identifier with its collateral-factor rates and
// the more conservative safety-margin rates used by advisory limit queries.
type Group struct {
	ID     string
	Rates  GroupRates
	Margin GroupRates
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	if g == nil {
		return nil
	}
	return &Group{ID: g.ID, Rates: g.Rates.Clone(), Margin: g.Margin.Clone()}
}

// GroupAggregate collects one account's USD values inside a single group for
// the duration of a solvency query. All values are fixed point 1e18.
type GroupAggregate struct {
	GroupID   string
	CDeposit  *big.Int
	CBorrow   *big.Int
	SuDeposit *big.Int
	SuBorrow  *big.Int
	rates     GroupRates
}

func newGroupAggregate(groupID string, rates GroupRates) *GroupAggregate {
	return &GroupAggregate{
		GroupID:   groupID,
		CDeposit:  big.NewInt(0),
		CBorrow:   big.NewInt(0),
		SuDeposit: big.NewInt(0),
		SuBorrow:  big.NewInt(0),
		rates:     rates,
	}
}

// RedemptionState tracks the decaying base rate of a synthetic-debt market.
type RedemptionState struct {
	// BaseRate is the current base fee rate, fixed point 1e18, in [0, 1e18].
	BaseRate *big.Int
	// LastFeeOp records the timestamp of the last accepted fee operation.
	LastFeeOp uint64
}

// EnsureDefaults populates nil fields.
func (r *RedemptionState) EnsureDefaults() {
	if r == nil {
		return
	}
	if r.BaseRate == nil {
		r.BaseRate = big.NewInt(0)
	}
}

// Clone returns a deep copy of the redemption state.
func (r *RedemptionState) Clone() *RedemptionState {
	if r == nil {
		return nil
	}
	clone := &RedemptionState{LastFeeOp: r.LastFeeOp}
	if r.BaseRate != nil {
		clone.BaseRate = new(big.Int).Set(r.BaseRate)
	}
	return clone
}

// LiquidationParams groups the governance controlled liquidation settings.
type LiquidationParams struct {
	// CloseFactor bounds the share of a borrow repayable in one liquidation,
	// fixed point 1e18.
	CloseFactor *big.Int
	// HeteroIncentive applies when repay and collateral markets sit in
	// different groups, fixed point 1e18.
	HeteroIncentive *big.Int
	// HomoIncentive applies when both markets share a group and the repaid
	// market is plain class.
	HomoIncentive *big.Int
	// SutokenIncentive applies when both markets share a group and the repaid
	// market is synthetic-debt class.
	SutokenIncentive *big.Int
	// MinCloseValue is the USD floor below which the close factor cap is
	// waived so dust positions can be closed in full.
	MinCloseValue *big.Int
	// ProtocolSeizeShare is the protocol's cut of the incentive slice on an
	// ordinary liquidation, fixed point 1e18.
	ProtocolSeizeShare *big.Int
}

// Clone returns a deep copy of the parameters.
func (p LiquidationParams) Clone() LiquidationParams {
	clone := LiquidationParams{}
	for dst, src := range map[**big.Int]*big.Int{
		&clone.CloseFactor:        p.CloseFactor,
		&clone.HeteroIncentive:    p.HeteroIncentive,
		&clone.HomoIncentive:      p.HomoIncentive,
		&clone.SutokenIncentive:   p.SutokenIncentive,
		&clone.MinCloseValue:      p.MinCloseValue,
		&clone.ProtocolSeizeShare: p.ProtocolSeizeShare,
	} {
		if src != nil {
			*dst = new(big.Int).Set(src)
		} else {
			*dst = big.NewInt(0)
		}
	}
	return clone
}
