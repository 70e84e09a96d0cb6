package lending

import "errors"

var (
	errNilState       = errors.New("lending engine: state not configured")
	errNilOracle      = errors.New("lending engine: price source not configured")
	errMarketNotFound = errors.New("lending engine: market not listed")
	errMarketExists   = errors.New("lending engine: market already listed")
	errGroupNotFound  = errors.New("lending engine: group not configured")

	errInvalidAmount       = errors.New("lending engine: amount must be positive")
	errSentinelAmount      = errors.New("lending engine: max sentinel amount rejected")
	errInsufficientBalance = errors.New("lending engine: insufficient balance")
	errInsufficientCash    = errors.New("lending engine: insufficient market cash")
	errSupplyCapReached    = errors.New("lending engine: supply cap reached")
	errBorrowCapReached    = errors.New("lending engine: borrow cap reached")
	errNoDebtToRepay       = errors.New("lending engine: no outstanding debt to repay")

	// errStaleAccrual is the freshness gate: the market must have accrued
	// interest for the current time unit before balances may move. Callers
	// accrue first; the engine never accrues inline on their behalf.
	errStaleAccrual = errors.New("lending engine: interest not accrued this time unit")
	// errReentrancy trips when a balance-mutating entry point is re-entered
	// while the market guard is held.
	errReentrancy = errors.New("lending engine: market re-entered")

	// errInsufficientLiquidity is the user-facing capacity error for borrows
	// and redemptions that would leave the account with a shortfall.
	errInsufficientLiquidity = errors.New("lending engine: insufficient account liquidity")
	// errAbsorbInvariant is fatal: a group ended an absorption run with both
	// collateral and debt outstanding.
	errAbsorbInvariant = errors.New("lending engine: group absorption invariant violated")

	errNotLiquidatable  = errors.New("lending engine: borrower not eligible for liquidation")
	errSelfLiquidation  = errors.New("lending engine: borrower cannot liquidate themselves")
	errTooMuchRepay     = errors.New("lending engine: repay exceeds close factor limit")
	errSeizeTooMuch     = errors.New("lending engine: seize exceeds borrower collateral")
	errNotSynthetic     = errors.New("lending engine: market is not synthetic-debt class")
	errRedemptionSigner = errors.New("lending engine: redemption signer not registered")
	errTreasuryUnset    = errors.New("lending engine: treasury not registered")

	// Redemption requests fail closed: bad signature, expired deadline, or an
	// unfilled sweep leave no state change behind.
	errSignatureInvalid   = errors.New("lending engine: redemption signature invalid")
	errDeadlineExpired    = errors.New("lending engine: redemption deadline expired")
	errRedemptionUnfilled = errors.New("lending engine: redemption providers exhausted")
)
