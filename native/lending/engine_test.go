package lending

import (
	"math/big"
	"testing"

	"crosslend/crypto"
)

func makeAddress(suffix byte) crypto.Address {
	raw := make([]byte, 20)
	raw[len(raw)-1] = suffix
	return crypto.NewAddress(crypto.LendPrefix, raw)
}

// unit scales a whole-token amount to wei at 18 decimals.
func unit(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), expScale)
}

func rate(s string) *big.Int {
	return mustBigInt(s)
}

type fixedRateModel struct {
	rate *big.Int
}

func (m fixedRateModel) BorrowRate(_, _, _ *big.Int) *big.Int {
	return new(big.Int).Set(m.rate)
}

func (m fixedRateModel) SupplyRate(_, _, _, _ *big.Int) *big.Int {
	return big.NewInt(0)
}

func testGroups() []Group {
	rates := GroupRates{
		IntraC:    rate("900000000000000000"),
		IntraMint: rate("800000000000000000"),
		IntraSu:   rate("700000000000000000"),
		InterC:    rate("500000000000000000"),
		InterSu:   rate("400000000000000000"),
	}
	return []Group{
		{ID: "g1", Rates: rates.Clone(), Margin: rates.Clone()},
		{ID: "g2", Rates: rates.Clone(), Margin: rates.Clone()},
	}
}

func testParams() LiquidationParams {
	return LiquidationParams{
		CloseFactor:        rate("500000000000000000"),
		HeteroIncentive:    rate("80000000000000000"),
		HomoIncentive:      rate("40000000000000000"),
		SutokenIncentive:   rate("10000000000000000"),
		MinCloseValue:      unit(10),
		ProtocolSeizeShare: rate("300000000000000000"),
	}
}

func newTestEngine(t *testing.T) (*Engine, *MemoryStore, *StaticPriceSource) {
	t.Helper()
	engine := NewEngine(testParams())
	store := NewMemoryStore()
	oracle := NewStaticPriceSource(0, nil)
	engine.SetState(store)
	engine.SetOracle(oracle)
	engine.SetGroups(testGroups())
	return engine, store, oracle
}

func putMarket(t *testing.T, store *MemoryStore, market *Market) {
	t.Helper()
	market.EnsureDefaults()
	if err := store.PutMarket(market.ID, market); err != nil {
		t.Fatalf("put market %s: %v", market.ID, err)
	}
}

func putShares(t *testing.T, store *MemoryStore, marketID string, addr crypto.Address, shares *big.Int) {
	t.Helper()
	position := &AccountPosition{Address: addr, MarketID: marketID, SupplyShares: shares}
	position.EnsureDefaults()
	if err := store.PutPosition(position); err != nil {
		t.Fatalf("put position: %v", err)
	}
}

func putDebt(t *testing.T, store *MemoryStore, marketID string, addr crypto.Address, principal *big.Int) {
	t.Helper()
	position := &AccountPosition{
		Address:  addr,
		MarketID: marketID,
		Borrow:   BorrowSnapshot{Principal: principal, InterestIndex: new(big.Int).Set(expScale)},
	}
	position.EnsureDefaults()
	if err := store.PutPosition(position); err != nil {
		t.Fatalf("put position: %v", err)
	}
}

func TestCreateMarketRejectsDuplicatesAndUnknownGroups(t *testing.T) {
	engine, _, _ := newTestEngine(t)

	market := &Market{ID: "m1", GroupID: "g1", Class: ClassPlain}
	if err := engine.CreateMarket(market); err != nil {
		t.Fatalf("create market: %v", err)
	}
	if err := engine.CreateMarket(market.Clone()); err != errMarketExists {
		t.Fatalf("expected duplicate listing error, got %v", err)
	}
	if err := engine.CreateMarket(&Market{ID: "m9", GroupID: "missing", Class: ClassPlain}); err != errGroupNotFound {
		t.Fatalf("expected group error, got %v", err)
	}
}

func TestExchangeRateDerivation(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{
		ID:            "m1",
		GroupID:       "g1",
		Class:         ClassPlain,
		CashWei:       big.NewInt(150),
		TotalBorrows:  big.NewInt(50),
		TotalReserves: big.NewInt(20),
		TotalSupply:   big.NewInt(90),
	})

	got, err := engine.ExchangeRate("m1")
	if err != nil {
		t.Fatalf("exchange rate: %v", err)
	}
	want := unit(2)
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected exchange rate: got %s want %s", got, want)
	}
}

func TestExchangeRateEmptyMarketUsesInitial(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	initial := rate("20000000000000000")
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain, InitialExchangeRate: initial})

	got, err := engine.ExchangeRate("m1")
	if err != nil {
		t.Fatalf("exchange rate: %v", err)
	}
	if got.Cmp(initial) != 0 {
		t.Fatalf("unexpected exchange rate: got %s want %s", got, initial)
	}
}

func TestBorrowBalanceTracksIndex(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{
		ID:          "m1",
		GroupID:     "g1",
		Class:       ClassPlain,
		BorrowIndex: rate("1500000000000000000"),
	})
	borrower := makeAddress(0x01)
	putDebt(t, store, "m1", borrower, big.NewInt(100))

	balance, err := engine.BorrowBalance("m1", borrower)
	if err != nil {
		t.Fatalf("borrow balance: %v", err)
	}
	if balance.Cmp(big.NewInt(150)) != 0 {
		t.Fatalf("unexpected balance: got %s want 150", balance)
	}
}

func TestMintAndRedeemRoundTrip(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain})
	oracle.SetPrice("m1", unit(1))

	supplier := makeAddress(0x01)
	shares, err := engine.Mint(supplier, "m1", unit(50))
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	if shares.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected shares: got %s want %s", shares, unit(50))
	}

	market, _ := store.GetMarket("m1")
	if market.CashWei.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected cash after mint: %s", market.CashWei)
	}
	if market.TotalSupply.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected supply after mint: %s", market.TotalSupply)
	}

	amount, err := engine.Redeem(supplier, "m1", unit(20))
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if amount.Cmp(unit(20)) != 0 {
		t.Fatalf("unexpected redeem amount: %s", amount)
	}
	market, _ = store.GetMarket("m1")
	if market.CashWei.Cmp(unit(30)) != 0 {
		t.Fatalf("unexpected cash after redeem: %s", market.CashWei)
	}
	position, _ := store.GetPosition("m1", supplier)
	if position.SupplyShares.Cmp(unit(30)) != 0 {
		t.Fatalf("unexpected shares after redeem: %s", position.SupplyShares)
	}
}

func TestMintEnforcesSupplyCap(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain, SupplyCap: unit(40)})

	if _, err := engine.Mint(makeAddress(0x01), "m1", unit(50)); err != errSupplyCapReached {
		t.Fatalf("expected supply cap error, got %v", err)
	}
	if _, err := engine.Mint(makeAddress(0x01), "m1", unit(40)); err != nil {
		t.Fatalf("mint at cap: %v", err)
	}
}

func TestRedeemRejectsOverdraw(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain})
	oracle.SetPrice("m1", unit(1))
	supplier := makeAddress(0x01)
	if _, err := engine.Mint(supplier, "m1", unit(10)); err != nil {
		t.Fatalf("mint: %v", err)
	}
	if _, err := engine.Redeem(supplier, "m1", unit(11)); err != errInsufficientBalance {
		t.Fatalf("expected balance error, got %v", err)
	}
}

func TestBorrowAgainstCrossGroupCollateral(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain})
	putMarket(t, store, &Market{ID: "m2", GroupID: "g2", Class: ClassPlain, CashWei: unit(100)})
	oracle.SetPrice("m1", unit(1))
	oracle.SetPrice("m2", unit(1))

	account := makeAddress(0x01)
	if _, err := engine.Mint(account, "m1", unit(100)); err != nil {
		t.Fatalf("mint collateral: %v", err)
	}

	// interC 0.5 values the cross-group collateral at exactly 50.
	if err := engine.Borrow(account, "m2", unit(51)); err != errInsufficientLiquidity {
		t.Fatalf("expected liquidity error, got %v", err)
	}
	if err := engine.Borrow(account, "m2", unit(50)); err != nil {
		t.Fatalf("borrow at boundary: %v", err)
	}

	market, _ := store.GetMarket("m2")
	if market.TotalBorrows.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected total borrows: %s", market.TotalBorrows)
	}
	if market.CashWei.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected cash: %s", market.CashWei)
	}
}

func TestBorrowEnforcesCapAndCash(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain})
	putMarket(t, store, &Market{ID: "m2", GroupID: "g2", Class: ClassPlain, CashWei: unit(10), BorrowCap: unit(5)})
	oracle.SetPrice("m1", unit(1))
	oracle.SetPrice("m2", unit(1))

	account := makeAddress(0x01)
	if _, err := engine.Mint(account, "m1", unit(100)); err != nil {
		t.Fatalf("mint collateral: %v", err)
	}
	if err := engine.Borrow(account, "m2", unit(6)); err != errBorrowCapReached {
		t.Fatalf("expected borrow cap error, got %v", err)
	}

	uncapped := &Market{ID: "m3", GroupID: "g2", Class: ClassPlain, CashWei: unit(3)}
	putMarket(t, store, uncapped)
	oracle.SetPrice("m3", unit(1))
	if err := engine.Borrow(account, "m3", unit(4)); err != errInsufficientCash {
		t.Fatalf("expected cash error, got %v", err)
	}
}

func TestRepayClampsAndSupportsSentinel(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain, TotalBorrows: unit(40)})
	oracle.SetPrice("m1", unit(1))

	borrower := makeAddress(0x01)
	payer := makeAddress(0x02)
	putDebt(t, store, "m1", borrower, unit(40))

	actual, err := engine.Repay(payer, borrower, "m1", unit(100))
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if actual.Cmp(unit(40)) != 0 {
		t.Fatalf("expected clamp to balance, got %s", actual)
	}
	if _, err := engine.Repay(payer, borrower, "m1", maxUintSentinel); err != errNoDebtToRepay {
		t.Fatalf("expected no debt error, got %v", err)
	}

	putDebt(t, store, "m1", borrower, unit(15))
	market, _ := store.GetMarket("m1")
	market.TotalBorrows = unit(15)
	putMarket(t, store, market)

	actual, err = engine.Repay(payer, borrower, "m1", maxUintSentinel)
	if err != nil {
		t.Fatalf("sentinel repay: %v", err)
	}
	if actual.Cmp(unit(15)) != 0 {
		t.Fatalf("expected full repay, got %s", actual)
	}
	if position, _ := store.GetPosition("m1", borrower); position != nil {
		t.Fatalf("expected emptied position to be dropped, got %+v", position)
	}
}

func TestReduceReservesRequiresBacking(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{
		ID:            "m1",
		GroupID:       "g1",
		Class:         ClassPlain,
		CashWei:       unit(5),
		TotalReserves: unit(8),
	})
	recipient := makeAddress(0x01)

	if err := engine.ReduceReserves("m1", unit(6), recipient); err != errInsufficientCash {
		t.Fatalf("expected cash error, got %v", err)
	}
	if err := engine.ReduceReserves("m1", unit(5), recipient); err != nil {
		t.Fatalf("reduce reserves: %v", err)
	}
	market, _ := store.GetMarket("m1")
	if market.TotalReserves.Cmp(unit(3)) != 0 {
		t.Fatalf("unexpected reserves: %s", market.TotalReserves)
	}
	if market.CashWei.Sign() != 0 {
		t.Fatalf("unexpected cash: %s", market.CashWei)
	}
}

func TestRedeemUnderlyingDerivesShares(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{
		ID:          "m1",
		GroupID:     "g1",
		Class:       ClassPlain,
		CashWei:     unit(200),
		TotalSupply: unit(100),
	})
	oracle.SetPrice("m1", unit(1))
	supplier := makeAddress(0x01)
	putShares(t, store, "m1", supplier, unit(50))

	// Exchange rate 2: asking for 30 underlying burns 15 shares.
	released, err := engine.RedeemUnderlying(supplier, "m1", unit(30))
	if err != nil {
		t.Fatalf("redeem underlying: %v", err)
	}
	if released.Cmp(unit(30)) != 0 {
		t.Fatalf("unexpected release: %s", released)
	}
	position, _ := store.GetPosition("m1", supplier)
	if position.SupplyShares.Cmp(unit(35)) != 0 {
		t.Fatalf("unexpected shares: %s", position.SupplyShares)
	}
	market, _ := store.GetMarket("m1")
	if market.CashWei.Cmp(unit(170)) != 0 {
		t.Fatalf("unexpected cash: %s", market.CashWei)
	}
	if market.TotalSupply.Cmp(unit(85)) != 0 {
		t.Fatalf("unexpected supply: %s", market.TotalSupply)
	}

	// An amount below one share's worth rounds to zero shares.
	if _, err := engine.RedeemUnderlying(supplier, "m1", big.NewInt(1)); err != errInvalidAmount {
		t.Fatalf("expected invalid amount, got %v", err)
	}
}
