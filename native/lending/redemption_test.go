package lending

import (
	"errors"
	"math/big"
	"testing"

	"crosslend/crypto"
)

const testChainTag = "crosslend-test-1"

func signRedemption(t *testing.T, key *crypto.PrivateKey, deadline uint64, providers []crypto.Address) []byte {
	t.Helper()
	digest, err := RedemptionDigest(deadline, providers, testChainTag)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	sig, err := key.Sign(digest)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return sig
}

// redemptionFixture wires a synthetic-debt market with two debt providers:
// p1 owes 60 with collateral in the other group, p2 owes 40 with collateral
// in the same group.
func redemptionFixture(t *testing.T) (*Engine, *MemoryStore, *crypto.PrivateKey, crypto.Address, crypto.Address) {
	t.Helper()
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "su1", GroupID: "g1", Class: ClassSynthetic, TotalBorrows: unit(100)})
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain, CashWei: unit(100), TotalSupply: unit(100)})
	putMarket(t, store, &Market{ID: "m2", GroupID: "g2", Class: ClassPlain, CashWei: unit(100), TotalSupply: unit(100)})
	oracle.SetPrice("su1", unit(1))
	oracle.SetPrice("m1", unit(1))
	oracle.SetPrice("m2", unit(1))

	p1 := makeAddress(0x11)
	p2 := makeAddress(0x12)
	putDebt(t, store, "su1", p1, unit(60))
	putDebt(t, store, "su1", p2, unit(40))
	putShares(t, store, "m2", p1, unit(100))
	putShares(t, store, "m1", p2, unit(100))

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	engine.SetRedemptionSigner(key.PubKey().Address())
	engine.SetTreasury(makeAddress(0xee))
	engine.SetChainTag(testChainTag)
	return engine, store, key, p1, p2
}

func TestPreviewRedemptionRate(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{ID: "su1", GroupID: "g1", Class: ClassSynthetic, TotalBorrows: unit(10_000_000)})

	got, err := engine.PreviewRedemptionRate("su1", unit(1_000_000))
	if err != nil {
		t.Fatalf("preview: %v", err)
	}
	// 1M against 10M raises the base rate by 0.1/2 = 0.05; the fee adds the
	// 0.5% floor on top.
	want := rate("55000000000000000")
	if got.Cmp(want) != 0 {
		t.Fatalf("unexpected rate: got %s want %s", got, want)
	}
}

func TestPreviewRedemptionRateRejectsPlainMarkets(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain})

	if _, err := engine.PreviewRedemptionRate("m1", unit(1)); err != errNotSynthetic {
		t.Fatalf("expected synthetic class error, got %v", err)
	}
}

func TestBaseRateDecaysWithTwelveHourHalfLife(t *testing.T) {
	engine, store, _ := newTestEngine(t)
	putMarket(t, store, &Market{ID: "su1", GroupID: "g1", Class: ClassSynthetic})
	state := &RedemptionState{BaseRate: rate("50000000000000000"), LastFeeOp: 0}
	if err := store.PutRedemptionState("su1", state); err != nil {
		t.Fatalf("put state: %v", err)
	}

	engine.SetBlockTime(12 * 60 * 60)
	decayed, err := engine.RedemptionBaseRate("su1")
	if err != nil {
		t.Fatalf("base rate: %v", err)
	}
	lo := rate("24900000000000000")
	hi := rate("25100000000000000")
	if decayed.Cmp(lo) < 0 || decayed.Cmp(hi) > 0 {
		t.Fatalf("decay outside half-life tolerance: %s", decayed)
	}
}

func TestRedeemFaceValueTwoPassSweep(t *testing.T) {
	engine, store, key, p1, p2 := redemptionFixture(t)
	redeemer := makeAddress(0x99)
	providers := []crypto.Address{p1, p2}
	sig := signRedemption(t, key, 1000, providers)

	appliedRate, err := engine.RedeemFaceValue(redeemer, RedemptionRequest{
		MarketID:  "su1",
		Amount:    unit(50),
		Providers: providers,
		Deadline:  1000,
		Signature: sig,
	})
	if err != nil {
		t.Fatalf("redeem face value: %v", err)
	}
	// 50 against supply 100 raises the base rate to 0.25; fee 0.255.
	if want := rate("255000000000000000"); appliedRate.Cmp(want) != 0 {
		t.Fatalf("unexpected applied rate: got %s want %s", appliedRate, want)
	}

	// Same-group collateral first: p2's 40 of debt clears before p1 is
	// touched, then p1 covers the remaining 10 cross-group.
	if debt, _ := engine.BorrowBalance("su1", p2); debt.Sign() != 0 {
		t.Fatalf("expected p2 debt cleared, got %s", debt)
	}
	if debt, _ := engine.BorrowBalance("su1", p1); debt.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected p1 debt: got %s want %s", debt, unit(50))
	}

	market, _ := store.GetMarket("su1")
	if market.TotalBorrows.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected synthetic borrows: %s", market.TotalBorrows)
	}
	if market.CashWei.Cmp(unit(50)) != 0 {
		t.Fatalf("unexpected synthetic cash: %s", market.CashWei)
	}

	// p2's seizure: 40 * 1.01 = 40.4 shares, 0.255 of them to the treasury.
	p2Collateral, _ := store.GetPosition("m1", p2)
	if want := rate("59600000000000000000"); p2Collateral.SupplyShares.Cmp(want) != 0 {
		t.Fatalf("unexpected p2 shares: got %s want %s", p2Collateral.SupplyShares, want)
	}
	treasuryM1, _ := store.GetPosition("m1", makeAddress(0xee))
	if want := rate("10302000000000000000"); treasuryM1.SupplyShares.Cmp(want) != 0 {
		t.Fatalf("unexpected treasury m1 shares: got %s want %s", treasuryM1.SupplyShares, want)
	}

	// p1's seizure: 10 * 1.08 = 10.8 shares cross-group.
	p1Collateral, _ := store.GetPosition("m2", p1)
	if want := rate("89200000000000000000"); p1Collateral.SupplyShares.Cmp(want) != 0 {
		t.Fatalf("unexpected p1 shares: got %s want %s", p1Collateral.SupplyShares, want)
	}
	treasuryM2, _ := store.GetPosition("m2", makeAddress(0xee))
	if want := rate("2754000000000000000"); treasuryM2.SupplyShares.Cmp(want) != 0 {
		t.Fatalf("unexpected treasury m2 shares: got %s want %s", treasuryM2.SupplyShares, want)
	}

	state, _ := store.GetRedemptionState("su1")
	if state == nil || state.BaseRate.Cmp(rate("250000000000000000")) != 0 {
		t.Fatalf("unexpected stored base rate: %+v", state)
	}
}

func TestRedeemFaceValueAllOrNothing(t *testing.T) {
	engine, store, key, p1, p2 := redemptionFixture(t)
	providers := []crypto.Address{p1, p2}
	sig := signRedemption(t, key, 1000, providers)

	// Total provider debt is 100; a 150 request cannot fill.
	_, err := engine.RedeemFaceValue(makeAddress(0x99), RedemptionRequest{
		MarketID:  "su1",
		Amount:    new(big.Int).Mul(big.NewInt(150), expScale),
		Providers: providers,
		Deadline:  1000,
		Signature: sig,
	})
	if err != errRedemptionUnfilled {
		t.Fatalf("expected unfilled error, got %v", err)
	}

	// Nothing moved.
	market, _ := store.GetMarket("su1")
	if market.TotalBorrows.Cmp(unit(100)) != 0 {
		t.Fatalf("borrows moved on failure: %s", market.TotalBorrows)
	}
	if state, _ := store.GetRedemptionState("su1"); state != nil {
		t.Fatalf("fee state written on failure: %+v", state)
	}
	if debt, _ := engine.BorrowBalance("su1", p2); debt.Cmp(unit(40)) != 0 {
		t.Fatalf("p2 debt moved on failure: %s", debt)
	}
}

func TestRedeemFaceValueAuthorisation(t *testing.T) {
	engine, _, key, p1, p2 := redemptionFixture(t)
	providers := []crypto.Address{p1, p2}
	redeemer := makeAddress(0x99)

	// Expired deadline.
	engine.SetBlockTime(0)
	req := RedemptionRequest{MarketID: "su1", Amount: unit(10), Providers: providers}
	engine.SetBlockTime(2000)
	req.Deadline = 1000
	req.Signature = signRedemption(t, key, 1000, providers)
	if _, err := engine.RedeemFaceValue(redeemer, req); err != errDeadlineExpired {
		t.Fatalf("expected deadline error, got %v", err)
	}
	engine.SetBlockTime(0)

	// Signature from the wrong key.
	rogue, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	req.Signature = signRedemption(t, rogue, 1000, providers)
	if _, err := engine.RedeemFaceValue(redeemer, req); err != errSignatureInvalid {
		t.Fatalf("expected signature error, got %v", err)
	}

	// Signature over a different provider list.
	req.Signature = signRedemption(t, key, 1000, []crypto.Address{p1})
	if _, err := engine.RedeemFaceValue(redeemer, req); err != errSignatureInvalid {
		t.Fatalf("expected signature error for tampered providers, got %v", err)
	}

	// No signer registered.
	engine.SetRedemptionSigner(crypto.Address{})
	req.Signature = signRedemption(t, key, 1000, providers)
	if _, err := engine.RedeemFaceValue(redeemer, req); !errors.Is(err, errRedemptionSigner) {
		t.Fatalf("expected missing signer error, got %v", err)
	}
}

func TestRedeemFaceValueGuardsSweptCollateral(t *testing.T) {
	engine, store, key, p1, p2 := redemptionFixture(t)
	providers := []crypto.Address{p1, p2}
	req := RedemptionRequest{
		MarketID:  "su1",
		Amount:    unit(50),
		Providers: providers,
		Deadline:  1000,
		Signature: signRedemption(t, key, 1000, providers),
	}

	// A concurrent operation holds m1; the sweep would seize from it, so the
	// whole redemption must refuse rather than mutate a guarded market.
	if err := engine.enterMarket("m1"); err != nil {
		t.Fatalf("enter market: %v", err)
	}
	if _, err := engine.RedeemFaceValue(makeAddress(0x99), req); !errors.Is(err, errReentrancy) {
		t.Fatalf("expected re-entrancy error, got %v", err)
	}

	// Nothing moved while the guard was held.
	position, _ := store.GetPosition("m1", p2)
	if position.SupplyShares.Cmp(unit(100)) != 0 {
		t.Fatalf("collateral moved under a held guard: %s", position.SupplyShares)
	}
	market, _ := store.GetMarket("su1")
	if market.TotalBorrows.Cmp(unit(100)) != 0 {
		t.Fatalf("borrows moved under a held guard: %s", market.TotalBorrows)
	}
	if state, _ := store.GetRedemptionState("su1"); state != nil {
		t.Fatalf("fee state written under a held guard: %+v", state)
	}

	engine.exitMarket("m1")
	if _, err := engine.RedeemFaceValue(makeAddress(0x99), req); err != nil {
		t.Fatalf("redeem after release: %v", err)
	}
}

func TestRedeemFaceValueRequiresTreasury(t *testing.T) {
	engine, store, key, p1, p2 := redemptionFixture(t)
	engine.SetTreasury(crypto.Address{})
	providers := []crypto.Address{p1, p2}

	_, err := engine.RedeemFaceValue(makeAddress(0x99), RedemptionRequest{
		MarketID:  "su1",
		Amount:    unit(10),
		Providers: providers,
		Deadline:  1000,
		Signature: signRedemption(t, key, 1000, providers),
	})
	if !errors.Is(err, errTreasuryUnset) {
		t.Fatalf("expected treasury error, got %v", err)
	}
	if debt, _ := engine.BorrowBalance("su1", p2); debt.Cmp(unit(40)) != 0 {
		t.Fatalf("debt moved without a treasury: %s", debt)
	}
	if state, _ := store.GetRedemptionState("su1"); state != nil {
		t.Fatalf("fee state written without a treasury: %+v", state)
	}
}

func TestRedeemFaceValueSharesWindowAcrossEntries(t *testing.T) {
	engine, store, oracle := newTestEngine(t)
	putMarket(t, store, &Market{ID: "su1", GroupID: "g1", Class: ClassSynthetic, TotalBorrows: unit(10_000)})
	putMarket(t, store, &Market{ID: "m1", GroupID: "g1", Class: ClassPlain, CashWei: unit(100), TotalSupply: unit(100)})
	oracle.SetPrice("su1", unit(1))
	oracle.SetPrice("m1", unit(1))

	p1 := makeAddress(0x11)
	p2 := makeAddress(0x12)
	putDebt(t, store, "su1", p1, unit(30))
	putDebt(t, store, "su1", p2, unit(30))
	putShares(t, store, "m1", p1, unit(50))
	putShares(t, store, "m1", p2, unit(50))

	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	engine.SetRedemptionSigner(key.PubKey().Address())
	engine.SetTreasury(makeAddress(0xee))
	engine.SetChainTag(testChainTag)

	// Each provider's payout is 30.0576 underlying (seize 30.3 at rate 0.008);
	// either fits the 40 cap alone, but the pair jointly exceeds it, so the
	// second must defer rather than slip past the window.
	limiter := NewWindowLimiter([]PayoutPolicy{{Market: "m1", WindowCap: unit(40)}}, 3600, func() uint64 { return 0 })
	engine.SetLimiter(limiter)

	providers := []crypto.Address{p1, p2}
	if _, err := engine.RedeemFaceValue(makeAddress(0x99), RedemptionRequest{
		MarketID:  "su1",
		Amount:    unit(60),
		Providers: providers,
		Deadline:  1000,
		Signature: signRedemption(t, key, 1000, providers),
	}); err != nil {
		t.Fatalf("redeem face value: %v", err)
	}

	agreements := limiter.DeferredAgreements()
	if len(agreements) != 1 {
		t.Fatalf("expected 1 deferred agreement, got %d", len(agreements))
	}
	if want := rate("30057600000000000000"); agreements[0].Amount.Cmp(want) != 0 {
		t.Fatalf("unexpected deferred amount: got %s want %s", agreements[0].Amount, want)
	}
	market, _ := store.GetMarket("m1")
	if want := rate("30057600000000000000"); market.HoldingWei.Cmp(want) != 0 {
		t.Fatalf("unexpected holding balance: %s", market.HoldingWei)
	}
	if want := rate("39884800000000000000"); market.CashWei.Cmp(want) != 0 {
		t.Fatalf("unexpected cash: %s", market.CashWei)
	}
}

func TestRedeemFaceValueDebounceAndDecayClock(t *testing.T) {
	engine, store, key, p1, p2 := redemptionFixture(t)
	providers := []crypto.Address{p1, p2}
	redeemer := makeAddress(0x99)
	engine.SetInterestModel(fixedRateModel{rate: big.NewInt(0)})

	accrueAll := func(t *testing.T) {
		t.Helper()
		for _, id := range []string{"su1", "m1", "m2"} {
			if err := engine.AccrueInterest(id); err != nil {
				t.Fatalf("accrue %s: %v", id, err)
			}
		}
	}

	engine.SetBlockTime(100)
	accrueAll(t)
	sig := signRedemption(t, key, 10_000, providers)
	if _, err := engine.RedeemFaceValue(redeemer, RedemptionRequest{
		MarketID: "su1", Amount: unit(10), Providers: providers, Deadline: 10_000, Signature: sig,
	}); err != nil {
		t.Fatalf("first redemption: %v", err)
	}
	state, _ := store.GetRedemptionState("su1")
	if state.LastFeeOp != 100 {
		t.Fatalf("expected decay clock at 100, got %d", state.LastFeeOp)
	}

	// 30s later: the fee accrues but the decay clock holds.
	engine.SetBlockTime(130)
	accrueAll(t)
	if _, err := engine.RedeemFaceValue(redeemer, RedemptionRequest{
		MarketID: "su1", Amount: unit(10), Providers: providers, Deadline: 10_000, Signature: sig,
	}); err != nil {
		t.Fatalf("second redemption: %v", err)
	}
	state, _ = store.GetRedemptionState("su1")
	if state.LastFeeOp != 100 {
		t.Fatalf("debounce failed: decay clock moved to %d", state.LastFeeOp)
	}

	// Past the debounce window the clock advances.
	engine.SetBlockTime(200)
	accrueAll(t)
	if _, err := engine.RedeemFaceValue(redeemer, RedemptionRequest{
		MarketID: "su1", Amount: unit(10), Providers: providers, Deadline: 10_000, Signature: sig,
	}); err != nil {
		t.Fatalf("third redemption: %v", err)
	}
	state, _ = store.GetRedemptionState("su1")
	if state.LastFeeOp != 200 {
		t.Fatalf("expected decay clock at 200, got %d", state.LastFeeOp)
	}
}
