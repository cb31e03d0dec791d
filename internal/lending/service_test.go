package lending_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/lending"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/transfer"
)

var (
	admin      = model.Pubkey{0xAD}
	alice      = model.Pubkey{0xA1}
	bob        = model.Pubkey{0xB0}
	liquidator = model.Pubkey{0x77}

	usdcMint = model.Pubkey{0x01}
	solMint  = model.Pubkey{0x02}
)

const (
	usdcBank = 1
	solBank  = 2
)

func usdc(n uint64) uint64 { return n * 1_000_000 }
func sol(n uint64) uint64  { return n * 1_000_000_000 }

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T) (*lending.Service, *store.MemoryStore, chi.Router) {
	t.Helper()
	ms := store.NewMemoryStore()
	svc := lending.NewService(ms, nil)

	r := chi.NewRouter()
	r.Route("/api/v1", svc.Routes)
	return svc, ms, r
}

func do(t *testing.T, router chi.Router, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func expect(t *testing.T, w *httptest.ResponseRecorder, status int) {
	t.Helper()
	if w.Code != status {
		t.Fatalf("expected %d, got %d: %s", status, w.Code, w.Body.String())
	}
}

func fund(t *testing.T, router chi.Router, key, program string, mint model.Pubkey, decimals uint8, owner model.Pubkey, amount uint64) {
	t.Helper()
	expect(t, do(t, router, "POST", "/api/v1/token-accounts", lending.TokenAccountRequest{
		Key: key, Program: program, Mint: mint, Decimals: decimals, Authority: owner, Amount: amount,
	}), http.StatusOK)
}

func setPrice(t *testing.T, router chi.Router, bankID int, usd string) {
	t.Helper()
	expect(t, do(t, router, "PUT", fmt.Sprintf("/api/v1/pools/0/banks/%d/price", bankID), map[string]any{
		"signer": admin, "usd": usd,
	}), http.StatusOK)
}

// seedProtocol creates the admin, pool 0, an active USDC bank ($1, 6
// decimals, token program) and an active SOL bank ($20, 9 decimals,
// token-2022), plus users alice (id 0) and bob (id 1). Bob supplies
// 300 USDC and 10 SOL of liquidity.
func seedProtocol(t *testing.T, router chi.Router) {
	t.Helper()
	expect(t, do(t, router, "POST", "/api/v1/admin", map[string]any{"authority": admin}), http.StatusCreated)
	expect(t, do(t, router, "POST", "/api/v1/pools", map[string]any{"signer": admin}), http.StatusCreated)

	fund(t, router, "alice-usdc", account.TokenProgramID, usdcMint, 6, alice, usdc(1_000))
	fund(t, router, "alice-sol", account.Token2022ProgramID, solMint, 9, alice, 0)
	fund(t, router, "bob-usdc", account.TokenProgramID, usdcMint, 6, bob, usdc(1_000))
	fund(t, router, "bob-sol", account.Token2022ProgramID, solMint, 9, bob, sol(100))

	for i, mint := range []model.Pubkey{usdcMint, solMint} {
		w := do(t, router, "POST", "/api/v1/pools/0/banks", map[string]any{
			"signer":                       admin,
			"mint":                         mint,
			"initial_asset_weight":         80,
			"maintenance_asset_weight":     90,
			"initial_liability_weight":     120,
			"maintenance_liability_weight": 110,
		})
		expect(t, w, http.StatusCreated)
		var bk model.Bank
		json.Unmarshal(w.Body.Bytes(), &bk)
		if int(bk.ID) != i+1 {
			t.Fatalf("expected bank id %d, got %d", i+1, bk.ID)
		}
		if bk.Status != model.BankInactive {
			t.Fatalf("new bank should be inactive, got %s", bk.Status)
		}

		expect(t, do(t, router, "PUT", fmt.Sprintf("/api/v1/pools/0/banks/%d/status", bk.ID), map[string]any{
			"signer": admin, "status": "active",
		}), http.StatusOK)
	}
	setPrice(t, router, usdcBank, "1")
	setPrice(t, router, solBank, "20")

	for id, who := range []model.Pubkey{alice, bob} {
		expect(t, do(t, router, "POST", "/api/v1/users", lending.UserRef{PoolID: 0, UserID: uint16(id), Authority: who}), http.StatusCreated)
	}

	deposit(t, router, bobRef(), usdcBank, "bob-usdc", usdc(300), http.StatusOK)
	deposit(t, router, bobRef(), solBank, "bob-sol", sol(10), http.StatusOK)
}

func aliceRef() lending.UserRef { return lending.UserRef{PoolID: 0, UserID: 0, Authority: alice} }
func bobRef() lending.UserRef   { return lending.UserRef{PoolID: 0, UserID: 1, Authority: bob} }

func deposit(t *testing.T, router chi.Router, user lending.UserRef, bankID uint8, acct string, amount uint64, status int) *httptest.ResponseRecorder {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/deposit", lending.BalanceRequest{User: user, BankID: bankID, Amount: amount, TokenAccount: acct})
	expect(t, w, status)
	return w
}

func withdraw(t *testing.T, router chi.Router, user lending.UserRef, bankID uint8, acct string, amount uint64, status int) *httptest.ResponseRecorder {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/withdraw", lending.BalanceRequest{User: user, BankID: bankID, Amount: amount, TokenAccount: acct})
	expect(t, w, status)
	return w
}

func position(t *testing.T, router chi.Router, ref lending.UserRef) lending.PositionView {
	t.Helper()
	w := do(t, router, "GET", fmt.Sprintf("/api/v1/pools/%d/users/%s/%d", ref.PoolID, ref.Authority, ref.UserID), nil)
	expect(t, w, http.StatusOK)
	var pv lending.PositionView
	if err := json.Unmarshal(w.Body.Bytes(), &pv); err != nil {
		t.Fatalf("decode position: %v", err)
	}
	return pv
}

func tokenBalance(t *testing.T, ms *store.MemoryStore, key string) uint64 {
	t.Helper()
	ta, err := transfer.Balance(context.Background(), ms, key)
	if err != nil {
		t.Fatalf("balance %s: %v", key, err)
	}
	return ta.Amount
}

// --- Admin tests ---

func TestAdmin_OnlyAuthorityMayAct(t *testing.T) {
	_, _, router := newTestEnv(t)
	expect(t, do(t, router, "POST", "/api/v1/admin", map[string]any{"authority": admin}), http.StatusCreated)
	expect(t, do(t, router, "POST", "/api/v1/admin", map[string]any{"authority": alice}), http.StatusConflict)

	expect(t, do(t, router, "POST", "/api/v1/pools", map[string]any{"signer": alice}), http.StatusForbidden)

	expect(t, do(t, router, "POST", "/api/v1/admin/authority", map[string]any{
		"signer": admin, "new_authority": alice,
	}), http.StatusOK)
	expect(t, do(t, router, "POST", "/api/v1/pools", map[string]any{"signer": admin}), http.StatusForbidden)

	w := do(t, router, "POST", "/api/v1/pools", map[string]any{"signer": alice})
	expect(t, w, http.StatusCreated)
	var resp map[string]uint8
	json.Unmarshal(w.Body.Bytes(), &resp)
	if resp["pool_id"] != 0 {
		t.Errorf("expected first pool id 0, got %d", resp["pool_id"])
	}
}

func TestInitializeBank_Validation(t *testing.T) {
	_, _, router := newTestEnv(t)
	expect(t, do(t, router, "POST", "/api/v1/admin", map[string]any{"authority": admin}), http.StatusCreated)

	params := map[string]any{
		"signer":                       admin,
		"mint":                         usdcMint,
		"initial_asset_weight":         80,
		"maintenance_asset_weight":     90,
		"initial_liability_weight":     120,
		"maintenance_liability_weight": 110,
	}

	// No pool yet.
	expect(t, do(t, router, "POST", "/api/v1/pools/0/banks", params), http.StatusNotFound)

	expect(t, do(t, router, "POST", "/api/v1/pools", map[string]any{"signer": admin}), http.StatusCreated)
	// Mint does not exist.
	expect(t, do(t, router, "POST", "/api/v1/pools/0/banks", params), http.StatusNotFound)

	fund(t, router, "x", account.TokenProgramID, usdcMint, 6, alice, 0)
	params["initial_asset_weight"] = 95
	expect(t, do(t, router, "POST", "/api/v1/pools/0/banks", params), http.StatusBadRequest)

	params["initial_asset_weight"] = 80
	expect(t, do(t, router, "POST", "/api/v1/pools/0/banks", params), http.StatusCreated)
	expect(t, do(t, router, "PUT", "/api/v1/pools/0/banks/1/status", map[string]any{
		"signer": admin, "status": "frozen",
	}), http.StatusBadRequest)
}

func TestListBanks(t *testing.T) {
	_, _, router := newTestEnv(t)
	seedProtocol(t, router)

	w := do(t, router, "GET", "/api/v1/pools/0/banks", nil)
	expect(t, w, http.StatusOK)

	var banks []lending.BankView
	json.Unmarshal(w.Body.Bytes(), &banks)
	if len(banks) != 2 {
		t.Fatalf("expected 2 banks, got %d", len(banks))
	}
	if banks[1].TokenDecimals != 9 {
		t.Errorf("SOL bank should take decimals from its mint, got %d", banks[1].TokenDecimals)
	}
	if !banks[1].PriceUSD.Equal(d("20")) {
		t.Errorf("expected SOL price 20, got %s", banks[1].PriceUSD)
	}
	if banks[0].StatusName != "active" {
		t.Errorf("expected active, got %s", banks[0].StatusName)
	}
}

// --- Balance tests ---

func TestDepositWithdraw(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)

	w := deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(100), http.StatusOK)
	var res lending.BalanceResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.Change.Created || res.Change.NewAmount != usdc(100) {
		t.Errorf("unexpected change: %+v", res.Change)
	}

	pv := position(t, router, aliceRef())
	if !pv.Equity.Collateral.Equal(d("100")) {
		t.Errorf("expected $100 collateral, got %s", pv.Equity.Collateral)
	}
	if !pv.Maintenance.Collateral.Equal(d("90")) {
		t.Errorf("expected $90 maintenance collateral, got %s", pv.Maintenance.Collateral)
	}
	if pv.NetValue == nil || !pv.NetValue.Equal(d("100")) {
		t.Errorf("expected $100 net value, got %v", pv.NetValue)
	}

	withdraw(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(40), http.StatusOK)
	if got := tokenBalance(t, ms, "alice-usdc"); got != usdc(940) {
		t.Errorf("expected 940 USDC in wallet, got %d", got)
	}
	if got := tokenBalance(t, ms, account.CustodyKey(0, usdcBank)); got != usdc(360) {
		t.Errorf("expected 360 USDC in custody, got %d", got)
	}
	pv = position(t, router, aliceRef())
	if len(pv.Slots) != 1 || pv.Slots[0].Amount != usdc(60) || pv.Slots[0].Kind != "collateral" {
		t.Errorf("unexpected slots: %+v", pv.Slots)
	}
}

func TestDeposit_Rejections(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)

	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", 0, http.StatusBadRequest)
	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(5_000), http.StatusConflict)
	deposit(t, router, aliceRef(), usdcBank, "bob-usdc", usdc(1), http.StatusForbidden)
	deposit(t, router, aliceRef(), usdcBank, "alice-sol", usdc(1), http.StatusBadRequest)
	deposit(t, router, aliceRef(), 9, "alice-usdc", usdc(1), http.StatusNotFound)

	expect(t, do(t, router, "PUT", "/api/v1/pools/0/banks/1/status", map[string]any{
		"signer": admin, "status": "reduce_only",
	}), http.StatusOK)
	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(1), http.StatusConflict)

	if got := tokenBalance(t, ms, "alice-usdc"); got != usdc(1_000) {
		t.Errorf("rejected deposits must not move tokens, wallet holds %d", got)
	}
}

func TestWithdraw_BorrowLimit(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)
	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(100), http.StatusOK)

	// $96 of initial-weighted debt against $80 of initial-weighted collateral.
	withdraw(t, router, aliceRef(), solBank, "alice-sol", sol(4), http.StatusConflict)
	if got := tokenBalance(t, ms, "alice-sol"); got != 0 {
		t.Errorf("rejected borrow must not move tokens, got %d", got)
	}

	// $72 against $80.
	w := withdraw(t, router, aliceRef(), solBank, "alice-sol", sol(3), http.StatusOK)
	var res lending.BalanceResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Change.NewKind != ledger.Liability {
		t.Errorf("borrow should open a liability, got %s", res.Change.NewKind)
	}
	if got := tokenBalance(t, ms, "alice-sol"); got != sol(3) {
		t.Errorf("expected 3 SOL borrowed, got %d", got)
	}

	pv := position(t, router, aliceRef())
	if !pv.Initial.Liability.Equal(d("72")) {
		t.Errorf("expected $72 initial liability, got %s", pv.Initial.Liability)
	}
	if pv.Liquidatable {
		t.Error("position should not be liquidatable")
	}
}

// --- Liquidation tests ---

// borrowAndCrash leaves alice with 100 USDC collateral and 3 SOL debt, then
// doubles the SOL price: $90 maintenance collateral against $132.
func borrowAndCrash(t *testing.T, router chi.Router) {
	t.Helper()
	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(100), http.StatusOK)
	withdraw(t, router, aliceRef(), solBank, "alice-sol", sol(3), http.StatusOK)
	fund(t, router, "liq-sol", account.Token2022ProgramID, solMint, 9, liquidator, sol(10))
	fund(t, router, "liq-usdc", account.TokenProgramID, usdcMint, 6, liquidator, 0)
	setPrice(t, router, solBank, "40")
}

func liquidate(t *testing.T, router chi.Router, repay uint64, status int) *httptest.ResponseRecorder {
	t.Helper()
	w := do(t, router, "POST", "/api/v1/liquidate", lending.LiquidateRequest{
		Liquidator:                  liquidator,
		User:                        aliceRef(),
		CollateralBankID:            usdcBank,
		LiabilityBankID:             solBank,
		RepayAmount:                 repay,
		LiquidatorCollateralAccount: "liq-usdc",
		LiquidatorLiabilityAccount:  "liq-sol",
	})
	expect(t, w, status)
	return w
}

func TestLiquidate_HealthyPosition(t *testing.T) {
	_, _, router := newTestEnv(t)
	seedProtocol(t, router)
	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(100), http.StatusOK)
	withdraw(t, router, aliceRef(), solBank, "alice-sol", sol(3), http.StatusOK)
	fund(t, router, "liq-sol", account.Token2022ProgramID, solMint, 9, liquidator, sol(10))
	fund(t, router, "liq-usdc", account.TokenProgramID, usdcMint, 6, liquidator, 0)

	liquidate(t, router, sol(1), http.StatusConflict)
}

func TestLiquidate_BackstopRollsBackTransfers(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)
	borrowAndCrash(t, router)

	if !position(t, router, aliceRef()).Liquidatable {
		t.Fatal("position should be liquidatable")
	}

	// Repaying exactly the debt seizes all of alice's collateral and more,
	// leaving less maintenance collateral than before.
	liquidate(t, router, sol(3), http.StatusConflict)

	if got := tokenBalance(t, ms, "liq-sol"); got != sol(10) {
		t.Errorf("failed liquidation must not move tokens, liquidator holds %d", got)
	}
	if got := tokenBalance(t, ms, "liq-usdc"); got != 0 {
		t.Errorf("failed liquidation must not move tokens, liquidator received %d", got)
	}
}

func TestLiquidate_Success(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)
	borrowAndCrash(t, router)

	// Repaying 6 SOL ($240) settles the 3 SOL debt and leaves 3 SOL of
	// collateral worth $108 at maintenance, above the $90 before.
	w := liquidate(t, router, sol(6), http.StatusOK)
	var res lending.LiquidationView
	json.Unmarshal(w.Body.Bytes(), &res)

	if !res.RepayValue.Equal(d("240")) {
		t.Errorf("expected $240 repay value, got %s", res.RepayValue)
	}
	if !res.SeizeValue.Equal(d("252.631578")) {
		t.Errorf("expected $252.631578 seize value, got %s", res.SeizeValue)
	}
	if res.SeizeAmount != 252_631578 {
		t.Errorf("expected 252.631578 USDC seized, got %d", res.SeizeAmount)
	}
	if !res.Before.Collateral.Equal(d("90")) || !res.After.Collateral.Equal(d("108")) {
		t.Errorf("unexpected maintenance collateral %s -> %s", res.Before.Collateral, res.After.Collateral)
	}

	if got := tokenBalance(t, ms, "liq-usdc"); got != 252_631578 {
		t.Errorf("liquidator should receive the seized USDC, got %d", got)
	}
	if got := tokenBalance(t, ms, "liq-sol"); got != sol(4) {
		t.Errorf("liquidator should have paid 6 SOL, holds %d", got)
	}

	pv := position(t, router, aliceRef())
	kinds := map[uint8]string{}
	for _, s := range pv.Slots {
		kinds[s.BankID] = s.Kind
	}
	if kinds[solBank] != "collateral" || kinds[usdcBank] != "liability" {
		t.Errorf("expected SOL collateral and USDC liability, got %v", kinds)
	}
}

func TestWithdraw_DestinationMustBelongToUser(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)
	deposit(t, router, aliceRef(), usdcBank, "alice-usdc", usdc(100), http.StatusOK)

	withdraw(t, router, aliceRef(), usdcBank, "bob-usdc", usdc(10), http.StatusForbidden)
	if got := tokenBalance(t, ms, "bob-usdc"); got != usdc(700) {
		t.Errorf("rejected withdrawal must not move tokens, bob holds %d", got)
	}
	if pv := position(t, router, aliceRef()); pv.Slots[0].Amount != usdc(100) {
		t.Errorf("rejected withdrawal must not change the ledger, got %d", pv.Slots[0].Amount)
	}
}

func TestLiquidate_CollateralAccountMustBelongToLiquidator(t *testing.T) {
	_, ms, router := newTestEnv(t)
	seedProtocol(t, router)
	borrowAndCrash(t, router)

	w := do(t, router, "POST", "/api/v1/liquidate", lending.LiquidateRequest{
		Liquidator:                  liquidator,
		User:                        aliceRef(),
		CollateralBankID:            usdcBank,
		LiabilityBankID:             solBank,
		RepayAmount:                 sol(6),
		LiquidatorCollateralAccount: "bob-usdc",
		LiquidatorLiabilityAccount:  "liq-sol",
	})
	expect(t, w, http.StatusForbidden)
	if got := tokenBalance(t, ms, "liq-sol"); got != sol(10) {
		t.Errorf("rejected liquidation must not move tokens, liquidator holds %d", got)
	}
}

func TestLiquidate_ZeroRepay(t *testing.T) {
	_, _, router := newTestEnv(t)
	seedProtocol(t, router)
	liquidate(t, router, 0, http.StatusBadRequest)
}
