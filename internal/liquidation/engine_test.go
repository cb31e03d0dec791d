package liquidation

import (
	"context"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/transfer"
	"github.com/atmx/lending-engine/internal/valuation"
)

const (
	colID = 1
	liaID = 2
)

var liquidator = model.Pubkey{0x11}

type call struct {
	src, dst string
	signer   string
	amount   uint64
}

// fakeTransfers records transfers and optionally fails them.
type fakeTransfers struct {
	calls []call
	err   error
}

func (f *fakeTransfers) Transfer(_ context.Context, src, dst string, _ model.Pubkey, amount uint64) (transfer.Receipt, error) {
	if f.err != nil {
		return transfer.Receipt{}, f.err
	}
	f.calls = append(f.calls, call{src: src, dst: dst, amount: amount})
	return transfer.Receipt{Amount: amount}, nil
}

func (f *fakeTransfers) TransferWithSigner(_ context.Context, src, dst, signer string, amount uint64) (transfer.Receipt, error) {
	if f.err != nil {
		return transfer.Receipt{}, f.err
	}
	f.calls = append(f.calls, call{src: src, dst: dst, signer: signer, amount: amount})
	return transfer.Receipt{Amount: amount}, nil
}

func tokens(n uint64) uint64 { return n * 1_000_000 }

// dollarBank is a 6-decimal bank priced at $1.
func dollarBank(id, maintAsset, maintLiab uint8) *model.Bank {
	return &model.Bank{
		ID:                         id,
		Status:                     model.BankActive,
		TokenDecimals:              6,
		InitialAssetWeight:         maintAsset,
		MaintenanceAssetWeight:     maintAsset,
		InitialLiabilityWeight:     maintLiab,
		MaintenanceLiabilityWeight: maintLiab,
		Price:                      model.PriceQuote{Price: 1_00000000, Exponent: -8},
	}
}

func records(banks ...*model.Bank) []account.Record {
	var out []account.Record
	for _, bk := range banks {
		out = append(out, account.Record{
			Key:   account.BankKey(bk.PoolID, bk.ID),
			Owner: account.ProgramID,
			Data:  account.EncodeBank(bk),
		})
	}
	return out
}

// underwater returns a user with 100 collateral tokens and 60 borrowed
// liability tokens.
func underwater(t *testing.T) *model.User {
	t.Helper()
	u := &model.User{}
	_, err := u.Ledger.Deposit(colID, tokens(100))
	require.NoError(t, err)
	_, err = u.Ledger.Withdraw(liaID, tokens(60))
	require.NoError(t, err)
	return u
}

func request(repay uint64) Request {
	return Request{
		Liquidator:                  liquidator,
		LiquidatorLiabilityAccount:  "liq-lia",
		LiquidatorCollateralAccount: "liq-col",
		CollateralBankID:            colID,
		LiabilityBankID:             liaID,
		RepayAmount:                 repay,
	}
}

func TestSeizeValue_Discount(t *testing.T) {
	v, err := SeizeValue(95_000000)
	require.NoError(t, err)
	require.Equal(t, uint64(100_000000), v)

	v, err = SeizeValue(1)
	require.NoError(t, err)
	require.Equal(t, uint64(1), v, "truncates")

	_, err = SeizeValue(math.MaxUint64)
	require.ErrorIs(t, err, ErrMathOverflow)
	require.ErrorIs(t, err, valuation.ErrMathOverflow)
}

func TestLiquidate_Success(t *testing.T) {
	// Collateral counts 10% at maintenance: $10 against $60 of debt.
	banks := records(dollarBank(colID, 10, 100), dollarBank(liaID, 100, 100))
	user := underwater(t)
	ft := &fakeTransfers{}

	res, err := New(ft).Liquidate(context.Background(), user, banks, request(tokens(95)))
	require.NoError(t, err)

	require.Equal(t, uint64(95_000000), res.RepayValue)
	require.Equal(t, uint64(100_000000), res.SeizeValue)
	require.Equal(t, tokens(100), res.SeizeAmount)
	require.Equal(t, uint64(10_000000), res.Before.Collateral.Uint64())
	require.Equal(t, uint64(60_000000), res.Before.Liability.Uint64())
	require.Equal(t, uint64(35_000000), res.After.Collateral.Uint64())

	require.Equal(t, []call{
		{src: "liq-lia", dst: account.CustodyKey(0, liaID), amount: tokens(95)},
		{src: account.CustodyKey(0, colID), dst: "liq-col", signer: account.BankKey(0, colID), amount: tokens(100)},
	}, ft.calls)

	// Liability(60) + deposit 95 flips to Collateral(35).
	require.Len(t, res.Changes, 2)
	require.True(t, res.Changes[0].Flipped())
	require.Equal(t, ledger.Collateral, user.Ledger.KindOf(liaID))
	require.Equal(t, tokens(35), user.Ledger.Find(liaID))
	require.Equal(t, uint64(0), user.Ledger.Find(colID))
}

func TestLiquidate_PositionHealthy(t *testing.T) {
	// $90 maintenance collateral against $55 maintenance liability.
	banks := records(dollarBank(colID, 90, 110), dollarBank(liaID, 90, 110))
	user := &model.User{}
	_, err := user.Ledger.Deposit(colID, tokens(100))
	require.NoError(t, err)
	_, err = user.Ledger.Withdraw(liaID, tokens(50))
	require.NoError(t, err)
	before := user.Ledger
	ft := &fakeTransfers{}

	_, err = New(ft).Liquidate(context.Background(), user, banks, request(tokens(10)))
	require.ErrorIs(t, err, ErrPositionHealthy)
	require.Empty(t, ft.calls)
	require.Equal(t, before, user.Ledger)
}

func TestLiquidate_InsufficientCollateral(t *testing.T) {
	// At 50% the seized collateral is worth more maintenance value than the
	// repaid debt turns into.
	banks := records(dollarBank(colID, 50, 100), dollarBank(liaID, 100, 100))
	user := underwater(t)
	before := user.Ledger

	_, err := New(&fakeTransfers{}).Liquidate(context.Background(), user, banks, request(tokens(95)))
	require.ErrorIs(t, err, ErrInsufficientCollateral)
	require.Equal(t, before, user.Ledger)
}

func TestLiquidate_NoLiability(t *testing.T) {
	user := &model.User{}
	_, err := user.Ledger.Deposit(colID, tokens(1))
	require.NoError(t, err)

	_, err = New(&fakeTransfers{}).Liquidate(context.Background(), user, nil, request(1))
	require.ErrorIs(t, err, ErrNoLiability)
}

func TestLiquidate_MissingBank(t *testing.T) {
	user := underwater(t)
	_, err := New(&fakeTransfers{}).Liquidate(context.Background(), user,
		records(dollarBank(colID, 10, 100)), request(1))
	require.ErrorIs(t, err, bank.ErrMissingRequiredBanks)
}

func TestLiquidate_BankStatus(t *testing.T) {
	tests := []struct {
		name      string
		colStatus model.BankStatus
		liaStatus model.BankStatus
		want      error
	}{
		{"collateral reduce-only", model.BankReduceOnly, model.BankActive, ErrBankInactive},
		{"collateral inactive", model.BankInactive, model.BankActive, ErrBankInactive},
		{"liability inactive", model.BankActive, model.BankInactive, ErrBankNotAvailableForWithdrawal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := dollarBank(colID, 10, 100)
			col.Status = tt.colStatus
			lia := dollarBank(liaID, 100, 100)
			lia.Status = tt.liaStatus

			_, err := New(&fakeTransfers{}).Liquidate(context.Background(), underwater(t), records(col, lia), request(tokens(95)))
			require.ErrorIs(t, err, tt.want)
		})
	}

	// Repaying into a reduce-only liability bank is allowed.
	lia := dollarBank(liaID, 100, 100)
	lia.Status = model.BankReduceOnly
	_, err := New(&fakeTransfers{}).Liquidate(context.Background(), underwater(t),
		records(dollarBank(colID, 10, 100), lia), request(tokens(95)))
	require.NoError(t, err)
}

func TestLiquidate_TransferFailureLeavesLedger(t *testing.T) {
	banks := records(dollarBank(colID, 10, 100), dollarBank(liaID, 100, 100))
	user := underwater(t)
	before := user.Ledger
	boom := errors.New("boom")

	_, err := New(&fakeTransfers{err: boom}).Liquidate(context.Background(), user, banks, request(tokens(95)))
	require.ErrorIs(t, err, boom)
	require.Equal(t, before, user.Ledger)
}

func TestLiquidate_SeizeRoundsToZero(t *testing.T) {
	// One indivisible collateral token is worth $1000 ($100 at maintenance)
	// against $200 of debt. Repaying one native unit buys no collateral.
	col := dollarBank(colID, 10, 100)
	col.TokenDecimals = 0
	col.Price = model.PriceQuote{Price: 1000, Exponent: 0}
	user := &model.User{}
	_, err := user.Ledger.Deposit(colID, 1)
	require.NoError(t, err)
	_, err = user.Ledger.Withdraw(liaID, tokens(200))
	require.NoError(t, err)
	before := user.Ledger
	ft := &fakeTransfers{}

	_, err = New(ft).Liquidate(context.Background(), user, records(col, dollarBank(liaID, 100, 100)), request(1))
	require.ErrorIs(t, err, ErrMathOverflow)
	require.Empty(t, ft.calls)
	require.Equal(t, before, user.Ledger)
}
