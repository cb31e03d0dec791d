// Package liquidation repays part of an under-collateralized position's
// debt on behalf of a liquidator and seizes discounted collateral in return.
package liquidation

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/transfer"
	"github.com/atmx/lending-engine/internal/valuation"
)

// Discount is the percentage of fair value a liquidator pays for seized
// collateral.
const Discount = 95

var (
	// ErrPositionHealthy is returned when maintenance-weighted collateral
	// still covers liability.
	ErrPositionHealthy = errors.New("liquidation: position is healthy")

	// ErrInsufficientCollateral is returned when the liquidation leaves less
	// maintenance-weighted collateral than the position had before.
	ErrInsufficientCollateral = errors.New("liquidation: insufficient collateral after liquidation")

	ErrMathOverflow = fmt.Errorf("liquidation: %w", valuation.ErrMathOverflow)

	ErrBankInactive                  = errors.New("liquidation: bank is not active")
	ErrBankNotAvailableForWithdrawal = errors.New("liquidation: bank is not available for withdrawal")
	ErrNoLiability                   = errors.New("liquidation: position has no liability")
)

// Transferer moves tokens for the liquidation. *transfer.Interface
// satisfies it.
type Transferer interface {
	Transfer(ctx context.Context, src, dst string, authority model.Pubkey, amount uint64) (transfer.Receipt, error)
	TransferWithSigner(ctx context.Context, src, dst, signerKey string, amount uint64) (transfer.Receipt, error)
}

// Request describes one liquidation.
type Request struct {
	Liquidator model.Pubkey

	// LiquidatorLiabilityAccount pays the repayment; it must hold the
	// liability bank's token. LiquidatorCollateralAccount receives the
	// seized collateral.
	LiquidatorLiabilityAccount  string
	LiquidatorCollateralAccount string

	CollateralBankID uint8
	LiabilityBankID  uint8
	RepayAmount      uint64
}

// Result reports what a successful liquidation did.
type Result struct {
	RepayValue  uint64
	SeizeValue  uint64
	SeizeAmount uint64

	Before bank.Totals
	After  bank.Totals

	// Changes holds the ledger transitions: the liability bank deposit
	// first, then the collateral bank withdrawal.
	Changes []ledger.Change
}

// Engine executes liquidations against a user's position.
type Engine struct {
	transfers Transferer
}

// New returns an Engine that moves tokens through t.
func New(t Transferer) *Engine {
	return &Engine{transfers: t}
}

// Liquidate checks that user is under-collateralized, moves the repayment
// and the seized collateral, and applies both to the user's ledger. The
// ledger is only modified when the call succeeds; the caller must still
// discard any token movements on error.
func (e *Engine) Liquidate(ctx context.Context, user *model.User, candidates []account.Record, req Request) (*Result, error) {
	l := user.Ledger
	if !l.HasLiability() {
		return nil, ErrNoLiability
	}

	required := l.BankIDs()
	for _, id := range []uint8{req.CollateralBankID, req.LiabilityBankID} {
		if !slices.Contains(required, id) {
			required = append(required, id)
		}
	}
	view, err := bank.Resolve(required, candidates)
	if err != nil {
		return nil, err
	}
	colBank, _ := view.Bank(req.CollateralBankID)
	liaBank, _ := view.Bank(req.LiabilityBankID)

	if colBank.Status != model.BankActive {
		return nil, fmt.Errorf("%w: collateral bank %d is %s", ErrBankInactive, colBank.ID, colBank.Status)
	}
	if liaBank.Status != model.BankActive && liaBank.Status != model.BankReduceOnly {
		return nil, fmt.Errorf("%w: liability bank %d is %s", ErrBankNotAvailableForWithdrawal, liaBank.ID, liaBank.Status)
	}

	before, err := view.MaintenanceValues(&l)
	if err != nil {
		return nil, err
	}
	if before.Healthy() {
		return nil, ErrPositionHealthy
	}

	repayValue, err := valuation.ValueOf(req.RepayAmount, liaBank.TokenDecimals, &liaBank.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: repay value", ErrMathOverflow)
	}
	seizeValue, err := SeizeValue(repayValue)
	if err != nil {
		return nil, err
	}
	seizeAmount, err := valuation.AmountFor(seizeValue, colBank.TokenDecimals, &colBank.Price)
	if err != nil {
		return nil, fmt.Errorf("%w: seize amount", ErrMathOverflow)
	}
	if seizeAmount == 0 {
		return nil, fmt.Errorf("%w: seize amount rounds to zero", ErrMathOverflow)
	}

	// Repay first, then release the collateral from the bank's custody.
	if _, err := e.transfers.Transfer(ctx,
		req.LiquidatorLiabilityAccount, account.CustodyKey(liaBank.PoolID, liaBank.ID),
		req.Liquidator, req.RepayAmount); err != nil {
		return nil, fmt.Errorf("repay: %w", err)
	}
	if _, err := e.transfers.TransferWithSigner(ctx,
		account.CustodyKey(colBank.PoolID, colBank.ID), req.LiquidatorCollateralAccount,
		account.BankKey(colBank.PoolID, colBank.ID), seizeAmount); err != nil {
		return nil, fmt.Errorf("seize: %w", err)
	}

	repaid, err := l.Deposit(liaBank.ID, req.RepayAmount)
	if err != nil {
		return nil, err
	}
	seized, err := l.Withdraw(colBank.ID, seizeAmount)
	if err != nil {
		return nil, err
	}

	after, err := view.MaintenanceValues(&l)
	if err != nil {
		return nil, err
	}
	if after.Collateral.Lt(before.Collateral) {
		return nil, fmt.Errorf("%w: %s < %s", ErrInsufficientCollateral, after.Collateral.Dec(), before.Collateral.Dec())
	}

	user.Ledger = l
	return &Result{
		RepayValue:  repayValue,
		SeizeValue:  seizeValue,
		SeizeAmount: seizeAmount,
		Before:      before,
		After:       after,
		Changes:     []ledger.Change{repaid, seized},
	}, nil
}

// SeizeValue returns the collateral value a repayment of repayValue buys:
// repayValue * 100 / Discount, truncated.
func SeizeValue(repayValue uint64) (uint64, error) {
	v, ok := valuation.MulChecked128(uint256.NewInt(repayValue), uint256.NewInt(100))
	if !ok {
		return 0, ErrMathOverflow
	}
	v.Div(v, uint256.NewInt(Discount))
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: seize value", ErrMathOverflow)
	}
	return v.Uint64(), nil
}
