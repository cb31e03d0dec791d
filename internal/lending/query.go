package lending

import (
	"context"
	"math/big"

	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/liquidation"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/valuation"
)

// usd renders a common-unit value as dollars.
func usd(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), -model.ValueDecimals)
}

func usdTotal(x *uint256.Int) decimal.Decimal {
	return decimal.NewFromBigInt(x.ToBig(), -model.ValueDecimals)
}

// TotalsView is a collateral/liability pair in dollars.
type TotalsView struct {
	Collateral decimal.Decimal `json:"collateral"`
	Liability  decimal.Decimal `json:"liability"`
}

func totalsView(t bank.Totals) TotalsView {
	return TotalsView{Collateral: usdTotal(t.Collateral), Liability: usdTotal(t.Liability)}
}

// SlotView is one ledger slot with its unweighted value.
type SlotView struct {
	BankID uint8           `json:"bank_id"`
	Kind   string          `json:"kind"`
	Amount uint64          `json:"amount"`
	Value  decimal.Decimal `json:"value"`
}

// PositionView is a user's position with its valuations under every
// weight regime.
type PositionView struct {
	User        UserRef          `json:"user"`
	Slots       []SlotView       `json:"slots"`
	Equity      TotalsView       `json:"equity"`
	Initial     TotalsView       `json:"initial"`
	Maintenance TotalsView       `json:"maintenance"`
	NetValue    *decimal.Decimal `json:"net_value"` // nil when liability exceeds collateral
	// Liquidatable is true when maintenance liability exceeds maintenance
	// collateral.
	Liquidatable bool `json:"liquidatable"`
}

// Position values a user's position at current bank prices.
func (s *Service) Position(ctx context.Context, ref UserRef) (*PositionView, error) {
	u, err := getUser(ctx, s.store, ref)
	if err != nil {
		return nil, err
	}
	candidates, err := s.store.List(ctx, account.BankPrefix(ref.PoolID))
	if err != nil {
		return nil, err
	}
	view, err := bank.Resolve(u.Ledger.BankIDs(), candidates)
	if err != nil {
		return nil, err
	}

	pv := &PositionView{User: ref, Slots: []SlotView{}}
	for _, sl := range u.Ledger.Slots {
		if sl.BankID == 0 || sl.Amount == 0 {
			continue
		}
		bk, _ := view.Bank(sl.BankID)
		value, err := valuation.ValueOf(sl.Amount, bk.TokenDecimals, &bk.Price)
		if err != nil {
			return nil, err
		}
		pv.Slots = append(pv.Slots, SlotView{
			BankID: sl.BankID,
			Kind:   sl.Kind.String(),
			Amount: sl.Amount,
			Value:  usd(value),
		})
	}

	equity, err := view.EquityValues(&u.Ledger)
	if err != nil {
		return nil, err
	}
	initial, err := view.WeightedValues(&u.Ledger)
	if err != nil {
		return nil, err
	}
	maint, err := view.MaintenanceValues(&u.Ledger)
	if err != nil {
		return nil, err
	}
	pv.Equity = totalsView(equity)
	pv.Initial = totalsView(initial)
	pv.Maintenance = totalsView(maint)
	pv.Liquidatable = !maint.Healthy()

	if net, err := view.NetValue(&u.Ledger); err == nil {
		d := usdTotal(net)
		pv.NetValue = &d
	}
	return pv, nil
}

// BankView is a bank with its status and price rendered for display.
type BankView struct {
	model.Bank
	StatusName string          `json:"status_name"`
	PriceUSD   decimal.Decimal `json:"price_usd"`
}

// Banks lists the banks of a pool in key order.
func (s *Service) Banks(ctx context.Context, poolID uint8) ([]BankView, error) {
	records, err := s.store.List(ctx, account.BankPrefix(poolID))
	if err != nil {
		return nil, err
	}
	banks := []BankView{}
	for _, rec := range records {
		if !account.IsBank(rec) {
			continue
		}
		bk, err := account.DecodeBank(rec.Data)
		if err != nil {
			return nil, err
		}
		banks = append(banks, BankView{Bank: *bk, StatusName: bk.Status.String(), PriceUSD: bk.Price.Decimal()})
	}
	return banks, nil
}

// LiquidationView is the response to a liquidation.
type LiquidationView struct {
	RepayValue  decimal.Decimal `json:"repay_value"`
	SeizeValue  decimal.Decimal `json:"seize_value"`
	SeizeAmount uint64          `json:"seize_amount"`
	Before      TotalsView      `json:"maintenance_before"`
	After       TotalsView      `json:"maintenance_after"`
	Changes     []ledger.Change `json:"changes"`
}

func liquidationView(r *liquidation.Result) LiquidationView {
	return LiquidationView{
		RepayValue:  usd(r.RepayValue),
		SeizeValue:  usd(r.SeizeValue),
		SeizeAmount: r.SeizeAmount,
		Before:      totalsView(r.Before),
		After:       totalsView(r.After),
		Changes:     r.Changes,
	}
}
