// Package bank resolves the banks referenced by a position and aggregates
// the position's collateral and liability values under a chosen risk-weight
// regime.
//
// A View is built per call from a caller-supplied candidate list and is
// never persisted.
package bank

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/valuation"
)

var (
	// ErrMissingRequiredBanks is returned when a required bank id is absent
	// from the resolved candidates.
	ErrMissingRequiredBanks = errors.New("bank: missing required banks")

	// ErrBankNotFound is returned when a ledger slot references a bank that
	// is not in the view.
	ErrBankNotFound = errors.New("bank: bank not found for token balance")

	ErrCollateralOverflow = errors.New("bank: math overflow in collateral calculation")
	ErrLiabilityOverflow  = errors.New("bank: math overflow in liability calculation")
	ErrNetValueOverflow   = errors.New("bank: math overflow in final net value calculation")
	ErrWeightOverflow     = errors.New("bank: math overflow in weight calculation")
)

// Weight selects which risk weight, if any, is applied during aggregation.
type Weight uint8

const (
	// WeightNone values positions at raw (equity) value.
	WeightNone Weight = iota
	// WeightInitial applies the stricter initial weights used for
	// borrowing-power and net-value checks.
	WeightInitial
	// WeightMaintenance applies the maintenance weights that define the
	// liquidation threshold.
	WeightMaintenance
)

func (w Weight) String() string {
	switch w {
	case WeightNone:
		return "none"
	case WeightInitial:
		return "initial"
	case WeightMaintenance:
		return "maintenance"
	default:
		return fmt.Sprintf("weight(%d)", uint8(w))
	}
}

// View is the set of banks resolved for one call, indexed by bank id.
type View struct {
	banks []*model.Bank
	byID  map[uint8]*model.Bank
}

// Resolve filters candidates down to well-formed bank records owned by the
// lending program, deduplicating by bank id (first occurrence wins). Every
// id in required must be present afterwards. Unrelated candidates are
// skipped silently.
func Resolve(required []uint8, candidates []account.Record) (*View, error) {
	v := NewView()
	for _, rec := range candidates {
		if !account.IsBank(rec) {
			continue
		}
		bk, err := account.DecodeBank(rec.Data)
		if err != nil {
			continue
		}
		v.add(bk)
	}

	var missing []uint8
	for _, id := range required {
		if _, ok := v.byID[id]; !ok {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrMissingRequiredBanks, missing)
	}
	return v, nil
}

// NewView returns a view over the given banks with the same first-wins
// deduplication as Resolve.
func NewView(banks ...*model.Bank) *View {
	v := &View{byID: make(map[uint8]*model.Bank)}
	for _, bk := range banks {
		v.add(bk)
	}
	return v
}

func (v *View) add(bk *model.Bank) {
	if _, dup := v.byID[bk.ID]; dup {
		return
	}
	v.byID[bk.ID] = bk
	v.banks = append(v.banks, bk)
}

// Bank returns the bank with id, if resolved.
func (v *View) Bank(id uint8) (*model.Bank, bool) {
	bk, ok := v.byID[id]
	return bk, ok
}

// Banks returns the resolved banks in resolution order.
func (v *View) Banks() []*model.Bank {
	return v.banks
}

// Len returns the number of resolved banks.
func (v *View) Len() int { return len(v.banks) }

func weightOf(bk *model.Bank, kind ledger.Kind, w Weight) (uint8, bool) {
	switch w {
	case WeightInitial:
		if kind == ledger.Collateral {
			return bk.InitialAssetWeight, true
		}
		return bk.InitialLiabilityWeight, true
	case WeightMaintenance:
		if kind == ledger.Collateral {
			return bk.MaintenanceAssetWeight, true
		}
		return bk.MaintenanceLiabilityWeight, true
	default:
		return 0, false
	}
}

var hundred = uint256.NewInt(100)

// Aggregate sums the common-unit value of every slot of the given kind with
// a non-zero bank id and amount, optionally scaled by the per-bank weight
// percentage (value * weight / 100, truncating). The result fits 128 bits.
func (v *View) Aggregate(l *ledger.Ledger, kind ledger.Kind, w Weight) (*uint256.Int, error) {
	sumErr := ErrCollateralOverflow
	if kind == ledger.Liability {
		sumErr = ErrLiabilityOverflow
	}

	total := new(uint256.Int)
	for _, s := range l.Slots {
		if s.Kind != kind || s.Amount == 0 || s.BankID == 0 {
			continue
		}
		bk, ok := v.byID[s.BankID]
		if !ok {
			return nil, fmt.Errorf("%w: bank %d", ErrBankNotFound, s.BankID)
		}

		value, err := valuation.ValueOf(s.Amount, bk.TokenDecimals, &bk.Price)
		if err != nil {
			return nil, fmt.Errorf("value bank %d: %w", s.BankID, err)
		}

		weighted := uint256.NewInt(value)
		if pct, ok := weightOf(bk, kind, w); ok {
			scaled, ok := valuation.MulChecked128(weighted, uint256.NewInt(uint64(pct)))
			if !ok {
				return nil, ErrWeightOverflow
			}
			weighted = scaled.Div(scaled, hundred)
		}

		if total, ok = valuation.AddChecked128(total, weighted); !ok {
			return nil, sumErr
		}
	}
	return total, nil
}

// Totals is a pair of aggregated collateral and liability values.
type Totals struct {
	Collateral *uint256.Int
	Liability  *uint256.Int
}

// Healthy reports whether collateral covers liability.
func (t Totals) Healthy() bool {
	return !t.Liability.Gt(t.Collateral)
}

func (v *View) totals(l *ledger.Ledger, w Weight) (Totals, error) {
	c, err := v.Aggregate(l, ledger.Collateral, w)
	if err != nil {
		return Totals{}, err
	}
	li, err := v.Aggregate(l, ledger.Liability, w)
	if err != nil {
		return Totals{}, err
	}
	return Totals{Collateral: c, Liability: li}, nil
}

// NetValue returns unweighted collateral minus liability. Net value is never
// negative: a position whose liability exceeds its collateral fails with
// ErrNetValueOverflow.
func (v *View) NetValue(l *ledger.Ledger) (*uint256.Int, error) {
	t, err := v.totals(l, WeightNone)
	if err != nil {
		return nil, err
	}
	if t.Collateral.Lt(t.Liability) {
		return nil, ErrNetValueOverflow
	}
	return new(uint256.Int).Sub(t.Collateral, t.Liability), nil
}

// EquityValues returns unweighted collateral and liability totals.
func (v *View) EquityValues(l *ledger.Ledger) (Totals, error) {
	return v.totals(l, WeightNone)
}

// WeightedValues returns initial-weighted collateral and liability totals.
func (v *View) WeightedValues(l *ledger.Ledger) (Totals, error) {
	return v.totals(l, WeightInitial)
}

// MaintenanceValues returns maintenance-weighted collateral and liability
// totals.
func (v *View) MaintenanceValues(l *ledger.Ledger) (Totals, error) {
	return v.totals(l, WeightMaintenance)
}
