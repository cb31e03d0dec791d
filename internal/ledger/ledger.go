// Package ledger implements the per-user position ledger: a fixed set of
// sixteen balance slots, one per bank, each holding an unsigned amount and a
// kind (collateral or liability).
//
// The direction of a balance is carried by its Kind, never by a signed
// magnitude, so "zero collateral" and "zero liability" stay distinct.
package ledger

import (
	"errors"
	"fmt"
	"slices"
)

// Capacity is the number of distinct banks one ledger can hold.
const Capacity = 16

var (
	// ErrBalanceUpdateOverflow is returned when a balance update would
	// overflow or underflow a uint64.
	ErrBalanceUpdateOverflow = errors.New("ledger: balance update overflow")

	// ErrMaxTokenTypes is returned when a new bank would need a slot and
	// all sixteen are in use.
	ErrMaxTokenTypes = errors.New("ledger: max token types reached, no empty slot available")

	// ErrInvalidBankID is returned for bank id 0, which marks an empty slot.
	ErrInvalidBankID = errors.New("ledger: bank id 0 is reserved")
)

// Kind is the kind of a balance slot.
type Kind uint8

const (
	Collateral Kind = 0
	Liability  Kind = 1
)

func (k Kind) String() string {
	switch k {
	case Collateral:
		return "collateral"
	case Liability:
		return "liability"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Direction is the direction of a balance update.
type Direction uint8

const (
	Deposit Direction = iota
	Withdrawal
)

func (d Direction) String() string {
	if d == Deposit {
		return "deposit"
	}
	return "withdrawal"
}

// Slot is a single balance entry. A slot with BankID 0 and Amount 0 is unused.
type Slot struct {
	BankID uint8  `json:"bank_id"`
	Kind   Kind   `json:"kind"`
	Amount uint64 `json:"amount"`
}

// Empty reports whether the slot is unused.
func (s Slot) Empty() bool {
	return s.BankID == 0 && s.Amount == 0
}

// Change describes one slot transition.
type Change struct {
	BankID     uint8     `json:"bank_id"`
	Direction  Direction `json:"-"`
	Delta      uint64    `json:"delta"`
	PrevAmount uint64    `json:"previous_balance"`
	PrevKind   Kind      `json:"previous_kind"`
	NewAmount  uint64    `json:"new_balance"`
	NewKind    Kind      `json:"new_kind"`
	Created    bool      `json:"created"`
}

// Flipped reports whether the update changed the slot's kind.
func (c Change) Flipped() bool {
	return !c.Created && c.PrevKind != c.NewKind
}

// Ledger is the fixed-capacity position ledger owned by one user.
//
// Invariants: at most one slot per non-zero bank id; unused slots are
// {0, Collateral, 0}; after an insertion, used slots are sorted by ascending
// bank id and unused slots trail.
type Ledger struct {
	Slots [Capacity]Slot `json:"slots"`
}

// index returns the position of the slot holding bankID, or -1.
func (l *Ledger) index(bankID uint8) int {
	if bankID == 0 {
		return -1
	}
	for i := range l.Slots {
		if l.Slots[i].BankID == bankID {
			return i
		}
	}
	return -1
}

// Find returns the amount held for bankID, or 0 if there is no position.
func (l *Ledger) Find(bankID uint8) uint64 {
	if i := l.index(bankID); i >= 0 {
		return l.Slots[i].Amount
	}
	return 0
}

// KindOf returns the kind of the slot for bankID, Collateral if absent.
func (l *Ledger) KindOf(bankID uint8) Kind {
	if i := l.index(bankID); i >= 0 {
		return l.Slots[i].Kind
	}
	return Collateral
}

// Slot returns the slot for bankID and whether it exists.
func (l *Ledger) Slot(bankID uint8) (Slot, bool) {
	if i := l.index(bankID); i >= 0 {
		return l.Slots[i], true
	}
	return Slot{}, false
}

// BankIDs returns the ids of every slot with a non-zero bank id and amount,
// in slot order.
func (l *Ledger) BankIDs() []uint8 {
	var ids []uint8
	for _, s := range l.Slots {
		if s.BankID != 0 && s.Amount != 0 {
			ids = append(ids, s.BankID)
		}
	}
	return ids
}

// HasLiability reports whether any slot carries a non-zero liability.
func (l *Ledger) HasLiability() bool {
	for _, s := range l.Slots {
		if s.BankID != 0 && s.Amount != 0 && s.Kind == Liability {
			return true
		}
	}
	return false
}

// Used returns the number of slots holding a bank id.
func (l *Ledger) Used() int {
	n := 0
	for _, s := range l.Slots {
		if !s.Empty() {
			n++
		}
	}
	return n
}

// Update applies delta to the slot for bankID in the given direction.
// The ledger is left untouched when an error is returned.
func (l *Ledger) Update(bankID uint8, delta uint64, dir Direction) (Change, error) {
	if bankID == 0 {
		return Change{}, ErrInvalidBankID
	}

	if i := l.index(bankID); i >= 0 {
		cur := l.Slots[i]
		next, err := transition(cur, delta, dir)
		if err != nil {
			return Change{}, fmt.Errorf("%w: bank %d", err, bankID)
		}
		l.Slots[i] = next
		return Change{
			BankID:     bankID,
			Direction:  dir,
			Delta:      delta,
			PrevAmount: cur.Amount,
			PrevKind:   cur.Kind,
			NewAmount:  next.Amount,
			NewKind:    next.Kind,
		}, nil
	}

	free := -1
	for i := range l.Slots {
		if l.Slots[i].Empty() {
			free = i
			break
		}
	}
	if free < 0 {
		return Change{}, fmt.Errorf("%w: bank %d", ErrMaxTokenTypes, bankID)
	}

	kind := Collateral
	if dir == Withdrawal {
		kind = Liability
	}
	l.Slots[free] = Slot{BankID: bankID, Kind: kind, Amount: delta}
	l.sort()

	return Change{
		BankID:    bankID,
		Direction: dir,
		Delta:     delta,
		PrevKind:  Collateral,
		NewAmount: delta,
		NewKind:   kind,
		Created:   true,
	}, nil
}

// Deposit is Update with the Deposit direction.
func (l *Ledger) Deposit(bankID uint8, amount uint64) (Change, error) {
	return l.Update(bankID, amount, Deposit)
}

// Withdraw is Update with the Withdrawal direction.
func (l *Ledger) Withdraw(bankID uint8, amount uint64) (Change, error) {
	return l.Update(bankID, amount, Withdrawal)
}

// transition computes the next state of an existing slot.
func transition(s Slot, delta uint64, dir Direction) (Slot, error) {
	switch {
	case dir == Deposit && s.Kind == Liability:
		if delta >= s.Amount {
			// Liability fully repaid; the excess becomes collateral.
			return Slot{BankID: s.BankID, Kind: Collateral, Amount: delta - s.Amount}, nil
		}
		return Slot{BankID: s.BankID, Kind: Liability, Amount: s.Amount - delta}, nil

	case dir == Deposit:
		sum, ok := checkedAdd(s.Amount, delta)
		if !ok {
			return s, ErrBalanceUpdateOverflow
		}
		return Slot{BankID: s.BankID, Kind: Collateral, Amount: sum}, nil

	case s.Kind == Collateral:
		if s.Amount >= delta {
			return Slot{BankID: s.BankID, Kind: Collateral, Amount: s.Amount - delta}, nil
		}
		return Slot{BankID: s.BankID, Kind: Liability, Amount: delta - s.Amount}, nil

	default:
		sum, ok := checkedAdd(s.Amount, delta)
		if !ok {
			return s, ErrBalanceUpdateOverflow
		}
		return Slot{BankID: s.BankID, Kind: Liability, Amount: sum}, nil
	}
}

func checkedAdd(a, b uint64) (uint64, bool) {
	sum := a + b
	return sum, sum >= a
}

// sort orders used slots by ascending bank id with unused slots last.
func (l *Ledger) sort() {
	slices.SortStableFunc(l.Slots[:], func(a, b Slot) int {
		switch {
		case a.BankID == 0 && b.BankID == 0:
			return 0
		case a.BankID == 0:
			return 1
		case b.BankID == 0:
			return -1
		default:
			return int(a.BankID) - int(b.BankID)
		}
	})
}
