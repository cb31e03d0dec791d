// Package transfer moves tokens between token accounts on behalf of the
// lending engine.
//
// An Interface is loaded once per operation with the token programs and
// mints the caller supplies. A transfer is dispatched to the program that
// owns the source account, and uses the checked variant (which verifies
// the mint's decimals) whenever the mint was supplied.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
)

var (
	// ErrInvalidAccountData is returned when no usable token program was
	// supplied, or an account is not owned by a loaded token program.
	ErrInvalidAccountData = errors.New("transfer: invalid account data")

	ErrInsufficientFunds     = errors.New("transfer: insufficient funds")
	ErrMintMismatch          = errors.New("transfer: mint mismatch")
	ErrUnauthorizedAuthority = errors.New("transfer: authority does not own source account")
	ErrAmountOverflow        = errors.New("transfer: destination balance overflow")
	ErrAccountExists         = errors.New("transfer: account already exists")
)

// Accounts is the record access a transfer needs. store.Tx satisfies it.
type Accounts interface {
	Get(ctx context.Context, key string) (account.Record, error)
	Put(ctx context.Context, rec account.Record) error
}

type mintInfo struct {
	program  string
	decimals uint8
}

// Interface dispatches transfers to the loaded token programs.
type Interface struct {
	accounts Accounts
	programs map[string]bool
	mints    map[model.Pubkey]mintInfo
}

// Receipt describes a completed transfer.
type Receipt struct {
	Program string
	Checked bool
	Amount  uint64
}

func isTokenProgram(p string) bool {
	return p == account.TokenProgramID || p == account.Token2022ProgramID
}

// Load builds an Interface from the supplied token programs and mints. At
// least one of programs must be a token program. Mints that do not exist
// or are not token mints are skipped; transfers in those mints use the
// unchecked variant.
func Load(ctx context.Context, accts Accounts, programs []string, mints []model.Pubkey) (*Interface, error) {
	ti := &Interface{
		accounts: accts,
		programs: make(map[string]bool),
		mints:    make(map[model.Pubkey]mintInfo),
	}
	for _, p := range programs {
		if isTokenProgram(p) {
			ti.programs[p] = true
		}
	}
	if len(ti.programs) == 0 {
		return nil, fmt.Errorf("%w: no token program supplied", ErrInvalidAccountData)
	}

	for _, m := range mints {
		rec, err := accts.Get(ctx, account.MintKey(m))
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		mint, err := account.DecodeMint(rec)
		if err != nil {
			continue
		}
		ti.mints[m] = mintInfo{program: rec.Owner, decimals: mint.Decimals}
	}
	return ti, nil
}

// Transfer moves amount from src to dst, authorized by authority, which
// must own src.
func (ti *Interface) Transfer(ctx context.Context, src, dst string, authority model.Pubkey, amount uint64) (Receipt, error) {
	return ti.transfer(ctx, src, dst, authority, amount)
}

// TransferWithSigner moves amount from src to dst under the authority
// derived from signerKey. Used to release tokens from accounts owned by
// the engine, such as bank custody accounts.
func (ti *Interface) TransferWithSigner(ctx context.Context, src, dst, signerKey string, amount uint64) (Receipt, error) {
	return ti.transfer(ctx, src, dst, model.DeriveAddress(signerKey), amount)
}

func (ti *Interface) transfer(ctx context.Context, src, dst string, authority model.Pubkey, amount uint64) (Receipt, error) {
	srcRec, from, err := ti.load(ctx, src)
	if err != nil {
		return Receipt{}, err
	}
	dstRec, to, err := ti.load(ctx, dst)
	if err != nil {
		return Receipt{}, err
	}
	program := srcRec.Owner
	if dstRec.Owner != program {
		return Receipt{}, fmt.Errorf("%w: %s and %s use different token programs", ErrInvalidAccountData, src, dst)
	}
	if from.Mint != to.Mint {
		return Receipt{}, fmt.Errorf("%w: %s -> %s", ErrMintMismatch, src, dst)
	}

	receipt := Receipt{Program: program, Amount: amount}
	if mint, ok := ti.mints[from.Mint]; ok {
		if mint.program != program {
			return Receipt{}, fmt.Errorf("%w: mint %s belongs to %s", ErrMintMismatch, from.Mint, mint.program)
		}
		receipt.Checked = true
	}

	if from.Authority != authority {
		return Receipt{}, fmt.Errorf("%w: %s", ErrUnauthorizedAuthority, src)
	}
	if from.Amount < amount {
		return Receipt{}, fmt.Errorf("%w: %s holds %d, need %d", ErrInsufficientFunds, src, from.Amount, amount)
	}
	if src == dst {
		return receipt, nil
	}
	if to.Amount > math.MaxUint64-amount {
		return Receipt{}, fmt.Errorf("%w: %s", ErrAmountOverflow, dst)
	}

	from.Amount -= amount
	to.Amount += amount
	if err := ti.accounts.Put(ctx, account.Record{Key: srcRec.Key, Owner: program, Data: account.EncodeTokenAccount(from)}); err != nil {
		return Receipt{}, err
	}
	if err := ti.accounts.Put(ctx, account.Record{Key: dstRec.Key, Owner: program, Data: account.EncodeTokenAccount(to)}); err != nil {
		return Receipt{}, err
	}
	return receipt, nil
}

func (ti *Interface) load(ctx context.Context, key string) (account.Record, *model.TokenAccount, error) {
	rec, err := ti.accounts.Get(ctx, account.TokenAccountKey(key))
	if err != nil {
		return account.Record{}, nil, err
	}
	if !ti.programs[rec.Owner] {
		return account.Record{}, nil, fmt.Errorf("%w: %s owned by %q", ErrInvalidAccountData, key, rec.Owner)
	}
	ta, err := account.DecodeTokenAccount(rec)
	if err != nil {
		return account.Record{}, nil, fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	return rec, ta, nil
}
