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

// Getter is the read side of Accounts.
type Getter interface {
	Get(ctx context.Context, key string) (account.Record, error)
}

// CreateMint writes a mint record owned by program.
func CreateMint(ctx context.Context, accts Accounts, program string, mint model.Pubkey, decimals uint8) error {
	if !isTokenProgram(program) {
		return fmt.Errorf("%w: %q is not a token program", ErrInvalidAccountData, program)
	}
	key := account.MintKey(mint)
	if err := ensureAbsent(ctx, accts, key); err != nil {
		return err
	}
	return accts.Put(ctx, account.Record{Key: key, Owner: program, Data: account.EncodeMint(&model.Mint{Decimals: decimals})})
}

// OpenAccount creates an empty token account under key for mint, owned by
// authority. The account uses the same token program as the mint when the
// mint exists, otherwise program.
func OpenAccount(ctx context.Context, accts Accounts, program, key string, mint, authority model.Pubkey) (account.Record, error) {
	if mintRec, err := accts.Get(ctx, account.MintKey(mint)); err == nil {
		program = mintRec.Owner
	} else if !errors.Is(err, store.ErrNotFound) {
		return account.Record{}, err
	}
	if !isTokenProgram(program) {
		return account.Record{}, fmt.Errorf("%w: %q is not a token program", ErrInvalidAccountData, program)
	}

	key = account.TokenAccountKey(key)
	if err := ensureAbsent(ctx, accts, key); err != nil {
		return account.Record{}, err
	}
	rec := account.Record{
		Key:   key,
		Owner: program,
		Data:  account.EncodeTokenAccount(&model.TokenAccount{Mint: mint, Authority: authority}),
	}
	return rec, accts.Put(ctx, rec)
}

// MintTo credits amount to the token account under key.
func MintTo(ctx context.Context, accts Accounts, key string, amount uint64) error {
	key = account.TokenAccountKey(key)
	rec, err := accts.Get(ctx, key)
	if err != nil {
		return err
	}
	ta, err := account.DecodeTokenAccount(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidAccountData, err)
	}
	if ta.Amount > math.MaxUint64-amount {
		return fmt.Errorf("%w: %s", ErrAmountOverflow, key)
	}
	ta.Amount += amount
	rec.Data = account.EncodeTokenAccount(ta)
	return accts.Put(ctx, rec)
}

// Balance returns the token account under key.
func Balance(ctx context.Context, accts Getter, key string) (*model.TokenAccount, error) {
	rec, err := accts.Get(ctx, account.TokenAccountKey(key))
	if err != nil {
		return nil, err
	}
	return account.DecodeTokenAccount(rec)
}

// RequireAuthority fails with ErrUnauthorizedAuthority unless the token
// account under key belongs to authority.
func RequireAuthority(ctx context.Context, accts Getter, key string, authority model.Pubkey) error {
	ta, err := Balance(ctx, accts, key)
	if err != nil {
		return err
	}
	if ta.Authority != authority {
		return fmt.Errorf("%w: %s belongs to %s", ErrUnauthorizedAuthority, key, ta.Authority)
	}
	return nil
}

func ensureAbsent(ctx context.Context, accts Accounts, key string) error {
	_, err := accts.Get(ctx, key)
	if err == nil {
		return fmt.Errorf("%w: %s", ErrAccountExists, key)
	}
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	return err
}
