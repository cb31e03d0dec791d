// Package lending exposes the protocol's operations: administration of
// pools and banks, user deposits and withdrawals, and liquidations.
//
// Every operation runs inside one store transaction. Token movements and
// ledger updates commit together or not at all, and events are published
// only after the commit.
package lending

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/liquidation"
	"github.com/atmx/lending-engine/internal/metrics"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/transfer"
)

// tokenPrograms are the token program variants every operation loads.
var tokenPrograms = []string{account.TokenProgramID, account.Token2022ProgramID}

// Service handles lending operations.
type Service struct {
	store store.Store
	hub   *EventHub // optional WebSocket hub for event broadcasts
}

// NewService creates a new lending service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub *EventHub) *Service {
	return &Service{store: st, hub: hub}
}

type pendingEvent struct {
	typ     string
	payload any
}

// run executes fn in one transaction, records metrics, and publishes the
// events fn queued once the transaction has committed.
func (s *Service) run(ctx context.Context, op string, fn func(tx store.Tx, emit func(string, any)) error) error {
	start := time.Now()
	var events []pendingEvent

	err := s.store.Update(ctx, func(tx store.Tx) error {
		events = events[:0]
		return fn(tx, func(typ string, payload any) {
			events = append(events, pendingEvent{typ, payload})
		})
	})
	metrics.ObserveOperation(op, outcome(err), start)
	if err != nil {
		return err
	}

	if s.hub != nil {
		for _, e := range events {
			s.hub.Publish(e.typ, e.payload)
		}
	}
	return nil
}

// --- Typed record access ---

func getAdmin(ctx context.Context, tx store.Reader) (*model.Admin, error) {
	rec, err := tx.Get(ctx, account.AdminKey)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAdminNotInitialized
	}
	if err != nil {
		return nil, err
	}
	return account.DecodeAdmin(rec.Data)
}

func putAdmin(ctx context.Context, tx store.Tx, a *model.Admin) error {
	return tx.Put(ctx, account.Record{Key: account.AdminKey, Owner: account.ProgramID, Data: account.EncodeAdmin(a)})
}

// authorize loads the admin record and checks signer against it.
func authorize(ctx context.Context, tx store.Reader, signer model.Pubkey) (*model.Admin, error) {
	admin, err := getAdmin(ctx, tx)
	if err != nil {
		return nil, err
	}
	if admin.Authority != signer {
		return nil, ErrUnauthorized
	}
	return admin, nil
}

func getPool(ctx context.Context, tx store.Reader, admin *model.Admin, poolID uint8) (*model.Pool, error) {
	if poolID >= admin.PoolCount {
		return nil, fmt.Errorf("%w: %d", ErrPoolNotFound, poolID)
	}
	rec, err := tx.Get(ctx, account.PoolKey(poolID))
	if err != nil {
		return nil, err
	}
	return account.DecodePool(rec.Data)
}

func getBank(ctx context.Context, tx store.Reader, poolID, bankID uint8) (*model.Bank, error) {
	rec, err := tx.Get(ctx, account.BankKey(poolID, bankID))
	if err != nil {
		return nil, err
	}
	return account.DecodeBank(rec.Data)
}

func putBank(ctx context.Context, tx store.Tx, bk *model.Bank) error {
	return tx.Put(ctx, account.Record{
		Key:   account.BankKey(bk.PoolID, bk.ID),
		Owner: account.ProgramID,
		Data:  account.EncodeBank(bk),
	})
}

func getUser(ctx context.Context, tx store.Reader, ref UserRef) (*model.User, error) {
	rec, err := tx.Get(ctx, account.UserKey(ref.PoolID, ref.UserID, ref.Authority))
	if err != nil {
		return nil, err
	}
	return account.DecodeUser(rec.Data)
}

func putUser(ctx context.Context, tx store.Tx, u *model.User) error {
	return tx.Put(ctx, account.Record{
		Key:   account.UserKey(u.PoolID, u.ID, u.Authority),
		Owner: account.ProgramID,
		Data:  account.EncodeUser(u),
	})
}

// --- Admin operations ---

// InitializeAdmin creates the protocol admin record with authority.
func (s *Service) InitializeAdmin(ctx context.Context, authority model.Pubkey) (*model.Admin, error) {
	admin := &model.Admin{Authority: authority}
	err := s.run(ctx, "initialize_admin", func(tx store.Tx, _ func(string, any)) error {
		if _, err := getAdmin(ctx, tx); err == nil {
			return fmt.Errorf("%w: admin", ErrAlreadyInitialized)
		} else if !errors.Is(err, ErrAdminNotInitialized) {
			return err
		}
		return putAdmin(ctx, tx, admin)
	})
	if err != nil {
		return nil, err
	}
	slog.Info("admin initialized", "authority", authority.String())
	return admin, nil
}

// UpdateAuthority hands the admin role from signer to next.
func (s *Service) UpdateAuthority(ctx context.Context, signer, next model.Pubkey) error {
	err := s.run(ctx, "update_authority", func(tx store.Tx, emit func(string, any)) error {
		admin, err := authorize(ctx, tx, signer)
		if err != nil {
			return err
		}
		admin.Authority = next
		if err := putAdmin(ctx, tx, admin); err != nil {
			return err
		}
		emit(EventAdminAuthorityUpdated, map[string]string{
			"previous_authority": signer.String(),
			"new_authority":      next.String(),
		})
		return nil
	})
	if err != nil {
		return err
	}
	slog.Info("admin authority updated", "new_authority", next.String())
	return nil
}

// InitializePool creates the next pool and returns its id.
func (s *Service) InitializePool(ctx context.Context, signer model.Pubkey) (uint8, error) {
	var poolID uint8
	err := s.run(ctx, "initialize_pool", func(tx store.Tx, emit func(string, any)) error {
		admin, err := authorize(ctx, tx, signer)
		if err != nil {
			return err
		}
		if admin.PoolCount == 255 {
			return fmt.Errorf("%w: pool count", ErrCounterOverflow)
		}
		poolID = admin.PoolCount
		admin.PoolCount++

		if err := tx.Put(ctx, account.Record{
			Key:   account.PoolKey(poolID),
			Owner: account.ProgramID,
			Data:  account.EncodePool(&model.Pool{}),
		}); err != nil {
			return err
		}
		if err := putAdmin(ctx, tx, admin); err != nil {
			return err
		}
		emit(EventPoolInitialized, map[string]uint8{"pool_id": poolID})
		return nil
	})
	if err != nil {
		return 0, err
	}
	slog.Info("pool initialized", "pool_id", poolID)
	return poolID, nil
}

// BankParams are the risk parameters of a new bank.
type BankParams struct {
	Mint                       model.Pubkey     `json:"mint"`
	InitialAssetWeight         uint8            `json:"initial_asset_weight"`
	MaintenanceAssetWeight     uint8            `json:"maintenance_asset_weight"`
	InitialLiabilityWeight     uint8            `json:"initial_liability_weight"`
	MaintenanceLiabilityWeight uint8            `json:"maintenance_liability_weight"`
	Price                      model.PriceQuote `json:"price"`
}

// Validate checks that the initial weights are at least as strict as the
// maintenance weights and that asset weights do not exceed 100%.
func (p BankParams) Validate() error {
	if p.MaintenanceAssetWeight > 100 || p.InitialAssetWeight > p.MaintenanceAssetWeight {
		return fmt.Errorf("%w: asset weights %d/%d", ErrInvalidWeights, p.InitialAssetWeight, p.MaintenanceAssetWeight)
	}
	if p.MaintenanceLiabilityWeight < 100 || p.InitialLiabilityWeight < p.MaintenanceLiabilityWeight {
		return fmt.Errorf("%w: liability weights %d/%d", ErrInvalidWeights, p.InitialLiabilityWeight, p.MaintenanceLiabilityWeight)
	}
	return nil
}

// InitializeBank adds an inactive bank for params.Mint to pool poolID and
// opens its custody token account. The mint must already exist; the bank
// takes its token decimals from it.
func (s *Service) InitializeBank(ctx context.Context, signer model.Pubkey, poolID uint8, params BankParams) (*model.Bank, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	var bk *model.Bank
	err := s.run(ctx, "initialize_bank", func(tx store.Tx, emit func(string, any)) error {
		admin, err := authorize(ctx, tx, signer)
		if err != nil {
			return err
		}
		pool, err := getPool(ctx, tx, admin, poolID)
		if err != nil {
			return err
		}
		if pool.BankCount == 255 {
			return fmt.Errorf("%w: bank count", ErrCounterOverflow)
		}
		mintRec, err := tx.Get(ctx, account.MintKey(params.Mint))
		if err != nil {
			return fmt.Errorf("mint %s: %w", params.Mint, err)
		}
		mint, err := account.DecodeMint(mintRec)
		if err != nil {
			return err
		}

		pool.BankCount++
		bk = &model.Bank{
			ID:                         pool.BankCount,
			PoolID:                     poolID,
			Status:                     model.BankInactive,
			TokenDecimals:              mint.Decimals,
			InitialAssetWeight:         params.InitialAssetWeight,
			MaintenanceAssetWeight:     params.MaintenanceAssetWeight,
			InitialLiabilityWeight:     params.InitialLiabilityWeight,
			MaintenanceLiabilityWeight: params.MaintenanceLiabilityWeight,
			Mint:                       params.Mint,
			Price:                      params.Price,
		}

		bankKey := account.BankKey(poolID, bk.ID)
		if _, err := transfer.OpenAccount(ctx, tx, mintRec.Owner,
			account.CustodyKey(poolID, bk.ID), params.Mint, model.DeriveAddress(bankKey)); err != nil {
			return err
		}
		if err := putBank(ctx, tx, bk); err != nil {
			return err
		}
		if err := tx.Put(ctx, account.Record{
			Key:   account.PoolKey(poolID),
			Owner: account.ProgramID,
			Data:  account.EncodePool(pool),
		}); err != nil {
			return err
		}
		emit(EventBankInitialized, BankEvent{PoolID: poolID, BankID: bk.ID, Status: bk.Status.String()})
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("bank initialized",
		"pool_id", poolID,
		"bank_id", bk.ID,
		"mint", bk.Mint.String(),
		"decimals", bk.TokenDecimals,
	)
	return bk, nil
}

// UpdateBankStatus sets a bank's operational status.
func (s *Service) UpdateBankStatus(ctx context.Context, signer model.Pubkey, poolID, bankID uint8, status model.BankStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: %d", ErrInvalidStatus, status)
	}
	err := s.updateBank(ctx, "update_bank_status", signer, poolID, bankID, func(bk *model.Bank) (string, any) {
		bk.Status = status
		return EventBankStatusUpdated, BankEvent{PoolID: poolID, BankID: bankID, Status: status.String()}
	})
	if err != nil {
		return err
	}
	slog.Info("bank status updated", "pool_id", poolID, "bank_id", bankID, "status", status.String())
	return nil
}

// UpdatePrice replaces a bank's price quote.
func (s *Service) UpdatePrice(ctx context.Context, signer model.Pubkey, poolID, bankID uint8, q model.PriceQuote) error {
	if q.Price == 0 {
		return fmt.Errorf("%w: zero price", ErrInvalidPrice)
	}
	err := s.updateBank(ctx, "update_price", signer, poolID, bankID, func(bk *model.Bank) (string, any) {
		bk.Price = q
		return EventPriceUpdated, BankEvent{PoolID: poolID, BankID: bankID, Price: q.Decimal().String()}
	})
	if err != nil {
		return err
	}
	slog.Info("price updated", "pool_id", poolID, "bank_id", bankID, "price", q.Decimal().String())
	return nil
}

func (s *Service) updateBank(ctx context.Context, op string, signer model.Pubkey, poolID, bankID uint8, mutate func(*model.Bank) (string, any)) error {
	return s.run(ctx, op, func(tx store.Tx, emit func(string, any)) error {
		admin, err := authorize(ctx, tx, signer)
		if err != nil {
			return err
		}
		if _, err := getPool(ctx, tx, admin, poolID); err != nil {
			return err
		}
		bk, err := getBank(ctx, tx, poolID, bankID)
		if err != nil {
			return err
		}
		typ, payload := mutate(bk)
		if err := putBank(ctx, tx, bk); err != nil {
			return err
		}
		emit(typ, payload)
		return nil
	})
}

// --- User operations ---

// UserRef identifies a user account.
type UserRef struct {
	PoolID    uint8        `json:"pool_id"`
	UserID    uint16       `json:"user_id"`
	Authority model.Pubkey `json:"authority"`
}

func (r UserRef) key() string { return account.UserKey(r.PoolID, r.UserID, r.Authority) }

// InitializeUser creates an empty user account in an existing pool.
func (s *Service) InitializeUser(ctx context.Context, ref UserRef) (*model.User, error) {
	u := &model.User{Authority: ref.Authority, ID: ref.UserID, PoolID: ref.PoolID, Bump: 255}
	err := s.run(ctx, "initialize_user", func(tx store.Tx, emit func(string, any)) error {
		admin, err := getAdmin(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := getPool(ctx, tx, admin, ref.PoolID); err != nil {
			return err
		}
		if _, err := tx.Get(ctx, ref.key()); err == nil {
			return fmt.Errorf("%w: %s", ErrAlreadyInitialized, ref.key())
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if err := putUser(ctx, tx, u); err != nil {
			return err
		}
		emit(EventUserInitialized, ref)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("user initialized", "user", ref.key())
	return u, nil
}

// BalanceRequest is a deposit or withdrawal of Amount native units of a
// bank's token between the user's token account and the bank's custody.
type BalanceRequest struct {
	User         UserRef `json:"user"`
	BankID       uint8   `json:"bank_id"`
	Amount       uint64  `json:"amount"`
	TokenAccount string  `json:"token_account"`
}

// BalanceResult is the outcome of a deposit or withdrawal.
type BalanceResult struct {
	Change ledger.Change `json:"change"`
	Ledger ledger.Ledger `json:"ledger"`
}

func balanceEvent(user string, c ledger.Change) BalanceEvent {
	return BalanceEvent{
		User:            user,
		BankID:          c.BankID,
		PreviousBalance: c.PrevAmount,
		PreviousKind:    c.PrevKind.String(),
		NewBalance:      c.NewAmount,
		NewKind:         c.NewKind.String(),
	}
}

func recordFlip(c ledger.Change) {
	if c.Flipped() {
		metrics.BalanceFlips.WithLabelValues(c.NewKind.String()).Inc()
	}
}

// loadForBalance loads the user and bank for a balance request.
func loadForBalance(ctx context.Context, tx store.Reader, req BalanceRequest) (*model.User, *model.Bank, error) {
	if req.Amount == 0 {
		return nil, nil, ErrInvalidAmount
	}
	if req.BankID == 0 {
		return nil, nil, ledger.ErrInvalidBankID
	}
	u, err := getUser(ctx, tx, req.User)
	if err != nil {
		return nil, nil, err
	}
	bk, err := getBank(ctx, tx, req.User.PoolID, req.BankID)
	if err != nil {
		return nil, nil, err
	}
	if bk.PoolID != u.PoolID {
		return nil, nil, ErrPoolMismatch
	}
	return u, bk, nil
}

// Deposit moves tokens from the user into the bank's custody and credits
// the user's ledger. The bank must be active.
func (s *Service) Deposit(ctx context.Context, req BalanceRequest) (*BalanceResult, error) {
	var res BalanceResult
	err := s.run(ctx, "deposit", func(tx store.Tx, emit func(string, any)) error {
		u, bk, err := loadForBalance(ctx, tx, req)
		if err != nil {
			return err
		}
		if bk.Status != model.BankActive {
			return fmt.Errorf("%w: bank %d is %s", liquidation.ErrBankInactive, bk.ID, bk.Status)
		}

		ti, err := transfer.Load(ctx, tx, tokenPrograms, []model.Pubkey{bk.Mint})
		if err != nil {
			return err
		}
		if _, err := ti.Transfer(ctx, req.TokenAccount, account.CustodyKey(bk.PoolID, bk.ID), req.User.Authority, req.Amount); err != nil {
			return err
		}

		change, err := u.Ledger.Deposit(bk.ID, req.Amount)
		if err != nil {
			return err
		}
		if err := putUser(ctx, tx, u); err != nil {
			return err
		}
		res = BalanceResult{Change: change, Ledger: u.Ledger}
		emit(EventUserBalanceUpdated, balanceEvent(req.User.key(), change))
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordFlip(res.Change)
	slog.Info("deposit",
		"user", req.User.key(),
		"bank_id", req.BankID,
		"amount", req.Amount,
		"previous_kind", res.Change.PrevKind.String(),
		"new_kind", res.Change.NewKind.String(),
		"new_balance", res.Change.NewAmount,
	)
	return &res, nil
}

// Withdraw debits the user's ledger and releases tokens from the bank's
// custody. Withdrawing past a collateral balance borrows the difference;
// any resulting liability must stay within the initial-weighted borrow
// limit.
func (s *Service) Withdraw(ctx context.Context, req BalanceRequest) (*BalanceResult, error) {
	var res BalanceResult
	err := s.run(ctx, "withdraw", func(tx store.Tx, emit func(string, any)) error {
		u, bk, err := loadForBalance(ctx, tx, req)
		if err != nil {
			return err
		}
		if bk.Status != model.BankActive && bk.Status != model.BankReduceOnly {
			return fmt.Errorf("%w: bank %d is %s", liquidation.ErrBankNotAvailableForWithdrawal, bk.ID, bk.Status)
		}
		if err := transfer.RequireAuthority(ctx, tx, req.TokenAccount, u.Authority); err != nil {
			return err
		}

		change, err := u.Ledger.Withdraw(bk.ID, req.Amount)
		if err != nil {
			return err
		}

		if u.Ledger.HasLiability() {
			candidates, err := tx.List(ctx, account.BankPrefix(u.PoolID))
			if err != nil {
				return err
			}
			view, err := bank.Resolve(u.Ledger.BankIDs(), candidates)
			if err != nil {
				return err
			}
			totals, err := view.WeightedValues(&u.Ledger)
			if err != nil {
				return err
			}
			if !totals.Healthy() {
				return fmt.Errorf("%w: collateral %s, liability %s",
					ErrBorrowLimitExceeded, totals.Collateral.Dec(), totals.Liability.Dec())
			}
		}

		ti, err := transfer.Load(ctx, tx, tokenPrograms, []model.Pubkey{bk.Mint})
		if err != nil {
			return err
		}
		if _, err := ti.TransferWithSigner(ctx,
			account.CustodyKey(bk.PoolID, bk.ID), req.TokenAccount,
			account.BankKey(bk.PoolID, bk.ID), req.Amount); err != nil {
			return err
		}

		if err := putUser(ctx, tx, u); err != nil {
			return err
		}
		res = BalanceResult{Change: change, Ledger: u.Ledger}
		emit(EventUserBalanceUpdated, balanceEvent(req.User.key(), change))
		return nil
	})
	if err != nil {
		return nil, err
	}

	recordFlip(res.Change)
	slog.Info("withdraw",
		"user", req.User.key(),
		"bank_id", req.BankID,
		"amount", req.Amount,
		"previous_kind", res.Change.PrevKind.String(),
		"new_kind", res.Change.NewKind.String(),
		"new_balance", res.Change.NewAmount,
	)
	return &res, nil
}

// LiquidateRequest repays RepayAmount of the user's debt in the liability
// bank's token and seizes discounted collateral from the collateral bank.
type LiquidateRequest struct {
	Liquidator                  model.Pubkey `json:"liquidator"`
	User                        UserRef      `json:"user"`
	CollateralBankID            uint8        `json:"collateral_bank_id"`
	LiabilityBankID             uint8        `json:"liability_bank_id"`
	RepayAmount                 uint64       `json:"repay_amount"`
	LiquidatorCollateralAccount string       `json:"liquidator_collateral_account"`
	LiquidatorLiabilityAccount  string       `json:"liquidator_liability_account"`
}

// Liquidate runs a liquidation against an under-collateralized user.
func (s *Service) Liquidate(ctx context.Context, req LiquidateRequest) (*liquidation.Result, error) {
	if req.RepayAmount == 0 {
		return nil, ErrInvalidAmount
	}

	var res *liquidation.Result
	err := s.run(ctx, "liquidate", func(tx store.Tx, emit func(string, any)) error {
		u, err := getUser(ctx, tx, req.User)
		if err != nil {
			return err
		}
		col, err := getBank(ctx, tx, u.PoolID, req.CollateralBankID)
		if err != nil {
			return err
		}
		lia, err := getBank(ctx, tx, u.PoolID, req.LiabilityBankID)
		if err != nil {
			return err
		}
		candidates, err := tx.List(ctx, account.BankPrefix(u.PoolID))
		if err != nil {
			return err
		}
		if err := transfer.RequireAuthority(ctx, tx, req.LiquidatorCollateralAccount, req.Liquidator); err != nil {
			return err
		}

		ti, err := transfer.Load(ctx, tx, tokenPrograms, []model.Pubkey{col.Mint, lia.Mint})
		if err != nil {
			return err
		}
		res, err = liquidation.New(ti).Liquidate(ctx, u, candidates, liquidation.Request{
			Liquidator:                  req.Liquidator,
			LiquidatorLiabilityAccount:  req.LiquidatorLiabilityAccount,
			LiquidatorCollateralAccount: req.LiquidatorCollateralAccount,
			CollateralBankID:            req.CollateralBankID,
			LiabilityBankID:             req.LiabilityBankID,
			RepayAmount:                 req.RepayAmount,
		})
		if err != nil {
			return err
		}
		if err := putUser(ctx, tx, u); err != nil {
			return err
		}

		for _, c := range res.Changes {
			emit(EventUserBalanceUpdated, balanceEvent(req.User.key(), c))
		}
		emit(EventLiquidation, map[string]any{
			"user":               req.User.key(),
			"liquidator":         req.Liquidator.String(),
			"collateral_bank_id": req.CollateralBankID,
			"liability_bank_id":  req.LiabilityBankID,
			"repay_amount":       req.RepayAmount,
			"seize_amount":       res.SeizeAmount,
		})
		return nil
	})
	if err != nil {
		slog.Warn("liquidation rejected", "user", req.User.key(), "err", err)
		return nil, err
	}

	for _, c := range res.Changes {
		recordFlip(c)
	}
	metrics.LiquidationsTotal.WithLabelValues(fmt.Sprint(req.CollateralBankID)).Inc()
	metrics.SeizedValue.Add(float64(res.SeizeValue))
	slog.Info("liquidation completed",
		"user", req.User.key(),
		"liquidator", req.Liquidator.String(),
		"repay_amount", req.RepayAmount,
		"repay_value", res.RepayValue,
		"seize_amount", res.SeizeAmount,
		"seize_value", res.SeizeValue,
	)
	return res, nil
}

// --- Token accounts ---

// TokenAccountRequest creates (if needed) a mint and a token account, then
// mints Amount into it.
type TokenAccountRequest struct {
	Key       string       `json:"key"`
	Program   string       `json:"program"`
	Mint      model.Pubkey `json:"mint"`
	Decimals  uint8        `json:"decimals"`
	Authority model.Pubkey `json:"authority"`
	Amount    uint64       `json:"amount"`
}

// FundTokenAccount serves development and tests: it stands in for the
// token program's own mint and account instructions.
func (s *Service) FundTokenAccount(ctx context.Context, req TokenAccountRequest) (*model.TokenAccount, error) {
	program := req.Program
	if program == "" {
		program = account.TokenProgramID
	}

	var ta *model.TokenAccount
	err := s.run(ctx, "fund_token_account", func(tx store.Tx, _ func(string, any)) error {
		err := transfer.CreateMint(ctx, tx, program, req.Mint, req.Decimals)
		if err != nil && !errors.Is(err, transfer.ErrAccountExists) {
			return err
		}
		_, err = transfer.OpenAccount(ctx, tx, program, req.Key, req.Mint, req.Authority)
		if err != nil && !errors.Is(err, transfer.ErrAccountExists) {
			return err
		}
		if req.Amount > 0 {
			if err := transfer.MintTo(ctx, tx, req.Key, req.Amount); err != nil {
				return err
			}
		}
		ta, err = transfer.Balance(ctx, tx, req.Key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ta, nil
}
