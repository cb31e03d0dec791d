package lending

import (
	"errors"
	"net/http"

	"github.com/atmx/lending-engine/internal/account"
	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/liquidation"
	"github.com/atmx/lending-engine/internal/model"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/transfer"
	"github.com/atmx/lending-engine/internal/valuation"
)

var (
	// ErrBorrowLimitExceeded is returned when a withdrawal leaves
	// initial-weighted liability above initial-weighted collateral.
	ErrBorrowLimitExceeded = errors.New("lending: borrow limit exceeded")

	ErrUnauthorized        = errors.New("lending: signer is not the authority")
	ErrPoolNotFound        = errors.New("lending: pool not found")
	ErrInvalidStatus       = errors.New("lending: invalid bank status")
	ErrInvalidAmount       = errors.New("lending: amount must be greater than zero")
	ErrPoolMismatch        = errors.New("lending: bank and user belong to different pools")
	ErrAlreadyInitialized  = errors.New("lending: account already initialized")
	ErrInvalidWeights      = errors.New("lending: invalid risk weights")
	ErrInvalidPrice        = errors.New("lending: invalid price")
	ErrCounterOverflow     = errors.New("lending: counter overflow")
	ErrAdminNotInitialized = errors.New("lending: admin not initialized")
)

// errorStatus maps an error to its HTTP status: caller mistakes are 4xx,
// arithmetic bounds are 422, anything unrecognized is 500.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, transfer.ErrUnauthorizedAuthority):
		return http.StatusForbidden

	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrPoolNotFound),
		errors.Is(err, ErrAdminNotInitialized),
		errors.Is(err, bank.ErrMissingRequiredBanks),
		errors.Is(err, bank.ErrBankNotFound):
		return http.StatusNotFound

	case errors.Is(err, ErrAlreadyInitialized),
		errors.Is(err, transfer.ErrAccountExists),
		errors.Is(err, liquidation.ErrPositionHealthy),
		errors.Is(err, liquidation.ErrInsufficientCollateral),
		errors.Is(err, liquidation.ErrBankInactive),
		errors.Is(err, liquidation.ErrBankNotAvailableForWithdrawal),
		errors.Is(err, liquidation.ErrNoLiability),
		errors.Is(err, ErrBorrowLimitExceeded),
		errors.Is(err, transfer.ErrInsufficientFunds),
		errors.Is(err, ledger.ErrMaxTokenTypes),
		errors.Is(err, ErrCounterOverflow):
		return http.StatusConflict

	case errors.Is(err, ErrInvalidStatus),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrPoolMismatch),
		errors.Is(err, ErrInvalidWeights),
		errors.Is(err, ErrInvalidPrice),
		errors.Is(err, ledger.ErrInvalidBankID),
		errors.Is(err, model.ErrInvalidPubkey),
		errors.Is(err, transfer.ErrInvalidAccountData),
		errors.Is(err, transfer.ErrMintMismatch),
		errors.Is(err, account.ErrInvalidOwner):
		return http.StatusBadRequest

	case errors.Is(err, valuation.ErrMathOverflow),
		errors.Is(err, ledger.ErrBalanceUpdateOverflow),
		errors.Is(err, transfer.ErrAmountOverflow),
		errors.Is(err, bank.ErrCollateralOverflow),
		errors.Is(err, bank.ErrLiabilityOverflow),
		errors.Is(err, bank.ErrNetValueOverflow),
		errors.Is(err, bank.ErrWeightOverflow):
		return http.StatusUnprocessableEntity

	default:
		return http.StatusInternalServerError
	}
}

// outcome is the metrics label for an operation result.
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	switch status := errorStatus(err); {
	case status == http.StatusInternalServerError:
		return "error"
	case status == http.StatusUnprocessableEntity:
		return "overflow"
	default:
		return "rejected"
	}
}
