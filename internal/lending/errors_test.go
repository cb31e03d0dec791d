package lending

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/bank"
	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/liquidation"
	"github.com/atmx/lending-engine/internal/store"
	"github.com/atmx/lending-engine/internal/valuation"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{ErrUnauthorized, http.StatusForbidden},
		{fmt.Errorf("mint x: %w", store.ErrNotFound), http.StatusNotFound},
		{bank.ErrMissingRequiredBanks, http.StatusNotFound},
		{liquidation.ErrPositionHealthy, http.StatusConflict},
		{liquidation.ErrInsufficientCollateral, http.StatusConflict},
		{ledger.ErrMaxTokenTypes, http.StatusConflict},
		{ErrInvalidAmount, http.StatusBadRequest},
		{ledger.ErrInvalidBankID, http.StatusBadRequest},
		{liquidation.ErrMathOverflow, http.StatusUnprocessableEntity},
		{valuation.ErrMathOverflow, http.StatusUnprocessableEntity},
		{ledger.ErrBalanceUpdateOverflow, http.StatusUnprocessableEntity},
		{bank.ErrWeightOverflow, http.StatusUnprocessableEntity},
		{errors.New("connection reset"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		if got := errorStatus(tt.err); got != tt.want {
			t.Errorf("errorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestQuoteFromUSD(t *testing.T) {
	q, err := quoteFromUSD(decimal.RequireFromString("1234.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if q.Price != 123450000000 || q.Exponent != -8 {
		t.Errorf("unexpected quote %+v", q)
	}
	if !q.Decimal().Equal(decimal.RequireFromString("1234.5")) {
		t.Errorf("round trip mismatch: %s", q.Decimal())
	}

	for _, bad := range []string{"0", "-1", "0.000000001", "1e30"} {
		if _, err := quoteFromUSD(decimal.RequireFromString(bad)); !errors.Is(err, ErrInvalidPrice) {
			t.Errorf("quoteFromUSD(%s): expected ErrInvalidPrice, got %v", bad, err)
		}
	}
}
