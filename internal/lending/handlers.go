package lending

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/model"
)

// Routes mounts the lending API on r.
func (s *Service) Routes(r chi.Router) {
	r.Post("/admin", s.HandleInitializeAdmin)
	r.Post("/admin/authority", s.HandleUpdateAuthority)

	r.Post("/pools", s.HandleInitializePool)
	r.Get("/pools/{poolID}/banks", s.HandleListBanks)
	r.Post("/pools/{poolID}/banks", s.HandleInitializeBank)
	r.Put("/pools/{poolID}/banks/{bankID}/status", s.HandleUpdateBankStatus)
	r.Put("/pools/{poolID}/banks/{bankID}/price", s.HandleUpdatePrice)

	r.Post("/users", s.HandleInitializeUser)
	r.Get("/pools/{poolID}/users/{authority}/{userID}", s.HandleGetPosition)

	r.Post("/deposit", s.HandleDeposit)
	r.Post("/withdraw", s.HandleWithdraw)
	r.Post("/liquidate", s.HandleLiquidate)

	r.Post("/token-accounts", s.HandleFundTokenAccount)
}

// --- Request types ---

type initializeAdminRequest struct {
	Authority model.Pubkey `json:"authority"`
}

type updateAuthorityRequest struct {
	Signer       model.Pubkey `json:"signer"`
	NewAuthority model.Pubkey `json:"new_authority"`
}

type signedRequest struct {
	Signer model.Pubkey `json:"signer"`
}

type initializeBankRequest struct {
	Signer model.Pubkey `json:"signer"`
	BankParams
}

type updateStatusRequest struct {
	Signer model.Pubkey `json:"signer"`
	Status string       `json:"status"` // inactive, active or reduce_only
}

// updatePriceRequest carries either a raw oracle quote or a dollar price.
// A dollar price is stored with exponent -8.
type updatePriceRequest struct {
	Signer model.Pubkey     `json:"signer"`
	Quote  model.PriceQuote `json:"quote"`
	USD    *decimal.Decimal `json:"usd,omitempty"`
}

// --- HTTP Handlers ---

// HandleInitializeAdmin handles POST /api/v1/admin
func (s *Service) HandleInitializeAdmin(w http.ResponseWriter, r *http.Request) {
	var req initializeAdminRequest
	if !decode(w, r, &req) {
		return
	}
	admin, err := s.InitializeAdmin(r.Context(), req.Authority)
	if err != nil {
		fail(w, "initialize admin", err)
		return
	}
	writeJSON(w, http.StatusCreated, admin)
}

// HandleUpdateAuthority handles POST /api/v1/admin/authority
func (s *Service) HandleUpdateAuthority(w http.ResponseWriter, r *http.Request) {
	var req updateAuthorityRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.UpdateAuthority(r.Context(), req.Signer, req.NewAuthority); err != nil {
		fail(w, "update authority", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]model.Pubkey{"authority": req.NewAuthority})
}

// HandleInitializePool handles POST /api/v1/pools
func (s *Service) HandleInitializePool(w http.ResponseWriter, r *http.Request) {
	var req signedRequest
	if !decode(w, r, &req) {
		return
	}
	poolID, err := s.InitializePool(r.Context(), req.Signer)
	if err != nil {
		fail(w, "initialize pool", err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint8{"pool_id": poolID})
}

// HandleInitializeBank handles POST /api/v1/pools/{poolID}/banks
func (s *Service) HandleInitializeBank(w http.ResponseWriter, r *http.Request) {
	poolID, ok := uint8Param(w, r, "poolID")
	if !ok {
		return
	}
	var req initializeBankRequest
	if !decode(w, r, &req) {
		return
	}
	bk, err := s.InitializeBank(r.Context(), req.Signer, poolID, req.BankParams)
	if err != nil {
		fail(w, "initialize bank", err)
		return
	}
	writeJSON(w, http.StatusCreated, bk)
}

// HandleListBanks handles GET /api/v1/pools/{poolID}/banks
func (s *Service) HandleListBanks(w http.ResponseWriter, r *http.Request) {
	poolID, ok := uint8Param(w, r, "poolID")
	if !ok {
		return
	}
	banks, err := s.Banks(r.Context(), poolID)
	if err != nil {
		fail(w, "list banks", err)
		return
	}
	writeJSON(w, http.StatusOK, banks)
}

// HandleUpdateBankStatus handles PUT /api/v1/pools/{poolID}/banks/{bankID}/status
func (s *Service) HandleUpdateBankStatus(w http.ResponseWriter, r *http.Request) {
	poolID, bankID, ok := bankParams(w, r)
	if !ok {
		return
	}
	var req updateStatusRequest
	if !decode(w, r, &req) {
		return
	}
	status, err := parseStatus(req.Status)
	if err != nil {
		fail(w, "update bank status", err)
		return
	}
	if err := s.UpdateBankStatus(r.Context(), req.Signer, poolID, bankID, status); err != nil {
		fail(w, "update bank status", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": status.String()})
}

// HandleUpdatePrice handles PUT /api/v1/pools/{poolID}/banks/{bankID}/price
func (s *Service) HandleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	poolID, bankID, ok := bankParams(w, r)
	if !ok {
		return
	}
	var req updatePriceRequest
	if !decode(w, r, &req) {
		return
	}
	q := req.Quote
	if req.USD != nil {
		var err error
		if q, err = quoteFromUSD(*req.USD); err != nil {
			fail(w, "update price", err)
			return
		}
	}
	if err := s.UpdatePrice(r.Context(), req.Signer, poolID, bankID, q); err != nil {
		fail(w, "update price", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"quote": q, "price_usd": q.Decimal()})
}

// HandleInitializeUser handles POST /api/v1/users
func (s *Service) HandleInitializeUser(w http.ResponseWriter, r *http.Request) {
	var req UserRef
	if !decode(w, r, &req) {
		return
	}
	u, err := s.InitializeUser(r.Context(), req)
	if err != nil {
		fail(w, "initialize user", err)
		return
	}
	writeJSON(w, http.StatusCreated, u)
}

// HandleGetPosition handles GET /api/v1/pools/{poolID}/users/{authority}/{userID}
func (s *Service) HandleGetPosition(w http.ResponseWriter, r *http.Request) {
	poolID, ok := uint8Param(w, r, "poolID")
	if !ok {
		return
	}
	authority, err := model.ParsePubkey(chi.URLParam(r, "authority"))
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, err := strconv.ParseUint(chi.URLParam(r, "userID"), 10, 16)
	if err != nil {
		writeError(w, "invalid userID", http.StatusBadRequest)
		return
	}

	pv, err := s.Position(r.Context(), UserRef{PoolID: poolID, UserID: uint16(userID), Authority: authority})
	if err != nil {
		fail(w, "get position", err)
		return
	}
	writeJSON(w, http.StatusOK, pv)
}

// HandleDeposit handles POST /api/v1/deposit
func (s *Service) HandleDeposit(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Deposit(r.Context(), req)
	if err != nil {
		fail(w, "deposit", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleWithdraw handles POST /api/v1/withdraw
func (s *Service) HandleWithdraw(w http.ResponseWriter, r *http.Request) {
	var req BalanceRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Withdraw(r.Context(), req)
	if err != nil {
		fail(w, "withdraw", err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// HandleLiquidate handles POST /api/v1/liquidate
func (s *Service) HandleLiquidate(w http.ResponseWriter, r *http.Request) {
	var req LiquidateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.Liquidate(r.Context(), req)
	if err != nil {
		fail(w, "liquidate", err)
		return
	}
	writeJSON(w, http.StatusOK, liquidationView(res))
}

// HandleFundTokenAccount handles POST /api/v1/token-accounts
func (s *Service) HandleFundTokenAccount(w http.ResponseWriter, r *http.Request) {
	var req TokenAccountRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Key == "" {
		writeError(w, "key is required", http.StatusBadRequest)
		return
	}
	ta, err := s.FundTokenAccount(r.Context(), req)
	if err != nil {
		fail(w, "fund token account", err)
		return
	}
	writeJSON(w, http.StatusOK, ta)
}

// --- Helpers ---

func parseStatus(s string) (model.BankStatus, error) {
	for _, st := range []model.BankStatus{model.BankInactive, model.BankActive, model.BankReduceOnly} {
		if st.String() == s {
			return st, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidStatus, s)
}

var eightDecimals = decimal.New(1, 8)

// quoteFromUSD converts a dollar price to a quote with exponent -8.
func quoteFromUSD(d decimal.Decimal) (model.PriceQuote, error) {
	scaled := d.Mul(eightDecimals)
	if !scaled.IsPositive() || !scaled.Equal(scaled.Truncate(0)) {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrInvalidPrice, d)
	}
	bi := scaled.BigInt()
	if !bi.IsUint64() {
		return model.PriceQuote{}, fmt.Errorf("%w: %s", ErrInvalidPrice, d)
	}
	p := bi.Uint64()
	return model.PriceQuote{
		Price:       p,
		Exponent:    -8,
		EMAPrice:    p,
		PublishedAt: time.Now().Unix(),
	}, nil
}

func uint8Param(w http.ResponseWriter, r *http.Request, name string) (uint8, bool) {
	v, err := strconv.ParseUint(chi.URLParam(r, name), 10, 8)
	if err != nil {
		writeError(w, "invalid "+name, http.StatusBadRequest)
		return 0, false
	}
	return uint8(v), true
}

func bankParams(w http.ResponseWriter, r *http.Request) (poolID, bankID uint8, ok bool) {
	if poolID, ok = uint8Param(w, r, "poolID"); !ok {
		return
	}
	bankID, ok = uint8Param(w, r, "bankID")
	return
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// fail logs a failed operation and writes the mapped error response.
func fail(w http.ResponseWriter, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		slog.Error(op+" failed", "err", err)
	} else {
		slog.Warn(op+" rejected", "err", err, "status", status)
	}
	writeError(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
