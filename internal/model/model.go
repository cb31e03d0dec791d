// Package model defines the core record types shared across the lending
// engine: oracle price quotes, banks with their risk weights, user accounts,
// and the administrative admin/pool records.
//
// All on-chain amounts are unsigned integers in native token units. Common
// unit values carry ValueDecimals places.
package model

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/atmx/lending-engine/internal/ledger"
)

// ValueDecimals is the number of decimal places in a common-unit value.
const ValueDecimals = 6

// Pubkey is a 32-byte account address.
type Pubkey [32]byte

// ErrInvalidPubkey is returned when a hex key cannot be decoded.
var ErrInvalidPubkey = errors.New("model: invalid pubkey")

// ParsePubkey decodes a 64-character hex string.
func ParsePubkey(s string) (Pubkey, error) {
	var pk Pubkey
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != len(pk) {
		return pk, fmt.Errorf("%w: %q", ErrInvalidPubkey, s)
	}
	copy(pk[:], b)
	return pk, nil
}

// DeriveAddress returns the address derived from a record key. Records that
// act as their own signing authority (banks over their custody accounts) use
// this address.
func DeriveAddress(key string) Pubkey {
	return Pubkey(sha256.Sum256([]byte("derived:" + key)))
}

func (p Pubkey) String() string { return hex.EncodeToString(p[:]) }

// IsZero reports whether the key is all zeroes.
func (p Pubkey) IsZero() bool { return p == Pubkey{} }

func (p Pubkey) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Pubkey) UnmarshalText(b []byte) error {
	pk, err := ParsePubkey(string(b))
	if err != nil {
		return err
	}
	*p = pk
	return nil
}

// PriceQuote is a point-in-time oracle reading. Price * 10^Exponent is the
// real-world unit price. It is overwritten wholesale by price updates.
type PriceQuote struct {
	Price         uint64 `json:"price"`
	Exponent      int32  `json:"exponent"`
	Confidence    uint64 `json:"confidence"`
	EMAPrice      uint64 `json:"ema_price"`
	EMAConfidence uint64 `json:"ema_confidence"`
	PublishedAt   int64  `json:"published_at"`
}

// Decimal returns the quote as a decimal unit price.
func (q PriceQuote) Decimal() decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(q.Price), q.Exponent)
}

// BankStatus is the operational state of a bank.
type BankStatus uint8

const (
	BankInactive   BankStatus = 0
	BankActive     BankStatus = 1
	BankReduceOnly BankStatus = 2
)

func (s BankStatus) String() string {
	switch s {
	case BankInactive:
		return "inactive"
	case BankActive:
		return "active"
	case BankReduceOnly:
		return "reduce_only"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

// Valid reports whether s is a known status.
func (s BankStatus) Valid() bool { return s <= BankReduceOnly }

// Bank is a supported token market and its risk parameters. Weights are
// percentages; initial weights are the stricter ones.
type Bank struct {
	ID                         uint8      `json:"bank_id"`
	PoolID                     uint8      `json:"pool_id"`
	Status                     BankStatus `json:"status"`
	TokenDecimals              uint8      `json:"token_decimals"`
	InitialAssetWeight         uint8      `json:"initial_asset_weight"`
	MaintenanceAssetWeight     uint8      `json:"maintenance_asset_weight"`
	InitialLiabilityWeight     uint8      `json:"initial_liability_weight"`
	MaintenanceLiabilityWeight uint8      `json:"maintenance_liability_weight"`
	Mint                       Pubkey     `json:"mint"`
	Price                      PriceQuote `json:"price"`
}

// User is the persisted user account: an owner identity plus its ledger.
type User struct {
	Authority Pubkey        `json:"authority"`
	ID        uint16        `json:"id"`
	PoolID    uint8         `json:"pool_id"`
	Bump      uint8         `json:"bump"`
	Ledger    ledger.Ledger `json:"ledger"`
}

// Admin is the protocol-wide authority record.
type Admin struct {
	Authority Pubkey `json:"authority"`
	PoolCount uint8  `json:"pool_count"`
}

// Pool groups banks under one administrative namespace.
type Pool struct {
	BankCount uint8 `json:"bank_count"`
}

// Mint describes a token mint.
type Mint struct {
	Decimals uint8 `json:"decimals"`
}

// TokenAccount is a custodial token balance owned by Authority.
type TokenAccount struct {
	Mint      Pubkey `json:"mint"`
	Authority Pubkey `json:"authority"`
	Amount    uint64 `json:"amount"`
}
