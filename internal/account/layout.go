package account

import (
	"encoding/binary"
	"fmt"

	"github.com/atmx/lending-engine/internal/ledger"
	"github.com/atmx/lending-engine/internal/model"
)

// Record sizes including the discriminator where one applies.
const (
	AdminSpace        = DiscriminatorLen + 32 + 1
	PoolSpace         = DiscriminatorLen + 1
	BankSpace         = DiscriminatorLen + 8 + 32 + 48
	UserSpace         = DiscriminatorLen + 40 + ledger.Capacity*balanceSize
	MintSpace         = 82
	TokenAccountSpace = 165

	balanceSize = 16
)

var le = binary.LittleEndian

func header(data []byte, size int, d [DiscriminatorLen]byte, name string) error {
	if len(data) != size {
		return fmt.Errorf("%w: %s is %d bytes, want %d", ErrInvalidLength, name, len(data), size)
	}
	if string(data[:DiscriminatorLen]) != string(d[:]) {
		return fmt.Errorf("%w: not a %s record", ErrInvalidDiscriminator, name)
	}
	return nil
}

// --- Admin ---

func EncodeAdmin(a *model.Admin) []byte {
	b := make([]byte, AdminSpace)
	copy(b, adminDiscriminator[:])
	copy(b[8:40], a.Authority[:])
	b[40] = a.PoolCount
	return b
}

func DecodeAdmin(data []byte) (*model.Admin, error) {
	if err := header(data, AdminSpace, adminDiscriminator, "Admin"); err != nil {
		return nil, err
	}
	var a model.Admin
	copy(a.Authority[:], data[8:40])
	a.PoolCount = data[40]
	return &a, nil
}

// --- Pool ---

func EncodePool(p *model.Pool) []byte {
	b := make([]byte, PoolSpace)
	copy(b, poolDiscriminator[:])
	b[8] = p.BankCount
	return b
}

func DecodePool(data []byte) (*model.Pool, error) {
	if err := header(data, PoolSpace, poolDiscriminator, "Pool"); err != nil {
		return nil, err
	}
	return &model.Pool{BankCount: data[8]}, nil
}

// --- Bank ---
//
//	0   discriminator [8]
//	8   bank_id, pool_id, status, token_decimals          u8 x4
//	12  initial/maintenance asset, initial/maintenance liability weights  u8 x4
//	16  mint [32]
//	48  ema_price u64, ema_conf u64, price u64, conf u64
//	80  exponent i32, padding i32
//	88  publish_time i64

func EncodeBank(bk *model.Bank) []byte {
	b := make([]byte, BankSpace)
	copy(b, bankDiscriminator[:])
	b[8] = bk.ID
	b[9] = bk.PoolID
	b[10] = uint8(bk.Status)
	b[11] = bk.TokenDecimals
	b[12] = bk.InitialAssetWeight
	b[13] = bk.MaintenanceAssetWeight
	b[14] = bk.InitialLiabilityWeight
	b[15] = bk.MaintenanceLiabilityWeight
	copy(b[16:48], bk.Mint[:])
	le.PutUint64(b[48:], bk.Price.EMAPrice)
	le.PutUint64(b[56:], bk.Price.EMAConfidence)
	le.PutUint64(b[64:], bk.Price.Price)
	le.PutUint64(b[72:], bk.Price.Confidence)
	le.PutUint32(b[80:], uint32(bk.Price.Exponent))
	le.PutUint64(b[88:], uint64(bk.Price.PublishedAt))
	return b
}

func DecodeBank(data []byte) (*model.Bank, error) {
	if err := header(data, BankSpace, bankDiscriminator, "Bank"); err != nil {
		return nil, err
	}
	bk := &model.Bank{
		ID:                         data[8],
		PoolID:                     data[9],
		Status:                     model.BankStatus(data[10]),
		TokenDecimals:              data[11],
		InitialAssetWeight:         data[12],
		MaintenanceAssetWeight:     data[13],
		InitialLiabilityWeight:     data[14],
		MaintenanceLiabilityWeight: data[15],
		Price: model.PriceQuote{
			EMAPrice:      le.Uint64(data[48:]),
			EMAConfidence: le.Uint64(data[56:]),
			Price:         le.Uint64(data[64:]),
			Confidence:    le.Uint64(data[72:]),
			Exponent:      int32(le.Uint32(data[80:])),
			PublishedAt:   int64(le.Uint64(data[88:])),
		},
	}
	copy(bk.Mint[:], data[16:48])
	return bk, nil
}

// IsBank reports whether r is a well-formed bank record of this program:
// correct owner, exact size and type tag.
func IsBank(r Record) bool {
	return r.Owner == ProgramID && len(r.Data) == BankSpace && HasDiscriminator(r.Data, "Bank")
}

// --- User ---
//
//	0   discriminator [8]
//	8   authority [32]
//	40  id u16, pool_id u8, bump u8, padding [4]
//	48  16 x { balance u64, bank_id u8, balance_type u8, padding [6] }

func EncodeUser(u *model.User) []byte {
	b := make([]byte, UserSpace)
	copy(b, userDiscriminator[:])
	copy(b[8:40], u.Authority[:])
	le.PutUint16(b[40:], u.ID)
	b[42] = u.PoolID
	b[43] = u.Bump
	for i, s := range u.Ledger.Slots {
		off := 48 + i*balanceSize
		le.PutUint64(b[off:], s.Amount)
		b[off+8] = s.BankID
		b[off+9] = uint8(s.Kind)
	}
	return b
}

func DecodeUser(data []byte) (*model.User, error) {
	if err := header(data, UserSpace, userDiscriminator, "User"); err != nil {
		return nil, err
	}
	u := &model.User{
		ID:     le.Uint16(data[40:]),
		PoolID: data[42],
		Bump:   data[43],
	}
	copy(u.Authority[:], data[8:40])
	for i := range u.Ledger.Slots {
		off := 48 + i*balanceSize
		u.Ledger.Slots[i] = ledger.Slot{
			Amount: le.Uint64(data[off:]),
			BankID: data[off+8],
			Kind:   ledger.Kind(data[off+9]),
		}
	}
	return u, nil
}

// --- Token program records ---

// EncodeMint writes the 82-byte token mint layout: decimals at offset 44
// followed by the initialized flag.
func EncodeMint(m *model.Mint) []byte {
	b := make([]byte, MintSpace)
	b[44] = m.Decimals
	b[45] = 1
	return b
}

func DecodeMint(r Record) (*model.Mint, error) {
	if err := checkOwner(r, TokenProgramID, Token2022ProgramID); err != nil {
		return nil, err
	}
	if len(r.Data) != MintSpace {
		return nil, fmt.Errorf("%w: mint %s", ErrInvalidLength, r.Key)
	}
	return &model.Mint{Decimals: r.Data[44]}, nil
}

// EncodeTokenAccount writes the 165-byte token account layout: mint, owner
// and amount at offsets 0, 32 and 64, state at 108.
func EncodeTokenAccount(ta *model.TokenAccount) []byte {
	b := make([]byte, TokenAccountSpace)
	copy(b[0:32], ta.Mint[:])
	copy(b[32:64], ta.Authority[:])
	le.PutUint64(b[64:], ta.Amount)
	b[108] = 1
	return b
}

func DecodeTokenAccount(r Record) (*model.TokenAccount, error) {
	if err := checkOwner(r, TokenProgramID, Token2022ProgramID); err != nil {
		return nil, err
	}
	if len(r.Data) != TokenAccountSpace {
		return nil, fmt.Errorf("%w: token account %s", ErrInvalidLength, r.Key)
	}
	ta := &model.TokenAccount{Amount: le.Uint64(r.Data[64:])}
	copy(ta.Mint[:], r.Data[0:32])
	copy(ta.Authority[:], r.Data[32:64])
	return ta, nil
}
