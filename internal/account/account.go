// Package account defines the persisted record model and the byte-exact
// layouts of every record the engine reads or writes.
//
// A Record is an opaque blob tagged with the program that owns it. Records
// owned by the lending program start with an 8-byte type discriminator
// followed by little-endian fields with C layout. Token records follow the
// token program layouts and carry no discriminator.
package account

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"

	"github.com/atmx/lending-engine/internal/model"
)

// Record owners.
const (
	ProgramID          = "lending"
	TokenProgramID     = "token"
	Token2022ProgramID = "token-2022"
)

// DiscriminatorLen is the length of the type tag prefixing program records.
const DiscriminatorLen = 8

var (
	// ErrInvalidLength is returned when a record has the wrong size.
	ErrInvalidLength = errors.New("account: invalid record length")

	// ErrInvalidDiscriminator is returned when a record's type tag does not
	// match the requested type.
	ErrInvalidDiscriminator = errors.New("account: invalid discriminator")

	// ErrInvalidOwner is returned when a record is owned by an unexpected program.
	ErrInvalidOwner = errors.New("account: invalid owner")
)

// Record is one persisted account.
type Record struct {
	Key   string `json:"key"`
	Owner string `json:"owner"`
	Data  []byte `json:"data"`
}

// Address returns the address derived from the record key.
func (r Record) Address() model.Pubkey {
	return model.DeriveAddress(r.Key)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	data := make([]byte, len(r.Data))
	copy(data, r.Data)
	return Record{Key: r.Key, Owner: r.Owner, Data: data}
}

// Discriminator returns the type tag for a record type name.
func Discriminator(name string) [DiscriminatorLen]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorLen]byte
	copy(d[:], sum[:DiscriminatorLen])
	return d
}

var (
	adminDiscriminator = Discriminator("Admin")
	poolDiscriminator  = Discriminator("Pool")
	bankDiscriminator  = Discriminator("Bank")
	userDiscriminator  = Discriminator("User")
)

// HasDiscriminator reports whether data starts with the tag for name.
func HasDiscriminator(data []byte, name string) bool {
	d := Discriminator(name)
	return len(data) >= DiscriminatorLen && string(data[:DiscriminatorLen]) == string(d[:])
}

// --- Keys ---
//
// Keys play the role of derived addresses: each record type has exactly one
// key per identifying tuple.

const AdminKey = "admin"

func PoolKey(poolID uint8) string { return fmt.Sprintf("pool/%d", poolID) }

func BankKey(poolID, bankID uint8) string { return fmt.Sprintf("bank/%d/%d", poolID, bankID) }

// BankPrefix is the key prefix shared by all banks of a pool.
func BankPrefix(poolID uint8) string { return fmt.Sprintf("bank/%d/", poolID) }

func UserKey(poolID uint8, userID uint16, authority model.Pubkey) string {
	return fmt.Sprintf("user/%d/%d/%s", poolID, userID, authority)
}

// CustodyKey is the key of the token account a bank holds deposits in.
func CustodyKey(poolID, bankID uint8) string {
	return "token_account/" + BankKey(poolID, bankID)
}

func MintKey(mint model.Pubkey) string { return "mint/" + mint.String() }

// TokenAccountKey namespaces a caller-chosen token account name.
func TokenAccountKey(name string) string {
	if strings.HasPrefix(name, "token_account/") {
		return name
	}
	return "token_account/" + name
}

func checkOwner(r Record, owners ...string) error {
	for _, o := range owners {
		if r.Owner == o {
			return nil
		}
	}
	return fmt.Errorf("%w: %s owned by %q", ErrInvalidOwner, r.Key, r.Owner)
}
