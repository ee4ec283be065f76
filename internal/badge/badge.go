// Package badge defines the wallet badge identity and the logical GATT
// services the badge exposes.
package badge

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// KeySize is the length of the pre-shared AES-128 key.
const KeySize = 16

// ServiceName is a logical characteristic on the badge service.
type ServiceName int

const (
	Transaction ServiceName = iota
	Txn
	AddERC20
	Balance
	GeneralPurposeCmd
	GeneralPurposeData

	// NumServiceNames is the size of the logical-name table.
	NumServiceNames
)

var serviceNames = [NumServiceNames]string{
	Transaction:        "Transaction",
	Txn:                "Txn",
	AddERC20:           "AddERC20",
	Balance:            "Balance",
	GeneralPurposeCmd:  "GeneralPurposeCmd",
	GeneralPurposeData: "GeneralPurposeData",
}

func (n ServiceName) String() string {
	if n < 0 || n >= NumServiceNames {
		return fmt.Sprintf("ServiceName(%d)", int(n))
	}
	return serviceNames[n]
}

// ServiceNames returns the logical names in table order.
func ServiceNames() []ServiceName {
	names := make([]ServiceName, NumServiceNames)
	for i := range names {
		names[i] = ServiceName(i)
	}
	return names
}

// ParseServiceName resolves the persisted string form of a logical name.
func ParseServiceName(s string) (ServiceName, error) {
	for i, name := range serviceNames {
		if strings.EqualFold(name, s) {
			return ServiceName(i), nil
		}
	}
	return 0, fmt.Errorf("badge: unknown service name %q", s)
}

// Binding associates a logical name with the characteristic UUID the badge
// advertises for it.
type Binding struct {
	Name ServiceName
	UUID uuid.UUID
}

// Identity is the badge a host is paired with. It is immutable once built;
// re-initialization replaces it.
type Identity struct {
	ServiceID       uuid.UUID
	Address         string // wallet address, lowercase hex without 0x
	Key             [KeySize]byte
	Characteristics []Binding
}

// NewIdentity validates the parameters and builds an Identity. The
// characteristic table is reordered into logical-name order.
func NewIdentity(serviceID uuid.UUID, address string, key []byte, chars []Binding) (*Identity, error) {
	if serviceID == uuid.Nil {
		return nil, fmt.Errorf("%w: service id must not be nil", ErrInvalidIdentity)
	}
	addr := strings.ToLower(strings.TrimPrefix(strings.TrimPrefix(address, "0x"), "0X"))
	if addr == "" {
		return nil, fmt.Errorf("%w: address must not be empty", ErrInvalidIdentity)
	}
	if _, err := hex.DecodeString(addr); err != nil {
		return nil, fmt.Errorf("%w: address %q is not hex", ErrInvalidIdentity, address)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrInvalidIdentity, KeySize, len(key))
	}
	if len(chars) == 0 {
		return nil, fmt.Errorf("%w: no characteristics", ErrInvalidIdentity)
	}

	var slots [NumServiceNames]*Binding
	for i := range chars {
		b := chars[i]
		if b.Name < 0 || b.Name >= NumServiceNames {
			return nil, fmt.Errorf("%w: %s", ErrInvalidIdentity, b.Name)
		}
		if slots[b.Name] != nil {
			return nil, fmt.Errorf("%w: duplicate binding for %s", ErrInvalidIdentity, b.Name)
		}
		slots[b.Name] = &b
	}

	id := &Identity{ServiceID: serviceID, Address: addr}
	copy(id.Key[:], key)
	for _, b := range slots {
		if b != nil {
			id.Characteristics = append(id.Characteristics, *b)
		}
	}
	return id, nil
}

// NameFor returns the logical name bound to a characteristic UUID.
func (id *Identity) NameFor(charUUID uuid.UUID) (ServiceName, bool) {
	for _, b := range id.Characteristics {
		if b.UUID == charUUID {
			return b.Name, true
		}
	}
	return 0, false
}

// KeyBytes returns a copy of the key.
func (id *Identity) KeyBytes() []byte {
	k := make([]byte, KeySize)
	copy(k, id.Key[:])
	return k
}
