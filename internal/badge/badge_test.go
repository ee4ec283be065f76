package badge

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	testService = uuid.MustParse("0000aaaa-0000-1000-8000-00805f9b34fb")
	testTxChar  = uuid.MustParse("0000aaab-0000-1000-8000-00805f9b34fb")
	testTxnChar = uuid.MustParse("0000aaac-0000-1000-8000-00805f9b34fb")
)

func testKey() []byte {
	key := make([]byte, KeySize)
	key[0] = 0x42
	return key
}

func TestNewIdentityOrdersBindings(t *testing.T) {
	id, err := NewIdentity(testService, "0xABCDEF", testKey(), []Binding{
		{Name: Txn, UUID: testTxnChar},
		{Name: Transaction, UUID: testTxChar},
	})
	require.NoError(t, err)

	assert.Equal(t, "abcdef", id.Address)
	require.Len(t, id.Characteristics, 2)
	assert.Equal(t, Transaction, id.Characteristics[0].Name)
	assert.Equal(t, Txn, id.Characteristics[1].Name)

	name, ok := id.NameFor(testTxnChar)
	require.True(t, ok)
	assert.Equal(t, Txn, name)

	_, ok = id.NameFor(uuid.New())
	assert.False(t, ok)
}

func TestNewIdentityRejects(t *testing.T) {
	chars := []Binding{{Name: Transaction, UUID: testTxChar}}
	tests := []struct {
		name    string
		service uuid.UUID
		address string
		key     []byte
		chars   []Binding
	}{
		{"nil service", uuid.Nil, "ab", testKey(), chars},
		{"empty address", testService, "0x", testKey(), chars},
		{"non-hex address", testService, "zz", testKey(), chars},
		{"short key", testService, "ab", make([]byte, 8), chars},
		{"no characteristics", testService, "ab", testKey(), nil},
		{"duplicate", testService, "ab", testKey(), append(chars, Binding{Name: Transaction, UUID: testTxnChar})},
		{"bad name", testService, "ab", testKey(), []Binding{{Name: NumServiceNames, UUID: testTxChar}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewIdentity(tt.service, tt.address, tt.key, tt.chars)
			assert.ErrorIs(t, err, ErrInvalidIdentity)
		})
	}
}

func TestKeyBytesIsCopy(t *testing.T) {
	id, err := NewIdentity(testService, "ab", testKey(), []Binding{{Name: Balance, UUID: testTxChar}})
	require.NoError(t, err)

	k := id.KeyBytes()
	k[0] = 0x00
	assert.Equal(t, byte(0x42), id.Key[0])
}

func TestParseServiceName(t *testing.T) {
	for _, name := range ServiceNames() {
		got, err := ParseServiceName(name.String())
		require.NoError(t, err)
		assert.Equal(t, name, got)
	}

	got, err := ParseServiceName("generalpurposedata")
	require.NoError(t, err)
	assert.Equal(t, GeneralPurposeData, got)

	_, err = ParseServiceName("Bogus")
	assert.Error(t, err)
	assert.Equal(t, "ServiceName(9)", ServiceName(9).String())
}
