// Package protocol implements the badge command encoding: tag-length-value
// records carried as the plaintext of an encrypted characteristic write.
package protocol

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"

	blecrypto "github.com/chaz8081/badgelink/internal/ble/crypto"
)

// Transaction command tags.
const (
	TagTo       byte = 0x01
	TagValue    byte = 0x02
	TagGasPrice byte = 0x03
	TagGasLimit byte = 0x04
	TagNonce    byte = 0x05
	TagData     byte = 0x06
)

// Balance command tags.
const (
	TagBalanceAddress byte = 0x01
	TagBalanceValue   byte = 0x02
)

// MaxValueLen is the largest value a one-byte length can describe.
const MaxValueLen = 0xFF

// Record is a single decoded TLV record.
type Record struct {
	Tag   byte
	Value []byte
}

// AppendRecord appends tag || len || value to buf.
func AppendRecord(buf []byte, tag byte, value []byte) ([]byte, error) {
	if len(value) > MaxValueLen {
		return nil, fmt.Errorf("protocol: tag %02X value is %d bytes, max %d", tag, len(value), MaxValueLen)
	}
	buf = append(buf, tag, byte(len(value)))
	return append(buf, value...), nil
}

// ParseRecords decodes a concatenation of TLV records.
func ParseRecords(data []byte) ([]Record, error) {
	var records []Record
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, errors.New("protocol: truncated record header")
		}
		tag, n := data[0], int(data[1])
		data = data[2:]
		if len(data) < n {
			return nil, fmt.Errorf("protocol: tag %02X length %d exceeds remaining %d bytes", tag, n, len(data))
		}
		records = append(records, Record{Tag: tag, Value: append([]byte(nil), data[:n]...)})
		data = data[n:]
	}
	return records, nil
}

// Hex renders an encoded body the way the badge firmware logs it: uppercase
// hex, two digits per tag and length.
func Hex(body []byte) string {
	return strings.ToUpper(hex.EncodeToString(body))
}

// TxFields are the already-validated transaction fields, as hex strings with
// an optional 0x prefix.
type TxFields struct {
	To       string
	Value    string
	GasPrice string
	GasLimit string
	Nonce    string
	Data     string
}

// EncodeTransaction builds the transaction command body. Numeric fields are
// minimal big-endian; empty call data is omitted.
func EncodeTransaction(tx TxFields) ([]byte, error) {
	to, err := decodeBytes("to", tx.To)
	if err != nil {
		return nil, err
	}
	if len(to) == 0 {
		return nil, errors.New("protocol: to: address must not be empty")
	}

	fields := []struct {
		tag   byte
		name  string
		value string
	}{
		{TagValue, "value", tx.Value},
		{TagGasPrice, "gas price", tx.GasPrice},
		{TagGasLimit, "gas limit", tx.GasLimit},
		{TagNonce, "nonce", tx.Nonce},
	}

	buf, err := AppendRecord(nil, TagTo, to)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		v, err := decodeQuantity(f.name, f.value)
		if err != nil {
			return nil, err
		}
		if buf, err = AppendRecord(buf, f.tag, v); err != nil {
			return nil, err
		}
	}

	data, err := decodeBytes("data", tx.Data)
	if err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if buf, err = AppendRecord(buf, TagData, data); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// BalanceEntry is one account (or token contract) and its scaled balance.
type BalanceEntry struct {
	Address string
	Balance float64
}

// EncodeBalance concatenates one address/balance record pair per entry.
// It returns nil when there are no entries.
func EncodeBalance(entries ...BalanceEntry) ([]byte, error) {
	var buf []byte
	for _, e := range entries {
		addr, err := decodeBytes("balance address", e.Address)
		if err != nil {
			return nil, err
		}
		if len(addr) == 0 {
			return nil, errors.New("protocol: balance address: must not be empty")
		}
		if buf, err = AppendRecord(buf, TagBalanceAddress, addr); err != nil {
			return nil, err
		}
		if buf, err = AppendRecord(buf, TagBalanceValue, EncodeDouble(e.Balance)); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

// EncodeDouble returns the IEEE-754 bytes of v in reversed (little-endian)
// order, as the badge expects.
func EncodeDouble(v float64) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return b
}

// ScaleBalance converts a raw integer balance (decimal, or hex with 0x) into
// whole units by shifting it decimals places.
func ScaleBalance(raw string, decimals int) (float64, error) {
	if decimals < 0 {
		return 0, fmt.Errorf("protocol: negative decimals %d", decimals)
	}
	n, ok := new(big.Int).SetString(strings.TrimSpace(raw), 0)
	if !ok {
		return 0, fmt.Errorf("protocol: invalid balance %q", raw)
	}
	scale := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	f, _ := new(big.Rat).SetFrac(n, scale).Float64()
	return f, nil
}

// WireMessage encrypts body under a fresh IV: IV || ciphertext.
func WireMessage(key, body []byte) ([]byte, error) {
	msg, err := blecrypto.Seal(key, body)
	if err != nil {
		return nil, fmt.Errorf("protocol: seal: %w", err)
	}
	return msg, nil
}

func trimHexPrefix(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// decodeBytes decodes an opaque even-length hex string verbatim.
func decodeBytes(name, s string) ([]byte, error) {
	b, err := hex.DecodeString(trimHexPrefix(s))
	if err != nil {
		return nil, fmt.Errorf("protocol: %s: %w", name, err)
	}
	return b, nil
}

// decodeQuantity decodes a hex number with leading zeros trimmed and a single
// pad digit for odd lengths. Zero encodes as one 0x00 byte.
func decodeQuantity(name, s string) ([]byte, error) {
	digits := strings.TrimLeft(trimHexPrefix(s), "0")
	if len(digits)%2 == 1 {
		digits = "0" + digits
	}
	if digits == "" {
		digits = "00"
	}
	b, err := hex.DecodeString(digits)
	if err != nil {
		return nil, fmt.Errorf("protocol: %s: %w", name, err)
	}
	return b, nil
}
