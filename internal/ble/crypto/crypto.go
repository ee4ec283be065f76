// Package crypto provides the badge link cipher: AES-128-CBC with PKCS#7
// padding and an explicit 16-byte IV carried in front of every message.
package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// KeySize is the AES-128 key length.
	KeySize = 16
	// IVSize is the CBC initialization vector length.
	IVSize = aes.BlockSize
)

// ErrCrypto marks every encryption or decryption failure. Callers must not
// treat a failed result as empty data.
var ErrCrypto = errors.New("ble/crypto: cryptographic failure")

// NewIV draws a fresh random IV. An IV is never reused across messages.
func NewIV() ([]byte, error) {
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("%w: random IV: %v", ErrCrypto, err)
	}
	return iv, nil
}

func newCBCBlock(iv, key []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("%w: key must be %d bytes, got %d", ErrCrypto, KeySize, len(key))
	}
	if len(iv) != IVSize {
		return nil, fmt.Errorf("%w: iv must be %d bytes, got %d", ErrCrypto, IVSize, len(iv))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: new cipher: %v", ErrCrypto, err)
	}
	return block, nil
}

// Encrypt pads plaintext with PKCS#7 and encrypts it with AES-128-CBC.
func Encrypt(iv, key, plaintext []byte) ([]byte, error) {
	block, err := newCBCBlock(iv, key)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext, aes.BlockSize)
	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)
	return ciphertext, nil
}

// Decrypt reverses Encrypt, validating the padding.
func Decrypt(iv, key, ciphertext []byte) ([]byte, error) {
	block, err := newCBCBlock(iv, key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: ciphertext length %d is not a positive multiple of %d", ErrCrypto, len(ciphertext), aes.BlockSize)
	}
	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)
	return unpad(plaintext, aes.BlockSize)
}

// Seal encrypts plaintext under a fresh IV and returns IV || ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	iv, err := NewIV()
	if err != nil {
		return nil, err
	}
	ciphertext, err := Encrypt(iv, key, plaintext)
	if err != nil {
		return nil, err
	}
	return append(iv, ciphertext...), nil
}

// Open splits a sealed message into IV and ciphertext and decrypts it.
func Open(key, msg []byte) ([]byte, error) {
	if len(msg) < IVSize {
		return nil, fmt.Errorf("%w: message shorter than IV (%d bytes)", ErrCrypto, len(msg))
	}
	return Decrypt(msg[:IVSize], key, msg[IVSize:])
}

// KeyID derives a short, non-reversible fingerprint of key for logs.
func KeyID(key []byte) string {
	r := hkdf.New(sha256.New, key, nil, []byte("badgelink key id"))
	id := make([]byte, 8)
	if _, err := io.ReadFull(r, id); err != nil {
		return "unknown"
	}
	return hex.EncodeToString(id)
}

func pad(data []byte, blockSize int) []byte {
	n := blockSize - len(data)%blockSize
	return append(bytes.Clone(data), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte, blockSize int) ([]byte, error) {
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, fmt.Errorf("%w: invalid padding", ErrCrypto)
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, fmt.Errorf("%w: invalid padding", ErrCrypto)
		}
	}
	return data[:len(data)-n], nil
}
