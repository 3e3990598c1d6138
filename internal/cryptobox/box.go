// Package cryptobox encrypts wallet private keys at rest with a single
// process-wide AES-256 key.
package cryptobox

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
	"regexp"
	"strings"
)

const KeySize = 32

var (
	ErrMissingKey = errors.New("encryption key is not configured")
	ErrDecrypt    = errors.New("decrypt payload")

	rawKeyPattern = regexp.MustCompile(`^[0-9a-fA-F]{64}$`)
)

type Options struct {
	// AllowEphemeral permits a random key when no seed is supplied. Data
	// encrypted under such a key is unreadable after a restart.
	AllowEphemeral bool
	Rand           io.Reader
}

type Box struct {
	key       [KeySize]byte
	ephemeral bool
	rand      io.Reader
}

// KeyFromSeed accepts either 64 hex characters used verbatim or any other
// string, which is hashed with SHA-256.
func KeyFromSeed(seed string) ([KeySize]byte, error) {
	var key [KeySize]byte
	seed = strings.TrimSpace(seed)
	if seed == "" {
		return key, ErrMissingKey
	}
	if rawKeyPattern.MatchString(seed) {
		raw, err := hex.DecodeString(seed)
		if err != nil {
			return key, fmt.Errorf("decode hex key: %w", err)
		}
		copy(key[:], raw)
		return key, nil
	}
	return sha256.Sum256([]byte(seed)), nil
}

func New(seed string, opts Options) (*Box, error) {
	r := opts.Rand
	if r == nil {
		r = rand.Reader
	}
	key, err := KeyFromSeed(seed)
	if err == nil {
		return &Box{key: key, rand: r}, nil
	}
	if !errors.Is(err, ErrMissingKey) || !opts.AllowEphemeral {
		return nil, err
	}
	if _, err := io.ReadFull(r, key[:]); err != nil {
		return nil, fmt.Errorf("generate ephemeral key: %w", err)
	}
	return &Box{key: key, ephemeral: true, rand: r}, nil
}

func (b *Box) Ephemeral() bool { return b.ephemeral }

// Fingerprint identifies the key in logs without revealing it.
func (b *Box) Fingerprint() string {
	sum := sha256.Sum256(b.key[:])
	return hex.EncodeToString(sum[:4])
}

// Encrypt returns hex(iv) + ":" + hex(ciphertext) using AES-256-CBC with
// PKCS#7 padding and a fresh IV.
func (b *Box) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(b.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}
	padded := pad([]byte(plaintext), aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

func (b *Box) Decrypt(payload string) (string, error) {
	ivHex, ctHex, ok := strings.Cut(strings.TrimSpace(payload), ":")
	if !ok {
		return "", fmt.Errorf("%w: missing iv separator", ErrDecrypt)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: invalid iv", ErrDecrypt)
	}
	ct, err := hex.DecodeString(ctHex)
	if err != nil {
		return "", fmt.Errorf("%w: invalid ciphertext encoding", ErrDecrypt)
	}
	if len(ct) == 0 || len(ct)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext is not a whole number of blocks", ErrDecrypt)
	}
	block, err := aes.NewCipher(b.key[:])
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	out := make([]byte, len(ct))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ct)
	plain, err := unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

func pad(src []byte, size int) []byte {
	n := size - len(src)%size
	return append(append([]byte{}, src...), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(src []byte, size int) ([]byte, error) {
	if len(src) == 0 {
		return nil, fmt.Errorf("%w: empty plaintext", ErrDecrypt)
	}
	n := int(src[len(src)-1])
	if n == 0 || n > size || n > len(src) {
		return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
	}
	for _, c := range src[len(src)-n:] {
		if int(c) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrDecrypt)
		}
	}
	return src[:len(src)-n], nil
}
