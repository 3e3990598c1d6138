package signer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/tyler-smith/go-bip39"
)

// DefaultDerivationPath is the first account of the standard Ethereum BIP-44 tree.
const DefaultDerivationPath = "m/44'/60'/0'/0/0"

const (
	StandardScryptN = keystore.StandardScryptN
	StandardScryptP = keystore.StandardScryptP
)

var (
	ErrInvalidPrivateKey = errors.New("invalid private key")
	ErrInvalidMnemonic   = errors.New("invalid mnemonic phrase")
	ErrInvalidKeystore   = errors.New("invalid keystore")
	ErrKeySource         = errors.New("unreadable key source")
)

type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// PrivateKeyHex returns the raw key without 0x prefix.
func (s *LocalSigner) PrivateKeyHex() string {
	if s == nil || s.privateKey == nil {
		return ""
	}
	return common.Bytes2Hex(crypto.FromECDSA(s.privateKey))
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	signer := types.LatestSignerForChainID(chainID)
	return types.SignTx(tx, signer, s.privateKey)
}

// FromHex parses a raw hex private key, with or without 0x prefix.
func FromHex(raw string) (*LocalSigner, error) {
	pk, err := parseHexKey(raw)
	if err != nil {
		return nil, err
	}
	return fromECDSA(pk)
}

// GenerateKey creates a fresh secp256k1 key pair.
func GenerateKey() (*LocalSigner, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return fromECDSA(pk)
}

// FromMnemonic derives the key at path (DefaultDerivationPath when empty)
// from a BIP-39 phrase.
func FromMnemonic(phrase, passphrase, path string) (*LocalSigner, error) {
	phrase = strings.Join(strings.Fields(strings.ToLower(phrase)), " ")
	if phrase == "" || !bip39.IsMnemonicValid(phrase) {
		return nil, ErrInvalidMnemonic
	}
	if strings.TrimSpace(path) == "" {
		path = DefaultDerivationPath
	}
	derivation, err := accounts.ParseDerivationPath(path)
	if err != nil {
		return nil, fmt.Errorf("parse derivation path: %w", err)
	}
	seed, err := bip39.NewSeedWithErrorChecking(phrase, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMnemonic, err)
	}
	key, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}
	for _, n := range derivation {
		key, err = key.Derive(n)
		if err != nil {
			return nil, fmt.Errorf("derive child key: %w", err)
		}
	}
	priv, err := key.ECPrivKey()
	if err != nil {
		return nil, fmt.Errorf("extract private key: %w", err)
	}
	return fromECDSA(priv.ToECDSA())
}

// EncryptKeystore produces a Web3 Secret Storage v3 JSON document.
func EncryptKeystore(s *LocalSigner, passphrase string, scryptN, scryptP int) ([]byte, error) {
	if s == nil || s.privateKey == nil {
		return nil, errors.New("local signer is not initialized")
	}
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("keystore password is required")
	}
	id, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate keystore id: %w", err)
	}
	key := &keystore.Key{Id: id, Address: s.address, PrivateKey: s.privateKey}
	return keystore.EncryptKey(key, passphrase, scryptN, scryptP)
}

func DecryptKeystore(buf []byte, passphrase string) (*LocalSigner, error) {
	if strings.TrimSpace(passphrase) == "" {
		return nil, fmt.Errorf("keystore password is required")
	}
	key, err := keystore.DecryptKey(buf, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidKeystore, err)
	}
	return fromECDSA(key.PrivateKey)
}

func fromECDSA(pk *ecdsa.PrivateKey) (*LocalSigner, error) {
	pub, ok := pk.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("invalid ECDSA public key")
	}
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(*pub)}, nil
}

// KeySource names key material held in files: a hex key file, or a
// keystore with its password file.
type KeySource struct {
	PrivateKeyFile       string
	KeystorePath         string
	KeystorePasswordFile string
}

// LoadKeySource reads the key named by src. A key file wins over a keystore.
func LoadKeySource(src KeySource) (*LocalSigner, error) {
	if strings.TrimSpace(src.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(src.PrivateKeyFile)
		if err != nil {
			return nil, fmt.Errorf("%w: read private key file: %v", ErrKeySource, err)
		}
		return FromHex(string(buf))
	}
	if strings.TrimSpace(src.KeystorePath) == "" {
		return nil, fmt.Errorf("%w: provide a private key file or a keystore", ErrKeySource)
	}
	if strings.TrimSpace(src.KeystorePasswordFile) == "" {
		return nil, fmt.Errorf("%w: keystore needs a password file", ErrKeySource)
	}
	pw, err := os.ReadFile(src.KeystorePasswordFile)
	if err != nil {
		return nil, fmt.Errorf("%w: read keystore password file: %v", ErrKeySource, err)
	}
	buf, err := os.ReadFile(src.KeystorePath)
	if err != nil {
		return nil, fmt.Errorf("%w: read keystore file: %v", ErrKeySource, err)
	}
	return DecryptKeystore(buf, strings.TrimRight(string(pw), "\r\n"))
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimSpace(raw)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return nil, fmt.Errorf("%w: empty private key", ErrInvalidPrivateKey)
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return pk, nil
}
