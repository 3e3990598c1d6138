package signer

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

const testPrivateKey = "59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1"

// Hardhat's well-known development mnemonic and its first account.
const (
	testMnemonic        = "test test test test test test test test test test test junk"
	testMnemonicAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestFromHexSignsTransaction(t *testing.T) {
	s, err := FromHex("0x" + testPrivateKey)
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	if s.Address() == (common.Address{}) {
		t.Fatal("expected non-zero signer address")
	}
	if s.PrivateKeyHex() != testPrivateKey {
		t.Fatalf("expected private key round trip, got %s", s.PrivateKeyHex())
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    0,
		To:       ptrAddress(common.HexToAddress("0x0000000000000000000000000000000000000001")),
		Value:    big.NewInt(0),
		Gas:      21_000,
		GasPrice: big.NewInt(1),
	})
	if _, err := s.SignTx(common.Big1, tx); err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
}

func TestFromHexRejectsMalformedKey(t *testing.T) {
	for _, raw := range []string{"", "0x", "abc", strings.Repeat("z", 64)} {
		if _, err := FromHex(raw); !errors.Is(err, ErrInvalidPrivateKey) {
			t.Fatalf("expected ErrInvalidPrivateKey for %q, got %v", raw, err)
		}
	}
}

func TestGenerateKeyProducesDistinctKeys(t *testing.T) {
	a, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	b, err := GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}
	if a.Address() == b.Address() {
		t.Fatal("expected distinct generated addresses")
	}
	again, err := FromHex(a.PrivateKeyHex())
	if err != nil {
		t.Fatalf("FromHex(generated) failed: %v", err)
	}
	if again.Address() != a.Address() {
		t.Fatal("expected generated key to re-derive the same address")
	}
}

func TestFromMnemonicDerivesStandardAccount(t *testing.T) {
	s, err := FromMnemonic("  Test test test test test test test test test test test junk ", "", "")
	if err != nil {
		t.Fatalf("FromMnemonic failed: %v", err)
	}
	if !strings.EqualFold(s.Address().Hex(), testMnemonicAddress) {
		t.Fatalf("expected %s, got %s", testMnemonicAddress, s.Address().Hex())
	}
	other, err := FromMnemonic(testMnemonic, "", "m/44'/60'/0'/0/1")
	if err != nil {
		t.Fatalf("FromMnemonic(index 1) failed: %v", err)
	}
	if other.Address() == s.Address() {
		t.Fatal("expected a different account for a different path")
	}
}

func TestFromMnemonicRejectsInvalidPhrase(t *testing.T) {
	for _, phrase := range []string{"", "not a mnemonic", "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon"} {
		if _, err := FromMnemonic(phrase, "", ""); !errors.Is(err, ErrInvalidMnemonic) {
			t.Fatalf("expected ErrInvalidMnemonic for %q, got %v", phrase, err)
		}
	}
}

func TestKeystoreRoundTrip(t *testing.T) {
	s, err := FromHex(testPrivateKey)
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	buf, err := EncryptKeystore(s, "hunter2", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("EncryptKeystore failed: %v", err)
	}
	if strings.Contains(string(buf), testPrivateKey) {
		t.Fatal("keystore leaks the raw key")
	}
	back, err := DecryptKeystore(buf, "hunter2")
	if err != nil {
		t.Fatalf("DecryptKeystore failed: %v", err)
	}
	if back.Address() != s.Address() {
		t.Fatal("expected keystore round trip to keep the address")
	}
	if _, err := DecryptKeystore(buf, "wrong"); !errors.Is(err, ErrInvalidKeystore) {
		t.Fatalf("expected ErrInvalidKeystore for wrong password, got %v", err)
	}
	if _, err := EncryptKeystore(s, "", keystore.LightScryptN, keystore.LightScryptP); err == nil {
		t.Fatal("expected missing password error")
	}
}

func TestLoadKeySourceFromFiles(t *testing.T) {
	s, _ := FromHex(testPrivateKey)
	buf, err := EncryptKeystore(s, "pw", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("EncryptKeystore failed: %v", err)
	}
	dir := t.TempDir()
	ksPath := filepath.Join(dir, "key.json")
	pwPath := filepath.Join(dir, "pw.txt")
	keyPath := filepath.Join(dir, "key.hex")
	if err := os.WriteFile(ksPath, buf, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}
	if err := os.WriteFile(pwPath, []byte("pw\n"), 0o600); err != nil {
		t.Fatalf("write password: %v", err)
	}
	if err := os.WriteFile(keyPath, []byte("0x"+testPrivateKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}

	loaded, err := LoadKeySource(KeySource{KeystorePath: ksPath, KeystorePasswordFile: pwPath})
	if err != nil {
		t.Fatalf("LoadKeySource(keystore) failed: %v", err)
	}
	if loaded.Address() != s.Address() {
		t.Fatal("expected keystore file to load the same address")
	}
	loaded, err = LoadKeySource(KeySource{PrivateKeyFile: keyPath})
	if err != nil {
		t.Fatalf("LoadKeySource(key file) failed: %v", err)
	}
	if loaded.Address() != s.Address() {
		t.Fatal("expected key file to load the same address")
	}
}

func TestLoadKeySourceErrors(t *testing.T) {
	if _, err := LoadKeySource(KeySource{}); !errors.Is(err, ErrKeySource) {
		t.Fatalf("expected missing source error, got %v", err)
	}
	if _, err := LoadKeySource(KeySource{KeystorePath: "key.json"}); !errors.Is(err, ErrKeySource) {
		t.Fatalf("expected missing password file error, got %v", err)
	}
	missing := filepath.Join(t.TempDir(), "absent")
	if _, err := LoadKeySource(KeySource{PrivateKeyFile: missing}); !errors.Is(err, ErrKeySource) {
		t.Fatalf("expected unreadable file error, got %v", err)
	}
	bad := filepath.Join(t.TempDir(), "bad.hex")
	if err := os.WriteFile(bad, []byte("zz"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	if _, err := LoadKeySource(KeySource{PrivateKeyFile: bad}); !errors.Is(err, ErrInvalidPrivateKey) {
		t.Fatalf("expected invalid key error, got %v", err)
	}
}

func ptrAddress(v common.Address) *common.Address { return &v }
