// Package vault keeps custodial wallets for chat users. A user owns at most
// MaxWallets wallets and exactly one of them is active whenever any exist.
package vault

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/execution/signer"
	"github.com/ggonzalez94/defichat/internal/lock"
	"github.com/ggonzalez94/defichat/internal/logging"
	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/policy"
	"github.com/ggonzalez94/defichat/internal/storage"
)

// DefaultMaxWallets caps wallets per user when Options.MaxWallets is unset.
const DefaultMaxWallets = 5

// Store is the persistence surface the vault needs. storage.WalletRepository
// implements it.
type Store interface {
	Insert(ctx context.Context, w model.Wallet, limit int) (model.Wallet, error)
	ListByUser(ctx context.Context, userPlatformID string) ([]model.Wallet, error)
	Get(ctx context.Context, userPlatformID, walletID string) (model.Wallet, error)
	GetActive(ctx context.Context, userPlatformID string) (model.Wallet, error)
	Activate(ctx context.Context, userPlatformID, walletID string, lastUsed time.Time) (bool, error)
	Delete(ctx context.Context, userPlatformID, walletID string, now time.Time) (storage.DeleteResult, error)
	UpdateSettings(ctx context.Context, userPlatformID, walletID string, settings model.WalletSettings) error
	Rename(ctx context.Context, userPlatformID, walletID, name string) error
}

// Cipher encrypts private keys at rest. cryptobox.Box implements it.
type Cipher interface {
	Encrypt(plaintext string) (string, error)
	Decrypt(payload string) (string, error)
}

// Options tunes a Vault. Zero values fall back to defaults.
type Options struct {
	MaxWallets int
	Now        func() time.Time
	// ScryptN and ScryptP tune keystore export. Zero means go-ethereum's
	// standard parameters.
	ScryptN int
	ScryptP int
}

// Vault is the wallet service for all chat users.
type Vault struct {
	store      Store
	cipher     Cipher
	locker     lock.Locker
	log        *slog.Logger
	maxWallets int
	now        func() time.Time
	scryptN    int
	scryptP    int
}

// New builds a Vault. A nil locker means an in-process lock.
func New(store Store, cipher Cipher, locker lock.Locker, log *slog.Logger, opts Options) *Vault {
	if locker == nil {
		locker = lock.NewMemory()
	}
	if log == nil {
		log = logging.Discard()
	}
	v := &Vault{
		store:      store,
		cipher:     cipher,
		locker:     locker,
		log:        log,
		maxWallets: opts.MaxWallets,
		now:        opts.Now,
		scryptN:    opts.ScryptN,
		scryptP:    opts.ScryptP,
	}
	if v.maxWallets <= 0 {
		v.maxWallets = DefaultMaxWallets
	}
	if v.now == nil {
		v.now = time.Now
	}
	return v
}

// MaxWallets is the per-user wallet cap in effect.
func (v *Vault) MaxWallets() int { return v.maxWallets }

// CreateWallet generates a key pair, or imports importPrivateKey when set,
// and stores it encrypted. The wallet is active iff it is the user's first.
func (v *Vault) CreateWallet(ctx context.Context, user model.PlatformUser, name, importPrivateKey string) (model.Wallet, error) {
	var (
		s   *signer.LocalSigner
		err error
	)
	if strings.TrimSpace(importPrivateKey) != "" {
		s, err = signer.FromHex(importPrivateKey)
		if err != nil {
			return model.Wallet{}, clierr.Wrap(clierr.CodeInvalidInput, "invalid private key", err)
		}
	} else {
		s, err = signer.GenerateKey()
		if err != nil {
			return model.Wallet{}, clierr.Wrap(clierr.CodeInternal, "generate wallet key", err)
		}
	}
	return v.persist(ctx, user, name, s)
}

// ImportWalletFromPrivateKey stores a hex key; an empty key is invalid input.
func (v *Vault) ImportWalletFromPrivateKey(ctx context.Context, user model.PlatformUser, privateKey, name string) (model.Wallet, error) {
	if strings.TrimSpace(privateKey) == "" {
		return model.Wallet{}, clierr.New(clierr.CodeInvalidInput, "invalid private key: empty")
	}
	return v.CreateWallet(ctx, user, name, privateKey)
}

// ImportWalletFromMnemonic derives the first account of the standard
// Ethereum path from a BIP-39 phrase.
func (v *Vault) ImportWalletFromMnemonic(ctx context.Context, user model.PlatformUser, phrase, name string) (model.Wallet, error) {
	s, err := signer.FromMnemonic(phrase, "", signer.DefaultDerivationPath)
	if err != nil {
		return model.Wallet{}, clierr.Wrap(clierr.CodeInvalidInput, "invalid mnemonic phrase", err)
	}
	return v.persist(ctx, user, name, s)
}

// ImportWalletFromKeySource imports a key read from a hex key file or a
// password-protected keystore.
func (v *Vault) ImportWalletFromKeySource(ctx context.Context, user model.PlatformUser, src signer.KeySource, name string) (model.Wallet, error) {
	s, err := signer.LoadKeySource(src)
	if errors.Is(err, signer.ErrKeySource) {
		return model.Wallet{}, clierr.Wrap(clierr.CodeUsage, "read key material", err)
	}
	if err != nil {
		return model.Wallet{}, clierr.Wrap(clierr.CodeInvalidInput, "invalid key material", err)
	}
	return v.persist(ctx, user, name, s)
}

// persist holds the per-user lock across the cap check and the insert.
func (v *Vault) persist(ctx context.Context, user model.PlatformUser, name string, s signer.Custodial) (model.Wallet, error) {
	owner := user.UserPlatformID()
	release, ok, err := v.locker.TryAcquire(ctx, owner)
	if err != nil {
		v.log.Error("acquire wallet lock", "user", owner, "error", err)
		return model.Wallet{}, clierr.Wrap(clierr.CodeUnavailable, "wallet lock unavailable", err)
	}
	if !ok {
		v.log.Warn("wallet operation already in progress", "user", owner, "op", "create")
		return model.Wallet{}, clierr.New(clierr.CodeConflict, "another wallet operation is in progress")
	}
	defer release()

	existing, err := v.store.ListByUser(ctx, owner)
	if err != nil {
		v.log.Error("list wallets before create", "user", owner, "error", err)
		return model.Wallet{}, clierr.Wrap(clierr.CodeUnavailable, "wallet store unavailable", err)
	}
	if len(existing) >= v.maxWallets {
		return model.Wallet{}, limitError(v.maxWallets)
	}
	address := s.Address().Hex()
	for _, w := range existing {
		if strings.EqualFold(w.Address, address) {
			return model.Wallet{}, clierr.New(clierr.CodeConflict, fmt.Sprintf("wallet %s already holds address %s", w.ID, address))
		}
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = fmt.Sprintf("Wallet %d", len(existing)+1)
	}
	ciphertext, err := v.cipher.Encrypt("0x" + s.PrivateKeyHex())
	if err != nil {
		return model.Wallet{}, clierr.Wrap(clierr.CodeInternal, "encrypt wallet key", err)
	}
	now := v.now().UTC()
	w := model.Wallet{
		ID:                  uuid.NewString(),
		Name:                name,
		Address:             address,
		EncryptedPrivateKey: ciphertext,
		UserPlatformID:      owner,
		Platform:            user.Platform,
		PlatformUserID:      user.PlatformUserID,
		PlatformUsername:    user.PlatformUsername,
		Settings:            model.DefaultWalletSettings(),
		CreatedAt:           now,
		LastUsed:            now,
	}
	stored, err := v.store.Insert(ctx, w, v.maxWallets)
	if err != nil {
		if errors.Is(err, storage.ErrLimitExceeded) {
			return model.Wallet{}, limitError(v.maxWallets)
		}
		v.log.Error("insert wallet", "user", owner, "error", err)
		return model.Wallet{}, clierr.Wrap(clierr.CodeUnavailable, "wallet store unavailable", err)
	}
	v.log.Info("wallet created", "user", owner, "wallet", stored.ID, "address", stored.Address, "active", stored.IsActive)
	return stored, nil
}

// GetUserWallets lists the user's wallets in creation order. Store failures
// are logged and yield an empty list.
func (v *Vault) GetUserWallets(ctx context.Context, user model.PlatformUser) []model.Wallet {
	wallets, err := v.store.ListByUser(ctx, user.UserPlatformID())
	if err != nil {
		v.log.Error("list wallets", "user", user.UserPlatformID(), "error", err)
		return []model.Wallet{}
	}
	return wallets
}

// GetActiveWallet returns the flagged wallet, falling back to the oldest one
// when no wallet carries the flag. It returns nil when the user has none.
func (v *Vault) GetActiveWallet(ctx context.Context, user model.PlatformUser) *model.Wallet {
	owner := user.UserPlatformID()
	w, err := v.store.GetActive(ctx, owner)
	if err == nil {
		return &w
	}
	if !errors.Is(err, storage.ErrNotFound) {
		v.log.Error("read active wallet", "user", owner, "error", err)
		return nil
	}
	wallets := v.GetUserWallets(ctx, user)
	if len(wallets) == 0 {
		return nil
	}
	v.log.Warn("no wallet flagged active, using oldest", "user", owner, "wallet", wallets[0].ID)
	return &wallets[0]
}

// SwitchWallet makes walletID the user's only active wallet. It returns false
// when the wallet is not the user's, when the store fails, or when another
// wallet operation for the same user is in flight.
func (v *Vault) SwitchWallet(ctx context.Context, user model.PlatformUser, walletID string) bool {
	owner := user.UserPlatformID()
	release, ok, err := v.locker.TryAcquire(ctx, owner)
	if err != nil {
		v.log.Error("acquire wallet lock", "user", owner, "error", err)
		return false
	}
	if !ok {
		v.log.Warn("wallet operation already in progress", "user", owner, "op", "switch")
		return false
	}
	defer release()

	found, err := v.store.Activate(ctx, owner, walletID, v.now().UTC())
	if err != nil {
		v.log.Error("switch wallet", "user", owner, "wallet", walletID, "error", err)
		return false
	}
	if !found {
		v.log.Warn("switch to unknown wallet", "user", owner, "wallet", walletID)
		return false
	}
	v.log.Info("wallet switched", "user", owner, "wallet", walletID)
	return true
}

// DeleteWallet removes walletID and promotes the oldest remaining wallet when
// the deleted one was active. Deleting the only wallet fails with
// CodeLastWallet. An unknown wallet or a store failure reports false.
func (v *Vault) DeleteWallet(ctx context.Context, user model.PlatformUser, walletID string) (bool, error) {
	owner := user.UserPlatformID()
	release, ok, err := v.locker.TryAcquire(ctx, owner)
	if err != nil {
		v.log.Error("acquire wallet lock", "user", owner, "error", err)
		return false, nil
	}
	if !ok {
		v.log.Warn("wallet operation already in progress", "user", owner, "op", "delete")
		return false, clierr.New(clierr.CodeConflict, "another wallet operation is in progress")
	}
	defer release()

	res, err := v.store.Delete(ctx, owner, walletID, v.now().UTC())
	switch {
	case errors.Is(err, storage.ErrLastWallet):
		return false, clierr.New(clierr.CodeLastWallet, "cannot delete your only wallet")
	case errors.Is(err, storage.ErrNotFound):
		return false, nil
	case err != nil:
		v.log.Error("delete wallet", "user", owner, "wallet", walletID, "error", err)
		return false, nil
	}
	v.log.Info("wallet deleted", "user", owner, "wallet", walletID, "promoted", res.PromotedID)
	return true, nil
}

// GetWalletPrivateKey decrypts the key of walletID, or of the active wallet
// when walletID is empty. Failures are logged and reported as false. The
// decrypted key must derive the stored address.
func (v *Vault) GetWalletPrivateKey(ctx context.Context, user model.PlatformUser, walletID string) (string, bool) {
	w, ok := v.resolve(ctx, user, walletID)
	if !ok {
		return "", false
	}
	key, err := v.decrypt(w)
	if err != nil {
		v.log.Error("decrypt wallet key", "user", w.UserPlatformID, "wallet", w.ID, "error", err)
		return "", false
	}
	return key, true
}

func (v *Vault) resolve(ctx context.Context, user model.PlatformUser, walletID string) (model.Wallet, bool) {
	walletID = strings.TrimSpace(walletID)
	if walletID == "" {
		w := v.GetActiveWallet(ctx, user)
		if w == nil {
			return model.Wallet{}, false
		}
		return *w, true
	}
	w, err := v.store.Get(ctx, user.UserPlatformID(), walletID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			v.log.Error("read wallet", "user", user.UserPlatformID(), "wallet", walletID, "error", err)
		}
		return model.Wallet{}, false
	}
	return w, true
}

func (v *Vault) decrypt(w model.Wallet) (string, error) {
	plain, err := v.cipher.Decrypt(w.EncryptedPrivateKey)
	if err != nil {
		return "", err
	}
	s, err := signer.FromHex(plain)
	if err != nil {
		return "", fmt.Errorf("decrypted payload is not a private key: %w", err)
	}
	if !strings.EqualFold(s.Address().Hex(), w.Address) {
		return "", fmt.Errorf("decrypted key does not match wallet address")
	}
	return plain, nil
}

// ExportKeystore re-encrypts a wallet key as a Web3 Secret Storage document.
func (v *Vault) ExportKeystore(ctx context.Context, user model.PlatformUser, walletID, password string) ([]byte, error) {
	w, ok := v.resolve(ctx, user, walletID)
	if !ok {
		return nil, clierr.New(clierr.CodeNotFound, "wallet not found")
	}
	key, err := v.decrypt(w)
	if err != nil {
		v.log.Error("decrypt wallet key", "user", w.UserPlatformID, "wallet", w.ID, "error", err)
		return nil, clierr.Wrap(clierr.CodeDecrypt, "wallet key cannot be decrypted", err)
	}
	s, err := signer.FromHex(key)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeDecrypt, "wallet key cannot be decrypted", err)
	}
	n, p := v.scryptN, v.scryptP
	if n <= 0 || p <= 0 {
		n, p = signer.StandardScryptN, signer.StandardScryptP
	}
	buf, err := signer.EncryptKeystore(s, password, n, p)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidInput, "export keystore", err)
	}
	return buf, nil
}

// GetUserSummary aggregates the user's wallets for display.
func (v *Vault) GetUserSummary(ctx context.Context, user model.PlatformUser) model.UserSummary {
	wallets := v.GetUserWallets(ctx, user)
	summary := model.UserSummary{TotalWallets: len(wallets), Platforms: []model.Platform{}}
	if len(wallets) == 0 {
		return summary
	}
	summary.ActiveWallet = v.GetActiveWallet(ctx, user)
	seen := map[model.Platform]bool{}
	earliest := wallets[0].CreatedAt
	for _, w := range wallets {
		if !seen[w.Platform] {
			seen[w.Platform] = true
			summary.Platforms = append(summary.Platforms, w.Platform)
		}
		if w.CreatedAt.Before(earliest) {
			earliest = w.CreatedAt
		}
	}
	sort.Slice(summary.Platforms, func(i, j int) bool { return summary.Platforms[i] < summary.Platforms[j] })
	summary.CreatedAt = &earliest
	return summary
}

// UpdateWalletSettings validates and merges patch into the wallet's stored
// settings and returns the result.
func (v *Vault) UpdateWalletSettings(ctx context.Context, user model.PlatformUser, walletID string, patch model.SettingsPatch) (model.WalletSettings, error) {
	if err := policy.ValidateSettingsPatch(patch); err != nil {
		return model.WalletSettings{}, err
	}
	owner := user.UserPlatformID()
	w, err := v.store.Get(ctx, owner, walletID)
	if err != nil {
		return model.WalletSettings{}, v.storeError("read wallet", owner, walletID, err)
	}
	next := patch.Apply(w.Settings)
	if err := v.store.UpdateSettings(ctx, owner, walletID, next); err != nil {
		return model.WalletSettings{}, v.storeError("update wallet settings", owner, walletID, err)
	}
	return next, nil
}

func (v *Vault) RenameWallet(ctx context.Context, user model.PlatformUser, walletID, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return clierr.New(clierr.CodeInvalidInput, "wallet name is required")
	}
	owner := user.UserPlatformID()
	if err := v.store.Rename(ctx, owner, walletID, name); err != nil {
		return v.storeError("rename wallet", owner, walletID, err)
	}
	return nil
}

func (v *Vault) storeError(op, owner, walletID string, err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return clierr.New(clierr.CodeNotFound, "wallet not found")
	}
	v.log.Error(op, "user", owner, "wallet", walletID, "error", err)
	return clierr.Wrap(clierr.CodeUnavailable, "wallet store unavailable", err)
}

func limitError(max int) error {
	return clierr.New(clierr.CodeLimitExceeded, fmt.Sprintf("wallet limit reached: a user can hold at most %d wallets", max))
}
