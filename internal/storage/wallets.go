package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/ggonzalez94/defichat/internal/model"
)

var (
	ErrLimitExceeded = errors.New("wallet limit exceeded")
	ErrLastWallet    = errors.New("cannot delete the only wallet")
	ErrNotFound      = errors.New("wallet not found")
)

const walletColumns = `id, name, address, encrypted_private_key, user_platform_id, platform,
	platform_user_id, platform_username, settings, created_at, last_used, is_active, seq`

type walletRow struct {
	ID                  string `db:"id"`
	Name                string `db:"name"`
	Address             string `db:"address"`
	EncryptedPrivateKey string `db:"encrypted_private_key"`
	UserPlatformID      string `db:"user_platform_id"`
	Platform            string `db:"platform"`
	PlatformUserID      string `db:"platform_user_id"`
	PlatformUsername    string `db:"platform_username"`
	Settings            string `db:"settings"`
	CreatedAt           int64  `db:"created_at"`
	LastUsed            int64  `db:"last_used"`
	IsActive            int    `db:"is_active"`
	Seq                 int64  `db:"seq"`
}

func (r walletRow) toModel() (model.Wallet, error) {
	settings := model.DefaultWalletSettings()
	if r.Settings != "" {
		if err := json.Unmarshal([]byte(r.Settings), &settings); err != nil {
			return model.Wallet{}, fmt.Errorf("decode wallet settings %s: %w", r.ID, err)
		}
	}
	return model.Wallet{
		ID:                  r.ID,
		Name:                r.Name,
		Address:             r.Address,
		EncryptedPrivateKey: r.EncryptedPrivateKey,
		UserPlatformID:      r.UserPlatformID,
		Platform:            model.Platform(r.Platform),
		PlatformUserID:      r.PlatformUserID,
		PlatformUsername:    r.PlatformUsername,
		Settings:            settings,
		CreatedAt:           time.UnixMilli(r.CreatedAt).UTC(),
		LastUsed:            time.UnixMilli(r.LastUsed).UTC(),
		IsActive:            r.IsActive == 1,
	}, nil
}

func fromModel(w model.Wallet) (walletRow, error) {
	settings, err := json.Marshal(w.Settings)
	if err != nil {
		return walletRow{}, fmt.Errorf("encode wallet settings: %w", err)
	}
	active := 0
	if w.IsActive {
		active = 1
	}
	return walletRow{
		ID:                  w.ID,
		Name:                w.Name,
		Address:             w.Address,
		EncryptedPrivateKey: w.EncryptedPrivateKey,
		UserPlatformID:      w.UserPlatformID,
		Platform:            string(w.Platform),
		PlatformUserID:      w.PlatformUserID,
		PlatformUsername:    w.PlatformUsername,
		Settings:            string(settings),
		CreatedAt:           w.CreatedAt.UnixMilli(),
		LastUsed:            w.LastUsed.UnixMilli(),
		IsActive:            active,
	}, nil
}

// WalletRepository is the wallets table. Multi-statement mutations run in a
// single transaction.
type WalletRepository struct {
	db *DB
}

func NewWalletRepository(db *DB) *WalletRepository {
	return &WalletRepository{db: db}
}

// Insert stores w unless the owner already holds limit wallets. The wallet is
// marked active iff it is the owner's first.
func (r *WalletRepository) Insert(ctx context.Context, w model.Wallet, limit int) (model.Wallet, error) {
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.db.lockOwner(ctx, tx, w.UserPlatformID); err != nil {
			return err
		}
		var stats struct {
			Count   int   `db:"total"`
			LastSeq int64 `db:"last_seq"`
		}
		q := tx.Rebind("SELECT COUNT(*) AS total, COALESCE(MAX(seq), 0) AS last_seq FROM wallets WHERE user_platform_id = ?")
		if err := tx.GetContext(ctx, &stats, q, w.UserPlatformID); err != nil {
			return fmt.Errorf("count wallets: %w", err)
		}
		if limit > 0 && stats.Count >= limit {
			return ErrLimitExceeded
		}
		w.IsActive = stats.Count == 0
		row, err := fromModel(w)
		if err != nil {
			return err
		}
		row.Seq = stats.LastSeq + 1
		_, err = tx.NamedExecContext(ctx, `INSERT INTO wallets (`+walletColumns+`) VALUES (
			:id, :name, :address, :encrypted_private_key, :user_platform_id, :platform,
			:platform_user_id, :platform_username, :settings, :created_at, :last_used, :is_active, :seq)`, row)
		if err != nil {
			return fmt.Errorf("insert wallet: %w", err)
		}
		return nil
	})
	if err != nil {
		return model.Wallet{}, err
	}
	return w, nil
}

// ListByUser returns the owner's wallets in creation order.
func (r *WalletRepository) ListByUser(ctx context.Context, userPlatformID string) ([]model.Wallet, error) {
	var rows []walletRow
	q := r.db.rebind("SELECT " + walletColumns + " FROM wallets WHERE user_platform_id = ? ORDER BY seq ASC")
	if err := r.db.X().SelectContext(ctx, &rows, q, userPlatformID); err != nil {
		return nil, fmt.Errorf("list wallets: %w", err)
	}
	return toModels(rows)
}

func (r *WalletRepository) Get(ctx context.Context, userPlatformID, walletID string) (model.Wallet, error) {
	var row walletRow
	q := r.db.rebind("SELECT " + walletColumns + " FROM wallets WHERE id = ? AND user_platform_id = ?")
	if err := r.db.X().GetContext(ctx, &row, q, walletID, userPlatformID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Wallet{}, ErrNotFound
		}
		return model.Wallet{}, fmt.Errorf("read wallet: %w", err)
	}
	return row.toModel()
}

// GetActive returns the flagged active wallet, or ErrNotFound.
func (r *WalletRepository) GetActive(ctx context.Context, userPlatformID string) (model.Wallet, error) {
	var row walletRow
	q := r.db.rebind("SELECT " + walletColumns + " FROM wallets WHERE user_platform_id = ? AND is_active = 1 ORDER BY seq ASC LIMIT 1")
	if err := r.db.X().GetContext(ctx, &row, q, userPlatformID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Wallet{}, ErrNotFound
		}
		return model.Wallet{}, fmt.Errorf("read active wallet: %w", err)
	}
	return row.toModel()
}

func (r *WalletRepository) Count(ctx context.Context, userPlatformID string) (int, error) {
	var count int
	q := r.db.rebind("SELECT COUNT(*) FROM wallets WHERE user_platform_id = ?")
	if err := r.db.X().GetContext(ctx, &count, q, userPlatformID); err != nil {
		return 0, fmt.Errorf("count wallets: %w", err)
	}
	return count, nil
}

// CountByPlatform reports wallet totals per platform across all users.
func (r *WalletRepository) CountByPlatform(ctx context.Context) (map[model.Platform]int, error) {
	var rows []struct {
		Platform string `db:"platform"`
		Total    int    `db:"total"`
	}
	if err := r.db.X().SelectContext(ctx, &rows, "SELECT platform, COUNT(*) AS total FROM wallets GROUP BY platform"); err != nil {
		return nil, fmt.Errorf("count wallets by platform: %w", err)
	}
	out := make(map[model.Platform]int, len(rows))
	for _, row := range rows {
		out[model.Platform(row.Platform)] = row.Total
	}
	return out, nil
}

// Activate deactivates every wallet of the owner and activates walletID. It
// reports false without mutating when the wallet is not the owner's.
func (r *WalletRepository) Activate(ctx context.Context, userPlatformID, walletID string, lastUsed time.Time) (bool, error) {
	found := false
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.db.lockOwner(ctx, tx, userPlatformID); err != nil {
			return err
		}
		var n int
		if err := tx.GetContext(ctx, &n, tx.Rebind("SELECT COUNT(*) FROM wallets WHERE id = ? AND user_platform_id = ?"), walletID, userPlatformID); err != nil {
			return fmt.Errorf("check wallet owner: %w", err)
		}
		if n == 0 {
			return nil
		}
		found = true
		return activate(ctx, tx, userPlatformID, walletID, lastUsed)
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

func activate(ctx context.Context, tx *sqlx.Tx, userPlatformID, walletID string, lastUsed time.Time) error {
	if _, err := tx.ExecContext(ctx, tx.Rebind("UPDATE wallets SET is_active = 0 WHERE user_platform_id = ?"), userPlatformID); err != nil {
		return fmt.Errorf("deactivate wallets: %w", err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind("UPDATE wallets SET is_active = 1, last_used = ? WHERE id = ? AND user_platform_id = ?"), lastUsed.UnixMilli(), walletID, userPlatformID); err != nil {
		return fmt.Errorf("activate wallet: %w", err)
	}
	return nil
}

type DeleteResult struct {
	Deleted    model.Wallet
	PromotedID string
}

// Delete removes walletID. The owner's only wallet is never removed. When the
// deleted wallet was active the oldest remaining wallet is promoted in the
// same transaction.
func (r *WalletRepository) Delete(ctx context.Context, userPlatformID, walletID string, now time.Time) (DeleteResult, error) {
	var res DeleteResult
	err := r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := r.db.lockOwner(ctx, tx, userPlatformID); err != nil {
			return err
		}
		var rows []walletRow
		if err := tx.SelectContext(ctx, &rows, tx.Rebind("SELECT "+walletColumns+" FROM wallets WHERE user_platform_id = ? ORDER BY seq ASC"), userPlatformID); err != nil {
			return fmt.Errorf("list wallets: %w", err)
		}
		idx := -1
		for i := range rows {
			if rows[i].ID == walletID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotFound
		}
		if len(rows) == 1 {
			return ErrLastWallet
		}
		target, err := rows[idx].toModel()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind("DELETE FROM wallets WHERE id = ? AND user_platform_id = ?"), walletID, userPlatformID); err != nil {
			return fmt.Errorf("delete wallet: %w", err)
		}
		res.Deleted = target
		if !target.IsActive {
			return nil
		}
		for _, row := range rows {
			if row.ID == walletID {
				continue
			}
			res.PromotedID = row.ID
			return activate(ctx, tx, userPlatformID, row.ID, now)
		}
		return nil
	})
	if err != nil {
		return DeleteResult{}, err
	}
	return res, nil
}

func (r *WalletRepository) UpdateSettings(ctx context.Context, userPlatformID, walletID string, settings model.WalletSettings) error {
	buf, err := json.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode wallet settings: %w", err)
	}
	return r.updateOne(ctx, "UPDATE wallets SET settings = ? WHERE id = ? AND user_platform_id = ?", string(buf), walletID, userPlatformID)
}

func (r *WalletRepository) Rename(ctx context.Context, userPlatformID, walletID, name string) error {
	return r.updateOne(ctx, "UPDATE wallets SET name = ? WHERE id = ? AND user_platform_id = ?", name, walletID, userPlatformID)
}

func (r *WalletRepository) updateOne(ctx context.Context, q string, args ...any) error {
	return r.db.WithTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, tx.Rebind(q), args...)
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("update wallet: %w", err)
		}
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func toModels(rows []walletRow) ([]model.Wallet, error) {
	out := make([]model.Wallet, 0, len(rows))
	for _, row := range rows {
		w, err := row.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, nil
}
