// Package session keeps per-user chat sessions in memory and turns trade
// quotes into time-boxed pending transactions that can be confirmed once.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggonzalez94/defichat/internal/logging"
	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/policy"
)

const (
	DefaultPendingTTL         = 5 * time.Minute
	DefaultSessionIdleTTL     = 24 * time.Hour
	DefaultReapInterval       = 30 * time.Minute
	DefaultExpiringSoonWindow = time.Minute
)

// Hydrator seeds a new session from the user's active wallet.
type Hydrator interface {
	GetActiveWallet(ctx context.Context, user model.PlatformUser) *model.Wallet
}

type Options struct {
	PendingTTL         time.Duration
	SessionIdleTTL     time.Duration
	ReapInterval       time.Duration
	ExpiringSoonWindow time.Duration
	Now                func() time.Time
	Hydrator           Hydrator
}

// Manager owns every session. Each public method runs as one critical
// section, so a user never holds more than one pending transaction and a
// transaction is handed out by ConfirmTransaction at most once.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*UserSession

	log          *slog.Logger
	now          func() time.Time
	hydrator     Hydrator
	pendingTTL   time.Duration
	idleTTL      time.Duration
	reapInterval time.Duration
	soonWindow   time.Duration
}

func NewManager(log *slog.Logger, opts Options) *Manager {
	if log == nil {
		log = logging.Discard()
	}
	m := &Manager{
		sessions:     map[string]*UserSession{},
		log:          log,
		now:          opts.Now,
		hydrator:     opts.Hydrator,
		pendingTTL:   opts.PendingTTL,
		idleTTL:      opts.SessionIdleTTL,
		reapInterval: opts.ReapInterval,
		soonWindow:   opts.ExpiringSoonWindow,
	}
	if m.now == nil {
		m.now = time.Now
	}
	if m.pendingTTL <= 0 {
		m.pendingTTL = DefaultPendingTTL
	}
	if m.idleTTL <= 0 {
		m.idleTTL = DefaultSessionIdleTTL
	}
	if m.reapInterval <= 0 {
		m.reapInterval = DefaultReapInterval
	}
	if m.soonWindow <= 0 {
		m.soonWindow = DefaultExpiringSoonWindow
	}
	return m
}

type hydration struct {
	hasWallet      bool
	activeWalletID string
	settings       model.WalletSettings
}

func (m *Manager) hydrate(ctx context.Context, user model.PlatformUser) hydration {
	h := hydration{settings: model.DefaultWalletSettings()}
	if m.hydrator == nil {
		return h
	}
	if w := m.hydrator.GetActiveWallet(ctx, user); w != nil {
		h.hasWallet = true
		h.activeWalletID = w.ID
		h.settings = w.Settings
	}
	return h
}

// acquire returns the user's session with m.mu held, creating it on first
// use. Hydration runs without the lock.
func (m *Manager) acquire(ctx context.Context, user model.PlatformUser) *UserSession {
	key := user.UserPlatformID()
	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.LastActivity = m.now()
		return s
	}
	m.mu.Unlock()

	h := m.hydrate(ctx, user)

	m.mu.Lock()
	if s, ok := m.sessions[key]; ok {
		s.LastActivity = m.now()
		return s
	}
	s := &UserSession{
		PlatformUser:        user,
		HasWallet:           h.hasWallet,
		ActiveWalletID:      h.activeWalletID,
		Settings:            h.settings,
		PendingTransactions: map[string]PendingTransaction{},
		LastActivity:        m.now(),
	}
	m.sessions[key] = s
	m.log.Debug("session created", "user", key, "has_wallet", h.hasWallet)
	return s
}

// GetSession returns a snapshot of the user's session, creating it on first
// access.
func (m *Manager) GetSession(ctx context.Context, user model.PlatformUser) UserSession {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	return s.snapshot()
}

func (m *Manager) UpdateWalletStatus(ctx context.Context, user model.PlatformUser, hasWallet bool, activeWalletID string) {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	s.HasWallet = hasWallet
	if hasWallet {
		s.ActiveWalletID = activeWalletID
	} else {
		s.ActiveWalletID = ""
	}
}

func (m *Manager) GetSettings(ctx context.Context, user model.PlatformUser) model.WalletSettings {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	return s.Settings
}

// UpdateSettings merges patch into the session settings. Notification flags
// merge individually. An invalid patch leaves the session untouched.
func (m *Manager) UpdateSettings(ctx context.Context, user model.PlatformUser, patch model.SettingsPatch) (model.WalletSettings, error) {
	if err := policy.ValidateSettingsPatch(patch); err != nil {
		return model.WalletSettings{}, err
	}
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	s.Settings = patch.Apply(s.Settings)
	return s.Settings, nil
}

// CreatePendingTransaction replaces whatever the user had pending with a new
// transaction expiring after the pending TTL and returns its id. The quotes
// are copied so later changes by the caller do not reach stored state.
func (m *Manager) CreatePendingTransaction(ctx context.Context, user model.PlatformUser, txType TransactionType, payload Payload) (string, error) {
	if _, err := ParseTransactionType(string(txType)); err != nil {
		return "", err
	}
	quote, err := cloneQuote(payload.Quote)
	if err != nil {
		return "", fmt.Errorf("copy quote: %w", err)
	}
	wrapQuote, err := cloneQuote(payload.WrapQuote)
	if err != nil {
		return "", fmt.Errorf("copy wrap quote: %w", err)
	}
	id, err := newTransactionID()
	if err != nil {
		return "", err
	}

	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	if n := len(s.PendingTransactions); n > 0 {
		m.log.Info("cleared pending transactions", "user", user.UserPlatformID(), "count", n)
	}
	now := m.now()
	s.PendingTransactions = map[string]PendingTransaction{
		id: {
			ID:           id,
			Type:         txType,
			FromToken:    strings.TrimSpace(payload.FromToken),
			ToToken:      strings.TrimSpace(payload.ToToken),
			Amount:       payload.Amount,
			Quote:        quote,
			WrapQuote:    wrapQuote,
			Timestamp:    now,
			Expires:      now.Add(m.pendingTTL),
			PlatformUser: user,
		},
	}
	m.log.Info("pending transaction created", "user", user.UserPlatformID(), "tx", id, "type", txType)
	return id, nil
}

// GetPendingTransaction returns the transaction unless it is unknown or
// expired. Expired entries are purged.
func (m *Manager) GetPendingTransaction(ctx context.Context, user model.PlatformUser, id string) (PendingTransaction, bool) {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	tx, ok := s.PendingTransactions[id]
	if !ok {
		return PendingTransaction{}, false
	}
	if m.expired(tx) {
		delete(s.PendingTransactions, id)
		return PendingTransaction{}, false
	}
	return tx.clone(), true
}

// GetPendingTransactions purges expired entries and returns the rest, oldest
// first.
func (m *Manager) GetPendingTransactions(ctx context.Context, user model.PlatformUser) []PendingTransaction {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	m.purgeExpired(s)
	out := make([]PendingTransaction, 0, len(s.PendingTransactions))
	for _, tx := range s.PendingTransactions {
		out = append(out, tx.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].ID < out[j].ID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

// GetMostRecentPendingTransaction returns the live transaction with the
// latest timestamp.
func (m *Manager) GetMostRecentPendingTransaction(ctx context.Context, user model.PlatformUser) (PendingTransaction, bool) {
	txs := m.GetPendingTransactions(ctx, user)
	if len(txs) == 0 {
		return PendingTransaction{}, false
	}
	return txs[len(txs)-1], true
}

// IsTransactionExpiringSoon reports whether tx is still live but within the
// warning window of its expiry.
func (m *Manager) IsTransactionExpiringSoon(tx PendingTransaction) bool {
	left := tx.Expires.Sub(m.now())
	return left > 0 && left <= m.soonWindow
}

// ConfirmTransaction removes and returns the transaction if it is still live.
// A second confirmation of the same id reports false.
func (m *Manager) ConfirmTransaction(ctx context.Context, user model.PlatformUser, id string) (PendingTransaction, bool) {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	tx, ok := s.PendingTransactions[id]
	if !ok {
		return PendingTransaction{}, false
	}
	delete(s.PendingTransactions, id)
	if m.expired(tx) {
		m.log.Info("confirm of expired transaction", "user", user.UserPlatformID(), "tx", id)
		return PendingTransaction{}, false
	}
	m.log.Info("pending transaction confirmed", "user", user.UserPlatformID(), "tx", id, "type", tx.Type)
	return tx, true
}

// CancelTransaction removes the transaction whether or not it has expired.
func (m *Manager) CancelTransaction(ctx context.Context, user model.PlatformUser, id string) bool {
	s := m.acquire(ctx, user)
	defer m.mu.Unlock()
	if _, ok := s.PendingTransactions[id]; !ok {
		return false
	}
	delete(s.PendingTransactions, id)
	m.log.Info("pending transaction cancelled", "user", user.UserPlatformID(), "tx", id)
	return true
}

// Sweep purges expired transactions from every session and drops sessions
// idle for longer than the idle TTL.
func (m *Manager) Sweep() SweepResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	var res SweepResult
	now := m.now()
	for key, s := range m.sessions {
		res.ExpiredTransactions += m.purgeExpired(s)
		if now.Sub(s.LastActivity) > m.idleTTL {
			delete(m.sessions, key)
			res.RemovedSessions++
		}
	}
	return res
}

// Run sweeps every reap interval until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res := m.Sweep()
			if res.ExpiredTransactions > 0 || res.RemovedSessions > 0 {
				m.log.Info("session sweep", "expired_transactions", res.ExpiredTransactions, "removed_sessions", res.RemovedSessions)
			}
		}
	}
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Stats{Sessions: len(m.sessions)}
	for _, s := range m.sessions {
		st.PendingTransactions += len(s.PendingTransactions)
	}
	return st
}

func (m *Manager) expired(tx PendingTransaction) bool {
	return m.now().After(tx.Expires)
}

func (m *Manager) purgeExpired(s *UserSession) int {
	n := 0
	for id, tx := range s.PendingTransactions {
		if m.expired(tx) {
			delete(s.PendingTransactions, id)
			n++
		}
	}
	return n
}

func newTransactionID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate transaction id: %w", err)
	}
	return "tx_" + id.String(), nil
}
