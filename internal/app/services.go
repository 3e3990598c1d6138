package app

import (
	"context"
	"errors"
	"log/slog"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/go-redis/redis/v8"

	"github.com/ggonzalez94/defichat/internal/cryptobox"
	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/execution"
	"github.com/ggonzalez94/defichat/internal/httpx"
	"github.com/ggonzalez94/defichat/internal/lock"
	"github.com/ggonzalez94/defichat/internal/registry"
	"github.com/ggonzalez94/defichat/internal/session"
	"github.com/ggonzalez94/defichat/internal/storage"
	"github.com/ggonzalez94/defichat/internal/vault"
)

// services is the object graph behind every stateful command.
type services struct {
	db       *storage.DB
	redis    *redis.Client
	box      *cryptobox.Box
	vault    *vault.Vault
	sessions *session.Manager
	journal  *execution.Journal
	executor *execution.Executor
}

// services opens the store and builds the graph on first use.
func (s *runtimeState) services(ctx context.Context) (*services, error) {
	if s.svc != nil {
		return s.svc, nil
	}
	settings := s.settings

	box, err := cryptobox.New(settings.EncryptionKey, cryptobox.Options{AllowEphemeral: settings.AllowEphemeralKey})
	if err != nil {
		if errors.Is(err, cryptobox.ErrMissingKey) {
			return nil, clierr.Wrap(clierr.CodeKeyConfig, "wallet encryption key is not configured (set WALLET_ENCRYPTION_KEY)", err)
		}
		return nil, clierr.Wrap(clierr.CodeKeyConfig, "initialize wallet encryption", err)
	}
	if box.Ephemeral() {
		s.log.Warn("using an ephemeral encryption key; stored wallets become unreadable after restart", "key", box.Fingerprint())
	}

	db, err := storage.Open(ctx, storage.Config{
		Driver:      settings.DatabaseDriver,
		DSN:         settings.DatabaseDSN,
		LockPath:    settings.DatabaseLockPath,
		LockTimeout: settings.Timeout,
	})
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "open wallet store", err)
	}

	svc := &services{db: db, box: box}
	var locker lock.Locker
	switch settings.LockBackend {
	case "redis":
		svc.redis = redis.NewClient(&redis.Options{
			Addr:     settings.RedisAddr,
			Password: settings.RedisPassword,
			DB:       settings.RedisDB,
		})
		if err := svc.redis.Ping(ctx).Err(); err != nil {
			svc.close(s.log)
			return nil, clierr.Wrap(clierr.CodeUnavailable, "connect lock backend", err)
		}
		locker = lock.NewRedis(svc.redis, lock.RedisOptions{TTL: settings.LockTTL})
	default:
		locker = lock.NewMemory()
	}

	svc.vault = vault.New(storage.NewWalletRepository(db), box, locker, s.log.With("component", "vault"), vault.Options{
		MaxWallets: settings.MaxWallets,
		Now:        s.runner.now,
	})
	svc.sessions = session.NewManager(s.log.With("component", "session"), session.Options{
		PendingTTL:     settings.PendingTTL,
		SessionIdleTTL: settings.SessionIdleTTL,
		ReapInterval:   settings.ReapInterval,
		Now:            s.runner.now,
		Hydrator:       svc.vault,
	})
	svc.journal = execution.NewJournal(db)
	svc.executor = execution.NewExecutor(svc.journal, s.log.With("component", "executor"), s.runner.now)

	s.log.Debug("services ready",
		"driver", db.Driver(),
		"lock_backend", settings.LockBackend,
		"chain_id", settings.ChainID,
		"key", box.Fingerprint(),
	)
	s.svc = svc
	return svc, nil
}

func (svc *services) close(log *slog.Logger) {
	if svc.redis != nil {
		if err := svc.redis.Close(); err != nil {
			log.Warn("close redis", "error", err)
		}
	}
	if svc.db != nil {
		if err := svc.db.Close(); err != nil {
			log.Warn("close wallet store", "error", err)
		}
	}
}

// dialChain connects to the configured JSON-RPC endpoint through the retrying
// transport.
func (s *runtimeState) dialChain(ctx context.Context) (*ethclient.Client, error) {
	url, err := registry.ResolveRPCURL(s.settings.RPCURL, s.settings.ChainID)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUsage, "resolve rpc url", err)
	}
	client, err := rpc.DialOptions(ctx, url, rpc.WithHTTPClient(httpx.New(s.settings.Timeout, s.settings.RPCRetries)))
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeUnavailable, "connect rpc", err)
	}
	return ethclient.NewClient(client), nil
}
