package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/registry"
)

// EncryptionKeyEnv holds the wallet encryption key seed: 64 hex characters,
// or any other string which is hashed.
const EncryptionKeyEnv = "WALLET_ENCRYPTION_KEY"

type GlobalFlags struct {
	ConfigPath     string
	EnvFile        string
	JSON           bool
	Plain          bool
	Select         string
	ResultsOnly    bool
	EnableCommands string
	Timeout        string
	Platform       string
	User           string
	Username       string
	LogLevel       string
}

type Settings struct {
	OutputMode     string
	SelectFields   []string
	ResultsOnly    bool
	EnableCommands []string
	Timeout        time.Duration

	Platform string
	UserID   string
	Username string

	DatabaseDriver   string
	DatabaseDSN      string
	DatabaseLockPath string

	EncryptionKey     string
	AllowEphemeralKey bool

	LockBackend   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	LockTTL       time.Duration

	MaxWallets     int
	PendingTTL     time.Duration
	SessionIdleTTL time.Duration
	ReapInterval   time.Duration

	ChainID       int64
	RPCURL        string
	RPCRetries    int
	Broadcast     bool
	GasMultiplier float64

	LogLevel  string
	LogFormat string
}

type fileConfig struct {
	Output   string `yaml:"output"`
	Timeout  string `yaml:"timeout"`
	Platform string `yaml:"platform"`
	User     string `yaml:"user"`
	Database struct {
		Driver   string `yaml:"driver"`
		DSN      string `yaml:"dsn"`
		DSNEnv   string `yaml:"dsn_env"`
		LockPath string `yaml:"lock_path"`
	} `yaml:"database"`
	Encryption struct {
		KeyEnv         string `yaml:"key_env"`
		AllowEphemeral *bool  `yaml:"allow_ephemeral_key"`
	} `yaml:"encryption"`
	Lock struct {
		Backend       string `yaml:"backend"`
		RedisAddr     string `yaml:"redis_addr"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       *int   `yaml:"redis_db"`
		TTL           string `yaml:"ttl"`
	} `yaml:"lock"`
	Wallets struct {
		Max *int `yaml:"max"`
	} `yaml:"wallets"`
	Sessions struct {
		PendingTTL   string `yaml:"pending_ttl"`
		IdleTTL      string `yaml:"idle_ttl"`
		ReapInterval string `yaml:"reap_interval"`
	} `yaml:"sessions"`
	Chain struct {
		ID            *int64   `yaml:"id"`
		RPCURL        string   `yaml:"rpc_url"`
		RPCRetries    *int     `yaml:"rpc_retries"`
		Broadcast     *bool    `yaml:"broadcast"`
		GasMultiplier *float64 `yaml:"gas_multiplier"`
	} `yaml:"chain"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// Load layers defaults, the YAML file, the environment (after loading the
// .env file) and flags, in increasing precedence.
func Load(flags GlobalFlags) (Settings, error) {
	if err := loadEnvFile(flags.EnvFile); err != nil {
		return Settings{}, err
	}

	settings, err := defaultSettings()
	if err != nil {
		return Settings{}, err
	}

	cfgPath, err := resolveConfigPath(flags.ConfigPath)
	if err != nil {
		return Settings{}, err
	}

	if err := applyFileConfig(cfgPath, &settings); err != nil {
		return Settings{}, err
	}

	if err := applyEnv(&settings); err != nil {
		return Settings{}, err
	}

	if err := applyFlags(flags, &settings); err != nil {
		return Settings{}, err
	}

	if settings.OutputMode == "" {
		settings.OutputMode = "json"
	}
	if settings.Timeout <= 0 {
		settings.Timeout = 30 * time.Second
	}
	if settings.MaxWallets <= 0 {
		settings.MaxWallets = 5
	}
	return settings, validate(settings)
}

func defaultSettings() (Settings, error) {
	dataDir, err := defaultDataDir()
	if err != nil {
		return Settings{}, err
	}
	return Settings{
		OutputMode:       "json",
		Timeout:          30 * time.Second,
		Platform:         string(model.PlatformAPI),
		DatabaseDriver:   "sqlite",
		DatabaseDSN:      filepath.Join(dataDir, "wallets.db"),
		DatabaseLockPath: filepath.Join(dataDir, "wallets.lock"),
		LockBackend:      "memory",
		LockTTL:          30 * time.Second,
		MaxWallets:       5,
		PendingTTL:       5 * time.Minute,
		SessionIdleTTL:   24 * time.Hour,
		ReapInterval:     30 * time.Minute,
		ChainID:          registry.PulseChainID,
		RPCRetries:       2,
		GasMultiplier:    1.2,
		LogLevel:         "info",
		LogFormat:        "text",
	}, nil
}

func loadEnvFile(path string) error {
	explicit := strings.TrimSpace(path) != ""
	if !explicit {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

func resolveConfigPath(input string) (string, error) {
	if strings.TrimSpace(input) != "" {
		return input, nil
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "defichat", "config.yaml"), nil
}

func defaultDataDir() (string, error) {
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "defichat"), nil
}

func applyFileConfig(path string, settings *Settings) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg fileConfig
	if err := yaml.Unmarshal(buf, &cfg); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}

	if cfg.Output != "" {
		settings.OutputMode = strings.ToLower(cfg.Output)
	}
	if err := setDuration(cfg.Timeout, "timeout", &settings.Timeout); err != nil {
		return err
	}
	if cfg.Platform != "" {
		settings.Platform = cfg.Platform
	}
	if cfg.User != "" {
		settings.UserID = cfg.User
	}
	if cfg.Database.Driver != "" {
		settings.DatabaseDriver = strings.ToLower(cfg.Database.Driver)
	}
	if cfg.Database.DSN != "" {
		settings.DatabaseDSN = cfg.Database.DSN
	}
	if cfg.Database.DSNEnv != "" {
		settings.DatabaseDSN = os.Getenv(cfg.Database.DSNEnv)
	}
	if cfg.Database.LockPath != "" {
		settings.DatabaseLockPath = cfg.Database.LockPath
	}
	if cfg.Encryption.KeyEnv != "" {
		settings.EncryptionKey = os.Getenv(cfg.Encryption.KeyEnv)
	}
	if cfg.Encryption.AllowEphemeral != nil {
		settings.AllowEphemeralKey = *cfg.Encryption.AllowEphemeral
	}
	if cfg.Lock.Backend != "" {
		settings.LockBackend = strings.ToLower(cfg.Lock.Backend)
	}
	if cfg.Lock.RedisAddr != "" {
		settings.RedisAddr = cfg.Lock.RedisAddr
	}
	if cfg.Lock.RedisPassword != "" {
		settings.RedisPassword = cfg.Lock.RedisPassword
	}
	if cfg.Lock.RedisDB != nil {
		settings.RedisDB = *cfg.Lock.RedisDB
	}
	if err := setDuration(cfg.Lock.TTL, "lock.ttl", &settings.LockTTL); err != nil {
		return err
	}
	if cfg.Wallets.Max != nil {
		settings.MaxWallets = *cfg.Wallets.Max
	}
	if err := setDuration(cfg.Sessions.PendingTTL, "sessions.pending_ttl", &settings.PendingTTL); err != nil {
		return err
	}
	if err := setDuration(cfg.Sessions.IdleTTL, "sessions.idle_ttl", &settings.SessionIdleTTL); err != nil {
		return err
	}
	if err := setDuration(cfg.Sessions.ReapInterval, "sessions.reap_interval", &settings.ReapInterval); err != nil {
		return err
	}
	if cfg.Chain.ID != nil {
		settings.ChainID = *cfg.Chain.ID
	}
	if cfg.Chain.RPCURL != "" {
		settings.RPCURL = cfg.Chain.RPCURL
	}
	if cfg.Chain.RPCRetries != nil {
		settings.RPCRetries = *cfg.Chain.RPCRetries
	}
	if cfg.Chain.Broadcast != nil {
		settings.Broadcast = *cfg.Chain.Broadcast
	}
	if cfg.Chain.GasMultiplier != nil {
		settings.GasMultiplier = *cfg.Chain.GasMultiplier
	}
	if cfg.Log.Level != "" {
		settings.LogLevel = cfg.Log.Level
	}
	if cfg.Log.Format != "" {
		settings.LogFormat = cfg.Log.Format
	}
	return nil
}

func applyEnv(settings *Settings) error {
	if v := os.Getenv(EncryptionKeyEnv); v != "" {
		settings.EncryptionKey = v
	}
	if v := os.Getenv("DEFICHAT_OUTPUT"); v != "" {
		settings.OutputMode = strings.ToLower(v)
	}
	if v := os.Getenv("DEFICHAT_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.Timeout = d
		}
	}
	if v := os.Getenv("DEFICHAT_PLATFORM"); v != "" {
		settings.Platform = v
	}
	if v := os.Getenv("DEFICHAT_USER"); v != "" {
		settings.UserID = v
	}
	if v := os.Getenv("DEFICHAT_DB_DRIVER"); v != "" {
		settings.DatabaseDriver = strings.ToLower(v)
	}
	if v := os.Getenv("DEFICHAT_DB_DSN"); v != "" {
		settings.DatabaseDSN = v
	}
	if v := os.Getenv("DEFICHAT_DB_LOCK_PATH"); v != "" {
		settings.DatabaseLockPath = v
	}
	if v := os.Getenv("DEFICHAT_ALLOW_EPHEMERAL_KEY"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.AllowEphemeralKey = b
		}
	}
	if v := os.Getenv("DEFICHAT_LOCK_BACKEND"); v != "" {
		settings.LockBackend = strings.ToLower(v)
	}
	if v := os.Getenv("DEFICHAT_REDIS_ADDR"); v != "" {
		settings.RedisAddr = v
	}
	if v := os.Getenv("DEFICHAT_REDIS_PASSWORD"); v != "" {
		settings.RedisPassword = v
	}
	if v := os.Getenv("DEFICHAT_REDIS_DB"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RedisDB = n
		}
	}
	if v := os.Getenv("DEFICHAT_MAX_WALLETS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.MaxWallets = n
		}
	}
	if v := os.Getenv("DEFICHAT_PENDING_TTL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			settings.PendingTTL = d
		}
	}
	if v := os.Getenv("DEFICHAT_CHAIN_ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			settings.ChainID = n
		}
	}
	if v := os.Getenv("DEFICHAT_RPC_URL"); v != "" {
		settings.RPCURL = v
	}
	if v := os.Getenv("DEFICHAT_RPC_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			settings.RPCRetries = n
		}
	}
	if v := os.Getenv("DEFICHAT_BROADCAST"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			settings.Broadcast = b
		}
	}
	if v := os.Getenv("DEFICHAT_LOG_LEVEL"); v != "" {
		settings.LogLevel = v
	}
	if v := os.Getenv("DEFICHAT_LOG_FORMAT"); v != "" {
		settings.LogFormat = v
	}
	return nil
}

func applyFlags(flags GlobalFlags, settings *Settings) error {
	if flags.JSON && flags.Plain {
		return fmt.Errorf("cannot use --json and --plain together")
	}
	if flags.JSON {
		settings.OutputMode = "json"
	}
	if flags.Plain {
		settings.OutputMode = "plain"
	}
	if fields := splitList(flags.Select); len(fields) > 0 {
		settings.SelectFields = fields
	}
	settings.ResultsOnly = flags.ResultsOnly
	if allowed := splitList(flags.EnableCommands); len(allowed) > 0 {
		settings.EnableCommands = allowed
	}
	if flags.Timeout != "" {
		d, err := time.ParseDuration(flags.Timeout)
		if err != nil {
			return fmt.Errorf("parse --timeout: %w", err)
		}
		settings.Timeout = d
	}
	if flags.Platform != "" {
		settings.Platform = flags.Platform
	}
	if flags.User != "" {
		settings.UserID = flags.User
	}
	if flags.Username != "" {
		settings.Username = flags.Username
	}
	if flags.LogLevel != "" {
		settings.LogLevel = flags.LogLevel
	}
	return nil
}

func validate(s Settings) error {
	if s.OutputMode != "json" && s.OutputMode != "plain" {
		return fmt.Errorf("output must be json or plain")
	}
	switch s.LockBackend {
	case "memory":
	case "redis":
		if strings.TrimSpace(s.RedisAddr) == "" {
			return fmt.Errorf("lock backend redis requires a redis address")
		}
	default:
		return fmt.Errorf("lock backend must be memory or redis")
	}
	if s.PendingTTL <= 0 || s.SessionIdleTTL <= 0 || s.ReapInterval <= 0 {
		return fmt.Errorf("session durations must be positive")
	}
	if s.ChainID <= 0 {
		return fmt.Errorf("chain id must be positive")
	}
	return nil
}

func setDuration(raw, name string, dst *time.Duration) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("config %s: %w", name, err)
	}
	*dst = d
	return nil
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if v := strings.TrimSpace(part); v != "" {
			out = append(out, v)
		}
	}
	return out
}
