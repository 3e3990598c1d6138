package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/execution/signer"
	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/schema"
)

// walletEnv is what a wallet command body needs: a bounded context, the
// caller and the service graph.
type walletEnv struct {
	ctx  context.Context
	user model.PlatformUser
	svc  *services
}

func (s *runtimeState) withVault(cmd *cobra.Command, fn func(env walletEnv) (any, error)) error {
	user, err := s.platformUser()
	if err != nil {
		return err
	}
	ctx, cancel := s.commandContext(cmd)
	defer cancel()
	svc, err := s.services(ctx)
	if err != nil {
		return err
	}
	data, err := fn(walletEnv{ctx: ctx, user: user, svc: svc})
	if err != nil {
		return err
	}
	return s.emitSuccess(trimRootPath(cmd.CommandPath()), data, nil)
}

type keystoreExport struct {
	WalletID string `json:"wallet_id"`
	Address  string `json:"address"`
	Path     string `json:"path"`
}

func (s *runtimeState) newWalletCommand() *cobra.Command {
	root := &cobra.Command{Use: "wallet", Short: "Manage the custodial wallets of a user"}

	var createName, createKey string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Create a wallet, or import one from --private-key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				return env.svc.vault.CreateWallet(env.ctx, env.user, createName, createKey)
			})
		},
	}
	createCmd.Flags().StringVar(&createName, "name", "", "Wallet name (default \"Wallet N\")")
	createCmd.Flags().StringVar(&createKey, "private-key", "", "Import this hex private key instead of generating one")
	schema.MarkSensitive(createCmd, "private-key")

	var importName, importKey, importMnemonic string
	var importSource signer.KeySource
	importCmd := &cobra.Command{
		Use:   "import",
		Short: "Import a wallet from a private key, key file, mnemonic or keystore file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				switch {
				case importKey != "":
					return env.svc.vault.ImportWalletFromPrivateKey(env.ctx, env.user, importKey, importName)
				case importMnemonic != "":
					return env.svc.vault.ImportWalletFromMnemonic(env.ctx, env.user, importMnemonic, importName)
				default:
					return env.svc.vault.ImportWalletFromKeySource(env.ctx, env.user, importSource, importName)
				}
			})
		},
	}
	importCmd.Flags().StringVar(&importName, "name", "", "Wallet name (default \"Wallet N\")")
	importCmd.Flags().StringVar(&importKey, "private-key", "", "Hex private key")
	importCmd.Flags().StringVar(&importSource.PrivateKeyFile, "private-key-file", "", "Path to a file holding a hex private key")
	importCmd.Flags().StringVar(&importMnemonic, "mnemonic", "", "BIP-39 mnemonic phrase")
	importCmd.Flags().StringVar(&importSource.KeystorePath, "keystore", "", "Path to an encrypted JSON keystore")
	importCmd.Flags().StringVar(&importSource.KeystorePasswordFile, "password-file", "", "Path to the keystore password")
	importCmd.MarkFlagsMutuallyExclusive("private-key", "private-key-file", "mnemonic", "keystore")
	importCmd.MarkFlagsOneRequired("private-key", "private-key-file", "mnemonic", "keystore")
	importCmd.MarkFlagsRequiredTogether("keystore", "password-file")
	schema.MarkSensitive(importCmd, "private-key", "mnemonic")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List the user's wallets in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				return env.svc.vault.GetUserWallets(env.ctx, env.user), nil
			})
		},
	}

	activeCmd := &cobra.Command{
		Use:   "active",
		Short: "Show the active wallet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				w := env.svc.vault.GetActiveWallet(env.ctx, env.user)
				if w == nil {
					return nil, clierr.New(clierr.CodeNotFound, "user has no wallet")
				}
				return w, nil
			})
		},
	}

	switchCmd := &cobra.Command{
		Use:   "switch <wallet-id>",
		Short: "Make a wallet the active one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				return switchWallet(env, args[0])
			})
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <wallet-id>",
		Short: "Delete a wallet; the only wallet of a user is kept",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				ok, err := env.svc.vault.DeleteWallet(env.ctx, env.user, args[0])
				if err != nil {
					return nil, err
				}
				if !ok {
					return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("wallet %s not found", args[0]))
				}
				return map[string]any{
					"deleted":       args[0],
					"active_wallet": env.svc.vault.GetActiveWallet(env.ctx, env.user),
				}, nil
			})
		},
	}

	renameCmd := &cobra.Command{
		Use:   "rename <wallet-id> <name>",
		Short: "Rename a wallet",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				name := strings.Join(args[1:], " ")
				if err := env.svc.vault.RenameWallet(env.ctx, env.user, args[0], name); err != nil {
					return nil, err
				}
				return map[string]string{"id": args[0], "name": strings.TrimSpace(name)}, nil
			})
		},
	}

	summaryCmd := &cobra.Command{
		Use:   "summary",
		Short: "Summarize the user's wallets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				return env.svc.vault.GetUserSummary(env.ctx, env.user), nil
			})
		},
	}

	settingsCmd := s.newWalletSettingsCommand()

	var exportPasswordFile, exportOut string
	exportCmd := &cobra.Command{
		Use:   "export-keystore <wallet-id>",
		Short: "Export a wallet as an encrypted JSON keystore",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				password, err := readPasswordFile(exportPasswordFile)
				if err != nil {
					return nil, err
				}
				buf, err := env.svc.vault.ExportKeystore(env.ctx, env.user, args[0], password)
				if err != nil {
					return nil, err
				}
				if exportOut == "" {
					return json.RawMessage(buf), nil
				}
				if err := os.WriteFile(exportOut, buf, 0o600); err != nil {
					return nil, clierr.Wrap(clierr.CodeInternal, "write keystore file", err)
				}
				var meta struct {
					Address string `json:"address"`
				}
				_ = json.Unmarshal(buf, &meta)
				return keystoreExport{WalletID: args[0], Address: "0x" + strings.TrimPrefix(meta.Address, "0x"), Path: exportOut}, nil
			})
		},
	}
	exportCmd.Flags().StringVar(&exportPasswordFile, "password-file", "", "Path to the password protecting the keystore")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Write the keystore to this file (0600) instead of stdout")
	_ = exportCmd.MarkFlagRequired("password-file")

	root.AddCommand(createCmd, importCmd, listCmd, activeCmd, switchCmd, deleteCmd, renameCmd, summaryCmd, settingsCmd, exportCmd)
	return root
}

func (s *runtimeState) newWalletSettingsCommand() *cobra.Command {
	var (
		slippage           float64
		mev, autoSlippage  bool
		deadline           int
		gas                string
		priceAlerts        bool
		transactionUpdates bool
		portfolioChanges   bool
	)
	cmd := &cobra.Command{
		Use:   "settings <wallet-id>",
		Short: "Show or update the trading settings of a wallet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				flags := cmd.Flags()
				var patch model.SettingsPatch
				if flags.Changed("slippage") {
					patch.SlippagePercentage = &slippage
				}
				if flags.Changed("mev-protection") {
					patch.MEVProtection = &mev
				}
				if flags.Changed("auto-slippage") {
					patch.AutoSlippage = &autoSlippage
				}
				if flags.Changed("deadline") {
					patch.TransactionDeadline = &deadline
				}
				if flags.Changed("gas") {
					patch.PreferredGasPrice = &gas
				}
				var notes model.NotificationsPatch
				if flags.Changed("price-alerts") {
					notes.PriceAlerts = &priceAlerts
				}
				if flags.Changed("transaction-updates") {
					notes.TransactionUpdates = &transactionUpdates
				}
				if flags.Changed("portfolio-changes") {
					notes.PortfolioChanges = &portfolioChanges
				}
				if notes != (model.NotificationsPatch{}) {
					patch.Notifications = &notes
				}

				if patch.IsEmpty() {
					for _, w := range env.svc.vault.GetUserWallets(env.ctx, env.user) {
						if w.ID == args[0] {
							return w.Settings, nil
						}
					}
					return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("wallet %s not found", args[0]))
				}
				return env.svc.vault.UpdateWalletSettings(env.ctx, env.user, args[0], patch)
			})
		},
	}
	cmd.Flags().Float64Var(&slippage, "slippage", 0, "Slippage tolerance in percent (0-50]")
	cmd.Flags().BoolVar(&mev, "mev-protection", true, "Route through MEV protection")
	cmd.Flags().BoolVar(&autoSlippage, "auto-slippage", false, "Let the router pick slippage")
	cmd.Flags().IntVar(&deadline, "deadline", 0, "Transaction deadline in minutes [1-180]")
	cmd.Flags().StringVar(&gas, "gas", "", "Preferred gas price (slow|standard|fast|instant)")
	cmd.Flags().BoolVar(&priceAlerts, "price-alerts", true, "Notify on price alerts")
	cmd.Flags().BoolVar(&transactionUpdates, "transaction-updates", true, "Notify on transaction updates")
	cmd.Flags().BoolVar(&portfolioChanges, "portfolio-changes", true, "Notify on portfolio changes")
	return cmd
}

// switchWallet distinguishes an unknown wallet from a busy lock, which the
// vault reports the same way.
func switchWallet(env walletEnv, walletID string) (*model.Wallet, error) {
	if env.svc.vault.SwitchWallet(env.ctx, env.user, walletID) {
		env.svc.sessions.UpdateWalletStatus(env.ctx, env.user, true, walletID)
		return env.svc.vault.GetActiveWallet(env.ctx, env.user), nil
	}
	for _, w := range env.svc.vault.GetUserWallets(env.ctx, env.user) {
		if w.ID == walletID {
			return nil, clierr.New(clierr.CodeConflict, "another wallet operation is in progress; retry")
		}
	}
	return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("wallet %s not found", walletID))
}

func readPasswordFile(path string) (string, error) {
	if strings.TrimSpace(path) == "" {
		return "", clierr.New(clierr.CodeUsage, "--password-file is required")
	}
	buf, err := os.ReadFile(path)
	if err != nil {
		return "", clierr.Wrap(clierr.CodeUsage, "read password file", err)
	}
	password := strings.TrimRight(string(buf), "\r\n")
	if password == "" {
		return "", clierr.New(clierr.CodeUsage, "password file is empty")
	}
	return password, nil
}
