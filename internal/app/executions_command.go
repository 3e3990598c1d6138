package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/execution"
	"github.com/ggonzalez94/defichat/internal/execution/signer"
	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/session"
)

func (s *runtimeState) newExecutionsCommand() *cobra.Command {
	root := &cobra.Command{Use: "executions", Short: "Inspect the journal of confirmed transactions"}

	var status string
	var limit int
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List journaled executions, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				if status != "" && !execution.RecordStatus(status).Valid() {
					return nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown status %q", status))
				}
				recs, err := env.svc.journal.List(env.ctx, env.user.UserPlatformID(), status, limit)
				if err != nil {
					return nil, clierr.Wrap(clierr.CodeUnavailable, "list executions", err)
				}
				return recs, nil
			})
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "Filter by status (handed_off|confirmed|simulated|submitted|mined|failed)")
	listCmd.Flags().IntVar(&limit, "limit", 20, "Maximum records to return")

	getCmd := &cobra.Command{
		Use:   "get <execution-id>",
		Short: "Show one journaled execution",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return s.withVault(cmd, func(env walletEnv) (any, error) {
				rec, err := env.svc.journal.Get(env.ctx, env.user.UserPlatformID(), args[0])
				if errors.Is(err, execution.ErrRecordNotFound) {
					return nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("execution %s not found", args[0]))
				}
				if err != nil {
					return nil, clierr.Wrap(clierr.CodeUnavailable, "read execution", err)
				}
				return rec, nil
			})
		},
	}

	root.AddCommand(listCmd, getCmd)
	return root
}

// confirmAndExecute consumes a pending transaction and hands it to the signer.
// The transaction is removed from the session before anything else happens,
// so a second confirm of the same id always fails.
func (s *runtimeState) confirmAndExecute(ctx context.Context, svc *services, user model.PlatformUser, txID string) (execution.Record, error) {
	if txID == "" {
		latest, ok := svc.sessions.GetMostRecentPendingTransaction(ctx, user)
		if !ok {
			return execution.Record{}, clierr.New(clierr.CodeNotFound, "no pending transaction")
		}
		txID = latest.ID
	}
	tx, ok := svc.sessions.ConfirmTransaction(ctx, user, txID)
	if !ok {
		return execution.Record{}, clierr.New(clierr.CodeExpired, fmt.Sprintf("transaction %s not found or expired", txID))
	}

	wallet := svc.vault.GetActiveWallet(ctx, user)
	if wallet == nil {
		return execution.Record{}, clierr.New(clierr.CodeNotFound, "user has no wallet; create one first")
	}
	key, ok := svc.vault.GetWalletPrivateKey(ctx, user, wallet.ID)
	if !ok {
		return execution.Record{}, clierr.New(clierr.CodeDecrypt, "wallet key is unavailable")
	}

	rec := execution.NewRecord(tx, *wallet, s.settings.ChainID, s.runner.now())
	steps, err := execution.BuildSteps(tx, s.settings.ChainID)
	if err != nil {
		rec.Status = execution.StatusFailed
		rec.Error = err.Error()
		if saveErr := svc.journal.Save(ctx, rec); saveErr != nil {
			s.log.Warn("journal failed execution", "execution", rec.ExecutionID, "error", saveErr)
		}
		return rec, err
	}
	rec.Steps = steps

	if !s.settings.Broadcast {
		if err := svc.executor.HandOff(ctx, &rec); err != nil {
			return rec, clierr.Wrap(clierr.CodeUnavailable, "journal hand-off", err)
		}
		return rec, nil
	}

	txSigner, err := signer.FromHex(key)
	if err != nil {
		return rec, clierr.Wrap(clierr.CodeSigner, "load wallet signer", err)
	}
	client, err := s.dialChain(ctx)
	if err != nil {
		return rec, err
	}
	defer client.Close()

	opts := execution.DefaultExecuteOptions()
	if s.settings.GasMultiplier > 0 {
		opts.GasMultiplier = s.settings.GasMultiplier
	}
	err = svc.executor.Execute(ctx, client, txSigner, &rec, opts)
	return rec, err
}

// pendingView decorates a pending transaction for display.
type pendingView struct {
	session.PendingTransaction
	ExpiringSoon bool `json:"expiring_soon"`
}
