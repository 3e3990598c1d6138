package app

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/out"
	"github.com/ggonzalez94/defichat/internal/session"
)

var consoleHelp = []map[string]string{
	{"command": "stage TYPE AMOUNT FROM TO [key=value ...|{json quote}]", "about": "stage a pending transaction; quote keys: to, data, value, approval.token, approval.spender, approval.amount, wrap.to, wrap.data, wrap.value"},
	{"command": "pending", "about": "list pending transactions"},
	{"command": "confirm [ID]", "about": "confirm a pending transaction (latest when ID is omitted)"},
	{"command": "cancel [ID]", "about": "cancel a pending transaction"},
	{"command": "settings [key=value ...]", "about": "show or update settings: slippage, mev, auto_slippage, deadline, gas, price_alerts, transaction_updates, portfolio_changes"},
	{"command": "create [NAME]", "about": "create a wallet"},
	{"command": "wallets", "about": "list wallets"},
	{"command": "use ID", "about": "switch the active wallet"},
	{"command": "session", "about": "show the session"},
	{"command": "help", "about": "show this help"},
	{"command": "quit", "about": "leave the console"},
}

func (s *runtimeState) newConsoleCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Interactive line console standing in for a chat surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			user, err := s.platformUser()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			openCtx, cancel := context.WithTimeout(ctx, s.settings.Timeout)
			svc, err := s.services(openCtx)
			cancel()
			if err != nil {
				return err
			}

			reaperCtx, stopReaper := context.WithCancel(ctx)
			done := make(chan struct{})
			go func() {
				defer close(done)
				svc.sessions.Run(reaperCtx)
			}()
			defer func() {
				stopReaper()
				<-done
			}()

			c := &console{state: s, svc: svc, user: user, out: cmd.OutOrStdout()}
			return c.loop(ctx, cmd.InOrStdin())
		},
	}
}

type console struct {
	state *runtimeState
	svc   *services
	user  model.PlatformUser
	out   io.Writer
}

func (c *console) loop(ctx context.Context, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return nil
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 || strings.HasPrefix(fields[0], "#") {
			continue
		}
		verb := strings.ToLower(fields[0])
		if verb == "quit" || verb == "exit" {
			return nil
		}
		data, warnings, err := c.handle(ctx, verb, fields[1:])
		c.render("console "+verb, data, warnings, err)
	}
	if err := scanner.Err(); err != nil {
		return clierr.Wrap(clierr.CodeInternal, "read console input", err)
	}
	return nil
}

// render writes every reply, including failures, to the console output so
// one bad line never ends the conversation.
func (c *console) render(commandPath string, data any, warnings []string, err error) {
	opts := c.state.outputOptions()
	env := c.state.envelope(commandPath, data, warnings)
	if err != nil {
		env = c.state.errorEnvelope(commandPath, err)
		opts.ResultsOnly = false
		opts.SelectFields = nil
	}
	if rerr := out.Render(c.out, env, opts); rerr != nil {
		c.state.log.Warn("render console reply", "error", rerr)
	}
}

func (c *console) handle(ctx context.Context, verb string, args []string) (any, []string, error) {
	switch verb {
	case "help":
		return consoleHelp, nil, nil
	case "session":
		return c.svc.sessions.GetSession(ctx, c.user), nil, nil
	case "stage":
		return c.stage(ctx, args)
	case "pending":
		txs := c.svc.sessions.GetPendingTransactions(ctx, c.user)
		views := make([]pendingView, 0, len(txs))
		for _, tx := range txs {
			views = append(views, pendingView{PendingTransaction: tx, ExpiringSoon: c.svc.sessions.IsTransactionExpiringSoon(tx)})
		}
		return views, nil, nil
	case "confirm":
		rec, err := c.state.confirmAndExecute(ctx, c.svc, c.user, optionalArg(args))
		if err != nil {
			return nil, nil, err
		}
		var warnings []string
		if !rec.Status.Terminal() {
			warnings = append(warnings, "execution has not reached a final state; check executions get "+rec.ExecutionID)
		}
		return rec, warnings, nil
	case "cancel":
		return c.cancel(ctx, optionalArg(args))
	case "settings":
		return c.settings(ctx, args)
	case "create":
		w, err := c.svc.vault.CreateWallet(ctx, c.user, strings.Join(args, " "), "")
		if err != nil {
			return nil, nil, err
		}
		active := c.svc.vault.GetActiveWallet(ctx, c.user)
		if active != nil {
			c.svc.sessions.UpdateWalletStatus(ctx, c.user, true, active.ID)
		}
		return w, nil, nil
	case "wallets":
		return c.svc.vault.GetUserWallets(ctx, c.user), nil, nil
	case "use":
		if len(args) != 1 {
			return nil, nil, clierr.New(clierr.CodeUsage, "usage: use ID")
		}
		w, err := switchWallet(walletEnv{ctx: ctx, user: c.user, svc: c.svc}, args[0])
		return w, nil, err
	default:
		return nil, nil, clierr.New(clierr.CodeUsage, fmt.Sprintf("unknown command %q; try help", verb))
	}
}

func (c *console) stage(ctx context.Context, args []string) (any, []string, error) {
	if len(args) < 4 {
		return nil, nil, clierr.New(clierr.CodeUsage, "usage: stage TYPE AMOUNT FROM TO [key=value ...]")
	}
	txType, err := session.ParseTransactionType(args[0])
	if err != nil {
		return nil, nil, clierr.Wrap(clierr.CodeInvalidInput, "parse transaction type", err)
	}
	amount, err := decimal.NewFromString(args[1])
	if err != nil || !amount.IsPositive() {
		return nil, nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("amount must be a positive number, got %q", args[1]))
	}
	quote, wrapQuote, err := parseQuoteArgs(args[4:])
	if err != nil {
		return nil, nil, err
	}
	id, err := c.svc.sessions.CreatePendingTransaction(ctx, c.user, txType, session.Payload{
		FromToken: args[2],
		ToToken:   args[3],
		Amount:    amount,
		Quote:     quote,
		WrapQuote: wrapQuote,
	})
	if err != nil {
		return nil, nil, err
	}
	tx, ok := c.svc.sessions.GetPendingTransaction(ctx, c.user, id)
	if !ok {
		return nil, nil, clierr.New(clierr.CodeExpired, "staged transaction expired immediately")
	}
	var warnings []string
	if !c.svc.sessions.GetSession(ctx, c.user).HasWallet {
		warnings = append(warnings, "no wallet linked; create one before confirming")
	}
	return tx, warnings, nil
}

func (c *console) cancel(ctx context.Context, id string) (any, []string, error) {
	if id == "" {
		latest, ok := c.svc.sessions.GetMostRecentPendingTransaction(ctx, c.user)
		if !ok {
			return nil, nil, clierr.New(clierr.CodeNotFound, "no pending transaction")
		}
		id = latest.ID
	}
	if !c.svc.sessions.CancelTransaction(ctx, c.user, id) {
		return nil, nil, clierr.New(clierr.CodeNotFound, fmt.Sprintf("transaction %s not found", id))
	}
	return map[string]string{"cancelled": id}, nil, nil
}

// settings updates the session and, when a wallet is active, persists the
// same patch on it.
func (c *console) settings(ctx context.Context, args []string) (any, []string, error) {
	if len(args) == 0 {
		return c.svc.sessions.GetSettings(ctx, c.user), nil, nil
	}
	patch, err := parseSettingsPairs(args)
	if err != nil {
		return nil, nil, err
	}
	updated, err := c.svc.sessions.UpdateSettings(ctx, c.user, patch)
	if err != nil {
		return nil, nil, err
	}
	var warnings []string
	if active := c.svc.vault.GetActiveWallet(ctx, c.user); active != nil {
		if _, err := c.svc.vault.UpdateWalletSettings(ctx, c.user, active.ID, patch); err != nil {
			warnings = append(warnings, "settings apply to this session only: "+err.Error())
		}
	} else {
		warnings = append(warnings, "no wallet linked; settings apply to this session only")
	}
	return updated, warnings, nil
}

func optionalArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// parseQuoteArgs builds the opaque quote maps from key=value pairs or a JSON
// object. Dotted keys nest: approval.token=0x.. lands in quote["approval"].
// Keys under wrap. form the wrap quote.
func parseQuoteArgs(args []string) (session.Quote, session.Quote, error) {
	if len(args) == 0 {
		return nil, nil, nil
	}
	if strings.HasPrefix(args[0], "{") {
		var quote session.Quote
		if err := json.Unmarshal([]byte(strings.Join(args, " ")), &quote); err != nil {
			return nil, nil, clierr.Wrap(clierr.CodeInvalidInput, "parse quote json", err)
		}
		wrap, _ := quote["wrap"].(map[string]any)
		delete(quote, "wrap")
		return quote, wrap, nil
	}

	quote := session.Quote{}
	var wrap session.Quote
	for _, pair := range args {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("expected key=value, got %q", pair))
		}
		parent, child, nested := strings.Cut(key, ".")
		switch {
		case !nested:
			quote[key] = value
		case parent == "wrap":
			if wrap == nil {
				wrap = session.Quote{}
			}
			wrap[child] = value
		default:
			m, _ := quote[parent].(map[string]any)
			if m == nil {
				m = map[string]any{}
				quote[parent] = m
			}
			m[child] = value
		}
	}
	return quote, wrap, nil
}

func parseSettingsPairs(args []string) (model.SettingsPatch, error) {
	var patch model.SettingsPatch
	var notes model.NotificationsPatch
	for _, pair := range args {
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			return patch, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("expected key=value, got %q", pair))
		}
		var err error
		switch strings.ToLower(key) {
		case "slippage":
			var f float64
			f, err = strconv.ParseFloat(value, 64)
			patch.SlippagePercentage = &f
		case "mev":
			patch.MEVProtection, err = parseBoolPtr(value)
		case "auto_slippage":
			patch.AutoSlippage, err = parseBoolPtr(value)
		case "deadline":
			var n int
			n, err = strconv.Atoi(value)
			patch.TransactionDeadline = &n
		case "gas":
			v := value
			patch.PreferredGasPrice = &v
		case "price_alerts":
			notes.PriceAlerts, err = parseBoolPtr(value)
		case "transaction_updates":
			notes.TransactionUpdates, err = parseBoolPtr(value)
		case "portfolio_changes":
			notes.PortfolioChanges, err = parseBoolPtr(value)
		default:
			return patch, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("unknown setting %q", key))
		}
		if err != nil {
			return patch, clierr.Wrap(clierr.CodeInvalidInput, "parse setting "+key, err)
		}
	}
	if notes != (model.NotificationsPatch{}) {
		patch.Notifications = &notes
	}
	return patch, nil
}

func parseBoolPtr(v string) (*bool, error) {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
