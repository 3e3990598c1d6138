package execution

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/execution/signer"
	"github.com/ggonzalez94/defichat/internal/logging"
	"github.com/ggonzalez94/defichat/internal/model"
)

// Backend is the part of ethclient.Client the executor uses.
type Backend interface {
	ChainID(ctx context.Context) (*big.Int, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

type ExecuteOptions struct {
	Simulate      bool
	PollInterval  time.Duration
	StepTimeout   time.Duration
	GasMultiplier float64
}

func DefaultExecuteOptions() ExecuteOptions {
	return ExecuteOptions{
		Simulate:      true,
		PollInterval:  2 * time.Second,
		StepTimeout:   2 * time.Minute,
		GasMultiplier: 1.2,
	}
}

// Executor signs and broadcasts the steps of a record and journals every
// state change.
type Executor struct {
	journal *Journal
	log     *slog.Logger
	now     func() time.Time
}

func NewExecutor(journal *Journal, log *slog.Logger, now func() time.Time) *Executor {
	if log == nil {
		log = logging.Discard()
	}
	if now == nil {
		now = time.Now
	}
	return &Executor{journal: journal, log: log, now: now}
}

// HandOff journals a confirmed transaction that leaves the core without a
// broadcaster.
func (e *Executor) HandOff(ctx context.Context, rec *Record) error {
	rec.Status = StatusHandedOff
	rec.touch(e.now())
	return e.save(ctx, rec)
}

func (e *Executor) Execute(ctx context.Context, client Backend, txSigner signer.Signer, rec *Record, opts ExecuteOptions) error {
	if rec == nil {
		return clierr.New(clierr.CodeInternal, "missing execution record")
	}
	if txSigner == nil {
		return clierr.New(clierr.CodeSigner, "missing signer")
	}
	if len(rec.Steps) == 0 {
		return clierr.New(clierr.CodeInvalidInput, "execution has no steps")
	}
	if !strings.EqualFold(txSigner.Address().Hex(), rec.WalletAddress) {
		return clierr.New(clierr.CodeSigner, "signer does not control the wallet address")
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 2 * time.Minute
	}
	if opts.GasMultiplier <= 1 {
		opts.GasMultiplier = 1.2
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		return e.fail(ctx, rec, clierr.Wrap(clierr.CodeUnavailable, "read chain id", err))
	}
	if rec.ChainID != 0 && chainID.Int64() != rec.ChainID {
		return e.fail(ctx, rec, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("rpc serves chain %d, expected %d", chainID.Int64(), rec.ChainID)))
	}

	for i := range rec.Steps {
		step := &rec.Steps[i]
		if step.Status == string(StatusMined) {
			continue
		}
		if err := e.executeStep(ctx, client, txSigner, chainID, rec, step, opts); err != nil {
			step.Status = string(StatusFailed)
			return e.fail(ctx, rec, err)
		}
		step.Status = string(StatusMined)
		rec.touch(e.now())
		_ = e.save(ctx, rec)
	}
	rec.Status = StatusMined
	rec.touch(e.now())
	e.log.Info("execution mined", "user", rec.UserPlatformID, "execution", rec.ExecutionID, "steps", len(rec.Steps))
	return e.save(ctx, rec)
}

func (e *Executor) executeStep(ctx context.Context, client Backend, txSigner signer.Signer, chainID *big.Int, rec *Record, step *Step, opts ExecuteOptions) error {
	if strings.TrimSpace(step.Target) == "" {
		return clierr.New(clierr.CodeInvalidInput, "missing target for execution step")
	}
	target := common.HexToAddress(step.Target)
	data, err := decodeHex(step.Data)
	if err != nil {
		return clierr.Wrap(clierr.CodeInvalidInput, "decode step calldata", err)
	}
	value, ok := new(big.Int).SetString(step.Value, 10)
	if !ok {
		return clierr.New(clierr.CodeInvalidInput, "invalid step value")
	}
	msg := ethereum.CallMsg{From: txSigner.Address(), To: &target, Value: value, Data: data}

	if opts.Simulate {
		if _, err := client.CallContract(ctx, msg, nil); err != nil {
			return clierr.Wrap(clierr.CodeActionSim, "simulate step (eth_call)", err)
		}
		step.Status = string(StatusSimulated)
		rec.Status = StatusSimulated
	}

	gasLimit, err := client.EstimateGas(ctx, msg)
	if err != nil {
		return clierr.Wrap(clierr.CodeActionSim, "estimate gas", err)
	}
	gasLimit = uint64(float64(gasLimit) * opts.GasMultiplier)

	tipCap := resolveTipCap(ctx, client, rec.GasProfile)
	header, err := client.HeaderByNumber(ctx, nil)
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch latest header", err)
	}
	baseFee := header.BaseFee
	if baseFee == nil {
		baseFee = big.NewInt(1_000_000_000)
	}
	feeCap := new(big.Int).Mul(baseFee, big.NewInt(2))
	feeCap.Add(feeCap, tipCap)

	nonce, err := client.PendingNonceAt(ctx, txSigner.Address())
	if err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "fetch nonce", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   chainID,
		Nonce:     nonce,
		GasTipCap: tipCap,
		GasFeeCap: feeCap,
		Gas:       gasLimit,
		To:        &target,
		Value:     value,
		Data:      data,
	})
	signed, err := txSigner.SignTx(chainID, tx)
	if err != nil {
		return clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	if err := client.SendTransaction(ctx, signed); err != nil {
		return clierr.Wrap(clierr.CodeUnavailable, "broadcast transaction", err)
	}
	step.Status = string(StatusSubmitted)
	step.TxHash = signed.Hash().Hex()
	rec.Status = StatusSubmitted
	rec.touch(e.now())
	_ = e.save(ctx, rec)
	e.log.Info("transaction submitted", "user", rec.UserPlatformID, "execution", rec.ExecutionID, "tx_hash", step.TxHash)

	waitCtx, cancel := context.WithTimeout(ctx, opts.StepTimeout)
	defer cancel()
	ticker := time.NewTicker(opts.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := client.TransactionReceipt(waitCtx, signed.Hash())
		if err == nil && receipt != nil {
			if receipt.Status == types.ReceiptStatusSuccessful {
				return nil
			}
			return clierr.New(clierr.CodeUnavailable, "transaction reverted on-chain")
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			e.log.Debug("receipt poll failed", "tx_hash", step.TxHash, "error", err)
		}
		select {
		case <-waitCtx.Done():
			return clierr.Wrap(clierr.CodeActionTimeout, "timed out waiting for receipt", waitCtx.Err())
		case <-ticker.C:
		}
	}
}

// Tip multipliers in percent per gas price profile.
var tipPercentByProfile = map[string]int64{
	model.GasPriceSlow:     80,
	model.GasPriceStandard: 100,
	model.GasPriceFast:     150,
	model.GasPriceInstant:  200,
}

func resolveTipCap(ctx context.Context, client Backend, profile string) *big.Int {
	tipCap, err := client.SuggestGasTipCap(ctx)
	if err != nil || tipCap == nil {
		tipCap = big.NewInt(2_000_000_000) // 2 gwei fallback
	}
	pct, ok := tipPercentByProfile[strings.ToLower(strings.TrimSpace(profile))]
	if !ok {
		pct = 100
	}
	out := new(big.Int).Mul(tipCap, big.NewInt(pct))
	return out.Div(out, big.NewInt(100))
}

func (e *Executor) fail(ctx context.Context, rec *Record, cause error) error {
	rec.Status = StatusFailed
	rec.Error = cause.Error()
	rec.touch(e.now())
	if err := e.save(ctx, rec); err != nil {
		e.log.Error("journal failed execution", "execution", rec.ExecutionID, "error", err)
	}
	e.log.Warn("execution failed", "user", rec.UserPlatformID, "execution", rec.ExecutionID, "error", cause)
	return cause
}

func (e *Executor) save(ctx context.Context, rec *Record) error {
	if e.journal == nil {
		return nil
	}
	return e.journal.Save(ctx, *rec)
}

func decodeHex(v string) ([]byte, error) {
	clean := strings.TrimSpace(v)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	if clean == "" {
		return []byte{}, nil
	}
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	buf, err := hex.DecodeString(clean)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	return buf, nil
}
