package execution

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/execution/signer"
)

type fakeBackend struct {
	mu       sync.Mutex
	chainID  int64
	callErr  error
	reverted bool
	never    bool
	sent     []*types.Transaction
}

func (f *fakeBackend) ChainID(context.Context) (*big.Int, error) { return big.NewInt(f.chainID), nil }

func (f *fakeBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, f.callErr
}

func (f *fakeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func (f *fakeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000), nil
}

func (f *fakeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{BaseFee: big.NewInt(10_000_000_000)}, nil
}

func (f *fakeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return uint64(len(f.sent)), nil
}

func (f *fakeBackend) SendTransaction(_ context.Context, tx *types.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	if f.never {
		return nil, ethereum.NotFound
	}
	status := types.ReceiptStatusSuccessful
	if f.reverted {
		status = types.ReceiptStatusFailed
	}
	return &types.Receipt{Status: status, TxHash: hash}, nil
}

func testSigner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	s, err := signer.FromHex("59c6995e998f97a5a0044976f0945388cf9b7e5e5f4f9d2d9d8f1f5b7f6d11d1")
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	return s
}

func testRecord(s *signer.LocalSigner) *Record {
	return &Record{
		ExecutionID:    "exe_test",
		UserPlatformID: "api:alice",
		WalletAddress:  s.Address().Hex(),
		ChainID:        369,
		GasProfile:     "fast",
		Status:         StatusConfirmed,
		Steps: []Step{
			{Target: routerAddr, Data: "0x095ea7b3", Value: "0"},
			{Target: routerAddr, Data: "0x1234", Value: "42"},
		},
	}
}

func fastOpts() ExecuteOptions {
	opts := DefaultExecuteOptions()
	opts.PollInterval = time.Millisecond
	opts.StepTimeout = 50 * time.Millisecond
	return opts
}

func TestExecuteSignsAndJournalsEveryStep(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	exec := NewExecutor(j, nil, nil)
	s := testSigner(t)
	backend := &fakeBackend{chainID: 369}
	rec := testRecord(s)

	if err := exec.Execute(ctx, backend, s, rec, fastOpts()); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if rec.Status != StatusMined || len(backend.sent) != 2 {
		t.Fatalf("unexpected result status=%s sent=%d", rec.Status, len(backend.sent))
	}
	first := backend.sent[0]
	if first.ChainId().Int64() != 369 || first.Nonce() != 0 || backend.sent[1].Nonce() != 1 {
		t.Fatalf("unexpected tx fields chain=%v nonce=%d", first.ChainId(), first.Nonce())
	}
	// fast profile: 1.5 gwei tip, 2*base + tip fee cap, 1.2x gas.
	if first.GasTipCap().Int64() != 1_500_000_000 || first.GasFeeCap().Int64() != 21_500_000_000 || first.Gas() != 120_000 {
		t.Fatalf("unexpected fee fields tip=%v cap=%v gas=%d", first.GasTipCap(), first.GasFeeCap(), first.Gas())
	}
	if backend.sent[1].Value().Int64() != 42 {
		t.Fatalf("unexpected value %v", backend.sent[1].Value())
	}
	from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(369)), first)
	if err != nil || from != s.Address() {
		t.Fatalf("expected tx signed by wallet, got %s err=%v", from.Hex(), err)
	}
	stored, err := j.Get(ctx, "api:alice", "exe_test")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Status != StatusMined || stored.Steps[1].TxHash == "" || stored.Steps[0].Status != string(StatusMined) {
		t.Fatalf("unexpected journaled record %+v", stored)
	}
}

func TestExecuteFailures(t *testing.T) {
	ctx := context.Background()
	s := testSigner(t)
	exec := NewExecutor(openTestJournal(t), nil, nil)

	err := exec.Execute(ctx, &fakeBackend{chainID: 369, callErr: errors.New("execution reverted")}, s, testRecord(s), fastOpts())
	if !clierr.HasCode(err, clierr.CodeActionSim) {
		t.Fatalf("expected simulation failure, got %v", err)
	}

	rec := testRecord(s)
	err = exec.Execute(ctx, &fakeBackend{chainID: 1}, s, rec, fastOpts())
	if !clierr.HasCode(err, clierr.CodeInvalidInput) || rec.Status != StatusFailed || rec.Error == "" {
		t.Fatalf("expected chain mismatch failure, got %v status=%s", err, rec.Status)
	}

	err = exec.Execute(ctx, &fakeBackend{chainID: 369, reverted: true}, s, testRecord(s), fastOpts())
	if !clierr.HasCode(err, clierr.CodeUnavailable) {
		t.Fatalf("expected revert failure, got %v", err)
	}

	err = exec.Execute(ctx, &fakeBackend{chainID: 369, never: true}, s, testRecord(s), fastOpts())
	if !clierr.HasCode(err, clierr.CodeActionTimeout) {
		t.Fatalf("expected receipt timeout, got %v", err)
	}

	other, _ := signer.GenerateKey()
	err = exec.Execute(ctx, &fakeBackend{chainID: 369}, other, testRecord(s), fastOpts())
	if !clierr.HasCode(err, clierr.CodeSigner) {
		t.Fatalf("expected signer mismatch, got %v", err)
	}
}

func TestHandOffJournalsRecord(t *testing.T) {
	ctx := context.Background()
	j := openTestJournal(t)
	now := time.Unix(1_700_000_000, 0)
	exec := NewExecutor(j, nil, func() time.Time { return now })
	rec := testRecord(testSigner(t))
	if err := exec.HandOff(ctx, rec); err != nil {
		t.Fatalf("HandOff failed: %v", err)
	}
	got, err := j.Get(ctx, "api:alice", rec.ExecutionID)
	if err != nil || got.Status != StatusHandedOff || !got.UpdatedAt.Equal(now) {
		t.Fatalf("unexpected hand-off record %+v err=%v", got, err)
	}
}
