package execution

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/session"
)

const routerAddr = "0x165C3410fC91EF562C50559f7d2289fEbed552d9"

func TestStepFromQuote(t *testing.T) {
	step, ok, err := StepFromQuote(session.Quote{"to": strings.ToLower(routerAddr), "calldata": "0xABCD", "value": json.Number("1000")})
	if err != nil || !ok {
		t.Fatalf("StepFromQuote failed: ok=%v err=%v", ok, err)
	}
	if step.Target != common.HexToAddress(routerAddr).Hex() || step.Data != "0xabcd" || step.Value != "1000" {
		t.Fatalf("unexpected step %+v", step)
	}

	nested, ok, err := StepFromQuote(session.Quote{"tx": map[string]any{"to": routerAddr, "data": "0x", "value": "0x10"}})
	if err != nil || !ok || nested.Value != "16" {
		t.Fatalf("expected nested tx to parse, got %+v ok=%v err=%v", nested, ok, err)
	}

	if _, ok, err := StepFromQuote(session.Quote{"price": "1.2"}); ok || err != nil {
		t.Fatalf("expected quote without target to be skipped, ok=%v err=%v", ok, err)
	}
	for _, q := range []session.Quote{
		{"to": "not-an-address"},
		{"to": routerAddr, "data": "0xzz"},
		{"to": routerAddr, "value": "1.5"},
		{"to": routerAddr, "value": true},
	} {
		if _, _, err := StepFromQuote(q); err == nil {
			t.Fatalf("expected error for %+v", q)
		}
	}
}

func TestBuildStepsWrapFallback(t *testing.T) {
	tx := session.PendingTransaction{Type: session.TxWrap, FromToken: "PLS", ToToken: "WPLS", Amount: decimal.RequireFromString("1.5")}
	steps, err := BuildSteps(tx, 369)
	if err != nil {
		t.Fatalf("BuildSteps failed: %v", err)
	}
	if len(steps) != 1 || steps[0].Data != "0xd0e30db0" || steps[0].Value != "1500000000000000000" {
		t.Fatalf("unexpected wrap step %+v", steps)
	}

	tx.Type = session.TxUnwrap
	if _, err := BuildSteps(tx, 369); !clierr.HasCode(err, clierr.CodeInvalidInput) {
		t.Fatalf("expected unwrap into a non-native token to fail, got %v", err)
	}
	tx.FromToken, tx.ToToken = "WPLS", "PLS"
	steps, err = BuildSteps(tx, 369)
	if err != nil {
		t.Fatalf("BuildSteps unwrap failed: %v", err)
	}
	if len(steps) != 1 || !strings.HasPrefix(steps[0].Data, "0x2e1a7d4d") || steps[0].Value != "0" {
		t.Fatalf("unexpected unwrap step %+v", steps)
	}

	if _, err := BuildSteps(tx, 999999); !clierr.HasCode(err, clierr.CodeInvalidInput) {
		t.Fatalf("expected unknown chain error, got %v", err)
	}
}

func TestBuildStepsApprovalWrapAndSwap(t *testing.T) {
	tx := session.PendingTransaction{
		Type:      session.TxSwap,
		FromToken: "USDC",
		ToToken:   "PLS",
		Amount:    decimal.NewFromInt(100),
		Quote: session.Quote{
			"to":       routerAddr,
			"calldata": "0x1234",
			"approval": map[string]any{
				"token":   "0x15D38573d2feeb82e7ad5187aB8c1D52810B1f07",
				"spender": routerAddr,
				"amount":  "100000000",
			},
		},
		WrapQuote: session.Quote{"to": "0xA1077a294dDE1B09bB078844df40758a5D0f9a27", "data": "0xd0e30db0", "value": "5"},
	}
	steps, err := BuildSteps(tx, 369)
	if err != nil {
		t.Fatalf("BuildSteps failed: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("expected approval, wrap and swap steps, got %+v", steps)
	}
	if !strings.HasPrefix(steps[0].Data, "0x095ea7b3") {
		t.Fatalf("expected approve selector, got %s", steps[0].Data)
	}
	if steps[1].Value != "5" || steps[2].Data != "0x1234" {
		t.Fatalf("unexpected step order %+v", steps)
	}

	tx.Quote = session.Quote{"price": "1"}
	tx.WrapQuote = nil
	if _, err := BuildSteps(tx, 369); !clierr.HasCode(err, clierr.CodeInvalidInput) {
		t.Fatalf("expected no executable call error, got %v", err)
	}
}

func TestToBaseUnits(t *testing.T) {
	v, err := ToBaseUnits(decimal.RequireFromString("0.000001"), 6)
	if err != nil || v.String() != "1" {
		t.Fatalf("expected 1 base unit, got %v err=%v", v, err)
	}
	if _, err := ToBaseUnits(decimal.RequireFromString("0.0000001"), 6); err == nil {
		t.Fatal("expected sub-unit amount to be rejected")
	}
	if _, err := ToBaseUnits(decimal.Zero, 18); err == nil {
		t.Fatal("expected zero amount to be rejected")
	}
}
