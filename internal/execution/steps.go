package execution

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/registry"
	"github.com/ggonzalez94/defichat/internal/session"
)

const nativeDecimals = 18

var (
	erc20ABI         = mustABI(registry.ERC20MinimalABI)
	wrappedNativeABI = mustABI(registry.WrappedNativeABI)
)

// BuildSteps turns a confirmed transaction into the calls to send, in order:
// an optional ERC-20 approval, the wrap quote, then the main quote. Wrap and
// unwrap fall back to the chain's wrapped native token when the quote carries
// no call.
func BuildSteps(tx session.PendingTransaction, chainID int64) ([]Step, error) {
	var steps []Step
	if approval, ok, err := approvalFromQuote(tx.Quote); err != nil {
		return nil, err
	} else if ok {
		steps = append(steps, approval)
	}
	if wrap, ok, err := StepFromQuote(tx.WrapQuote); err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidInput, "decode wrap quote", err)
	} else if ok {
		wrap.Description = "wrap native token"
		steps = append(steps, wrap)
	}
	call, ok, err := StepFromQuote(tx.Quote)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeInvalidInput, "decode quote", err)
	}
	if ok {
		call.Description = fmt.Sprintf("%s %s -> %s", tx.Type, tx.FromToken, tx.ToToken)
		return append(steps, call), nil
	}
	switch tx.Type {
	case session.TxWrap:
		if !registry.IsNativeSymbol(chainID, tx.FromToken) {
			return nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("wrap needs the native token of chain %d, got %s", chainID, tx.FromToken))
		}
		step, err := WrapStep(chainID, tx.Amount)
		if err != nil {
			return nil, err
		}
		return append(steps, step), nil
	case session.TxUnwrap:
		if !registry.IsNativeSymbol(chainID, tx.ToToken) {
			return nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("unwrap needs the native token of chain %d, got %s", chainID, tx.ToToken))
		}
		step, err := UnwrapStep(chainID, tx.Amount)
		if err != nil {
			return nil, err
		}
		return append(steps, step), nil
	}
	if len(steps) == 0 {
		return nil, clierr.New(clierr.CodeInvalidInput, "quote carries no executable call")
	}
	return steps, nil
}

// StepFromQuote reads to/data/value from a quote, or from its nested "tx"
// object. ok is false when the quote names no target.
func StepFromQuote(q session.Quote) (Step, bool, error) {
	if q == nil {
		return Step{}, false, nil
	}
	if nested, ok := q["tx"].(map[string]any); ok {
		q = nested
	}
	target := firstString(q, "to", "target", "router")
	if target == "" {
		return Step{}, false, nil
	}
	if !common.IsHexAddress(target) {
		return Step{}, false, fmt.Errorf("invalid target address %q", target)
	}
	data := firstString(q, "data", "calldata")
	if _, err := decodeHex(data); err != nil {
		return Step{}, false, fmt.Errorf("invalid calldata: %w", err)
	}
	value, err := parseWei(q["value"])
	if err != nil {
		return Step{}, false, err
	}
	return Step{
		Target: common.HexToAddress(target).Hex(),
		Data:   normalizeHex(data),
		Value:  value.String(),
	}, true, nil
}

func approvalFromQuote(q session.Quote) (Step, bool, error) {
	raw, ok := q["approval"].(map[string]any)
	if !ok {
		return Step{}, false, nil
	}
	token := firstString(raw, "token")
	spender := firstString(raw, "spender")
	if !common.IsHexAddress(token) || !common.IsHexAddress(spender) {
		return Step{}, false, clierr.New(clierr.CodeInvalidInput, "quote approval requires token and spender addresses")
	}
	amount, err := parseWei(raw["amount"])
	if err != nil || amount.Sign() <= 0 {
		return Step{}, false, clierr.New(clierr.CodeInvalidInput, "quote approval amount must be a positive integer in base units")
	}
	step, err := ApprovalStep(token, spender, amount)
	return step, err == nil, err
}

func ApprovalStep(token, spender string, amount *big.Int) (Step, error) {
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack approval calldata", err)
	}
	return Step{
		Description: "approve token for spender",
		Target:      common.HexToAddress(token).Hex(),
		Data:        "0x" + common.Bytes2Hex(data),
		Value:       "0",
	}, nil
}

// WrapStep deposits amount of the native token into its wrapped contract.
func WrapStep(chainID int64, amount decimal.Decimal) (Step, error) {
	token, wei, err := wrappedTarget(chainID, amount)
	if err != nil {
		return Step{}, err
	}
	data, err := wrappedNativeABI.Pack("deposit")
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack deposit calldata", err)
	}
	return Step{
		Description: fmt.Sprintf("wrap %s %s", amount.String(), token.NativeSymbol),
		Target:      common.HexToAddress(token.Address).Hex(),
		Data:        "0x" + common.Bytes2Hex(data),
		Value:       wei.String(),
	}, nil
}

func UnwrapStep(chainID int64, amount decimal.Decimal) (Step, error) {
	token, wei, err := wrappedTarget(chainID, amount)
	if err != nil {
		return Step{}, err
	}
	data, err := wrappedNativeABI.Pack("withdraw", wei)
	if err != nil {
		return Step{}, clierr.Wrap(clierr.CodeInternal, "pack withdraw calldata", err)
	}
	return Step{
		Description: fmt.Sprintf("unwrap %s %s", amount.String(), token.WrappedSymbol),
		Target:      common.HexToAddress(token.Address).Hex(),
		Data:        "0x" + common.Bytes2Hex(data),
		Value:       "0",
	}, nil
}

func wrappedTarget(chainID int64, amount decimal.Decimal) (registry.WrappedNative, *big.Int, error) {
	token, ok := registry.WrappedNativeToken(chainID)
	if !ok {
		return registry.WrappedNative{}, nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("no wrapped native token known for chain %d", chainID))
	}
	wei, err := ToBaseUnits(amount, nativeDecimals)
	if err != nil {
		return registry.WrappedNative{}, nil, err
	}
	return token, wei, nil
}

// ToBaseUnits scales a human amount by 10^decimals. Fractions below one base
// unit are rejected.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	if amount.Sign() <= 0 {
		return nil, clierr.New(clierr.CodeInvalidInput, "amount must be positive")
	}
	scaled := amount.Shift(decimals)
	if !scaled.IsInteger() {
		return nil, clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("amount %s has more than %d decimals", amount.String(), decimals))
	}
	return scaled.BigInt(), nil
}

func parseWei(v any) (*big.Int, error) {
	switch x := v.(type) {
	case nil:
		return big.NewInt(0), nil
	case json.Number:
		return parseWeiString(x.String())
	case string:
		return parseWeiString(x)
	case float64:
		return parseWeiString(decimal.NewFromFloat(x).String())
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

func parseWeiString(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return big.NewInt(0), nil
	}
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		out, ok := new(big.Int).SetString(s[2:], 16)
		if !ok {
			return nil, fmt.Errorf("invalid hex value %q", s)
		}
		return out, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: %w", s, err)
	}
	if !d.IsInteger() || d.Sign() < 0 {
		return nil, fmt.Errorf("value must be a non-negative integer wei amount, got %q", s)
	}
	return d.BigInt(), nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

func normalizeHex(v string) string {
	clean := strings.TrimPrefix(strings.TrimPrefix(strings.TrimSpace(v), "0x"), "0X")
	return "0x" + strings.ToLower(clean)
}

func mustABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(err)
	}
	return parsed
}
