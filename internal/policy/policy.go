package policy

import (
	"fmt"
	"strings"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/model"
)

const (
	MaxSlippagePercentage = 50.0
	MinDeadlineMinutes    = 1
	MaxDeadlineMinutes    = 180
)

func CheckCommandAllowed(allowlist []string, commandPath string) error {
	if len(allowlist) == 0 {
		return nil
	}
	normPath := normalize(commandPath)
	for _, allowed := range allowlist {
		if normalize(allowed) == normPath {
			return nil
		}
	}
	return clierr.New(clierr.CodeBlocked, "command blocked by --enable-commands policy")
}

// ValidateSettingsPatch rejects patches that would leave a wallet or session
// with settings no trade could honor.
func ValidateSettingsPatch(p model.SettingsPatch) error {
	if p.IsEmpty() {
		return clierr.New(clierr.CodeInvalidInput, "settings patch is empty")
	}
	if v := p.SlippagePercentage; v != nil && (*v <= 0 || *v > MaxSlippagePercentage) {
		return clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("slippage must be in (0, %g], got %g", MaxSlippagePercentage, *v))
	}
	if v := p.TransactionDeadline; v != nil && (*v < MinDeadlineMinutes || *v > MaxDeadlineMinutes) {
		return clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("transaction deadline must be %d-%d minutes, got %d", MinDeadlineMinutes, MaxDeadlineMinutes, *v))
	}
	if v := p.PreferredGasPrice; v != nil && !IsGasProfile(*v) {
		return clierr.New(clierr.CodeInvalidInput, fmt.Sprintf("unsupported gas price profile %q (expected slow|standard|fast|instant)", *v))
	}
	return nil
}

func IsGasProfile(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case model.GasPriceSlow, model.GasPriceStandard, model.GasPriceFast, model.GasPriceInstant:
		return true
	default:
		return false
	}
}

func normalize(v string) string {
	parts := strings.Fields(strings.ToLower(strings.TrimSpace(v)))
	return strings.Join(parts, " ")
}
