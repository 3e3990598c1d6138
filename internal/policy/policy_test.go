package policy

import (
	"testing"

	clierr "github.com/ggonzalez94/defichat/internal/errors"
	"github.com/ggonzalez94/defichat/internal/model"
)

func TestCheckCommandAllowed(t *testing.T) {
	if err := CheckCommandAllowed(nil, "wallet list"); err != nil {
		t.Fatalf("unexpected error with empty allowlist: %v", err)
	}
	if err := CheckCommandAllowed([]string{"Wallet  List"}, "wallet list"); err != nil {
		t.Fatalf("expected command to be allowed: %v", err)
	}
	if err := CheckCommandAllowed([]string{"wallet list"}, "wallet delete"); !clierr.HasCode(err, clierr.CodeBlocked) {
		t.Fatalf("expected blocked error, got %v", err)
	}
}

func TestValidateSettingsPatch(t *testing.T) {
	slip := func(v float64) *float64 { return &v }
	deadline := func(v int) *int { return &v }
	gas := func(v string) *string { return &v }

	valid := model.SettingsPatch{SlippagePercentage: slip(1), TransactionDeadline: deadline(30), PreferredGasPrice: gas("FAST")}
	if err := ValidateSettingsPatch(valid); err != nil {
		t.Fatalf("expected valid patch, got %v", err)
	}
	on := true
	if err := ValidateSettingsPatch(model.SettingsPatch{Notifications: &model.NotificationsPatch{PriceAlerts: &on}}); err != nil {
		t.Fatalf("expected notifications-only patch to pass, got %v", err)
	}

	invalid := []model.SettingsPatch{
		{},
		{SlippagePercentage: slip(0)},
		{SlippagePercentage: slip(50.5)},
		{TransactionDeadline: deadline(0)},
		{TransactionDeadline: deadline(181)},
		{PreferredGasPrice: gas("ludicrous")},
	}
	for i, p := range invalid {
		if err := ValidateSettingsPatch(p); !clierr.HasCode(err, clierr.CodeInvalidInput) {
			t.Fatalf("case %d: expected invalid input, got %v", i, err)
		}
	}
}
