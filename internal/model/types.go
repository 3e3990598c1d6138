package model

import (
	"fmt"
	"strings"
	"time"
)

const EnvelopeVersion = "v1"

type Envelope struct {
	Version  string       `json:"version"`
	Success  bool         `json:"success"`
	Data     any          `json:"data,omitempty"`
	Error    *ErrorBody   `json:"error"`
	Warnings []string     `json:"warnings,omitempty"`
	Meta     EnvelopeMeta `json:"meta"`
}

type ErrorBody struct {
	Code    int    `json:"code"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

type EnvelopeMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
	Command   string    `json:"command"`
	User      string    `json:"user,omitempty"`
}

type Platform string

const (
	PlatformTelegram Platform = "telegram"
	PlatformDiscord  Platform = "discord"
	PlatformWeb      Platform = "web"
	PlatformAPI      Platform = "api"
)

func ParsePlatform(v string) (Platform, error) {
	switch p := Platform(strings.ToLower(strings.TrimSpace(v))); p {
	case PlatformTelegram, PlatformDiscord, PlatformWeb, PlatformAPI:
		return p, nil
	default:
		return "", fmt.Errorf("unsupported platform %q (expected telegram|discord|web|api)", v)
	}
}

// PlatformUser is the stable identity of a chat user, scoped by platform.
type PlatformUser struct {
	Platform         Platform `json:"platform"`
	PlatformUserID   string   `json:"platform_user_id"`
	PlatformUsername string   `json:"platform_username,omitempty"`
	DisplayName      string   `json:"display_name,omitempty"`
}

// NewPlatformUser validates the identity pair. Empty user ids are rejected
// rather than replaced by a generated id, so one chat identity always maps to
// one wallet set.
func NewPlatformUser(platform, userID, username, displayName string) (PlatformUser, error) {
	p, err := ParsePlatform(platform)
	if err != nil {
		return PlatformUser{}, err
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return PlatformUser{}, fmt.Errorf("platform user id is required")
	}
	if strings.Contains(userID, ":") {
		return PlatformUser{}, fmt.Errorf("platform user id must not contain ':'")
	}
	return PlatformUser{
		Platform:         p,
		PlatformUserID:   userID,
		PlatformUsername: strings.TrimSpace(username),
		DisplayName:      strings.TrimSpace(displayName),
	}, nil
}

// UserPlatformID is the denormalized "platform:platformUserId" key.
func (u PlatformUser) UserPlatformID() string {
	return string(u.Platform) + ":" + u.PlatformUserID
}

type NotificationSettings struct {
	PriceAlerts        bool `json:"price_alerts"`
	TransactionUpdates bool `json:"transaction_updates"`
	PortfolioChanges   bool `json:"portfolio_changes"`
}

type WalletSettings struct {
	SlippagePercentage  float64              `json:"slippage_percentage"`
	MEVProtection       bool                 `json:"mev_protection"`
	AutoSlippage        bool                 `json:"auto_slippage"`
	TransactionDeadline int                  `json:"transaction_deadline"`
	PreferredGasPrice   string               `json:"preferred_gas_price"`
	Notifications       NotificationSettings `json:"notifications"`
}

const (
	GasPriceSlow     = "slow"
	GasPriceStandard = "standard"
	GasPriceFast     = "fast"
	GasPriceInstant  = "instant"
)

func DefaultWalletSettings() WalletSettings {
	return WalletSettings{
		SlippagePercentage:  0.5,
		MEVProtection:       true,
		AutoSlippage:        false,
		TransactionDeadline: 20,
		PreferredGasPrice:   GasPriceStandard,
		Notifications: NotificationSettings{
			PriceAlerts:        true,
			TransactionUpdates: true,
			PortfolioChanges:   true,
		},
	}
}

type NotificationsPatch struct {
	PriceAlerts        *bool `json:"price_alerts,omitempty"`
	TransactionUpdates *bool `json:"transaction_updates,omitempty"`
	PortfolioChanges   *bool `json:"portfolio_changes,omitempty"`
}

// SettingsPatch is a partial settings update. Nil fields are left untouched.
type SettingsPatch struct {
	SlippagePercentage  *float64            `json:"slippage_percentage,omitempty"`
	MEVProtection       *bool               `json:"mev_protection,omitempty"`
	AutoSlippage        *bool               `json:"auto_slippage,omitempty"`
	TransactionDeadline *int                `json:"transaction_deadline,omitempty"`
	PreferredGasPrice   *string             `json:"preferred_gas_price,omitempty"`
	Notifications       *NotificationsPatch `json:"notifications,omitempty"`
}

func (p SettingsPatch) IsEmpty() bool {
	return p.SlippagePercentage == nil && p.MEVProtection == nil && p.AutoSlippage == nil &&
		p.TransactionDeadline == nil && p.PreferredGasPrice == nil && p.Notifications == nil
}

// Apply merges the patch shallowly, except for notifications which merge
// field by field.
func (p SettingsPatch) Apply(s WalletSettings) WalletSettings {
	if p.SlippagePercentage != nil {
		s.SlippagePercentage = *p.SlippagePercentage
	}
	if p.MEVProtection != nil {
		s.MEVProtection = *p.MEVProtection
	}
	if p.AutoSlippage != nil {
		s.AutoSlippage = *p.AutoSlippage
	}
	if p.TransactionDeadline != nil {
		s.TransactionDeadline = *p.TransactionDeadline
	}
	if p.PreferredGasPrice != nil {
		s.PreferredGasPrice = strings.ToLower(strings.TrimSpace(*p.PreferredGasPrice))
	}
	if n := p.Notifications; n != nil {
		if n.PriceAlerts != nil {
			s.Notifications.PriceAlerts = *n.PriceAlerts
		}
		if n.TransactionUpdates != nil {
			s.Notifications.TransactionUpdates = *n.TransactionUpdates
		}
		if n.PortfolioChanges != nil {
			s.Notifications.PortfolioChanges = *n.PortfolioChanges
		}
	}
	return s
}

// Wallet is a custodial key pair owned by one PlatformUser. The ciphertext is
// never serialized to callers.
type Wallet struct {
	ID                  string         `json:"id"`
	Name                string         `json:"name"`
	Address             string         `json:"address"`
	EncryptedPrivateKey string         `json:"-"`
	UserPlatformID      string         `json:"user_platform_id"`
	Platform            Platform       `json:"platform"`
	PlatformUserID      string         `json:"platform_user_id"`
	PlatformUsername    string         `json:"platform_username,omitempty"`
	Settings            WalletSettings `json:"settings"`
	CreatedAt           time.Time      `json:"created_at"`
	LastUsed            time.Time      `json:"last_used"`
	IsActive            bool           `json:"is_active"`
}

type UserSummary struct {
	TotalWallets int        `json:"total_wallets"`
	ActiveWallet *Wallet    `json:"active_wallet"`
	Platforms    []Platform `json:"platforms"`
	CreatedAt    *time.Time `json:"created_at"`
}
