package execution

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defichat/internal/model"
	"github.com/ggonzalez94/defichat/internal/session"
)

type RecordStatus string

const (
	// StatusHandedOff means the key and payload left the core without a
	// configured broadcaster.
	StatusHandedOff RecordStatus = "handed_off"
	StatusConfirmed RecordStatus = "confirmed"
	StatusSimulated RecordStatus = "simulated"
	StatusSubmitted RecordStatus = "submitted"
	StatusMined     RecordStatus = "mined"
	StatusFailed    RecordStatus = "failed"
)

func (s RecordStatus) Valid() bool {
	switch s {
	case StatusHandedOff, StatusConfirmed, StatusSimulated, StatusSubmitted, StatusMined, StatusFailed:
		return true
	default:
		return false
	}
}

func (s RecordStatus) Terminal() bool {
	switch s {
	case StatusHandedOff, StatusMined, StatusFailed:
		return true
	default:
		return false
	}
}

// Step is one on-chain call.
type Step struct {
	Description string `json:"description,omitempty"`
	Target      string `json:"target"`
	Data        string `json:"data"`
	Value       string `json:"value"`
	TxHash      string `json:"tx_hash,omitempty"`
	Status      string `json:"status,omitempty"`
}

// Record journals what happened to a confirmed pending transaction.
type Record struct {
	ExecutionID    string                  `json:"execution_id"`
	TransactionID  string                  `json:"transaction_id"`
	UserPlatformID string                  `json:"user_platform_id"`
	WalletID       string                  `json:"wallet_id"`
	WalletAddress  string                  `json:"wallet_address"`
	Type           session.TransactionType `json:"type"`
	FromToken      string                  `json:"from_token"`
	ToToken        string                  `json:"to_token"`
	Amount         decimal.Decimal         `json:"amount"`
	ChainID        int64                   `json:"chain_id"`
	GasProfile     string                  `json:"gas_profile"`
	Status         RecordStatus            `json:"status"`
	Steps          []Step                  `json:"steps"`
	Error          string                  `json:"error,omitempty"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

func NewRecord(tx session.PendingTransaction, wallet model.Wallet, chainID int64, now time.Time) Record {
	now = now.UTC()
	return Record{
		ExecutionID:    "exe_" + uuid.NewString(),
		TransactionID:  tx.ID,
		UserPlatformID: tx.PlatformUser.UserPlatformID(),
		WalletID:       wallet.ID,
		WalletAddress:  wallet.Address,
		Type:           tx.Type,
		FromToken:      tx.FromToken,
		ToToken:        tx.ToToken,
		Amount:         tx.Amount,
		ChainID:        chainID,
		GasProfile:     wallet.Settings.PreferredGasPrice,
		Status:         StatusConfirmed,
		Steps:          []Step{},
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (r *Record) touch(now time.Time) {
	r.UpdatedAt = now.UTC()
}
