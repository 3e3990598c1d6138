package session

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ggonzalez94/defichat/internal/model"
)

type TransactionType string

const (
	TxSwap            TransactionType = "swap"
	TxAddLiquidity    TransactionType = "addLiquidity"
	TxRemoveLiquidity TransactionType = "removeLiquidity"
	TxWrap            TransactionType = "wrap"
	TxUnwrap          TransactionType = "unwrap"
)

func ParseTransactionType(v string) (TransactionType, error) {
	switch t := TransactionType(v); t {
	case TxSwap, TxAddLiquidity, TxRemoveLiquidity, TxWrap, TxUnwrap:
		return t, nil
	}
	switch v {
	case "add-liquidity", "addliquidity":
		return TxAddLiquidity, nil
	case "remove-liquidity", "removeliquidity":
		return TxRemoveLiquidity, nil
	}
	return "", fmt.Errorf("unsupported transaction type %q (expected swap|addLiquidity|removeLiquidity|wrap|unwrap)", v)
}

// Quote is an opaque payload built by the intent producer. It is never
// interpreted here.
type Quote map[string]any

// Payload is what the intent producer hands over when staging a transaction.
type Payload struct {
	FromToken string
	ToToken   string
	Amount    decimal.Decimal
	Quote     Quote
	WrapQuote Quote
}

type PendingTransaction struct {
	ID           string             `json:"id"`
	Type         TransactionType    `json:"type"`
	FromToken    string             `json:"from_token"`
	ToToken      string             `json:"to_token"`
	Amount       decimal.Decimal    `json:"amount"`
	Quote        Quote              `json:"quote,omitempty"`
	WrapQuote    Quote              `json:"wrap_quote,omitempty"`
	Timestamp    time.Time          `json:"timestamp"`
	Expires      time.Time          `json:"expires"`
	PlatformUser model.PlatformUser `json:"platform_user"`
}

type UserSession struct {
	PlatformUser        model.PlatformUser            `json:"platform_user"`
	HasWallet           bool                          `json:"has_wallet"`
	ActiveWalletID      string                        `json:"active_wallet_id,omitempty"`
	Settings            model.WalletSettings          `json:"settings"`
	PendingTransactions map[string]PendingTransaction `json:"pending_transactions"`
	LastActivity        time.Time                     `json:"last_activity"`
}

type SweepResult struct {
	ExpiredTransactions int `json:"expired_transactions"`
	RemovedSessions     int `json:"removed_sessions"`
}

type Stats struct {
	Sessions            int `json:"sessions"`
	PendingTransactions int `json:"pending_transactions"`
}

// cloneQuote deep-copies q through JSON. Numbers are kept as json.Number so
// large integers survive.
func cloneQuote(q Quote) (Quote, error) {
	if q == nil {
		return nil, nil
	}
	buf, err := json.Marshal(q)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(buf))
	dec.UseNumber()
	var out Quote
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

// mustClone copies a quote that already survived cloneQuote once.
func mustClone(q Quote) Quote {
	out, err := cloneQuote(q)
	if err != nil {
		panic(fmt.Sprintf("clone stored quote: %v", err))
	}
	return out
}

func (tx PendingTransaction) clone() PendingTransaction {
	tx.Quote = mustClone(tx.Quote)
	tx.WrapQuote = mustClone(tx.WrapQuote)
	return tx
}

func (s *UserSession) snapshot() UserSession {
	out := *s
	out.PendingTransactions = make(map[string]PendingTransaction, len(s.PendingTransactions))
	for id, tx := range s.PendingTransactions {
		out.PendingTransactions[id] = tx.clone()
	}
	return out
}
