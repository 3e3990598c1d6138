package signer

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Signer signs transactions for one address. The executor only needs this.
type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// Custodial is a signer whose raw key can be taken into custody. The wallet
// vault encrypts PrivateKeyHex at rest.
type Custodial interface {
	Signer
	PrivateKeyHex() string
}

var _ Custodial = (*LocalSigner)(nil)
