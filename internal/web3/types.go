package web3

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ChainSnapshot represents summarized network metadata for health reporting.
type ChainSnapshot struct {
	Name        string `json:"name"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Client defines what the marketplace needs from a chain: a signing account
// able to move ERC-20 balances, plus basic metadata for health checks.
type Client interface {
	FetchChainSnapshot(ctx context.Context) (ChainSnapshot, error)
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (common.Hash, error)
	Address() common.Address
	Close()
}
