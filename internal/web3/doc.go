// Package web3 houses blockchain connectivity for settlement: the chain
// client abstraction, multi-chain YAML definitions, and the EVM client used
// by the ERC-20 settler to move USDC between marketplace wallets.
package web3
