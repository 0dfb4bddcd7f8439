package ethereum

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	gethcore "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/accounts/abi/bind/backends"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core"
	coretypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// stubTokenBin deploys a contract that accepts any call and emits one log,
// standing in for an ERC-20 token on the simulated chain.
const (
	stubTokenABI   = "[]"
	stubTokenBin   = "0x6027600c60003960276000f37f0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f2060006000a100"
	stubTokenTopic = "0x0102030405060708090a0b0c0d0e0f101112131415161718191a1b1c1d1e1f20"
)

func TestClientTransferToken(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	chainID := big.NewInt(1337)
	auth, err := bind.NewKeyedTransactorWithChainID(key, chainID)
	if err != nil {
		t.Fatalf("new transactor: %v", err)
	}
	auth.GasLimit = 1_000_000

	alloc := core.GenesisAlloc{
		auth.From: {Balance: big.NewInt(1_000_000_000_000_000_000)},
	}
	backend := backends.NewSimulatedBackend(alloc, 8_000_000)
	client := NewSimulatedClient("simulated", chainID, backend, key)
	t.Cleanup(client.Close)

	if client.Address() != auth.From {
		t.Fatalf("unexpected signer %s", client.Address().Hex())
	}

	token, _, err := client.DeployContract(ctx, auth, stubTokenABI, common.FromHex(stubTokenBin))
	if err != nil {
		t.Fatalf("deploy token: %v", err)
	}
	if token == (common.Address{}) {
		t.Fatal("expected token address to be non-zero")
	}

	recipient := common.HexToAddress("0x00000000000000000000000000000000000000b0")
	hash, err := client.TransferToken(ctx, token, recipient, big.NewInt(500000))
	if err != nil {
		t.Fatalf("transfer token: %v", err)
	}
	receipt, err := waitForReceipt(ctx, backend, hash)
	if err != nil {
		t.Fatalf("wait mined: %v", err)
	}
	if receipt.Status != coretypes.ReceiptStatusSuccessful {
		t.Fatalf("unexpected receipt status %d", receipt.Status)
	}
	if len(receipt.Logs) == 0 || receipt.Logs[0].Topics[0] != common.HexToHash(stubTokenTopic) {
		t.Fatalf("expected token log, got %+v", receipt.Logs)
	}

	second, err := client.TransferToken(ctx, token, recipient, big.NewInt(1))
	if err != nil {
		t.Fatalf("second transfer: %v", err)
	}
	if second == hash {
		t.Fatal("expected distinct transaction hashes for consecutive transfers")
	}

	snapshot, err := client.FetchChainSnapshot(ctx)
	if err != nil {
		t.Fatalf("fetch snapshot: %v", err)
	}
	if snapshot.ChainID != "0x"+chainID.Text(16) || snapshot.BlockNumber == "0x0" {
		t.Fatalf("unexpected snapshot %+v", snapshot)
	}
}

func TestClientTransferRequiresKeyAndAmount(t *testing.T) {
	t.Parallel()

	backend := backends.NewSimulatedBackend(core.GenesisAlloc{}, 8_000_000)
	readOnly := NewSimulatedClient("simulated", big.NewInt(1337), backend, nil)
	t.Cleanup(readOnly.Close)

	token := common.HexToAddress("0x01")
	if _, err := readOnly.TransferToken(context.Background(), token, token, big.NewInt(1)); err == nil {
		t.Fatal("expected error without signing key")
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	signer := NewSimulatedClient("simulated", big.NewInt(1337), backend, key)
	if _, err := signer.TransferToken(context.Background(), token, token, big.NewInt(0)); err == nil {
		t.Fatal("expected error for zero amount")
	}
}

func TestParseKeyAcceptsHexPrefix(t *testing.T) {
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	encoded := "0x" + common.Bytes2Hex(crypto.FromECDSA(key))
	parsed, err := parseKey(encoded)
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	if crypto.PubkeyToAddress(parsed.PublicKey) != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatal("parsed key does not match")
	}
	if empty, err := parseKey(" "); err != nil || empty != nil {
		t.Fatalf("expected nil key for empty input, got %v %v", empty, err)
	}
	if _, err := parseKey("zz"); err == nil {
		t.Fatal("expected error for malformed key")
	}
}

func waitForReceipt(ctx context.Context, backend *backends.SimulatedBackend, hash common.Hash) (*coretypes.Receipt, error) {
	backend.Commit()

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		receipt, err := backend.TransactionReceipt(ctx, hash)
		if err == nil && receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, gethcore.NotFound) {
			return nil, err
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			backend.Commit()
		}
	}
}
