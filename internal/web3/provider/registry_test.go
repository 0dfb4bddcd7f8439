package provider

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"Mosaic-Protocol/internal/config"
)

const chainsYAML = `chains:
  base-sepolia:
    chain_id: 84532
    rpc_url: http://127.0.0.1:18545
    usdc: "0x036CbD53842c5426634e7929541eC2318f3dCF7e"
    description: Base testnet
  local:
    rpc_url: http://127.0.0.1:18546
`

func TestRegistryLoadsChainsWithSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chains.yaml")
	if err := os.WriteFile(path, []byte(chainsYAML), 0o644); err != nil {
		t.Fatalf("write chains: %v", err)
	}
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	registry, err := NewRegistry(context.Background(), config.Web3Config{ChainsFile: path}, "", common.Bytes2Hex(crypto.FromECDSA(key)))
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	defer registry.Close()

	if got := registry.Chains(); len(got) != 2 || got[0] != "base-sepolia" || got[1] != "local" {
		t.Fatalf("unexpected chains: %v", got)
	}
	if registry.DefaultChain() != "base-sepolia" {
		t.Fatalf("expected alphabetical default, got %s", registry.DefaultChain())
	}
	client, err := registry.DefaultClient()
	if err != nil {
		t.Fatalf("default client: %v", err)
	}
	if client.Address() != crypto.PubkeyToAddress(key.PublicKey) {
		t.Fatalf("unexpected signer %s", client.Address().Hex())
	}

	token, err := registry.TokenAddress("", "")
	if err != nil {
		t.Fatalf("token address: %v", err)
	}
	if token != common.HexToAddress("0x036CbD53842c5426634e7929541eC2318f3dCF7e") {
		t.Fatalf("unexpected token %s", token.Hex())
	}
	if _, err := registry.TokenAddress("local", ""); err == nil {
		t.Fatal("expected error for chain without usdc")
	}
	explicit, err := registry.TokenAddress("local", "0x00000000000000000000000000000000000000aa")
	if err != nil || explicit != common.HexToAddress("0xaa") {
		t.Fatalf("unexpected explicit token %s %v", explicit.Hex(), err)
	}
}

func TestRegistryRejectsUnknownDefault(t *testing.T) {
	_, err := NewRegistry(context.Background(), config.Web3Config{RPCURL: "http://127.0.0.1:18545"}, "mainnet", "")
	if err == nil {
		t.Fatal("expected error for unknown default chain")
	}
	if _, err := NewRegistry(context.Background(), config.Web3Config{}, "", ""); err == nil {
		t.Fatal("expected error without any chain")
	}
}
