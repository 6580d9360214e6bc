// Command delegate upgrades an agent EOA to the EIP-7702 smart wallet and
// reports its delegation state.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/chain"
	"github.com/borrowbot/keeper/internal/config"
	"github.com/borrowbot/keeper/internal/manager"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/signer"
	"github.com/borrowbot/keeper/internal/smartaccount"
	"github.com/ethereum/go-ethereum/common"
)

func main() {
	keyHex := flag.String("key", os.Getenv("KEEPER_AGENT_KEY"), "agent owner private key (hex)")
	owners := flag.String("owners", "", "comma-separated wallet owners; defaults to the agent key")
	statusOnly := flag.Bool("status", false, "print delegation status and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.InitWithFormat(cfg.Log.Level, "text", os.Stderr)

	owner, err := signer.NewLocalSigner(*keyHex)
	if err != nil {
		log.Fatalf("Invalid agent key: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	reader, eth, err := chain.Dial(ctx, cfg.Chain.RPCURL, chain.Options{
		Timeout: time.Duration(cfg.Chain.CallTimeoutMs) * time.Millisecond,
		Retries: cfg.Chain.CallRetries,
	})
	if err != nil {
		log.Fatalf("Failed to connect to chain RPC: %v", err)
	}
	defer eth.Close()

	account := smartaccount.NewAccount(smartaccount.Config{
		ChainID:        cfg.Chain.ID,
		Proxy:          common.HexToAddress(cfg.Contracts.EIP7702Proxy),
		Implementation: common.HexToAddress(cfg.Contracts.WalletImplementation),
		Validator:      common.HexToAddress(cfg.Contracts.WalletValidator),
		NonceTracker:   common.HexToAddress(cfg.Contracts.NonceTracker),
	}, reader, reader)

	status, err := account.DelegationStatus(ctx, owner.Address())
	if err != nil {
		log.Fatalf("Failed to read delegation status: %v", err)
	}
	fmt.Printf("wallet:          %s\n", owner.Address().Hex())
	fmt.Printf("proxy installed: %t\n", status.ProxyInstalled)
	fmt.Printf("implementation:  %s\n", status.Implementation.Hex())
	fmt.Printf("delegated:       %t\n", status.Delegated)
	if *statusOnly {
		return
	}

	// A configured sponsor key pays gas; otherwise the agent sends its own
	// delegation and needs native balance.
	from := owner
	if cfg.Signer.PrivateKey != "" {
		if from, err = signer.NewLocalSigner(cfg.Signer.PrivateKey); err != nil {
			log.Fatalf("Invalid sponsor key: %v", err)
		}
	}
	nonces := manager.NewNonceManager(eth)
	sender := signer.NewDirectSender(eth, nonces, from, cfg.Chain.ID, cfg.Signer.MaxRetries)

	result, err := smartaccount.NewDelegator(account, sender, eth).Delegate(ctx, owner, parseOwners(*owners))
	if err != nil {
		log.Fatalf("Delegation failed: %v", err)
	}
	if result.Skipped {
		fmt.Println("already delegated, nothing sent")
		return
	}
	fmt.Printf("delegation tx:   %s\n", result.TxHash.Hex())
}

func parseOwners(raw string) []common.Address {
	var out []common.Address
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if !common.IsHexAddress(part) {
			log.Fatalf("Invalid owner address %q", part)
		}
		out = append(out, common.HexToAddress(part))
	}
	return out
}
