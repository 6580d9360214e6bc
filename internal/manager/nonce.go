package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/ethereum/go-ethereum/common"
)

// NonceSource reports the next nonce including pending transactions.
// *ethclient.Client satisfies it.
type NonceSource interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
}

// NonceManager tracks transaction nonces optimistically so back-to-back
// submissions from one key do not wait for the mempool to catch up.
type NonceManager struct {
	source NonceSource

	txNonces map[common.Address]uint64
	txMu     sync.Mutex
}

func NewNonceManager(source NonceSource) *NonceManager {
	return &NonceManager{
		source:   source,
		txNonces: make(map[common.Address]uint64),
	}
}

// GetNextTxNonce returns the next expected nonce for addr, fetching it from
// chain the first time.
func (m *NonceManager) GetNextTxNonce(ctx context.Context, addr common.Address) (uint64, error) {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	if nonce, ok := m.txNonces[addr]; ok {
		return nonce, nil
	}
	fetched, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch pending nonce: %w", err)
	}
	m.txNonces[addr] = fetched
	return fetched, nil
}

// IncrementTxNonce advances the local nonce. Call it after a transaction
// has been accepted by the node.
func (m *NonceManager) IncrementTxNonce(addr common.Address) {
	m.txMu.Lock()
	defer m.txMu.Unlock()
	if _, ok := m.txNonces[addr]; ok {
		m.txNonces[addr]++
	}
}

// ResetTxNonce forces a re-sync from chain, e.g. after "nonce too low".
func (m *NonceManager) ResetTxNonce(ctx context.Context, addr common.Address) error {
	m.txMu.Lock()
	defer m.txMu.Unlock()

	fetched, err := m.source.PendingNonceAt(ctx, addr)
	if err != nil {
		return err
	}
	m.txNonces[addr] = fetched
	logger.Info("Reset TX nonce", "address", addr.Hex(), "nonce", fetched)
	return nil
}
