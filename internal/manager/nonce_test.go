package manager

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	nonce uint64
	calls int
	err   error
}

func (s *stubSource) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	s.calls++
	return s.nonce, s.err
}

func TestNonceManagerCachesAndIncrements(t *testing.T) {
	src := &stubSource{nonce: 5}
	m := NewNonceManager(src)
	addr := common.HexToAddress("0x1111111111111111111111111111111111111111")

	n, err := m.GetNextTxNonce(context.Background(), addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), n)

	m.IncrementTxNonce(addr)
	n, _ = m.GetNextTxNonce(context.Background(), addr)
	assert.Equal(t, uint64(6), n)
	assert.Equal(t, 1, src.calls)
}

func TestNonceManagerReset(t *testing.T) {
	src := &stubSource{nonce: 3}
	m := NewNonceManager(src)
	addr := common.HexToAddress("0x2222222222222222222222222222222222222222")

	_, _ = m.GetNextTxNonce(context.Background(), addr)
	m.IncrementTxNonce(addr)
	m.IncrementTxNonce(addr)

	src.nonce = 4
	require.NoError(t, m.ResetTxNonce(context.Background(), addr))
	n, _ := m.GetNextTxNonce(context.Background(), addr)
	assert.Equal(t, uint64(4), n)
}

func TestNonceManagerFetchError(t *testing.T) {
	m := NewNonceManager(&stubSource{err: errors.New("rpc down")})
	_, err := m.GetNextTxNonce(context.Background(), common.Address{})
	assert.ErrorContains(t, err, "rpc down")

	// increment on an unknown address is a no-op
	m.IncrementTxNonce(common.Address{})
}
