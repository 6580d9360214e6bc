// Package chain is the single seam through which the keeper reads contract
// state. Every read is rate limited and retried with linear backoff.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"
)

// Caller performs a read-only contract call by function name and returns the
// decoded outputs. A nil block reads the latest state.
type Caller interface {
	CallFunctionByName(ctx context.Context, to common.Address, contract abi.ABI, fn string, args []any, block *big.Int) ([]any, error)
}

// CodeReader exposes the raw state reads used by delegation checks.
type CodeReader interface {
	CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, block *big.Int) ([]byte, error)
}

// Backend is the subset of ethclient.Client the reader needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error)
	StorageAt(ctx context.Context, account common.Address, key common.Hash, block *big.Int) ([]byte, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type Options struct {
	RateLimit float64 // calls per second, 0 disables
	RateBurst int
	Timeout   time.Duration
	Retries   int
}

type EthReader struct {
	backend Backend
	limiter *rate.Limiter
	timeout time.Duration
	retries int
}

var _ Caller = (*EthReader)(nil)
var _ CodeReader = (*EthReader)(nil)

func NewEthReader(backend Backend, opts Options) *EthReader {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	if opts.Retries < 0 {
		opts.Retries = 0
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return &EthReader{
		backend: backend,
		limiter: limiter,
		timeout: opts.Timeout,
		retries: opts.Retries,
	}
}

// Dial connects to rpcURL and wraps the client in a reader.
func Dial(ctx context.Context, rpcURL string, opts Options) (*EthReader, *ethclient.Client, error) {
	rpcURL = strings.TrimSpace(rpcURL)
	if rpcURL == "" {
		return nil, nil, apperrors.NewConfig("rpc url not configured")
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrUpstream, "failed to connect rpc", err)
	}
	return NewEthReader(client, opts), client, nil
}

func (r *EthReader) CallFunctionByName(ctx context.Context, to common.Address, contract abi.ABI, fn string, args []any, block *big.Int) ([]any, error) {
	data, err := contract.Pack(fn, args...)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInvalidRequest, fmt.Sprintf("failed to pack %s", fn), err)
	}
	msg := ethereum.CallMsg{To: &to, Data: data}

	output, err := withRetry(ctx, r, func(ctx context.Context) ([]byte, error) {
		return r.backend.CallContract(ctx, msg, block)
	})
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, fmt.Sprintf("%s call on %s failed", fn, to.Hex()), err)
	}
	if len(output) == 0 {
		return nil, apperrors.Newf(apperrors.ErrUpstream, "%s on %s returned no data", fn, to.Hex())
	}
	values, err := contract.Unpack(fn, output)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, fmt.Sprintf("failed to decode %s", fn), err)
	}
	return values, nil
}

func (r *EthReader) CodeAt(ctx context.Context, account common.Address, block *big.Int) ([]byte, error) {
	return withRetry(ctx, r, func(ctx context.Context) ([]byte, error) {
		return r.backend.CodeAt(ctx, account, block)
	})
}

func (r *EthReader) StorageAt(ctx context.Context, account common.Address, key common.Hash, block *big.Int) ([]byte, error) {
	return withRetry(ctx, r, func(ctx context.Context) ([]byte, error) {
		return r.backend.StorageAt(ctx, account, key, block)
	})
}

// HeaderByNumber returns the header at number, or the latest when nil.
func (r *EthReader) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	return withRetry(ctx, r, func(ctx context.Context) (*types.Header, error) {
		return r.backend.HeaderByNumber(ctx, number)
	})
}

func withRetry[T any](ctx context.Context, r *EthReader, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error
	for attempt := 0; attempt <= r.retries; attempt++ {
		if err := r.limiter.Wait(ctx); err != nil {
			return zero, err
		}
		attemptCtx, cancel := context.WithTimeout(ctx, r.timeout)
		out, err := call(attemptCtx)
		cancel()
		if err == nil {
			return out, nil
		}
		lastErr = err
		if isRevert(err) || !shouldRetry(ctx, attempt, r.retries) {
			break
		}
	}
	return zero, lastErr
}

// Reverts are deterministic; repeating them only burns rate budget.
func isRevert(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "execution reverted")
}

func shouldRetry(ctx context.Context, attempt, max int) bool {
	if attempt >= max {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(time.Duration(attempt+1) * 200 * time.Millisecond):
		return true
	}
}
