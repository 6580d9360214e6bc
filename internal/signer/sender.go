package signer

import (
	"context"
	"log/slog"
	"math/big"
	"strings"
	"sync"

	"github.com/borrowbot/keeper/internal/manager"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/pkg/metrics"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/holiman/uint256"
)

const (
	DefaultGas        = 1_000_000
	DefaultMaxRetries = 3
	// Each underpriced retry raises gas and fees by 15% of the original.
	escalationStepPct = 15
)

// Backend is the subset of ethclient.Client used to price and broadcast.
type Backend interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// TxRequest describes one direct transaction. Authorize, when set, is called
// under the sender lock with the nonce the transaction will use, so
// self-sponsored delegations can sign an authorization for nonce+1.
type TxRequest struct {
	To        common.Address
	Value     *big.Int
	Data      []byte
	Gas       uint64
	Authorize func(ctx context.Context, txNonce uint64) ([]types.SetCodeAuthorization, error)
}

// DirectSender submits signed transactions from one key. All submissions
// serialize on a single lock because the key has one nonce sequence.
type DirectSender struct {
	mu         sync.Mutex
	backend    Backend
	nonces     *manager.NonceManager
	signer     *LocalSigner
	chainID    *big.Int
	maxRetries int
	log        *slog.Logger
}

func NewDirectSender(backend Backend, nonces *manager.NonceManager, s *LocalSigner, chainID int64, maxRetries int) *DirectSender {
	if maxRetries < 0 {
		maxRetries = DefaultMaxRetries
	}
	return &DirectSender{
		backend:    backend,
		nonces:     nonces,
		signer:     s,
		chainID:    big.NewInt(chainID),
		maxRetries: maxRetries,
		log:        logger.Component("signer"),
	}
}

func (d *DirectSender) Address() common.Address {
	return d.signer.Address()
}

// Send signs and broadcasts req. A "replacement transaction underpriced"
// rejection is retried on the same nonce with gas and fees multiplied by
// 1 + 0.15*retry; every other failure is returned at once.
func (d *DirectSender) Send(ctx context.Context, req TxRequest) (common.Hash, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	from := d.signer.Address()
	nonce, err := d.nonces.GetNextTxNonce(ctx, from)
	if err != nil {
		return common.Hash{}, apperrors.New(apperrors.ErrNonce, "failed to get nonce", err)
	}
	tip, feeCap, err := d.suggestFees(ctx)
	if err != nil {
		return common.Hash{}, err
	}
	var auths []types.SetCodeAuthorization
	if req.Authorize != nil {
		if auths, err = req.Authorize(ctx, nonce); err != nil {
			return common.Hash{}, err
		}
	}
	gas := req.Gas
	if gas == 0 {
		gas = DefaultGas
	}

	for retry := 0; ; retry++ {
		tx, err := d.signer.SignTx(d.buildTx(req, auths, nonce, escalateGas(gas, retry), escalate(tip, retry), escalate(feeCap, retry)), d.chainID)
		if err != nil {
			return common.Hash{}, apperrors.New(apperrors.ErrInternal, "failed to sign transaction", err)
		}
		err = d.backend.SendTransaction(ctx, tx)
		if err == nil {
			d.nonces.IncrementTxNonce(from)
			d.log.Info("Direct transaction sent", "tx_hash", tx.Hash().Hex(), "nonce", nonce, "retry", retry)
			return tx.Hash(), nil
		}

		switch {
		case isUnderpriced(err) && retry < d.maxRetries:
			metrics.SignerRetries.Inc()
			d.log.Warn("Replacement underpriced, escalating fees", "nonce", nonce, "retry", retry+1)
			continue
		case isUnderpriced(err):
			// The pending tx holding this nonce may still mine or be dropped.
			if rerr := d.nonces.ResetTxNonce(ctx, from); rerr != nil {
				d.log.Warn("Nonce reset failed", "error", rerr)
			}
			return common.Hash{}, apperrors.New(apperrors.ErrReplacementUnderpriced, "replacement transaction still underpriced after retries", err).
				WithDetail("retries", retry)
		case isNonceTooLow(err):
			if rerr := d.nonces.ResetTxNonce(ctx, from); rerr != nil {
				d.log.Warn("Nonce reset failed", "error", rerr)
			}
			return common.Hash{}, apperrors.New(apperrors.ErrNonce, "nonce too low", err)
		default:
			return common.Hash{}, apperrors.New(apperrors.ErrUpstream, "failed to send transaction", err)
		}
	}
}

// suggestFees returns tip and fee cap as 2*baseFee + tip.
func (d *DirectSender) suggestFees(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := d.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrUpstream, "failed to fetch priority fee", err)
	}
	head, err := d.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrUpstream, "failed to fetch latest header", err)
	}
	base := head.BaseFee
	if base == nil {
		base = new(big.Int)
	}
	feeCap := new(big.Int).Mul(base, big.NewInt(2))
	feeCap.Add(feeCap, tip)
	return tip, feeCap, nil
}

func (d *DirectSender) buildTx(req TxRequest, auths []types.SetCodeAuthorization, nonce, gas uint64, tip, feeCap *big.Int) *types.Transaction {
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	if len(auths) > 0 {
		return types.NewTx(&types.SetCodeTx{
			ChainID:   uint256.MustFromBig(d.chainID),
			Nonce:     nonce,
			GasTipCap: uint256.MustFromBig(tip),
			GasFeeCap: uint256.MustFromBig(feeCap),
			Gas:       gas,
			To:        req.To,
			Value:     uint256.MustFromBig(value),
			Data:      req.Data,
			AuthList:  auths,
		})
	}
	to := req.To
	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   d.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     value,
		Data:      req.Data,
	})
}

func escalate(v *big.Int, retry int) *big.Int {
	out := new(big.Int).Mul(v, big.NewInt(int64(100+escalationStepPct*retry)))
	return out.Quo(out, big.NewInt(100))
}

func escalateGas(gas uint64, retry int) uint64 {
	return gas * uint64(100+escalationStepPct*retry) / 100
}

func isUnderpriced(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "replacement transaction underpriced")
}

func isNonceTooLow(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}
