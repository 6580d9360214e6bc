// Package relayer submits smart-wallet batches as ERC-4337 v0.6 user
// operations through a bundler with optional paymaster sponsorship.
package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/borrowbot/keeper/internal/chain"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/pkg/metrics"
	"github.com/borrowbot/keeper/internal/smartaccount"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
)

const entryPointJSON = `[
{"type":"function","name":"getNonce","stateMutability":"view","inputs":[{"name":"sender","type":"address"},{"name":"key","type":"uint192"}],"outputs":[{"name":"nonce","type":"uint256"}]},
{"type":"function","name":"getUserOpHash","stateMutability":"view","inputs":[{"name":"userOp","type":"tuple","components":[{"name":"sender","type":"address"},{"name":"nonce","type":"uint256"},{"name":"initCode","type":"bytes"},{"name":"callData","type":"bytes"},{"name":"callGasLimit","type":"uint256"},{"name":"verificationGasLimit","type":"uint256"},{"name":"preVerificationGas","type":"uint256"},{"name":"maxFeePerGas","type":"uint256"},{"name":"maxPriorityFeePerGas","type":"uint256"},{"name":"paymasterAndData","type":"bytes"},{"name":"signature","type":"bytes"}]}],"outputs":[{"name":"","type":"bytes32"}]}
]`

var EntryPointABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(entryPointJSON))
	if err != nil {
		panic("relayer: invalid entry point abi: " + err.Error())
	}
	return parsed
}()

// Fee multipliers as numerator/denominator.
const (
	maxFeeNum, maxFeeDen           = 15, 10
	priorityFeeNum, priorityFeeDen = 11, 10
)

const sponsorshipExceeded = "max sponsorship cost per user op exceeded"

// dummySignature sizes the operation for estimation.
var dummySignature = make([]byte, 65)

// RPCCaller is the bundler/paymaster JSON-RPC endpoint; *rpc.Client satisfies it.
type RPCCaller interface {
	CallContext(ctx context.Context, result any, method string, args ...any) error
}

// FeeSource supplies chain fee data; *ethclient.Client satisfies it.
type FeeSource interface {
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

type Options struct {
	ChainID      int64
	EntryPoint   common.Address
	SponsorGas   bool
	PollInterval time.Duration
	MaxWait      time.Duration
	Allow        *AllowList
}

type Client struct {
	rpc    RPCCaller
	fees   FeeSource
	caller chain.Caller
	opts   Options
}

func NewClient(rpc RPCCaller, fees FeeSource, caller chain.Caller, opts Options) *Client {
	if opts.PollInterval <= 0 {
		opts.PollInterval = 2 * time.Second
	}
	if opts.MaxWait <= 0 {
		opts.MaxWait = 120 * time.Second
	}
	return &Client{rpc: rpc, fees: fees, caller: caller, opts: opts}
}

// ExecuteCalls runs the whole pipeline for one batch: allow-list check,
// build, sponsor, sign, submit and wait for the receipt.
func (c *Client) ExecuteCalls(ctx context.Context, owner smartaccount.HashSigner, calls []model.EncodedCall) (*model.UserOperationReceipt, error) {
	if err := c.opts.Allow.Check(calls); err != nil {
		metrics.UserOperations.WithLabelValues("rejected").Inc()
		return nil, err
	}
	callData, err := smartaccount.BuildExecuteCallData(calls)
	if err != nil {
		return nil, err
	}

	sender := owner.Address()
	log := logger.Component("relayer").With("sender", sender.Hex(), "calls", len(calls))

	op, err := c.BuildUserOperation(ctx, sender, callData)
	if err != nil {
		if apperrors.Is(err, apperrors.ErrGasTooHigh) {
			metrics.UserOperations.WithLabelValues("gas_too_high").Inc()
		}
		return nil, err
	}
	if err := c.Sign(ctx, op, owner); err != nil {
		return nil, err
	}
	opHash, err := c.Send(ctx, op)
	if err != nil {
		return nil, err
	}
	log.Info("User operation submitted", "user_op_hash", opHash.Hex())

	receipt, err := c.WaitForReceipt(ctx, opHash)
	switch {
	case apperrors.Is(err, apperrors.ErrTimeout):
		metrics.UserOperations.WithLabelValues("timeout").Inc()
	case apperrors.Is(err, apperrors.ErrOperationFailed):
		metrics.UserOperations.WithLabelValues("failed").Inc()
	case err == nil:
		metrics.UserOperations.WithLabelValues("success").Inc()
		log.Info("User operation included", "user_op_hash", opHash.Hex(), "tx_hash", receipt.TxHash().Hex())
	}
	return receipt, err
}

// BuildUserOperation returns an unsigned, gas-estimated and (when enabled)
// sponsored operation.
func (c *Client) BuildUserOperation(ctx context.Context, sender common.Address, callData []byte) (*model.UserOperation, error) {
	nonce, err := c.entryPointNonce(ctx, sender)
	if err != nil {
		return nil, err
	}
	zero := (*hexutil.Big)(new(big.Int))
	op := &model.UserOperation{
		Sender:               sender,
		Nonce:                (*hexutil.Big)(nonce),
		InitCode:             hexutil.Bytes{},
		CallData:             callData,
		CallGasLimit:         zero,
		VerificationGasLimit: zero,
		PreVerificationGas:   zero,
		MaxFeePerGas:         zero,
		MaxPriorityFeePerGas: zero,
		PaymasterAndData:     hexutil.Bytes{},
		Signature:            dummySignature,
	}

	if c.opts.SponsorGas {
		var stub struct {
			PaymasterAndData hexutil.Bytes `json:"paymasterAndData"`
		}
		if err := c.call(ctx, &stub, "pm_getPaymasterStubData", op, c.opts.EntryPoint, c.chainIDHex(), map[string]any{}); err != nil {
			return nil, err
		}
		op.PaymasterAndData = stub.PaymasterAndData
	}

	var estimate struct {
		CallGasLimit         *hexutil.Big `json:"callGasLimit"`
		VerificationGasLimit *hexutil.Big `json:"verificationGasLimit"`
		PreVerificationGas   *hexutil.Big `json:"preVerificationGas"`
	}
	if err := c.call(ctx, &estimate, "eth_estimateUserOperationGas", op, c.opts.EntryPoint); err != nil {
		return nil, err
	}
	if estimate.CallGasLimit == nil || estimate.VerificationGasLimit == nil || estimate.PreVerificationGas == nil {
		return nil, apperrors.NewInvalidRequest("incomplete gas estimate from bundler")
	}
	op.CallGasLimit = estimate.CallGasLimit
	op.VerificationGasLimit = estimate.VerificationGasLimit
	op.PreVerificationGas = estimate.PreVerificationGas

	maxFee, priority, err := c.fees4337(ctx)
	if err != nil {
		return nil, err
	}
	op.MaxFeePerGas = (*hexutil.Big)(maxFee)
	op.MaxPriorityFeePerGas = (*hexutil.Big)(priority)

	if c.opts.SponsorGas {
		var data struct {
			PaymasterAndData hexutil.Bytes `json:"paymasterAndData"`
		}
		if err := c.call(ctx, &data, "pm_getPaymasterData", op, c.opts.EntryPoint, c.chainIDHex(), map[string]any{}); err != nil {
			if strings.Contains(err.Error(), sponsorshipExceeded) {
				return nil, apperrors.New(apperrors.ErrGasTooHigh, "sponsored gas cost too high", err)
			}
			return nil, err
		}
		op.PaymasterAndData = data.PaymasterAndData
	}
	return op, nil
}

// Sign replaces the dummy signature with the owner's signature over the
// EntryPoint user-operation hash.
func (c *Client) Sign(ctx context.Context, op *model.UserOperation, owner smartaccount.HashSigner) error {
	hash, err := c.UserOperationHash(ctx, op)
	if err != nil {
		return err
	}
	raw, err := owner.SignHash(hash)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "failed to sign user operation", err)
	}
	if raw, err = smartaccount.LegacyV(raw); err != nil {
		return err
	}
	sig, err := smartaccount.EncodeUserOperationSignature(raw, 0)
	if err != nil {
		return apperrors.New(apperrors.ErrInternal, "failed to encode user operation signature", err)
	}
	op.Signature = sig
	return nil
}

func (c *Client) UserOperationHash(ctx context.Context, op *model.UserOperation) (common.Hash, error) {
	out, err := c.caller.CallFunctionByName(ctx, c.opts.EntryPoint, EntryPointABI, "getUserOpHash", []any{packUserOp(op)}, nil)
	if err != nil {
		return common.Hash{}, err
	}
	hash, ok := out[0].([32]byte)
	if !ok {
		return common.Hash{}, fmt.Errorf("decode getUserOpHash: unexpected %T", out[0])
	}
	return hash, nil
}

func (c *Client) Send(ctx context.Context, op *model.UserOperation) (common.Hash, error) {
	var hash common.Hash
	if err := c.call(ctx, &hash, "eth_sendUserOperation", op, c.opts.EntryPoint); err != nil {
		return common.Hash{}, err
	}
	return hash, nil
}

// WaitForReceipt polls until the bundler reports the operation. Running
// out of time is ErrTimeout: the operation may still land.
func (c *Client) WaitForReceipt(ctx context.Context, opHash common.Hash) (*model.UserOperationReceipt, error) {
	deadline := time.Now().Add(c.opts.MaxWait)
	ticker := time.NewTicker(c.opts.PollInterval)
	defer ticker.Stop()

	for {
		var receipt *model.UserOperationReceipt
		if err := c.call(ctx, &receipt, "eth_getUserOperationReceipt", opHash); err != nil {
			logger.Debug("receipt poll failed", "user_op_hash", opHash.Hex(), "error", err)
		}
		if receipt != nil {
			if !receipt.Success {
				return receipt, apperrors.Newf(apperrors.ErrOperationFailed, "user operation %s failed", opHash.Hex()).
					WithDetail("receipt", receipt)
			}
			return receipt, nil
		}
		if !time.Now().Before(deadline) {
			return nil, apperrors.Newf(apperrors.ErrTimeout, "receipt not found after %s for user operation %s", c.opts.MaxWait, opHash.Hex()).
				WithDetail("user_op_hash", opHash.Hex())
		}
		select {
		case <-ctx.Done():
			return nil, apperrors.New(apperrors.ErrTimeout, "receipt polling cancelled", ctx.Err())
		case <-ticker.C:
		}
	}
}

func (c *Client) entryPointNonce(ctx context.Context, sender common.Address) (*big.Int, error) {
	out, err := c.caller.CallFunctionByName(ctx, c.opts.EntryPoint, EntryPointABI, "getNonce", []any{sender, new(big.Int)}, nil)
	if err != nil {
		return nil, err
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("decode getNonce: unexpected %T", out[0])
	}
	return nonce, nil
}

// fees4337: maxFee = (2·base + tip)·1.5, priority = tip·1.1.
func (c *Client) fees4337(ctx context.Context) (*big.Int, *big.Int, error) {
	tip, err := c.fees.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrUpstream, "failed to get priority fee", err)
	}
	head, err := c.fees.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, nil, apperrors.New(apperrors.ErrUpstream, "failed to get latest header", err)
	}
	base := new(big.Int)
	if head.BaseFee != nil {
		base.Set(head.BaseFee)
	}
	maxFee := new(big.Int).Add(new(big.Int).Mul(base, big.NewInt(2)), tip)
	maxFee.Mul(maxFee, big.NewInt(maxFeeNum)).Div(maxFee, big.NewInt(maxFeeDen))
	priority := new(big.Int).Mul(tip, big.NewInt(priorityFeeNum))
	priority.Div(priority, big.NewInt(priorityFeeDen))
	return maxFee, priority, nil
}

func (c *Client) call(ctx context.Context, result any, method string, args ...any) error {
	if err := c.rpc.CallContext(ctx, result, method, args...); err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return apperrors.New(apperrors.ErrTimeout, method+" cancelled", err)
		}
		return apperrors.New(apperrors.ErrUpstream, method+" failed", err).WithDetail("method", method)
	}
	return nil
}

func (c *Client) chainIDHex() string {
	return hexutil.EncodeBig(big.NewInt(c.opts.ChainID))
}

// userOpTuple mirrors the EntryPoint v0.6 UserOperation struct.
type userOpTuple struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func packUserOp(op *model.UserOperation) userOpTuple {
	return userOpTuple{
		Sender:               op.Sender,
		Nonce:                bigOf(op.Nonce),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         bigOf(op.CallGasLimit),
		VerificationGasLimit: bigOf(op.VerificationGasLimit),
		PreVerificationGas:   bigOf(op.PreVerificationGas),
		MaxFeePerGas:         bigOf(op.MaxFeePerGas),
		MaxPriorityFeePerGas: bigOf(op.MaxPriorityFeePerGas),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,
	}
}

func bigOf(v *hexutil.Big) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v.ToInt()
}
