package model

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation is an ERC-4337 v0.6 operation in its JSON-RPC encoding.
type UserOperation struct {
	Sender               common.Address `json:"sender"`
	Nonce                *hexutil.Big   `json:"nonce"`
	InitCode             hexutil.Bytes  `json:"initCode"`
	CallData             hexutil.Bytes  `json:"callData"`
	CallGasLimit         *hexutil.Big   `json:"callGasLimit"`
	VerificationGasLimit *hexutil.Big   `json:"verificationGasLimit"`
	PreVerificationGas   *hexutil.Big   `json:"preVerificationGas"`
	MaxFeePerGas         *hexutil.Big   `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *hexutil.Big   `json:"maxPriorityFeePerGas"`
	PaymasterAndData     hexutil.Bytes  `json:"paymasterAndData"`
	Signature            hexutil.Bytes  `json:"signature"`
}

// UserOperationReceipt is the subset of eth_getUserOperationReceipt the
// keeper inspects. Receipt keeps the inner transaction receipt verbatim.
type UserOperationReceipt struct {
	UserOpHash    common.Hash     `json:"userOpHash"`
	Sender        common.Address  `json:"sender"`
	Success       bool            `json:"success"`
	Reason        string          `json:"reason,omitempty"`
	ActualGasCost *hexutil.Big    `json:"actualGasCost"`
	ActualGasUsed *hexutil.Big    `json:"actualGasUsed"`
	Receipt       json.RawMessage `json:"receipt,omitempty"`
}

// TxHash extracts the bundle transaction hash from the inner receipt.
func (r *UserOperationReceipt) TxHash() common.Hash {
	var inner struct {
		TransactionHash common.Hash `json:"transactionHash"`
	}
	if len(r.Receipt) > 0 {
		_ = json.Unmarshal(r.Receipt, &inner)
	}
	return inner.TransactionHash
}
