package model

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// EncodedCall is one contract call inside a batch.
type EncodedCall struct {
	To    common.Address `json:"to"`
	Data  hexutil.Bytes  `json:"data"`
	Value *big.Int       `json:"value"`
}

// ValueOrZero never returns nil.
func (c EncodedCall) ValueOrZero() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// Selector returns the first four bytes of the call data, or nil.
func (c EncodedCall) Selector() []byte {
	if len(c.Data) < 4 {
		return nil
	}
	return c.Data[:4]
}
