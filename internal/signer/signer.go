package signer

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// LocalSigner holds one secp256k1 key in memory.
type LocalSigner struct {
	key     *ecdsa.PrivateKey
	address common.Address
}

func NewLocalSigner(privateKeyHex string) (*LocalSigner, error) {
	// 1. Parse private key
	privateKeyHex = strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x")
	if privateKeyHex == "" {
		return nil, fmt.Errorf("private key is required")
	}
	key, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %v", err)
	}

	// 2. Derive address
	publicKeyECDSA, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}
	return &LocalSigner{key: key, address: crypto.PubkeyToAddress(*publicKeyECDSA)}, nil
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

// SignHash signs a raw 32-byte digest and returns r||s||v with v in {0,1}.
func (s *LocalSigner) SignHash(hash common.Hash) ([]byte, error) {
	return crypto.Sign(hash.Bytes(), s.key)
}

// SignTx signs with the Prague signer, which covers legacy, dynamic-fee
// and set-code transactions.
func (s *LocalSigner) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewPragueSigner(chainID), s.key)
}

// Keyring maps wallet addresses to the owner keys the keeper signs with.
type Keyring struct {
	signers map[common.Address]*LocalSigner
}

func NewKeyring(privateKeys []string) (*Keyring, error) {
	k := &Keyring{signers: make(map[common.Address]*LocalSigner, len(privateKeys))}
	for i, raw := range privateKeys {
		if strings.TrimSpace(raw) == "" {
			continue
		}
		s, err := NewLocalSigner(raw)
		if err != nil {
			return nil, fmt.Errorf("agent key %d: %w", i, err)
		}
		k.signers[s.Address()] = s
	}
	return k, nil
}

func (k *Keyring) Get(addr common.Address) (*LocalSigner, bool) {
	s, ok := k.signers[addr]
	return s, ok
}

func (k *Keyring) Len() int {
	return len(k.signers)
}
