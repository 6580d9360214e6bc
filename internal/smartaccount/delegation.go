package smartaccount

import (
	"bytes"
	"context"
	"fmt"
	"math/big"

	"github.com/borrowbot/keeper/internal/chain"
	"github.com/borrowbot/keeper/internal/manager"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/signer"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

const DelegationGas = 1_000_000

var (
	// ERC-1967 implementation slot: keccak256("eip1967.proxy.implementation") - 1.
	ImplementationSlot = common.HexToHash("0x360894a13ba1a3210667c828492db98dca3e2076cc3735a920a3ca505d382bbc")

	setImplementationTypeHash = crypto.Keccak256Hash([]byte("EIP7702ProxyImplementationSet(uint256 chainId,address proxy,uint256 nonce,address currentImplementation,address newImplementation,bytes callData,address validator,uint256 expiry)"))

	// MaxExpiry never expires.
	MaxExpiry = new(big.Int).Set(math.MaxBig256)
)

// delegationPrefix marks EIP-7702 delegated code (0xef0100 || address).
var delegationPrefix = []byte{0xef, 0x01, 0x00}

type Config struct {
	ChainID        int64
	Proxy          common.Address // EIP-7702 proxy the EOA delegates to
	Implementation common.Address // smart wallet implementation behind the proxy
	Validator      common.Address
	NonceTracker   common.Address
}

// HashSigner signs raw digests; v may be returned as 0/1 or 27/28.
type HashSigner interface {
	Address() common.Address
	SignHash(hash common.Hash) ([]byte, error)
}

// Account reads delegation state and prepares delegation material.
type Account struct {
	cfg    Config
	code   chain.CodeReader
	caller chain.Caller
}

func NewAccount(cfg Config, code chain.CodeReader, caller chain.Caller) *Account {
	return &Account{cfg: cfg, code: code, caller: caller}
}

func (a *Account) Config() Config { return a.cfg }

type DelegationStatus struct {
	Code           []byte
	Implementation common.Address
	ProxyInstalled bool // code is the delegation designator for the proxy
	Delegated      bool // proxy installed and pointing at the wallet implementation
}

// ExpectedCode is the account code of an EOA delegated to proxy.
func ExpectedCode(proxy common.Address) []byte {
	return append(append([]byte{}, delegationPrefix...), proxy.Bytes()...)
}

func (a *Account) DelegationStatus(ctx context.Context, wallet common.Address) (DelegationStatus, error) {
	code, err := a.code.CodeAt(ctx, wallet, nil)
	if err != nil {
		return DelegationStatus{}, apperrors.New(apperrors.ErrUpstream, "failed to read account code", err)
	}
	slot, err := a.code.StorageAt(ctx, wallet, ImplementationSlot, nil)
	if err != nil {
		return DelegationStatus{}, apperrors.New(apperrors.ErrUpstream, "failed to read implementation slot", err)
	}
	status := DelegationStatus{
		Code:           code,
		Implementation: common.BytesToAddress(slot),
		ProxyInstalled: bytes.Equal(code, ExpectedCode(a.cfg.Proxy)),
	}
	status.Delegated = status.ProxyInstalled && status.Implementation == a.cfg.Implementation
	return status, nil
}

// UnsignedAuthorization authorizes delegation of the signing EOA to the proxy.
func (a *Account) UnsignedAuthorization(nonce uint64) types.SetCodeAuthorization {
	return types.SetCodeAuthorization{
		ChainID: *uint256.NewInt(uint64(a.cfg.ChainID)),
		Address: a.cfg.Proxy,
		Nonce:   nonce,
	}
}

// SignAuthorization signs auth.SigHash() and repackages r, s and a
// {0,1}-normalized v into the authorization.
func SignAuthorization(auth types.SetCodeAuthorization, s HashSigner) (types.SetCodeAuthorization, error) {
	sig, err := s.SignHash(auth.SigHash())
	if err != nil {
		return auth, apperrors.New(apperrors.ErrInternal, "failed to sign authorization", err)
	}
	if len(sig) != 65 {
		return auth, apperrors.Newf(apperrors.ErrInternal, "authorization signature has %d bytes", len(sig))
	}
	v := sig[64]
	if v >= 27 {
		v -= 27
	}
	auth.R.SetBytes(sig[:32])
	auth.S.SetBytes(sig[32:64])
	auth.V = v
	return auth, nil
}

// LegacyV returns a copy of a 65-byte signature with v in {27,28}, the
// form ecrecover-based contract checks expect.
func LegacyV(sig []byte) ([]byte, error) {
	if len(sig) != 65 {
		return nil, apperrors.Newf(apperrors.ErrInternal, "signature has %d bytes", len(sig))
	}
	out := append([]byte(nil), sig...)
	if out[64] < 27 {
		out[64] += 27
	}
	return out, nil
}

// SetImplementationHash is the digest the proxy checks before switching
// implementation: keccak256(abi.encode(typeHash, chainId, proxy, nonce,
// currentImpl, newImpl, keccak256(callData), validator, expiry)).
func (a *Account) SetImplementationHash(ctx context.Context, wallet common.Address, callData []byte, currentImpl common.Address, expiry *big.Int) (common.Hash, error) {
	out, err := a.caller.CallFunctionByName(ctx, a.cfg.NonceTracker, NonceTrackerABI, "nonces", []any{wallet}, nil)
	if err != nil {
		return common.Hash{}, err
	}
	nonce, ok := out[0].(*big.Int)
	if !ok {
		return common.Hash{}, fmt.Errorf("decode nonces: unexpected %T", out[0])
	}

	// 9 static words, 32 bytes each
	data := make([]byte, 32*9)
	copy(data[0:32], setImplementationTypeHash.Bytes())
	copy(data[32:64], math.U256Bytes(big.NewInt(a.cfg.ChainID)))
	copy(data[64+12:96], a.cfg.Proxy.Bytes())
	copy(data[96:128], math.U256Bytes(new(big.Int).Set(nonce)))
	copy(data[128+12:160], currentImpl.Bytes())
	copy(data[160+12:192], a.cfg.Implementation.Bytes())
	copy(data[192:224], crypto.Keccak256(callData))
	copy(data[224+12:256], a.cfg.Validator.Bytes())
	copy(data[256:288], math.U256Bytes(new(big.Int).Set(expiry)))
	return crypto.Keccak256Hash(data), nil
}

// Sender broadcasts direct transactions; *signer.DirectSender satisfies it.
type Sender interface {
	Address() common.Address
	Send(ctx context.Context, req signer.TxRequest) (common.Hash, error)
}

type DelegationResult struct {
	Skipped bool
	TxHash  common.Hash
}

// Delegator installs the proxy on an agent EOA and initializes the wallet.
type Delegator struct {
	account *Account
	sender  Sender
	nonces  manager.NonceSource
}

func NewDelegator(account *Account, sender Sender, nonces manager.NonceSource) *Delegator {
	return &Delegator{account: account, sender: sender, nonces: nonces}
}

// Delegate is idempotent: a wallet already delegated to the expected
// implementation is skipped without sending anything.
func (d *Delegator) Delegate(ctx context.Context, owner HashSigner, owners []common.Address) (*DelegationResult, error) {
	wallet := owner.Address()
	log := logger.Component("delegation").With("wallet", wallet.Hex())

	status, err := d.account.DelegationStatus(ctx, wallet)
	if err != nil {
		return nil, err
	}
	if status.Delegated {
		log.Info("Wallet already delegated, skipping")
		return &DelegationResult{Skipped: true}, nil
	}

	var data []byte
	if status.Implementation != d.account.cfg.Implementation {
		if data, err = d.initData(ctx, owner, owners, status.Implementation); err != nil {
			return nil, err
		}
	}

	var authorize func(context.Context, uint64) ([]types.SetCodeAuthorization, error)
	if !status.ProxyInstalled {
		authorize = func(ctx context.Context, txNonce uint64) ([]types.SetCodeAuthorization, error) {
			authNonce, err := d.authorizationNonce(ctx, wallet, txNonce)
			if err != nil {
				return nil, err
			}
			signed, err := SignAuthorization(d.account.UnsignedAuthorization(authNonce), owner)
			if err != nil {
				return nil, err
			}
			return []types.SetCodeAuthorization{signed}, nil
		}
	}

	hash, err := d.sender.Send(ctx, BuildDelegationRequest(wallet, data, authorize))
	if err != nil {
		return nil, err
	}
	log.Info("Delegation transaction sent", "tx_hash", hash.Hex(), "proxy_installed", status.ProxyInstalled)
	return &DelegationResult{TxHash: hash}, nil
}

// BuildDelegationRequest targets the wallet itself with zero value and a
// fixed gas limit; fees are filled by the sender.
func BuildDelegationRequest(wallet common.Address, data []byte, authorize func(context.Context, uint64) ([]types.SetCodeAuthorization, error)) signer.TxRequest {
	return signer.TxRequest{
		To:        wallet,
		Value:     new(big.Int),
		Data:      data,
		Gas:       DelegationGas,
		Authorize: authorize,
	}
}

// When the EOA sends its own delegation, the tx consumes txNonce first, so
// the authorization must carry the next one.
func (d *Delegator) authorizationNonce(ctx context.Context, wallet common.Address, txNonce uint64) (uint64, error) {
	if d.sender.Address() == wallet {
		return txNonce + 1, nil
	}
	n, err := d.nonces.PendingNonceAt(ctx, wallet)
	if err != nil {
		return 0, apperrors.New(apperrors.ErrNonce, "failed to read wallet nonce", err)
	}
	return n, nil
}

func (d *Delegator) initData(ctx context.Context, owner HashSigner, owners []common.Address, currentImpl common.Address) ([]byte, error) {
	if len(owners) == 0 {
		owners = []common.Address{owner.Address()}
	}
	init, err := EncodeInitialize(owners)
	if err != nil {
		return nil, err
	}
	hash, err := d.account.SetImplementationHash(ctx, owner.Address(), init, currentImpl, MaxExpiry)
	if err != nil {
		return nil, err
	}
	sig, err := owner.SignHash(hash)
	if err != nil {
		return nil, apperrors.New(apperrors.ErrInternal, "failed to sign set-implementation hash", err)
	}
	if sig, err = LegacyV(sig); err != nil {
		return nil, err
	}
	cfg := d.account.cfg
	return EncodeSetImplementation(cfg.Implementation, init, cfg.Validator, MaxExpiry, sig)
}
