package smartaccount

import (
	"bytes"
	"context"
	"math/big"
	"testing"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/borrowbot/keeper/internal/signer"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	proxyAddr = common.HexToAddress("0x7702cb554e6bFb442cb743A7dF23154544a7176C")
	implAddr  = common.HexToAddress("0x000100abaad02f1cfC8Bbe32bD5a564817339E72")
	validator = common.HexToAddress("0x79A33f950b90C7d07E66950daedf868BD0cDcF96")
	tracker   = common.HexToAddress("0xD0Ff13c28679FDd75Bc09c0a430a0089bf8b95a8")
)

func testConfig() Config {
	return Config{ChainID: 8453, Proxy: proxyAddr, Implementation: implAddr, Validator: validator, NonceTracker: tracker}
}

func newOwner(t *testing.T) *signer.LocalSigner {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	s, err := signer.NewLocalSigner(hexutil.Encode(crypto.FromECDSA(key)))
	require.NoError(t, err)
	return s
}

type fakeChain struct {
	code   map[common.Address][]byte
	slots  map[common.Address]common.Hash
	nonces map[common.Address]*big.Int
}

func (f *fakeChain) CodeAt(_ context.Context, a common.Address, _ *big.Int) ([]byte, error) {
	return f.code[a], nil
}

func (f *fakeChain) StorageAt(_ context.Context, a common.Address, key common.Hash, _ *big.Int) ([]byte, error) {
	if key != ImplementationSlot {
		return make([]byte, 32), nil
	}
	return f.slots[a].Bytes(), nil
}

func (f *fakeChain) CallFunctionByName(_ context.Context, _ common.Address, _ abi.ABI, fn string, args []any, _ *big.Int) ([]any, error) {
	n := f.nonces[args[0].(common.Address)]
	if n == nil {
		n = new(big.Int)
	}
	return []any{n}, nil
}

func (f *fakeChain) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	return 42, nil
}

type recordingSender struct {
	from common.Address
	reqs []signer.TxRequest
}

func (r *recordingSender) Address() common.Address { return r.from }

func (r *recordingSender) Send(_ context.Context, req signer.TxRequest) (common.Hash, error) {
	r.reqs = append(r.reqs, req)
	return common.HexToHash("0xabc"), nil
}

func TestBuildExecuteCallData(t *testing.T) {
	_, err := BuildExecuteCallData(nil)
	assert.True(t, apperrors.Is(err, apperrors.ErrInvalidRequest))

	target := common.HexToAddress("0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913")
	one := []model.EncodedCall{{To: target, Data: []byte{0xde, 0xad}}}
	data, err := BuildExecuteCallData(one)
	require.NoError(t, err)
	assert.Equal(t, WalletABI.Methods["execute"].ID, data[:4])

	args, err := WalletABI.Methods["execute"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	assert.Equal(t, target, args[0])
	assert.Equal(t, int64(0), args[1].(*big.Int).Int64())
	assert.Equal(t, []byte{0xde, 0xad}, args[2])

	many := []model.EncodedCall{
		{To: target, Data: []byte{0x01}},
		{To: proxyAddr, Data: []byte{0x02}, Value: big.NewInt(7)},
	}
	data, err = BuildExecuteCallData(many)
	require.NoError(t, err)
	assert.Equal(t, WalletABI.Methods["executeBatch"].ID, data[:4])

	args, err = WalletABI.Methods["executeBatch"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	calls := *abi.ConvertType(args[0], new([]walletCall)).(*[]walletCall)
	require.Len(t, calls, 2)
	assert.Equal(t, target, calls[0].Target)
	assert.Equal(t, proxyAddr, calls[1].Target)
	assert.Equal(t, int64(7), calls[1].Value.Int64())
}

func TestEncodeUserOperationSignature(t *testing.T) {
	sig := bytes.Repeat([]byte{0x11}, 65)
	out, err := EncodeUserOperationSignature(sig, 0)
	require.NoError(t, err)

	vals, err := signatureArgs.Unpack(out)
	require.NoError(t, err)
	decoded := *abi.ConvertType(vals[0], new(struct {
		OwnerIndex    uint8
		SignatureData []byte
	})).(*struct {
		OwnerIndex    uint8
		SignatureData []byte
	})
	assert.Equal(t, uint8(0), decoded.OwnerIndex)
	assert.Equal(t, sig, decoded.SignatureData)
}

func TestEncodeInitializeOwners(t *testing.T) {
	_, err := EncodeInitialize(nil)
	assert.Error(t, err)

	owner := common.HexToAddress("0x1111111111111111111111111111111111111111")
	data, err := EncodeInitialize([]common.Address{owner})
	require.NoError(t, err)
	args, err := WalletABI.Methods["initialize"].Inputs.Unpack(data[4:])
	require.NoError(t, err)
	owners := args[0].([][]byte)
	require.Len(t, owners, 1)
	assert.Equal(t, common.LeftPadBytes(owner.Bytes(), 32), owners[0])
}

func TestSignAuthorizationRecoversAuthority(t *testing.T) {
	owner := newOwner(t)
	acct := NewAccount(testConfig(), &fakeChain{}, &fakeChain{})

	auth, err := SignAuthorization(acct.UnsignedAuthorization(9), owner)
	require.NoError(t, err)
	assert.LessOrEqual(t, auth.V, uint8(1))
	assert.Equal(t, proxyAddr, auth.Address)
	assert.Equal(t, uint64(9), auth.Nonce)

	authority, err := auth.Authority()
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), authority)
}

type legacyVSigner struct{ *signer.LocalSigner }

func (l legacyVSigner) SignHash(h common.Hash) ([]byte, error) {
	sig, err := l.LocalSigner.SignHash(h)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

func TestSignAuthorizationNormalizesV(t *testing.T) {
	owner := legacyVSigner{newOwner(t)}
	acct := NewAccount(testConfig(), &fakeChain{}, &fakeChain{})

	auth, err := SignAuthorization(acct.UnsignedAuthorization(1), owner)
	require.NoError(t, err)
	assert.LessOrEqual(t, auth.V, uint8(1))
	authority, err := auth.Authority()
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), authority)
}

func TestDelegationStatus(t *testing.T) {
	wallet := common.HexToAddress("0x2222222222222222222222222222222222222222")
	fc := &fakeChain{
		code:  map[common.Address][]byte{wallet: ExpectedCode(proxyAddr)},
		slots: map[common.Address]common.Hash{wallet: common.BytesToHash(implAddr.Bytes())},
	}
	acct := NewAccount(testConfig(), fc, fc)

	st, err := acct.DelegationStatus(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, st.ProxyInstalled)
	assert.True(t, st.Delegated)

	fc.slots[wallet] = common.Hash{}
	st, err = acct.DelegationStatus(context.Background(), wallet)
	require.NoError(t, err)
	assert.True(t, st.ProxyInstalled)
	assert.False(t, st.Delegated)

	fc.code[wallet] = nil
	st, err = acct.DelegationStatus(context.Background(), wallet)
	require.NoError(t, err)
	assert.False(t, st.ProxyInstalled)
	assert.False(t, st.Delegated)
}

func TestExpectedCode(t *testing.T) {
	code := ExpectedCode(proxyAddr)
	assert.Len(t, code, 23)
	assert.Equal(t, append([]byte{0xef, 0x01, 0x00}, proxyAddr.Bytes()...), code)
}

func TestSetImplementationHashMatchesAbiEncode(t *testing.T) {
	wallet := common.HexToAddress("0x3333333333333333333333333333333333333333")
	fc := &fakeChain{nonces: map[common.Address]*big.Int{wallet: big.NewInt(5)}}
	acct := NewAccount(testConfig(), fc, fc)
	callData := []byte{0x01, 0x02, 0x03}
	current := common.HexToAddress("0x4444444444444444444444444444444444444444")

	got, err := acct.SetImplementationHash(context.Background(), wallet, callData, current, MaxExpiry)
	require.NoError(t, err)

	ty := func(s string) abi.Type { return mustType(s) }
	args := abi.Arguments{
		{Type: ty("bytes32")}, {Type: ty("uint256")}, {Type: ty("address")}, {Type: ty("uint256")},
		{Type: ty("address")}, {Type: ty("address")}, {Type: ty("bytes32")}, {Type: ty("address")}, {Type: ty("uint256")},
	}
	packed, err := args.Pack(
		setImplementationTypeHash, big.NewInt(8453), proxyAddr, big.NewInt(5),
		current, implAddr, crypto.Keccak256Hash(callData), validator, MaxExpiry,
	)
	require.NoError(t, err)
	assert.Equal(t, crypto.Keccak256Hash(packed), got)
}

func TestDelegateSkipsWhenDelegated(t *testing.T) {
	owner := newOwner(t)
	fc := &fakeChain{
		code:  map[common.Address][]byte{owner.Address(): ExpectedCode(proxyAddr)},
		slots: map[common.Address]common.Hash{owner.Address(): common.BytesToHash(implAddr.Bytes())},
	}
	sender := &recordingSender{from: owner.Address()}
	d := NewDelegator(NewAccount(testConfig(), fc, fc), sender, fc)

	res, err := d.Delegate(context.Background(), owner, nil)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Empty(t, sender.reqs)
}

func TestDelegateSelfSponsoredAuthorizesNextNonce(t *testing.T) {
	owner := newOwner(t)
	fc := &fakeChain{code: map[common.Address][]byte{}, slots: map[common.Address]common.Hash{}}
	sender := &recordingSender{from: owner.Address()}
	d := NewDelegator(NewAccount(testConfig(), fc, fc), sender, fc)

	res, err := d.Delegate(context.Background(), owner, nil)
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	require.Len(t, sender.reqs, 1)

	req := sender.reqs[0]
	assert.Equal(t, owner.Address(), req.To)
	assert.Equal(t, uint64(DelegationGas), req.Gas)
	assert.Equal(t, 0, req.Value.Sign())
	assert.Equal(t, WalletABI.Methods["setImplementation"].ID, req.Data[:4])

	require.NotNil(t, req.Authorize)
	auths, err := req.Authorize(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, auths, 1)
	assert.Equal(t, uint64(6), auths[0].Nonce)
	authority, err := auths[0].Authority()
	require.NoError(t, err)
	assert.Equal(t, owner.Address(), authority)
}

func TestDelegateSponsoredUsesWalletNonce(t *testing.T) {
	owner := newOwner(t)
	fc := &fakeChain{code: map[common.Address][]byte{}, slots: map[common.Address]common.Hash{}}
	sender := &recordingSender{from: common.HexToAddress("0x5555555555555555555555555555555555555555")}
	d := NewDelegator(NewAccount(testConfig(), fc, fc), sender, fc)

	_, err := d.Delegate(context.Background(), owner, nil)
	require.NoError(t, err)
	auths, err := sender.reqs[0].Authorize(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), auths[0].Nonce)
}

func TestDelegateProxyInstalledSendsWithoutAuthorization(t *testing.T) {
	owner := newOwner(t)
	fc := &fakeChain{
		code:  map[common.Address][]byte{owner.Address(): ExpectedCode(proxyAddr)},
		slots: map[common.Address]common.Hash{},
	}
	sender := &recordingSender{from: owner.Address()}
	d := NewDelegator(NewAccount(testConfig(), fc, fc), sender, fc)

	_, err := d.Delegate(context.Background(), owner, nil)
	require.NoError(t, err)
	require.Len(t, sender.reqs, 1)
	assert.Nil(t, sender.reqs[0].Authorize)

	args, err := WalletABI.Methods["setImplementation"].Inputs.Unpack(sender.reqs[0].Data[4:])
	require.NoError(t, err)
	assert.Equal(t, implAddr, args[0])
	assert.Equal(t, validator, args[2])
	sig := args[4].([]byte)
	require.Len(t, sig, 65)
	assert.GreaterOrEqual(t, sig[64], byte(27))
	assert.Equal(t, false, args[5])
}

func TestLegacyV(t *testing.T) {
	sig := make([]byte, 65)
	sig[64] = 1
	out, err := LegacyV(sig)
	require.NoError(t, err)
	assert.Equal(t, byte(28), out[64])
	assert.Equal(t, byte(1), sig[64], "input must not be mutated")

	out, err = LegacyV(out)
	require.NoError(t, err)
	assert.Equal(t, byte(28), out[64])

	_, err = LegacyV(sig[:64])
	assert.Error(t, err)
}
