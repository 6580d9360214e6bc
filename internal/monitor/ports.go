package monitor

import (
	"context"
	"math/big"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/protocol"
	"github.com/borrowbot/keeper/internal/signer"
	"github.com/borrowbot/keeper/internal/smartaccount"
	"github.com/ethereum/go-ethereum/common"
)

// Store is the persistence surface the monitor uses.
type Store interface {
	GetActivePositions(ctx context.Context) ([]model.Position, error)
	GetPositionByAgent(ctx context.Context, agentID string) (*model.Position, error)
	GetAgent(ctx context.Context, agentID string) (*model.Agent, error)
	GetUser(ctx context.Context, userID string) (*model.User, error)
	LogAgentAction(ctx context.Context, entry *model.ActionLog) error
	GetLatestActionByType(ctx context.Context, agentID, actionType, value string) (*model.ActionLog, error)
	UpdatePosition(ctx context.Context, p *model.Position) error
}

type MarketData interface {
	GetMarket(ctx context.Context, chainID int64, collateral common.Address, loan *common.Address) (*model.Market, error)
}

type Prices interface {
	GetAssetCurrentPrice(ctx context.Context, chainID int64, asset common.Address) (model.AssetPrice, error)
}

// ChainState is the subset of protocol.Reader the monitor needs.
type ChainState interface {
	Live(ctx context.Context, id common.Hash, user, vault, loanAsset common.Address) (*protocol.LivePosition, error)
	MarketParams(ctx context.Context, id common.Hash) (protocol.MarketParams, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
}

// Executor submits a call batch on behalf of a smart wallet.
type Executor interface {
	ExecuteCalls(ctx context.Context, owner smartaccount.HashSigner, calls []model.EncodedCall) (*model.UserOperationReceipt, error)
}

// KeySource finds the owner key for an agent wallet.
type KeySource interface {
	Signer(wallet common.Address) (smartaccount.HashSigner, bool)
}

type keyring struct{ k *signer.Keyring }

// Keyring adapts a signer.Keyring to KeySource.
func Keyring(k *signer.Keyring) KeySource {
	return keyring{k: k}
}

func (r keyring) Signer(wallet common.Address) (smartaccount.HashSigner, bool) {
	if r.k == nil {
		return nil, false
	}
	s, ok := r.k.Get(wallet)
	if !ok {
		return nil, false
	}
	return s, true
}
