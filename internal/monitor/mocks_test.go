package monitor

import (
	"context"
	"math/big"
	"sync"

	"github.com/borrowbot/keeper/internal/journal"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/protocol"
	"github.com/borrowbot/keeper/internal/smartaccount"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"
)

type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetActivePositions(ctx context.Context) ([]model.Position, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]model.Position), args.Error(1)
}

func (m *MockStore) GetPositionByAgent(ctx context.Context, agentID string) (*model.Position, error) {
	args := m.Called(ctx, agentID)
	p, _ := args.Get(0).(*model.Position)
	return p, args.Error(1)
}

func (m *MockStore) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	args := m.Called(ctx, agentID)
	a, _ := args.Get(0).(*model.Agent)
	return a, args.Error(1)
}

func (m *MockStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	args := m.Called(ctx, userID)
	u, _ := args.Get(0).(*model.User)
	return u, args.Error(1)
}

func (m *MockStore) LogAgentAction(ctx context.Context, entry *model.ActionLog) error {
	return m.Called(ctx, entry).Error(0)
}

func (m *MockStore) GetLatestActionByType(ctx context.Context, agentID, actionType, value string) (*model.ActionLog, error) {
	args := m.Called(ctx, agentID, actionType, value)
	e, _ := args.Get(0).(*model.ActionLog)
	return e, args.Error(1)
}

func (m *MockStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	return m.Called(ctx, p).Error(0)
}

type MockMarkets struct {
	mock.Mock
}

func (m *MockMarkets) GetMarket(ctx context.Context, chainID int64, collateral common.Address, loan *common.Address) (*model.Market, error) {
	args := m.Called(ctx, chainID, collateral, loan)
	mk, _ := args.Get(0).(*model.Market)
	return mk, args.Error(1)
}

type MockPrices struct {
	mock.Mock
}

func (m *MockPrices) GetAssetCurrentPrice(ctx context.Context, chainID int64, asset common.Address) (model.AssetPrice, error) {
	args := m.Called(ctx, chainID, asset)
	return args.Get(0).(model.AssetPrice), args.Error(1)
}

type MockChain struct {
	mock.Mock
}

func (m *MockChain) Live(ctx context.Context, id common.Hash, user, vault, loanAsset common.Address) (*protocol.LivePosition, error) {
	args := m.Called(ctx, id, user, vault, loanAsset)
	l, _ := args.Get(0).(*protocol.LivePosition)
	return l, args.Error(1)
}

func (m *MockChain) MarketParams(ctx context.Context, id common.Hash) (protocol.MarketParams, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(protocol.MarketParams), args.Error(1)
}

func (m *MockChain) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	args := m.Called(ctx, token, owner, spender)
	v, _ := args.Get(0).(*big.Int)
	return v, args.Error(1)
}

type MockExecutor struct {
	mock.Mock
}

func (m *MockExecutor) ExecuteCalls(ctx context.Context, owner smartaccount.HashSigner, calls []model.EncodedCall) (*model.UserOperationReceipt, error) {
	args := m.Called(ctx, owner, calls)
	r, _ := args.Get(0).(*model.UserOperationReceipt)
	return r, args.Error(1)
}

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) SendAutoRepaySuccess(ctx context.Context, agent *model.Agent, user *model.User, repayUSD, oldLTV, newLTV float64, fromVault bool) error {
	return m.Called(ctx, agent, user, repayUSD, oldLTV, newLTV, fromVault).Error(0)
}

func (m *MockNotifier) SendAutoOptimizeSuccess(ctx context.Context, agent *model.Agent, user *model.User, borrowUSD, oldLTV, newLTV float64, priceContext string) error {
	return m.Called(ctx, agent, user, borrowUSD, oldLTV, newLTV, priceContext).Error(0)
}

func (m *MockNotifier) SendCriticalLTVWarning(ctx context.Context, agent *model.Agent, user *model.User, currentLTV, maxLTV float64) error {
	return m.Called(ctx, agent, user, currentLTV, maxLTV).Error(0)
}

func (m *MockNotifier) SendDailyDigest(ctx context.Context, agent *model.Agent, user *model.User, currentLTV, collateralUSD, debtUSD float64) error {
	return m.Called(ctx, agent, user, currentLTV, collateralUSD, debtUSD).Error(0)
}

func (m *MockNotifier) SendIdleSweep(ctx context.Context, agent *model.Agent, user *model.User, amountUSD float64) error {
	return m.Called(ctx, agent, user, amountUSD).Error(0)
}

type fixedConstitution struct {
	c   *model.Constitution
	err error
}

func (f fixedConstitution) GetConstitution(context.Context, *model.Agent) (*model.Constitution, error) {
	return f.c, f.err
}

type fixedAnalysis struct{ a *model.PriceAnalysis }

func (f fixedAnalysis) GetPriceAnalysis(context.Context, int64, common.Address) (*model.PriceAnalysis, error) {
	return f.a, nil
}

// captureSink collects journal entries.
type captureSink struct {
	mu      sync.Mutex
	entries []*journal.Entry
}

func (c *captureSink) Record(e *journal.Entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = append(c.entries, e)
}

func (c *captureSink) byType(actionType string) []*journal.Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*journal.Entry
	for _, e := range c.entries {
		if e.ActionType == actionType {
			out = append(out, e)
		}
	}
	return out
}
