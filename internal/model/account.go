package model

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

type PositionStatus string

const (
	PositionActive PositionStatus = "active"
	PositionClosed PositionStatus = "closed"
)

// User owns one or more agents and receives their notifications.
type User struct {
	ID             string    `gorm:"column:id;primaryKey" json:"user_id"`
	Username       string    `gorm:"column:username;uniqueIndex" json:"username"`
	TelegramChatID string    `gorm:"column:telegram_chat_id" json:"telegram_chat_id,omitempty"` // empty disables notifications
	CreatedAt      time.Time `gorm:"column:created_date" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_date" json:"updated_at"`
}

func (User) TableName() string { return "tbl_users" }

// Agent is the autonomous manager of one leveraged position. Its wallet is an
// EOA delegated to the smart-wallet implementation.
type Agent struct {
	ID            string    `gorm:"column:id;primaryKey" json:"agent_id"`
	UserID        string    `gorm:"column:user_id;index" json:"user_id"`
	Name          string    `gorm:"column:name" json:"name"`
	Emoji         string    `gorm:"column:emoji" json:"emoji"`
	WalletAddress string    `gorm:"column:wallet_address" json:"wallet_address"`
	EnsName       string    `gorm:"column:ens_name" json:"ens_name,omitempty"` // source of the constitution records
	CreatedAt     time.Time `gorm:"column:created_date" json:"created_at"`
	UpdatedAt     time.Time `gorm:"column:updated_date" json:"updated_at"`
}

func (Agent) TableName() string { return "tbl_agents" }

func (a *Agent) Wallet() common.Address {
	return common.HexToAddress(a.WalletAddress)
}

// Position identifies one agent's leveraged stake. Amounts are never stored;
// they are read from chain on every check.
type Position struct {
	ID              int64          `gorm:"column:id;primaryKey;autoIncrement" json:"position_id"`
	AgentID         string         `gorm:"column:agent_id;index" json:"agent_id"`
	CollateralAsset string         `gorm:"column:collateral_asset" json:"collateral_asset"`
	TargetLTV       float64        `gorm:"column:target_ltv" json:"target_ltv"` // fraction, 0-1
	MarketID        string         `gorm:"column:morpho_market_id" json:"market_id"`
	Status          PositionStatus `gorm:"column:status;index" json:"status"`
	CreatedAt       time.Time      `gorm:"column:created_date" json:"created_at"`
	UpdatedAt       time.Time      `gorm:"column:updated_date" json:"updated_at"`
}

func (Position) TableName() string { return "tbl_agent_positions" }

func (p *Position) Collateral() common.Address {
	return common.HexToAddress(p.CollateralAsset)
}

// MarketKey returns the lending-market id as the bytes32 the contract expects.
func (p *Position) MarketKey() common.Hash {
	return common.HexToHash(p.MarketID)
}

func (p *Position) IsActive() bool {
	return p.Status == PositionActive
}
