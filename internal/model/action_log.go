package model

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"
)

// Action log types.
const (
	ActionTypeLTVCheck      = "ltv_check"
	ActionTypeAutoRepay     = "auto_repay"
	ActionTypeAutoOptimize  = "auto_optimize"
	ActionTypeIdleSweep     = "idle_sweep"
	ActionTypeClose         = "close_position"
	ActionTypeVaultWithdraw = "vault_withdraw"
	ActionTypeTargetUpdate  = "target_update"
	ActionTypeNotification  = "notification"
)

// Notification kinds, stored as the Value of a notification entry.
const (
	NotificationAutoRepay    = "auto_repay_success"
	NotificationAutoOptimize = "auto_optimize_success"
	NotificationCriticalLTV  = "critical_ltv_warning"
	NotificationDailyDigest  = "daily_digest"
	NotificationIdleSweep    = "idle_sweep"
)

// ActionLog is one append-only record of something an agent checked or did.
type ActionLog struct {
	ID         int64          `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	AgentID    string         `gorm:"column:agent_id;index:idx_agent_actions_lookup,priority:1" json:"agent_id"`
	ActionType string         `gorm:"column:action_type;index:idx_agent_actions_lookup,priority:2" json:"action_type"`
	Value      string         `gorm:"column:value" json:"value"`
	ValueID    *string        `gorm:"column:value_id" json:"value_id,omitempty"`
	Details    datatypes.JSON `gorm:"column:details" json:"details"`
	CreatedAt  time.Time      `gorm:"column:created_date;index" json:"created_at"`
	UpdatedAt  time.Time      `gorm:"column:updated_date" json:"updated_at"`
}

func (ActionLog) TableName() string { return "tbl_agent_actions" }

// NewActionLog builds an entry with details marshalled to JSON. Unencodable
// details are replaced by an error marker rather than dropping the entry.
func NewActionLog(agentID, actionType, value string, valueID *string, details map[string]any) *ActionLog {
	raw, err := json.Marshal(details)
	if err != nil {
		raw, _ = json.Marshal(map[string]any{"marshal_error": err.Error()})
	}
	return &ActionLog{
		AgentID:    agentID,
		ActionType: actionType,
		Value:      value,
		ValueID:    valueID,
		Details:    datatypes.JSON(raw),
	}
}
