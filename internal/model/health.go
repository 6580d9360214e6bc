package model

import (
	"encoding/json"
	"fmt"
	"math/big"
)

// ActionKind is the decision produced by one health evaluation.
type ActionKind int

const (
	ActionNone ActionKind = iota
	ActionAutoRepay
	ActionManualRepay
	ActionAutoOptimize
)

func (k ActionKind) String() string {
	switch k {
	case ActionNone:
		return "none"
	case ActionAutoRepay:
		return "auto_repay"
	case ActionManualRepay:
		return "manual_repay"
	case ActionAutoOptimize:
		return "auto_optimize"
	default:
		return fmt.Sprintf("ActionKind(%d)", int(k))
	}
}

// LogValue is the value recorded for an ltv_check action log entry.
func (k ActionKind) LogValue() string {
	if k == ActionNone {
		return "no_action"
	}
	return k.String()
}

// Automatic reports whether the kind moves funds without the owner.
func (k ActionKind) Automatic() bool {
	return k == ActionAutoRepay || k == ActionAutoOptimize
}

func (k ActionKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// HealthCheckResult is the output of one evaluation. ActionAmount is in the
// loan asset's smallest unit and is zero when no action is needed.
type HealthCheckResult struct {
	PositionID   int64      `json:"position_id"`
	AgentID      string     `json:"agent_id"`
	CurrentLTV   float64    `json:"current_ltv"`
	TargetLTV    float64    `json:"target_ltv"`
	MaxLTV       float64    `json:"max_ltv"`
	NeedsAction  bool       `json:"needs_action"`
	Action       ActionKind `json:"action_type"`
	ActionAmount *big.Int   `json:"action_amount"`
	Reason       string     `json:"reason"`
	SuppressedBy string     `json:"suppressed_by,omitempty"` // gate that vetoed an optimize
}

// HealthFactor is maxLtv / currentLtv; zero debt reports +Inf as 0.
func (r *HealthCheckResult) HealthFactor() float64 {
	if r.CurrentLTV <= 0 {
		return 0
	}
	return r.MaxLTV / r.CurrentLTV
}

// Details is the JSON payload of the ltv_check action log entry.
func (r *HealthCheckResult) Details() map[string]any {
	amount := "0"
	if r.ActionAmount != nil {
		amount = r.ActionAmount.String()
	}
	return map[string]any{
		"current_ltv":   r.CurrentLTV,
		"target_ltv":    r.TargetLTV,
		"max_ltv":       r.MaxLTV,
		"needs_action":  r.NeedsAction,
		"action_amount": amount,
		"reason":        r.Reason,
	}
}
