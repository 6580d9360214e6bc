package notify

import (
	"context"
	"fmt"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/borrowbot/keeper/internal/pkg/metrics"
)

// Recorder persists notification entries.
type Recorder interface {
	LogAgentAction(ctx context.Context, entry *model.ActionLog) error
}

// Service formats owner messages, sends them, and logs each attempt as a
// notification action. Users without a chat id are skipped silently.
type Service struct {
	sender   TextSender
	recorder Recorder
}

func NewService(sender TextSender, recorder Recorder) *Service {
	if sender == nil {
		sender = Noop{}
	}
	return &Service{sender: sender, recorder: recorder}
}

func (s *Service) SendAutoRepaySuccess(ctx context.Context, agent *model.Agent, user *model.User, repayUSD, oldLTV, newLTV float64, fromVault bool) error {
	source := ""
	if fromVault {
		source = " from your yield vault"
	}
	text := fmt.Sprintf("I detected your LTV was high (%s) and automatically withdrew $%.2f%s to repay debt. Your position is now healthy at %s.",
		pct(oldLTV), repayUSD, source, pct(newLTV))
	summary := fmt.Sprintf("Auto-repay executed: $%.2f. LTV %s -> %s", repayUSD, pct(oldLTV), pct(newLTV))
	return s.send(ctx, agent, user, model.NotificationAutoRepay, text, summary)
}

func (s *Service) SendAutoOptimizeSuccess(ctx context.Context, agent *model.Agent, user *model.User, borrowUSD, oldLTV, newLTV float64, priceContext string) error {
	text := fmt.Sprintf("Market conditions are favorable, so I borrowed an additional $%.2f USDC and deposited it into the yield vault to maximize your earnings. LTV moved from %s to %s.",
		borrowUSD, pct(oldLTV), pct(newLTV))
	if priceContext != "" {
		text += "\n\nMarket: " + priceContext
	}
	summary := fmt.Sprintf("Auto-optimize executed: $%.2f. LTV %s -> %s", borrowUSD, pct(oldLTV), pct(newLTV))
	return s.send(ctx, agent, user, model.NotificationAutoOptimize, text, summary)
}

func (s *Service) SendCriticalLTVWarning(ctx context.Context, agent *model.Agent, user *model.User, currentLTV, maxLTV float64) error {
	text := fmt.Sprintf("⚠️ %s %s: your LTV is %s, close to the liquidation threshold of %s. Please add collateral or repay debt to keep the position safe.",
		agent.Emoji, agent.Name, pct(currentLTV), pct(maxLTV))
	summary := fmt.Sprintf("Critical LTV warning: %s (max: %s)", pct(currentLTV), pct(maxLTV))
	return s.send(ctx, agent, user, model.NotificationCriticalLTV, text, summary)
}

func (s *Service) SendDailyDigest(ctx context.Context, agent *model.Agent, user *model.User, currentLTV, collateralUSD, debtUSD float64) error {
	text := fmt.Sprintf("Daily Update: Everything is healthy. 🟢\nCurrent LTV: %s\nCollateral: $%.2f\nDebt: $%.2f\nNo action needed.",
		pct(currentLTV), collateralUSD, debtUSD)
	return s.send(ctx, agent, user, model.NotificationDailyDigest, text, "Daily digest sent.")
}

func (s *Service) SendIdleSweep(ctx context.Context, agent *model.Agent, user *model.User, amountUSD float64) error {
	text := fmt.Sprintf("I found $%.2f USDC sitting idle in your wallet and deposited it into the yield vault.", amountUSD)
	summary := fmt.Sprintf("Idle sweep: $%.2f deposited", amountUSD)
	return s.send(ctx, agent, user, model.NotificationIdleSweep, text, summary)
}

func (s *Service) send(ctx context.Context, agent *model.Agent, user *model.User, kind, text, summary string) error {
	if user == nil || user.TelegramChatID == "" {
		logger.Debug("No telegram chat, skipping notification", "agent_id", agent.ID, "kind", kind)
		return nil
	}
	err := s.sender.SendText(ctx, user.TelegramChatID, text)
	status := "sent"
	if err != nil {
		status = "failed"
	}
	metrics.Notifications.WithLabelValues(kind, status).Inc()

	if s.recorder != nil {
		entry := model.NewActionLog(agent.ID, model.ActionTypeNotification, kind, nil, map[string]any{
			"message": summary,
			"success": err == nil,
		})
		if logErr := s.recorder.LogAgentAction(ctx, entry); logErr != nil {
			logger.Warn("Failed to log notification", "agent_id", agent.ID, "kind", kind, "error", logErr)
		}
	}
	if err != nil {
		return fmt.Errorf("send %s: %w", kind, err)
	}
	return nil
}

func pct(f float64) string {
	return fmt.Sprintf("%.1f%%", f*100)
}
