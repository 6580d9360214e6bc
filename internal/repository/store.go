package repository

import (
	"context"
	"errors"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"gorm.io/gorm"
)

// GormStore persists users, agents, positions and the agent action log.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate creates or updates the keeper tables.
func (s *GormStore) AutoMigrate() error {
	return s.db.AutoMigrate(&model.User{}, &model.Agent{}, &model.Position{}, &model.ActionLog{})
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *GormStore) GetActivePositions(ctx context.Context) ([]model.Position, error) {
	var positions []model.Position
	err := s.db.WithContext(ctx).
		Where("status = ?", model.PositionActive).
		Order("id ASC").
		Find(&positions).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "failed to load active positions", err)
	}
	return positions, nil
}

func (s *GormStore) GetPositionByAgent(ctx context.Context, agentID string) (*model.Position, error) {
	var p model.Position
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND status = ?", agentID, model.PositionActive).
		Order("id DESC").
		First(&p).Error
	if err != nil {
		return nil, notFound(err, "position for agent "+agentID)
	}
	return &p, nil
}

func (s *GormStore) GetAgent(ctx context.Context, agentID string) (*model.Agent, error) {
	var a model.Agent
	if err := s.db.WithContext(ctx).First(&a, "id = ?", agentID).Error; err != nil {
		return nil, notFound(err, "agent "+agentID)
	}
	return &a, nil
}

func (s *GormStore) GetUser(ctx context.Context, userID string) (*model.User, error) {
	var u model.User
	if err := s.db.WithContext(ctx).First(&u, "id = ?", userID).Error; err != nil {
		return nil, notFound(err, "user "+userID)
	}
	return &u, nil
}

func (s *GormStore) LogAgentAction(ctx context.Context, entry *model.ActionLog) error {
	if entry == nil {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return apperrors.New(apperrors.ErrUpstream, "failed to record agent action", err)
	}
	return nil
}

// GetLatestActionByType returns the newest entry of actionType for the
// agent, or nil when there is none. An empty value matches any value.
func (s *GormStore) GetLatestActionByType(ctx context.Context, agentID, actionType, value string) (*model.ActionLog, error) {
	q := s.db.WithContext(ctx).Where("agent_id = ? AND action_type = ?", agentID, actionType)
	if value != "" {
		q = q.Where("value = ?", value)
	}
	var entry model.ActionLog
	err := q.Order("created_date DESC").Order("id DESC").First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "failed to load latest action", err)
	}
	return &entry, nil
}

// ListAgentActions returns the agent's most recent entries, newest first.
func (s *GormStore) ListAgentActions(ctx context.Context, agentID string, limit int) ([]model.ActionLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	var entries []model.ActionLog
	err := s.db.WithContext(ctx).
		Where("agent_id = ?", agentID).
		Order("created_date DESC").Order("id DESC").
		Limit(limit).
		Find(&entries).Error
	if err != nil {
		return nil, apperrors.New(apperrors.ErrUpstream, "failed to list agent actions", err)
	}
	return entries, nil
}

func (s *GormStore) UpdatePosition(ctx context.Context, p *model.Position) error {
	if p == nil || p.ID == 0 {
		return apperrors.NewInvalidRequest("position id is required")
	}
	res := s.db.WithContext(ctx).Model(&model.Position{}).Where("id = ?", p.ID).Updates(map[string]any{
		"target_ltv":       p.TargetLTV,
		"status":           p.Status,
		"morpho_market_id": p.MarketID,
	})
	if res.Error != nil {
		return apperrors.New(apperrors.ErrUpstream, "failed to update position", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFound("position not found")
	}
	return nil
}

// Save helpers used by provisioning tools and tests.
func (s *GormStore) SaveUser(ctx context.Context, u *model.User) error {
	return s.db.WithContext(ctx).Save(u).Error
}

func (s *GormStore) SaveAgent(ctx context.Context, a *model.Agent) error {
	return s.db.WithContext(ctx).Save(a).Error
}

func (s *GormStore) SavePosition(ctx context.Context, p *model.Position) error {
	return s.db.WithContext(ctx).Save(p).Error
}

func notFound(err error, what string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return apperrors.NewNotFound(what + " not found")
	}
	return apperrors.New(apperrors.ErrUpstream, "failed to load "+what, err)
}
