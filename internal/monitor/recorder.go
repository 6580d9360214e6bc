package monitor

import (
	"context"

	"github.com/borrowbot/keeper/internal/journal"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/logger"
)

type ctxKey int

const (
	cycleKey ctxKey = iota
	positionKey
)

func withCycle(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, cycleKey, id)
}

func withPosition(ctx context.Context, id int64) context.Context {
	return context.WithValue(ctx, positionKey, id)
}

func cycleOf(ctx context.Context) string {
	id, _ := ctx.Value(cycleKey).(string)
	return id
}

func positionOf(ctx context.Context) int64 {
	id, _ := ctx.Value(positionKey).(int64)
	return id
}

// ActionLogger is the write half of Store.
type ActionLogger interface {
	LogAgentAction(ctx context.Context, entry *model.ActionLog) error
}

// JournalSink receives a copy of every action entry.
type JournalSink interface {
	Record(e *journal.Entry)
}

// Recorder writes action entries to the store and mirrors them to the
// journal, tagged with the cycle and position carried by ctx.
type Recorder struct {
	store   ActionLogger
	journal JournalSink
}

func NewRecorder(store ActionLogger, sink JournalSink) *Recorder {
	return &Recorder{store: store, journal: sink}
}

func (r *Recorder) LogAgentAction(ctx context.Context, entry *model.ActionLog) error {
	if r.journal != nil {
		r.journal.Record(journal.FromAction(cycleOf(ctx), positionOf(ctx), entry))
	}
	if r.store == nil {
		return nil
	}
	return r.store.LogAgentAction(ctx, entry)
}

// record logs an entry and only warns on failure.
func (r *Recorder) record(ctx context.Context, entry *model.ActionLog) {
	if err := r.LogAgentAction(ctx, entry); err != nil {
		logger.Warn("Failed to log agent action",
			"agent_id", entry.AgentID, "action_type", entry.ActionType, "error", err)
	}
}
