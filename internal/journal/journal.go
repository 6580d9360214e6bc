// Package journal keeps a rotating JSONL trail of everything the keeper
// checked or did, plus an in-memory window of recent entries.
package journal

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/logger"
	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Entry struct {
	ID         string          `json:"id"`
	CycleID    string          `json:"cycle_id,omitempty"`
	AgentID    string          `json:"agent_id"`
	PositionID int64           `json:"position_id,omitempty"`
	ActionType string          `json:"action_type"`
	Value      string          `json:"value"`
	Details    json.RawMessage `json:"details,omitempty"`
	At         time.Time       `json:"at"`
}

// FromAction copies an action-log row into a journal entry.
func FromAction(cycleID string, positionID int64, a *model.ActionLog) *Entry {
	return &Entry{
		CycleID:    cycleID,
		AgentID:    a.AgentID,
		PositionID: positionID,
		ActionType: a.ActionType,
		Value:      a.Value,
		Details:    json.RawMessage(a.Details),
	}
}

type Options struct {
	Dir        string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	BufferSize int
}

type Journal struct {
	entries chan *Entry
	out     io.WriteCloser
	buffer  *ring
	done    chan struct{}
	now     func() time.Time
}

func New(opts Options) (*Journal, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, err
	}
	out := &lumberjack.Logger{
		Filename:   filepath.Join(opts.Dir, "actions.jsonl"),
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   true,
	}
	return newJournal(out, opts.BufferSize), nil
}

func newJournal(out io.WriteCloser, size int) *Journal {
	if size <= 0 {
		size = 1000
	}
	j := &Journal{
		entries: make(chan *Entry, size),
		out:     out,
		buffer:  newRing(size),
		done:    make(chan struct{}),
		now:     time.Now,
	}
	go j.drain()
	return j
}

// Record never blocks the caller; a full queue drops the file write but
// the entry stays visible in Recent.
func (j *Journal) Record(e *Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = j.now().UTC()
	}
	j.buffer.add(e)
	select {
	case j.entries <- e:
	default:
		logger.Warn("Journal queue full, dropping entry", "agent_id", e.AgentID, "action_type", e.ActionType)
	}
}

// Recent returns up to limit entries, newest first. An empty agentID
// matches every agent.
func (j *Journal) Recent(agentID string, limit int) []*Entry {
	return j.buffer.list(agentID, limit)
}

func (j *Journal) drain() {
	defer close(j.done)
	enc := json.NewEncoder(j.out)
	for e := range j.entries {
		if err := enc.Encode(e); err != nil {
			logger.Error("Failed to write journal entry", "error", err)
		}
	}
}

// Close flushes queued entries and closes the file.
func (j *Journal) Close() error {
	close(j.entries)
	<-j.done
	return j.out.Close()
}

type ring struct {
	mu      sync.Mutex
	max     int
	records []*Entry
	next    int
}

func newRing(max int) *ring {
	return &ring{max: max, records: make([]*Entry, 0, max)}
}

func (r *ring) add(e *Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.records) < r.max {
		r.records = append(r.records, e)
		return
	}
	r.records[r.next] = e
	r.next = (r.next + 1) % r.max
}

func (r *ring) list(agentID string, limit int) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	if limit <= 0 || limit > r.max {
		limit = r.max
	}
	out := make([]*Entry, 0, limit)
	total := len(r.records)
	for i := 0; i < total && len(out) < limit; i++ {
		e := r.records[(r.next+total-1-i)%total]
		if agentID != "" && e.AgentID != agentID {
			continue
		}
		out = append(out, e)
	}
	return out
}
