package journal

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/borrowbot/keeper/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type bufCloser struct {
	mu sync.Mutex
	bytes.Buffer
}

func (b *bufCloser) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.Buffer.Write(p)
}

func (b *bufCloser) Close() error { return nil }

func TestRecordWritesJSONLines(t *testing.T) {
	out := &bufCloser{}
	j := newJournal(out, 10)

	action := model.NewActionLog("a1", model.ActionTypeLTVCheck, "auto_repay", nil, map[string]any{"current_ltv": 0.85})
	j.Record(FromAction("cycle-1", 7, action))
	j.Record(&Entry{AgentID: "a2", ActionType: model.ActionTypeIdleSweep, Value: "12.50"})
	require.NoError(t, j.Close())

	sc := bufio.NewScanner(bytes.NewReader(out.Bytes()))
	var lines []Entry
	for sc.Scan() {
		var e Entry
		require.NoError(t, json.Unmarshal(sc.Bytes(), &e))
		lines = append(lines, e)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "cycle-1", lines[0].CycleID)
	assert.Equal(t, int64(7), lines[0].PositionID)
	assert.NotEmpty(t, lines[0].ID)
	assert.False(t, lines[0].At.IsZero())
	assert.JSONEq(t, `{"current_ltv":0.85}`, string(lines[0].Details))
}

func TestRecentNewestFirstAndWraps(t *testing.T) {
	j := newJournal(&bufCloser{}, 3)
	defer j.Close()

	for i := 0; i < 5; i++ {
		agent := "a1"
		if i%2 == 1 {
			agent = "a2"
		}
		j.Record(&Entry{AgentID: agent, Value: fmt.Sprint(i)})
	}

	all := j.Recent("", 0)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"4", "3", "2"}, []string{all[0].Value, all[1].Value, all[2].Value})

	a1 := j.Recent("a1", 10)
	require.Len(t, a1, 2)
	assert.Equal(t, "4", a1[0].Value)
	assert.Equal(t, "2", a1[1].Value)
}

func TestNewCreatesRotatingFile(t *testing.T) {
	dir := t.TempDir()
	j, err := New(Options{Dir: filepath.Join(dir, "logs"), MaxSizeMB: 1})
	require.NoError(t, err)
	j.Record(&Entry{AgentID: "a1", ActionType: model.ActionTypeLTVCheck})
	require.NoError(t, j.Close())

	raw, err := os.ReadFile(filepath.Join(dir, "logs", "actions.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"agent_id":"a1"`)
}
