package handler

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/borrowbot/keeper/internal/journal"
	"github.com/borrowbot/keeper/internal/model"
	"github.com/borrowbot/keeper/internal/pkg/apperrors"
	"github.com/gin-gonic/gin"
)

type ActionStore interface {
	ListAgentActions(ctx context.Context, agentID string, limit int) ([]model.ActionLog, error)
}

type JournalReader interface {
	Recent(agentID string, limit int) []*journal.Entry
}

type ActionHandler struct {
	store   ActionStore
	journal JournalReader
}

// NewActionHandler serves persisted history from store and the in-process
// cycle journal. Either may be nil.
func NewActionHandler(store ActionStore, j JournalReader) *ActionHandler {
	return &ActionHandler{store: store, journal: j}
}

// List returns an agent's action log, newest first.
// Query: limit (default 100), since (RFC3339 or unix seconds).
func (h *ActionHandler) List(c *gin.Context) {
	if h.store == nil {
		c.Error(apperrors.NewConfig("action store not configured"))
		return
	}
	limit, since, err := listParams(c)
	if err != nil {
		c.Error(err)
		return
	}

	records, err := h.store.ListAgentActions(c.Request.Context(), c.Param("agent_id"), limit)
	if err != nil {
		c.Error(apperrors.Wrap(err))
		return
	}
	if since != nil {
		kept := records[:0]
		for _, r := range records {
			if !r.CreatedAt.Before(*since) {
				kept = append(kept, r)
			}
		}
		records = kept
	}
	c.JSON(http.StatusOK, records)
}

// Journal returns recent entries with their cycle ids.
func (h *ActionHandler) Journal(c *gin.Context) {
	if h.journal == nil {
		c.JSON(http.StatusOK, []*journal.Entry{})
		return
	}
	limit, since, err := listParams(c)
	if err != nil {
		c.Error(err)
		return
	}
	entries := h.journal.Recent(c.Param("agent_id"), limit)
	out := make([]*journal.Entry, 0, len(entries))
	for _, e := range entries {
		if since == nil || !e.At.Before(*since) {
			out = append(out, e)
		}
	}
	c.JSON(http.StatusOK, out)
}

func listParams(c *gin.Context) (int, *time.Time, error) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			return 0, nil, apperrors.NewInvalidRequest("limit must be a positive integer")
		}
		limit = min(parsed, 1000)
	}
	if raw := c.Query("since"); raw != "" {
		t, err := parseTime(raw)
		if err != nil {
			return 0, nil, apperrors.NewInvalidRequest(err.Error())
		}
		return limit, &t, nil
	}
	return limit, nil, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(unix, 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid time format %q", raw)
}
