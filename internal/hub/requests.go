package hub

import (
	"context"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/storage"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 100
	historyTimeout      = 5 * time.Second
)

// callHistory answers with the calls of the requester from today and
// yesterday, newest first. CRM systems see every call.
func (h *Hub) callHistory(c *Connection, env types.Envelope) {
	var p types.CallHistoryRequest
	_ = env.Decode(&p)
	limit := p.Limit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	role, identity := h.joined(c)
	ctx, cancel := context.WithTimeout(context.Background(), historyTimeout)
	defer cancel()

	records := []types.CallRecord{}
	now := time.Now()
	for _, day := range []time.Time{now, now.AddDate(0, 0, -1)} {
		dateKey := day.Format("2006-01-02")

		var recs []types.CallRecord
		var err error
		if role == types.RoleCRMSystem {
			recs, err = h.store.GetCallRecords(ctx, dateKey)
		} else {
			recs, err = h.store.GetPartyCalls(ctx, identity, dateKey)
		}
		if err != nil {
			h.logger.Error().Err(err).Str("identity", identity).Str("date", dateKey).Msg("failed to load call history")
			c.sendError(env.RequestID, "call history unavailable")
			return
		}
		records = append(records, recs...)
		if len(records) >= limit {
			break
		}
	}

	storage.NewestFirst(records)
	if len(records) > limit {
		records = records[:limit]
	}
	c.sendEvent(types.EventCallHistory, types.CallHistoryReply{Calls: records}, env.RequestID)
}

func (h *Hub) queueStatus(c *Connection, env types.Envelope) {
	c.sendEvent(types.EventQueueStatus, h.calls.QueueStatus(), env.RequestID)
}
