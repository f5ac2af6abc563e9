package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/callqueue"
	"github.com/dennisdiepolder/monti/callcore/internal/storage"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// CallStats reports queue and call counters
type CallStats interface {
	Stats() callqueue.Stats
}

// CallEnder ends calls on behalf of an operator
type CallEnder interface {
	EndCall(callID, reason string) error
}

// CallsHandler provides the call endpoints
type CallsHandler struct {
	stats  CallStats
	ender  CallEnder
	store  storage.Store
	logger zerolog.Logger
}

// NewCallsHandler creates a new CallsHandler
func NewCallsHandler(stats CallStats, ender CallEnder, store storage.Store, logger zerolog.Logger) *CallsHandler {
	return &CallsHandler{
		stats:  stats,
		ender:  ender,
		store:  store,
		logger: logger.With().Str("component", "calls_api").Logger(),
	}
}

// Stats handles GET /api/calls/stats
func (h *CallsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	respond(w, h.stats.Stats(), "")
}

// End handles POST /api/calls/{callId}/end
func (h *CallsHandler) End(w http.ResponseWriter, r *http.Request) {
	callID := chi.URLParam(r, "callId")
	if callID == "" {
		fail(w, http.StatusBadRequest, "callId is required")
		return
	}

	var req struct {
		Reason string `json:"reason"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			fail(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}

	if err := h.ender.EndCall(callID, req.Reason); err != nil {
		if errors.Is(err, callqueue.ErrUnknownCall) {
			fail(w, http.StatusNotFound, "call not found")
			return
		}
		h.logger.Error().Err(err).Str("call_id", callID).Msg("failed to end call")
		fail(w, http.StatusInternalServerError, "failed to end call")
		return
	}

	h.logger.Info().
		Str("call_id", callID).
		Str("reason", req.Reason).
		Msg("call ended via API")

	respond(w, map[string]string{"callId": callID}, "call ended")
}

// History handles GET /api/calls/history?date=YYYY-MM-DD&identity=
func (h *CallsHandler) History(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = time.Now().Format("2006-01-02")
	}
	if _, err := time.Parse("2006-01-02", date); err != nil {
		fail(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
		return
	}

	var records []types.CallRecord
	var err error
	if identity := r.URL.Query().Get("identity"); identity != "" {
		records, err = h.store.GetPartyCalls(r.Context(), identity, date)
	} else {
		records, err = h.store.GetCallRecords(r.Context(), date)
	}
	if err != nil {
		h.logger.Error().Err(err).Str("date", date).Msg("failed to get call records")
		fail(w, http.StatusInternalServerError, "failed to retrieve calls")
		return
	}

	if records == nil {
		records = []types.CallRecord{}
	}
	storage.NewestFirst(records)
	respond(w, records, "")
}
