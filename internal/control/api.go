// Package control serves the local HTTP API of a softphone process. Scripts
// and desk UIs drive calls through it instead of speaking signaling directly.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dennisdiepolder/monti/callcore/internal/callsession"
	"github.com/dennisdiepolder/monti/callcore/internal/discovery"
	"github.com/dennisdiepolder/monti/callcore/internal/gateway"
	"github.com/dennisdiepolder/monti/callcore/internal/media"
	"github.com/dennisdiepolder/monti/callcore/internal/signaling"
	"github.com/dennisdiepolder/monti/callcore/internal/softphone"
	"github.com/dennisdiepolder/monti/callcore/internal/types"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Phone is the call session side of the softphone
type Phone interface {
	Status() softphone.Status
	Dial(from, to string, info *types.CustomerInfo, priority types.Priority) error
	Accept() error
	Decline(reason string) error
	Hold() error
	Resume() error
	End(reason string) error
	SendTone(tone string) error
	Transfer(targetAgentID, reason string) error
	Mute() error
	Unmute() error
	History() []types.CallSession
	ServerHistory(ctx context.Context, limit int) ([]types.CallRecord, error)
	QueueStatus(ctx context.Context) (types.QueueStatusReply, error)
	Availability(ctx context.Context) discovery.Result
}

// CallCenter is the CRM gateway, acting on calls by id
type CallCenter interface {
	Health() gateway.Health
	AnswerCall(callID, agentID string) error
	RejectCall(callID, reason string) error
	EndCall(callID, reason string) error
	TransferCall(callID, targetAgentID, reason string) error
	HoldCall(callID string) error
	ResumeCall(callID string) error
}

// API provides the HTTP control interface of one phone
type API struct {
	phone      Phone
	callCenter CallCenter
	logger     zerolog.Logger
}

// NewAPI creates a new control API
func NewAPI(phone Phone, logger zerolog.Logger) *API {
	return &API{
		phone:  phone,
		logger: logger.With().Str("component", "control").Logger(),
	}
}

// SetCallCenter enables the gateway endpoints
func (api *API) SetCallCenter(cc CallCenter) {
	api.callCenter = cc
}

// SetupRoutes configures HTTP routes
func (api *API) SetupRoutes(router *mux.Router) {
	router.HandleFunc("/health", api.healthHandler).Methods("GET")
	router.HandleFunc("/status", api.statusHandler).Methods("GET")
	router.HandleFunc("/history", api.historyHandler).Methods("GET")
	router.HandleFunc("/history/server", api.serverHistoryHandler).Methods("GET")
	router.HandleFunc("/queue", api.queueHandler).Methods("GET")
	router.HandleFunc("/agents/availability", api.availabilityHandler).Methods("GET")

	router.HandleFunc("/dial", api.dialHandler).Methods("POST")
	router.HandleFunc("/accept", api.command(api.phone.Accept)).Methods("POST")
	router.HandleFunc("/decline", api.declineHandler).Methods("POST")
	router.HandleFunc("/hold", api.command(api.phone.Hold)).Methods("POST")
	router.HandleFunc("/resume", api.command(api.phone.Resume)).Methods("POST")
	router.HandleFunc("/end", api.endHandler).Methods("POST")
	router.HandleFunc("/tone", api.toneHandler).Methods("POST")
	router.HandleFunc("/transfer", api.transferHandler).Methods("POST")
	router.HandleFunc("/mute", api.command(api.phone.Mute)).Methods("POST")
	router.HandleFunc("/unmute", api.command(api.phone.Unmute)).Methods("POST")

	// CRM gateway
	gw := router.PathPrefix("/gateway").Subrouter()
	gw.HandleFunc("/health", api.gatewayHealthHandler).Methods("GET")
	gw.HandleFunc("/calls/{callId}/answer", api.gatewayAnswerHandler).Methods("POST")
	gw.HandleFunc("/calls/{callId}/reject", api.gatewayRejectHandler).Methods("POST")
	gw.HandleFunc("/calls/{callId}/end", api.gatewayEndHandler).Methods("POST")
	gw.HandleFunc("/calls/{callId}/transfer", api.gatewayTransferHandler).Methods("POST")
	gw.HandleFunc("/calls/{callId}/hold", api.gatewayHoldHandler).Methods("POST")
	gw.HandleFunc("/calls/{callId}/resume", api.gatewayResumeHandler).Methods("POST")
}

// Start starts the HTTP server and shuts it down when ctx is done
func (api *API) Start(ctx context.Context, addr string) error {
	router := mux.NewRouter()
	api.SetupRoutes(router)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		api.logger.Info().Msg("shutting down control API")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	api.logger.Info().Str("addr", addr).Msg("control API started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// healthHandler returns service health
func (api *API) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (api *API) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.phone.Status())
}

func (api *API) historyHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.phone.History())
}

// serverHistoryHandler asks the call-control server for recent call records
func (api *API) serverHistoryHandler(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "limit must be a positive number", http.StatusBadRequest)
			return
		}
		limit = n
	}

	calls, err := api.phone.ServerHistory(r.Context(), limit)
	if err != nil {
		api.fail(w, "get_call_history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"calls": calls})
}

func (api *API) queueHandler(w http.ResponseWriter, r *http.Request) {
	status, err := api.phone.QueueStatus(r.Context())
	if err != nil {
		api.fail(w, "get_queue_status", err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// availabilityHandler runs the discovery chain. An empty pool is still a 200.
func (api *API) availabilityHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.phone.Availability(r.Context()))
}

// command wraps a call command without a request body
func (api *API) command(fn func() error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := fn(); err != nil {
			api.fail(w, r.URL.Path, err)
			return
		}
		api.accepted(w)
	}
}

func (api *API) dialHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From         string              `json:"from"`
		To           string              `json:"to"`
		Priority     types.Priority      `json:"priority"`
		CustomerInfo *types.CustomerInfo `json:"customerInfo,omitempty"`
	}
	if !decode(w, r, &req) {
		return
	}

	if err := api.phone.Dial(req.From, req.To, req.CustomerInfo, req.Priority); err != nil {
		api.fail(w, "dial", err)
		return
	}
	api.accepted(w)
}

func (api *API) declineHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := api.phone.Decline(req.Reason); err != nil {
		api.fail(w, "decline", err)
		return
	}
	api.accepted(w)
}

func (api *API) endHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if err := api.phone.End(req.Reason); err != nil {
		api.fail(w, "end", err)
		return
	}
	api.accepted(w)
}

func (api *API) toneHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tone string `json:"tone"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.Tone == "" {
		http.Error(w, "tone is required", http.StatusBadRequest)
		return
	}
	if err := api.phone.SendTone(req.Tone); err != nil {
		api.fail(w, "tone", err)
		return
	}
	api.accepted(w)
}

func (api *API) transferHandler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TargetAgentID string `json:"targetAgentId"`
		Reason        string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	if req.TargetAgentID == "" {
		http.Error(w, "targetAgentId is required", http.StatusBadRequest)
		return
	}
	if err := api.phone.Transfer(req.TargetAgentID, req.Reason); err != nil {
		api.fail(w, "transfer", err)
		return
	}
	api.accepted(w)
}

// accepted reports a command handed to the server. The resulting state
// change arrives asynchronously and shows up in /status.
func (api *API) accepted(w http.ResponseWriter) {
	s := api.phone.Status()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":   "ok",
		"callState": s.CallState,
		"call":      s.Call,
	})
}

// fail maps command errors to status codes
func (api *API) fail(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		api.logger.Error().Err(err).Str("op", op).Msg("control command failed")
	} else {
		api.logger.Debug().Err(err).Str("op", op).Msg("control command rejected")
	}
	http.Error(w, err.Error(), code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, callsession.ErrInvalidArgument), errors.Is(err, gateway.ErrMissingCallID):
		return http.StatusBadRequest
	case errors.Is(err, callsession.ErrInvalidState),
		errors.Is(err, callsession.ErrCallInProgress),
		errors.Is(err, media.ErrNoSession),
		errors.Is(err, softphone.ErrUnsupported):
		return http.StatusConflict
	case errors.Is(err, signaling.ErrNotConnected), errors.Is(err, signaling.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, signaling.ErrRequestTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, signaling.ErrRejected):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// decode reads an optional JSON body. An empty body leaves v untouched.
func decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
