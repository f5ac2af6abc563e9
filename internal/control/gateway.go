package control

import (
	"net/http"

	"github.com/gorilla/mux"
)

// callCenterOr503 returns the gateway or writes 503 when this phone has none
func (api *API) callCenterOr503(w http.ResponseWriter) CallCenter {
	if api.callCenter == nil {
		http.Error(w, "call center gateway not configured", http.StatusServiceUnavailable)
		return nil
	}
	return api.callCenter
}

func (api *API) gatewayHealthHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
	writeJSON(w, http.StatusOK, cc.Health())
}

func (api *API) gatewayAnswerHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
	var req struct {
		AgentID string `json:"agentId"`
	}
	if !decode(w, r, &req) {
		return
	}
	api.gatewayResult(w, "answer_call", cc.AnswerCall(mux.Vars(r)["callId"], req.AgentID))
}

func (api *API) gatewayRejectHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	api.gatewayResult(w, "decline_call", cc.RejectCall(mux.Vars(r)["callId"], req.Reason))
}

func (api *API) gatewayEndHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if !decode(w, r, &req) {
		return
	}
	api.gatewayResult(w, "end_call", cc.EndCall(mux.Vars(r)["callId"], req.Reason))
}

func (api *API) gatewayTransferHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
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
	api.gatewayResult(w, "transfer_call", cc.TransferCall(mux.Vars(r)["callId"], req.TargetAgentID, req.Reason))
}

func (api *API) gatewayHoldHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
	api.gatewayResult(w, "hold_call", cc.HoldCall(mux.Vars(r)["callId"]))
}

func (api *API) gatewayResumeHandler(w http.ResponseWriter, r *http.Request) {
	cc := api.callCenterOr503(w)
	if cc == nil {
		return
	}
	api.gatewayResult(w, "resume_call", cc.ResumeCall(mux.Vars(r)["callId"]))
}

func (api *API) gatewayResult(w http.ResponseWriter, op string, err error) {
	if err != nil {
		api.fail(w, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": op + " sent"})
}
