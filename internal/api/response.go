// Package api serves the REST endpoints the softphones and the CRM read:
// agent availability, WebRTC configuration, tickets and call statistics.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// respond writes a successful {success, data, message} envelope
func respond(w http.ResponseWriter, data interface{}, message string) {
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: data, Message: message})
}

func fail(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, types.APIResponse{Success: false, Message: message})
}
