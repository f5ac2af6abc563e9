package api

import (
	"net/http"

	"github.com/dennisdiepolder/monti/callcore/internal/types"
)

// WebRTCConfig handles GET /api/webrtc/config
func WebRTCConfig(ice types.ICEConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		respond(w, ice, "")
	}
}
