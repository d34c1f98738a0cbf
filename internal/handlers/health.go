package handlers

import (
	"net/http"
)

// HealthResponse represents the health check response structure.
type HealthResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Relay   bool   `json:"relay_connected"`
	Polling bool   `json:"polling"`
}

// Probe reports the state of the sync transports.
type Probe interface {
	RelayConnected() bool
	PollingHalted() bool
}

// HealthCheck handles GET /health
// Returns "degraded" when polling stopped after an auth failure, since the
// agent then only learns about changes through the relay.
func HealthCheck(probe Probe) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		response := HealthResponse{
			Status:  "ok",
			Message: "Haven sync agent is running",
			Relay:   probe.RelayConnected(),
			Polling: !probe.PollingHalted(),
		}
		if !response.Polling {
			response.Status = "degraded"
			response.Message = "polling halted: upstream rejected the token"
		}
		writeJSON(w, http.StatusOK, response)
	}
}
