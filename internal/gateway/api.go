// ABOUTME: HTTP API handlers for operator inspection of the relay
// ABOUTME: Serves the live presence listing as JSON

package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/2389/coven-relay/internal/relay"
)

// PresenceResponse is the JSON body of GET /api/presence.
type PresenceResponse struct {
	Sessions []relay.SessionInfo `json:"sessions"`
	Hosts    int                 `json:"hosts"`
	Guests   int                 `json:"guests"`
}

// handlePresence handles GET /api/presence requests.
// Supports an optional ?role=host|guest filter.
func (g *Gateway) handlePresence(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var filter relay.Role
	if raw := r.URL.Query().Get("role"); raw != "" {
		role, err := relay.ParseRole(raw)
		if err != nil {
			g.sendJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter = role
	}

	response := PresenceResponse{Sessions: make([]relay.SessionInfo, 0)}
	for _, info := range g.registry.Snapshot() {
		if filter != "" && info.Role != filter {
			continue
		}
		switch info.Role {
		case relay.RoleHost:
			response.Hosts++
		case relay.RoleGuest:
			response.Guests++
		}
		response.Sessions = append(response.Sessions, info)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		g.logger.Error("failed to encode presence response", "error", err)
	}
}

// sendJSONError writes a JSON error response with the given status code.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
