package relay

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/umbra-im/umbra-relay/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "umbra-relay",
		"version": version.Version,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"online_clients":      s.registry.Count(),
		"mesh_online_clients": s.registry.Count() + s.mesh.RemoteDIDCount(),
		"offline_queue_size":  s.queue.Size(),
		"active_sessions":     s.sessions.Count(),
		"active_call_rooms":   s.rooms.Count(),
		"published_invites":   s.invites.Count(),
		"connected_peers":     s.mesh.ConnectedPeerCount(),
		"federation_enabled":  s.mesh.Enabled(),
		"uptime_secs":         int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"service":             "umbra-relay",
		"relay_id":            s.cfg.RelayID,
		"region":              s.cfg.Region,
		"location":            s.cfg.Location,
		"version":             version.Version,
		"online_clients":      s.registry.Count(),
		"mesh_online_clients": s.registry.Count() + s.mesh.RemoteDIDCount(),
		"connected_peers":     s.mesh.ConnectedPeerCount(),
		"federation_enabled":  s.mesh.Enabled(),
		"timestamp":           time.Now().UnixMilli(),
	})
}
