package api

import (
	"net/http"
	"time"

	"github.com/taskhub/hub/internal/registry"
)

type agentJSON struct {
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
	OwnerID     int64     `json:"owner_id,omitempty"`
}

// AgentsHandler answers GET /api/agents with every currently-connected
// agent, in the same shape as the websocket list_agents_response frame
// (spec §6).
type AgentsHandler struct {
	Registry *registry.Registry
}

func (h *AgentsHandler) List(w http.ResponseWriter, r *http.Request) {
	infos := h.Registry.ListOnline(r.Context())
	out := make([]agentJSON, 0, len(infos))
	for _, info := range infos {
		status := "offline"
		if info.Online {
			status = "online"
		}
		out = append(out, agentJSON{
			Name:        info.AgentName,
			Status:      status,
			ConnectedAt: info.ConnectedAt,
			LastSeen:    info.LastSeen,
			OwnerID:     info.OwnerID,
		})
	}
	Ok(w, envelope{"agents": out})
}
