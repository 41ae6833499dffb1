package httpapi

import (
	"fmt"
	"net/http"

	"github.com/shamexln/hl7parse/internal/consumer"

	"github.com/go-chi/chi/v5"
)

// ConnectionStats TCP 服务的连接统计
type ConnectionStats interface {
	Stats() consumer.Stats
	ClientInfo(id string) (consumer.ClientInfo, bool)
}

// ConnectionHandler 连接统计接口
type ConnectionHandler struct {
	stats ConnectionStats
}

func NewConnectionHandler(stats ConnectionStats) *ConnectionHandler {
	return &ConnectionHandler{stats: stats}
}

// List GET /api/connections
func (h *ConnectionHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, Ok(h.stats.Stats()))
}

// Get GET /api/connections/{clientId}
func (h *ConnectionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "clientId")
	info, ok := h.stats.ClientInfo(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, Fail(fmt.Sprintf("Client with ID %s not found", id)))
		return
	}
	writeJSON(w, http.StatusOK, Ok(info))
}
