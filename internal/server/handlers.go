package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/openmined/dirsync/internal/server/mux"
	"github.com/openmined/dirsync/internal/server/session"
	"github.com/openmined/dirsync/internal/syncmsg"
)

type groupsHandler struct {
	registry  *session.Registry
	scheduler *mux.Scheduler
}

type groupsResponse struct {
	Connections int                  `json:"connections"`
	Groups      []session.GroupStats `json:"groups"`
}

// List reports every group with the mailbox depth of each connected peer.
// Identifiers are shortened since they grant access to the group.
func (h *groupsHandler) List(ctx *gin.Context) {
	stats := h.registry.Stats()
	for i := range stats {
		stats[i].Identifier = syncmsg.Identifier(stats[i].Identifier.Short())
	}

	ctx.JSON(http.StatusOK, groupsResponse{
		Connections: h.scheduler.Connections(),
		Groups:      stats,
	})
}
