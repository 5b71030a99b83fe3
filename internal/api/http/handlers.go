//go:build linux

package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/D-os/libb2/kernel"
)

// Handlers serves introspection of one team.
type Handlers struct {
	team   *kernel.Team
	logger *zap.Logger
}

// NewHandlers creates a handler set for team.
func NewHandlers(team *kernel.Team, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{team: team, logger: logger}
}

// Register mounts every route on r.
func (h *Handlers) Register(r gin.IRoutes) {
	r.GET("/health", h.Health)
	r.GET("/threads", h.ListThreads)
	r.GET("/threads/:id", h.GetThread)
	r.GET("/ports", h.ListPorts)
	r.GET("/ports/:id", h.GetPort)
	r.GET("/areas", h.ListAreas)
	r.GET("/areas/:id", h.GetArea)
	r.GET("/sems/:id", h.GetSem)
}

// Health reports the team summary.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"status":  "healthy",
		"team":    h.team.GetTeamInfo(),
	})
}

// fail writes a kernel error with the HTTP status matching its kind.
func (h *Handlers) fail(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch kernel.StatusOf(err) {
	case kernel.ErrBadThreadID, kernel.ErrBadPortID, kernel.ErrBadSemID, kernel.ErrNameNotFound:
		code = http.StatusNotFound
	case kernel.ErrBadValue:
		code = http.StatusBadRequest
	}
	if code == http.StatusInternalServerError {
		h.logger.Warn("Introspection failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(code, gin.H{
		"success": false,
		"error":   err.Error(),
		"status":  int32(kernel.StatusOf(err)),
	})
}

// idParam parses the :id path parameter as a 32-bit kernel ID.
func idParam(c *gin.Context) (int32, error) {
	v, err := strconv.ParseInt(c.Param("id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", kernel.ErrBadValue, err)
	}
	return int32(v), nil
}
