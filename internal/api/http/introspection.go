//go:build linux

package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/D-os/libb2/internal/shared/id"
	"github.com/D-os/libb2/kernel"
)

// threadView adds the readable state name to ThreadInfo.
type threadView struct {
	kernel.ThreadInfo
	StateName string `json:"state_name"`
}

func viewThread(info kernel.ThreadInfo) threadView {
	return threadView{ThreadInfo: info, StateName: info.State.String()}
}

// portView adds the creation time of ports carrying a generated name.
type portView struct {
	kernel.PortInfo
	Created *time.Time `json:"created,omitempty"`
}

func viewPort(info kernel.PortInfo) portView {
	v := portView{PortInfo: info}
	if ts, err := id.Timestamp(info.Name); err == nil {
		v.Created = &ts
	}
	return v
}

// ListThreads lists every live thread.
func (h *Handlers) ListThreads(c *gin.Context) {
	threads := []threadView{}
	var cookie int32
	for {
		info, err := h.team.GetNextThreadInfo(&cookie)
		if err != nil {
			break
		}
		threads = append(threads, viewThread(info))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"threads": threads,
		"count":   len(threads),
	})
}

// GetThread describes one thread.
func (h *Handlers) GetThread(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.team.GetThreadInfo(kernel.ThreadID(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "thread": viewThread(info)})
}

// ListPorts lists every port. A port that fails to report is skipped.
func (h *Handlers) ListPorts(c *gin.Context) {
	ports := []portView{}
	var cookie int32
	for {
		info, err := h.team.GetNextPortInfo(&cookie)
		if err == kernel.ErrBadValue {
			break
		}
		if err != nil {
			continue
		}
		ports = append(ports, viewPort(info))
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"ports":   ports,
		"count":   len(ports),
	})
}

// GetPort describes one port.
func (h *Handlers) GetPort(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.team.GetPortInfo(kernel.PortID(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "port": viewPort(info)})
}

// ListAreas lists every attached area.
func (h *Handlers) ListAreas(c *gin.Context) {
	areas := []kernel.AreaInfo{}
	var cookie int32
	for {
		info, err := h.team.GetNextAreaInfo(&cookie)
		if err == kernel.ErrBadValue {
			break
		}
		if err != nil {
			continue
		}
		areas = append(areas, info)
	}
	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"areas":   areas,
		"count":   len(areas),
	})
}

// GetArea describes one area.
func (h *Handlers) GetArea(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.team.GetAreaInfo(kernel.AreaID(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "area": info})
}

// GetSem describes one semaphore.
func (h *Handlers) GetSem(c *gin.Context) {
	id, err := idParam(c)
	if err != nil {
		h.fail(c, err)
		return
	}
	info, err := h.team.GetSemInfo(kernel.SemID(id))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "sem": info})
}
