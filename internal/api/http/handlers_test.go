//go:build linux

package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-os/libb2/kernel"
)

func setup(t *testing.T) (*kernel.Team, *gin.Engine) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	team, err := kernel.NewTeam(kernel.Options{PollInterval: 5 * time.Millisecond})
	require.NoError(t, err)
	t.Cleanup(func() { _ = team.Close() })

	router := gin.New()
	NewHandlers(team, nil).Register(router)
	return team, router
}

func getJSON(t *testing.T, router *gin.Engine, path string, out any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, path, nil)
	require.NoError(t, err)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), out), w.Body.String())
	return w.Code
}

func TestHealth(t *testing.T) {
	team, router := setup(t)
	_, err := team.CreateSem(1, "s")
	require.NoError(t, err)

	var body struct {
		Success bool            `json:"success"`
		Team    kernel.TeamInfo `json:"team"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/health", &body))
	assert.True(t, body.Success)
	assert.Equal(t, team.ID(), body.Team.Team)
	assert.Equal(t, 1, body.Team.SemCount)
	assert.Equal(t, 1, body.Team.ThreadCount)
}

func TestThreads(t *testing.T) {
	team, router := setup(t)
	id, err := team.SpawnThread(func(any) int32 { return 0 }, "worker", kernel.NormalPriority, nil)
	require.NoError(t, err)

	var list struct {
		Threads []threadView `json:"threads"`
		Count   int          `json:"count"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/threads", &list))
	assert.Equal(t, 2, list.Count)

	var one struct {
		Success bool       `json:"success"`
		Thread  threadView `json:"thread"`
	}
	path := "/threads/" + strconv.Itoa(int(id))
	assert.Equal(t, http.StatusOK, getJSON(t, router, path, &one))
	assert.Equal(t, "worker", one.Thread.Name)
	assert.Equal(t, kernel.ThreadSuspended, one.Thread.State)
	assert.Equal(t, "suspended", one.Thread.StateName)

	_, err = team.WaitForThread(id)
	require.NoError(t, err)
	var gone struct {
		Success bool  `json:"success"`
		Status  int32 `json:"status"`
	}
	assert.Equal(t, http.StatusNotFound, getJSON(t, router, path, &gone))
	assert.False(t, gone.Success)
	assert.Equal(t, int32(kernel.ErrBadThreadID), gone.Status)
}

func TestPorts(t *testing.T) {
	team, router := setup(t)
	id, err := team.CreatePort(4, "")
	require.NoError(t, err)
	_, err = team.PortCount(id)
	require.NoError(t, err)
	require.NoError(t, team.WritePort(id, 1, []byte("queued")))

	var list struct {
		Ports []kernel.PortInfo `json:"ports"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/ports", &list))
	require.Len(t, list.Ports, 1)
	assert.Equal(t, id, list.Ports[0].Port)
	assert.Equal(t, int32(1), list.Ports[0].QueueCount)

	var one struct {
		Port portView `json:"port"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/ports/"+strconv.Itoa(int(id)), &one))
	assert.Equal(t, int32(4), one.Port.Capacity)
	require.NotNil(t, one.Port.Created)
	assert.WithinDuration(t, time.Now(), *one.Port.Created, time.Minute)

	named, err := team.CreatePort(1, "plain")
	require.NoError(t, err)
	one.Port.Created = nil
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/ports/"+strconv.Itoa(int(named)), &one))
	assert.Nil(t, one.Port.Created)
}

func TestAreas(t *testing.T) {
	team, router := setup(t)
	id, _, err := team.CreateArea("shared", kernel.AnyAddress, 0, kernel.PageSize, kernel.NoLock, kernel.ReadArea|kernel.WriteArea)
	require.NoError(t, err)

	var list struct {
		Areas []kernel.AreaInfo `json:"areas"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/areas", &list))
	require.Len(t, list.Areas, 1)
	assert.Equal(t, "shared", list.Areas[0].Name)

	var one struct {
		Area kernel.AreaInfo `json:"area"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/areas/"+strconv.Itoa(int(id)), &one))
	assert.Equal(t, kernel.PageSize, one.Area.Size)
}

func TestSem(t *testing.T) {
	team, router := setup(t)
	id, err := team.CreateSem(2, "pool")
	require.NoError(t, err)

	var one struct {
		Sem kernel.SemInfo `json:"sem"`
	}
	assert.Equal(t, http.StatusOK, getJSON(t, router, "/sems/"+strconv.Itoa(int(id)), &one))
	assert.Equal(t, "pool", one.Sem.Name)
	assert.Equal(t, int32(2), one.Sem.Count)
}

func TestLookupErrors(t *testing.T) {
	tests := []struct {
		path string
		code int
	}{
		{"/threads/abc", http.StatusBadRequest},
		{"/threads/99999999999", http.StatusBadRequest},
		{"/threads/-7", http.StatusNotFound},
		{"/ports/-1", http.StatusNotFound},
		{"/sems/-1", http.StatusNotFound},
		{"/areas/-1", http.StatusBadRequest},
	}
	_, router := setup(t)
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var body struct {
				Success bool   `json:"success"`
				Error   string `json:"error"`
			}
			assert.Equal(t, tt.code, getJSON(t, router, tt.path, &body))
			assert.False(t, body.Success)
			assert.NotEmpty(t, body.Error)
		})
	}
}
