//go:build linux

package kernel

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/D-os/libb2/internal/infrastructure/monitoring"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.PollInterval = 5 * time.Millisecond
	opts.PortRetryDelay = time.Millisecond
	return opts
}

func newTestTeam(t *testing.T) *Team {
	t.Helper()
	team, err := NewTeam(testOptions())
	require.NoError(t, err)
	t.Cleanup(func() { _ = team.Close() })
	return team
}

func TestNewTeamRejectsBadOptions(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Options)
	}{
		{"negative sem spins", func(o *Options) { o.SemSpinCount = -1 }},
		{"negative mailbox spins", func(o *Options) { o.MailboxSpinCount = -1 }},
		{"negative retries", func(o *Options) { o.PortSendRetries = -1 }},
		{"negative retry delay", func(o *Options) { o.PortRetryDelay = -time.Millisecond }},
		{"negative poll interval", func(o *Options) { o.PollInterval = -time.Millisecond }},
		{"negative max message", func(o *Options) { o.PortMaxMessage = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := DefaultOptions()
			tt.mutate(&opts)
			_, err := NewTeam(opts)
			assert.ErrorIs(t, err, ErrBadValue)
		})
	}
}

func TestNewTeamFillsDefaults(t *testing.T) {
	team, err := NewTeam(Options{})
	require.NoError(t, err)
	defer team.Close()

	assert.Equal(t, DefaultOptions().PollInterval, team.opts.PollInterval)
	assert.Equal(t, DefaultOptions().PortMaxMessage, team.opts.PortMaxMessage)
	assert.NotNil(t, team.log)
}

func TestMainThreadRecord(t *testing.T) {
	team := newTestTeam(t)
	pid := os.Getpid()
	assert.Equal(t, TeamID(pid), team.ID())

	self, err := team.FindThread("")
	require.NoError(t, err)
	assert.Equal(t, ThreadID(pid), self)

	info, err := team.GetThreadInfo(self)
	require.NoError(t, err)
	assert.Equal(t, boundName(filepath.Base(os.Args[0])), info.Name)
	assert.Equal(t, ThreadRunning, info.State)
	assert.Equal(t, NormalPriority, info.Priority)
	assert.Equal(t, SemID(-1), info.Sem)

	assert.ErrorIs(t, team.KillThread(self), ErrNotAllowed)
	assert.ErrorIs(t, team.ExitThread(0), ErrNotAllowed)
}

func TestGetTeamInfo(t *testing.T) {
	team := newTestTeam(t)

	_, err := team.CreateSem(1, "a")
	require.NoError(t, err)
	_, err = team.CreatePort(4, "")
	require.NoError(t, err)
	_, _, err = team.CreateArea("area", AnyAddress, 0, PageSize, NoLock, ReadArea|WriteArea)
	require.NoError(t, err)
	_, err = team.SpawnThread(func(any) int32 { return 0 }, "idle", NormalPriority, nil)
	require.NoError(t, err)

	info := team.GetTeamInfo()
	assert.Equal(t, team.ID(), info.Team)
	assert.Equal(t, 2, info.ThreadCount)
	assert.Equal(t, 1, info.SemCount)
	assert.Equal(t, 1, info.PortCount)
	assert.Equal(t, 1, info.AreaCount)
}

func TestCloseReleasesEverything(t *testing.T) {
	team, err := NewTeam(testOptions())
	require.NoError(t, err)

	sem, err := team.CreateSem(0, "blocker")
	require.NoError(t, err)
	port, err := team.CreatePort(4, "")
	require.NoError(t, err)
	area, _, err := team.CreateArea("area", AnyAddress, 0, PageSize, NoLock, ReadArea|WriteArea)
	require.NoError(t, err)

	// One thread never started, one blocked on a semaphore nobody releases.
	_, err = team.SpawnThread(func(any) int32 { return 0 }, "never", NormalPriority, nil)
	require.NoError(t, err)
	blocked, err := team.SpawnThread(func(any) int32 {
		return int32(StatusOf(team.AcquireSem(sem)))
	}, "blocked", NormalPriority, nil)
	require.NoError(t, err)
	require.NoError(t, team.ResumeThread(blocked))

	require.NoError(t, team.Close())
	require.NoError(t, team.Close())

	info := team.GetTeamInfo()
	assert.Equal(t, 1, info.ThreadCount)
	assert.Zero(t, info.SemCount)
	assert.Zero(t, info.PortCount)
	assert.Zero(t, info.AreaCount)

	_, err = team.GetPortInfo(port)
	assert.ErrorIs(t, err, ErrBadPortID)
	_, err = team.GetAreaInfo(area)
	assert.ErrorIs(t, err, ErrBadValue)

	_, err = team.CreateSem(0, "late")
	assert.ErrorIs(t, err, ErrBadTeamID)
	_, err = team.CreatePort(1, "")
	assert.ErrorIs(t, err, ErrBadTeamID)
	_, err = team.SpawnThread(func(any) int32 { return 0 }, "late", NormalPriority, nil)
	assert.ErrorIs(t, err, ErrBadTeamID)
}

func TestTeamRecordsMetrics(t *testing.T) {
	m := monitoring.NewMetrics(prometheus.NewRegistry())
	team, err := NewTeam(testOptions())
	require.NoError(t, err)
	team.WithMetrics(m)
	defer team.Close()
	assert.Same(t, m, team.Metrics())

	id, err := team.SpawnThread(func(any) int32 { return 3 }, "counted", NormalPriority, nil)
	require.NoError(t, err)
	_, err = team.WaitForThread(id)
	require.NoError(t, err)

	sem, err := team.CreateSem(1, "counted")
	require.NoError(t, err)
	require.NoError(t, team.AcquireSem(sem))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsSpawned))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ThreadsExited.WithLabelValues("returned")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SemsLive))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SemAcquires.WithLabelValues("ok")))
}
