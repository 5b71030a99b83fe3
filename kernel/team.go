//go:build linux

package kernel

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/D-os/libb2/internal/futex"
	"github.com/D-os/libb2/internal/infrastructure/monitoring"
	"github.com/D-os/libb2/internal/registry"
)

// TeamID identifies a team. It is the host process ID.
type TeamID int32

// OSNameLength bounds thread, port, area and semaphore names, terminator included.
const OSNameLength = 32

const closeTimeout = 5 * time.Second

// Options tunes a Team. Zero fields take the DefaultOptions value.
type Options struct {
	Logger *zap.Logger

	SemSpinCount     int
	MailboxSpinCount int
	PortSendRetries  int
	PortRetryDelay   time.Duration
	PollInterval     time.Duration
	PortMaxMessage   int
}

// DefaultOptions returns the stock tuning.
func DefaultOptions() Options {
	return Options{
		Logger:           zap.NewNop(),
		SemSpinCount:     64,
		MailboxSpinCount: 32,
		PortSendRetries:  10,
		PortRetryDelay:   10 * time.Millisecond,
		PollInterval:     50 * time.Millisecond,
		PortMaxMessage:   64 * 1024,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if o.SemSpinCount == 0 {
		o.SemSpinCount = d.SemSpinCount
	}
	if o.MailboxSpinCount == 0 {
		o.MailboxSpinCount = d.MailboxSpinCount
	}
	if o.PortSendRetries == 0 {
		o.PortSendRetries = d.PortSendRetries
	}
	if o.PortRetryDelay == 0 {
		o.PortRetryDelay = d.PortRetryDelay
	}
	if o.PollInterval == 0 {
		o.PollInterval = d.PollInterval
	}
	if o.PortMaxMessage == 0 {
		o.PortMaxMessage = d.PortMaxMessage
	}
	return o
}

// Team owns the threads, semaphores, ports and areas of one process.
type Team struct {
	id      TeamID
	opts    Options
	log     *zap.Logger
	metrics *monitoring.Metrics

	main      *threadRecord
	byTid     sync.Map // host tid -> *threadRecord, spawned threads only
	threadSeq atomic.Int32

	threads *registry.Registry[*threadRecord]
	ports   *registry.Registry[*portRecord]
	areas   *registry.Registry[*areaRecord]
	sems    *semArena

	closed atomic.Bool
}

// TeamInfo describes a team.
type TeamInfo struct {
	Team        TeamID `json:"team"`
	ThreadCount int    `json:"thread_count"`
	SemCount    int    `json:"sem_count"`
	PortCount   int    `json:"port_count"`
	AreaCount   int    `json:"area_count"`
	Args        string `json:"args"`
}

// NewTeam creates a team for the calling process. The caller's goroutine, and
// any goroutine not started by SpawnThread, acts as the team's main thread.
func NewTeam(opts Options) (*Team, error) {
	opts = opts.withDefaults()
	if opts.SemSpinCount < 0 || opts.MailboxSpinCount < 0 || opts.PortSendRetries < 0 ||
		opts.PortRetryDelay < 0 || opts.PollInterval <= 0 || opts.PortMaxMessage <= 0 {
		return nil, ErrBadValue
	}

	pid := unix.Getpid()
	t := &Team{
		id:      TeamID(pid),
		opts:    opts,
		log:     opts.Logger.With(zap.Int("team", pid)),
		threads: registry.New[*threadRecord](),
		ports:   registry.New[*portRecord](),
		areas:   registry.New[*areaRecord](),
		sems:    newSemArena(),
	}

	t.main = &threadRecord{
		team:     t,
		id:       ThreadID(pid),
		tid:      pid,
		name:     boundName(filepath.Base(os.Args[0])),
		priority: NormalPriority,
		state:    stateRunning,
	}
	t.main.blockedSem.Store(-1)
	t.threadSeq.Store(int32(pid))
	t.threads.Lock()
	t.main.node = t.threads.Insert(t.main)
	t.threads.Unlock()

	t.log.Debug("Team created", zap.String("main", t.main.name))
	return t, nil
}

// WithMetrics adds metrics tracking to the team
func (t *Team) WithMetrics(metrics *monitoring.Metrics) *Team {
	t.metrics = metrics
	return t
}

// Metrics returns the collectors the team records into, possibly nil.
func (t *Team) Metrics() *monitoring.Metrics {
	return t.metrics
}

// ID returns the team ID.
func (t *Team) ID() TeamID {
	return t.id
}

// Close deletes every port, area and semaphore the team still owns, kills
// the spawned threads and waits briefly for them to unwind. Exited threads
// nobody joined are dropped.
func (t *Team) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}

	for _, id := range t.portIDs() {
		_ = t.DeletePort(id)
	}
	for _, id := range t.areaIDs() {
		_ = t.DeleteArea(id)
	}
	for _, id := range t.sems.ids() {
		_ = t.DeleteSem(id)
	}

	self := t.current()
	var victims []*threadRecord
	t.threads.RLock()
	t.threads.Each(func(r *threadRecord) bool {
		if r.spawned && r != self {
			victims = append(victims, r)
		}
		return true
	})
	t.threads.RUnlock()

	for _, r := range victims {
		r.kill()
	}
	limit := time.Now().Add(closeTimeout)
	for _, r := range victims {
		for st := atomic.LoadUint32(&r.state); st != stateExited; st = atomic.LoadUint32(&r.state) {
			left := time.Until(limit)
			if left <= 0 {
				t.log.Warn("Thread did not exit before close deadline",
					zap.Int32("thread", int32(r.id)), zap.String("name", r.name))
				break
			}
			_ = futex.Wait(&r.state, st, min(left, t.opts.PollInterval))
		}
		if r.exited() {
			t.reap(r)
		}
	}

	t.log.Debug("Team closed", zap.Int("threads_killed", len(victims)))
	return nil
}

// GetTeamInfo reports the live resource counts of the team.
func (t *Team) GetTeamInfo() TeamInfo {
	info := TeamInfo{Team: t.id, Args: filepath.Base(os.Args[0])}
	t.threads.RLock()
	t.threads.Each(func(r *threadRecord) bool {
		if !r.exited() {
			info.ThreadCount++
		}
		return true
	})
	t.threads.RUnlock()
	t.ports.RLock()
	info.PortCount = t.ports.Len()
	t.ports.RUnlock()
	t.areas.RLock()
	info.AreaCount = t.areas.Len()
	t.areas.RUnlock()
	info.SemCount = t.sems.count()
	return info
}

// current returns the record of the calling thread. Goroutines that were not
// started by SpawnThread resolve to the main thread.
func (t *Team) current() *threadRecord {
	if v, ok := t.byTid.Load(unix.Gettid()); ok {
		return v.(*threadRecord)
	}
	return t.main
}

func boundName(name string) string {
	if len(name) >= OSNameLength {
		return name[:OSNameLength-1]
	}
	return name
}

func (t *Team) portIDs() []PortID {
	var ids []PortID
	t.ports.RLock()
	t.ports.Each(func(r *portRecord) bool {
		ids = append(ids, r.id)
		return true
	})
	t.ports.RUnlock()
	return ids
}

func (t *Team) areaIDs() []AreaID {
	var ids []AreaID
	t.areas.RLock()
	t.areas.Each(func(r *areaRecord) bool {
		ids = append(ids, r.id)
		return true
	})
	t.areas.RUnlock()
	return ids
}
