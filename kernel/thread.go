//go:build linux

package kernel

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/D-os/libb2/internal/futex"
	"github.com/D-os/libb2/internal/registry"
	"github.com/D-os/libb2/internal/shared/id"
)

// ThreadID identifies a thread within its team. The main thread's ID equals
// the team ID; spawned threads get IDs from a per-team counter.
type ThreadID int32

// ThreadFunc is the entry point of a spawned thread. Its return value is the
// thread's exit status.
type ThreadFunc func(arg any) int32

// Thread priorities.
const (
	LowPriority             int32 = 5
	NormalPriority          int32 = 10
	DisplayPriority         int32 = 15
	UrgentDisplayPriority   int32 = 20
	RealTimeDisplayPriority int32 = 100
	UrgentPriority          int32 = 110
	RealTimePriority        int32 = 120
	realTimeThreshold             = RealTimeDisplayPriority
	maxHostRealTimePriority       = 99
	maxHostNice                   = 19
)

// ThreadState is the scheduling state reported by GetThreadInfo.
type ThreadState int32

const (
	ThreadRunning ThreadState = iota + 1
	ThreadReady
	ThreadReceiving
	ThreadAsleep
	ThreadSuspended
	ThreadWaiting
)

func (s ThreadState) String() string {
	switch s {
	case ThreadRunning:
		return "running"
	case ThreadReady:
		return "ready"
	case ThreadReceiving:
		return "receiving"
	case ThreadAsleep:
		return "asleep"
	case ThreadSuspended:
		return "suspended"
	case ThreadWaiting:
		return "waiting"
	default:
		return "unknown"
	}
}

// ThreadInfo describes a live thread.
type ThreadInfo struct {
	Thread    ThreadID    `json:"thread"`
	Team      TeamID      `json:"team"`
	Name      string      `json:"name"`
	State     ThreadState `json:"state"`
	Priority  int32       `json:"priority"`
	Sem       SemID       `json:"sem"`
	StackBase uintptr     `json:"stack_base"`
	StackEnd  uintptr     `json:"stack_end"`
}

// Lifecycle states, ordered. Stored in threadRecord.state, which doubles as
// the futex word for resume and join.
const (
	stateNew uint32 = iota
	statePaused
	stateRunning
	stateExited
)

type waitKind uint32

const (
	waitNone waitKind = iota
	waitSuspended
	waitSem
	waitReceive
	waitSend
	waitSnooze
	waitJoin
	waitPort
)

// stackSpan is the nominal stack reported for spawned threads.
const stackSpan = 256 * 1024

type threadRecord struct {
	team *Team
	node *registry.Node[*threadRecord]

	id      ThreadID
	tid     int
	spawned bool

	// name and priority change under the threads write lock.
	name     string
	priority int32

	state     uint32
	stackBase uintptr

	waitWord   atomic.Pointer[uint32]
	waitKind   atomic.Uint32
	blockedSem atomic.Int32
	park       uint32

	killed      atomic.Bool
	interrupted atomic.Bool

	mailbox mailbox

	entry ThreadFunc
	arg   any

	ready    uint32
	spawnErr error

	exitStatus atomic.Int32
	exitCalled bool
	outcome    error
}

// SpawnThread creates a suspended thread running fn(arg). The thread starts
// when ResumeThread or WaitForThread is called on it.
func (t *Team) SpawnThread(fn ThreadFunc, name string, priority int32, arg any) (ThreadID, error) {
	if fn == nil {
		return -1, ErrBadValue
	}
	if t.closed.Load() {
		return -1, ErrBadTeamID
	}
	if name == "" {
		name = id.ThreadName()
	}

	r := &threadRecord{
		team:     t,
		id:       t.nextThreadID(),
		spawned:  true,
		name:     boundName(name),
		priority: priority,
		entry:    fn,
		arg:      arg,
	}
	r.blockedSem.Store(-1)

	go r.start()
	for atomic.LoadUint32(&r.ready) == 0 {
		_ = futex.Wait(&r.ready, 0, -1)
	}
	if r.spawnErr != nil {
		t.log.Warn("Failed to spawn thread", zap.String("name", r.name), zap.Error(r.spawnErr))
		return -1, r.spawnErr
	}

	t.threads.Lock()
	r.node = t.threads.Insert(r)
	t.threads.Unlock()
	atomic.StoreUint32(&r.ready, 2)
	_, _ = futex.Wake(&r.ready, futex.All)

	t.metrics.ThreadSpawned()
	t.log.Debug("Thread spawned",
		zap.Int32("thread", int32(r.id)),
		zap.String("name", r.name),
		zap.Int32("priority", priority))
	return r.id, nil
}

// start runs on the new goroutine. The OS thread stays locked for the life of
// the goroutine and is discarded by the runtime when it exits.
func (r *threadRecord) start() {
	runtime.LockOSThread()
	t := r.team

	var marker byte
	r.stackBase = uintptr(unsafe.Pointer(&marker))
	r.tid = unix.Gettid()

	if err := applyPriority(r.tid, r.priority, false); err != nil {
		r.spawnErr = threadErrnos.translate("sched_setattr", err)
		atomic.StoreUint32(&r.ready, 1)
		_, _ = futex.Wake(&r.ready, futex.All)
		return
	}
	t.byTid.Store(r.tid, r)

	atomic.StoreUint32(&r.ready, 1)
	_, _ = futex.Wake(&r.ready, futex.All)
	// Wait until the spawner has linked the record.
	for atomic.LoadUint32(&r.ready) != 2 {
		_ = futex.Wait(&r.ready, 1, -1)
	}

	r.run()
}

func (r *threadRecord) run() {
	returned := false
	defer r.exit(&returned)

	poll := r.team.opts.PollInterval
	for st := atomic.LoadUint32(&r.state); st < stateRunning; st = atomic.LoadUint32(&r.state) {
		r.checkpoint(false)
		r.block(&r.state, st, waitSuspended, poll)
	}
	r.checkpoint(false)

	r.exitStatus.Store(r.entry(r.arg))
	returned = true
}

func (r *threadRecord) exit(returned *bool) {
	t := r.team
	outcome := "returned"
	switch {
	case *returned:
	case r.exitCalled:
		outcome = "exited"
	case r.killed.Load():
		outcome = "killed"
		r.outcome = ErrInterrupted
		r.exitStatus.Store(int32(ErrInterrupted))
	default:
		outcome = "aborted"
	}

	r.mailbox.discard()
	t.byTid.Delete(r.tid)

	t.metrics.ThreadExited(outcome)
	t.log.Debug("Thread exited",
		zap.Int32("thread", int32(r.id)),
		zap.String("outcome", outcome),
		zap.Int32("status", r.exitStatus.Load()))

	atomic.StoreUint32(&r.state, stateExited)
	_, _ = futex.Wake(&r.state, futex.All)
}

// block parks the thread on word while it still holds val, for at most
// timeout. Kill and interrupt wake the published word; callers pass a bounded
// timeout to cover a wake that lands before the futex call.
func (r *threadRecord) block(word *uint32, val uint32, kind waitKind, timeout time.Duration) error {
	r.waitWord.Store(word)
	r.waitKind.Store(uint32(kind))
	defer func() {
		r.waitWord.Store(nil)
		r.waitKind.Store(uint32(waitNone))
	}()
	if r.killed.Load() {
		return nil
	}
	for {
		err := futex.Wait(word, val, timeout)
		if err != unix.EINTR {
			return err
		}
	}
}

// checkpoint terminates a killed spawned thread and, when interruptible,
// consumes a pending interrupt.
func (r *threadRecord) checkpoint(interruptible bool) error {
	if r.spawned && r.killed.Load() {
		runtime.Goexit()
	}
	if interruptible && r.interrupted.CompareAndSwap(true, false) {
		return ErrInterrupted
	}
	return nil
}

func (r *threadRecord) wake() {
	if w := r.waitWord.Load(); w != nil {
		_, _ = futex.Wake(w, futex.All)
	}
}

func (r *threadRecord) kill() {
	r.killed.Store(true)
	r.wake()
	_, _ = futex.Wake(&r.state, futex.All)
}

func (r *threadRecord) threadState() ThreadState {
	switch atomic.LoadUint32(&r.state) {
	case stateNew, statePaused:
		return ThreadSuspended
	}
	switch waitKind(r.waitKind.Load()) {
	case waitNone:
		return ThreadRunning
	case waitSuspended:
		return ThreadSuspended
	case waitReceive:
		return ThreadReceiving
	case waitSnooze:
		return ThreadAsleep
	default:
		return ThreadWaiting
	}
}

func (r *threadRecord) exited() bool {
	return atomic.LoadUint32(&r.state) == stateExited
}

// nextThreadID allocates a spawned thread ID, skipping the main thread's ID
// and the negative range after wraparound.
func (t *Team) nextThreadID() ThreadID {
	for {
		id := ThreadID(t.threadSeq.Add(1))
		if id > 0 && id != t.main.id {
			return id
		}
	}
}

// lookupThread returns the live record for id, or nil. Exited records still
// awaiting a join are not live.
func (t *Team) lookupThread(id ThreadID) *threadRecord {
	t.threads.RLock()
	defer t.threads.RUnlock()
	if n := t.threads.FindBy(func(r *threadRecord) bool { return r.id == id && !r.exited() }); n != nil {
		return n.Value
	}
	return nil
}

// lookupJoinable returns the record for id whether or not it has exited.
func (t *Team) lookupJoinable(id ThreadID) *threadRecord {
	t.threads.RLock()
	defer t.threads.RUnlock()
	if n := t.threads.FindBy(func(r *threadRecord) bool { return r.id == id }); n != nil {
		return n.Value
	}
	return nil
}

// reap unlinks an exited record. Reaping twice is a no-op.
func (t *Team) reap(r *threadRecord) {
	t.threads.Lock()
	t.threads.Remove(r.node)
	t.threads.Unlock()
}

// ResumeThread starts a new thread or wakes a suspended one. Resuming a
// running thread does nothing.
func (t *Team) ResumeThread(id ThreadID) error {
	r := t.lookupThread(id)
	if r == nil {
		return ErrBadThreadID
	}
	for {
		switch st := atomic.LoadUint32(&r.state); st {
		case stateNew, statePaused:
			if atomic.CompareAndSwapUint32(&r.state, st, stateRunning) {
				_, _ = futex.Wake(&r.state, futex.All)
				return nil
			}
		case stateRunning:
			return nil
		default:
			return ErrBadThreadID
		}
	}
}

// SuspendThread suspends the calling thread until another thread resumes it.
// Only the caller can suspend itself; naming another live thread panics.
func (t *Team) SuspendThread(id ThreadID) error {
	cur := t.current()
	if id != cur.id {
		if t.lookupThread(id) == nil {
			return ErrBadThreadID
		}
		panic(fmt.Sprintf("kernel: thread %d cannot suspend thread %d", cur.id, id))
	}
	if !atomic.CompareAndSwapUint32(&cur.state, stateRunning, statePaused) {
		return ErrBadThreadState
	}
	for atomic.LoadUint32(&cur.state) == statePaused {
		_ = cur.checkpoint(false)
		_ = cur.block(&cur.state, statePaused, waitSuspended, t.opts.PollInterval)
	}
	return cur.checkpoint(false)
}

// KillThread terminates a spawned thread at its next blocking point. Killing
// the calling thread does not return.
//
// Termination is cooperative: the thread unwinds only when it next enters a
// kernel wait (semaphore, mailbox, snooze, suspend, join or port) or is
// already parked in one. A thread busy in pure computation, or blocked on a
// Go channel or in a foreign syscall, keeps running until it reaches such a
// point, and one that never does never terminates.
func (t *Team) KillThread(id ThreadID) error {
	r := t.lookupThread(id)
	if r == nil || r.exited() {
		return ErrBadThreadID
	}
	if !r.spawned {
		return ErrNotAllowed
	}
	r.kill()
	t.log.Debug("Thread killed", zap.Int32("thread", int32(id)))
	if r == t.current() {
		runtime.Goexit()
	}
	return nil
}

// ExitThread ends the calling spawned thread with status.
func (t *Team) ExitThread(status int32) error {
	cur := t.current()
	if !cur.spawned {
		return ErrNotAllowed
	}
	cur.exitStatus.Store(status)
	cur.exitCalled = true
	runtime.Goexit()
	return nil
}

// WaitForThread resumes the thread if needed and blocks until it exits,
// returning its exit status. A killed thread reports ErrInterrupted. A thread
// that exited before the call is still joinable once; later waits return
// ErrBadThreadID.
func (t *Team) WaitForThread(id ThreadID) (int32, error) {
	r := t.lookupJoinable(id)
	if r == nil {
		return 0, ErrBadThreadID
	}
	cur := t.current()
	if r == cur {
		return 0, ErrNotAllowed
	}
	if atomic.LoadUint32(&r.state) < stateRunning {
		_ = t.ResumeThread(id)
	}
	for st := atomic.LoadUint32(&r.state); st != stateExited; st = atomic.LoadUint32(&r.state) {
		if err := cur.checkpoint(true); err != nil {
			return 0, err
		}
		_ = cur.block(&r.state, st, waitJoin, t.opts.PollInterval)
	}
	t.reap(r)
	return r.exitStatus.Load(), r.outcome
}

// InterruptThread makes the thread's current or next interruptible wait
// return ErrInterrupted.
func (t *Team) InterruptThread(id ThreadID) error {
	r := t.lookupThread(id)
	if r == nil {
		return ErrBadThreadID
	}
	r.interrupted.Store(true)
	r.wake()
	return nil
}

// FindThread returns the ID of the named thread. An empty name means the
// calling thread.
func (t *Team) FindThread(name string) (ThreadID, error) {
	if name == "" {
		return t.current().id, nil
	}
	name = boundName(name)
	t.threads.RLock()
	defer t.threads.RUnlock()
	if n := t.threads.FindBy(func(r *threadRecord) bool { return r.name == name && !r.exited() }); n != nil {
		return n.Value.id, nil
	}
	return -1, ErrNameNotFound
}

// RenameThread changes the name of a thread.
func (t *Team) RenameThread(id ThreadID, name string) error {
	t.threads.Lock()
	defer t.threads.Unlock()
	n := t.threads.FindBy(func(r *threadRecord) bool { return r.id == id && !r.exited() })
	if n == nil {
		return ErrBadThreadID
	}
	n.Value.name = boundName(name)
	return nil
}

// SetThreadPriority changes the priority of a thread and returns the old one.
func (t *Team) SetThreadPriority(id ThreadID, priority int32) (int32, error) {
	r := t.lookupThread(id)
	if r == nil {
		return 0, ErrBadThreadID
	}
	if r.spawned {
		if err := applyPriority(r.tid, priority, true); err != nil {
			return 0, threadErrnos.translate("sched_setattr", err)
		}
	}
	t.threads.Lock()
	old := r.priority
	r.priority = priority
	t.threads.Unlock()
	return old, nil
}

// Snooze puts the calling thread to sleep for d microseconds.
func (t *Team) Snooze(d Bigtime) error {
	return t.snooze(resolveDeadline(RelativeTimeout, d))
}

// SnoozeUntil sleeps until the SystemTime clock reaches at.
func (t *Team) SnoozeUntil(at Bigtime) error {
	return t.snooze(resolveDeadline(AbsoluteTimeout, at))
}

func (t *Team) snooze(dl deadline) error {
	cur := t.current()
	for !dl.expired() {
		if err := cur.checkpoint(true); err != nil {
			return err
		}
		_ = cur.block(&cur.park, 0, waitSnooze, dl.slice(t.opts.PollInterval))
	}
	return nil
}

// GetThreadInfo describes a live thread.
func (t *Team) GetThreadInfo(id ThreadID) (ThreadInfo, error) {
	t.threads.RLock()
	defer t.threads.RUnlock()
	n := t.threads.FindBy(func(r *threadRecord) bool { return r.id == id && !r.exited() })
	if n == nil {
		return ThreadInfo{}, ErrBadThreadID
	}
	return n.Value.info(), nil
}

// GetNextThreadInfo walks the team's threads. Start with *cookie == 0; it
// returns ErrBadValue once every thread has been visited.
func (t *Team) GetNextThreadInfo(cookie *int32) (ThreadInfo, error) {
	if cookie == nil || *cookie < 0 {
		return ThreadInfo{}, ErrBadValue
	}
	t.threads.RLock()
	defer t.threads.RUnlock()
	for {
		r, ok := t.threads.At(int(*cookie))
		if !ok {
			return ThreadInfo{}, ErrBadValue
		}
		*cookie++
		if !r.exited() {
			return r.info(), nil
		}
	}
}

// info snapshots the record. Requires the threads read lock.
func (r *threadRecord) info() ThreadInfo {
	info := ThreadInfo{
		Thread:   r.id,
		Team:     r.team.id,
		Name:     r.name,
		State:    r.threadState(),
		Priority: r.priority,
		Sem:      SemID(r.blockedSem.Load()),
	}
	if r.stackBase != 0 {
		info.StackBase = r.stackBase - stackSpan
		info.StackEnd = r.stackBase
	}
	return info
}

// applyPriority maps a priority onto the host scheduler: SCHED_RR at or above
// the real-time threshold, a positive nice value below NormalPriority. With
// force unset the default class is left alone.
func applyPriority(tid int, priority int32, force bool) error {
	attr := unix.SchedAttr{Size: uint32(unsafe.Sizeof(unix.SchedAttr{}))}
	switch {
	case priority >= realTimeThreshold:
		attr.Policy = unix.SCHED_RR
		attr.Priority = uint32(min(priority, maxHostRealTimePriority))
	case priority < NormalPriority:
		attr.Policy = unix.SCHED_NORMAL
		attr.Nice = min(NormalPriority-priority, maxHostNice)
	default:
		if !force {
			return nil
		}
		attr.Policy = unix.SCHED_NORMAL
	}
	return unix.SchedSetAttr(tid, &attr, 0)
}
