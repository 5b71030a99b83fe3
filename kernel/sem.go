//go:build linux

package kernel

import (
	"math"
	"runtime"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/D-os/libb2/internal/futex"
	"github.com/D-os/libb2/internal/registry"
)

// SemID identifies a semaphore: a slot index in the low 16 bits and the slot
// generation above it, so a stale ID never reaches a recycled slot.
type SemID int32

const (
	maxSems      = 1<<16 - 1
	semIndexMask = 0xffff
	semGenMask   = 0x7fff
	releaseSpins = 8
)

// Acquire results, as recorded in metrics.
const (
	semAcquireOK   = "ok"
	semWouldBlock  = "would_block"
	semTimedOut    = "timed_out"
	semInterrupted = "interrupted"
	semDeleted     = "deleted"
)

// SemInfo describes a semaphore.
type SemInfo struct {
	Sem          SemID    `json:"sem"`
	Team         TeamID   `json:"team"`
	Name         string   `json:"name"`
	Count        int32    `json:"count"`
	LatestHolder ThreadID `json:"latest_holder"`
}

type semRecord struct {
	id   SemID
	name string

	count   int32 // futex word, never negative
	waiters int32
	deleted atomic.Bool
	latest  atomic.Int32
}

type semSlot struct {
	rec *semRecord
	gen int32
}

// semArena hands out SemIDs. It has its own lock so semaphore traffic never
// contends with the thread table.
type semArena struct {
	lock  registry.Lock
	slots []semSlot
	free  []int
	live  int
}

func newSemArena() *semArena {
	return &semArena{}
}

func (a *semArena) add(name string, count int32) (*semRecord, error) {
	a.lock.Lock()
	defer a.lock.Unlock()

	var idx int
	switch {
	case len(a.free) > 0:
		idx = a.free[len(a.free)-1]
		a.free = a.free[:len(a.free)-1]
	case len(a.slots) < maxSems:
		idx = len(a.slots)
		a.slots = append(a.slots, semSlot{})
	default:
		return nil, ErrNoMoreSems
	}
	slot := &a.slots[idx]
	slot.gen = slot.gen%semGenMask + 1
	rec := &semRecord{id: SemID(slot.gen<<16 | int32(idx)), name: name, count: count}
	rec.latest.Store(-1)
	slot.rec = rec
	a.live++
	return rec, nil
}

func (a *semArena) lookup(id SemID) *semRecord {
	if id < 0 {
		return nil
	}
	idx, gen := int(id&semIndexMask), int32(id>>16)
	a.lock.RLock()
	defer a.lock.RUnlock()
	if idx >= len(a.slots) || a.slots[idx].gen != gen {
		return nil
	}
	return a.slots[idx].rec
}

func (a *semArena) remove(id SemID) *semRecord {
	if id < 0 {
		return nil
	}
	idx, gen := int(id&semIndexMask), int32(id>>16)
	a.lock.Lock()
	defer a.lock.Unlock()
	if idx >= len(a.slots) || a.slots[idx].gen != gen || a.slots[idx].rec == nil {
		return nil
	}
	rec := a.slots[idx].rec
	a.slots[idx].rec = nil
	a.free = append(a.free, idx)
	a.live--
	return rec
}

func (a *semArena) ids() []SemID {
	a.lock.RLock()
	defer a.lock.RUnlock()
	var ids []SemID
	for _, s := range a.slots {
		if s.rec != nil {
			ids = append(ids, s.rec.id)
		}
	}
	return ids
}

func (a *semArena) count() int {
	a.lock.RLock()
	defer a.lock.RUnlock()
	return a.live
}

// CreateSem creates a semaphore with the given initial count.
func (t *Team) CreateSem(count int32, name string) (SemID, error) {
	if count < 0 {
		return -1, ErrBadValue
	}
	if t.closed.Load() {
		return -1, ErrBadTeamID
	}
	rec, err := t.sems.add(boundName(name), count)
	if err != nil {
		return -1, err
	}
	t.metrics.SemCreated()
	t.log.Debug("Semaphore created",
		zap.Int32("sem", int32(rec.id)),
		zap.String("name", rec.name),
		zap.Int32("count", count))
	return rec.id, nil
}

// DeleteSem deletes a semaphore. Threads blocked on it return ErrBadSemID.
func (t *Team) DeleteSem(id SemID) error {
	s := t.sems.remove(id)
	if s == nil {
		return ErrBadSemID
	}
	s.deleted.Store(true)
	_, _ = futex.Wake(futex.Word32(&s.count), futex.All)
	t.metrics.SemDeleted()
	t.log.Debug("Semaphore deleted", zap.Int32("sem", int32(id)))
	return nil
}

// AcquireSem takes one unit, blocking without limit.
func (t *Team) AcquireSem(id SemID) error {
	return t.AcquireSemEtc(id, 1, 0, 0)
}

// AcquireSemEtc takes count units at once. RelativeTimeout or AbsoluteTimeout
// in flags bound the wait; a relative timeout of zero or less never blocks.
// With CanInterrupt the wait ends early on InterruptThread.
func (t *Team) AcquireSemEtc(id SemID, count int32, flags Flags, timeout Bigtime) error {
	if count < 1 {
		return ErrBadValue
	}
	s := t.sems.lookup(id)
	if s == nil {
		return ErrBadSemID
	}
	dl := resolveDeadline(flags, timeout)
	cur := t.current()

	if s.tryAcquire(count) {
		s.latest.Store(int32(cur.id))
		t.metrics.SemAcquire(semAcquireOK, 0)
		return nil
	}
	if dl.poll {
		t.metrics.SemAcquire(semWouldBlock, 0)
		return ErrWouldBlock
	}

	start := time.Now()
	cur.blockedSem.Store(int32(id))
	err := t.acquireSlow(s, cur, count, flags, dl)
	cur.blockedSem.Store(-1)

	result := semAcquireOK
	switch err {
	case nil:
		s.latest.Store(int32(cur.id))
	case ErrBadSemID:
		result = semDeleted
	case ErrInterrupted:
		result = semInterrupted
	case ErrTimedOut:
		result = semTimedOut
	}
	t.metrics.SemAcquire(result, time.Since(start))
	return err
}

func (t *Team) acquireSlow(s *semRecord, cur *threadRecord, count int32, flags Flags, dl deadline) error {
	word := futex.Word32(&s.count)
	for {
		for i := 0; i < t.opts.SemSpinCount; i++ {
			if s.tryAcquire(count) {
				return nil
			}
			runtime.Gosched()
		}
		if s.tryAcquire(count) {
			return nil
		}
		if s.deleted.Load() {
			return ErrBadSemID
		}
		if err := cur.checkpoint(flags&CanInterrupt != 0); err != nil {
			return err
		}
		if dl.expired() {
			return ErrTimedOut
		}

		atomic.AddInt32(&s.waiters, 1)
		if v := atomic.LoadInt32(&s.count); v < count && !s.deleted.Load() {
			_ = cur.block(word, uint32(v), waitSem, dl.slice(t.opts.PollInterval))
		}
		atomic.AddInt32(&s.waiters, -1)
	}
}

// tryAcquire subtracts count only if the semaphore holds at least that much.
func (s *semRecord) tryAcquire(count int32) bool {
	for {
		v := atomic.LoadInt32(&s.count)
		if v < count {
			return false
		}
		if atomic.CompareAndSwapInt32(&s.count, v, v-count) {
			return true
		}
	}
}

// ReleaseSem returns one unit.
func (t *Team) ReleaseSem(id SemID) error {
	return t.ReleaseSemEtc(id, 1, 0)
}

// ReleaseSemEtc returns count units and wakes enough waiters to claim them.
// Unless DoNotReschedule is set the caller yields afterwards.
func (t *Team) ReleaseSemEtc(id SemID, count int32, flags Flags) error {
	if count < 1 {
		return ErrBadValue
	}
	s := t.sems.lookup(id)
	if s == nil {
		return ErrBadSemID
	}

	var after int32
	for {
		v := atomic.LoadInt32(&s.count)
		if v > math.MaxInt32-count {
			return ErrBadValue
		}
		if atomic.CompareAndSwapInt32(&s.count, v, v+count) {
			after = v + count
			break
		}
	}

	waiters := atomic.LoadInt32(&s.waiters)
	if waiters == 0 {
		if flags&DoNotReschedule == 0 {
			runtime.Gosched()
		}
		return nil
	}

	// A spinning waiter may take the units without a wakeup.
	for i := 0; i < releaseSpins && atomic.LoadInt32(&s.count) >= after; i++ {
		runtime.Gosched()
	}
	_, _ = futex.Wake(futex.Word32(&s.count), int(max(count, waiters)))
	return nil
}

// GetSemCount returns the available count. When none is available it returns
// the negated number of waiting threads.
func (t *Team) GetSemCount(id SemID) (int32, error) {
	s := t.sems.lookup(id)
	if s == nil {
		return 0, ErrBadSemID
	}
	return s.reportedCount(), nil
}

// GetSemInfo describes a semaphore.
func (t *Team) GetSemInfo(id SemID) (SemInfo, error) {
	s := t.sems.lookup(id)
	if s == nil {
		return SemInfo{}, ErrBadSemID
	}
	return SemInfo{
		Sem:          s.id,
		Team:         t.id,
		Name:         s.name,
		Count:        s.reportedCount(),
		LatestHolder: ThreadID(s.latest.Load()),
	}, nil
}

func (s *semRecord) reportedCount() int32 {
	if v := atomic.LoadInt32(&s.count); v > 0 {
		return v
	}
	return -atomic.LoadInt32(&s.waiters)
}
