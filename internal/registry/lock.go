//go:build linux

package registry

import (
	"runtime"
	"sync/atomic"

	"github.com/D-os/libb2/internal/futex"
)

const writerHeld = -1

// Lock is a reader/writer lock held in a single word.
//
// A positive word counts readers, writerHeld marks a writer and zero means free.
// Readers and writers never hold it together. There is no fairness: a steady
// stream of readers can starve a writer.
type Lock struct {
	word    int32
	waiters int32
}

// RLock acquires the lock for reading.
func (l *Lock) RLock() {
	for spins := 0; ; spins++ {
		v := atomic.LoadInt32(&l.word)
		if v >= 0 {
			if atomic.CompareAndSwapInt32(&l.word, v, v+1) {
				return
			}
			continue
		}
		l.wait(v, spins)
	}
}

// Lock acquires the lock for writing.
func (l *Lock) Lock() {
	for spins := 0; ; spins++ {
		if atomic.CompareAndSwapInt32(&l.word, 0, writerHeld) {
			return
		}
		l.wait(atomic.LoadInt32(&l.word), spins)
	}
}

// RUnlock releases a read lock.
func (l *Lock) RUnlock() {
	l.Unlock()
}

// Unlock releases the lock held in either mode.
func (l *Lock) Unlock() {
	for {
		v := atomic.LoadInt32(&l.word)
		next := int32(0)
		switch {
		case v == writerHeld:
		case v > 0:
			next = v - 1
		default:
			panic("registry: unlock of unlocked lock")
		}
		if atomic.CompareAndSwapInt32(&l.word, v, next) {
			if next == 0 && atomic.LoadInt32(&l.waiters) > 0 {
				_, _ = futex.Wake(futex.Word32(&l.word), futex.All)
			}
			return
		}
	}
}

func (l *Lock) wait(seen int32, spins int) {
	if seen == 0 {
		return
	}
	if spins < 16 {
		runtime.Gosched()
		return
	}
	atomic.AddInt32(&l.waiters, 1)
	_ = futex.Wait(futex.Word32(&l.word), uint32(seen), -1)
	atomic.AddInt32(&l.waiters, -1)
}
