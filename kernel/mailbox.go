//go:build linux

package kernel

import (
	"runtime"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/D-os/libb2/internal/futex"
)

// Mailbox states. The word is also the futex both sides park on.
const (
	mailboxEmpty uint32 = iota
	mailboxHandoff
	mailboxReady
)

// mailbox is the one-slot message buffer every thread owns. The fields other
// than state are written by the sender between Handoff and Ready and read by
// the owner after it observes Ready.
type mailbox struct {
	state  uint32
	sender ThreadID
	code   int32
	buf    []byte
	size   int
}

// ThreadMessage is what ReceiveData delivers.
type ThreadMessage struct {
	Sender ThreadID
	Code   int32
	// Copied is the number of payload bytes written to the caller's buffer.
	Copied int
	// Size is the length of the payload as sent.
	Size int
}

// SendData delivers code and a copy of data to the mailbox of thread id,
// blocking while that mailbox is occupied.
func (t *Team) SendData(id ThreadID, code int32, data []byte) error {
	r := t.lookupThread(id)
	if r == nil {
		return ErrBadThreadID
	}
	cur := t.current()
	mb := &r.mailbox

	for spins := 0; !atomic.CompareAndSwapUint32(&mb.state, mailboxEmpty, mailboxHandoff); spins++ {
		if r.exited() {
			return ErrBadThreadID
		}
		if err := cur.checkpoint(true); err != nil {
			return err
		}
		if spins < t.opts.MailboxSpinCount {
			runtime.Gosched()
			continue
		}
		if st := atomic.LoadUint32(&mb.state); st != mailboxEmpty {
			_ = cur.block(&mb.state, st, waitSend, t.opts.PollInterval)
		}
	}

	var buf []byte
	if len(data) > 0 {
		b, err := unix.Mmap(-1, 0, len(data), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			atomic.StoreUint32(&mb.state, mailboxEmpty)
			_, _ = futex.Wake(&mb.state, futex.All)
			return commonErrnos.translate("mmap", err)
		}
		copy(b, data)
		buf = b
	}
	mb.sender = cur.id
	mb.code = code
	mb.buf = buf
	mb.size = len(data)
	atomic.StoreUint32(&mb.state, mailboxReady)
	_, _ = futex.Wake(&mb.state, futex.All)

	// The owner may have exited while the handoff was in flight.
	if r.exited() && atomic.CompareAndSwapUint32(&mb.state, mailboxReady, mailboxHandoff) {
		mb.discardLocked()
		return ErrBadThreadID
	}

	t.metrics.MailboxSent()
	t.log.Debug("Mailbox message sent",
		zap.Int32("from", int32(cur.id)),
		zap.Int32("to", int32(id)),
		zap.Int32("code", code),
		zap.Int("size", len(data)))
	return nil
}

// ReceiveData blocks until the calling thread's mailbox holds a message and
// copies its payload into buf. Payload beyond len(buf) is discarded.
func (t *Team) ReceiveData(buf []byte) (ThreadMessage, error) {
	cur := t.current()
	mb := &cur.mailbox

	spins := 0
	for st := atomic.LoadUint32(&mb.state); st != mailboxReady; st = atomic.LoadUint32(&mb.state) {
		if err := cur.checkpoint(true); err != nil {
			return ThreadMessage{}, err
		}
		if spins < t.opts.MailboxSpinCount {
			spins++
			runtime.Gosched()
			continue
		}
		_ = cur.block(&mb.state, st, waitReceive, t.opts.PollInterval)
	}

	msg := ThreadMessage{Sender: mb.sender, Code: mb.code, Size: mb.size}
	msg.Copied = copy(buf, mb.buf)
	if mb.buf != nil {
		_ = unix.Munmap(mb.buf)
		mb.buf = nil
	}
	atomic.StoreUint32(&mb.state, mailboxEmpty)
	_, _ = futex.Wake(&mb.state, futex.All)
	return msg, nil
}

// HasData reports whether a message is waiting in the mailbox of thread id.
func (t *Team) HasData(id ThreadID) bool {
	r := t.lookupThread(id)
	return r != nil && atomic.LoadUint32(&r.mailbox.state) == mailboxReady
}

// discard releases an undelivered message when the owner exits.
func (mb *mailbox) discard() {
	if atomic.CompareAndSwapUint32(&mb.state, mailboxReady, mailboxHandoff) {
		mb.discardLocked()
	}
}

// discardLocked frees the payload. The caller owns the Handoff state.
func (mb *mailbox) discardLocked() {
	if mb.buf != nil {
		_ = unix.Munmap(mb.buf)
		mb.buf = nil
	}
	atomic.StoreUint32(&mb.state, mailboxEmpty)
	_, _ = futex.Wake(&mb.state, futex.All)
}
