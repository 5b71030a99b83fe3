//go:build linux

package kernel

import (
	"context"
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/D-os/libb2/internal/futex"
	"github.com/D-os/libb2/internal/registry"
	"github.com/D-os/libb2/internal/shared/id"
)

// PortID identifies a port. It is the descriptor of the port's socket.
type PortID int32

// portHeader is the size of the message code that prefixes every datagram.
const portHeader = 4

// PortInfo describes a port.
type PortInfo struct {
	Port       PortID `json:"port"`
	Team       TeamID `json:"team"`
	Name       string `json:"name"`
	Capacity   int32  `json:"capacity"`
	QueueCount int32  `json:"queue_count"`
	TotalCount int32  `json:"total_count"`
}

// A port is a datagram socket in the abstract namespace. Its name is the
// socket address, so any process that knows the name can write to it. The
// socket binds lazily on the first read-side call: until then the name is
// free and writers are refused.
type portRecord struct {
	node *registry.Node[*portRecord]

	id       PortID
	fd       int
	name     string
	capacity int32

	// bound and closed change under the ports write lock.
	bound  bool
	closed bool

	reads atomic.Int32
	// probe serializes the SO_PEEK_OFF walk of the queue.
	probe sync.Mutex
}

func portAddr(name string) *unix.SockaddrUnix {
	return &unix.SockaddrUnix{Name: "@" + name}
}

// CreatePort creates a port holding up to capacity messages. An empty name
// gets a generated one.
func (t *Team) CreatePort(capacity int32, name string) (PortID, error) {
	if capacity <= 0 {
		return -1, ErrBadValue
	}
	if t.closed.Load() {
		return -1, ErrBadTeamID
	}
	if name == "" {
		name = id.PortName()
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, portErrnos.translate("socket", err)
	}
	r := &portRecord{id: PortID(fd), fd: fd, name: boundName(name), capacity: capacity}

	t.ports.Lock()
	r.node = t.ports.Insert(r)
	t.ports.Unlock()

	t.metrics.PortOpened()
	t.log.Debug("Port created",
		zap.Int32("port", int32(r.id)),
		zap.String("name", r.name),
		zap.Int32("capacity", capacity))
	return r.id, nil
}

func (t *Team) lookupPort(id PortID) *portRecord {
	t.ports.RLock()
	defer t.ports.RUnlock()
	if n := t.ports.FindBy(func(r *portRecord) bool { return r.id == id }); n != nil {
		return n.Value
	}
	return nil
}

// boundPort returns the record for id, binding its socket first if needed.
func (t *Team) boundPort(id PortID) (*portRecord, error) {
	t.ports.RLock()
	n := t.ports.FindBy(func(r *portRecord) bool { return r.id == id })
	if n != nil && n.Value.bound {
		t.ports.RUnlock()
		return n.Value, nil
	}
	t.ports.RUnlock()

	t.ports.Lock()
	defer t.ports.Unlock()
	n = t.ports.FindBy(func(r *portRecord) bool { return r.id == id })
	if n == nil {
		return nil, ErrBadPortID
	}
	r := n.Value
	if !r.bound {
		if err := unix.Bind(r.fd, portAddr(r.name)); err != nil {
			if err == unix.EADDRINUSE {
				return nil, ErrNameInUse
			}
			return nil, portErrnos.translate("bind", err)
		}
		r.bound = true
		t.log.Debug("Port bound", zap.Int32("port", int32(id)), zap.String("name", r.name))
	}
	return r, nil
}

// FindPort returns the ID of the named port.
func (t *Team) FindPort(name string) (PortID, error) {
	name = boundName(name)
	t.ports.RLock()
	defer t.ports.RUnlock()
	if n := t.ports.FindBy(func(r *portRecord) bool { return r.name == name }); n != nil {
		return n.Value.id, nil
	}
	return -1, ErrNameNotFound
}

// WritePort sends a message, blocking while the port is full.
func (t *Team) WritePort(id PortID, code int32, data []byte) error {
	return t.WritePortEtc(id, code, data, 0, 0)
}

// WritePortEtc sends a message. With Timeout in flags the wait for queue
// space is bounded; a timeout of zero never blocks.
func (t *Team) WritePortEtc(id PortID, code int32, data []byte, flags Flags, timeout Bigtime) error {
	t.ports.RLock()
	n := t.ports.FindBy(func(r *portRecord) bool { return r.id == id })
	var fd int
	var name string
	closed := true
	if n != nil {
		fd, name, closed = n.Value.fd, n.Value.name, n.Value.closed
	}
	t.ports.RUnlock()
	if n == nil || closed {
		return ErrBadPortID
	}
	if len(data) > t.opts.PortMaxMessage {
		return ErrBadValue
	}

	err := t.writePort(fd, name, code, data, resolveDeadline(flags, timeout))
	if err != nil {
		t.metrics.PortError("write", StatusOf(err).Error())
		return err
	}
	t.metrics.PortMessage("write", len(data))
	return nil
}

func (t *Team) writePort(fd int, name string, code int32, data []byte, dl deadline) error {
	var hdr [portHeader]byte
	binary.NativeEndian.PutUint32(hdr[:], uint32(code))
	bufs := [][]byte{hdr[:], data}
	to := portAddr(name)
	cur := t.current()

	var pace *rate.Limiter
	refused := 0
	for {
		_, err := unix.SendmsgBuffers(fd, bufs, nil, to, unix.MSG_DONTWAIT|unix.MSG_NOSIGNAL)
		switch err {
		case nil:
			return nil
		case unix.EINTR:
			continue
		case unix.EAGAIN:
			if dl.poll {
				return ErrWouldBlock
			}
			// POLLOUT on an unconnected datagram socket says nothing about the
			// receiver's queue, so back off and retry instead.
			if err := t.backoff(cur, dl); err != nil {
				return err
			}
		case unix.ECONNREFUSED, unix.ENOENT:
			// Nobody has bound the name yet, or the reader is gone.
			if refused >= t.opts.PortSendRetries || dl.poll {
				return ErrBadPortID
			}
			refused++
			t.metrics.PortRetry()
			if pace == nil {
				pace = rate.NewLimiter(rate.Every(t.opts.PortRetryDelay), 1)
				pace.Allow()
			}
			if err := t.pace(pace, dl); err != nil {
				return err
			}
			if err := cur.checkpoint(true); err != nil {
				return err
			}
		default:
			return portErrnos.translate("sendmsg", err)
		}
	}
}

func (t *Team) pace(l *rate.Limiter, dl deadline) error {
	ctx := context.Background()
	if dl.bounded {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, dl.at)
		defer cancel()
	}
	if err := l.Wait(ctx); err != nil {
		return ErrTimedOut
	}
	return nil
}

// backoff parks the writer for a short while before it retries a full queue.
func (t *Team) backoff(cur *threadRecord, dl deadline) error {
	if err := cur.checkpoint(true); err != nil {
		return err
	}
	if dl.expired() {
		return ErrTimedOut
	}
	cur.waitKind.Store(uint32(waitPort))
	_ = futex.Wait(&cur.park, 0, min(dl.slice(t.opts.PollInterval), time.Millisecond))
	cur.waitKind.Store(uint32(waitNone))
	return nil
}

// waitPort polls fd for events in PollInterval slices so kill and interrupt
// are noticed while waiting.
func (t *Team) waitPort(cur *threadRecord, fd int, events int16, dl deadline) error {
	cur.waitKind.Store(uint32(waitPort))
	defer cur.waitKind.Store(uint32(waitNone))
	for {
		if err := cur.checkpoint(true); err != nil {
			return err
		}
		if dl.expired() {
			if dl.poll {
				return ErrWouldBlock
			}
			return ErrTimedOut
		}
		ms := int(dl.slice(t.opts.PollInterval).Milliseconds())
		if ms < 1 {
			ms = 1
		}
		fds := []unix.PollFd{{Fd: int32(fd), Events: events}}
		n, err := unix.Poll(fds, ms)
		switch {
		case err == unix.EINTR:
			continue
		case err != nil:
			return portErrnos.translate("poll", err)
		case n == 0:
			continue
		case fds[0].Revents&unix.POLLNVAL != 0:
			return ErrBadPortID
		default:
			return nil
		}
	}
}

// ReadPort receives the oldest message, blocking while the port is empty.
func (t *Team) ReadPort(id PortID, buf []byte) (int32, int, error) {
	return t.ReadPortEtc(id, buf, 0, 0)
}

// ReadPortEtc receives the oldest message into buf and returns its code and
// the number of bytes copied. Payload beyond len(buf) is discarded.
func (t *Team) ReadPortEtc(id PortID, buf []byte, flags Flags, timeout Bigtime) (int32, int, error) {
	r, err := t.boundPort(id)
	if err != nil {
		return 0, 0, err
	}
	code, copied, err := t.readPort(r, buf, resolveDeadline(flags, timeout))
	if err != nil {
		t.metrics.PortError("read", StatusOf(err).Error())
		return 0, 0, err
	}
	return code, copied, nil
}

func (t *Team) readPort(r *portRecord, buf []byte, dl deadline) (int32, int, error) {
	cur := t.current()
	var hdr [portHeader]byte
	for {
		if !dl.poll {
			if err := t.waitPort(cur, r.fd, unix.POLLIN, dl); err != nil {
				return 0, 0, err
			}
		}
		n, _, _, _, err := unix.RecvmsgBuffers(r.fd, [][]byte{hdr[:], buf}, nil, unix.MSG_DONTWAIT|unix.MSG_TRUNC)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN && !dl.poll:
			// Another reader took it.
			continue
		case err != nil:
			return 0, 0, portErrnos.translate("recvmsg", err)
		case n < portHeader:
			return 0, 0, ErrBadData
		}

		size := n - portHeader
		copied := min(size, len(buf))
		if copied < size {
			t.log.Debug("Port message truncated",
				zap.Int32("port", int32(r.id)),
				zap.Int("size", size),
				zap.Int("buffer", len(buf)))
		}
		r.reads.Add(1)
		t.metrics.PortMessage("read", size)
		return int32(binary.NativeEndian.Uint32(hdr[:])), copied, nil
	}
}

// PortBufferSize blocks until a message is queued and returns its payload size.
func (t *Team) PortBufferSize(id PortID) (int, error) {
	return t.PortBufferSizeEtc(id, 0, 0)
}

// PortBufferSizeEtc is PortBufferSize with a bounded wait.
func (t *Team) PortBufferSizeEtc(id PortID, flags Flags, timeout Bigtime) (int, error) {
	r, err := t.boundPort(id)
	if err != nil {
		return 0, err
	}
	dl := resolveDeadline(flags, timeout)
	cur := t.current()
	for {
		if !dl.poll {
			if err := t.waitPort(cur, r.fd, unix.POLLIN, dl); err != nil {
				return 0, err
			}
		}
		r.probe.Lock()
		n, _, err := unix.Recvfrom(r.fd, nil, unix.MSG_PEEK|unix.MSG_TRUNC|unix.MSG_DONTWAIT)
		r.probe.Unlock()
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN && !dl.poll:
			continue
		case err != nil:
			return 0, portErrnos.translate("recvfrom", err)
		case n < portHeader:
			return 0, ErrBadData
		}
		return n - portHeader, nil
	}
}

// PortCount returns the number of messages queued on the port.
func (t *Team) PortCount(id PortID) (int32, error) {
	r, err := t.boundPort(id)
	if err != nil {
		return 0, err
	}
	return t.queueCount(r)
}

// queueCount walks the queue with peek offsets: each peek starts where the
// previous one stopped, so every datagram is seen once.
func (t *Team) queueCount(r *portRecord) (int32, error) {
	r.probe.Lock()
	defer r.probe.Unlock()

	if err := unix.SetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_PEEK_OFF, 0); err != nil {
		return 0, portErrnos.translate("setsockopt", err)
	}
	defer func() { _ = unix.SetsockoptInt(r.fd, unix.SOL_SOCKET, unix.SO_PEEK_OFF, -1) }()

	scratch := make([]byte, portHeader+t.opts.PortMaxMessage)
	var count int32
	for {
		n, _, err := unix.Recvfrom(r.fd, scratch, unix.MSG_PEEK|unix.MSG_TRUNC|unix.MSG_DONTWAIT)
		switch {
		case err == unix.EAGAIN:
			return count, nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return 0, portErrnos.translate("recvfrom", err)
		}
		// A datagram larger than scratch takes several peeks; count it on the last.
		if n <= len(scratch) {
			count++
		}
	}
}

// ClosePort stops further writes through this port's socket. Queued messages
// can still be read.
func (t *Team) ClosePort(id PortID) error {
	t.ports.Lock()
	defer t.ports.Unlock()
	n := t.ports.FindBy(func(r *portRecord) bool { return r.id == id })
	if n == nil || n.Value.closed {
		return ErrBadPortID
	}
	if err := unix.Shutdown(n.Value.fd, unix.SHUT_WR); err != nil {
		return portErrnos.translate("shutdown", err)
	}
	n.Value.closed = true
	return nil
}

// DeletePort closes the socket and forgets the port. Queued messages are lost.
func (t *Team) DeletePort(id PortID) error {
	t.ports.Lock()
	n := t.ports.FindBy(func(r *portRecord) bool { return r.id == id })
	if n == nil {
		t.ports.Unlock()
		return ErrBadPortID
	}
	t.ports.Remove(n)
	t.ports.Unlock()

	if err := unix.Close(n.Value.fd); err != nil {
		t.log.Warn("Failed to close port socket", zap.Int32("port", int32(id)), zap.Error(err))
	}
	t.metrics.PortDeleted()
	t.log.Debug("Port deleted", zap.Int32("port", int32(id)), zap.String("name", n.Value.name))
	return nil
}

// GetPortInfo describes a port.
func (t *Team) GetPortInfo(id PortID) (PortInfo, error) {
	r := t.lookupPort(id)
	if r == nil {
		return PortInfo{}, ErrBadPortID
	}
	return t.portInfo(r)
}

// GetNextPortInfo walks the team's ports. Start with *cookie == 0; it returns
// ErrBadValue once every port has been visited.
func (t *Team) GetNextPortInfo(cookie *int32) (PortInfo, error) {
	if cookie == nil || *cookie < 0 {
		return PortInfo{}, ErrBadValue
	}
	t.ports.RLock()
	r, ok := t.ports.At(int(*cookie))
	t.ports.RUnlock()
	if !ok {
		return PortInfo{}, ErrBadValue
	}
	*cookie++
	return t.portInfo(r)
}

func (t *Team) portInfo(r *portRecord) (PortInfo, error) {
	t.ports.RLock()
	info := PortInfo{
		Port:       r.id,
		Team:       t.id,
		Name:       r.name,
		Capacity:   r.capacity,
		TotalCount: r.reads.Load(),
	}
	bound := r.bound
	t.ports.RUnlock()

	if bound {
		count, err := t.queueCount(r)
		if err != nil {
			return PortInfo{}, err
		}
		info.QueueCount = count
	}
	return info, nil
}
