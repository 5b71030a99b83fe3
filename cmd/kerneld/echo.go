//go:build linux

package main

import (
	"bytes"
	"time"

	"go.uber.org/zap"

	"github.com/D-os/libb2/internal/infrastructure/config"
	"github.com/D-os/libb2/kernel"
)

// replyTimeout bounds how long a reply may wait for room on the reply port.
const replyTimeout = time.Second

// echo answers every message on its port by writing the body back to the
// port named in the message.
type echo struct {
	team   *kernel.Team
	port   kernel.PortID
	buf    []byte
	logger *zap.Logger
}

// newEcho creates the service port and claims its name.
func newEcho(team *kernel.Team, cfg config.EchoConfig, maxMessage int, logger *zap.Logger) (*echo, error) {
	port, err := team.CreatePort(cfg.Capacity, cfg.PortName)
	if err != nil {
		return nil, err
	}
	// Reading the count binds the socket, so the name is taken before any client writes.
	if _, err := team.PortCount(port); err != nil {
		_ = team.DeletePort(port)
		return nil, err
	}
	return &echo{
		team:   team,
		port:   port,
		buf:    make([]byte, maxMessage),
		logger: logger,
	}, nil
}

// start spawns and resumes the service thread.
func (e *echo) start() (kernel.ThreadID, error) {
	id, err := e.team.SpawnThread(e.run, "echo", kernel.NormalPriority, nil)
	if err != nil {
		return -1, err
	}
	if err := e.team.ResumeThread(id); err != nil {
		_ = e.team.KillThread(id)
		return -1, err
	}
	return id, nil
}

// run serves until the port goes away. It is the echo thread's entry.
func (e *echo) run(any) int32 {
	for {
		code, n, err := e.team.ReadPort(e.port, e.buf)
		switch kernel.StatusOf(err) {
		case kernel.OK:
		case kernel.ErrInterrupted, kernel.ErrBadData:
			continue
		default:
			e.logger.Info("Echo service stopped", zap.Error(err))
			return int32(kernel.StatusOf(err))
		}
		if err := e.reply(code, e.buf[:n]); err != nil {
			e.logger.Warn("Echo reply failed", zap.Int32("code", code), zap.Error(err))
		}
	}
}

// reply writes body back to the port named in msg.
func (e *echo) reply(code int32, msg []byte) error {
	i := bytes.IndexByte(msg, 0)
	if i <= 0 {
		return kernel.ErrBadData
	}
	name, body := string(msg[:i]), msg[i+1:]

	tx, err := e.team.CreatePort(1, name)
	if err != nil {
		return err
	}
	defer func() { _ = e.team.DeletePort(tx) }()
	return e.team.WritePortEtc(tx, code, body, kernel.Timeout, kernel.Microseconds(replyTimeout))
}
