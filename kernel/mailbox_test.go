//go:build linux

package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type received struct {
	msg  ThreadMessage
	data []byte
	err  error
}

// spawnReceiver starts a thread that receives count messages into buffers of
// bufSize bytes and reports each one on the returned channel.
func spawnReceiver(t *testing.T, team *Team, bufSize, count int) (ThreadID, <-chan received) {
	t.Helper()
	out := make(chan received, count)
	id, err := team.SpawnThread(func(any) int32 {
		for i := 0; i < count; i++ {
			buf := make([]byte, bufSize)
			msg, err := team.ReceiveData(buf)
			out <- received{msg: msg, data: buf[:msg.Copied], err: err}
		}
		return 0
	}, "receiver", NormalPriority, nil)
	require.NoError(t, err)
	return id, out
}

func TestSendReceiveData(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		bufSize int
		want    []byte
	}{
		{"fits", []byte("hello"), 16, []byte("hello")},
		{"exact", []byte("hello"), 5, []byte("hello")},
		{"truncated", []byte("hello, world"), 4, []byte("hell")},
		{"empty payload", nil, 8, []byte{}},
		{"empty buffer", []byte("dropped"), 0, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			team := newTestTeam(t)
			id, out := spawnReceiver(t, team, tt.bufSize, 1)
			require.NoError(t, team.ResumeThread(id))

			require.NoError(t, team.SendData(id, 7, tt.payload))
			got := <-out
			require.NoError(t, got.err)
			assert.Equal(t, ThreadID(team.ID()), got.msg.Sender)
			assert.Equal(t, int32(7), got.msg.Code)
			assert.Equal(t, len(tt.payload), got.msg.Size)
			assert.Equal(t, len(tt.want), got.msg.Copied)
			assert.Equal(t, tt.want, got.data)
		})
	}
}

func TestSecondSendBlocksUntilDrained(t *testing.T) {
	team := newTestTeam(t)
	id, out := spawnReceiver(t, team, 8, 2)

	// The target has not started, so the first message stays pending.
	require.NoError(t, team.SendData(id, 1, []byte("one")))
	assert.True(t, team.HasData(id))

	sent := make(chan error, 1)
	go func() { sent <- team.SendData(id, 2, []byte("two")) }()

	select {
	case err := <-sent:
		t.Fatalf("second send returned before the mailbox drained: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	require.NoError(t, team.ResumeThread(id))
	first := <-out
	require.NoError(t, first.err)
	assert.Equal(t, int32(1), first.msg.Code)
	assert.Equal(t, []byte("one"), first.data)

	require.NoError(t, <-sent)
	second := <-out
	require.NoError(t, second.err)
	assert.Equal(t, int32(2), second.msg.Code)
	assert.Equal(t, []byte("two"), second.data)

	_, err := team.WaitForThread(id)
	require.NoError(t, err)
}

func TestSendToMainThread(t *testing.T) {
	team := newTestTeam(t)
	main, err := team.FindThread("")
	require.NoError(t, err)

	id, err := team.SpawnThread(func(any) int32 {
		return int32(StatusOf(team.SendData(main, 99, []byte("up"))))
	}, "sender", NormalPriority, nil)
	require.NoError(t, err)
	require.NoError(t, team.ResumeThread(id))

	buf := make([]byte, 8)
	msg, err := team.ReceiveData(buf)
	require.NoError(t, err)
	assert.Equal(t, id, msg.Sender)
	assert.Equal(t, int32(99), msg.Code)
	assert.Equal(t, "up", string(buf[:msg.Copied]))
	assert.False(t, team.HasData(main))

	status, err := team.WaitForThread(id)
	require.NoError(t, err)
	assert.Zero(t, status)
}

func TestSendDataUnknownThread(t *testing.T) {
	team := newTestTeam(t)
	assert.ErrorIs(t, team.SendData(ThreadID(-5), 1, nil), ErrBadThreadID)
	assert.False(t, team.HasData(ThreadID(-5)))
}

func TestPendingMessageReleasedOnExit(t *testing.T) {
	team := newTestTeam(t)
	id, err := team.SpawnThread(func(any) int32 { return 0 }, "ignorer", NormalPriority, nil)
	require.NoError(t, err)

	require.NoError(t, team.SendData(id, 1, []byte("never read")))
	r := team.lookupThread(id)
	require.NotNil(t, r)

	_, err = team.WaitForThread(id)
	require.NoError(t, err)
	assert.Nil(t, r.mailbox.buf)
	assert.Equal(t, mailboxEmpty, r.mailbox.state)
	assert.ErrorIs(t, team.SendData(id, 2, nil), ErrBadThreadID)
}
