//go:build linux

package kernel

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newBoundPort creates a port and binds it so writes are accepted at once.
func newBoundPort(t *testing.T, team *Team) PortID {
	t.Helper()
	id, err := team.CreatePort(16, "")
	require.NoError(t, err)
	count, err := team.PortCount(id)
	require.NoError(t, err)
	require.Zero(t, count)
	return id
}

func TestCreatePort(t *testing.T) {
	team := newTestTeam(t)

	for _, capacity := range []int32{0, -1} {
		_, err := team.CreatePort(capacity, "bad")
		assert.ErrorIs(t, err, ErrBadValue)
	}

	id, err := team.CreatePort(8, "")
	require.NoError(t, err)
	info, err := team.GetPortInfo(id)
	require.NoError(t, err)
	assert.Equal(t, id, info.Port)
	assert.Equal(t, team.ID(), info.Team)
	assert.Equal(t, int32(8), info.Capacity)
	assert.NotEmpty(t, info.Name)
	assert.Zero(t, info.QueueCount)

	found, err := team.FindPort(info.Name)
	require.NoError(t, err)
	assert.Equal(t, id, found)
	_, err = team.FindPort("no such port")
	assert.ErrorIs(t, err, ErrNameNotFound)
}

func TestPortRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		code    int32
		payload []byte
		bufSize int
	}{
		{"small", 1, []byte("ping"), 64},
		{"exact", 2, []byte("ping"), 4},
		{"truncated", 3, []byte("a longer payload"), 6},
		{"empty", 4, nil, 8},
		{"negative code", -1234, []byte{0, 1, 2}, 3},
		{"large", 5, bytes.Repeat([]byte{0xab}, 32*1024), 32 * 1024},
	}
	team := newTestTeam(t)
	id := newBoundPort(t, team)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, team.WritePort(id, tt.code, tt.payload))

			size, err := team.PortBufferSize(id)
			require.NoError(t, err)
			assert.Equal(t, len(tt.payload), size)

			buf := make([]byte, tt.bufSize)
			code, n, err := team.ReadPort(id, buf)
			require.NoError(t, err)
			assert.Equal(t, tt.code, code)

			want := tt.payload
			if len(want) > tt.bufSize {
				want = want[:tt.bufSize]
			}
			assert.Equal(t, len(want), n)
			assert.True(t, bytes.Equal(want, buf[:n]))
		})
	}

	info, err := team.GetPortInfo(id)
	require.NoError(t, err)
	assert.Equal(t, int32(len(tests)), info.TotalCount)
}

func TestPortCountAndOrder(t *testing.T) {
	team := newTestTeam(t)
	id := newBoundPort(t, team)

	for i := 1; i <= 3; i++ {
		require.NoError(t, team.WritePort(id, int32(i), bytes.Repeat([]byte{'x'}, i)))
	}
	count, err := team.PortCount(id)
	require.NoError(t, err)
	assert.Equal(t, int32(3), count)

	// Counting must not consume or reorder anything.
	count, err = team.PortCount(id)
	require.NoError(t, err)
	assert.Equal(t, int32(3), count)

	for i := 1; i <= 3; i++ {
		size, err := team.PortBufferSize(id)
		require.NoError(t, err)
		assert.Equal(t, i, size)

		code, n, err := team.ReadPort(id, make([]byte, 8))
		require.NoError(t, err)
		assert.Equal(t, int32(i), code)
		assert.Equal(t, i, n)

		count, err := team.PortCount(id)
		require.NoError(t, err)
		assert.Equal(t, int32(3-i), count)
	}
}

func TestReadPortTimeouts(t *testing.T) {
	team := newTestTeam(t)
	id := newBoundPort(t, team)
	buf := make([]byte, 8)

	_, _, err := team.ReadPortEtc(id, buf, Timeout, 0)
	assert.ErrorIs(t, err, ErrWouldBlock)

	start := time.Now()
	_, _, err = team.ReadPortEtc(id, buf, Timeout, 20_000)
	assert.ErrorIs(t, err, ErrTimedOut)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	_, err = team.PortBufferSizeEtc(id, Timeout, 0)
	assert.ErrorIs(t, err, ErrWouldBlock)
	_, err = team.PortBufferSizeEtc(id, Timeout, 10_000)
	assert.ErrorIs(t, err, ErrTimedOut)
}

func TestBlockingReadWakesOnWrite(t *testing.T) {
	team := newTestTeam(t)
	id := newBoundPort(t, team)

	type result struct {
		code int32
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		buf := make([]byte, 16)
		code, n, err := team.ReadPort(id, buf)
		done <- result{code, buf[:n], err}
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, team.WritePort(id, 42, []byte("late")))
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, int32(42), res.code)
	assert.Equal(t, []byte("late"), res.data)
}

func TestWriteBeforeBind(t *testing.T) {
	opts := testOptions()
	opts.PortSendRetries = 200
	team, err := NewTeam(opts)
	require.NoError(t, err)
	defer team.Close()

	id, err := team.CreatePort(4, "")
	require.NoError(t, err)

	written := make(chan error, 1)
	go func() { written <- team.WritePort(id, 5, []byte("early")) }()

	time.Sleep(5 * time.Millisecond)
	buf := make([]byte, 8)
	code, n, err := team.ReadPortEtc(id, buf, Timeout, Microseconds(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, <-written)
	assert.Equal(t, int32(5), code)
	assert.Equal(t, "early", string(buf[:n]))
}

func TestWriteToUnboundPortGivesUp(t *testing.T) {
	opts := testOptions()
	opts.PortSendRetries = 2
	team, err := NewTeam(opts)
	require.NoError(t, err)
	defer team.Close()

	id, err := team.CreatePort(4, "")
	require.NoError(t, err)
	assert.ErrorIs(t, team.WritePort(id, 1, []byte("lost")), ErrBadPortID)
	assert.ErrorIs(t, team.WritePortEtc(id, 1, nil, Timeout, 0), ErrBadPortID)
}

func TestWriteFullPortWouldBlock(t *testing.T) {
	team := newTestTeam(t)
	id := newBoundPort(t, team)

	payload := make([]byte, 1024)
	written := int32(0)
	var err error
	for written < 100000 {
		if err = team.WritePortEtc(id, 1, payload, Timeout, 0); err != nil {
			break
		}
		written++
	}
	require.ErrorIs(t, err, ErrWouldBlock)
	assert.Positive(t, written)

	count, err := team.PortCount(id)
	require.NoError(t, err)
	assert.Equal(t, written, count)

	_, _, err = team.ReadPort(id, make([]byte, 8))
	require.NoError(t, err)
	assert.NoError(t, team.WritePortEtc(id, 2, payload, Timeout, Microseconds(time.Second)))
}

func TestWriteTooLarge(t *testing.T) {
	opts := testOptions()
	opts.PortMaxMessage = 16
	team, err := NewTeam(opts)
	require.NoError(t, err)
	defer team.Close()

	id := newBoundPort(t, team)
	assert.ErrorIs(t, team.WritePort(id, 1, make([]byte, 17)), ErrBadValue)
	assert.NoError(t, team.WritePort(id, 1, make([]byte, 16)))
}

func TestClosePort(t *testing.T) {
	team := newTestTeam(t)
	id := newBoundPort(t, team)

	require.NoError(t, team.WritePort(id, 1, []byte("queued")))
	require.NoError(t, team.ClosePort(id))
	assert.ErrorIs(t, team.ClosePort(id), ErrBadPortID)
	assert.ErrorIs(t, team.WritePort(id, 2, nil), ErrBadPortID)

	// A closed port still drains.
	buf := make([]byte, 8)
	code, n, err := team.ReadPort(id, buf)
	require.NoError(t, err)
	assert.Equal(t, int32(1), code)
	assert.Equal(t, "queued", string(buf[:n]))

	_, err = team.GetPortInfo(id)
	assert.NoError(t, err)
}

func TestDeletePort(t *testing.T) {
	team := newTestTeam(t)
	id := newBoundPort(t, team)
	info, err := team.GetPortInfo(id)
	require.NoError(t, err)

	require.NoError(t, team.DeletePort(id))
	assert.ErrorIs(t, team.DeletePort(id), ErrBadPortID)
	assert.ErrorIs(t, team.WritePort(id, 1, nil), ErrBadPortID)
	_, _, err = team.ReadPort(id, nil)
	assert.ErrorIs(t, err, ErrBadPortID)
	_, err = team.PortCount(id)
	assert.ErrorIs(t, err, ErrBadPortID)
	_, err = team.GetPortInfo(id)
	assert.ErrorIs(t, err, ErrBadPortID)
	_, err = team.FindPort(info.Name)
	assert.ErrorIs(t, err, ErrNameNotFound)
}

func TestPortNameInUse(t *testing.T) {
	team := newTestTeam(t)
	first := newBoundPort(t, team)
	info, err := team.GetPortInfo(first)
	require.NoError(t, err)

	second, err := team.CreatePort(4, info.Name)
	require.NoError(t, err)
	_, err = team.PortCount(second)
	assert.ErrorIs(t, err, ErrNameInUse)

	// Deleting the owner frees the name.
	require.NoError(t, team.DeletePort(first))
	_, err = team.PortCount(second)
	assert.NoError(t, err)
}

func TestPortsBetweenTeams(t *testing.T) {
	sender := newTestTeam(t)
	receiver := newTestTeam(t)

	rx := newBoundPort(t, receiver)
	info, err := receiver.GetPortInfo(rx)
	require.NoError(t, err)

	// A second record under the same name acts as the sender's handle.
	tx, err := sender.CreatePort(4, info.Name)
	require.NoError(t, err)
	require.NoError(t, sender.WritePort(tx, 77, []byte("across")))

	buf := make([]byte, 16)
	code, n, err := receiver.ReadPort(rx, buf)
	require.NoError(t, err)
	assert.Equal(t, int32(77), code)
	assert.Equal(t, "across", string(buf[:n]))
}

func TestGetNextPortInfo(t *testing.T) {
	team := newTestTeam(t)
	want := map[PortID]bool{}
	for i := 0; i < 3; i++ {
		id, err := team.CreatePort(int32(i+1), "")
		require.NoError(t, err)
		want[id] = true
	}

	got := map[PortID]bool{}
	var cookie int32
	for {
		info, err := team.GetNextPortInfo(&cookie)
		if err != nil {
			assert.ErrorIs(t, err, ErrBadValue)
			break
		}
		got[info.Port] = true
	}
	assert.Equal(t, want, got)
}
