package serialmux

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/trialrig/internal/monitoring"
	"github.com/banshee-data/trialrig/internal/protocol"
	"github.com/banshee-data/trialrig/internal/timeutil"
)

func init() {
	monitoring.SetLogger(nil)
}

var epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLink(t *testing.T) (*Link, *TestableSerialPort, *timeutil.MockClock) {
	t.Helper()
	port := NewTestableSerialPort()
	clock := timeutil.NewMockClock(epoch)
	link := NewLink(port, LinkConfig{LineTimeout: 50 * time.Millisecond, PollTimeout: time.Millisecond}, clock)
	return link, port, clock
}

func TestLink_ReadLine(t *testing.T) {
	link, port, _ := newTestLink(t)
	port.AddReadData([]byte("1,2,3\r\n4,5\n"))

	assert.Equal(t, "1,2,3", link.ReadLine())
	assert.Equal(t, "4,5", link.ReadLine())
}

func TestLink_ReadLineTimeoutDiscardsPartial(t *testing.T) {
	link, port, _ := newTestLink(t)

	assert.Equal(t, "", link.ReadLine(), "no data")

	port.AddReadData([]byte("4,1,"))
	assert.Equal(t, "", link.ReadLine(), "partial line")

	port.AddReadData([]byte("2,ok\r\n"))
	assert.Equal(t, "2,ok", link.ReadLine(), "partial bytes must not prefix the next line")
	assert.EqualValues(t, 2, link.Stats().Snapshot().EmptyReads)
}

func TestLink_ReadLineError(t *testing.T) {
	link, port, _ := newTestLink(t)
	port.ReadError = errors.New("device unplugged")
	assert.Equal(t, "", link.ReadLine())
}

func TestLink_ReadExactlyKeepsSurplus(t *testing.T) {
	link, port, clock := newTestLink(t)
	block := []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}
	port.AddReadData(append(append([]byte{}, block...), "5\r\n"...))

	got, err := link.ReadExactly(10)
	require.NoError(t, err)
	assert.Equal(t, block, got)
	assert.Equal(t, "5", link.ReadLine())
	assert.Empty(t, clock.Sleeps())
}

func TestLink_ReadExactlyAfterLineOverRead(t *testing.T) {
	link, port, _ := newTestLink(t)
	port.AddReadData([]byte("6,1,4\r\n\x01\x00\x02\x00"))

	require.Equal(t, "6,1,4", link.ReadLine())
	got, err := link.ReadExactly(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 0, 2, 0}, got)
}

func TestLink_ReadExactlyShortReadFlushes(t *testing.T) {
	link, port, clock := newTestLink(t)
	port.AddReadData([]byte{1, 2, 3})

	_, err := link.ReadExactly(10)
	require.ErrorIs(t, err, ErrShortRead)

	assert.Equal(t, 1, port.Resets())
	assert.Equal(t, 0, port.Unread())
	assert.EqualValues(t, 1, link.Stats().Snapshot().ShortReads)

	ms := time.Millisecond
	want := []time.Duration{10 * ms, 20 * ms, 50 * ms, 100 * ms, 170 * ms, 260 * ms, 370 * ms, 500 * ms}
	if diff := cmp.Diff(clock.Sleeps(), want); diff != "" {
		t.Errorf("backoff sleeps (-got +want):\n%s", diff)
	}

	// The flushed partial packet must not leak into the next read.
	port.AddReadData([]byte("2\r\n"))
	assert.Equal(t, "2", link.ReadLine())
}

func TestLink_ReadExactlyLateBytes(t *testing.T) {
	port := NewTestableSerialPort()
	clock := timeutil.NewMockClock(epoch)
	link := NewLink(port, LinkConfig{PollTimeout: time.Millisecond, ReadAttempts: 1000}, clock)
	port.AddReadData([]byte{1, 2})

	// Deliver the rest after the first poll has come up short.
	go func() {
		for len(clock.Sleeps()) == 0 {
			time.Sleep(time.Millisecond)
		}
		port.AddReadData([]byte{3, 4})
	}()

	got, err := link.ReadExactly(4)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, got)
}

func TestLinkConfig_Backoff(t *testing.T) {
	cfg := LinkConfig{BackoffAttempts: 3}
	ms := time.Millisecond
	for attempt, want := range []time.Duration{10 * ms, 20 * ms, 50 * ms, 10 * ms, 10 * ms} {
		assert.Equal(t, want, cfg.Backoff(attempt), "attempt %d", attempt)
	}
}

func TestLink_Write(t *testing.T) {
	link, port, _ := newTestLink(t)

	require.NoError(t, link.Write([]byte{'W'}))
	assert.Equal(t, []byte{'W'}, port.GetWrittenData())

	port.WriteError = errors.New("io")
	assert.ErrorIs(t, link.Write([]byte{'X'}), ErrWriteFailed)

	port.ShortWrite = true
	assert.ErrorIs(t, link.Write([]byte{'Y', 'Z'}), ErrWriteFailed)
}

func TestLink_DecodeStreamEndToEnd(t *testing.T) {
	link, port, _ := newTestLink(t)

	var payload bytes.Buffer
	binary.Write(&payload, binary.LittleEndian, []int16{100, -50})
	binary.Write(&payload, binary.LittleEndian, []uint16{1, 2, 3})
	port.AddReadData(append([]byte("6,2,4,6\r\n"), payload.Bytes()...))

	def := protocol.Definition{Channels: []protocol.StreamChannelSpec{
		{Name: "channel1", Index: 1, DeviceType: protocol.DeviceInt16, StorageType: protocol.StorageInt16Array},
		{Name: "channel2", Index: 2, DeviceType: protocol.DeviceUint16, StorageType: protocol.StorageInt32Array},
	}}
	frame, err := protocol.DecodeLine(link.ReadLine(), def, link)
	require.NoError(t, err)
	require.Equal(t, protocol.KindStream, frame.Kind)

	want := map[string]any{
		"channel1": []int16{100, -50},
		"channel2": []int32{1, 2, 3},
	}
	if diff := cmp.Diff(frame.Values, want); diff != "" {
		t.Errorf("values (-got +want):\n%s", diff)
	}
	assert.Equal(t, 0, port.Unread())
}
