package serialmux

import (
	"errors"
	"testing"
	"time"

	"github.com/creack/pty"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenLink_MockFactory(t *testing.T) {
	port := NewTestableSerialPort()
	port.AddReadData([]byte("stale boot banner\r\n"))
	factory := NewMockSerialPortFactory(port)

	link, err := OpenLink(factory, "/dev/ttyACM0", PortOptions{BaudRate: 57600}, LinkConfig{}, nil)
	require.NoError(t, err)
	require.NotNil(t, link)

	call := factory.LastCall()
	require.NotNil(t, call)
	assert.Equal(t, "/dev/ttyACM0", call.Path)
	assert.Equal(t, 57600, call.Opts.BaudRate)
	assert.Equal(t, 1, port.Resets(), "input should be flushed on open")
	assert.Equal(t, 0, port.Unread())
	assert.Equal(t, DefaultReadAttempts, link.Config().ReadAttempts)
	assert.Equal(t, DefaultNoLossThreshold, link.Config().NoLossThreshold)
}

func TestOpenLink_SetupError(t *testing.T) {
	factory := NewMockSerialPortFactory(nil)
	factory.Error = errors.New("no such device")

	_, err := OpenLink(factory, "/dev/missing", PortOptions{}, LinkConfig{}, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPortSetup)
	assert.ErrorIs(t, err, factory.Error)
	assert.Contains(t, err.Error(), "/dev/missing")
}

func TestRealPortFactory_InvalidOptions(t *testing.T) {
	_, err := OpenLink(RealPortFactory{}, "/dev/null", PortOptions{DataBits: 12}, LinkConfig{}, nil)
	assert.ErrorIs(t, err, ErrPortSetup)
}

func TestRealPortFactory_Pty(t *testing.T) {
	master, slave, err := pty.Open()
	if err != nil {
		t.Skipf("pty unavailable: %v", err)
	}
	defer master.Close()
	defer slave.Close()

	link, err := OpenLink(RealPortFactory{}, slave.Name(), PortOptions{}, LinkConfig{LineTimeout: 2 * time.Second}, nil)
	if err != nil {
		t.Skipf("serial open on pty not supported here: %v", err)
	}
	defer link.Close()

	_, err = master.Write([]byte("2,ok\r\n"))
	require.NoError(t, err)
	assert.Equal(t, "2,ok", link.ReadLine())

	require.NoError(t, link.Write([]byte{'W'}))
	buf := make([]byte, 1)
	_, err = master.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, byte('W'), buf[0])
}
