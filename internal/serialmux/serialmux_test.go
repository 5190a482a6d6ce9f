package serialmux

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"
)

func TestMonitorFansOutLines(t *testing.T) {
	t.Parallel()
	port := NewPipePort()
	mux := NewSerialMux(port)
	_, a := mux.Subscribe()
	_, b := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()

	_, err := io.WriteString(port.Feed(), "IMU,0,1,0,0,0,0.001,0,0,-0.00981,0.001\nBARO,0,2,584.1\n")
	require.NoError(t, err)
	require.NoError(t, port.Feed().Close())

	require.NoError(t, <-done)
	for _, ch := range []chan string{a, b} {
		assert.Equal(t, "IMU,0,1,0,0,0,0.001,0,0,-0.00981,0.001", <-ch)
		assert.Equal(t, "BARO,0,2,584.1", <-ch)
	}
}

func TestMonitorStopsOnCancel(t *testing.T) {
	t.Parallel()
	mux := NewSerialMux(NewPipePort())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- mux.Monitor(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop")
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()
	port := NewPipePort()
	mux := NewSerialMux(port)
	mux.BufferLines = 1
	_, ch := mux.Subscribe()

	done := make(chan error, 1)
	go func() { done <- mux.Monitor(context.Background()) }()
	_, err := io.WriteString(port.Feed(), "A,1\nA,2\nA,3\n")
	require.NoError(t, err)
	require.NoError(t, port.Feed().Close())
	require.NoError(t, <-done)

	assert.Equal(t, "A,1", <-ch)
	assert.Empty(t, ch)
}

func TestInitializeSendsRates(t *testing.T) {
	t.Parallel()
	port := NewPipePort()
	mux := NewSerialMux(port)
	mux.Rates.GPS = 10
	require.NoError(t, mux.Initialize())

	cmds := strings.Split(strings.TrimSpace(port.Commands()), "\n")
	require.NotEmpty(t, cmds)
	assert.True(t, strings.HasPrefix(cmds[0], "$SYNC,"))
	assert.Contains(t, cmds, "$RATE,IMU,1000")
	assert.Contains(t, cmds, "$RATE,GPS,10")
	assert.Equal(t, "$START", cmds[len(cmds)-1])
}

func TestCloseUnsubscribesAndFailsWrites(t *testing.T) {
	t.Parallel()
	port := NewPipePort()
	mux := NewSerialMux(port)
	_, ch := mux.Subscribe()
	require.NoError(t, mux.Close())
	_, ok := <-ch
	assert.False(t, ok)
	assert.Error(t, mux.SendCommand("$START"))
}

func TestClassifyLine(t *testing.T) {
	t.Parallel()
	cases := map[string]LineKind{
		"IMU,0,1":   LineSensor,
		"$OK,START": LineReply,
		"# boot":    LineComment,
		"":          LineUnknown,
		"imu,0,1":   LineUnknown,
		"garbage":   LineUnknown,
	}
	for line, want := range cases {
		assert.Equal(t, want, ClassifyLine(line), line)
	}
}

func TestPortOptions(t *testing.T) {
	t.Parallel()
	t.Run("defaults", func(t *testing.T) {
		opts, err := PortOptions{}.Normalize()
		require.NoError(t, err)
		assert.Equal(t, PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}, opts)
	})
	t.Run("mode", func(t *testing.T) {
		mode, err := PortOptions{BaudRate: 115200, StopBits: 2, Parity: "even"}.SerialMode()
		require.NoError(t, err)
		assert.Equal(t, 115200, mode.BaudRate)
		assert.Equal(t, serial.TwoStopBits, mode.StopBits)
		assert.Equal(t, serial.EvenParity, mode.Parity)
	})
	t.Run("invalid", func(t *testing.T) {
		for _, o := range []PortOptions{{DataBits: 9}, {StopBits: 3}, {Parity: "mark"}} {
			_, err := o.Normalize()
			assert.Error(t, err)
		}
	})
}

func TestAdminSendCommand(t *testing.T) {
	t.Parallel()
	port := NewPipePort()
	mux := NewSerialMux(port)
	routes := http.NewServeMux()
	mux.AttachAdminRoutes(routes)

	req := httptest.NewRequest("POST", "/debug/send-command-api", strings.NewReader("command=$RATE,GPS,5"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	routes.ServeHTTP(rec, req)
	assert.Equal(t, 200, rec.Code, rec.Body.String())
	assert.Equal(t, "$RATE,GPS,5\n", port.Commands())
}

func TestDisabledSerialMux(t *testing.T) {
	t.Parallel()
	d := NewDisabledSerialMux()
	_, ch := d.Subscribe()
	require.NoError(t, d.Initialize())
	require.NoError(t, d.Close())
	_, ok := <-ch
	assert.False(t, ok)
	_, late := d.Subscribe()
	_, ok = <-late
	assert.False(t, ok)
}
