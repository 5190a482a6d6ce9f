package telemetry

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/spatial/r3"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/navekf/internal/ekf"
)

type fakeSink struct {
	mu  sync.Mutex
	got map[string]float64
}

func (f *fakeSink) RequestParameter(name string, v float64) error {
	if name == "bogus" {
		return errors.New("ekf: unknown parameter \"bogus\"")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.got == nil {
		f.got = map[string]float64{}
	}
	f.got[name] = v
	return nil
}

func (f *fakeSink) values() map[string]float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.got
}

func startPublisher(t *testing.T, sink ParameterSink, maxClients int) (*Publisher, *Client) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	cfg.MaxClients = maxClients
	cfg.Params = map[string]float64{"err_thresh": 0.2}
	p := NewPublisher(cfg, sink)
	require.NoError(t, p.Start())
	t.Cleanup(p.Stop)

	c, err := Dial(p.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return p, c
}

func snapshotAt(ms uint32) ekf.Snapshot {
	return ekf.Snapshot{
		TimeMs:   ms,
		Primary:  1,
		Healthy:  true,
		AidMode:  ekf.AidAbsolute,
		Position: r3.Vec{X: 1, Y: 2, Z: -3},
		Velocity: r3.Vec{X: 0.5},
		Lanes:    []ekf.LaneSnapshot{{Index: 0}, {Index: 1, Healthy: true}},
	}
}

func TestGetStatus(t *testing.T) {
	t.Parallel()
	p, c := startPublisher(t, nil, 0)
	ctx := context.Background()

	_, err := c.Status(ctx)
	assert.Equal(t, codes.Unavailable, status.Code(err))

	p.Publish(snapshotAt(1500))
	st, err := c.Status(ctx)
	require.NoError(t, err)
	got := ParseStatus(st)
	assert.Equal(t, Status{
		TimeMs:   1500,
		Primary:  1,
		Healthy:  true,
		AidMode:  "absolute",
		Position: r3.Vec{X: 1, Y: 2, Z: -3},
		Velocity: r3.Vec{X: 0.5},
	}, got)
	assert.Len(t, st.Fields["lanes"].GetListValue().GetValues(), 2)
	_, hasLoc := st.Fields["location"]
	assert.False(t, hasLoc)
}

func TestSetParameter(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	_, c := startPublisher(t, sink, 0)
	ctx := context.Background()

	require.NoError(t, c.SetParameter(ctx, "gps_check", 0))
	assert.Equal(t, map[string]float64{"gps_check": 0}, sink.values())

	err := c.SetParameter(ctx, "bogus", 1)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))

	params, err := c.Parameters(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"err_thresh": 0.2, "gps_check": 0}, params)
}

func TestSetParameterReadOnly(t *testing.T) {
	t.Parallel()
	_, c := startPublisher(t, nil, 0)
	err := c.SetParameter(context.Background(), "gps_check", 0)
	assert.Equal(t, codes.Unimplemented, status.Code(err))
}

func TestSetParameterMalformed(t *testing.T) {
	t.Parallel()
	p := NewPublisher(DefaultConfig(), &fakeSink{})
	req, err := structpb.NewStruct(map[string]any{"name": "gps_check", "value": "zero"})
	require.NoError(t, err)
	_, err = p.SetParameter(context.Background(), req)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

func TestStreamStatus(t *testing.T) {
	t.Parallel()
	p, c := startPublisher(t, nil, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		mu    sync.Mutex
		times []uint32
	)
	done := make(chan error, 1)
	go func() {
		done <- c.Stream(ctx, 20, func(st *structpb.Struct) error {
			mu.Lock()
			defer mu.Unlock()
			if len(times) == 3 {
				return nil
			}
			times = append(times, ParseStatus(st).TimeMs)
			if len(times) == 3 {
				cancel()
			}
			return nil
		})
	}()

	require.Eventually(t, func() bool { return p.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)
	for ms := uint32(0); ms <= 60; ms += 10 {
		p.Publish(snapshotAt(ms))
	}

	select {
	case err := <-done:
		assert.Equal(t, codes.Canceled, status.Code(err))
	case <-time.After(5 * time.Second):
		t.Fatal("stream did not finish")
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []uint32{0, 20, 40}, times)
	require.Eventually(t, func() bool { return p.Clients() == 0 }, 5*time.Second, 5*time.Millisecond)
}

func TestStreamClientLimit(t *testing.T) {
	t.Parallel()
	p, c := startPublisher(t, nil, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go c.Stream(ctx, 0, func(*structpb.Struct) error { return nil })
	require.Eventually(t, func() bool { return p.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)

	err := c.Stream(context.Background(), 0, func(*structpb.Struct) error { return nil })
	assert.Equal(t, codes.ResourceExhausted, status.Code(err))
}

func TestStopEndsStreams(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	p := NewPublisher(cfg, nil)
	require.NoError(t, p.Start())
	c, err := Dial(p.Addr().String())
	require.NoError(t, err)
	defer c.Close()

	done := make(chan error, 1)
	go func() { done <- c.Stream(context.Background(), 0, func(*structpb.Struct) error { return nil }) }()
	require.Eventually(t, func() bool { return p.Clients() == 1 }, 5*time.Second, 5*time.Millisecond)

	p.Stop()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("stream outlived the server")
	}
	p.Stop()
}

func TestHealthFollowsFilter(t *testing.T) {
	t.Parallel()
	p, c := startPublisher(t, nil, 0)
	ctx := context.Background()
	hc := healthpb.NewHealthClient(c.Conn())
	req := &healthpb.HealthCheckRequest{Service: serviceName}

	resp, err := hc.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)

	p.Publish(snapshotAt(10))
	resp, err = hc.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.Status)

	unhealthy := snapshotAt(20)
	unhealthy.Healthy = false
	p.Publish(unhealthy)
	resp, err = hc.Check(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_NOT_SERVING, resp.Status)
}
