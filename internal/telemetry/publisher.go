package telemetry

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/banshee-data/navekf/internal/ekf"
	"github.com/banshee-data/navekf/internal/monitoring"
)

// Config holds configuration for the telemetry server.
type Config struct {
	// ListenAddr is the address to listen on, e.g. "localhost:50061".
	ListenAddr string
	// MaxClients bounds concurrent StreamStatus calls.
	MaxClients int
	// ClientBuffer is the per-stream queue depth. A slow client loses
	// outputs instead of stalling the filter.
	ClientBuffer int
	// Params seeds ListParameters.
	Params map[string]float64
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:   "localhost:50061",
		MaxClients:   8,
		ClientBuffer: 16,
	}
}

// ParameterSink accepts parameter changes from another goroutine.
// *ekf.Frontend implements it.
type ParameterSink interface {
	RequestParameter(name string, v float64) error
}

var _ ParameterSink = (*ekf.Frontend)(nil)

type client struct {
	id string
	ch chan ekf.Snapshot
}

// Publisher owns the gRPC server and fans filter outputs out to
// streaming clients.
type Publisher struct {
	config Config
	sink   ParameterSink
	logf   func(format string, v ...interface{})

	server   *grpc.Server
	listener net.Listener
	health   *health.Server

	latest atomic.Pointer[ekf.Snapshot]

	clientsMu sync.RWMutex
	clients   map[string]*client
	nextID    atomic.Uint64

	paramsMu sync.Mutex
	params   map[string]float64

	published atomic.Uint64
	dropped   atomic.Uint64

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

var _ TelemetryServer = (*Publisher)(nil)

// NewPublisher creates a publisher. sink may be nil, in which case
// SetParameter fails with Unimplemented.
func NewPublisher(cfg Config, sink ParameterSink) *Publisher {
	if cfg.ClientBuffer <= 0 {
		cfg.ClientBuffer = 16
	}
	return &Publisher{
		config:  cfg,
		sink:    sink,
		logf:    monitoring.Prefixed("telemetry"),
		clients: make(map[string]*client),
		params:  maps.Clone(cfg.Params),
		stopCh:  make(chan struct{}),
	}
}

// Start binds the listener and serves in the background.
func (p *Publisher) Start() error {
	if p.running.Load() {
		return errors.New("publisher already running")
	}
	lis, err := net.Listen("tcp", p.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	p.listener = lis
	p.server = grpc.NewServer()
	RegisterTelemetryServer(p.server, p)
	p.health = health.NewServer()
	healthpb.RegisterHealthServer(p.server, p.health)
	p.health.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)

	p.running.Store(true)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.logf("listening on %s", lis.Addr())
		if err := p.server.Serve(lis); err != nil && p.running.Load() {
			p.logf("server error: %v", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Start.
func (p *Publisher) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// Stop ends every stream and shuts the server down.
func (p *Publisher) Stop() {
	if !p.running.Swap(false) {
		return
	}
	close(p.stopCh)
	p.health.Shutdown()
	p.server.GracefulStop()
	p.wg.Wait()
	p.logf("stopped after %d outputs, %d dropped", p.published.Load(), p.dropped.Load())
}

// Publish records the latest output and offers it to every stream. It
// never blocks.
func (p *Publisher) Publish(s ekf.Snapshot) {
	p.latest.Store(&s)
	p.published.Add(1)
	if p.health != nil {
		st := healthpb.HealthCheckResponse_NOT_SERVING
		if s.Healthy {
			st = healthpb.HealthCheckResponse_SERVING
		}
		p.health.SetServingStatus(serviceName, st)
	}

	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for _, c := range p.clients {
		select {
		case c.ch <- s:
		default:
			p.dropped.Add(1)
		}
	}
}

func (p *Publisher) addClient() (*client, error) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	if p.config.MaxClients > 0 && len(p.clients) >= p.config.MaxClients {
		return nil, status.Errorf(codes.ResourceExhausted, "at most %d streaming clients", p.config.MaxClients)
	}
	c := &client{
		id: fmt.Sprintf("stream-%d", p.nextID.Add(1)),
		ch: make(chan ekf.Snapshot, p.config.ClientBuffer),
	}
	p.clients[c.id] = c
	p.logf("client connected: %s (total: %d)", c.id, len(p.clients))
	return c, nil
}

func (p *Publisher) removeClient(id string) {
	p.clientsMu.Lock()
	defer p.clientsMu.Unlock()
	delete(p.clients, id)
	p.logf("client disconnected: %s (remaining: %d)", id, len(p.clients))
}

// Clients returns the number of open streams.
func (p *Publisher) Clients() int {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	return len(p.clients)
}

func (p *Publisher) GetStatus(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	s := p.latest.Load()
	if s == nil {
		return nil, status.Error(codes.Unavailable, "no filter output yet")
	}
	st, err := SnapshotStruct(*s)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func (p *Publisher) StreamStatus(req *wrapperspb.UInt32Value, stream grpc.ServerStreamingServer[structpb.Struct]) error {
	c, err := p.addClient()
	if err != nil {
		return err
	}
	defer p.removeClient(c.id)

	interval := req.GetValue()
	var lastMs uint32
	sent := false
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-p.stopCh:
			return nil
		case s := <-c.ch:
			if sent && s.TimeMs-lastMs < interval {
				continue
			}
			st, err := SnapshotStruct(s)
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.Send(st); err != nil {
				return err
			}
			lastMs, sent = s.TimeMs, true
		}
	}
}

// SetParameter expects {"name": <string>, "value": <number>}. The change
// is applied by the filter goroutine at its next step.
func (p *Publisher) SetParameter(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	if p.sink == nil {
		return nil, status.Error(codes.Unimplemented, "parameters are read-only")
	}
	name := req.GetFields()["name"].GetStringValue()
	v, ok := req.GetFields()["value"].GetKind().(*structpb.Value_NumberValue)
	if name == "" || !ok {
		return nil, status.Error(codes.InvalidArgument, `want {"name": string, "value": number}`)
	}
	if err := p.sink.RequestParameter(name, v.NumberValue); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	p.paramsMu.Lock()
	if p.params == nil {
		p.params = make(map[string]float64)
	}
	p.params[name] = v.NumberValue
	p.paramsMu.Unlock()
	p.logf("parameter %s set to %g", name, v.NumberValue)
	return &emptypb.Empty{}, nil
}

func (p *Publisher) ListParameters(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	p.paramsMu.Lock()
	defer p.paramsMu.Unlock()
	m := make(map[string]any, len(p.params))
	for k, v := range p.params {
		m[k] = v
	}
	return structpb.NewStruct(m)
}

// Wait blocks until ctx ends, then stops the publisher.
func (p *Publisher) Wait(ctx context.Context) {
	<-ctx.Done()
	p.Stop()
}

// statsInterval spaces the periodic log in LogStats.
const statsInterval = 30 * time.Second

// LogStats logs publish counts until ctx ends.
func (p *Publisher) LogStats(ctx context.Context) {
	t := time.NewTicker(statsInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			p.logf("outputs=%d dropped=%d clients=%d", p.published.Load(), p.dropped.Load(), p.Clients())
		}
	}
}
