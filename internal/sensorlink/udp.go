package sensorlink

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/banshee-data/navekf/internal/monitoring"
)

// maxDatagram bounds one UDP payload of batched lines.
const maxDatagram = 8192

// UDPListenerConfig configures a UDPListener.
type UDPListenerConfig struct {
	Address     string
	RcvBuf      int
	LogInterval time.Duration
	Producer    *Producer
}

// UDPListener receives datagrams of newline-separated sensor lines, as
// sent by companion computers for external navigation and odometry.
type UDPListener struct {
	address     string
	rcvBuf      int
	logInterval time.Duration
	producer    *Producer
	logf        func(format string, v ...interface{})

	mu   sync.Mutex
	conn *net.UDPConn
}

// NewUDPListener applies defaults to config.
func NewUDPListener(config UDPListenerConfig) *UDPListener {
	logInterval := config.LogInterval
	if logInterval == 0 {
		logInterval = time.Minute
	}
	rcvBuf := config.RcvBuf
	if rcvBuf == 0 {
		rcvBuf = 1 << 20
	}
	return &UDPListener{
		address:     config.Address,
		rcvBuf:      rcvBuf,
		logInterval: logInterval,
		producer:    config.Producer,
		logf:        monitoring.Prefixed("sensorlink udp"),
	}
}

// Addr returns the bound address once Start is listening.
func (l *UDPListener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}

// Start listens until ctx ends.
func (l *UDPListener) Start(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", l.address)
	if err != nil {
		return fmt.Errorf("failed to resolve UDP address: %w", err)
	}
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on UDP address: %w", err)
	}
	l.mu.Lock()
	l.conn = conn
	l.mu.Unlock()
	defer conn.Close()

	if err := conn.SetReadBuffer(l.rcvBuf); err != nil {
		l.logf("Warning: failed to set receive buffer to %d: %v", l.rcvBuf, err)
	}
	l.logf("listening on %s", conn.LocalAddr())

	go l.logStats(ctx)

	buffer := make([]byte, maxDatagram)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		// The deadline lets the loop notice cancellation.
		conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buffer)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.logf("read error: %v", err)
			continue
		}
		if err := l.HandleDatagram(buffer[:n]); err != nil {
			l.logf("datagram from %v: %v", from, err)
		}
	}
}

// HandleDatagram queues every line in payload and returns the first parse
// error. Later lines are still queued.
func (l *UDPListener) HandleDatagram(payload []byte) error {
	var first error
	for line := range strings.Lines(string(payload)) {
		if err := l.producer.PushLine(strings.TrimRight(line, "\r\n")); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (l *UDPListener) logStats(ctx context.Context) {
	ticker := time.NewTicker(l.logInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.producer.LogStats()
		}
	}
}

// Close stops a running listener.
func (l *UDPListener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return l.conn.Close()
	}
	return nil
}
