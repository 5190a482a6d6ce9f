package sensorlink

import (
	"context"

	"github.com/banshee-data/navekf/internal/monitoring"
	"github.com/banshee-data/navekf/internal/serialmux"
)

// FromSerial subscribes to mux and feeds its lines to p until the mux
// closes the subscription or ctx ends. Monitor must run separately.
func FromSerial(ctx context.Context, mux serialmux.SerialMuxInterface, p *Producer) error {
	id, lines := mux.Subscribe()
	defer mux.Unsubscribe(id)
	limit := monitoring.NewLimiter(5000, monitoring.Prefixed("sensorlink"))
	var n uint32
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			n++
			if err := p.PushLine(line); err != nil {
				// Line count stands in for time; the hub clock is in the line.
				limit.Logf(n, "parse", "%s: %v", p.Name, err)
			}
		}
	}
}
