package serialmux

import (
	"bytes"
	"io"
	"sync"
)

// PipePort is an in-memory hub. Lines written to Feed are read by the mux;
// commands the mux sends are kept for inspection. navd uses it to drive
// the filter from the simulator, and tests use it in place of hardware.
type PipePort struct {
	r    *io.PipeReader
	feed *io.PipeWriter

	mu       sync.Mutex
	commands bytes.Buffer
	closed   bool
}

// NewPipePort returns a port with an open feed.
func NewPipePort() *PipePort {
	r, w := io.Pipe()
	return &PipePort{r: r, feed: w}
}

// Feed is the hub side of the port. Closing it makes the mux see EOF.
func (p *PipePort) Feed() io.WriteCloser { return p.feed }

func (p *PipePort) Read(b []byte) (int, error) { return p.r.Read(b) }

func (p *PipePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	return p.commands.Write(b)
}

func (p *PipePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.feed.Close()
	return p.r.Close()
}

// Commands returns everything written to the port so far.
func (p *PipePort) Commands() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.commands.String()
}
