package network

import (
	"context"
	"log/slog"
	"net"
	"time"
)

// Signal is a long-running connectivity source. Run blocks until ctx is done.
type Signal interface {
	Run(ctx context.Context) error
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Prober reports transport reachability by opening a TCP connection to a fixed
// address on an interval. The sink only hears about changes.
type Prober struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	sink     func(online bool)
	dial     dialFunc
	logger   *slog.Logger
}

var _ Signal = (*Prober)(nil)

func NewProber(addr string, interval, timeout time.Duration, sink func(bool), logger *slog.Logger) *Prober {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{}
	return &Prober{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		sink:     sink,
		dial:     d.DialContext,
		logger:   logger.With("component", "network-probe"),
	}
}

// Probe performs one reachability check.
func (p *Prober) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	conn, err := p.dial(ctx, "tcp", p.addr)
	if err != nil {
		p.logger.Debug("Probe failed", "addr", p.addr, "error", err)
		return false
	}
	conn.Close()
	return true
}

func (p *Prober) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	last := p.Probe(ctx)
	p.sink(last)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ok := p.Probe(ctx); ok != last && ctx.Err() == nil {
				last = ok
				p.sink(ok)
			}
		}
	}
}
