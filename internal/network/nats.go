package network

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// natsConn abstracts *nats.Conn for testing.
type natsConn interface {
	IsConnected() bool
	Close()
}

// natsConnectFunc is injectable for testing.
type natsConnectFunc func(url string, opts ...nats.Option) (natsConn, error)

var defaultNatsConnect natsConnectFunc = func(url string, opts ...nats.Option) (natsConn, error) {
	return nats.Connect(url, opts...)
}

// NATSSignal treats the state of a NATS connection to the backend as the
// backend's pushed "connected" indicator.
type NATSSignal struct {
	url         string
	sink        func(connected bool)
	logger      *slog.Logger
	natsConnect natsConnectFunc
	reconnect   time.Duration
}

var _ Signal = (*NATSSignal)(nil)

func NewNATSSignal(url string, sink func(bool), logger *slog.Logger) *NATSSignal {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSSignal{
		url:         url,
		sink:        sink,
		logger:      logger.With("component", "nats-signal"),
		natsConnect: defaultNatsConnect,
		reconnect:   2 * time.Second,
	}
}

func (s *NATSSignal) options(ctx context.Context) []nats.Option {
	return []nats.Option{
		nats.Name("medsync"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(s.reconnect),
		nats.RetryOnFailedConnect(true),
		nats.ConnectHandler(func(*nats.Conn) {
			s.logger.Info("Connected to NATS", "url", s.url)
			s.sink(true)
		}),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if ctx.Err() != nil {
				return
			}
			s.logger.Warn("Disconnected from NATS", "url", s.url, "error", err)
			s.sink(false)
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			s.logger.Info("Reconnected to NATS", "url", s.url)
			s.sink(true)
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			if ctx.Err() != nil {
				return
			}
			s.sink(false)
		}),
	}
}

func (s *NATSSignal) Run(ctx context.Context) error {
	nc, err := s.natsConnect(s.url, s.options(ctx)...)
	if err != nil {
		s.sink(false)
		return fmt.Errorf("failed to connect to NATS at %s: %w", s.url, err)
	}
	defer nc.Close()

	if nc.IsConnected() {
		s.sink(true)
	} else {
		s.sink(false)
	}

	<-ctx.Done()
	return nil
}
