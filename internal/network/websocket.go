package network

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10
)

// WebSocketSignal holds a websocket open to the backend's realtime endpoint.
// The connection being up, with pongs arriving, is the connected indicator.
type WebSocketSignal struct {
	url         string
	header      http.Header
	dialer      *websocket.Dialer
	sink        func(connected bool)
	redialDelay time.Duration
	pongWait    time.Duration
	pingPeriod  time.Duration
	logger      *slog.Logger
}

var _ Signal = (*WebSocketSignal)(nil)

func NewWebSocketSignal(url string, header http.Header, redialDelay time.Duration, sink func(bool), logger *slog.Logger) *WebSocketSignal {
	if redialDelay <= 0 {
		redialDelay = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocketSignal{
		url:         url,
		header:      header,
		dialer:      websocket.DefaultDialer,
		sink:        sink,
		redialDelay: redialDelay,
		pongWait:    pongWait,
		pingPeriod:  pingPeriod,
		logger:      logger.With("component", "websocket-signal"),
	}
}

func (s *WebSocketSignal) Run(ctx context.Context) error {
	connected := false
	report := func(v bool) {
		if v != connected {
			connected = v
			s.sink(v)
		}
	}
	first := true

	for {
		conn, _, err := s.dialer.DialContext(ctx, s.url, s.header)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Debug("Realtime dial failed", "url", s.url, "error", err)
			if first {
				s.sink(false)
			}
			report(false)
		} else {
			report(true)
			s.session(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Realtime connection lost", "url", s.url)
			report(false)
		}
		first = false

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.redialDelay):
		}
	}
}

// session keeps conn alive with pings until it fails or ctx is done.
func (s *WebSocketSignal) session(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()

	readErr := make(chan error, 1)
	conn.SetReadDeadline(time.Now().Add(s.pongWait))
	conn.SetPongHandler(func(string) error { conn.SetReadDeadline(time.Now().Add(s.pongWait)); return nil })
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				readErr <- err
				return
			}
		}
	}()

	ticker := time.NewTicker(s.pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case err := <-readErr:
			s.logger.Debug("Realtime read failed", "error", err)
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}
