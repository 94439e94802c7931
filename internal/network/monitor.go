package network

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/medislot/medsync/internal/remote/types"
)

// Pinger checks whether the backend answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// MonitorOptions configures a Monitor.
type MonitorOptions struct {
	// RetryDelay is the pause between disabling and re-enabling the network
	// during RetryConnection.
	RetryDelay time.Duration
	Pinger     Pinger
	Logger     *slog.Logger
	Now        func() time.Time
}

// Monitor owns the authoritative Status. Its state is in memory only.
type Monitor struct {
	controller types.NetworkController
	pinger     Pinger
	retryDelay time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu           sync.Mutex
	status       Status
	lastOnlineAt time.Time
	// backendDown is set while the backend reports disconnected; transport
	// "online" events are not trusted during that time.
	backendDown bool
	// forced pins the status set by ForceOffline until a manual action
	// clears it.
	forced   bool
	retrying bool

	lmu       sync.Mutex
	listeners map[int]func(Transition)
	nextLID   int
}

func NewMonitor(controller types.NetworkController, opts MonitorOptions) *Monitor {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		controller: controller,
		pinger:     opts.Pinger,
		retryDelay: opts.RetryDelay,
		now:        opts.Now,
		logger:     opts.Logger.With("component", "network-monitor"),
		status:     StatusUnknown,
		listeners:  make(map[int]func(Transition)),
	}
}

// Start derives the initial status from a ping of the backend.
func (m *Monitor) Start(ctx context.Context) Status {
	online := m.controller == nil || m.controller.NetworkEnabled()
	if online && m.pinger != nil {
		if err := m.pinger.Ping(ctx); err != nil {
			m.logger.Info("Initial connectivity check failed", "error", err)
			online = false
		}
	}
	if online {
		m.set(StatusOnline, "initial check", false)
	} else {
		m.set(StatusOffline, "initial check", false)
	}
	return m.Status()
}

func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

func (m *Monitor) IsOnline() bool {
	return m.Status() == StatusOnline
}

// LastOnlineAt is the last time the status became or was confirmed Online.
func (m *Monitor) LastOnlineAt() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastOnlineAt
}

// HandleTransport feeds an OS-level online/offline signal.
func (m *Monitor) HandleTransport(online bool) {
	if !online {
		m.set(StatusOffline, "transport offline", false)
		return
	}
	m.mu.Lock()
	held := m.backendDown
	m.mu.Unlock()
	if held {
		m.logger.Debug("Ignoring transport online while backend reports disconnected")
		return
	}
	m.set(StatusOnline, "transport online", false)
}

// HandleBackendConnected feeds the backend's pushed connected indicator.
func (m *Monitor) HandleBackendConnected(connected bool) {
	m.mu.Lock()
	m.backendDown = !connected
	m.mu.Unlock()
	if connected {
		m.set(StatusOnline, "backend connected", false)
	} else {
		m.set(StatusOffline, "backend disconnected", false)
	}
}

// RetryConnection cycles the remote connection. It returns false at once if
// a retry is already running, and otherwise reports whether the backend
// answered.
func (m *Monitor) RetryConnection(ctx context.Context) bool {
	m.mu.Lock()
	if m.status == StatusReconnecting || m.retrying {
		m.mu.Unlock()
		return false
	}
	m.retrying = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.retrying = false
		m.mu.Unlock()
	}()
	m.set(StatusReconnecting, "retry", true)

	ok := m.cycle(ctx)
	if ok {
		m.mu.Lock()
		m.backendDown = false
		m.mu.Unlock()
		m.set(StatusOnline, "retry succeeded", true)
	} else {
		m.set(StatusOffline, "retry failed", true)
	}
	return ok
}

func (m *Monitor) cycle(ctx context.Context) bool {
	if m.controller == nil {
		return m.ping(ctx)
	}
	if err := m.controller.DisableNetwork(ctx); err != nil {
		m.logger.Warn("Failed to disable network", "error", err)
	}

	timer := time.NewTimer(m.retryDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
	}

	if err := m.controller.EnableNetwork(ctx); err != nil {
		m.logger.Info("Reconnect attempt failed", "error", err)
		return false
	}
	return true
}

func (m *Monitor) ping(ctx context.Context) bool {
	if m.pinger == nil {
		return true
	}
	return m.pinger.Ping(ctx) == nil
}

// ForceOffline disables the remote connection and pins the status to
// Offline until ForceOnline or RetryConnection.
func (m *Monitor) ForceOffline(ctx context.Context) error {
	var err error
	if m.controller != nil {
		err = m.controller.DisableNetwork(ctx)
	}
	m.mu.Lock()
	m.forced = true
	m.mu.Unlock()
	m.set(StatusOffline, "forced offline", true)
	return err
}

// ForceOnline enables the remote connection and sets the status to Online.
// The status is Online even when the returned error reports that the
// backend did not answer.
func (m *Monitor) ForceOnline(ctx context.Context) error {
	var err error
	if m.controller != nil {
		err = m.controller.EnableNetwork(ctx)
	}
	m.mu.Lock()
	m.backendDown = false
	m.mu.Unlock()
	m.set(StatusOnline, "forced online", true)
	return err
}

// Subscribe registers fn for status transitions. fn is called synchronously
// on the goroutine that caused the change and must not block.
func (m *Monitor) Subscribe(fn func(Transition)) (cancel func()) {
	m.lmu.Lock()
	id := m.nextLID
	m.nextLID++
	m.listeners[id] = fn
	m.lmu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.lmu.Lock()
			delete(m.listeners, id)
			m.lmu.Unlock()
		})
	}
}

// set applies a status change. Signals are ignored while the status is
// pinned by ForceOffline; manual actions clear the pin.
func (m *Monitor) set(to Status, reason string, manual bool) {
	m.mu.Lock()
	if m.forced && !manual {
		m.mu.Unlock()
		return
	}
	if manual && to != StatusOffline {
		m.forced = false
	}
	from := m.status
	at := m.now()
	if to == StatusOnline {
		m.lastOnlineAt = at
	}
	m.status = to
	m.mu.Unlock()

	if from == to {
		return
	}
	m.logger.Info("Network status changed", "from", from, "to", to, "reason", reason)

	tr := Transition{From: from, To: to, At: at, Reason: reason}
	m.lmu.Lock()
	fns := make([]func(Transition), 0, len(m.listeners))
	for _, fn := range m.listeners {
		fns = append(fns, fn)
	}
	m.lmu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("Status listener panicked", "panic", r)
				}
			}()
			fn(tr)
		}()
	}
}
