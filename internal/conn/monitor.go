package conn

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"parking-kiosk/internal/apiclient"
	"parking-kiosk/internal/auth"
	"parking-kiosk/config"
)

// State is the monitor's view of backend reachability.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Event announces a state transition on the monitor's event channel.
type Event struct {
	State    State
	Previous State
	At       time.Time
}

// Monitor tracks backend reachability with periodic health probes.
// While connected it probes on a fixed interval and only declares the
// link down after several consecutive failures, so one dropped packet
// does not flip the kiosk offline. While disconnected it retries with
// exponential backoff and jitter.
type Monitor struct {
	client *apiclient.Client
	auth   *auth.State
	cfg    config.MonitorConfig
	log    zerolog.Logger

	mu       sync.Mutex
	state    State
	failures int
	attempts int

	events chan Event
	wake   chan struct{}
	rng    *rand.Rand
	lotID  int64
}

// New creates a connectivity monitor. Call Run to start probing.
func New(client *apiclient.Client, authState *auth.State, cfg config.MonitorConfig, lotID int64, logger zerolog.Logger) *Monitor {
	return &Monitor{
		client: client,
		auth:   authState,
		cfg:    cfg,
		lotID:  lotID,
		log:    logger.With().Str("component", "conn").Logger(),
		state:  Disconnected,
		events: make(chan Event, 16),
		wake:   make(chan struct{}, 1),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// State returns the current connectivity state.
func (m *Monitor) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Events returns the channel of state transitions. Consumers that fall
// behind lose events rather than blocking the monitor.
func (m *Monitor) Events() <-chan Event {
	return m.events
}

// ForceReconnect cuts short the current backoff delay and triggers an
// immediate probe.
func (m *Monitor) ForceReconnect() {
	m.mu.Lock()
	m.attempts = 0
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// ForceTokenRefresh discards the cached access token and wakes the
// monitor so the next probe runs with fresh credentials.
func (m *Monitor) ForceTokenRefresh() {
	m.auth.Invalidate()
	m.ForceReconnect()
}

// Run drives the probe loop until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	m.log.Info().Msg("connectivity monitor started")
	for {
		var delay time.Duration
		switch m.State() {
		case Connected:
			delay = m.cfg.HealthInterval
		default:
			delay = m.retryDelay()
		}

		if !m.sleep(ctx, delay) {
			m.log.Info().Msg("connectivity monitor stopped")
			return
		}

		// a probe racing a token refresh would misread a slow login as
		// lost connectivity
		if m.auth.Refreshing() {
			continue
		}

		m.probe(ctx)
	}
}

func (m *Monitor) probe(ctx context.Context) {
	if m.State() != Connected {
		m.setState(Connecting)
	}

	err := m.client.Health(ctx)

	m.mu.Lock()
	if err != nil {
		m.failures++
		m.attempts++
		failures := m.failures
		state := m.state
		m.mu.Unlock()

		m.log.Debug().Err(err).Int("consecutive_failures", failures).Msg("health probe failed")
		switch {
		case state == Connected && failures >= m.cfg.MaxProbeFailures:
			// first reconnect attempt starts from the base backoff
			m.mu.Lock()
			m.attempts = 0
			m.mu.Unlock()
			m.setState(Disconnected)
		case state == Connecting:
			m.setState(Disconnected)
		}
		return
	}

	m.failures = 0
	m.attempts = 0
	wasConnected := m.state == Connected
	m.mu.Unlock()

	// a reachable server is not enough: authenticated calls must work
	// too before the sync engine gets the green light
	if !wasConnected && !m.verifyAuth(ctx) {
		m.setState(Disconnected)
		return
	}
	m.setState(Connected)
}

// verifyAuth confirms the token actually opens doors by hitting an
// authenticated endpoint. Only auth failures block the transition; a
// flaky occupancy endpoint is not a connectivity problem.
func (m *Monitor) verifyAuth(ctx context.Context) bool {
	if err := m.auth.EnsureFresh(ctx); err != nil {
		m.log.Warn().Err(err).Msg("token refresh failed during reconnect")
		return false
	}
	hdr, err := m.auth.AuthHeader()
	if err != nil {
		return false
	}
	if _, err := m.client.LotOccupancy(ctx, hdr, m.lotID); err != nil {
		if errors.Is(err, apiclient.ErrUnauthorized) {
			m.auth.Invalidate()
			m.log.Warn().Msg("token rejected during reconnect")
			return false
		}
		m.log.Debug().Err(err).Msg("occupancy probe failed, proceeding on health alone")
	}
	return true
}

// retryDelay computes the next backoff delay: initial × factor^attempts
// capped at the maximum, with proportional jitter so a fleet of kiosks
// does not reconnect in lockstep.
func (m *Monitor) retryDelay() time.Duration {
	m.mu.Lock()
	attempts := m.attempts
	m.mu.Unlock()

	secs := m.cfg.InitialBackoffSeconds * math.Pow(m.cfg.BackoffFactor, float64(attempts))
	if secs > m.cfg.MaxBackoffSeconds {
		secs = m.cfg.MaxBackoffSeconds
	}
	secs *= 1 + (m.rng.Float64()*2-1)*m.cfg.BackoffJitter
	return time.Duration(secs * float64(time.Second))
}

// sleep waits for the delay, a ForceReconnect wake, or cancellation.
// Returns false when ctx is done.
func (m *Monitor) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-m.wake:
		return true
	case <-t.C:
		return true
	}
}

func (m *Monitor) setState(next State) {
	m.mu.Lock()
	prev := m.state
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	if next == Connected || prev == Connected {
		m.log.Info().Stringer("from", prev).Stringer("to", next).Msg("connectivity changed")
	}
	select {
	case m.events <- Event{State: next, Previous: prev, At: time.Now()}:
	default:
		m.log.Warn().Stringer("state", next).Msg("event channel full, dropping transition")
	}
}
