package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"world-server/internal/protocol"
	"world-server/internal/transport"
)

// State is the engine-link health as seen by the gateway.
type State int

const (
	StateConnected State = iota
	StateReconnecting
	StateFailed
	// StateVerifying is a live stream younger than the verification
	// window; it only counts as connected once it survives the window.
	StateVerifying
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

// Status is a point-in-time snapshot of the reconnect state machine.
type Status struct {
	State     State
	Attempt   int
	NextDelay time.Duration
}

// StreamDialer opens one engine stream. Injectable for tests.
type StreamDialer func(ctx context.Context) (transport.Conn, error)

// ServeFunc runs a live stream until it dies or ctx ends.
type ServeFunc func(ctx context.Context, conn transport.Conn) error

type ReconnectConfig struct {
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
	VerifyWindow time.Duration
}

func (c *ReconnectConfig) normalize() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = 250 * time.Millisecond
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.VerifyWindow <= 0 {
		c.VerifyWindow = time.Second
	}
}

// ReconnectManager owns the gateway's single engine stream: it dials,
// hands live streams to serve, and on loss walks a capped exponential
// backoff schedule. A reconnect only counts as recovery once the new
// stream survives the verification window; a stream that dies inside it
// keeps the attempt count, so a flapping engine still converges on
// Failed instead of retrying forever.
type ReconnectManager struct {
	log   *zap.Logger
	cfg   ReconnectConfig
	dial  StreamDialer
	serve ServeFunc

	// test hooks
	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time

	mu             sync.Mutex
	status         Status
	verifyingSince time.Time
}

func NewReconnectManager(log *zap.Logger, cfg ReconnectConfig, dial StreamDialer, serve ServeFunc) *ReconnectManager {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.normalize()
	return &ReconnectManager{
		log:   log.Named("reconnect"),
		cfg:   cfg,
		dial:  dial,
		serve: serve,
		sleep: sleepCtx,
		now:   time.Now,
		// Not connected until the first dial lands.
		status: Status{State: StateReconnecting},
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Status reports the link state. A verifying stream is promoted to
// connected here once it outlives the verification window, so a stream
// that dies in milliseconds is never reported as a recovery.
func (m *ReconnectManager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.status.State == StateVerifying && m.now().Sub(m.verifyingSince) >= m.cfg.VerifyWindow {
		m.status.State = StateConnected
		reconnectState.Set(float64(StateConnected))
	}
	return m.status
}

func (m *ReconnectManager) setStatus(s Status) {
	m.mu.Lock()
	m.status = s
	m.mu.Unlock()
	reconnectState.Set(float64(s.State))
}

func (m *ReconnectManager) newBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.cfg.BaseDelay
	b.Multiplier = 2
	b.MaxInterval = m.cfg.MaxDelay
	return b
}

// Run drives the dial/serve/backoff loop until ctx ends or the attempt
// budget is exhausted. Returns protocol.ErrReconnectDead on exhaustion;
// the process is expected to exit and be restarted by the operator.
func (m *ReconnectManager) Run(ctx context.Context) error {
	bo := m.newBackoff()
	attempt := 0

	for {
		conn, err := m.dial(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			start := m.now()
			m.mu.Lock()
			m.status = Status{State: StateVerifying}
			m.verifyingSince = start
			m.mu.Unlock()
			reconnectState.Set(float64(StateVerifying))
			m.log.Info("engine stream established, verifying")

			serveErr := m.serve(ctx, conn)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if m.now().Sub(start) >= m.cfg.VerifyWindow {
				// The stream held long enough to call it a recovery.
				attempt = 0
				bo.Reset()
			}
			m.log.Warn("engine stream lost", zap.Error(serveErr))
		} else {
			m.log.Warn("engine dial failed", zap.Error(err))
		}

		attempt++
		reconnectAttempts.Inc()
		if attempt > m.cfg.MaxAttempts {
			m.setStatus(Status{State: StateFailed, Attempt: m.cfg.MaxAttempts})
			m.log.Error("engine unreachable, giving up",
				zap.Int("attempts", m.cfg.MaxAttempts),
			)
			return protocol.ErrReconnectDead
		}

		delay := min(bo.NextBackOff(), m.cfg.MaxDelay)
		m.setStatus(Status{State: StateReconnecting, Attempt: attempt, NextDelay: delay})
		m.log.Info("reconnecting to engine",
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
		)
		if err := m.sleep(ctx, delay); err != nil {
			return err
		}
	}
}
