// Package engine runs the single authoritative scheduling loop. Each tick
// drains inbound events under a time budget, advances simulation, flushes
// outbound state and runs low-frequency periodic work. No simulation state
// is mutated from any other goroutine, and no phase performs blocking I/O.
package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"world-server/internal/bus"
	"world-server/internal/protocol"
)

type Config struct {
	TickInterval     time.Duration
	InboundBudget    time.Duration
	MaxInboundEvents int
	RouterQueueLimit int
}

func (c *Config) normalize() {
	if c.TickInterval <= 0 {
		c.TickInterval = 100 * time.Millisecond
	}
	if c.InboundBudget <= 0 {
		c.InboundBudget = 30 * time.Millisecond
	}
	if c.MaxInboundEvents <= 0 {
		c.MaxInboundEvents = 1000
	}
}

// System is one simulation pass run every tick, in registration order.
type System interface {
	Name() string
	Update(e *Engine, dt time.Duration)
}

type periodicTask struct {
	name  string
	every time.Duration
	last  time.Time
	fn    func(e *Engine, now time.Time)
}

// TickStats summarizes one tick for logging and tests.
type TickStats struct {
	Drained int
	Sent    int
	Elapsed time.Duration
}

type Engine struct {
	cfg Config
	log *zap.Logger
	now func() time.Time

	sources  []bus.InboundBus
	out      bus.OutboundBus
	router   *Router
	sessions *SessionTable
	dispatch *Dispatcher

	systems   []System
	periodics []*periodicTask

	// lineFn is the hook game rule content plugs into; the runtime core
	// does not interpret player input itself.
	lineFn func(e *Engine, s *Session, line string)

	// forwardFn is consulted for client events whose session is not in
	// the table. It returns true when the event was claimed, typically
	// relayed to the engine now authoritative for the session.
	forwardFn func(e *Engine, ev protocol.Event) bool

	debt         time.Duration
	effectiveCap int
}

func New(log *zap.Logger, cfg Config, out bus.OutboundBus, sources ...bus.InboundBus) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	cfg.normalize()
	e := &Engine{
		cfg:          cfg,
		log:          log.Named("engine"),
		now:          time.Now,
		sources:      sources,
		out:          out,
		router:       NewRouter(out, cfg.RouterQueueLimit),
		sessions:     NewSessionTable(),
		dispatch:     NewDispatcher(),
		effectiveCap: cfg.MaxInboundEvents,
	}
	e.router.SetOverflowFunc(func(id protocol.SessionID) {
		e.DisconnectSession(id, "slow consumer")
	})
	e.registerCoreHandlers()
	return e
}

// SetClock is the test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

func (e *Engine) Sessions() *SessionTable { return e.sessions }
func (e *Engine) Router() *Router         { return e.router }
func (e *Engine) Log() *zap.Logger        { return e.log }
func (e *Engine) Now() time.Time          { return e.now() }
func (e *Engine) Debt() time.Duration     { return e.debt }
func (e *Engine) InboundCap() int         { return e.effectiveCap }

// TickIntervalHint exposes the configured tick interval so attached
// subsystems can schedule per-tick periodic work.
func (e *Engine) TickIntervalHint() time.Duration { return e.cfg.TickInterval }

func (e *Engine) RegisterHandler(kind protocol.Kind, h HandlerFunc) error {
	return e.dispatch.Register(kind, h)
}

func (e *Engine) RegisterSystem(sys System) {
	e.systems = append(e.systems, sys)
}

func (e *Engine) RegisterPeriodic(name string, every time.Duration, fn func(e *Engine, now time.Time)) {
	e.periodics = append(e.periodics, &periodicTask{name: name, every: every, fn: fn})
}

func (e *Engine) SetLineFunc(fn func(e *Engine, s *Session, line string)) { e.lineFn = fn }

// SetForwardFunc installs the hook for input addressed to sessions this
// engine no longer holds.
func (e *Engine) SetForwardFunc(fn func(e *Engine, ev protocol.Event) bool) { e.forwardFn = fn }

// Run drives Tick at the fixed interval until ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	e.log.Info("engine loop starting",
		zap.Duration("tick_interval", e.cfg.TickInterval),
		zap.Duration("inbound_budget", e.cfg.InboundBudget),
		zap.Int("max_inbound_events", e.cfg.MaxInboundEvents),
	)
	for {
		select {
		case <-ctx.Done():
			e.log.Info("engine loop stopping")
			return nil
		case <-ticker.C:
			e.Tick(e.now())
		}
	}
}

// Tick executes the four phases in strict order: drain, simulate, flush,
// periodic work. Exported so tests and the standalone harness can step
// the engine without the ticker.
func (e *Engine) Tick(now time.Time) TickStats {
	start := e.now()

	drained := e.drainInbound()

	for _, sys := range e.systems {
		sys.Update(e, e.cfg.TickInterval)
	}

	sent := e.router.Flush()

	for _, p := range e.periodics {
		if p.last.IsZero() || now.Sub(p.last) >= p.every {
			p.last = now
			p.fn(e, now)
		}
	}

	elapsed := e.now().Sub(start)
	e.settleDebt(elapsed)
	ticksTotal.Inc()
	sessionsGauge.Set(float64(e.sessions.Len()))
	return TickStats{Drained: drained, Sent: sent, Elapsed: elapsed}
}

// drainInbound pulls events from every source round-robin until the event
// cap or the time budget is hit, whichever comes first. Per-source arrival
// order is preserved; the remainder waits for the next tick.
func (e *Engine) drainInbound() int {
	deadline := e.now().Add(e.cfg.InboundBudget)
	limit := e.effectiveCap
	processed := 0

	for processed < limit {
		progressed := false
		for _, src := range e.sources {
			if processed >= limit {
				break
			}
			ev, ok := src.TryRecv()
			if !ok {
				continue
			}
			progressed = true
			processed++
			inboundEvents.Inc()
			e.dispatchEvent(ev)
			if e.now().After(deadline) {
				return processed
			}
		}
		if !progressed {
			break
		}
	}
	return processed
}

// dispatchEvent isolates handler failures to the affected session; a
// panic or error never aborts the tick.
func (e *Engine) dispatchEvent(ev protocol.Event) {
	h, ok := e.dispatch.Get(ev.Kind)
	if !ok {
		e.log.Warn("no handler for event kind", zap.Int32("kind", int32(ev.Kind)))
		return
	}
	defer func() {
		if r := recover(); r != nil {
			handlerErrors.Inc()
			e.log.Error("handler panic",
				zap.Int32("kind", int32(ev.Kind)),
				zap.Uint64("session", uint64(ev.Session)),
				zap.Any("panic", r),
			)
			if ev.Session != 0 {
				e.DisconnectSession(ev.Session, "handler_panic")
			}
		}
	}()
	if err := h(e, ev); err != nil {
		handlerErrors.Inc()
		e.log.Warn("handler error",
			zap.Int32("kind", int32(ev.Kind)),
			zap.Uint64("session", uint64(ev.Session)),
			zap.Error(err),
		)
	}
}

func (e *Engine) settleDebt(elapsed time.Duration) {
	interval := e.cfg.TickInterval
	if elapsed > interval {
		e.debt += elapsed - interval
		tickOverruns.Inc()
		e.log.Warn("tick overrun",
			zap.Duration("elapsed", elapsed),
			zap.Duration("debt", e.debt),
		)
	} else if e.debt > 0 {
		e.debt -= interval - elapsed
		if e.debt < 0 {
			e.debt = 0
		}
	}
	tickDebtMs.Set(float64(e.debt.Milliseconds()))

	// Sustained debt throttles the inbound cap; recovery restores it.
	switch {
	case e.debt > 2*interval:
		e.effectiveCap = max(e.cfg.MaxInboundEvents/4, 16)
	case e.debt > interval:
		e.effectiveCap = max(e.cfg.MaxInboundEvents/2, 16)
	default:
		e.effectiveCap = e.cfg.MaxInboundEvents
	}
}

// Output stages text for a session.
func (e *Engine) Output(id protocol.SessionID, text string) {
	if e.sessions.Get(id) == nil {
		return
	}
	e.router.Enqueue(protocol.Event{Kind: protocol.KindOutput, Session: id, Payload: []byte(text)})
}

// Prompt stages the transient prompt; the router coalesces it.
func (e *Engine) Prompt(id protocol.SessionID) {
	if e.sessions.Get(id) == nil {
		return
	}
	e.router.Enqueue(protocol.Event{Kind: protocol.KindPrompt, Session: id, Payload: []byte("> ")})
}

// BroadcastOutput stages text for every live session.
func (e *Engine) BroadcastOutput(text string) {
	for _, s := range e.sessions.Snapshot() {
		e.Output(s.ID, text)
	}
}

// DisconnectSession removes the session from the authoritative table and
// sends a best-effort kick past the per-session queue.
func (e *Engine) DisconnectSession(id protocol.SessionID, reason string) {
	if e.sessions.Get(id) == nil {
		return
	}
	e.sessions.Remove(id)
	e.router.Remove(id)
	disconnects.WithLabelValues(reason).Inc()
	_ = e.out.TrySend(protocol.Event{Kind: protocol.KindKick, Session: id, Payload: []byte(reason)})
	e.log.Info("session disconnected",
		zap.Uint64("session", uint64(id)),
		zap.String("reason", reason),
	)
}

func (e *Engine) registerCoreHandlers() {
	must := func(err error) {
		if err != nil {
			panic(err)
		}
	}
	must(e.dispatch.Register(protocol.KindConnect, onConnect))
	must(e.dispatch.Register(protocol.KindLine, onLine))
	must(e.dispatch.Register(protocol.KindDisconnect, onDisconnect))
}

func onConnect(e *Engine, ev protocol.Event) error {
	if e.sessions.Get(ev.Session) != nil {
		return protocol.ErrSessionExists
	}
	s := &Session{
		ID:          ev.Session,
		HP:          100,
		MaxHP:       100,
		ConnectedAt: e.now(),
	}
	e.sessions.Add(s)
	e.log.Info("session connected",
		zap.Uint64("session", uint64(ev.Session)),
		zap.Uint16("gateway", ev.Session.Gateway()),
	)
	e.Output(ev.Session, "Welcome.")
	e.Prompt(ev.Session)
	return nil
}

func onLine(e *Engine, ev protocol.Event) error {
	s := e.sessions.Get(ev.Session)
	if s == nil {
		if e.forwardFn != nil && e.forwardFn(e, ev) {
			return nil // handed off, input follows the session
		}
		return nil // raced a disconnect; nothing to do
	}
	if e.lineFn != nil {
		e.lineFn(e, s, string(ev.Payload))
	}
	e.Prompt(ev.Session)
	return nil
}

func onDisconnect(e *Engine, ev protocol.Event) error {
	if e.sessions.Get(ev.Session) == nil {
		if e.forwardFn != nil {
			e.forwardFn(e, ev)
		}
		return nil
	}
	e.sessions.Remove(ev.Session)
	e.router.Remove(ev.Session)
	disconnects.WithLabelValues("client_gone").Inc()
	e.log.Info("session closed", zap.Uint64("session", uint64(ev.Session)))
	return nil
}
