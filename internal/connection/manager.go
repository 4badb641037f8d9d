package connection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rickgao/adminlive/internal/reconnect"
	"github.com/rickgao/adminlive/internal/router"
)

// Clock schedules deferred reconnects.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc callback.
type Timer interface {
	Stop() bool
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock replaces the wall clock used for reconnect timers.
func WithClock(c Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// channel holds the state for a single named feed.
type channel struct {
	id        string
	build     EndpointBuilder
	handlers  Handlers
	transport Transport
	state     State
	attempt   int // Consecutive failed attempts since the last open
	timer     Timer

	// gen is drawn from Manager.nextGen on every connect, retry and
	// disconnect, so it never repeats for an id even after the entry is
	// deleted and recreated. Events and timers carry the gen they were
	// created under and are dropped on mismatch.
	gen uint64
}

type envelopeKind uint8

const (
	envTransport envelopeKind = iota
	envRetry
	envState
	envDisconnected
)

// envelope is one unit of work for the event loop.
type envelope struct {
	kind      envelopeKind
	channelID string
	gen       uint64
	event     Event
	state     State
	handlers  Handlers // envDisconnected only; the entry is already gone
}

// Manager owns named channels, each backed by at most one transport.
//
// Every handler callback, retry decision and state change runs on a single
// event-loop goroutine in arrival order, so callbacks for a channel never
// overlap. Public methods are safe for concurrent use and never block on
// the network.
type Manager struct {
	cfg    ManagerConfig
	dialer Dialer
	router *router.Router
	clock  Clock
	logger *slog.Logger

	events *queue[envelope]
	wg     sync.WaitGroup
	done   chan struct{}

	mu       sync.Mutex
	running  bool
	stopped  bool
	nextGen  uint64
	channels map[string]*channel
}

// NewManager creates a new Connection Manager.
func NewManager(cfg ManagerConfig, dialer Dialer, r *router.Router, logger *slog.Logger, opts ...Option) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if r == nil {
		r = router.NewRouter(logger)
	}

	m := &Manager{
		cfg:      cfg,
		dialer:   dialer,
		router:   r,
		clock:    realClock{},
		logger:   logger,
		events:   newQueue[envelope](cfg.QueueSize),
		done:     make(chan struct{}),
		channels: make(map[string]*channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the event loop. Cancelling ctx has the same effect as Stop.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return fmt.Errorf("start: %w", ErrNotRunning)
	}
	m.running = true
	m.mu.Unlock()

	m.wg.Add(1)
	go m.loop()

	go func() {
		select {
		case <-ctx.Done():
			m.shutdown()
		case <-m.done:
		}
	}()

	m.logger.Info("connection manager started",
		"base_delay", m.cfg.Policy.BaseDelay,
		"max_attempts", m.cfg.Policy.MaxAttempts,
	)

	return nil
}

// Stop disconnects every channel and waits for the event loop to drain.
// Unlike Disconnect, it keeps the router's per-channel counters.
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("stopping connection manager")

	m.shutdown()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("connection manager stopped")
		return nil
	case <-ctx.Done():
		m.logger.Warn("shutdown timeout, forcing close")
		return ctx.Err()
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.stopped = true
	m.mu.Unlock()

	// Router counters outlive shutdown so callers can report them after Stop.
	for _, id := range m.Channels() {
		m.disconnect(id, false)
	}

	close(m.done)
	m.events.close()
}

// Connect opens channel id, replacing any transport it already has. A
// replaced transport is closed with 1000 "replaced by new connection". build
// is called now and again before every retry. The returned transport is
// still handshaking; OnState/OnError report how that ends. A non-nil error
// means no transport could be constructed; OnError receives it as well.
func (m *Manager) Connect(id string, build EndpointBuilder, h Handlers) (Transport, error) {
	if id == "" {
		return nil, ErrEmptyChannelID
	}
	if build == nil {
		return nil, ErrNoEndpoint
	}

	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil, ErrNotRunning
	}

	ch, ok := m.channels[id]
	if !ok {
		ch = &channel{id: id, state: StateIdle}
		m.channels[id] = ch
	}
	ch.build = build
	ch.handlers = h
	if ch.state == StateFailed {
		ch.attempt = 0
	}
	gen, prev := m.supersede(ch)
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug("replacing existing transport", "channel", id, "conn_id", prev.ID())
		prev.Close(reconnect.NormalClosure, "replaced by new connection")
	}

	return m.dial(id, gen, build)
}

// Disconnect closes channel id with a normal closure and forgets it. A
// pending reconnect for the channel is cancelled.
func (m *Manager) Disconnect(id string) {
	m.disconnect(id, true)
}

func (m *Manager) disconnect(id string, forget bool) {
	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.channels, id)
	m.nextGen++
	ch.gen = m.nextGen
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	t := ch.transport
	ch.transport = nil
	m.events.push(envelope{kind: envDisconnected, channelID: id, handlers: ch.handlers})
	m.mu.Unlock()

	if t != nil {
		t.Close(reconnect.NormalClosure, "client disconnecting")
	}
	if forget {
		m.router.Forget(id)
	}

	m.logger.Info("channel disconnected", "channel", id)
}

// DisconnectAll disconnects every tracked channel.
func (m *Manager) DisconnectAll() {
	for _, id := range m.Channels() {
		m.Disconnect(id)
	}
}

// Send encodes v as JSON and writes it if channel id is open. Otherwise
// the data is dropped and ErrNotConnected returned.
func (m *Manager) Send(id string, v any) error {
	t := m.openTransport(id)
	if t == nil {
		m.logger.Warn("channel not connected, dropping send", "channel", id)
		return ErrNotConnected
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode send: %w", err)
	}

	if err := t.Send(data); err != nil {
		m.logger.Warn("send failed", "channel", id, "conn_id", t.ID(), "error", err)
		return err
	}
	return nil
}

// SendMessage wraps data in the {"type", "data"} envelope and sends it.
func (m *Manager) SendMessage(id, msgType string, data any) error {
	frame, err := router.Encode(msgType, data)
	if err != nil {
		return err
	}
	return m.Send(id, json.RawMessage(frame))
}

// IsConnected reports whether channel id has an open transport.
func (m *Manager) IsConnected(id string) bool {
	return m.openTransport(id) != nil
}

// State returns the lifecycle state of channel id; untracked ids are Idle.
func (m *Manager) State(id string) State {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[id]; ok {
		return ch.state
	}
	return StateIdle
}

// Attempt returns the consecutive failed attempts of channel id.
func (m *Manager) Attempt(id string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ch, ok := m.channels[id]; ok {
		return ch.attempt
	}
	return 0
}

// Channels returns the tracked channel ids, sorted.
func (m *Manager) Channels() []string {
	m.mu.Lock()
	ids := make([]string, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	sort.Strings(ids)
	return ids
}

// Status returns a description of every tracked channel.
func (m *Manager) Status() []ChannelStatus {
	m.mu.Lock()
	out := make([]ChannelStatus, 0, len(m.channels))
	for _, ch := range m.channels {
		st := ChannelStatus{ID: ch.id, State: ch.state, Attempt: ch.attempt}
		if ch.transport != nil {
			st.ConnID = ch.transport.ID()
		}
		out = append(out, st)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stats returns current statistics.
func (m *Manager) Stats() ManagerStats {
	m.mu.Lock()
	stats := ManagerStats{Channels: len(m.channels)}
	for _, ch := range m.channels {
		switch ch.state {
		case StateOpen:
			stats.Connected++
		case StateReconnecting:
			stats.Reconnecting++
		case StateFailed:
			stats.Failed++
		}
	}
	m.mu.Unlock()

	stats.Queue = m.events.stats()
	stats.Router = m.router.Stats()
	return stats
}

func (m *Manager) openTransport(id string) Transport {
	m.mu.Lock()
	defer m.mu.Unlock()

	ch, ok := m.channels[id]
	if !ok || ch.state != StateOpen || ch.transport == nil || !ch.transport.IsOpen() {
		return nil
	}
	return ch.transport
}

// supersede starts a new connect cycle for ch and returns its gen plus the
// transport it replaces. Must be called with m.mu held.
func (m *Manager) supersede(ch *channel) (uint64, Transport) {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}

	prev := ch.transport
	ch.transport = nil
	m.nextGen++
	ch.gen = m.nextGen
	ch.state = StateConnecting
	m.events.push(envelope{kind: envState, channelID: ch.id, gen: ch.gen, state: StateConnecting})

	return ch.gen, prev
}

// dial builds the endpoint and constructs a transport for gen.
func (m *Manager) dial(id string, gen uint64, build EndpointBuilder) (Transport, error) {
	endpoint, err := build()
	if err != nil {
		err = fmt.Errorf("build endpoint: %w", err)
	}

	var t Transport
	if err == nil {
		t, err = m.dialer.Dial(endpoint)
	}

	m.mu.Lock()
	ch, ok := m.channels[id]
	if !ok || ch.gen != gen || !m.running {
		if ok && ch.gen == gen {
			delete(m.channels, id)
		}
		m.mu.Unlock()
		if t != nil {
			t.Close(reconnect.NormalClosure, "superseded")
		}
		return nil, ErrSuperseded
	}

	if err != nil {
		ch.state = StateIdle
		m.events.push(envelope{kind: envTransport, channelID: id, gen: gen, event: ErrorEvent{Err: err}})
		m.events.push(envelope{kind: envState, channelID: id, gen: gen, state: StateIdle})
		m.mu.Unlock()

		m.logger.Error("failed to construct transport", "channel", id, "error", err)
		return nil, err
	}

	ch.transport = t
	m.wg.Add(1)
	m.mu.Unlock()

	go m.pump(id, gen, t)

	m.logger.Debug("transport created", "channel", id, "conn_id", t.ID())
	return t, nil
}

// pump forwards a transport's events to the loop until the transport ends.
func (m *Manager) pump(id string, gen uint64, t Transport) {
	defer m.wg.Done()

	for ev := range t.Events() {
		m.events.push(envelope{kind: envTransport, channelID: id, gen: gen, event: ev})
	}
}

// loop is the event loop goroutine.
func (m *Manager) loop() {
	defer m.wg.Done()

	for {
		env, ok := m.events.pop()
		if !ok {
			return
		}

		switch env.kind {
		case envTransport:
			m.handleEvent(env)
		case envRetry:
			m.retry(env)
		case envState:
			m.handleState(env)
		case envDisconnected:
			env.handlers.state(StateClosing)
			env.handlers.close(reconnect.NormalClosure, "client disconnecting")
			env.handlers.state(StateIdle)
		}
	}
}

// current returns the channel if env is still current. On success m.mu is
// held and the caller must release it.
func (m *Manager) current(env envelope) (*channel, bool) {
	m.mu.Lock()
	ch, ok := m.channels[env.channelID]
	if !ok || ch.gen != env.gen {
		m.mu.Unlock()
		return nil, false
	}
	return ch, true
}

func (m *Manager) handleState(env envelope) {
	ch, ok := m.current(env)
	if !ok {
		return
	}
	h := ch.handlers
	m.mu.Unlock()

	h.state(env.state)
}

func (m *Manager) handleEvent(env envelope) {
	ch, ok := m.current(env)
	if !ok {
		m.logger.Debug("dropping event from stale transport", "channel", env.channelID)
		return
	}
	h := ch.handlers

	switch ev := env.event.(type) {
	case OpenEvent:
		ch.state = StateOpen
		ch.attempt = 0
		m.mu.Unlock()

		m.logger.Info("channel connected", "channel", env.channelID)
		h.state(StateOpen)

	case MessageEvent:
		m.mu.Unlock()
		m.router.Route(env.channelID, ev.Data, ev.ReceivedAt, h.OnMessage)

	case ErrorEvent:
		m.mu.Unlock()
		m.logger.Warn("connection error", "channel", env.channelID, "error", ev.Err)
		h.error(ev.Err)

	case CloseEvent:
		m.handleClose(ch, ev)

	default:
		m.mu.Unlock()
	}
}

// handleClose decides between retry, idle and failed. Called with m.mu
// held; releases it.
func (m *Manager) handleClose(ch *channel, ev CloseEvent) {
	ch.transport = nil
	h := ch.handlers
	policy := m.cfg.Policy
	next := ch.attempt + 1

	var delay time.Duration
	var failed bool

	switch {
	case policy.ShouldRetry(next, ev.Code):
		ch.attempt = next
		ch.state = StateReconnecting
		delay = policy.NextDelay(next)

		id, gen := ch.id, ch.gen
		ch.timer = m.clock.AfterFunc(delay, func() {
			m.events.push(envelope{kind: envRetry, channelID: id, gen: gen})
		})

	case ev.Code == reconnect.NormalClosure:
		ch.state = StateIdle

	default:
		ch.state = StateFailed
		failed = true
	}

	id, state, attempt := ch.id, ch.state, ch.attempt
	m.mu.Unlock()

	switch state {
	case StateReconnecting:
		m.logger.Info("connection closed, scheduling reconnect",
			"channel", id,
			"code", ev.Code,
			"reason", ev.Reason,
			"attempt", attempt,
			"max_attempts", policy.MaxAttempts,
			"delay", delay,
		)
	case StateFailed:
		m.logger.Error("connection closed, giving up",
			"channel", id,
			"code", ev.Code,
			"reason", ev.Reason,
			"attempts", attempt,
		)
	default:
		m.logger.Info("connection closed", "channel", id, "code", ev.Code)
	}

	h.close(ev.Code, ev.Reason)
	h.state(state)

	if failed {
		h.error(&ExhaustedError{
			Channel:  id,
			Attempts: attempt,
			Code:     ev.Code,
			Reason:   ev.Reason,
		})
	}
}

// retry runs when a backoff timer fires.
func (m *Manager) retry(env envelope) {
	ch, ok := m.current(env)
	if !ok {
		m.logger.Debug("reconnect cancelled", "channel", env.channelID)
		return
	}
	if ch.state != StateReconnecting {
		m.mu.Unlock()
		return
	}

	ch.timer = nil
	build := ch.build
	attempt := ch.attempt
	gen, _ := m.supersede(ch)
	m.mu.Unlock()

	m.logger.Info("attempting reconnection", "channel", env.channelID, "attempt", attempt)
	m.dial(env.channelID, gen, build)
}
