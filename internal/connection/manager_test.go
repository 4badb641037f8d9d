package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rickgao/adminlive/internal/reconnect"
	"github.com/rickgao/adminlive/internal/router"
)

const waitTimeout = 2 * time.Second

// fakeTransport is driven by the test instead of a network peer.
type fakeTransport struct {
	id     string
	events chan Event

	mu          sync.Mutex
	open        bool
	finished    bool
	closeCode   int
	closeReason string
	closed      bool // Close was called
	sent        [][]byte
}

func newFakeTransport(id string) *fakeTransport {
	return &fakeTransport{id: id, events: make(chan Event, 64)}
}

func (f *fakeTransport) ID() string            { return f.id }
func (f *fakeTransport) Events() <-chan Event { return f.events }

func (f *fakeTransport) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.open
}

func (f *fakeTransport) Send(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.open {
		return ErrNotConnected
	}
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func (f *fakeTransport) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed || f.finished {
		return nil
	}
	f.closed = true
	f.closeCode = code
	f.closeReason = reason
	f.finishLocked(code, reason)
	return nil
}

func (f *fakeTransport) emitOpen() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.open = true
	f.events <- OpenEvent{}
}

func (f *fakeTransport) emitMessage(frame string) {
	f.events <- MessageEvent{Data: []byte(frame), ReceivedAt: time.Now()}
}

func (f *fakeTransport) emitError(err error) {
	f.events <- ErrorEvent{Err: err}
}

// drop simulates the peer ending the connection.
func (f *fakeTransport) drop(code int, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finishLocked(code, reason)
}

func (f *fakeTransport) finishLocked(code int, reason string) {
	if f.finished {
		return
	}
	f.finished = true
	f.open = false
	f.events <- CloseEvent{Code: code, Reason: reason}
	close(f.events)
}

func (f *fakeTransport) closedWith() (bool, int, string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed, f.closeCode, f.closeReason
}

func (f *fakeTransport) sentFrames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, b := range f.sent {
		out[i] = string(b)
	}
	return out
}

type fakeDialer struct {
	mu        sync.Mutex
	endpoints []string
	err       error
	dialed    chan *fakeTransport
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeTransport, 64)}
}

func (d *fakeDialer) Dial(endpoint string) (Transport, error) {
	d.mu.Lock()
	d.endpoints = append(d.endpoints, endpoint)
	err := d.err
	n := len(d.endpoints)
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}
	t := newFakeTransport(fmt.Sprintf("conn-%d", n))
	d.dialed <- t
	return t, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.endpoints)
}

func (d *fakeDialer) next(t *testing.T) *fakeTransport {
	t.Helper()
	select {
	case tr := <-d.dialed:
		return tr
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for dial")
	}
	return nil
}

type fakeTimer struct {
	delay time.Duration
	fn    func()

	mu      sync.Mutex
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	was := !ft.stopped
	ft.stopped = true
	return was
}

func (ft *fakeTimer) isStopped() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.stopped
}

// fire runs the callback unless the timer was stopped.
func (ft *fakeTimer) fire() {
	if !ft.isStopped() {
		ft.fn()
	}
}

// fireAnyway runs the callback even if stopped, like a timer that raced
// its own Stop.
func (ft *fakeTimer) fireAnyway() {
	ft.fn()
}

type fakeClock struct {
	scheduled chan *fakeTimer
}

func newFakeClock() *fakeClock {
	return &fakeClock{scheduled: make(chan *fakeTimer, 64)}
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	ft := &fakeTimer{delay: d, fn: f}
	c.scheduled <- ft
	return ft
}

func (c *fakeClock) next(t *testing.T) *fakeTimer {
	t.Helper()
	select {
	case ft := <-c.scheduled:
		return ft
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for reconnect timer")
	}
	return nil
}

func (c *fakeClock) expectNone(t *testing.T) {
	t.Helper()
	select {
	case ft := <-c.scheduled:
		t.Fatalf("unexpected reconnect timer with delay %v", ft.delay)
	case <-time.After(50 * time.Millisecond):
	}
}

type closeInfo struct {
	code   int
	reason string
}

// recorder captures handler callbacks.
type recorder struct {
	states   chan State
	messages chan router.Message
	errs     chan error
	closes   chan closeInfo
}

func newRecorder() *recorder {
	return &recorder{
		states:   make(chan State, 128),
		messages: make(chan router.Message, 128),
		errs:     make(chan error, 128),
		closes:   make(chan closeInfo, 128),
	}
}

func (r *recorder) handlers() Handlers {
	return Handlers{
		OnMessage: func(msg router.Message) { r.messages <- msg },
		OnError:   func(err error) { r.errs <- err },
		OnClose:   func(code int, reason string) { r.closes <- closeInfo{code, reason} },
		OnState:   func(s State) { r.states <- s },
	}
}

func (r *recorder) waitState(t *testing.T, want State) {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case s := <-r.states:
			if s == want {
				return
			}
		case <-timeout:
			t.Fatalf("timeout waiting for state %s", want)
		}
	}
}

func (r *recorder) waitClose(t *testing.T) closeInfo {
	t.Helper()
	select {
	case c := <-r.closes:
		return c
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for OnClose")
	}
	return closeInfo{}
}

func (r *recorder) waitError(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.errs:
		return err
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for OnError")
	}
	return nil
}

func (r *recorder) waitMessage(t *testing.T) router.Message {
	t.Helper()
	select {
	case msg := <-r.messages:
		return msg
	case <-time.After(waitTimeout):
		t.Fatal("timeout waiting for OnMessage")
	}
	return router.Message{}
}

func testPolicy() reconnect.Policy {
	return reconnect.Policy{
		BaseDelay:   100 * time.Millisecond,
		MaxDelay:    time.Second,
		MaxAttempts: 5,
	}
}

func newTestManager(t *testing.T, policy reconnect.Policy) (*Manager, *fakeDialer, *fakeClock) {
	t.Helper()

	dialer := newFakeDialer()
	clock := newFakeClock()
	cfg := DefaultManagerConfig()
	cfg.Policy = policy

	m := NewManager(cfg, dialer, nil, nil, WithClock(clock))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()
		m.Stop(ctx)
	})
	return m, dialer, clock
}

func staticEndpoint(channel string) EndpointBuilder {
	return func() (string, error) {
		return "ws://dashboard.test/ws/" + channel + "?token=t", nil
	}
}

func TestManager_ConnectOpen(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())
	rec := newRecorder()

	tr, err := m.Connect("health", staticEndpoint("health"), rec.handlers())
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	if tr == nil {
		t.Fatal("Connect returned nil transport")
	}

	ft := dialer.next(t)
	rec.waitState(t, StateConnecting)
	if m.IsConnected("health") {
		t.Error("IsConnected before handshake")
	}

	ft.emitOpen()
	rec.waitState(t, StateOpen)

	if !m.IsConnected("health") {
		t.Error("expected IsConnected after open")
	}
	if m.State("health") != StateOpen {
		t.Errorf("State = %s, want open", m.State("health"))
	}
	if m.Attempt("health") != 0 {
		t.Errorf("Attempt = %d, want 0", m.Attempt("health"))
	}

	status := m.Status()
	if len(status) != 1 || status[0].ConnID != ft.ID() {
		t.Errorf("Status = %+v", status)
	}
	if stats := m.Stats(); stats.Channels != 1 || stats.Connected != 1 {
		t.Errorf("Stats = %+v", stats)
	}
}

func TestManager_ConnectTwiceReplacesTransport(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())
	rec := newRecorder()

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	first := dialer.next(t)
	first.emitOpen()
	rec.waitState(t, StateOpen)

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	second := dialer.next(t)

	closed, code, reason := first.closedWith()
	if !closed || code != reconnect.NormalClosure {
		t.Errorf("first transport closed=%v code=%d, want closed with 1000", closed, code)
	}
	if reason != "replaced by new connection" {
		t.Errorf("reason = %q", reason)
	}

	second.emitOpen()
	rec.waitState(t, StateOpen)

	// The replaced transport's CloseEvent is stale and must not surface.
	select {
	case c := <-rec.closes:
		t.Errorf("unexpected OnClose %+v from replaced transport", c)
	case <-time.After(50 * time.Millisecond):
	}

	if got := m.Channels(); len(got) != 1 {
		t.Errorf("Channels = %v, want one", got)
	}
	if status := m.Status(); status[0].ConnID != second.ID() {
		t.Errorf("ConnID = %s, want %s", status[0].ConnID, second.ID())
	}
}

func TestManager_BackoffDoublesAndResets(t *testing.T) {
	m, dialer, clock := newTestManager(t, testPolicy())
	rec := newRecorder()

	var builds atomic.Int32
	build := func() (string, error) {
		n := builds.Add(1)
		return fmt.Sprintf("ws://dashboard.test/ws/health?token=t%d", n), nil
	}

	m.Connect("health", build, rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond}
	for i, delay := range want {
		tr.drop(reconnect.AbnormalClosure, "dropped")

		c := rec.waitClose(t)
		if c.code != reconnect.AbnormalClosure {
			t.Errorf("OnClose code = %d, want 1006", c.code)
		}
		rec.waitState(t, StateReconnecting)

		timer := clock.next(t)
		if timer.delay != delay {
			t.Errorf("retry %d delay = %v, want %v", i+1, timer.delay, delay)
		}
		if m.Attempt("health") != i+1 {
			t.Errorf("Attempt = %d, want %d", m.Attempt("health"), i+1)
		}

		timer.fire()
		tr = dialer.next(t)
	}

	tr.emitOpen()
	rec.waitState(t, StateOpen)

	if m.Attempt("health") != 0 {
		t.Errorf("Attempt after open = %d, want 0", m.Attempt("health"))
	}
	if got := builds.Load(); got != 4 {
		t.Errorf("endpoint built %d times, want 4", got)
	}
	dialer.mu.Lock()
	last := dialer.endpoints[len(dialer.endpoints)-1]
	dialer.mu.Unlock()
	if last != "ws://dashboard.test/ws/health?token=t4" {
		t.Errorf("last endpoint = %q, want freshly built one", last)
	}
}

func TestManager_GivesUpAfterMaxAttempts(t *testing.T) {
	policy := testPolicy()
	policy.MaxAttempts = 2
	m, dialer, clock := newTestManager(t, policy)
	rec := newRecorder()

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	for i := 0; i < 2; i++ {
		tr.drop(reconnect.AbnormalClosure, "dropped")
		clock.next(t).fire()
		tr = dialer.next(t)
	}
	tr.drop(reconnect.AbnormalClosure, "dropped")

	rec.waitState(t, StateFailed)
	err := rec.waitError(t)
	if !errors.Is(err, ErrReconnectExhausted) {
		t.Fatalf("OnError = %v, want ErrReconnectExhausted", err)
	}
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) || exhausted.Attempts != 2 || exhausted.Code != reconnect.AbnormalClosure {
		t.Errorf("ExhaustedError = %+v", exhausted)
	}

	clock.expectNone(t)
	if m.State("health") != StateFailed {
		t.Errorf("State = %s, want failed", m.State("health"))
	}
	if stats := m.Stats(); stats.Failed != 1 {
		t.Errorf("Stats.Failed = %d, want 1", stats.Failed)
	}

	// An explicit Connect starts a fresh attempt budget.
	if _, err := m.Connect("health", staticEndpoint("health"), rec.handlers()); err != nil {
		t.Fatalf("Connect after failure: %v", err)
	}
	if m.Attempt("health") != 0 {
		t.Errorf("Attempt after Connect = %d, want 0", m.Attempt("health"))
	}
	tr = dialer.next(t)
	tr.drop(reconnect.AbnormalClosure, "dropped")
	if timer := clock.next(t); timer.delay != policy.BaseDelay {
		t.Errorf("delay after reset = %v, want %v", timer.delay, policy.BaseDelay)
	}
}

func TestManager_DisconnectCancelsPendingRetry(t *testing.T) {
	m, dialer, clock := newTestManager(t, testPolicy())
	rec := newRecorder()

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	tr.drop(reconnect.AbnormalClosure, "dropped")
	timer := clock.next(t)
	rec.waitState(t, StateReconnecting)
	rec.waitClose(t)

	m.Disconnect("health")

	if !timer.isStopped() {
		t.Error("pending reconnect timer not stopped")
	}

	// Even a timer that already fired must not redial.
	timer.fireAnyway()

	rec.waitState(t, StateClosing)
	c := rec.waitClose(t)
	if c.code != reconnect.NormalClosure || c.reason != "client disconnecting" {
		t.Errorf("OnClose = %+v, want 1000 client disconnecting", c)
	}
	rec.waitState(t, StateIdle)

	time.Sleep(50 * time.Millisecond)
	if n := dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
	if len(m.Channels()) != 0 {
		t.Errorf("Channels = %v, want none", m.Channels())
	}
}

func TestManager_DisconnectCancelsRealTimer(t *testing.T) {
	dialer := newFakeDialer()
	cfg := DefaultManagerConfig()
	cfg.Policy = reconnect.Policy{BaseDelay: 30 * time.Millisecond, MaxDelay: time.Second, MaxAttempts: 5}

	m := NewManager(cfg, dialer, nil, nil)
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer m.Stop(context.Background())

	rec := newRecorder()
	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	tr.drop(reconnect.AbnormalClosure, "dropped")
	rec.waitState(t, StateReconnecting)
	m.Disconnect("health")

	time.Sleep(120 * time.Millisecond)
	if n := dialer.dials(); n != 1 {
		t.Errorf("dials = %d, want 1", n)
	}
}

func TestManager_Send(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())
	rec := newRecorder()

	if err := m.Send("health", map[string]string{"type": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send on unknown channel = %v, want ErrNotConnected", err)
	}

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)

	if err := m.Send("health", map[string]string{"type": "ping"}); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send while connecting = %v, want ErrNotConnected", err)
	}

	tr.emitOpen()
	rec.waitState(t, StateOpen)

	if err := m.Send("health", map[string]string{"type": "ping"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := m.SendMessage("health", "subscribe", map[string]string{"scope": "all"}); err != nil {
		t.Fatalf("SendMessage failed: %v", err)
	}

	frames := tr.sentFrames()
	if len(frames) != 2 {
		t.Fatalf("sent %d frames, want 2", len(frames))
	}
	if frames[0] != `{"type":"ping"}` {
		t.Errorf("frame 0 = %s", frames[0])
	}
	if frames[1] != `{"type":"subscribe","data":{"scope":"all"}}` {
		t.Errorf("frame 1 = %s", frames[1])
	}

	if err := m.Send("health", func() {}); err == nil {
		t.Error("expected encode error for unencodable value")
	}
}

func TestManager_MalformedFrameSkipped(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())
	rec := newRecorder()

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	tr.emitMessage(`not json`)
	tr.emitMessage(`{"data":{"ok":true}}`)
	tr.emitMessage(`{"type":"health_update","data":{"ok":true}}`)

	msg := rec.waitMessage(t)
	if msg.Type != "health_update" {
		t.Errorf("first delivered message type = %q, want health_update", msg.Type)
	}
	if msg.Channel != "health" {
		t.Errorf("Channel = %q, want health", msg.Channel)
	}
	if msg.Kind != router.KindUnknown {
		t.Errorf("Kind = %s, want unknown", msg.Kind)
	}

	stats := m.Stats().Router
	if stats.ParseErrors != 2 {
		t.Errorf("Router.ParseErrors = %d, want 2", stats.ParseErrors)
	}
	if m.State("health") != StateOpen {
		t.Errorf("State = %s, want open", m.State("health"))
	}
}

func TestManager_BuildFailure(t *testing.T) {
	m, dialer, clock := newTestManager(t, testPolicy())
	rec := newRecorder()

	buildErr := errors.New("token file missing")
	_, err := m.Connect("health", func() (string, error) { return "", buildErr }, rec.handlers())
	if !errors.Is(err, buildErr) {
		t.Fatalf("Connect error = %v, want %v", err, buildErr)
	}

	if got := rec.waitError(t); !errors.Is(got, buildErr) {
		t.Errorf("OnError = %v, want %v", got, buildErr)
	}
	rec.waitState(t, StateIdle)
	clock.expectNone(t)

	if dialer.dials() != 0 {
		t.Errorf("dials = %d, want 0", dialer.dials())
	}
	if m.State("health") != StateIdle {
		t.Errorf("State = %s, want idle", m.State("health"))
	}
}

func TestManager_DialFailure(t *testing.T) {
	m, dialer, clock := newTestManager(t, testPolicy())
	rec := newRecorder()

	dialer.err = ErrInvalidEndpoint
	_, err := m.Connect("health", staticEndpoint("health"), rec.handlers())
	if !errors.Is(err, ErrInvalidEndpoint) {
		t.Fatalf("Connect error = %v, want ErrInvalidEndpoint", err)
	}
	if got := rec.waitError(t); !errors.Is(got, ErrInvalidEndpoint) {
		t.Errorf("OnError = %v", got)
	}
	rec.waitState(t, StateIdle)
	clock.expectNone(t)
}

func TestManager_ServerNormalCloseNoRetry(t *testing.T) {
	m, dialer, clock := newTestManager(t, testPolicy())
	rec := newRecorder()

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	tr.drop(reconnect.NormalClosure, "server shutdown")

	c := rec.waitClose(t)
	if c.code != reconnect.NormalClosure || c.reason != "server shutdown" {
		t.Errorf("OnClose = %+v", c)
	}
	rec.waitState(t, StateIdle)
	clock.expectNone(t)

	if m.IsConnected("health") {
		t.Error("IsConnected after close")
	}
}

func TestManager_ErrorEventKeepsState(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())
	rec := newRecorder()

	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	rec.waitState(t, StateOpen)

	transportErr := errors.New("read: connection reset")
	tr.emitError(transportErr)

	if got := rec.waitError(t); !errors.Is(got, transportErr) {
		t.Errorf("OnError = %v, want %v", got, transportErr)
	}
	if m.State("health") != StateOpen {
		t.Errorf("State = %s, want open", m.State("health"))
	}
}

func TestManager_HandlerMayCallManager(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())

	replied := make(chan error, 1)
	h := Handlers{
		OnMessage: func(msg router.Message) {
			replied <- m.SendMessage(msg.Channel, "ack", msg.Type)
		},
	}

	m.Connect("health", staticEndpoint("health"), h)
	tr := dialer.next(t)
	tr.emitOpen()
	tr.emitMessage(`{"type":"stats_update","data":{}}`)

	select {
	case err := <-replied:
		if err != nil {
			t.Fatalf("SendMessage from handler: %v", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("handler did not run")
	}

	frames := tr.sentFrames()
	if len(frames) != 1 || frames[0] != `{"type":"ack","data":"stats_update"}` {
		t.Errorf("frames = %v", frames)
	}
}

func TestManager_NotRunning(t *testing.T) {
	m := NewManager(DefaultManagerConfig(), newFakeDialer(), nil, nil)

	if _, err := m.Connect("health", staticEndpoint("health"), Handlers{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Connect before Start = %v, want ErrNotRunning", err)
	}

	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := m.Connect("", staticEndpoint("health"), Handlers{}); !errors.Is(err, ErrEmptyChannelID) {
		t.Errorf("Connect empty id = %v, want ErrEmptyChannelID", err)
	}
	if _, err := m.Connect("health", nil, Handlers{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Connect nil builder = %v, want ErrNoEndpoint", err)
	}

	if err := m.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := m.Connect("health", staticEndpoint("health"), Handlers{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Connect after Stop = %v, want ErrNotRunning", err)
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Start after Stop = %v, want ErrNotRunning", err)
	}
}

func TestManager_StopDisconnectsAll(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(DefaultManagerConfig(), dialer, nil, nil, WithClock(newFakeClock()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	var transports []*fakeTransport
	for _, id := range []string{"health", "security"} {
		rec := newRecorder()
		m.Connect(id, staticEndpoint(id), rec.handlers())
		tr := dialer.next(t)
		tr.emitOpen()
		rec.waitState(t, StateOpen)
		transports = append(transports, tr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	for _, tr := range transports {
		if closed, code, _ := tr.closedWith(); !closed || code != reconnect.NormalClosure {
			t.Errorf("transport %s closed=%v code=%d", tr.ID(), closed, code)
		}
	}
	if len(m.Channels()) != 0 {
		t.Errorf("Channels = %v, want none", m.Channels())
	}
}

func TestManager_ContextCancelStops(t *testing.T) {
	dialer := newFakeDialer()
	m := NewManager(DefaultManagerConfig(), dialer, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	m.Connect("health", staticEndpoint("health"), Handlers{})
	tr := dialer.next(t)
	cancel()

	deadline := time.Now().Add(waitTimeout)
	for {
		if closed, _, _ := tr.closedWith(); closed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("transport not closed after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if _, err := m.Connect("health", staticEndpoint("health"), Handlers{}); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Connect after cancel = %v, want ErrNotRunning", err)
	}
}

func TestManager_DisconnectThenReconnectSameID(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())

	old := newRecorder()
	m.Connect("dash", staticEndpoint("dash"), old.handlers())
	first := dialer.next(t)
	first.emitOpen()
	old.waitState(t, StateOpen)

	m.Disconnect("dash")

	rec := newRecorder()
	if _, err := m.Connect("dash", staticEndpoint("dash"), rec.handlers()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	fresh := dialer.next(t)
	old.waitState(t, StateIdle)

	fresh.emitOpen()
	rec.waitState(t, StateOpen)

	// The first transport's close must not reach the new entry.
	select {
	case c := <-rec.closes:
		t.Errorf("unexpected OnClose %+v on the new connection", c)
	case <-time.After(50 * time.Millisecond):
	}

	if !m.IsConnected("dash") {
		t.Error("IsConnected = false after reconnecting")
	}
	if status := m.Status(); len(status) != 1 || status[0].ConnID != fresh.ID() || status[0].State != StateOpen {
		t.Errorf("Status = %+v, want open on %s", status, fresh.ID())
	}
	if err := m.SendMessage("dash", "ping", nil); err != nil {
		t.Errorf("SendMessage failed: %v", err)
	}

	m.Disconnect("dash")
	if closed, code, _ := fresh.closedWith(); !closed || code != reconnect.NormalClosure {
		t.Errorf("fresh transport closed=%v code=%d, want closed with 1000", closed, code)
	}
}

func TestManager_StaleRetryAfterRecreateIgnored(t *testing.T) {
	m, dialer, clock := newTestManager(t, testPolicy())

	old := newRecorder()
	m.Connect("dash", staticEndpoint("dash"), old.handlers())
	first := dialer.next(t)
	first.emitOpen()
	old.waitState(t, StateOpen)
	first.drop(reconnect.AbnormalClosure, "dropped")
	oldTimer := clock.next(t)
	old.waitState(t, StateReconnecting)

	m.Disconnect("dash")
	old.waitState(t, StateIdle)

	rec := newRecorder()
	m.Connect("dash", staticEndpoint("dash"), rec.handlers())
	second := dialer.next(t)
	second.emitOpen()
	rec.waitState(t, StateOpen)
	second.drop(reconnect.AbnormalClosure, "dropped again")
	newTimer := clock.next(t)
	rec.waitState(t, StateReconnecting)

	oldTimer.fireAnyway()
	time.Sleep(50 * time.Millisecond)
	if n := dialer.dials(); n != 2 {
		t.Errorf("dials = %d after stale timer, want 2", n)
	}
	if s := m.State("dash"); s != StateReconnecting {
		t.Errorf("State = %s, want reconnecting", s)
	}

	newTimer.fire()
	dialer.next(t)
	if n := dialer.dials(); n != 3 {
		t.Errorf("dials = %d, want 3", n)
	}
}

func TestManager_StopKeepsRouterStats(t *testing.T) {
	dialer := newFakeDialer()
	r := router.NewRouter(nil)
	m := NewManager(DefaultManagerConfig(), dialer, r, nil, WithClock(newFakeClock()))
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	rec := newRecorder()
	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	tr.emitMessage(`{"type":"stats_update","data":{"total_orders":3}}`)
	tr.emitMessage(`not json`)
	rec.waitMessage(t)

	deadline := time.Now().Add(waitTimeout)
	for r.Stats().MessagesReceived < 2 {
		if time.Now().After(deadline) {
			t.Fatal("timeout waiting for both frames to be routed")
		}
		time.Sleep(5 * time.Millisecond)
	}

	ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
	defer cancel()
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}

	stats := r.Stats()
	if stats.MessagesReceived != 2 || stats.MessagesRouted != 1 || stats.ParseErrors != 1 {
		t.Errorf("router stats after Stop = %+v, want received 2 routed 1 parse errors 1", stats)
	}
}

func TestManager_DisconnectForgetsRouterStats(t *testing.T) {
	m, dialer, _ := newTestManager(t, testPolicy())

	rec := newRecorder()
	m.Connect("health", staticEndpoint("health"), rec.handlers())
	tr := dialer.next(t)
	tr.emitOpen()
	tr.emitMessage(`{"type":"stats_update","data":{}}`)
	rec.waitMessage(t)

	m.Disconnect("health")
	if stats := m.Stats().Router; stats.MessagesReceived != 0 || len(stats.Channels) != 0 {
		t.Errorf("router stats after Disconnect = %+v, want empty", stats)
	}
}
