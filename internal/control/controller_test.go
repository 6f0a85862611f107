package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu    sync.Mutex
	now   time.Time
	slept []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	f.slept = append(f.slept, d)
	return nil
}

func (f *fakeClock) advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
}

func (f *fakeClock) sleeps() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]time.Duration(nil), f.slept...)
}

// fakeRuntime reports state and moves to the requested state lag polls after
// a start or stop.
type fakeRuntime struct {
	mu        sync.Mutex
	state     string
	lag       int
	pending   string
	polls     int
	statusErr []error
	startErr  error
	stopErr   error
	calls     []string

	started chan struct{}
	release chan struct{}
	onIssue func()
}

func (f *fakeRuntime) Container() string { return "minecraft" }

func (f *fakeRuntime) Status(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.statusErr) > 0 {
		err := f.statusErr[0]
		f.statusErr = f.statusErr[1:]
		if err != nil {
			return "", err
		}
	}
	if f.pending != "" {
		f.polls++
		if f.polls >= f.lag {
			f.state = f.pending
			f.pending = ""
		}
	}
	return f.state, nil
}

func (f *fakeRuntime) Start(ctx context.Context) error {
	return f.issue("start", "running", f.startErr)
}

func (f *fakeRuntime) Stop(ctx context.Context) error {
	return f.issue("stop", "exited", f.stopErr)
}

func (f *fakeRuntime) issue(call, target string, err error) error {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	started, release, hook := f.started, f.release, f.onIssue
	f.mu.Unlock()

	if started != nil {
		close(started)
	}
	if release != nil {
		<-release
	}
	if hook != nil {
		hook()
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending = target
	f.polls = 0
	return nil
}

func (f *fakeRuntime) issued() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fatalErr struct{}

func (fatalErr) Error() string { return "unauthorized" }
func (fatalErr) Fatal() bool   { return true }

type recorder struct {
	mu          sync.Mutex
	transitions []string
	actions     []string
}

func (r *recorder) Transition(from, to string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, from+"->"+to)
}

func (r *recorder) Action(kind, outcome string, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions = append(r.actions, kind+":"+outcome)
}

func testConfig(clock *fakeClock) Config {
	return Config{
		PollInterval: 2 * time.Second,
		StartTimeout: 10 * time.Second,
		StopTimeout:  10 * time.Second,
		RestartDelay: 2 * time.Second,
		Clock:        clock,
	}
}

func newTestController(t *testing.T, rt *fakeRuntime, clock *fakeClock) *Controller {
	t.Helper()
	c := New(rt, testConfig(clock))
	_, err := c.Status(context.Background())
	require.NoError(t, err)
	return c
}

func TestParseState(t *testing.T) {
	tests := map[string]State{
		"RUNNING":    StateRunning,
		"running":    StateRunning,
		"EXITED":     StateStopped,
		"created":    StateStopped,
		"dead":       StateStopped,
		"restarting": StateStarting,
		"removing":   StateStopping,
		"PAUSED":     StateUnknown,
		"":           StateUnknown,
		"banana":     StateUnknown,
	}
	for raw, want := range tests {
		assert.Equal(t, want, ParseState(raw), raw)
	}
}

func TestMaxAttempts(t *testing.T) {
	assert.Equal(t, 5, maxAttempts(10*time.Second, 2*time.Second))
	assert.Equal(t, 6, maxAttempts(11*time.Second, 2*time.Second))
	assert.Equal(t, 1, maxAttempts(time.Second, 2*time.Second))
	assert.Equal(t, 1, maxAttempts(0, 2*time.Second))
}

func TestNewControllerStartsUnknown(t *testing.T) {
	c := New(&fakeRuntime{state: "running"}, Config{Clock: newFakeClock()})
	snap := c.Snapshot()
	assert.Equal(t, StateUnknown, snap.State)
	assert.Equal(t, "minecraft", snap.Container)
	assert.False(t, snap.Found)
}

func TestStartReachesRunning(t *testing.T) {
	rt := &fakeRuntime{state: "EXITED", lag: 3}
	clock := newFakeClock()
	c := newTestController(t, rt, clock)
	require.Equal(t, StateStopped, c.Snapshot().State)

	require.NoError(t, c.Start(context.Background()))

	snap := c.Snapshot()
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "running", snap.Observed)
	assert.Nil(t, snap.Action)
	assert.Empty(t, snap.LastError)
	assert.Equal(t, []string{"start"}, rt.issued())
	assert.Len(t, clock.sleeps(), 3)
}

func TestStartTimeout(t *testing.T) {
	rt := &fakeRuntime{state: "EXITED", lag: 1000}
	clock := newFakeClock()
	c := newTestController(t, rt, clock)

	err := c.Start(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Contains(t, snap.LastError, "timed out")
	assert.Equal(t, []string{"start"}, rt.issued(), "the remote action is not retried or cancelled")
	assert.Len(t, clock.sleeps(), 5)
}

// slowRuntime spends cost on the clock for every status query once armed.
type slowRuntime struct {
	*fakeRuntime
	clock   *fakeClock
	cost    time.Duration
	armed   atomic.Bool
	bounded []bool
}

func (s *slowRuntime) Status(ctx context.Context) (string, error) {
	if s.armed.Load() {
		_, ok := ctx.Deadline()
		s.bounded = append(s.bounded, ok)
		s.clock.advance(s.cost)
	}
	return s.fakeRuntime.Status(ctx)
}

func TestSlowPollsStillTimeOut(t *testing.T) {
	rt := &slowRuntime{fakeRuntime: &fakeRuntime{state: "EXITED", lag: 1000}, cost: 30 * time.Second}
	clock := newFakeClock()
	rt.clock = clock
	c := New(rt, testConfig(clock))
	_, err := c.Status(context.Background())
	require.NoError(t, err)
	rt.armed.Store(true)

	err = c.Start(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, StateError, c.Snapshot().State)
	assert.Equal(t, []bool{true}, rt.bounded, "one poll, bounded by the remaining time")
	assert.Len(t, clock.sleeps(), 1)
}

func TestStopReachesStopped(t *testing.T) {
	rt := &fakeRuntime{state: "RUNNING", lag: 2}
	c := newTestController(t, rt, newFakeClock())

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.Snapshot().State)
	assert.Equal(t, []string{"stop"}, rt.issued())
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		action func(*Controller, context.Context) error
		from   State
		kind   ActionKind
	}{
		{name: "start from running", remote: "running", action: (*Controller).Start, from: StateRunning, kind: ActionStart},
		{name: "stop from stopped", remote: "exited", action: (*Controller).Stop, from: StateStopped, kind: ActionStop},
		{name: "restart from stopped", remote: "exited", action: (*Controller).Restart, from: StateStopped, kind: ActionRestart},
		{name: "stop from unknown", remote: "paused", action: (*Controller).Stop, from: StateUnknown, kind: ActionStop},
		{name: "restart from unknown", remote: "paused", action: (*Controller).Restart, from: StateUnknown, kind: ActionRestart},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rt := &fakeRuntime{state: tt.remote}
			c := newTestController(t, rt, newFakeClock())

			err := tt.action(c, context.Background())
			require.ErrorIs(t, err, ErrInvalidTransition)

			var te *TransitionError
			require.ErrorAs(t, err, &te)
			assert.Equal(t, tt.from, te.From)
			assert.Equal(t, tt.kind, te.Action)

			assert.Empty(t, rt.issued(), "no remote call for a rejected transition")
			assert.Equal(t, tt.from, c.Snapshot().State)
		})
	}
}

func TestStatusIsIdempotent(t *testing.T) {
	rt := &fakeRuntime{state: "RUNNING"}
	c := New(rt, Config{Clock: newFakeClock()})

	var notified int
	c.Subscribe(func(Snapshot) { notified++ })

	for i := 0; i < 5; i++ {
		snap, err := c.Status(context.Background())
		require.NoError(t, err)
		assert.Equal(t, StateRunning, snap.State)
		assert.True(t, snap.Found)
	}
	assert.Equal(t, 1, notified)

	rt.mu.Lock()
	rt.state = "EXITED"
	rt.mu.Unlock()

	snap, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStopped, snap.State)
	assert.Equal(t, 2, notified)
	assert.Empty(t, rt.issued())
}

func TestStatusContainerNotFound(t *testing.T) {
	rt := &fakeRuntime{state: "RUNNING"}
	c := newTestController(t, rt, newFakeClock())

	rt.statusErr = []error{ErrContainerNotFound}
	snap, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.False(t, snap.Found)
	assert.Equal(t, StateUnknown, snap.State)
}

func TestStatusErrorKeepsState(t *testing.T) {
	rt := &fakeRuntime{state: "RUNNING"}
	c := newTestController(t, rt, newFakeClock())

	rt.statusErr = []error{errors.New("connection refused")}
	snap, err := c.Status(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateRunning, snap.State)
}

func TestOperationInProgress(t *testing.T) {
	rt := &fakeRuntime{
		state:   "EXITED",
		lag:     1,
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	c := newTestController(t, rt, newFakeClock())

	done := make(chan error, 1)
	go func() { done <- c.Start(context.Background()) }()
	<-rt.started

	assert.ErrorIs(t, c.Start(context.Background()), ErrOperationInProgress)
	assert.ErrorIs(t, c.Stop(context.Background()), ErrOperationInProgress)
	assert.ErrorIs(t, c.Restart(context.Background()), ErrOperationInProgress)

	snap, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StateStarting, snap.State, "status must not overwrite an in-flight action")
	assert.Equal(t, "EXITED", snap.Observed)
	require.NotNil(t, snap.Action)
	assert.Equal(t, ActionStart, snap.Action.Kind)
	assert.NotEmpty(t, snap.Action.ID)

	close(rt.release)
	require.NoError(t, <-done)
	assert.Equal(t, StateRunning, c.Snapshot().State)
	assert.Equal(t, []string{"start"}, rt.issued())
}

// stalledRuntime holds the next status query once armed and then reports the
// container as exited.
type stalledRuntime struct {
	*fakeRuntime
	armed   atomic.Bool
	entered chan struct{}
	resume  chan struct{}
}

func (s *stalledRuntime) Status(ctx context.Context) (string, error) {
	if s.armed.CompareAndSwap(true, false) {
		close(s.entered)
		<-s.resume
		return "EXITED", nil
	}
	return s.fakeRuntime.Status(ctx)
}

func TestStaleStatusDoesNotOverwriteFinishedAction(t *testing.T) {
	rt := &stalledRuntime{
		fakeRuntime: &fakeRuntime{state: "EXITED", lag: 1},
		entered:     make(chan struct{}),
		resume:      make(chan struct{}),
	}
	c := New(rt, testConfig(newFakeClock()))
	_, err := c.Status(context.Background())
	require.NoError(t, err)
	require.Equal(t, StateStopped, c.Snapshot().State)

	rt.armed.Store(true)
	done := make(chan Snapshot, 1)
	go func() {
		snap, err := c.Status(context.Background())
		assert.NoError(t, err)
		done <- snap
	}()
	<-rt.entered

	require.NoError(t, c.Start(context.Background()))
	close(rt.resume)

	snap := <-done
	assert.Equal(t, StateRunning, snap.State)
	assert.Equal(t, "running", snap.Observed)
	assert.Equal(t, StateRunning, c.Snapshot().State)

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, []string{"start", "stop"}, rt.issued())
}

func TestStartMutationFailure(t *testing.T) {
	boom := errors.New("boom")
	rt := &fakeRuntime{state: "EXITED", startErr: boom}
	clock := newFakeClock()
	c := newTestController(t, rt, clock)

	err := c.Start(context.Background())
	assert.Same(t, boom, err)

	snap := c.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, "boom", snap.LastError)
	assert.Empty(t, clock.sleeps(), "no polling after a failed mutation")
}

func TestPollErrorsAreTolerated(t *testing.T) {
	rt := &fakeRuntime{state: "EXITED", lag: 1}
	c := newTestController(t, rt, newFakeClock())
	rt.statusErr = []error{errors.New("eof"), errors.New("503")}

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, StateRunning, c.Snapshot().State)
}

func TestFatalPollErrorStopsPolling(t *testing.T) {
	rt := &fakeRuntime{state: "EXITED", lag: 1}
	clock := newFakeClock()
	c := newTestController(t, rt, clock)
	rt.statusErr = []error{fatalErr{}}

	err := c.Start(context.Background())
	assert.ErrorAs(t, err, new(fatalErr))
	assert.Equal(t, StateError, c.Snapshot().State)
	assert.Len(t, clock.sleeps(), 1)
}

func TestCancellationAbandonsPolling(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt := &fakeRuntime{state: "EXITED", lag: 1000, onIssue: cancel}
	c := newTestController(t, rt, newFakeClock())

	err := c.Start(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateError, c.Snapshot().State)
	assert.Equal(t, []string{"start"}, rt.issued())
}

func TestRestart(t *testing.T) {
	rt := &fakeRuntime{state: "RUNNING", lag: 1}
	clock := newFakeClock()
	c := newTestController(t, rt, clock)

	var states []State
	c.Subscribe(func(s Snapshot) {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	})

	require.NoError(t, c.Restart(context.Background()))
	assert.Equal(t, []string{"stop", "start"}, rt.issued())
	assert.Equal(t, StateRunning, c.Snapshot().State)
	assert.Equal(t, []State{StateStopping, StateStopped, StateStarting, StateRunning}, states)
	assert.Contains(t, clock.sleeps(), 2*time.Second)
}

func TestRestartFailsWhenStopFails(t *testing.T) {
	rt := &fakeRuntime{state: "RUNNING", lag: 1000}
	c := newTestController(t, rt, newFakeClock())

	err := c.Restart(context.Background())
	require.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, []string{"stop"}, rt.issued())
	assert.Equal(t, StateError, c.Snapshot().State)
}

func TestStopFromError(t *testing.T) {
	rt := &fakeRuntime{state: "EXITED", startErr: errors.New("boom")}
	c := newTestController(t, rt, newFakeClock())
	require.Error(t, c.Start(context.Background()))
	require.Equal(t, StateError, c.Snapshot().State)

	rt.mu.Lock()
	rt.startErr = nil
	rt.state = "RUNNING"
	rt.lag = 1
	rt.mu.Unlock()

	require.NoError(t, c.Stop(context.Background()))
	assert.Equal(t, StateStopped, c.Snapshot().State)
	assert.Empty(t, c.Snapshot().LastError)
}

func TestRecorder(t *testing.T) {
	rec := &recorder{}
	rt := &fakeRuntime{state: "EXITED", lag: 1}
	c := New(rt, Config{PollInterval: time.Second, Clock: newFakeClock(), Recorder: rec})
	_, err := c.Status(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Start(context.Background()))
	assert.Equal(t, []string{"unknown->stopped", "stopped->starting", "starting->running"}, rec.transitions)
	assert.Equal(t, []string{"start:ok"}, rec.actions)
}

// flipRuntime alternates between running and exited on every query.
type flipRuntime struct {
	n atomic.Int64
}

func (f *flipRuntime) Container() string              { return "minecraft" }
func (f *flipRuntime) Start(ctx context.Context) error { return nil }
func (f *flipRuntime) Stop(ctx context.Context) error  { return nil }

func (f *flipRuntime) Status(ctx context.Context) (string, error) {
	if f.n.Add(1)%2 == 0 {
		return "RUNNING", nil
	}
	return "EXITED", nil
}

func TestSubscribersSeeChangesInOrder(t *testing.T) {
	c := New(&flipRuntime{}, Config{Clock: newFakeClock()})

	var (
		mu       sync.Mutex
		versions []uint64
	)
	c.Subscribe(func(s Snapshot) {
		mu.Lock()
		defer mu.Unlock()
		versions = append(versions, s.Version)
	})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				_, err := c.Status(context.Background())
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, versions)
	for i := 1; i < len(versions); i++ {
		require.Greater(t, versions[i], versions[i-1], "notification %d out of order", i)
	}
	assert.Equal(t, c.Snapshot().Version, versions[len(versions)-1])
}

func TestIndependentControllers(t *testing.T) {
	a := newTestController(t, &fakeRuntime{state: "RUNNING"}, newFakeClock())
	b := newTestController(t, &fakeRuntime{state: "EXITED"}, newFakeClock())
	assert.Equal(t, StateRunning, a.Snapshot().State)
	assert.Equal(t, StateStopped, b.Snapshot().State)
}
