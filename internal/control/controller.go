package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Recorder receives controller metrics.
type Recorder interface {
	Transition(from, to string)
	Action(kind, outcome string, elapsed time.Duration)
}

// Config holds the controller timings and collaborators. Zero durations take
// the defaults below.
type Config struct {
	PollInterval time.Duration
	StartTimeout time.Duration
	StopTimeout  time.Duration
	RestartDelay time.Duration
	Clock        Clock
	Logger       *zap.Logger
	Recorder     Recorder
}

const (
	defaultPollInterval = 2 * time.Second
	defaultStartTimeout = 60 * time.Second
	defaultStopTimeout  = 60 * time.Second
	defaultRestartDelay = 2 * time.Second
)

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	Container string         `json:"container"`
	State     State          `json:"state"`
	Observed  string         `json:"observed,omitempty"`
	Found     bool           `json:"found"`
	Action    *ActionRequest `json:"action,omitempty"`
	LastError string         `json:"lastError,omitempty"`
	UpdatedAt time.Time      `json:"updatedAt"`
	// Version increases with every change and orders snapshots.
	Version   uint64         `json:"version"`
}

// Controller is the single owner of the container state. Lifecycle actions
// are serialized through a one-slot semaphore; a second caller fails fast.
type Controller struct {
	runtime Runtime
	cfg     Config
	clock   Clock
	logger  *zap.Logger

	slot chan struct{}

	// notifyMu serializes update so subscribers see changes in order. It is
	// taken before mu.
	notifyMu sync.Mutex

	mu   sync.Mutex
	snap Snapshot
	subs []func(Snapshot)
	// gen changes whenever a lifecycle action begins or ends.
	gen  uint64
}

// New creates a controller for rt in state unknown.
func New(rt Runtime, cfg Config) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = defaultStartTimeout
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}
	if cfg.RestartDelay < 0 {
		cfg.RestartDelay = 0
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return &Controller{
		runtime: rt,
		cfg:     cfg,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With(zap.String("container", rt.Container())),
		slot:    make(chan struct{}, 1),
		snap: Snapshot{
			Container: rt.Container(),
			State:     StateUnknown,
			UpdatedAt: cfg.Clock.Now(),
		},
	}
}

// Snapshot returns the current state without contacting the runtime.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snap
}

// Subscribe registers fn to be called with every changed snapshot, in
// Version order. Callbacks run on the goroutine that caused the change, must
// not block and must not start lifecycle actions or refresh the status.
func (c *Controller) Subscribe(fn func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subs = append(c.subs, fn)
}

// Status refreshes the state from the runtime. While a lifecycle action is in
// flight the reconciler owns the state, so only the observation is recorded.
// An observation taken across the start or end of an action is discarded.
func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	c.mu.Lock()
	gen := c.gen
	c.mu.Unlock()

	raw, err := c.runtime.Status(ctx)
	switch {
	case errors.Is(err, ErrContainerNotFound):
		return c.update(func(s *Snapshot) {
			if c.gen != gen {
				return
			}
			s.Found = false
			s.Observed = ""
			if s.Action == nil {
				s.State = StateUnknown
			}
		}), nil
	case err != nil:
		return c.Snapshot(), fmt.Errorf("query status: %w", err)
	}

	observed := ParseState(raw)
	return c.update(func(s *Snapshot) {
		if c.gen != gen {
			return
		}
		s.Found = true
		s.Observed = raw
		if s.Action == nil {
			s.State = observed
		}
	}), nil
}

// Start starts the container and waits until it reports running.
func (c *Controller) Start(ctx context.Context) error {
	return c.run(ctx, ActionStart)
}

// Stop stops the container and waits until it reports stopped.
func (c *Controller) Stop(ctx context.Context) error {
	return c.run(ctx, ActionStop)
}

// Restart stops the container, waits RestartDelay and starts it again, all
// inside one lifecycle slot. A failed stop phase fails the restart.
func (c *Controller) Restart(ctx context.Context) error {
	return c.run(ctx, ActionRestart)
}

func (c *Controller) run(ctx context.Context, kind ActionKind) error {
	select {
	case c.slot <- struct{}{}:
	default:
		return ErrOperationInProgress
	}
	defer func() { <-c.slot }()

	req, err := c.begin(kind)
	if err != nil {
		return err
	}
	log := c.logger.With(zap.String("action", string(kind)), zap.String("action_id", req.ID))
	log.Info("lifecycle action started")

	switch kind {
	case ActionStart:
		err = c.phase(ctx, log, StateStarting, StateRunning, c.cfg.StartTimeout, c.runtime.Start)
	case ActionStop:
		err = c.phase(ctx, log, StateStopping, StateStopped, c.cfg.StopTimeout, c.runtime.Stop)
	case ActionRestart:
		err = c.phase(ctx, log, StateStopping, StateStopped, c.cfg.StopTimeout, c.runtime.Stop)
		if err == nil && c.cfg.RestartDelay > 0 {
			if serr := c.clock.Sleep(ctx, c.cfg.RestartDelay); serr != nil {
				err = serr
				c.settle(StateError, err)
			}
		}
		if err == nil {
			err = c.phase(ctx, log, StateStarting, StateRunning, c.cfg.StartTimeout, c.runtime.Start)
		}
	}

	c.end(req, log, err)
	return err
}

// begin checks the transition and claims the state for the reconciler.
func (c *Controller) begin(kind ActionKind) (*ActionRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !permitted(kind, c.snap.State) {
		return nil, &TransitionError{From: c.snap.State, Action: kind}
	}
	req := &ActionRequest{ID: uuid.NewString(), Kind: kind, IssuedAt: c.clock.Now()}
	c.snap.Action = req
	c.gen++
	return req, nil
}

func (c *Controller) end(req *ActionRequest, log *zap.Logger, err error) {
	elapsed := c.clock.Now().Sub(req.IssuedAt)
	c.update(func(s *Snapshot) {
		s.Action = nil
		c.gen++
	})

	outcome := "ok"
	switch {
	case err == nil:
		log.Info("lifecycle action finished", zap.Duration("elapsed", elapsed))
	case errors.Is(err, ErrTimeout):
		outcome = "timeout"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "canceled"
	default:
		outcome = "error"
	}
	if err != nil {
		log.Warn("lifecycle action failed", zap.String("outcome", outcome), zap.Duration("elapsed", elapsed), zap.Error(err))
	}
	if c.cfg.Recorder != nil {
		c.cfg.Recorder.Action(string(req.Kind), outcome, elapsed)
	}
}

// phase issues one remote action and polls until the container reaches want.
// Polling stops at ceil(timeout/PollInterval) attempts or once timeout has
// elapsed since the action was issued, whichever comes first; each poll is
// bounded by the time left.
func (c *Controller) phase(ctx context.Context, log *zap.Logger, during, want State, timeout time.Duration, issue func(context.Context) error) error {
	c.settle(during, nil)

	if err := issue(ctx); err != nil {
		c.settle(StateError, err)
		return err
	}

	deadline := c.clock.Now().Add(timeout)
	attempts := maxAttempts(timeout, c.cfg.PollInterval)
	for i := 1; i <= attempts; i++ {
		if err := c.clock.Sleep(ctx, c.cfg.PollInterval); err != nil {
			c.settle(StateError, err)
			return err
		}
		if c.clock.Now().After(deadline) {
			break
		}

		raw, err := c.poll(ctx, deadline)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				c.settle(StateError, ctxErr)
				return ctxErr
			}
			if fatal(err) {
				c.settle(StateError, err)
				return err
			}
			log.Debug("status poll failed", zap.Int("attempt", i), zap.Error(err))
			if c.clock.Now().After(deadline) {
				break
			}
			continue
		}

		observed := ParseState(raw)
		c.update(func(s *Snapshot) {
			s.Found = true
			s.Observed = raw
		})
		if observed == want {
			c.settle(want, nil)
			return nil
		}
		log.Debug("waiting for container", zap.Int("attempt", i), zap.String("observed", raw), zap.String("want", string(want)))
		if c.clock.Now().After(deadline) {
			break
		}
	}

	err := fmt.Errorf("%w: container did not reach %s within %s", ErrTimeout, want, timeout)
	c.settle(StateError, err)
	return err
}

// poll queries the runtime once, bounded by the time left until deadline. A
// poll made exactly at the deadline gets one PollInterval.
func (c *Controller) poll(ctx context.Context, deadline time.Time) (string, error) {
	left := deadline.Sub(c.clock.Now())
	if left <= 0 {
		left = c.cfg.PollInterval
	}
	pctx, cancel := context.WithTimeout(ctx, left)
	defer cancel()
	return c.runtime.Status(pctx)
}

func maxAttempts(timeout, interval time.Duration) int {
	n := int((timeout + interval - 1) / interval)
	if n < 1 {
		n = 1
	}
	return n
}

// settle moves the state machine to st and records err, if any.
func (c *Controller) settle(st State, err error) {
	c.update(func(s *Snapshot) {
		s.State = st
		if err != nil {
			s.LastError = err.Error()
		} else if st != StateStarting && st != StateStopping {
			s.LastError = ""
		}
	})
}

// update applies fn under the lock and notifies subscribers when the
// snapshot changed. Notifications are delivered in the order the changes
// were made.
func (c *Controller) update(fn func(*Snapshot)) Snapshot {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	c.mu.Lock()
	before := c.snap
	fn(&c.snap)
	changed := c.snap != before
	if changed {
		c.snap.UpdatedAt = c.clock.Now()
		c.snap.Version++
	}
	snap := c.snap
	subs := c.subs
	c.mu.Unlock()

	if !changed {
		return snap
	}
	if before.State != snap.State {
		c.logger.Info("container state changed",
			zap.String("from", string(before.State)),
			zap.String("to", string(snap.State)))
		if c.cfg.Recorder != nil {
			c.cfg.Recorder.Transition(string(before.State), string(snap.State))
		}
	}
	for _, fn := range subs {
		fn(snap)
	}
	return snap
}
