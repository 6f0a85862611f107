// Package control owns the lifecycle of the game-server container: it issues
// start, stop and restart through a Runtime and reconciles the observed status
// until the container settles or the action times out.
package control

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// State is the controller's view of the container.
type State string

// Container states.
const (
	StateUnknown  State = "unknown"
	StateStopped  State = "stopped"
	StateRunning  State = "running"
	StateStarting State = "starting"
	StateStopping State = "stopping"
	StateError    State = "error"
)

// ParseState maps a status reported by a runtime onto State. Values outside
// the known set map to StateUnknown.
func ParseState(raw string) State {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "running":
		return StateRunning
	case "exited", "stopped", "created", "dead":
		return StateStopped
	case "starting", "restarting":
		return StateStarting
	case "stopping", "removing":
		return StateStopping
	case "error":
		return StateError
	}
	return StateUnknown
}

// ActionKind names a lifecycle action.
type ActionKind string

// Lifecycle actions.
const (
	ActionStart   ActionKind = "start"
	ActionStop    ActionKind = "stop"
	ActionRestart ActionKind = "restart"
)

// allowed lists the states each action may start from.
var allowed = map[ActionKind][]State{
	ActionStart:   {StateStopped, StateError, StateUnknown},
	ActionStop:    {StateRunning, StateError},
	ActionRestart: {StateRunning},
}

func permitted(kind ActionKind, from State) bool {
	for _, s := range allowed[kind] {
		if s == from {
			return true
		}
	}
	return false
}

// ActionRequest identifies one lifecycle invocation.
type ActionRequest struct {
	ID       string     `json:"id"`
	Kind     ActionKind `json:"kind"`
	IssuedAt time.Time  `json:"issuedAt"`
}

// Runtime is the port to whatever actually runs the container.
type Runtime interface {
	// Container returns the name of the managed container.
	Container() string
	// Status returns the raw state reported for the container, or
	// ErrContainerNotFound.
	Status(ctx context.Context) (string, error)
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Errors returned by the controller and its runtimes.
var (
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrOperationInProgress = errors.New("another lifecycle operation is in progress")
	ErrTimeout             = errors.New("timed out waiting for container state")
	ErrContainerNotFound   = errors.New("container not found")
)

// TransitionError reports an action requested from a state that does not
// permit it. It matches ErrInvalidTransition.
type TransitionError struct {
	From   State
	Action ActionKind
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot %s container in state %s", e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// fatal reports whether further polling cannot change the outcome.
func fatal(err error) bool {
	if errors.Is(err, ErrContainerNotFound) {
		return true
	}
	var f interface{ Fatal() bool }
	return errors.As(err, &f) && f.Fatal()
}

// Clock abstracts time for the reconciliation loop.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
