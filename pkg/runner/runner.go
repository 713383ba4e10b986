// Package runner submits programs to the backend interpreter, one at a time,
// with cancellation that always wins over a late result.
package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	// ErrCancelled matches gateway.ErrCancelled.
	ErrCancelled = gateway.ErrCancelled
)

// State of the coordinator.
type State int

const (
	Idle State = iota
	Running
	Reporting
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Reporting:
		return "reporting"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Interpreter is the part of the gateway the coordinator needs.
type Interpreter interface {
	Interpret(ctx context.Context, cred *models.Credential, prog compile.Program) (gateway.Output, string, error)
}

// TokenAbsorber receives tokens renewed by the backend.
type TokenAbsorber interface {
	AbsorbRefresh(token string)
}

// Result of a completed run.
type Result struct {
	Output   string
	OK       bool
	Program  compile.Program
	Duration time.Duration
}

// Coordinator owns at most one in-flight run.
type Coordinator struct {
	gw     Interpreter
	tokens TokenAbsorber
	log    *zap.Logger

	mu        sync.Mutex
	state     State
	cancel    context.CancelFunc
	cancelled bool
}

// New creates an idle coordinator. tokens may be nil.
func New(gw Interpreter, tokens TokenAbsorber) *Coordinator {
	return &Coordinator{gw: gw, tokens: tokens, log: logging.Named("runner")}
}

// State returns the current state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Run compiles source and submits it, blocking until the backend answers,
// the run is cancelled, or ctx is done. cred may be nil for an anonymous run.
// The compiled program is submitted even when it carries a compile error;
// the backend decides whether the run succeeded.
func (c *Coordinator) Run(ctx context.Context, source string, cred *models.Credential) (Result, error) {
	c.mu.Lock()
	if c.state != Idle {
		c.mu.Unlock()
		return Result{}, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.state = Running
	c.cancel = cancel
	c.cancelled = false
	c.mu.Unlock()
	defer cancel()

	start := time.Now()
	prog := compile.Compile(source)
	out, refreshed, err := c.gw.Interpret(runCtx, cred, prog)

	c.mu.Lock()
	c.cancel = nil
	if c.cancelled {
		c.state = Idle
		c.mu.Unlock()
		c.log.Debug("dropped result of cancelled run")
		return Result{}, ErrCancelled
	}
	if err != nil {
		c.state = Idle
		c.mu.Unlock()
		if !errors.Is(err, gateway.ErrCancelled) {
			c.log.Debug("run failed", zap.Error(err))
		}
		return Result{}, err
	}
	c.state = Reporting
	c.mu.Unlock()

	if c.tokens != nil && cred != nil {
		c.tokens.AbsorbRefresh(refreshed)
	}
	res := Result{Output: out.Text, OK: out.OK, Program: prog, Duration: time.Since(start)}
	c.log.Debug("run finished", zap.Bool("ok", res.OK), zap.Duration("duration", res.Duration))

	c.mu.Lock()
	c.state = Idle
	c.mu.Unlock()
	return res, nil
}

// Cancel aborts the in-flight run. Its result, if one still arrives, is
// dropped. Cancel reports whether a run was in flight.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return false
	}
	c.cancelled = true
	if c.cancel != nil {
		c.cancel()
	}
	return true
}
