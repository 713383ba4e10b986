package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type reply struct {
	out       gateway.Output
	refreshed string
	err       error
}

// fakeInterpreter blocks each call until a reply is sent. When ignoreCtx is
// set it keeps waiting after cancellation, so the reply races the cancel.
type fakeInterpreter struct {
	started   chan compile.Program
	replies   chan reply
	ignoreCtx bool
}

func newFake() *fakeInterpreter {
	return &fakeInterpreter{started: make(chan compile.Program, 1), replies: make(chan reply, 1)}
}

func (f *fakeInterpreter) Interpret(ctx context.Context, cred *models.Credential, prog compile.Program) (gateway.Output, string, error) {
	f.started <- prog
	if f.ignoreCtx {
		r := <-f.replies
		return r.out, r.refreshed, r.err
	}
	select {
	case r := <-f.replies:
		return r.out, r.refreshed, r.err
	case <-ctx.Done():
		return gateway.Output{}, "", gateway.ErrCancelled
	}
}

type absorber struct{ tokens []string }

func (a *absorber) AbsorbRefresh(tok string) {
	if tok != "" {
		a.tokens = append(a.tokens, tok)
	}
}

type outcome struct {
	res Result
	err error
}

func runAsync(c *Coordinator, src string, cred *models.Credential) chan outcome {
	done := make(chan outcome, 1)
	go func() {
		res, err := c.Run(context.Background(), src, cred)
		done <- outcome{res, err}
	}()
	return done
}

func TestRunSuccess(t *testing.T) {
	f := newFake()
	tokens := &absorber{}
	c := New(f, tokens)

	done := runAsync(c, `print 1 + 2`, &models.Credential{Token: "t", Username: "alice"})
	prog := <-f.started
	assert.True(t, prog.OK())
	assert.Equal(t, Running, c.State())

	f.replies <- reply{out: gateway.Output{Text: "3\n", OK: true}, refreshed: "t2"}
	o := <-done
	require.NoError(t, o.err)
	assert.Equal(t, "3\n", o.res.Output)
	assert.True(t, o.res.OK)
	assert.Equal(t, []string{"t2"}, tokens.tokens)
	assert.Equal(t, Idle, c.State())
}

func TestRunSubmitsCompileErrors(t *testing.T) {
	f := newFake()
	c := New(f, nil)

	done := runAsync(c, `print (`, nil)
	prog := <-f.started
	assert.False(t, prog.OK())

	f.replies <- reply{out: gateway.Output{Text: prog.Message, OK: false}}
	o := <-done
	require.NoError(t, o.err)
	assert.False(t, o.res.OK)
}

func TestAlreadyRunning(t *testing.T) {
	f := newFake()
	c := New(f, nil)

	done := runAsync(c, `print 1`, nil)
	<-f.started

	_, err := c.Run(context.Background(), `print 2`, nil)
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	f.replies <- reply{out: gateway.Output{Text: "1\n", OK: true}}
	require.NoError(t, (<-done).err)
}

func TestCancelDropsLateResult(t *testing.T) {
	f := newFake()
	f.ignoreCtx = true
	tokens := &absorber{}
	c := New(f, tokens)

	done := runAsync(c, `print 1`, &models.Credential{Token: "t", Username: "alice"})
	<-f.started

	assert.True(t, c.Cancel())
	// The transport still completes successfully after the cancel.
	f.replies <- reply{out: gateway.Output{Text: "1\n", OK: true}, refreshed: "t2"}

	o := <-done
	assert.ErrorIs(t, o.err, ErrCancelled)
	assert.Empty(t, o.res.Output)
	assert.Empty(t, tokens.tokens, "a cancelled run must not mutate state")
	assert.Equal(t, Idle, c.State())
}

func TestCancelAbortsRequest(t *testing.T) {
	f := newFake()
	c := New(f, nil)

	done := runAsync(c, `while true do end`, nil)
	<-f.started
	require.True(t, c.Cancel())

	select {
	case o := <-done:
		assert.ErrorIs(t, o.err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("cancel did not abort the run")
	}
}

func TestCancelWhenIdle(t *testing.T) {
	c := New(newFake(), nil)
	assert.False(t, c.Cancel())
}

func TestRunFailures(t *testing.T) {
	for _, want := range []error{gateway.ErrUnauthorized, gateway.ErrNetwork} {
		f := newFake()
		c := New(f, nil)
		done := runAsync(c, `print 1`, &models.Credential{Token: "t"})
		<-f.started
		f.replies <- reply{err: want}
		o := <-done
		assert.ErrorIs(t, o.err, want)
		assert.Equal(t, Idle, c.State())
	}
}
