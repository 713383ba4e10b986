// Package session owns the single editing session of the client: the open
// file, its buffer and dirty flag, the last run output, and the guards that
// keep them consistent with the backend while network calls are in flight.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"unicode"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/pkg/credential"
	"github.com/danpaxton/simple-script-ide/pkg/directory"
	"github.com/danpaxton/simple-script-ide/pkg/events"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/models"
	"github.com/danpaxton/simple-script-ide/pkg/runner"
)

// DefaultTitle is shown when no file is open.
const DefaultTitle = "Create or load a file."

var (
	ErrNotAuthenticated = errors.New("not logged in")
	ErrNoOpenFile       = errors.New("no file is open")
	ErrSwitchPending    = errors.New("an unsaved-changes choice is pending")
	ErrNoPendingSwitch  = errors.New("no switch is pending")
	ErrSaveInProgress   = errors.New("a save is already in progress")
	ErrInvalidUsername  = errors.New("invalid username")
	ErrInvalidPassword  = errors.New("password must not be empty")
	// ErrBufferChanged aborts a switch when the buffer was edited while the
	// switch was in flight. The edits stay in the buffer.
	ErrBufferChanged = errors.New("buffer edited while switching files; switch cancelled")
	// ErrStale is returned when a result arrived after the session moved on
	// and was not applied.
	ErrStale = errors.New("session changed before the result arrived")
)

// Gateway is the backend surface the controller drives.
type Gateway interface {
	directory.Gateway
	runner.Interpreter
	Login(ctx context.Context, username, password string) (*models.Credential, error)
	Register(ctx context.Context, username, password string) error
}

// Choice resolves a pending switch.
type Choice int

const (
	SaveThenSwitch Choice = iota
	DiscardThenSwitch
)

// OpenResult tells the caller what RequestOpen did.
type OpenResult int

const (
	OpenNoOp OpenResult = iota
	Opened
	OpenPending
)

func (r OpenResult) String() string {
	switch r {
	case OpenNoOp:
		return "no-op"
	case Opened:
		return "opened"
	case OpenPending:
		return "pending"
	}
	return fmt.Sprintf("OpenResult(%d)", int(r))
}

// Snapshot is the state exposed to the presentation layer.
type Snapshot struct {
	Authenticated bool
	Username      string
	FileID        string
	Title         string
	Buffer        string
	Dirty         bool
	Output        string
	OutputOK      bool
	HasOutput     bool
	ParseView     string
	Running       bool
	Saving        bool
	PendingSwitch string
	Files         []models.FileRecord
}

type pendingSwitch struct {
	id        string
	resolving bool
}

// Controller is the session. Construct one per client with New.
type Controller struct {
	gw      Gateway
	creds   *credential.Store
	dir     *directory.Directory
	runs    *runner.Coordinator
	notices *events.Broadcaster
	log     *zap.Logger

	mu       sync.Mutex
	epoch    uint64 // bumped whenever the open file changes or the session resets
	rev      uint64 // bumped on every buffer change
	file     *models.FileRecord
	buffer   string
	dirty    bool
	output   string
	outputOK bool
	hasOut   bool
	parse    string
	running   bool
	runStop   bool
	runCancel context.CancelFunc
	saving    bool
	pending   *pendingSwitch

	// beforeSubmit, when set, runs after a run is marked in flight and
	// before its request is sent.
	beforeSubmit func()
}

// New wires a controller to gw and creds. A nil creds keeps the credential
// in memory only.
func New(gw Gateway, creds *credential.Store) *Controller {
	if creds == nil {
		creds = credential.NewStore(nil)
	}
	c := &Controller{
		gw:      gw,
		creds:   creds,
		dir:     directory.New(gw, creds),
		runs:    runner.New(gw, creds),
		notices: events.NewBroadcaster(),
		log:     logging.Named("session"),
	}
	creds.OnChange(c.onCredential)
	return c
}

// Subscribe returns a channel of notices. Call Unsubscribe when done.
func (c *Controller) Subscribe() chan events.Notice { return c.notices.Subscribe() }

// Unsubscribe stops delivery to ch and closes it.
func (c *Controller) Unsubscribe(ch chan events.Notice) { c.notices.Unsubscribe(ch) }

// Notices returns the broadcaster notices are published on.
func (c *Controller) Notices() *events.Broadcaster { return c.notices }

// Snapshot returns a copy of the session state.
func (c *Controller) Snapshot() Snapshot {
	cred := c.creds.Current()
	files := c.dir.Files()

	c.mu.Lock()
	defer c.mu.Unlock()
	s := Snapshot{
		Authenticated: cred != nil,
		Title:         DefaultTitle,
		Buffer:        c.buffer,
		Dirty:         c.dirty,
		Output:        c.output,
		OutputOK:      c.outputOK,
		HasOutput:     c.hasOut,
		ParseView:     c.parse,
		Running:       c.running,
		Saving:        c.saving,
		Files:         files,
	}
	if cred != nil {
		s.Username = cred.Username
	}
	if c.file != nil {
		s.FileID = c.file.ID
		s.Title = c.file.Title
	}
	if c.pending != nil && !c.pending.resolving {
		s.PendingSwitch = c.pending.id
	}
	return s
}

// Restore picks up a credential persisted by an earlier run.
func (c *Controller) Restore(ctx context.Context) (bool, error) {
	return c.creds.Restore(ctx)
}

// Login authenticates and starts a fresh session.
func (c *Controller) Login(ctx context.Context, username, password string) error {
	cred, err := c.gw.Login(ctx, username, password)
	if err != nil {
		return c.fail(ctx, "login", err)
	}
	c.runs.Cancel()
	c.dir.Reset()
	c.mu.Lock()
	c.pending = nil
	c.resetLocked()
	c.mu.Unlock()
	c.creds.Set(ctx, cred)
	return nil
}

// Register creates an identity and then logs in with it.
func (c *Controller) Register(ctx context.Context, username, password string) error {
	if err := ValidateUsername(username); err != nil {
		c.notices.Publish(events.Notice{Kind: events.KindError, Message: err.Error()})
		return err
	}
	if password == "" {
		c.notices.Publish(events.Notice{Kind: events.KindError, Message: ErrInvalidPassword.Error()})
		return ErrInvalidPassword
	}
	if err := c.gw.Register(ctx, username, password); err != nil {
		return c.fail(ctx, "register", err)
	}
	return c.Login(ctx, username, password)
}

// ValidateUsername checks the registration rules for usernames.
func ValidateUsername(username string) error {
	switch {
	case username == "":
		return fmt.Errorf("%w: must not be empty", ErrInvalidUsername)
	case utf8.RuneCountInString(username) > models.MaxUsernameLength:
		return fmt.Errorf("%w: at most %d characters", ErrInvalidUsername, models.MaxUsernameLength)
	case strings.IndexFunc(username, unicode.IsSpace) >= 0:
		return fmt.Errorf("%w: must not contain spaces", ErrInvalidUsername)
	}
	return nil
}

// Logout drops the credential and resets the session. Unsaved edits are lost.
func (c *Controller) Logout(ctx context.Context) {
	c.runs.Cancel()
	if !c.creds.Clear(ctx) {
		c.onCredential(ctx, nil)
	}
}

func (c *Controller) onCredential(ctx context.Context, cred *models.Credential) {
	if cred == nil {
		c.dir.Reset()
		c.mu.Lock()
		c.pending = nil
		c.resetLocked()
		c.mu.Unlock()
		c.log.Info("session reset")
		return
	}
	if _, err := c.dir.Refresh(ctx, cred); err != nil {
		c.fail(ctx, "list files", err)
	}
}

// Edit replaces the buffer. The session becomes dirty.
func (c *Controller) Edit(text string) {
	c.mu.Lock()
	c.buffer = text
	c.dirty = true
	c.rev++
	c.mu.Unlock()
}

// Clear empties the buffer and the run output, keeping the open file.
func (c *Controller) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer = ""
	c.rev++
	c.dirty = c.file != nil && c.file.SourceCode != ""
	c.clearOutputLocked()
}

// Run submits the buffer to the interpreter and records the output. It
// blocks until the result arrives or the run is cancelled with CancelRun.
// Runs are allowed without a credential.
func (c *Controller) Run(ctx context.Context) (runner.Result, error) {
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return runner.Result{}, ErrSwitchPending
	}
	if c.running {
		c.mu.Unlock()
		return runner.Result{}, runner.ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.running = true
	c.runStop = false
	c.runCancel = cancel
	src, epoch := c.buffer, c.epoch
	c.mu.Unlock()

	if c.beforeSubmit != nil {
		c.beforeSubmit()
	}

	c.mu.Lock()
	stopped := c.runStop
	c.mu.Unlock()

	var res runner.Result
	var err error
	if !stopped {
		res, err = c.runs.Run(runCtx, src, c.creds.Current())
	}

	c.mu.Lock()
	c.running = false
	c.runCancel = nil
	stopped = c.runStop
	stale := epoch != c.epoch
	if err == nil && !stopped && !stale {
		c.output = res.Output
		c.outputOK = res.OK
		c.hasOut = true
		c.parse = parseView(res)
	}
	c.mu.Unlock()

	switch {
	case stopped:
		return runner.Result{}, runner.ErrCancelled
	case err != nil:
		return runner.Result{}, c.fail(ctx, "run", err)
	case stale:
		return res, ErrStale
	}
	return res, nil
}

// CancelRun aborts the run in flight. Its result is never applied.
func (c *Controller) CancelRun() bool {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return false
	}
	c.runStop = true
	c.runCancel()
	c.mu.Unlock()
	c.runs.Cancel()
	return true
}

// Save persists the buffer to the open file.
func (c *Controller) Save(ctx context.Context) error {
	cred := c.creds.Current()
	c.mu.Lock()
	switch {
	case cred == nil:
		c.mu.Unlock()
		return ErrNotAuthenticated
	case c.pending != nil:
		c.mu.Unlock()
		return ErrSwitchPending
	case c.file == nil:
		c.mu.Unlock()
		return ErrNoOpenFile
	case c.saving:
		c.mu.Unlock()
		return ErrSaveInProgress
	}
	op := c.beginSaveLocked()
	c.mu.Unlock()
	return c.save(ctx, cred, op)
}

type saveOp struct {
	id, buf    string
	rev, epoch uint64
}

// beginSaveLocked marks a save in flight. mu must be held and a file open.
func (c *Controller) beginSaveLocked() saveOp {
	c.saving = true
	return saveOp{id: c.file.ID, buf: c.buffer, rev: c.rev, epoch: c.epoch}
}

// save persists op and applies the result if the session has not moved on.
// The dirty flag is only cleared when the buffer was not edited meanwhile.
func (c *Controller) save(ctx context.Context, cred *models.Credential, op saveOp) error {
	err := c.dir.Update(ctx, cred, op.id, op.buf)

	c.mu.Lock()
	c.saving = false
	stale := op.epoch != c.epoch
	if err == nil && !stale {
		c.file.SourceCode = op.buf
		if op.rev == c.rev {
			c.dirty = false
		}
	}
	c.mu.Unlock()

	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			c.detach(op.id)
		}
		return c.fail(ctx, "save", err, op.id)
	}
	if stale {
		c.log.Debug("discarding stale save completion", zap.String("id", op.id))
		return ErrStale
	}
	return nil
}

// NewFile creates a file. An untitled buffer becomes the new file's source
// and stays open; otherwise an empty file is created and opened through
// RequestOpen, which may leave a switch pending.
func (c *Controller) NewFile(ctx context.Context, title string) (models.FileRecord, OpenResult, error) {
	cred := c.creds.Current()
	if cred == nil {
		return models.FileRecord{}, OpenNoOp, ErrNotAuthenticated
	}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return models.FileRecord{}, OpenNoOp, ErrSwitchPending
	}
	untitled := c.file == nil
	source, rev, epoch := "", c.rev, c.epoch
	if untitled {
		source = c.buffer
	}
	c.mu.Unlock()

	rec, err := c.dir.Create(ctx, cred, title, source)
	if err != nil {
		return models.FileRecord{}, OpenNoOp, c.fail(ctx, "create file", err)
	}
	if !untitled {
		res, err := c.RequestOpen(ctx, rec.ID)
		return rec, res, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if epoch != c.epoch || c.file != nil {
		return rec, OpenNoOp, ErrStale
	}
	c.file = &rec
	c.epoch++
	c.dirty = rev != c.rev
	return rec, Opened, nil
}

// RequestOpen switches to file id. When the session is dirty the switch
// waits for ResolveSwitch or CancelSwitch.
func (c *Controller) RequestOpen(ctx context.Context, id string) (OpenResult, error) {
	if !c.creds.Authenticated() {
		return OpenNoOp, ErrNotAuthenticated
	}
	c.mu.Lock()
	if c.file != nil && c.file.ID == id {
		c.mu.Unlock()
		return OpenNoOp, nil
	}
	if c.pending != nil {
		c.mu.Unlock()
		return OpenNoOp, ErrSwitchPending
	}
	p := &pendingSwitch{id: id}
	c.pending = p
	if c.dirty {
		c.mu.Unlock()
		return OpenPending, nil
	}
	p.resolving = true
	rev := c.rev
	c.mu.Unlock()

	if err := c.commitOpen(ctx, p, rev); err != nil {
		return OpenNoOp, err
	}
	return Opened, nil
}

// ResolveSwitch completes a pending switch.
func (c *Controller) ResolveSwitch(ctx context.Context, choice Choice) error {
	cred := c.creds.Current()
	c.mu.Lock()
	p := c.pending
	if p == nil || p.resolving {
		c.mu.Unlock()
		return ErrNoPendingSwitch
	}
	if choice == SaveThenSwitch {
		switch {
		case c.file == nil:
			c.mu.Unlock()
			return ErrNoOpenFile
		case c.saving:
			c.mu.Unlock()
			return ErrSaveInProgress
		case cred == nil:
			c.mu.Unlock()
			return ErrNotAuthenticated
		}
	}
	p.resolving = true
	rev := c.rev
	var op saveOp
	if choice == SaveThenSwitch {
		op = c.beginSaveLocked()
	}
	c.mu.Unlock()

	if choice == SaveThenSwitch {
		if err := c.save(ctx, cred, op); err != nil {
			c.mu.Lock()
			if c.pending == p {
				c.pending = nil
			}
			c.mu.Unlock()
			return err
		}
	}
	return c.commitOpen(ctx, p, rev)
}

// CancelSwitch abandons a pending switch and stays on the open file.
func (c *Controller) CancelSwitch() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil || c.pending.resolving {
		return false
	}
	c.pending = nil
	return true
}

// commitOpen loads p.id into the session. p must be the resolving pending
// switch and rev the buffer revision the caller agreed to replace; the switch
// is abandoned if the buffer has moved past it.
func (c *Controller) commitOpen(ctx context.Context, p *pendingSwitch, rev uint64) error {
	c.mu.Lock()
	epoch := c.epoch
	edited := c.rev != rev
	if edited && c.pending == p {
		c.pending = nil
	}
	c.mu.Unlock()
	if edited {
		return ErrBufferChanged
	}

	cred := c.creds.Current()
	if cred == nil {
		c.mu.Lock()
		if c.pending == p {
			c.pending = nil
		}
		c.mu.Unlock()
		return ErrNotAuthenticated
	}
	rec, err := c.dir.FetchOne(ctx, cred, p.id)

	c.mu.Lock()
	if c.pending == p {
		c.pending = nil
	}
	stale := epoch != c.epoch
	edited = c.rev != rev
	if err == nil && !stale && !edited {
		c.file = &rec
		c.buffer = rec.SourceCode
		c.dirty = false
		c.rev++
		c.epoch++
		c.clearOutputLocked()
	}
	c.mu.Unlock()

	if err != nil {
		return c.fail(ctx, "open file", err, p.id)
	}
	if stale {
		return ErrStale
	}
	if edited {
		return ErrBufferChanged
	}
	c.log.Debug("opened file", zap.String("id", rec.ID), zap.String("title", rec.Title))
	return nil
}

// DeleteFile deletes id. When it is the open file, the successor the
// backend nominates is opened, or the session resets when there is none.
func (c *Controller) DeleteFile(ctx context.Context, id string) error {
	cred := c.creds.Current()
	if cred == nil {
		return ErrNotAuthenticated
	}
	c.mu.Lock()
	if c.pending != nil {
		c.mu.Unlock()
		return ErrSwitchPending
	}
	c.mu.Unlock()

	next, err := c.dir.Remove(ctx, cred, id)
	if err != nil {
		if errors.Is(err, gateway.ErrNotFound) {
			c.detach(id)
		}
		return c.fail(ctx, "delete file", err, id)
	}

	c.mu.Lock()
	if c.file == nil || c.file.ID != id {
		c.mu.Unlock()
		return nil
	}
	c.resetLocked()
	if next == "" {
		c.mu.Unlock()
		return nil
	}
	p := &pendingSwitch{id: next, resolving: true}
	c.pending = p
	rev := c.rev
	c.mu.Unlock()
	return c.commitOpen(ctx, p, rev)
}

// detach turns the open file into an untitled buffer if it is id.
func (c *Controller) detach(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil && c.file.ID == id {
		c.file = nil
		c.epoch++
		c.dirty = c.buffer != ""
	}
}

// RefreshFiles reloads the directory listing.
func (c *Controller) RefreshFiles(ctx context.Context) ([]models.FileRecord, error) {
	cred := c.creds.Current()
	if cred == nil {
		return nil, ErrNotAuthenticated
	}
	files, err := c.dir.Refresh(ctx, cred)
	if err != nil {
		return nil, c.fail(ctx, "list files", err)
	}
	return files, nil
}

// Export writes the buffer to w.
func (c *Controller) Export(w io.Writer) error {
	c.mu.Lock()
	buf := c.buffer
	c.mu.Unlock()
	_, err := io.WriteString(w, buf)
	return err
}

// ExportName is the file name Export's output should be saved under.
func (c *Controller) ExportName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.file != nil {
		return c.file.Title
	}
	return "untitled." + models.Extension
}

// resetLocked puts the session in the no-file state. mu must be held.
func (c *Controller) resetLocked() {
	c.file = nil
	c.buffer = ""
	c.dirty = false
	c.rev++
	c.epoch++
	c.clearOutputLocked()
}

func (c *Controller) clearOutputLocked() {
	c.output = ""
	c.outputOK = false
	c.hasOut = false
	c.parse = ""
}

// fail turns err into a notice and returns it. Unauthorized forces a logout
// and publishes one session-expired notice however many calls fail.
func (c *Controller) fail(ctx context.Context, op string, err error, fileID ...string) error {
	n := events.Notice{Message: err.Error()}
	if len(fileID) > 0 {
		n.FileID = fileID[0]
	}
	switch {
	case errors.Is(err, gateway.ErrCancelled), errors.Is(err, directory.ErrSuperseded):
		return err
	case errors.Is(err, gateway.ErrUnauthorized):
		if c.creds.Clear(ctx) {
			c.log.Warn("session expired", zap.String("op", op))
			c.notices.Publish(events.Notice{Kind: events.KindSessionExpired, Message: "Session expired, please log in again."})
		}
		return err
	case errors.Is(err, directory.ErrInvalidTitle):
		n.Kind = events.KindInvalidTitle
	case errors.Is(err, gateway.ErrNotFound):
		n.Kind = events.KindNotFound
	case errors.Is(err, gateway.ErrNetwork):
		n.Kind = events.KindNetwork
	default:
		n.Kind = events.KindError
	}
	c.log.Debug("operation failed", zap.String("op", op), zap.Error(err))
	c.notices.Publish(n)
	return err
}

func parseView(res runner.Result) string {
	data, err := json.MarshalIndent(res.Program, "", "  ")
	if err != nil {
		return ""
	}
	return string(data)
}
