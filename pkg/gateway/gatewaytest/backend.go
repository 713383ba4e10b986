// Package gatewaytest provides an in-memory backend with the same method set
// as gateway.Client, for tests that need to hold, fail or race calls.
package gatewaytest

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/danpaxton/simple-script-ide/internal/interp"
	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

// Operation names accepted by Hold, FailNext and Calls.
const (
	OpLogin     = "login"
	OpRegister  = "register"
	OpInterpret = "interpret"
	OpList      = "list"
	OpCreate    = "create"
	OpFetch     = "fetch"
	OpUpdate    = "update"
	OpDelete    = "delete"
)

// Gate holds one call of an operation until released.
type Gate struct {
	Entered chan struct{}
	release chan struct{}
	once    sync.Once
}

// Release lets the held call proceed.
func (g *Gate) Release() { g.once.Do(func() { close(g.release) }) }

// Backend is a fake script backend. The zero value is not usable; call New.
type Backend struct {
	mu       sync.Mutex
	users    map[string]string
	tokens   map[string]string // token -> username
	files    map[string][]models.FileRecord
	nextID   int
	issued   int
	refresh  bool
	gates    map[string]*Gate
	failures map[string][]error
	calls    map[string]int
}

// New creates an empty backend.
func New() *Backend {
	return &Backend{
		users:    make(map[string]string),
		tokens:   make(map[string]string),
		files:    make(map[string][]models.FileRecord),
		gates:    make(map[string]*Gate),
		failures: make(map[string][]error),
		calls:    make(map[string]int),
	}
}

// AddUser registers a user and returns a valid credential for it.
func (b *Backend) AddUser(username, password string) *models.Credential {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.users[strings.ToLower(username)] = password
	return &models.Credential{Token: b.issue(username), Username: username}
}

// Seed stores a file for username directly.
func (b *Backend) Seed(username, title, source string) models.FileRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	rec := models.FileRecord{ID: strconv.Itoa(b.nextID), Title: title, SourceCode: source}
	b.files[username] = append(b.files[username], rec)
	return rec
}

// File returns the stored copy of a file.
func (b *Backend) File(username, id string) (models.FileRecord, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, f := range b.files[username] {
		if f.ID == id {
			return f, true
		}
	}
	return models.FileRecord{}, false
}

// Remove deletes a file behind the client's back.
func (b *Backend) Remove(username, id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.files[username] = without(b.files[username], id)
}

// ExpireAll invalidates every issued token.
func (b *Backend) ExpireAll() {
	b.mu.Lock()
	b.tokens = make(map[string]string)
	b.mu.Unlock()
}

// RefreshTokens makes every successful authenticated call carry a renewed token.
func (b *Backend) RefreshTokens(on bool) {
	b.mu.Lock()
	b.refresh = on
	b.mu.Unlock()
}

// Hold makes the next call of op wait until the returned gate is released.
// A held interpret call also returns when its context is cancelled.
func (b *Backend) Hold(op string) *Gate {
	g := &Gate{Entered: make(chan struct{}, 1), release: make(chan struct{})}
	b.mu.Lock()
	b.gates[op] = g
	b.mu.Unlock()
	return g
}

// FailNext makes the next call of op fail with err.
func (b *Backend) FailNext(op string, err error) {
	b.mu.Lock()
	b.failures[op] = append(b.failures[op], err)
	b.mu.Unlock()
}

// Calls returns how many times op was called.
func (b *Backend) Calls(op string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls[op]
}

func (b *Backend) issue(username string) string {
	b.issued++
	tok := fmt.Sprintf("tok-%s-%d", username, b.issued)
	b.tokens[tok] = username
	return tok
}

// enter records the call, waits at any gate and returns a scripted failure.
func (b *Backend) enter(ctx context.Context, op string) error {
	b.mu.Lock()
	b.calls[op]++
	g := b.gates[op]
	delete(b.gates, op)
	var fail error
	if q := b.failures[op]; len(q) > 0 {
		fail, b.failures[op] = q[0], q[1:]
	}
	b.mu.Unlock()

	if g != nil {
		g.Entered <- struct{}{}
		if op == OpInterpret {
			select {
			case <-g.release:
			case <-ctx.Done():
				return fmt.Errorf("%s: %w", op, gateway.ErrCancelled)
			}
		} else {
			<-g.release
		}
	}
	return fail
}

// auth must be called with mu held. It returns the user and the renewed
// token, if renewal is on.
func (b *Backend) auth(op string, cred *models.Credential) (string, string, error) {
	if cred == nil {
		return "", "", fmt.Errorf("%s: %w", op, gateway.ErrUnauthorized)
	}
	user, ok := b.tokens[cred.Token]
	if !ok {
		return "", "", fmt.Errorf("%s: %w", op, gateway.ErrUnauthorized)
	}
	refreshed := ""
	if b.refresh {
		refreshed = b.issue(user)
	}
	return user, refreshed, nil
}

func (b *Backend) Login(ctx context.Context, username, password string) (*models.Credential, error) {
	if err := b.enter(ctx, OpLogin); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if pw, ok := b.users[strings.ToLower(username)]; !ok || pw != password {
		return nil, fmt.Errorf("login: %w", gateway.ErrInvalidCredentials)
	}
	return &models.Credential{Token: b.issue(username), Username: username}, nil
}

func (b *Backend) Register(ctx context.Context, username, password string) error {
	if err := b.enter(ctx, OpRegister); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.users[strings.ToLower(username)]; ok {
		return fmt.Errorf("register: %w", gateway.ErrIdentityExists)
	}
	b.users[strings.ToLower(username)] = password
	return nil
}

func (b *Backend) Interpret(ctx context.Context, cred *models.Credential, prog compile.Program) (gateway.Output, string, error) {
	if err := b.enter(ctx, OpInterpret); err != nil {
		return gateway.Output{}, "", err
	}
	refreshed := ""
	if cred != nil {
		b.mu.Lock()
		_, r, err := b.auth(OpInterpret, cred)
		b.mu.Unlock()
		if err != nil {
			return gateway.Output{}, "", err
		}
		refreshed = r
	}
	if !prog.OK() {
		return gateway.Output{Text: prog.Message, OK: false}, refreshed, nil
	}
	out, err := interp.Run(ctx, prog, interp.Options{StepLimit: 10000})
	if err != nil {
		return gateway.Output{Text: out + err.Error(), OK: false}, refreshed, nil
	}
	return gateway.Output{Text: out, OK: true}, refreshed, nil
}

func (b *Backend) ListFiles(ctx context.Context, cred *models.Credential) ([]models.FileRecord, string, error) {
	if err := b.enter(ctx, OpList); err != nil {
		return nil, "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, refreshed, err := b.auth(OpList, cred)
	if err != nil {
		return nil, "", err
	}
	return append([]models.FileRecord(nil), b.files[user]...), refreshed, nil
}

func (b *Backend) CreateFile(ctx context.Context, cred *models.Credential, title, source string) (models.FileRecord, string, error) {
	if err := b.enter(ctx, OpCreate); err != nil {
		return models.FileRecord{}, "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, refreshed, err := b.auth(OpCreate, cred)
	if err != nil {
		return models.FileRecord{}, "", err
	}
	b.nextID++
	rec := models.FileRecord{ID: strconv.Itoa(b.nextID), Title: title, SourceCode: source}
	b.files[user] = append(b.files[user], rec)
	return rec, refreshed, nil
}

func (b *Backend) FetchFile(ctx context.Context, cred *models.Credential, id string) (models.FileRecord, string, error) {
	if err := b.enter(ctx, OpFetch); err != nil {
		return models.FileRecord{}, "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, refreshed, err := b.auth(OpFetch, cred)
	if err != nil {
		return models.FileRecord{}, "", err
	}
	for _, f := range b.files[user] {
		if f.ID == id {
			return f, refreshed, nil
		}
	}
	return models.FileRecord{}, "", fmt.Errorf("fetch file: %w", gateway.ErrNotFound)
}

func (b *Backend) UpdateFile(ctx context.Context, cred *models.Credential, id, source string) (string, error) {
	if err := b.enter(ctx, OpUpdate); err != nil {
		return "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, refreshed, err := b.auth(OpUpdate, cred)
	if err != nil {
		return "", err
	}
	for i, f := range b.files[user] {
		if f.ID == id {
			b.files[user][i].SourceCode = source
			return refreshed, nil
		}
	}
	return "", fmt.Errorf("update file: %w", gateway.ErrNotFound)
}

// DeleteFile nominates the previous file as successor, or the next one when
// the deleted file was first.
func (b *Backend) DeleteFile(ctx context.Context, cred *models.Credential, id string) (string, string, error) {
	if err := b.enter(ctx, OpDelete); err != nil {
		return "", "", err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	user, refreshed, err := b.auth(OpDelete, cred)
	if err != nil {
		return "", "", err
	}
	files := b.files[user]
	for i, f := range files {
		if f.ID != id {
			continue
		}
		next := ""
		switch {
		case i > 0:
			next = files[i-1].ID
		case len(files) > 1:
			next = files[1].ID
		}
		b.files[user] = without(files, id)
		return next, refreshed, nil
	}
	return "", "", fmt.Errorf("delete file: %w", gateway.ErrNotFound)
}

func without(files []models.FileRecord, id string) []models.FileRecord {
	out := files[:0:0]
	for _, f := range files {
		if f.ID != id {
			out = append(out, f)
		}
	}
	return out
}
