package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danpaxton/simple-script-ide/internal/auth"
	"github.com/danpaxton/simple-script-ide/internal/store/sqlite"
	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/models"
	"github.com/danpaxton/simple-script-ide/pkg/protocol"
)

type testEnv struct {
	ts     *httptest.Server
	client *gateway.Client
	auth   *auth.Auth
}

func newEnv(t *testing.T, basePath string, refreshWindow time.Duration) *testEnv {
	t.Helper()
	st, err := sqlite.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	a := auth.New(st, "test-secret", time.Hour, refreshWindow)
	srv := NewServer(st, a, Config{
		BasePath:      basePath,
		MaxSourceSize: 4 << 10,
		StepLimit:     10000,
		InterpTimeout: 5 * time.Second,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		ts.Close()
		st.Close()
	})
	return &testEnv{
		ts:     ts,
		client: gateway.New(gateway.Config{BaseURL: ts.URL + basePath, Timeout: 5 * time.Second}),
		auth:   a,
	}
}

func (e *testEnv) login(t *testing.T, username string) *models.Credential {
	t.Helper()
	ctx := context.Background()
	if err := e.client.Register(ctx, username, "pw"); err != nil {
		t.Fatalf("register %s: %v", username, err)
	}
	cred, err := e.client.Login(ctx, username, "pw")
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return cred
}

func TestHealth(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	if err := env.client.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestRegisterAndLogin(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	ctx := context.Background()

	cred := env.login(t, "Alice")
	if cred.Username != "Alice" || cred.Token == "" {
		t.Fatalf("unexpected credential: %+v", cred)
	}

	if err := env.client.Register(ctx, "alice", "other"); !errors.Is(err, gateway.ErrIdentityExists) {
		t.Errorf("duplicate register: expected ErrIdentityExists, got %v", err)
	}
	if _, err := env.client.Login(ctx, "alice", "wrong"); !errors.Is(err, gateway.ErrInvalidCredentials) {
		t.Errorf("bad password: expected ErrInvalidCredentials, got %v", err)
	}
	if _, err := env.client.Login(ctx, "nobody", "pw"); !errors.Is(err, gateway.ErrInvalidCredentials) {
		t.Errorf("unknown user: expected ErrInvalidCredentials, got %v", err)
	}

	// Login is case-insensitive and reports the registered spelling.
	again, err := env.client.Login(ctx, "ALICE", "pw")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if again.Username != "Alice" {
		t.Errorf("username = %q, want Alice", again.Username)
	}
}

func TestRegisterValidation(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	for _, name := range []string{"", "has space", strings.Repeat("x", models.MaxUsernameLength+1)} {
		err := env.client.Register(context.Background(), name, "pw")
		se, ok := gateway.AsStatus(err)
		if !ok || se.Code != http.StatusBadRequest {
			t.Errorf("register %q: expected 400, got %v", name, err)
		}
	}
}

func TestFileLifecycle(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	ctx := context.Background()
	cred := env.login(t, "alice")

	a, _, err := env.client.CreateFile(ctx, cred, "a.ss", "print 1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, _, err := env.client.CreateFile(ctx, cred, "b.ss", "")
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	files, _, err := env.client.ListFiles(ctx, cred)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(files) != 2 || files[0].ID != a.ID || files[1].ID != b.ID {
		t.Fatalf("files = %+v, want a then b", files)
	}

	if _, err := env.client.UpdateFile(ctx, cred, b.ID, "print 2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _, err := env.client.FetchFile(ctx, cred, b.ID)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.SourceCode != "print 2" || got.Title != "b.ss" {
		t.Errorf("fetched %+v", got)
	}

	next, _, err := env.client.DeleteFile(ctx, cred, b.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if next != a.ID {
		t.Errorf("next = %q, want %q", next, a.ID)
	}
	next, _, err = env.client.DeleteFile(ctx, cred, a.ID)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if next != "" {
		t.Errorf("next = %q, want none", next)
	}

	if _, _, err := env.client.FetchFile(ctx, cred, a.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("fetch deleted: expected ErrNotFound, got %v", err)
	}
}

func TestFilesAreIsolated(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	ctx := context.Background()
	alice := env.login(t, "alice")
	bob := env.login(t, "bob")

	f, _, err := env.client.CreateFile(ctx, alice, "mine.ss", "print 1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, _, err := env.client.FetchFile(ctx, bob, f.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("fetch: expected ErrNotFound, got %v", err)
	}
	if _, err := env.client.UpdateFile(ctx, bob, f.ID, "x"); !errors.Is(err, gateway.ErrNotFound) {
		t.Errorf("update: expected ErrNotFound, got %v", err)
	}
	files, _, err := env.client.ListFiles(ctx, bob)
	if err != nil || len(files) != 0 {
		t.Errorf("bob sees %v (err %v)", files, err)
	}
}

func TestProtectedRoutesNeedToken(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	ctx := context.Background()

	bogus := &models.Credential{Token: "not-a-jwt", Username: "alice"}
	if _, _, err := env.client.ListFiles(ctx, bogus); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
	if _, _, err := env.client.ListFiles(ctx, nil); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("anonymous: expected ErrUnauthorized, got %v", err)
	}
	// A bad token is rejected even where anonymous access is allowed.
	if _, _, err := env.client.Interpret(ctx, bogus, compile.Compile("print 1")); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("interp: expected ErrUnauthorized, got %v", err)
	}
}

func TestInterp(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	ctx := context.Background()

	tests := []struct {
		name   string
		src    string
		wantOK bool
		want   string
	}{
		{"ok", "x = 2\nprint x * 21", true, "42\n"},
		{"compile error", "print (", false, compile.Compile("print (").Message},
		{"runtime error keeps output", "print 1\nprint 1 / 0", false, "1\n"},
		{"step limit", "while true do end", false, "step limit"},
		{"value limit", "s = \"x\"\nwhile true do s = s + s end", false, "value size limit"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, refreshed, err := env.client.Interpret(ctx, nil, compile.Compile(tt.src))
			if err != nil {
				t.Fatalf("interpret: %v", err)
			}
			if refreshed != "" {
				t.Error("anonymous run must not carry a token")
			}
			if out.OK != tt.wantOK {
				t.Errorf("ok = %v, want %v (output %q)", out.OK, tt.wantOK, out.Text)
			}
			if !strings.Contains(out.Text, tt.want) {
				t.Errorf("output = %q, want it to contain %q", out.Text, tt.want)
			}
		})
	}
}

func TestSlidingRefresh(t *testing.T) {
	// A window as long as the lifetime refreshes on every response.
	env := newEnv(t, "", time.Hour)
	ctx := context.Background()
	cred := env.login(t, "alice")

	_, refreshed, err := env.client.ListFiles(ctx, cred)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if refreshed == "" {
		t.Fatal("expected a refreshed token")
	}
	if _, _, err := env.client.ListFiles(ctx, &models.Credential{Token: refreshed, Username: "alice"}); err != nil {
		t.Errorf("refreshed token rejected: %v", err)
	}

	_, refreshed, err = env.client.Interpret(ctx, cred, compile.Compile("print 1"))
	if err != nil || refreshed == "" {
		t.Errorf("authenticated run: refreshed=%q err=%v", refreshed, err)
	}

	quiet := newEnv(t, "", time.Minute)
	qcred := quiet.login(t, "bob")
	if _, refreshed, _ := quiet.client.ListFiles(ctx, qcred); refreshed != "" {
		t.Error("fresh token should not be refreshed")
	}
}

func TestBasePath(t *testing.T) {
	env := newEnv(t, "/api/", time.Minute)
	cred := env.login(t, "alice")
	if _, _, err := env.client.ListFiles(context.Background(), cred); err != nil {
		t.Fatalf("list under base path: %v", err)
	}
	resp, err := http.Get(env.ts.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("unprefixed route status = %d, want 404", resp.StatusCode)
	}
}

func TestSourceSizeLimit(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	cred := env.login(t, "alice")

	body, _ := json.Marshal(protocol.NewFileRequest{Title: "big.ss", SourceCode: strings.Repeat("x", 5<<10)})
	req, _ := http.NewRequest(http.MethodPost, env.ts.URL+"/new-file", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer "+cred.Token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", resp.StatusCode)
	}
}

func TestNewFileTitleLength(t *testing.T) {
	env := newEnv(t, "", time.Minute)
	cred := env.login(t, "alice")
	_, _, err := env.client.CreateFile(context.Background(), cred, strings.Repeat("a", 41)+".ss", "")
	se, ok := gateway.AsStatus(err)
	if !ok || se.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
