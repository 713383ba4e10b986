package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/danpaxton/simple-script-ide/pkg/compile"
	"github.com/danpaxton/simple-script-ide/pkg/models"
	"github.com/danpaxton/simple-script-ide/pkg/protocol"
)

func testClient(handler http.Handler) (*Client, *httptest.Server) {
	ts := httptest.NewServer(handler)
	c := New(Config{BaseURL: ts.URL + "/", Timeout: 5 * time.Second})
	return c, ts
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

var alice = &models.Credential{Token: "tok-1", Username: "alice"}

func TestLogin_Success(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != "POST" || r.URL.Path != "/login" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("Authorization") != "" {
			t.Error("login must not carry a bearer token")
		}
		var req protocol.CredentialsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Username != "alice" || req.Password != "pw" {
			t.Errorf("unexpected body: %+v", req)
		}
		writeJSON(w, http.StatusOK, protocol.LoginResponse{Username: "alice", AccessToken: "jwt-123"})
	}))
	defer ts.Close()

	cred, err := c.Login(context.Background(), "alice", "pw")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cred.Token != "jwt-123" || cred.Username != "alice" {
		t.Errorf("unexpected credential: %+v", cred)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"msg": "Invalid login credentials"})
	}))
	defer ts.Close()

	_, err := c.Login(context.Background(), "alice", "wrong")
	if !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected ErrInvalidCredentials, got %v", err)
	}
	if errors.Is(err, ErrUnauthorized) {
		t.Error("a failed login is not a session expiry")
	}
}

func TestRegister_Exists(t *testing.T) {
	for _, code := range []int{http.StatusConflict, http.StatusUnauthorized} {
		c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, code, protocol.ErrorResponse{Error: "user already exists.", Code: code})
		}))
		err := c.Register(context.Background(), "alice", "pw")
		ts.Close()
		if !errors.Is(err, ErrIdentityExists) {
			t.Errorf("status %d: expected ErrIdentityExists, got %v", code, err)
		}
	}
}

func TestListFiles_OrderAndRefresh(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
			t.Errorf("Authorization = %q", got)
		}
		writeJSON(w, http.StatusOK, protocol.FileListResponse{
			Files: []models.FileRecord{
				{ID: "9", Title: "z.ss"},
				{ID: "2", Title: "a.ss"},
			},
			AccessToken: "tok-2",
		})
	}))
	defer ts.Close()

	files, refreshed, err := c.ListFiles(context.Background(), alice)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(files) != 2 || files[0].ID != "9" || files[1].ID != "2" {
		t.Errorf("server order not preserved: %+v", files)
	}
	if refreshed != "tok-2" {
		t.Errorf("refreshed = %q, want tok-2", refreshed)
	}
}

func TestStatusClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"not found", http.StatusNotFound, ErrNotFound},
		{"conflict", http.StatusConflict, ErrConflict},
		{"server error", http.StatusBadGateway, ErrNetwork},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				writeJSON(w, tt.status, protocol.ErrorResponse{Error: "nope", Code: tt.status})
			}))
			defer ts.Close()

			_, _, err := c.FetchFile(context.Background(), alice, "7")
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			se, ok := AsStatus(err)
			if !ok {
				t.Fatalf("expected StatusError, got %T", err)
			}
			if se.Code != tt.status || se.Message != "nope" {
				t.Errorf("unexpected status error: %+v", se)
			}
		})
	}
}

func TestBadRequestHasNoClass(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusBadRequest, protocol.ErrorResponse{Error: "source too large"})
	}))
	defer ts.Close()

	_, err := c.UpdateFile(context.Background(), alice, "1", "x")
	for _, class := range []error{ErrUnauthorized, ErrNotFound, ErrNetwork, ErrConflict} {
		if errors.Is(err, class) {
			t.Errorf("400 should not match %v", class)
		}
	}
	if !strings.Contains(err.Error(), "source too large") {
		t.Errorf("error should carry server message: %v", err)
	}
}

func TestDeleteFile_NextFile(t *testing.T) {
	next := "4"
	responses := []protocol.DeleteResponse{{NextFile: &next}, {NextFile: nil}}
	i := 0
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Path != "/fetch-file/5" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		writeJSON(w, http.StatusOK, responses[i])
		i++
	}))
	defer ts.Close()

	got, _, err := c.DeleteFile(context.Background(), alice, "5")
	if err != nil || got != "4" {
		t.Fatalf("DeleteFile = %q, %v; want 4", got, err)
	}
	got, _, err = c.DeleteFile(context.Background(), alice, "5")
	if err != nil || got != "" {
		t.Fatalf("DeleteFile = %q, %v; want empty", got, err)
	}
}

func TestInterpret_Anonymous(t *testing.T) {
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Error("anonymous run must not carry a token")
		}
		var prog compile.Program
		if err := json.NewDecoder(r.Body).Decode(&prog); err != nil {
			t.Errorf("decode program: %v", err)
		}
		if prog.Kind != compile.KindOK || len(prog.Body) != 1 {
			t.Errorf("unexpected program: %+v", prog)
		}
		writeJSON(w, http.StatusOK, protocol.InterpResponse{Output: "hi\n", OK: true})
	}))
	defer ts.Close()

	out, refreshed, err := c.Interpret(context.Background(), nil, compile.Compile(`print "hi"`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if out.Text != "hi\n" || !out.OK || refreshed != "" {
		t.Errorf("unexpected result: %+v %q", out, refreshed)
	}
}

func TestInterpret_Cancelled(t *testing.T) {
	release := make(chan struct{})
	c, ts := testClient(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer ts.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, _, err := c.Interpret(ctx, alice, compile.Compile(`print 1`))
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if !c.IsOnline() {
		t.Error("a cancelled request should not mark the server offline")
	}
}

func TestNetworkFailure(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	c := New(Config{BaseURL: url, Timeout: time.Second})
	_, _, err := c.ListFiles(context.Background(), alice)
	if !errors.Is(err, ErrNetwork) {
		t.Fatalf("expected ErrNetwork, got %v", err)
	}
	if c.IsOnline() {
		t.Error("client should be offline after a transport failure")
	}
}
