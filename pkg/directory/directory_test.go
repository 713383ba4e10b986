package directory

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/gateway/gatewaytest"
	"github.com/danpaxton/simple-script-ide/pkg/models"
)

func TestValidateTitle(t *testing.T) {
	existing := []models.FileRecord{{ID: "1", Title: "Main.ss"}}
	tests := []struct {
		title string
		valid bool
	}{
		{"a.ss", true},
		{"hello_world.ss", true},
		{strings.Repeat("x", 40) + ".ss", true},
		{strings.Repeat("x", 41) + ".ss", false},
		{"a.b.ss", false},
		{"a.txt", false},
		{"a a.ss", false},
		{"a\ta.ss", false},
		{".ss", false},
		{"a.", false},
		{"ass", false},
		{"main.ss", false},
		{"MAIN.ss", false},
		{"main.SS", false},
	}
	for _, tt := range tests {
		err := ValidateTitle(tt.title, existing)
		if tt.valid && err != nil {
			t.Errorf("ValidateTitle(%q) = %v, want valid", tt.title, err)
		}
		if !tt.valid {
			if !errors.Is(err, ErrInvalidTitle) {
				t.Errorf("ValidateTitle(%q) = %v, want ErrInvalidTitle", tt.title, err)
			}
			var te *TitleError
			if !errors.As(err, &te) || te.Reason == "" {
				t.Errorf("ValidateTitle(%q): expected a reason", tt.title)
			}
		}
	}
}

type tokenLog struct{ tokens []string }

func (l *tokenLog) AbsorbRefresh(tok string) {
	if tok != "" {
		l.tokens = append(l.tokens, tok)
	}
}

func setup(t *testing.T) (*Directory, *gatewaytest.Backend, *models.Credential, *tokenLog) {
	t.Helper()
	b := gatewaytest.New()
	cred := b.AddUser("alice", "pw")
	tokens := &tokenLog{}
	return New(b, tokens), b, cred, tokens
}

func TestRefreshReplacesSnapshot(t *testing.T) {
	d, b, cred, _ := setup(t)
	ctx := context.Background()
	b.Seed("alice", "one.ss", "print 1")
	b.Seed("alice", "two.ss", "print 2")

	files, err := d.Refresh(ctx, cred)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Title != "one.ss" || files[1].Title != "two.ss" {
		t.Fatalf("unexpected files: %+v", files)
	}

	b.Remove("alice", files[0].ID)
	files, _ = d.Refresh(ctx, cred)
	if len(files) != 1 || len(d.Files()) != 1 {
		t.Errorf("refresh should fully replace the snapshot: %+v", d.Files())
	}
}

func TestRefreshLastIssuedWins(t *testing.T) {
	d, b, cred, _ := setup(t)
	ctx := context.Background()
	b.Seed("alice", "old.ss", "")

	gate := b.Hold(gatewaytest.OpList)
	done := make(chan error, 1)
	go func() {
		_, err := d.Refresh(ctx, cred)
		done <- err
	}()
	<-gate.Entered

	b.Seed("alice", "new.ss", "")
	if _, err := d.Refresh(ctx, cred); err != nil {
		t.Fatal(err)
	}
	b.Remove("alice", "1")
	b.Remove("alice", "2")
	gate.Release()

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if files := d.Files(); len(files) != 2 {
		t.Errorf("older refresh overwrote the newer snapshot: %+v", files)
	}
}

func TestResetDiscardsInflightRefresh(t *testing.T) {
	d, b, cred, _ := setup(t)
	b.Seed("alice", "a.ss", "")

	gate := b.Hold(gatewaytest.OpList)
	done := make(chan error, 1)
	go func() {
		_, err := d.Refresh(context.Background(), cred)
		done <- err
	}()
	<-gate.Entered
	d.Reset()
	gate.Release()

	if err := <-done; !errors.Is(err, ErrSuperseded) {
		t.Fatalf("expected ErrSuperseded, got %v", err)
	}
	if len(d.Files()) != 0 {
		t.Error("directory should stay empty after reset")
	}
}

func TestCreateValidatesBeforeNetwork(t *testing.T) {
	d, b, cred, _ := setup(t)
	ctx := context.Background()
	b.Seed("alice", "taken.ss", "")
	d.Refresh(ctx, cred)

	for _, title := range []string{"a.b.ss", "Taken.SS", "TAKEN.ss", "x y.ss"} {
		if _, err := d.Create(ctx, cred, title, ""); !errors.Is(err, ErrInvalidTitle) {
			t.Errorf("Create(%q) = %v, want ErrInvalidTitle", title, err)
		}
	}
	if n := b.Calls(gatewaytest.OpCreate); n != 0 {
		t.Errorf("invalid titles reached the network %d times", n)
	}
}

func TestCreateAppends(t *testing.T) {
	d, b, cred, tokens := setup(t)
	ctx := context.Background()
	b.Seed("alice", "z.ss", "")
	d.Refresh(ctx, cred)
	b.RefreshTokens(true)

	rec, err := d.Create(ctx, cred, "a.ss", "print 1")
	if err != nil {
		t.Fatal(err)
	}
	files := d.Files()
	if len(files) != 2 || files[1].ID != rec.ID {
		t.Errorf("new record should be appended, not sorted: %+v", files)
	}
	if b.Calls(gatewaytest.OpList) != 1 {
		t.Error("create must not re-fetch the listing")
	}
	if len(tokens.tokens) != 1 {
		t.Errorf("refreshed token not absorbed: %v", tokens.tokens)
	}
}

func TestUpdateKeepsTitle(t *testing.T) {
	d, b, cred, _ := setup(t)
	ctx := context.Background()
	rec := b.Seed("alice", "a.ss", "old")
	d.Refresh(ctx, cred)

	if err := d.Update(ctx, cred, rec.ID, "new"); err != nil {
		t.Fatal(err)
	}
	got, _ := d.Lookup(rec.ID)
	if got.Title != "a.ss" || got.SourceCode != "new" {
		t.Errorf("unexpected record: %+v", got)
	}
	stored, _ := b.File("alice", rec.ID)
	if stored.SourceCode != "new" {
		t.Errorf("server copy not updated: %+v", stored)
	}
}

func TestNotFoundPrunes(t *testing.T) {
	d, b, cred, _ := setup(t)
	ctx := context.Background()
	rec := b.Seed("alice", "a.ss", "")
	d.Refresh(ctx, cred)
	b.Remove("alice", rec.ID)

	if _, err := d.FetchOne(ctx, cred, rec.ID); !errors.Is(err, gateway.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if d.Contains(rec.ID) {
		t.Error("stale entry should be pruned")
	}
}

func TestRemoveNominatesSuccessor(t *testing.T) {
	d, b, cred, _ := setup(t)
	ctx := context.Background()
	first := b.Seed("alice", "a.ss", "")
	second := b.Seed("alice", "b.ss", "")
	third := b.Seed("alice", "c.ss", "")
	d.Refresh(ctx, cred)

	next, err := d.Remove(ctx, cred, second.ID)
	if err != nil || next != first.ID {
		t.Fatalf("Remove(middle) = %q, %v; want %s", next, err, first.ID)
	}
	next, _ = d.Remove(ctx, cred, first.ID)
	if next != third.ID {
		t.Errorf("Remove(first) = %q, want %s", next, third.ID)
	}
	next, _ = d.Remove(ctx, cred, third.ID)
	if next != "" {
		t.Errorf("Remove(last) = %q, want none", next)
	}
	if len(d.Files()) != 0 {
		t.Errorf("expected empty directory, got %+v", d.Files())
	}
}

func TestUnauthorizedPassesThrough(t *testing.T) {
	d, b, cred, _ := setup(t)
	b.ExpireAll()
	if _, err := d.Refresh(context.Background(), cred); !errors.Is(err, gateway.ErrUnauthorized) {
		t.Errorf("expected ErrUnauthorized, got %v", err)
	}
}
