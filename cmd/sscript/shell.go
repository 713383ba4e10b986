package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"

	"github.com/danpaxton/simple-script-ide/pkg/events"
	"github.com/danpaxton/simple-script-ide/pkg/runner"
	"github.com/danpaxton/simple-script-ide/pkg/session"
)

const shellHelp = `commands:
  login USER | register USER | logout
  ls                   list files
  new TITLE            create a file (an untitled buffer becomes its source)
  open FILE            open a file by id or title
  edit                 replace the buffer; finish with a line holding only "."
  append               add lines to the buffer; finish with "."
  load PATH            replace the buffer with a local file
  show                 print the buffer
  clear                empty the buffer and output
  run                  run the buffer (Ctrl-C cancels)
  parse                print the compiled program of the last run
  save                 save the buffer to the open file
  rm FILE              delete a file
  export [PATH]        write the buffer to a local file
  status               show the session
  quit                 leave the shell`

// lineReader is the part of liner.State the shell uses.
type lineReader interface {
	Prompt(prompt string) (string, error)
	PasswordPrompt(prompt string) (string, error)
}

type shell struct {
	app        *app
	in         lineReader
	notices    chan events.Notice
	interrupts chan os.Signal
}

func runShell(cmd *cobra.Command, a *app) error {
	// Ctrl-C cancels runs, not the shell.
	ctx := context.WithoutCancel(cmd.Context())

	ln := liner.NewLiner()
	defer ln.Close()
	ln.SetCtrlCAborts(true)

	histPath := filepath.Join(filepath.Dir(configPath), "history")
	if f, err := os.Open(histPath); err == nil {
		_, _ = ln.ReadHistory(f)
		_ = f.Close()
	}
	defer func() {
		if f, err := os.Create(histPath); err == nil {
			_, _ = ln.WriteHistory(f)
			_ = f.Close()
		}
	}()

	sh := newShell(a, ln)
	defer a.ctrl.Unsubscribe(sh.notices)
	signal.Notify(sh.interrupts, os.Interrupt)
	defer signal.Stop(sh.interrupts)

	fmt.Fprintln(a.out, a.theme.Header.Render("sscript")+a.theme.Muted.Render(" - type help for commands"))
	for {
		line, err := ln.Prompt(sh.prompt())
		if errors.Is(err, liner.ErrPromptAborted) {
			continue
		}
		if err != nil {
			fmt.Fprintln(a.out)
			return nil
		}
		if strings.TrimSpace(line) == "" {
			continue
		}
		ln.AppendHistory(line)
		if sh.exec(ctx, line) {
			return nil
		}
	}
}

func newShell(a *app, in lineReader) *shell {
	return &shell{
		app:        a,
		in:         in,
		notices:    a.ctrl.Subscribe(),
		interrupts: make(chan os.Signal, 1),
	}
}

func (sh *shell) prompt() string {
	s := sh.app.ctrl.Snapshot()
	name := "untitled"
	if s.FileID != "" {
		name = s.Title
	}
	if s.Dirty {
		name += "*"
	}
	if s.Authenticated {
		return s.Username + ":" + name + "> "
	}
	return name + "> "
}

// exec runs one command line and reports whether the shell should exit.
func (sh *shell) exec(ctx context.Context, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return false
	}
	name, args := fields[0], fields[1:]
	a := sh.app
	out := a.out

	var err error
	switch name {
	case "help", "?":
		fmt.Fprintln(out, shellHelp)
	case "quit", "exit":
		if a.ctrl.Snapshot().Dirty && !sh.confirm("Discard unsaved changes? [y/N] ") {
			return false
		}
		return true
	case "login", "register":
		if len(args) != 1 {
			err = fmt.Errorf("usage: %s USER", name)
			break
		}
		err = sh.login(ctx, name, args[0])
	case "logout":
		a.ctrl.Logout(ctx)
		fmt.Fprintln(out, "Logged out")
	case "ls":
		if _, err = a.ctrl.RefreshFiles(ctx); err == nil {
			a.printFiles(out, a.ctrl.Snapshot().FileID)
		}
	case "new":
		if len(args) != 1 {
			err = errors.New("usage: new TITLE")
			break
		}
		var res session.OpenResult
		if _, res, err = a.ctrl.NewFile(ctx, args[0]); err == nil && res == session.OpenPending {
			err = sh.resolvePending(ctx)
		}
	case "open":
		if len(args) != 1 {
			err = errors.New("usage: open FILE")
			break
		}
		err = sh.open(ctx, args[0])
	case "edit", "append":
		text := sh.readBlock()
		if name == "append" {
			if buf := a.ctrl.Snapshot().Buffer; buf != "" {
				text = strings.TrimSuffix(buf, "\n") + "\n" + text
			}
		}
		a.ctrl.Edit(text)
	case "load":
		if len(args) != 1 {
			err = errors.New("usage: load PATH")
			break
		}
		var src string
		if src, err = readSource(args[0]); err == nil {
			a.ctrl.Edit(src)
		}
	case "show":
		sh.show()
	case "clear":
		a.ctrl.Clear()
	case "run":
		err = sh.run(ctx)
	case "parse":
		if pv := a.ctrl.Snapshot().ParseView; pv != "" {
			fmt.Fprintln(out, pv)
		} else {
			fmt.Fprintln(out, a.theme.Muted.Render("nothing has run"))
		}
	case "save":
		if err = a.ctrl.Save(ctx); err == nil {
			fmt.Fprintf(out, "Saved %s\n", a.theme.Header.Render(a.ctrl.Snapshot().Title))
		}
	case "rm":
		if len(args) != 1 {
			err = errors.New("usage: rm FILE")
			break
		}
		var id string
		if id, err = a.resolve(ctx, args[0]); err == nil {
			err = a.ctrl.DeleteFile(ctx, id)
		}
	case "export":
		path := a.ctrl.ExportName()
		if len(args) == 1 {
			path = args[0]
		}
		err = a.export(path)
	case "status":
		sh.status()
	default:
		err = fmt.Errorf("unknown command %q, type help", name)
	}
	sh.report(err)
	return false
}

// report prints pending notices, and err when no notice covered it.
func (sh *shell) report(err error) {
	printed := 0
drain:
	for {
		select {
		case n := <-sh.notices:
			fmt.Fprintln(sh.app.out, sh.app.theme.notice(n))
			printed++
		default:
			break drain
		}
	}
	if err != nil && printed == 0 && !errors.Is(err, runner.ErrCancelled) {
		fmt.Fprintln(sh.app.out, sh.app.theme.Danger.Render(err.Error()))
	}
}

func (sh *shell) login(ctx context.Context, name, user string) error {
	if name == "register" {
		if err := session.ValidateUsername(user); err != nil {
			return err
		}
	}
	password, err := sh.in.PasswordPrompt("Password: ")
	if err != nil {
		return err
	}
	if name == "register" {
		err = sh.app.ctrl.Register(ctx, user, password)
	} else {
		err = sh.app.ctrl.Login(ctx, user, password)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(sh.app.out, "Logged in as %s\n", sh.app.theme.Accent.Render(sh.app.ctrl.Snapshot().Username))
	return nil
}

func (sh *shell) open(ctx context.Context, ref string) error {
	id, err := sh.app.resolve(ctx, ref)
	if err != nil {
		return err
	}
	res, err := sh.app.ctrl.RequestOpen(ctx, id)
	if err != nil {
		return err
	}
	if res == session.OpenPending {
		if err := sh.resolvePending(ctx); err != nil {
			return err
		}
	}
	sh.show()
	return nil
}

// resolvePending asks what to do with unsaved edits before a switch.
func (sh *shell) resolvePending(ctx context.Context) error {
	for {
		answer, err := sh.in.Prompt("Unsaved changes. [s]ave, [d]iscard or [c]ancel? ")
		if err != nil {
			sh.app.ctrl.CancelSwitch()
			return nil
		}
		switch strings.ToLower(strings.TrimSpace(answer)) {
		case "s", "save":
			return sh.app.ctrl.ResolveSwitch(ctx, session.SaveThenSwitch)
		case "d", "discard":
			return sh.app.ctrl.ResolveSwitch(ctx, session.DiscardThenSwitch)
		case "c", "cancel", "":
			sh.app.ctrl.CancelSwitch()
			return nil
		}
	}
}

func (sh *shell) run(ctx context.Context) error {
	// Drop an interrupt that arrived between runs.
	select {
	case <-sh.interrupts:
	default:
	}
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-sh.interrupts:
			sh.app.ctrl.CancelRun()
		case <-done:
		}
	}()

	res, err := sh.app.ctrl.Run(ctx)
	if errors.Is(err, runner.ErrCancelled) {
		fmt.Fprintln(sh.app.out, sh.app.theme.Muted.Render("run cancelled"))
		return err
	}
	if err != nil {
		return err
	}
	style := sh.app.theme.Success
	if !res.OK {
		style = sh.app.theme.Danger
	}
	if res.Output == "" {
		return nil
	}
	for _, line := range strings.Split(strings.TrimSuffix(res.Output, "\n"), "\n") {
		fmt.Fprintln(sh.app.out, style.Render(line))
	}
	return nil
}

func (sh *shell) readBlock() string {
	var lines []string
	for {
		line, err := sh.in.Prompt(".. ")
		if err != nil || line == "." {
			break
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		return ""
	}
	return strings.Join(lines, "\n") + "\n"
}

func (sh *shell) show() {
	s := sh.app.ctrl.Snapshot()
	fmt.Fprintln(sh.app.out, sh.app.theme.title(s.Title, s.Dirty))
	if s.Buffer == "" {
		fmt.Fprintln(sh.app.out, sh.app.theme.Muted.Render("(empty)"))
		return
	}
	var b strings.Builder
	for i, line := range strings.Split(strings.TrimSuffix(s.Buffer, "\n"), "\n") {
		fmt.Fprintf(&b, "%s %s\n", sh.app.theme.Muted.Render(fmt.Sprintf("%3d", i+1)), line)
	}
	fmt.Fprintln(sh.app.out, sh.app.theme.Panel.Render(strings.TrimSuffix(b.String(), "\n")))
}

func (sh *shell) status() {
	s := sh.app.ctrl.Snapshot()
	w := sh.app.out
	if s.Authenticated {
		fmt.Fprintf(w, "user:    %s\n", sh.app.theme.Accent.Render(s.Username))
	} else {
		fmt.Fprintf(w, "user:    %s\n", sh.app.theme.Muted.Render("(not logged in)"))
	}
	fmt.Fprintf(w, "file:    %s\n", sh.app.theme.title(s.Title, s.Dirty))
	fmt.Fprintf(w, "files:   %d\n", len(s.Files))
	if s.HasOutput {
		fmt.Fprintf(w, "last run ok: %v\n", s.OutputOK)
	}
	if sh.app.gw != nil {
		online := sh.app.theme.Success.Render("online")
		if !sh.app.gw.IsOnline() {
			online = sh.app.theme.Danger.Render("offline")
		}
		fmt.Fprintf(w, "server:  %s\n", online)
	}
}

func (sh *shell) confirm(prompt string) bool {
	answer, err := sh.in.Prompt(prompt)
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

var _ lineReader = (*liner.State)(nil)
