package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/danpaxton/simple-script-ide/pkg/session"
)

var errProgramFailed = errors.New("program failed")

func (a *app) loginCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "login USERNAME",
		Short: "Log in and remember the token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			if err := a.ctrl.Login(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Logged in as %s\n", a.theme.Accent.Render(a.ctrl.Snapshot().Username))
			return nil
		},
	}
}

func (a *app) registerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register USERNAME",
		Short: "Create an account and log in",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := session.ValidateUsername(args[0]); err != nil {
				return err
			}
			password, err := readPassword("Password: ")
			if err != nil {
				return err
			}
			confirm, err := readPassword("Repeat password: ")
			if err != nil {
				return err
			}
			if password != confirm {
				return errors.New("passwords do not match")
			}
			if err := a.ctrl.Register(cmd.Context(), args[0], password); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Registered and logged in as %s\n", a.theme.Accent.Render(args[0]))
			return nil
		},
	}
}

func (a *app) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the saved token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a.ctrl.Logout(cmd.Context())
			fmt.Fprintln(a.out, "Logged out")
			return nil
		},
	}
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the server and login state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := a.ctrl.Snapshot()
			fmt.Fprintf(a.out, "server:  %s\n", a.cfg.ServerURL)
			if err := a.gw.Ping(cmd.Context()); err != nil {
				fmt.Fprintf(a.out, "online:  %s\n", a.theme.Danger.Render("no"))
			} else {
				fmt.Fprintf(a.out, "online:  %s\n", a.theme.Success.Render("yes"))
			}
			if !s.Authenticated {
				fmt.Fprintf(a.out, "user:    %s\n", a.theme.Muted.Render("(not logged in)"))
				return nil
			}
			fmt.Fprintf(a.out, "user:    %s\n", a.theme.Accent.Render(s.Username))
			fmt.Fprintf(a.out, "files:   %d\n", len(s.Files))
			return nil
		},
	}
}

func (a *app) lsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List your files",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := a.ctrl.RefreshFiles(cmd.Context()); err != nil {
				return err
			}
			a.printFiles(a.out, "")
			return nil
		},
	}
}

func (a *app) newCmd() *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "new TITLE",
		Short: "Create a file, optionally seeded from a local file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if from != "" {
				src, err := readSource(from)
				if err != nil {
					return err
				}
				a.ctrl.Edit(src)
			}
			file, _, err := a.ctrl.NewFile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Created %s (id %s)\n", a.theme.Header.Render(file.Title), file.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "local file to use as the initial source (- for stdin)")
	return cmd
}

func (a *app) openCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "open FILE",
		Short: "Print a stored file, by id or title",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprint(a.out, a.ctrl.Snapshot().Buffer)
			return nil
		},
	}
}

func (a *app) runCmd() *cobra.Command {
	var file string
	var parse bool
	cmd := &cobra.Command{
		Use:   "run [FILE]",
		Short: "Run a stored file, a local file (--file) or stdin",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch {
			case len(args) == 1:
				if err := a.open(cmd.Context(), args[0]); err != nil {
					return err
				}
			default:
				if file == "" {
					file = "-"
				}
				src, err := readSource(file)
				if err != nil {
					return err
				}
				a.ctrl.Edit(src)
			}

			res, err := a.ctrl.Run(cmd.Context())
			if err != nil {
				return err
			}
			if parse {
				fmt.Fprintln(a.out, a.ctrl.Snapshot().ParseView)
			}
			fmt.Fprint(a.out, res.Output)
			if !res.OK {
				return errProgramFailed
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "local file to run (- for stdin)")
	cmd.Flags().BoolVar(&parse, "parse", false, "print the compiled program")
	return cmd
}

func (a *app) saveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "save FILE SOURCE",
		Short: "Replace a stored file with the contents of a local file",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), args[0]); err != nil {
				return err
			}
			src, err := readSource(args[1])
			if err != nil {
				return err
			}
			a.ctrl.Edit(src)
			if err := a.ctrl.Save(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Saved %s\n", a.theme.Header.Render(a.ctrl.Snapshot().Title))
			return nil
		},
	}
}

func (a *app) rmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm FILE",
		Short: "Delete a stored file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := a.resolve(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := a.ctrl.DeleteFile(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s\n", args[0])
			return nil
		},
	}
}

func (a *app) exportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "export FILE [PATH]",
		Short: "Download a stored file (PATH - writes to stdout)",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.open(cmd.Context(), args[0]); err != nil {
				return err
			}
			path := a.ctrl.ExportName()
			if len(args) == 2 {
				path = args[1]
			}
			return a.export(path)
		},
	}
}

func (a *app) shellCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Interactive editing session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShell(cmd, a)
		},
	}
}

// resolve maps an id or a title (ignoring case) to a file id.
func (a *app) resolve(ctx context.Context, ref string) (string, error) {
	files := a.ctrl.Snapshot().Files
	if len(files) == 0 {
		var err error
		if files, err = a.ctrl.RefreshFiles(ctx); err != nil {
			return "", err
		}
	}
	for _, f := range files {
		if f.ID == ref {
			return f.ID, nil
		}
	}
	for _, f := range files {
		if strings.EqualFold(f.Title, ref) {
			return f.ID, nil
		}
	}
	return "", fmt.Errorf("no file named %q", ref)
}

func (a *app) open(ctx context.Context, ref string) error {
	id, err := a.resolve(ctx, ref)
	if err != nil {
		return err
	}
	res, err := a.ctrl.RequestOpen(ctx, id)
	if err != nil {
		return err
	}
	if res == session.OpenPending {
		// A fresh one-shot session is never dirty.
		return a.ctrl.ResolveSwitch(ctx, session.DiscardThenSwitch)
	}
	return nil
}

func (a *app) export(path string) error {
	if path == "-" {
		return a.ctrl.Export(a.out)
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := a.ctrl.Export(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Wrote %s\n", path)
	return nil
}

func (a *app) printFiles(w io.Writer, openID string) {
	files := a.ctrl.Snapshot().Files
	if len(files) == 0 {
		fmt.Fprintln(w, a.theme.Muted.Render("no files"))
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, a.theme.Muted.Render("ID")+"\t"+a.theme.Muted.Render("TITLE"))
	for _, f := range files {
		title := f.Title
		if f.ID == openID {
			title = a.theme.Accent.Render(title + " (open)")
		}
		fmt.Fprintf(tw, "%s\t%s\n", f.ID, title)
	}
	tw.Flush()
}

func readSource(path string) (string, error) {
	if path == "-" {
		b, err := io.ReadAll(os.Stdin)
		return string(b), err
	}
	b, err := os.ReadFile(path)
	return string(b), err
}
