// sscript is the command-line client for the script server. Each command
// drives one editing session; `sscript shell` keeps the session open in an
// interactive prompt.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/danpaxton/simple-script-ide/internal/config"
	"github.com/danpaxton/simple-script-ide/internal/logging"
	"github.com/danpaxton/simple-script-ide/pkg/credential"
	"github.com/danpaxton/simple-script-ide/pkg/gateway"
	"github.com/danpaxton/simple-script-ide/pkg/session"
)

var (
	configPath string
	serverURL  string
	logLevel   string
)

// app is the state shared by every command.
type app struct {
	cfg   *config.ClientConfig
	ctrl  *session.Controller
	gw    *gateway.Client
	out   io.Writer
	theme theme
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "sscript",
		Short:        "Edit, store and run scripts on a script server",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			logging.Sync()
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", config.DefaultClientConfigPath(), "client config file")
	root.PersistentFlags().StringVar(&serverURL, "server", "", "server URL (overrides config)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides config)")

	root.AddCommand(
		a.loginCmd(),
		a.registerCmd(),
		a.logoutCmd(),
		a.statusCmd(),
		a.lsCmd(),
		a.newCmd(),
		a.openCmd(),
		a.runCmd(),
		a.saveCmd(),
		a.rmCmd(),
		a.exportCmd(),
		a.shellCmd(),
	)
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.LoadClient(configPath)
	if err != nil {
		return err
	}
	if serverURL != "" {
		cfg.ServerURL = serverURL
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	a.cfg = cfg

	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: "console", OutputPath: "stderr"}); err != nil {
		return fmt.Errorf("logging init: %w", err)
	}

	tokenFile := cfg.TokenFile
	if tokenFile == "" {
		tokenFile = credential.DefaultTokenPath()
	}
	creds := credential.NewStore(credential.NewFilePersister(tokenFile, cfg.ServerURL))

	a.gw = gateway.New(gateway.Config{BaseURL: cfg.ServerURL, Timeout: cfg.Timeout})
	a.ctrl = session.New(a.gw, creds)
	a.out = cmd.OutOrStdout()
	a.theme = plainTheme()
	if f, ok := a.out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		a.theme = defaultTheme()
	}

	if _, err := a.ctrl.Restore(cmd.Context()); err != nil {
		logging.Warn("could not restore saved login", zap.Error(err))
	}
	return nil
}

// readPassword prompts without echo on a terminal and reads a plain line
// otherwise.
func readPassword(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		fmt.Fprint(os.Stderr, prompt)
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		return string(b), err
	}
	var line string
	_, err := fmt.Fscanln(os.Stdin, &line)
	return line, err
}
