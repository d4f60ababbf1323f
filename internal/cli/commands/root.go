// Package commands implements the dock command line.
package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/dock/pkg/config"
)

// Version is set at link time
var Version = "dev"

// options carries what every subcommand shares
type options struct {
	configFile string
	verbose    bool
	quiet      bool

	cfg    *config.Config
	logger zerolog.Logger

	stdout io.Writer
	stderr io.Writer
}

// exitCodeError ends the process with code without printing anything more
type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

// Execute runs the dock command line and returns the process exit status
func Execute() int {
	return execute(NewRootCommand(os.Stdout, os.Stderr), os.Args[1:])
}

func execute(root *cobra.Command, args []string) int {
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return 0
	}

	var exitErr exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintln(root.ErrOrStderr(), "Error:", err)
	return 1
}

// NewRootCommand builds the command tree writing to stdout and stderr
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	opts := &options{stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:   "dock",
		Short: "dock - build container images from git repositories",
		Long: `dock builds a container image from a git repository and pushes it to one
or more registries. The build runs in a container that shares the host engine
(hostdocker), in a privileged container running its own engine (privileged), or
in the dock process itself (here).

Builds can be run directly, queued through Redis for a pool of workers, or
submitted over HTTP.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load()
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.configFile, "config", "", "config file (default: config.yaml in ., ./config or $HOME/.dock)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log debug output")
	flags.BoolVarP(&opts.quiet, "quiet", "q", false, "log warnings and errors only")
	root.MarkFlagsMutuallyExclusive("verbose", "quiet")

	root.AddCommand(
		newBuildCommand(opts),
		newInsideBuildCommand(opts),
		newWorkerCommand(opts),
		newServeCommand(opts),
		newHistoryCommand(opts),
	)

	return root
}

// load reads the configuration and sets up the global logger
func (o *options) load() error {
	cfg, err := config.LoadFile(o.configFile)
	if err != nil {
		return err
	}
	o.cfg = cfg

	logger, err := newLogger(cfg.Log, o.verbose, o.quiet, o.stderr)
	if err != nil {
		return err
	}
	o.logger = logger
	log.Logger = logger
	return nil
}

// newLogger builds the process logger. The verbose and quiet flags override
// the configured level.
func newLogger(cfg config.LogConfig, verbose, quiet bool, w io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		return zerolog.Logger{}, fmt.Errorf("invalid log.level %q: %w", cfg.Level, err)
	}
	if level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	switch {
	case verbose:
		level = zerolog.DebugLevel
	case quiet:
		level = zerolog.WarnLevel
	}
	zerolog.SetGlobalLevel(level)

	out := w
	if cfg.Format != "json" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.Kitchen,
			NoColor:    !isTerminal(w),
		}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd()))
}
