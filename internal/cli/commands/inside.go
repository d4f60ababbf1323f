package commands

import (
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/engine"
	"github.com/alvesdmateus/dock/internal/builder/handoff"
	"github.com/alvesdmateus/dock/internal/builder/inner"
	"github.com/alvesdmateus/dock/internal/builder/plugins"
)

func newInsideBuildCommand(opts *options) *cobra.Command {
	var (
		input         string
		inputArgs     []string
		shareDir      string
		waitForEngine bool
	)

	cmd := &cobra.Command{
		Use:   "inside-build",
		Short: "Run a build inside an execution context",
		Long: `Run the build proper inside a build container. Without --input the build
configuration is read from the shared handoff directory; with it the named input
plugin resolves the configuration from the --input-arg pairs. The result is
always written to the handoff directory. The exit status is the build's return
code.`,
		Example: `  dock inside-build
  dock inside-build --input path --input-arg path=/src/build.json
  dock inside-build --input env --input-arg env_name=BUILD_JSON`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			protocol := handoff.New(shareDir)

			parsed, err := plugins.ParseArgs(inputArgs)
			if err != nil {
				return reportFailure(protocol, err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			tasker, err := engine.NewDockerTasker(opts.cfg.Docker.Host)
			if err != nil {
				return reportFailure(protocol, err)
			}

			builder := newContextBuilder(opts.cfg, tasker, waitForEngine)
			runner := inner.NewRunner(protocol, plugins.DefaultRegistry(), builder)
			result, err := runner.Run(ctx, input, parsed)
			if err != nil {
				log.Error().Err(err).Msg("Failed to report build result")
				return exitCodeError{code: buildtypes.ReturnCodeFailure}
			}

			log.Info().
				Int("returnCode", result.ReturnCode).
				Str("imageID", result.ImageID).
				Msg("Build finished")

			if result.ReturnCode != buildtypes.ReturnCodeSuccess {
				return exitCodeError{code: result.ReturnCode}
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&input, "input", "", "input plugin resolving the build configuration ("+strings.Join(plugins.DefaultRegistry().Names(), ", ")+")")
	f.StringArrayVar(&inputArgs, "input-arg", nil, "key=value argument for the input plugin (repeatable)")
	f.StringVar(&shareDir, "share-dir", handoff.ContainerSharePath, "handoff directory shared with the host")
	_ = f.MarkHidden("share-dir")
	f.BoolVar(&waitForEngine, "wait-engine", startedByPrivileged(), "wait for the engine to come up before building")
	_ = f.MarkHidden("wait-engine")

	return cmd
}

// startedByPrivileged reports whether the privileged strategy started this
// process, which means the engine starts alongside it
func startedByPrivileged() bool {
	return os.Getenv(buildtypes.ExecutionContextEnv) == string(buildtypes.MethodPrivileged)
}

// reportFailure writes a failing result for err so the host still has one
// to read, and returns err
func reportFailure(protocol *handoff.Protocol, err error) error {
	if writeErr := protocol.WriteResult(buildtypes.FailedResult(err)); writeErr != nil {
		log.Error().Err(writeErr).Str("path", protocol.ResultPath()).Msg("Failed to report build result")
	}
	return err
}
