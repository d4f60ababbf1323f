package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/alvesdmateus/dock/internal/builder"
	"github.com/alvesdmateus/dock/internal/builder/buildtypes"
	"github.com/alvesdmateus/dock/internal/builder/engine"
	"github.com/alvesdmateus/dock/internal/state"
)

type buildFlags struct {
	jsonPath         string
	buildImage       string
	image            string
	gitURL           string
	gitPath          string
	gitCommit        string
	sourceRegistry   string
	targetRegistries []string
	method           string
	useCache         bool
	noHistory        bool
}

func newBuildCommand(opts *options) *cobra.Command {
	var flags buildFlags

	cmd := &cobra.Command{
		Use:   "build",
		Short: "Build an image and push it to the target registries",
		Long: `Build an image from a git repository. The configuration comes from --json,
from the discrete flags, or from both, in which case flags that are set override
the file. The exit status is the build's return code.`,
		Example: `  dock build --git-url https://github.com/example/app.git --image example/app:1.0 \
    --target-registries registry.example.com --method here
  dock build --json build.json --method privileged`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := flags.configuration(cmd.Flags(), opts.cfg.Build.UseCache)
			if err != nil {
				return err
			}
			return runBuild(cmd.Context(), opts, cfg, flags.noHistory)
		},
	}

	flags.register(cmd.Flags())

	return cmd
}

func (b *buildFlags) register(f *pflag.FlagSet) {
	f.StringVar(&b.jsonPath, "json", "", "read the build configuration from a JSON or YAML file")
	f.StringVar(&b.buildImage, "build-image", "", "builder image for the hostdocker and privileged methods")
	f.StringVar(&b.image, "image", "", "name of the image to build")
	f.StringVar(&b.gitURL, "git-url", "", "git repository to build from")
	f.StringVar(&b.gitPath, "git-path", "", "path of the Dockerfile, or its directory, inside the repository")
	f.StringVar(&b.gitCommit, "git-commit", "", "commit, branch or tag to check out (default: the primary branch)")
	f.StringVar(&b.sourceRegistry, "source-registry", "", "registry to pull the base image from")
	f.StringArrayVar(&b.targetRegistries, "target-registries", nil, "registry to push the image to (repeatable)")
	f.StringVar(&b.method, "method", "", "execution method: hostdocker, privileged or here (default: build.method)")
	f.BoolVar(&b.useCache, "use-cache", false, "allow the engine to reuse cached layers")
	f.BoolVar(&b.noHistory, "no-history", false, "do not record the build in the history database")
}

// configuration assembles the build configuration from the file and flags
func (b *buildFlags) configuration(fs *pflag.FlagSet, defaultUseCache bool) (*buildtypes.BuildConfiguration, error) {
	cfg := &buildtypes.BuildConfiguration{UseCache: defaultUseCache}
	if b.jsonPath != "" {
		loaded, err := buildtypes.LoadConfigFile(b.jsonPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	// flags given explicitly override the file
	if b.buildImage != "" {
		cfg.BuildImage = b.buildImage
	}
	if b.image != "" {
		cfg.Image = b.image
	}
	if b.gitURL != "" {
		cfg.GitURL = b.gitURL
	}
	if b.gitPath != "" {
		cfg.GitDockerfilePath = b.gitPath
	}
	if b.gitCommit != "" {
		cfg.GitCommit = b.gitCommit
	}
	if b.sourceRegistry != "" {
		cfg.ParentRegistry = b.sourceRegistry
	}
	if len(b.targetRegistries) > 0 {
		cfg.TargetRegistries = b.targetRegistries
	}
	if b.method != "" {
		cfg.Method = buildtypes.Method(b.method)
	}
	if fs.Changed("use-cache") {
		cfg.UseCache = b.useCache
	}
	return cfg, nil
}

func runBuild(ctx context.Context, opts *options, cfg *buildtypes.BuildConfiguration, noHistory bool) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := initTracing(ctx, opts.cfg)
	if err != nil {
		return err
	}
	defer shutdownTracing()

	tasker, err := engine.NewDockerTasker(opts.cfg.Docker.Host)
	if err != nil {
		return err
	}

	var tracker *builder.Tracker
	if !noHistory {
		db, err := openDatabase(opts.cfg)
		if err != nil {
			log.Warn().Err(err).Msg("Build history unavailable, build will not be recorded")
		} else {
			defer closeDatabase(db)
			tracker = builder.NewTracker(state.NewRepository(db))
		}
	}

	service := newDispatcher(opts.cfg, tasker, tracker)
	result, err := service.Build(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Str("image", cfg.Image).Msg("Build failed")
	}

	if err := printResult(opts, result); err != nil {
		return err
	}
	if result.ReturnCode != buildtypes.ReturnCodeSuccess {
		return exitCodeError{code: result.ReturnCode}
	}
	return nil
}

// printResult writes the result, without its logs, as JSON to stdout
func printResult(opts *options, result *buildtypes.BuildResult) error {
	summary := *result
	summary.Logs = nil

	encoder := json.NewEncoder(opts.stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(summary); err != nil {
		return fmt.Errorf("failed to write build result: %w", err)
	}
	return nil
}
