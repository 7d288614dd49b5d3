package cmd

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/runbox/runbox/internal/envspec"
	"github.com/runbox/runbox/internal/runtime"
	"github.com/runbox/runbox/internal/session"
	"github.com/runbox/runbox/internal/workspace"
)

var (
	envFile      string
	baseDir      string
	timeout      time.Duration
	setupCommand string
	image        string
	execUser     string
	isEval       bool
	disableSetup bool
	showSetup    bool
	publishes    []string
	mounts       []string
	envVars      []string
	outputDir    string
	restoreDir   string
)

var runCmd = &cobra.Command{
	Use:   "run [flags] -- command...",
	Short: "Run a command in a sandboxed environment",
	Long: `Run a command inside the sandbox described by the environment spec.
The base directory is snapshotted into a disposable workspace, the
command runs against it, and everything is torn down afterwards. The
workspace diff can optionally be saved with --output.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func runRun(cmd *cobra.Command, args []string) error {
	log := buildLogger()
	defer log.Sync()
	ctx := cmd.Context()

	spec, err := envspec.Load(envFile)
	if err != nil {
		return err
	}
	opts, err := buildSpawnOptions()
	if err != nil {
		return err
	}

	var initial *workspace.Snapshot
	if baseDir != "" {
		initial, err = workspace.Capture(baseDir, spec.IgnoreGlobs(nil), spec.Snapshot.KeepGlobs)
		if err != nil {
			return fmt.Errorf("snapshot %s: %w", baseDir, err)
		}
	}

	command := strings.Join(args, " ")
	var result *runtime.Result
	err = session.With(session.Config{
		Spec:          spec,
		Initial:       initial,
		AgentAuthored: outputDir != "",
		IsEvaluation:  isEval,
		Logger:        log,
	}, func(s *session.Session) error {
		if restoreDir != "" {
			if err := s.RestoreFromSnapshotDir(restoreDir); err != nil {
				return err
			}
		}
		rt, err := s.Spawn(ctx, opts)
		if err != nil {
			return err
		}
		if restoreDir != "" {
			for _, resume := range spec.ResumeCommands() {
				res, err := rt.Execute(ctx, resume, nil, nil, timeout)
				if err != nil {
					return err
				}
				if res.ExitCode != 0 {
					log.Warn("resume command failed",
						zap.String("command", resume),
						zap.Int("exit_code", res.ExitCode))
				}
			}
		}
		result, err = rt.Execute(ctx, command, nil, nil, timeout)
		if err != nil {
			return err
		}
		if outputDir != "" {
			diff, err := s.FinishCheckpoint(outputDir)
			if err != nil {
				return err
			}
			log.Info("workspace checkpoint written",
				zap.String("output", outputDir),
				zap.Int("added", len(diff.Added)),
				zap.Int("modified", len(diff.Modified)),
				zap.Int("removed", len(diff.Removed)))
		}
		return nil
	})
	if err != nil {
		return err
	}

	if showSetup {
		fmt.Fprint(os.Stderr, result.SetupStderr)
		fmt.Fprint(os.Stdout, result.SetupStdout)
	}
	fmt.Fprint(os.Stderr, result.Stderr)
	fmt.Fprint(os.Stdout, result.Stdout)
	if result.TimedOut {
		log.Warn("command timed out", zap.Duration("timeout", timeout))
	}
	if result.ExitCode != 0 {
		code := result.ExitCode
		if code < 0 {
			code = 1
		}
		os.Exit(code)
	}
	return nil
}

// buildSpawnOptions translates the CLI flags into spawn options.
func buildSpawnOptions() (runtime.SpawnOptions, error) {
	opts := runtime.SpawnOptions{
		SetupCommand: setupCommand,
		Image:        image,
		User:         execUser,
		DisableSetup: disableSetup,
	}
	for _, p := range publishes {
		host, containerPort, ok := strings.Cut(p, ":")
		if !ok {
			return opts, fmt.Errorf("invalid --publish %q, want host:container", p)
		}
		h, err1 := strconv.Atoi(host)
		c, err2 := strconv.Atoi(containerPort)
		if err1 != nil || err2 != nil {
			return opts, fmt.Errorf("invalid --publish %q, want host:container", p)
		}
		if opts.Ports == nil {
			opts.Ports = make(map[int]int)
		}
		opts.Ports[c] = h
	}
	for _, m := range mounts {
		parts := strings.SplitN(m, ":", 3)
		if len(parts) < 2 {
			return opts, fmt.Errorf("invalid --mount %q, want host:container[:mode]", m)
		}
		spec := runtime.MountSpec{Bind: parts[1]}
		if len(parts) == 3 {
			spec.Mode = parts[2]
		}
		if opts.Mounts == nil {
			opts.Mounts = make(map[string]runtime.MountSpec)
		}
		opts.Mounts[parts[0]] = spec
	}
	for _, kv := range envVars {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return opts, fmt.Errorf("invalid --env-var %q, want KEY=VALUE", kv)
		}
		if opts.EnvVars == nil {
			opts.EnvVars = make(map[string]string)
		}
		opts.EnvVars[k] = v
	}
	return opts, nil
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&envFile, "env", "e", "", "Environment spec YAML file (required)")
	runCmd.MarkFlagRequired("env")
	runCmd.Flags().StringVarP(&baseDir, "base-dir", "d", "", "Directory snapshotted into the workspace (empty workspace if unset)")
	runCmd.Flags().DurationVarP(&timeout, "timeout", "t", 5*time.Minute, "Command timeout (0 to disable)")
	runCmd.Flags().StringVar(&setupCommand, "setup", "", "Extra setup command appended after the spec's setup")
	runCmd.Flags().StringVar(&image, "image", "", "Override the spec's container image")
	runCmd.Flags().StringVar(&execUser, "user", "", "Override the sandbox user")
	runCmd.Flags().BoolVar(&isEval, "eval", false, "Use the spec's evaluation setup commands and user")
	runCmd.Flags().BoolVar(&disableSetup, "no-setup", false, "Run the command without the setup wrapper")
	runCmd.Flags().BoolVar(&showSetup, "show-setup", false, "Also print setup output")
	runCmd.Flags().StringArrayVarP(&publishes, "publish", "p", nil, "Publish a container port (host:container, repeatable)")
	runCmd.Flags().StringArrayVarP(&mounts, "mount", "m", nil, "Extra mount (host:container[:mode], repeatable)")
	runCmd.Flags().StringArrayVar(&envVars, "env-var", nil, "Extra environment variable (KEY=VALUE, repeatable)")
	runCmd.Flags().StringVarP(&outputDir, "output", "o", "", "Write the final workspace state to this directory")
	runCmd.Flags().StringVar(&restoreDir, "restore", "", "Overlay this directory onto the workspace and run the spec's resume commands first")
}
