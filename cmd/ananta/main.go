package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/cwt/ananta/internal/aggregate"
	"github.com/cwt/ananta/internal/config"
	"github.com/cwt/ananta/internal/dispatch"
	"github.com/cwt/ananta/internal/hosts"
	"github.com/cwt/ananta/internal/logging"
	"github.com/cwt/ananta/internal/sink"
	"github.com/cwt/ananta/internal/ssh"
	"github.com/cwt/ananta/internal/tui"
)

var (
	// Build-time variables (set via -ldflags)
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"

	// Global configuration
	cfg *config.Config

	// CLI flags
	tags        string
	concurrency string
	retries     int
	timeout     time.Duration
	cmdTimeout  time.Duration
	outputMode  string
	useTUI      bool
	shellMode   bool
	noColor     bool
	defaultKey  string
	failFast    bool
	quiet       bool
	logLevel    string
	logFormat   string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(getExitCode(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "ananta [flags] HOSTFILE -- <command>",
	Short: "Run a command on many hosts in parallel over SSH",
	Long: `ananta runs one command (or an interactive shell) across every host in
a host file concurrently, streams the output of all hosts as it arrives
with each line attributed to its host, and reports per-host exit status.

The host file is CSV (name,ip,port,user,key[,tags]) or YAML. A '#' in
the key field means "no key": the SSH agent and default ~/.ssh keys are
tried instead.

Examples:
  # Run a command on every host
  ananta hosts.csv -- uptime

  # Only hosts carrying both tags
  ananta -t web,prod hosts.csv -- "systemctl status nginx"

  # Machine-readable NDJSON output
  ananta -o json hosts.csv -- hostname

  # Live dashboard
  ananta --tui hosts.csv -- "apt-get -y upgrade"

  # Interactive shell broadcast to all hosts
  ananta --shell hosts.csv`,
	Args: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return &SetupError{Message: "host file is required"}
		}
		return nil
	},
	SilenceUsage:  true,
	SilenceErrors: false,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		configManager := config.NewManager()
		loadedCfg, err := configManager.Load()
		if err != nil {
			return &SetupError{Message: fmt.Sprintf("failed to load configuration: %v", err)}
		}
		cfg = loadedCfg

		if err := overrideConfigWithFlags(cmd); err != nil {
			return err
		}
		return nil
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		hostFile := args[0]
		command := strings.Join(args[1:], " ")

		if shellMode && command != "" {
			return &SetupError{Message: "--shell and a command are mutually exclusive"}
		}
		if !shellMode && command == "" {
			return &SetupError{Message: "command is required after '--' (or use --shell)"}
		}

		return run(hostFile, command)
	},
}

func init() {
	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ananta %s\n", version)
			fmt.Printf("Commit: %s\n", commit)
			fmt.Printf("Built: %s\n", buildTime)
		},
	}
	rootCmd.AddCommand(versionCmd)

	rootCmd.Flags().StringVarP(&tags, "tags", "t", "", "Only run on hosts carrying any of these comma-separated tags")
	rootCmd.Flags().StringVarP(&concurrency, "concurrency", "c", "auto", "Maximum concurrent sessions ('auto' or number)")
	rootCmd.Flags().IntVar(&retries, "retries", 0, "Connect retry attempts per host")
	rootCmd.Flags().DurationVar(&timeout, "timeout", 0, "Total run timeout (0 for no timeout)")
	rootCmd.Flags().DurationVar(&cmdTimeout, "cmd-timeout", 60*time.Second, "Per-host command timeout (0 for no timeout)")
	rootCmd.Flags().StringVarP(&outputMode, "output", "o", "plain", "Output format (plain, json)")
	rootCmd.Flags().BoolVar(&useTUI, "tui", false, "Render a live dashboard instead of streaming output")
	rootCmd.Flags().BoolVar(&shellMode, "shell", false, "Attach an interactive shell broadcast to every host")
	rootCmd.Flags().BoolVar(&noColor, "no-color", false, "Disable colored host prompts")
	rootCmd.Flags().StringVarP(&defaultKey, "default-key", "K", "", "Private key used for hosts without one in the host file")
	rootCmd.Flags().BoolVar(&failFast, "fail-fast", false, "Cancel remaining hosts on the first failure")
	rootCmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Suppress the end-of-run summary and non-error logs")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (info, error)")
	rootCmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (json, text)")
}

func overrideConfigWithFlags(cmd *cobra.Command) error {
	if cmd.Flags().Changed("tags") {
		cfg.Tags = tags
	}
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = concurrency
	}
	if cmd.Flags().Changed("retries") {
		cfg.Retries = retries
	}
	if cmd.Flags().Changed("timeout") {
		cfg.Timeout = timeout
	}
	if cmd.Flags().Changed("cmd-timeout") {
		cfg.CmdTimeout = cmdTimeout
	}
	if cmd.Flags().Changed("output") {
		cfg.Output = outputMode
	}
	if cmd.Flags().Changed("tui") {
		cfg.TUI = useTUI
	}
	if cmd.Flags().Changed("no-color") {
		cfg.NoColor = noColor
	}
	if cmd.Flags().Changed("default-key") {
		cfg.DefaultKey = defaultKey
	}
	if cmd.Flags().Changed("fail-fast") {
		cfg.FailFast = failFast
	}
	if cmd.Flags().Changed("quiet") {
		cfg.Quiet = quiet
	}
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("log-format") {
		cfg.LogFormat = logFormat
	}

	configManager := config.NewManager()
	if err := configManager.Validate(cfg); err != nil {
		return &SetupError{Message: fmt.Sprintf("configuration validation failed: %v", err)}
	}
	return nil
}

func run(hostFile, command string) error {
	logger := logging.NewLoggerFromConfig(cfg.LogLevel, cfg.LogFormat, cfg.Quiet)

	records, err := hosts.Load(hostFile)
	if err != nil {
		logger.LogHostsError(hostFile, err)
		return &SetupError{Message: fmt.Sprintf("failed to load hosts: %v", err)}
	}

	if selected := config.ParseTags(cfg.Tags); len(selected) > 0 {
		records = hosts.SelectByTags(records, selected)
		if len(records) == 0 {
			return &SetupError{Message: fmt.Sprintf("no hosts match tags %q", cfg.Tags)}
		}
	}
	if err := hosts.CheckUnique(records); err != nil {
		return &SetupError{Message: err.Error()}
	}
	logger.LogHostsLoaded(hostFile, len(records))

	concurrencyValue, err := config.ResolveConcurrency(cfg.Concurrency, len(records))
	if err != nil {
		return &SetupError{Message: err.Error()}
	}

	names := make([]string, len(records))
	for i, rec := range records {
		names[i] = rec.Name
	}

	stdoutTTY := term.IsTerminal(int(os.Stdout.Fd()))
	color := !cfg.NoColor && stdoutTTY && cfg.Output != "json"

	newClient := clientFactory(records, color, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("Received shutdown signal, canceling run", "signal", sig.String())
			cancel()
		case <-ctx.Done():
			return
		}
		// A second signal skips the graceful teardown.
		<-sigChan
		os.Exit(130)
	}()

	var (
		s     sink.Sink
		dash  *tui.Dashboard
		stdin io.Reader
	)
	switch {
	case cfg.TUI:
		var input io.Writer
		if shellMode {
			pr, pw := io.Pipe()
			stdin = pr
			input = pw
		}
		dash = tui.New(tui.Options{
			HostNames: names,
			Shell:     shellMode,
			Input:     input,
			Cancel:    cancel,
			Output:    os.Stdout,
		})
		go func() {
			if err := dash.Run(); err != nil {
				logger.Error("Dashboard failed", "error", err)
				cancel()
			}
		}()
		s = dash
	case cfg.Output == "json":
		s = sink.NewJSONSink(os.Stdout)
	default:
		s = sink.NewPlainSink(os.Stdout, names, color, cfg.Quiet)
		if shellMode {
			stdin = os.Stdin
		}
	}

	d, err := dispatch.New(dispatch.Options{
		Concurrency:  concurrencyValue,
		Retries:      cfg.Retries,
		CmdTimeout:   cfg.CmdTimeout,
		TotalTimeout: cfg.Timeout,
		FailFast:     cfg.FailFast,
		NewClient:    newClient,
		Logger:       logger,
	}, s)
	if err != nil {
		return &SetupError{Message: err.Error()}
	}

	res, err := d.Run(ctx, records, dispatch.Request{
		Command: command,
		Shell:   shellMode,
		Stdin:   stdin,
	})
	if err != nil {
		return &SetupError{Message: err.Error()}
	}

	if err := s.Finalize(res); err != nil {
		logger.Error("Failed to finalize output", "error", err)
	}

	switch res.Overall {
	case aggregate.AllSucceeded:
		return nil
	case aggregate.Cancelled:
		return &CancelledError{Message: "run cancelled"}
	default:
		return &ExecutionError{Message: fmt.Sprintf(
			"%d/%d hosts failed", res.Failed(), len(res.PerHost))}
	}
}

// clientFactory builds the per-host SSH client constructor, sizing the
// remote PTY to the local terminal minus the host prompt width so remote
// line wrapping matches what actually fits on screen.
func clientFactory(records []hosts.Record, color bool, logger *logging.Logger) func() ssh.Client {
	promptWidth := hosts.MaxNameLength(records) + 3 // "[name] "

	termWidth := 0
	if w, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && w > promptWidth {
		termWidth = w - promptWidth
	}

	opts := ssh.Options{
		DefaultKey: cfg.DefaultKey,
		RequestPTY: color,
		TermWidth:  termWidth,
		Logger:     logger,
	}
	return func() ssh.Client {
		return ssh.NewClient(opts)
	}
}

// ExecutionError represents one or more hosts failing (exit code 1)
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return e.Message
}

// SetupError represents an error during setup/configuration (exit code 2)
type SetupError struct {
	Message string
}

func (e *SetupError) Error() string {
	return e.Message
}

// CancelledError represents a run interrupted by signal or timeout
// (exit code 130, matching shell convention for SIGINT)
type CancelledError struct {
	Message string
}

func (e *CancelledError) Error() string {
	return e.Message
}

// getExitCode determines the appropriate exit code based on error type
// Returns:
//   - 0: Success (all hosts succeeded)
//   - 1: Execution failure (one or more hosts failed)
//   - 2: Setup error (invalid arguments, configuration issues, etc.)
//   - 130: Run cancelled by signal or total timeout
func getExitCode(err error) int {
	if err == nil {
		return 0
	}

	switch err.(type) {
	case *SetupError:
		return 2
	case *ExecutionError:
		return 1
	case *CancelledError:
		return 130
	default:
		// Unknown errors are treated as setup errors for safety
		return 2
	}
}
