// =============================================================================
// main.go - multilock CLI Entry Point
// =============================================================================
//
// multilock runs lock test scripts against one or more lock targets. Each
// target speaks the multilock line protocol over a unix socket, a TCP
// connection, or the stdin/stdout of a spawned agent.
//
// Usage:
//
//	multilock script.ml [more.ml...]    Run scripts, exit non-zero on failure
//	multilock < script.ml               Run a script from stdin
//	multilock --interactive             Type directives at a prompt
//	multilock --syntax script.ml        Check a script without connecting
//	multilock version                   Show version
//
// Every flag can also come from the environment (MULTILOCK_STRICT=true) or
// from a config file passed with --config.
//
// =============================================================================

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"github.com/multilock/multilock/harness"
)

const (
	// version is the current version of the CLI.
	version = "0.3.0"

	// appName is the application name.
	appName = "multilock"

	// stdinScript names a script read from standard input.
	stdinScript = "-"
)

func fullTitle() string {
	return fmt.Sprintf("%s v%s", appName, version)
}

func welcomeBanner() string {
	return fmt.Sprintf(`%s - lock protocol test harness

Type '.help' for available commands.
Type '.quit' to exit.
`, fullTitle())
}

// options is everything the root command needs after flags, environment
// and config file have been merged.
type options struct {
	cfg           harness.Config
	logLevel      string
	metricsListen string
	reportPath    string
}

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("MULTILOCK_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", appName)

	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			printError(err.Error())
		}
		return 1
	}
	return 0
}

func printError(message string) {
	fmt.Fprintf(os.Stderr, "Error: %s\n", message)
}

// flagNames lists the flags that viper also resolves from the environment
// and the config file.
var flagNames = []string{
	"config",
	"quiet", "strict", "error-is-fatal", "dup-errors",
	"syntax", "interactive",
	"alarm-unit", "response-timeout",
	"log-level", "metrics-listen", "report",
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	v := viper.New()

	cmd := &cobra.Command{
		Use:   "multilock [flags] [script...]",
		Short: "Run multilock test scripts against lock targets",
		Long: `multilock drives one or more lock targets through a test script and checks
every response against the script's expectations. With no script it reads
one from stdin; "-" also names stdin.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfigFile(v); err != nil {
				return err
			}
			opts, err := optionsFromViper(v)
			if err != nil {
				return err
			}
			return run(cmd, opts, args, baseLogger)
		},
	}

	flags := cmd.Flags()
	flags.StringP("config", "c", "", "config file (yaml, json or toml)")
	flags.BoolP("quiet", "q", false, "do not echo responses")
	flags.Bool("strict", false, "treat unexpected responses as failures")
	flags.Bool("error-is-fatal", false, "stop at the first failure")
	flags.Bool("dup-errors", false, "copy failures and warnings to stdout")
	flags.Bool("syntax", false, "check scripts without connecting to any target")
	flags.BoolP("interactive", "i", false, "read directives from a prompt; tags become optional")
	flags.Duration("alarm-unit", time.Second, "length of one script second for ALARM and SLEEP")
	flags.Duration("response-timeout", 30*time.Second, "longest wait for a single response (0 waits forever)")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error); default info")
	flags.String("metrics-listen", "", "serve Prometheus metrics on this address (e.g. :9464)")
	flags.String("report", "", "write a YAML run report to this file")

	bindFlags(v, flags)

	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindFlags(v *viper.Viper, flags *pflag.FlagSet) {
	for _, name := range flagNames {
		flag := flags.Lookup(name)
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := v.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}
	v.SetEnvPrefix("MULTILOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
}

func optionsFromViper(v *viper.Viper) (options, error) {
	opts := options{
		cfg: harness.Config{
			Quiet:           v.GetBool("quiet"),
			Strict:          v.GetBool("strict"),
			ErrorIsFatal:    v.GetBool("error-is-fatal"),
			DupErrors:       v.GetBool("dup-errors"),
			Syntax:          v.GetBool("syntax"),
			Interactive:     v.GetBool("interactive"),
			AlarmUnit:       v.GetDuration("alarm-unit"),
			ResponseTimeout: v.GetDuration("response-timeout"),
		},
		logLevel:      strings.TrimSpace(v.GetString("log-level")),
		metricsListen: strings.TrimSpace(v.GetString("metrics-listen")),
		reportPath:    strings.TrimSpace(v.GetString("report")),
	}
	if opts.cfg.AlarmUnit <= 0 {
		return opts, fmt.Errorf("alarm-unit must be positive, got %s", opts.cfg.AlarmUnit)
	}
	if opts.cfg.ResponseTimeout < 0 {
		return opts, fmt.Errorf("response-timeout must not be negative, got %s", opts.cfg.ResponseTimeout)
	}
	if opts.logLevel != "" {
		if _, ok := pslog.ParseLevel(opts.logLevel); !ok {
			return opts, fmt.Errorf("unknown log level %q", opts.logLevel)
		}
	}
	return opts, nil
}

// loadConfigFile reads the file named by --config, if any, and returns its
// expanded path.
func loadConfigFile(v *viper.Viper) (string, error) {
	cfgPath := strings.TrimSpace(v.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	v.SetConfigFile(expanded)
	if err := v.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func run(cmd *cobra.Command, opts options, args []string, logger pslog.Logger) error {
	ctx := cmd.Context()
	if opts.logLevel != "" {
		if level, ok := pslog.ParseLevel(opts.logLevel); ok {
			logger = logger.LogLevel(level)
		}
	}

	cfg := opts.cfg
	cfg.Logger = logger
	cfg.Out = cmd.OutOrStdout()
	cfg.ErrOut = cmd.ErrOrStderr()

	if opts.metricsListen != "" {
		registry := prometheus.NewRegistry()
		cfg.Metrics = harness.NewMetrics(registry)
		srv, ln, err := startMetricsServer(opts.metricsListen, promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger)
		if err != nil {
			return err
		}
		logger.Info("cli.metrics.enabled", "listen", ln.Addr().String())
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if cfg.Interactive {
		if len(args) > 0 {
			return errors.New("--interactive does not take script arguments")
		}
		return runInteractive(ctx, cmd, cfg, opts.reportPath)
	}

	if len(args) == 0 {
		args = []string{stdinScript}
	}
	var reports []harness.Report
	var firstErr error
	for _, path := range args {
		rep, err := runScript(ctx, cmd, cfg, path)
		if rep != nil {
			reports = append(reports, *rep)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
		if err != nil && (errors.Is(err, harness.ErrFatal) || ctx.Err() != nil) {
			break
		}
	}
	if err := writeReports(opts.reportPath, reports); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// runScript loads and runs one script on a fresh harness.
func runScript(ctx context.Context, cmd *cobra.Command, cfg harness.Config, path string) (*harness.Report, error) {
	var r io.Reader
	name := path
	if path == stdinScript {
		r, name = cmd.InOrStdin(), "stdin"
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	script, err := harness.Load(name, r)
	if err != nil {
		return nil, err
	}

	h := harness.New(cfg)
	runErr := h.Run(ctx, script)
	rep := h.Report()
	if !cfg.Quiet {
		fmt.Fprintf(cfg.ErrOut, "%s: %s\n", name, rep.String())
	}
	if runErr != nil {
		return &rep, fmt.Errorf("%s: %w", name, runErr)
	}
	return &rep, nil
}

func runInteractive(ctx context.Context, cmd *cobra.Command, cfg harness.Config, reportPath string) error {
	h := harness.New(cfg)
	editor := NewLineEditor(cmd.InOrStdin(), cfg.Out)
	defer editor.Close()

	if editor.IsInteractive() {
		fmt.Fprint(cfg.Out, welcomeBanner())
	}
	err := runREPL(ctx, h, editor, cfg.Out, cfg.ErrOut)
	h.Close()

	rep := h.Report()
	if werr := writeReports(reportPath, []harness.Report{rep}); werr != nil && err == nil {
		err = werr
	}
	if err == nil && rep.Failed > 0 {
		err = harness.ErrTestFailed
	}
	return err
}

func writeReports(path string, reports []harness.Report) error {
	if path == "" || len(reports) == 0 {
		return nil
	}
	expanded, err := expandPath(path)
	if err != nil {
		return err
	}
	f, err := os.Create(expanded)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	for i, rep := range reports {
		if i > 0 {
			if _, err := io.WriteString(f, "---\n"); err != nil {
				f.Close()
				return err
			}
		}
		if err := rep.WriteYAML(f); err != nil {
			f.Close()
			return fmt.Errorf("write report: %w", err)
		}
	}
	return f.Close()
}

func startMetricsServer(addr string, handler http.Handler, logger pslog.Logger) (*http.Server, net.Listener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listen: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("cli.metrics.serve_error", "error", err)
		}
	}()
	return srv, ln, nil
}

// withSignalCancel cancels ctx on SIGINT or SIGTERM so that a running
// script tears its clients down before the process exits.
func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the multilock version",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := fmt.Fprintln(cmd.OutOrStdout(), fullTitle())
			return err
		},
	}
}
