// Command streetview-downloader downloads Street View panoramas for a list
// of locations and repairs panoramas with a black band along the bottom.
//
// Usage:
//
//	streetview-downloader [download] [-config configuration.ini]
//	streetview-downloader repair [-config configuration.ini] [-retry-failed]
//	streetview-downloader init [-config configuration.ini]
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/mattn/go-isatty"

	"github.com/ZrimYoung/StreetViewDownloader/internal/config"
	"github.com/ZrimYoung/StreetViewDownloader/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	go releaseSignals(ctx, stop)
	code := run(ctx, os.Args[1:])
	stop()
	os.Exit(code)
}

// releaseSignals restores default signal handling once the first interrupt
// has cancelled ctx, so a second Ctrl+C kills the process
func releaseSignals(ctx context.Context, stop context.CancelFunc) {
	<-ctx.Done()
	stop()
}

// run dispatches the subcommand and returns the process exit code
func run(ctx context.Context, args []string) int {
	if len(args) == 0 {
		return runDownload(ctx, nil)
	}

	switch args[0] {
	case "download":
		return runDownload(ctx, args[1:])
	case "repair":
		return runRepair(ctx, args[1:])
	case "init":
		return runInit(args[1:])
	case "version":
		fmt.Println(AppVersion)
		return 0
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		if len(args[0]) > 0 && args[0][0] == '-' {
			return runDownload(ctx, args)
		}
		fmt.Fprintf(os.Stderr, "unknown subcommand %q\n\n", args[0])
		printUsage()
		return 1
	}
}

func runDownload(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("download", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "configuration file (.ini or .yaml)")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	app, cleanup, err := bootstrap(*configPath, "download")
	if err != nil {
		return fatal(err)
	}
	defer cleanup()

	if err := app.Download(ctx); err != nil {
		app.logger.Error("download failed", "error", err)
		return fatal(err)
	}
	return 0
}

func runRepair(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("repair", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "configuration file (.ini or .yaml)")
	retryFailed := fs.Bool("retry-failed", false, "process files that failed in earlier runs again")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	app, cleanup, err := bootstrap(*configPath, "repair")
	if err != nil {
		return fatal(err)
	}
	defer cleanup()

	if err := app.Repair(ctx, *retryFailed); err != nil {
		app.logger.Error("repair failed", "error", err)
		return fatal(err)
	}
	return 0
}

func runInit(args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	configPath := fs.String("config", config.DefaultConfigPath, "configuration file to create")
	if err := fs.Parse(args); err != nil {
		return 1
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	if err := initWorkspace(*configPath, logger); err != nil {
		return fatal(err)
	}
	return 0
}

// bootstrap loads and validates the configuration, sets up logging and
// builds the App. The returned cleanup closes everything bootstrap opened.
func bootstrap(configPath, command string) (*App, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, err
	}

	logger, closeLog, err := logging.Setup(logging.Config{
		Format:       cfg.Logging.Format,
		Level:        cfg.Logging.Level,
		DetailedPath: cfg.Paths.DetailedLogPath,
	}, os.Stdout)
	if err != nil {
		return nil, nil, err
	}

	runID := uuid.NewString()
	logger = logger.With("run_id", runID[:8])
	logger.Info("starting", "command", command, "version", AppVersion, "config", configPath)

	app := NewApp(cfg, logger, runID)
	app.TrackStart(command)
	cleanup := func() {
		app.Shutdown()
		if err := closeLog(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close detailed log: %v\n", err)
		}
	}
	return app, cleanup, nil
}

// fatal prints a diagnostic for err and, when a person is at the console,
// waits for Enter so the message stays visible. It returns the exit code.
func fatal(err error) int {
	fmt.Fprintf(os.Stderr, "\nError: %v\n", err)

	var verrs config.ValidationErrors
	switch {
	case errors.Is(err, config.ErrConfigNotFound):
		fmt.Fprintln(os.Stderr, "Run the init subcommand to create a default configuration.")
	case errors.As(err, &verrs):
		fmt.Fprintln(os.Stderr, "Configuration problems:")
		for _, fe := range verrs {
			fmt.Fprintf(os.Stderr, "  - %s\n", fe.String())
		}
	}

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		fmt.Fprint(os.Stderr, "\nPress Enter to close...")
		_, _ = bufio.NewReader(os.Stdin).ReadString('\n')
	}
	return 1
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  streetview-downloader [download] [-config configuration.ini]")
	fmt.Fprintln(os.Stderr, "  streetview-downloader repair [-config configuration.ini] [-retry-failed]")
	fmt.Fprintln(os.Stderr, "  streetview-downloader init [-config configuration.ini]")
	fmt.Fprintln(os.Stderr, "  streetview-downloader version")
}
