package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"

	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/engine"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/logging"
)

// newEngine creates a new engine with real implementations of all dependencies.
// The returned function closes the index and the log file.
func newEngine() (*engine.Engine, func(), error) {
	// Get default paths
	paths, err := config.DefaultPaths()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get config paths: %w", err)
	}

	settings, err := engine.LoadSettings(paths)
	if err != nil {
		return nil, nil, err
	}

	logger, closeLog, err := setupLogging(paths, settings)
	if err != nil {
		return nil, nil, err
	}

	eng, err := engine.New(paths, settings, fsops.NewRealFS(), &clock.RealClock{}, logger)
	if err != nil {
		_ = closeLog()
		return nil, nil, err
	}

	return eng, func() {
		_ = eng.Close()
		_ = closeLog()
	}, nil
}

// setupLogging installs the console logger and, when enabled in settings,
// the JSON file logger under the logs directory.
func setupLogging(paths *config.Paths, settings *config.Settings) (*slog.Logger, func() error, error) {
	opts := logging.Options{
		Writer:  os.Stderr,
		Debug:   debugOutput,
		NoColor: color.NoColor,
	}
	if settings != nil {
		opts.Level = settings.Log.Level
		if settings.Log.File {
			opts.Dir = paths.Logs
		}
	}
	return logging.Setup(opts)
}

// signalContext returns a context canceled on Ctrl-C or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// outputJSON outputs a value as JSON to stdout.
func outputJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
