package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"

	"github.com/danieljhkim/deltaruntime/internal/apperr"
	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
	"github.com/danieljhkim/deltaruntime/internal/index"
)

// LoadSettings reads and validates settings.yaml from the data root.
// It returns ErrNotInitialized when the file does not exist.
func LoadSettings(paths *config.Paths) (*config.Settings, error) {
	settings, err := config.LoadSettings(paths.Settings)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotInitialized
		}
		return nil, apperr.Validation("%v", err)
	}
	if err := settings.Validate().Err(); err != nil {
		return nil, apperr.Validation("invalid settings %s: %v", paths.Settings, err)
	}
	return settings, nil
}

// Init bootstraps a data root: it validates the base installation, checks
// that the drive holding the data root can serve the overlay mode, creates
// the directory structure and index, and writes settings.yaml.
func Init(ctx context.Context, paths *config.Paths, fsys fsops.FS, clk clock.Clock, req InitRequest) (*InitResult, error) {
	if ok, err := fsys.Exists(paths.Settings); err != nil {
		return nil, apperr.IO(err, "stat settings")
	} else if ok && !req.Force {
		return nil, fmt.Errorf("%w: %s exists (use --force to overwrite)", ErrAlreadyInitialized, paths.Settings)
	}

	if req.BasePath == "" {
		return nil, apperr.Validation("base path is required")
	}
	base, err := filepath.Abs(req.BasePath)
	if err != nil {
		return nil, apperr.Validation("invalid base path %q: %v", req.BasePath, err)
	}

	settings := config.DefaultSettings()
	settings.BasePath = base
	if req.Mode != "" {
		settings.OverlayMode = req.Mode
	}
	if req.Executable != "" {
		settings.Executable = req.Executable
	}

	validation := settings.Validate()
	if err := validation.Err(); err != nil {
		return nil, apperr.Validation("%v", err)
	}
	exe := filepath.Join(base, settings.Executable)
	if ok, err := fsys.Exists(exe); err != nil {
		return nil, apperr.IO(err, "stat %s", exe)
	} else if !ok {
		return nil, apperr.Validation("%s does not contain %s", base, settings.Executable)
	}

	if err := paths.EnsureDirectories(); err != nil {
		return nil, apperr.IO(err, "create data root")
	}

	free, err := fsys.FreeSpace(paths.Root)
	if err != nil {
		return nil, apperr.IO(err, "check free space on %s", paths.Root)
	}
	if free < settings.Build.MinFreeBytes {
		return nil, apperr.IO(fmt.Errorf("only %s free, need %s",
			humanize.IBytes(free), humanize.IBytes(settings.Build.MinFreeBytes)), "check free space on %s", paths.Root)
	}

	if settings.OverlayMode == config.ModeHardlink {
		if err := fsops.ProbeLink(fsys, exe, paths.Runtimes); err != nil {
			return nil, apperr.Validation("%v (base and data root must share a filesystem; use --mode copy otherwise)", err)
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	db, err := index.Open(paths.Index, clk)
	if err != nil {
		return nil, err
	}
	if err := db.Close(); err != nil {
		return nil, apperr.IO(err, "close index")
	}

	settings.CompleteWizard(clk.Now())
	if err := settings.Save(paths.Settings); err != nil {
		return nil, apperr.IO(err, "write settings")
	}

	return &InitResult{
		Root:         paths.Root,
		SettingsPath: paths.Settings,
		BasePath:     base,
		Mode:         settings.OverlayMode,
		FreeBytes:    free,
		Warnings:     validation.Warnings,
	}, nil
}
