package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// CurrentSchema is the settings schema version written by this build.
const CurrentSchema = 1

// Overlay modes.
const (
	ModeHardlink = "hardlink"
	ModeCopy     = "copy"
)

// Settings is the persisted engine configuration (settings.yaml).
type Settings struct {
	// Schema is the settings schema version
	Schema int `yaml:"schema"`

	// BasePath is the immutable base installation
	BasePath string `yaml:"base_path"`

	// Executable is the file that must exist in BasePath for it to be valid
	Executable string `yaml:"executable"`

	// OverlayMode is how runtime files are materialized ("hardlink" or "copy")
	OverlayMode string `yaml:"overlay_mode"`

	GC     GCSettings     `yaml:"gc"`
	Build  BuildSettings  `yaml:"build"`
	Log    LogSettings    `yaml:"log"`
	Wizard WizardSettings `yaml:"wizard"`
}

// GCSettings configures the garbage collector.
type GCSettings struct {
	// GracePeriod is how long a blob must stay unreferenced before deletion
	GracePeriod time.Duration `yaml:"grace_period"`

	// Interval is how often the periodic collector runs (0 disables it)
	Interval time.Duration `yaml:"interval"`
}

// BuildSettings configures the runtime builder.
type BuildSettings struct {
	// Workers is the number of concurrent link operations
	Workers int `yaml:"workers"`

	// KeepBuilds is how many published builds to retain per profile
	KeepBuilds int `yaml:"keep_builds"`

	// MinFreeBytes is the free space required on the data root before building
	MinFreeBytes uint64 `yaml:"min_free_bytes"`
}

// LogSettings configures logging.
type LogSettings struct {
	Level string `yaml:"level"`
	File  bool   `yaml:"file"`
}

// WizardSettings records first-run bootstrap state.
type WizardSettings struct {
	Completed   bool       `yaml:"completed"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
}

// DefaultSettings returns settings with every default applied.
func DefaultSettings() *Settings {
	s := &Settings{}
	s.applyDefaults()
	return s
}

func (s *Settings) applyDefaults() {
	if s.Schema == 0 {
		s.Schema = CurrentSchema
	}
	if s.Executable == "" {
		s.Executable = "gta_sa.exe"
	}
	if s.OverlayMode == "" {
		s.OverlayMode = ModeHardlink
	}
	if s.GC.GracePeriod == 0 {
		s.GC.GracePeriod = 24 * time.Hour
	}
	if s.Build.Workers <= 0 {
		s.Build.Workers = 8
	}
	if s.Build.KeepBuilds <= 0 {
		s.Build.KeepBuilds = 5
	}
	if s.Build.MinFreeBytes == 0 {
		s.Build.MinFreeBytes = 100 << 20
	}
	if s.Log.Level == "" {
		s.Log.Level = "warn"
	}
}

// LoadSettings reads settings from path and applies defaults.
// Returns an error wrapping os.ErrNotExist if the file is missing.
func LoadSettings(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("settings not found at %s: %w", path, os.ErrNotExist)
		}
		return nil, fmt.Errorf("failed to read settings: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to parse settings %s: %w", path, err)
	}
	if s.Schema > CurrentSchema {
		return nil, fmt.Errorf("settings schema %d is newer than supported schema %d", s.Schema, CurrentSchema)
	}
	s.applyDefaults()

	return &s, nil
}

// Save writes settings to path atomically.
func (s *Settings) Save(path string) error {
	data, err := yaml.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal settings: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".settings-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write settings: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close settings: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename settings: %w", err)
	}

	return nil
}

// CompleteWizard marks bootstrap as done.
func (s *Settings) CompleteWizard(at time.Time) {
	s.Wizard.Completed = true
	s.Wizard.CompletedAt = &at
}

// ValidationResult holds problems found in settings.
type ValidationResult struct {
	Errors   []string `json:"errors"`
	Warnings []string `json:"warnings"`
}

// IsValid reports whether no errors were found.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// Err returns the errors joined into one error, or nil.
func (r *ValidationResult) Err() error {
	if r.IsValid() {
		return nil
	}
	return errors.New(strings.Join(r.Errors, "; "))
}

// Validate checks the settings against the filesystem.
func (s *Settings) Validate() *ValidationResult {
	res := &ValidationResult{}

	if s.BasePath == "" {
		res.Errors = append(res.Errors, "base_path is not set")
	} else if info, err := os.Stat(s.BasePath); err != nil {
		res.Errors = append(res.Errors, fmt.Sprintf("base_path %s does not exist", s.BasePath))
	} else if !info.IsDir() {
		res.Errors = append(res.Errors, fmt.Sprintf("base_path %s is not a directory", s.BasePath))
	} else if _, err := os.Stat(filepath.Join(s.BasePath, s.Executable)); err != nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("%s not found in base_path", s.Executable))
	}

	switch s.OverlayMode {
	case ModeHardlink, ModeCopy:
	default:
		res.Errors = append(res.Errors, fmt.Sprintf("unknown overlay_mode %q", s.OverlayMode))
	}

	if s.GC.GracePeriod < 0 {
		res.Errors = append(res.Errors, "gc.grace_period must not be negative")
	}
	if s.GC.Interval > 0 && s.GC.Interval < time.Minute {
		res.Warnings = append(res.Warnings, "gc.interval below one minute")
	}

	return res
}
