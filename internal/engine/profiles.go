package engine

import (
	"context"

	"github.com/danieljhkim/deltaruntime/internal/profiles"
)

// ListProfiles returns every profile, most recently used first.
func (e *Engine) ListProfiles(ctx context.Context) ([]profiles.Info, error) {
	return e.profiles.List(ctx)
}

// GetProfile returns one profile.
func (e *Engine) GetProfile(ctx context.Context, name string) (*profiles.Info, error) {
	return e.profiles.Get(ctx, name)
}

// CreateProfile creates an empty profile whose logical tree equals the base.
func (e *Engine) CreateProfile(ctx context.Context, name, description string) (*profiles.Info, error) {
	info, err := e.profiles.Create(ctx, name, description)
	if err != nil {
		return nil, err
	}
	e.logger.Info("created profile", "profile", name)
	return info, nil
}

// RenameProfile renames a profile together with its overlay entries and
// directories. It fails with ConflictError while the profile is building.
func (e *Engine) RenameProfile(ctx context.Context, oldName, newName string) (*profiles.Info, error) {
	info, err := e.profiles.Rename(ctx, oldName, newName)
	if err != nil {
		return nil, err
	}
	e.logger.Info("renamed profile", "profile", newName, "from", oldName)
	return info, nil
}

// DeleteProfile removes a profile, releasing every blob reference it held.
// Released blobs become collectable after the grace period.
func (e *Engine) DeleteProfile(ctx context.Context, name string) error {
	if err := e.profiles.Delete(ctx, name); err != nil {
		return err
	}
	e.logger.Info("deleted profile", "profile", name)
	return nil
}

// OpenProfileWorkspace materializes the profile's workspace mirror and
// returns its directory. The profile is marked as used.
func (e *Engine) OpenProfileWorkspace(ctx context.Context, name string) (string, error) {
	if _, err := e.profiles.Get(ctx, name); err != nil {
		return "", err
	}
	if err := e.profiles.EnsureDirs(name); err != nil {
		return "", err
	}
	dir, err := e.mirror.Export(ctx, name)
	if err != nil {
		return "", err
	}
	if err := e.profiles.Touch(ctx, name); err != nil {
		return "", err
	}
	return dir, nil
}
