package engine

import (
	"context"

	"github.com/danieljhkim/deltaruntime/internal/builder"
	"github.com/danieljhkim/deltaruntime/internal/planner"
)

// ComputeRuntimePlan computes the operations a build of profile would run
// without touching the filesystem.
func (e *Engine) ComputeRuntimePlan(ctx context.Context, profile string) (*planner.Plan, error) {
	return e.planner.ComputePlan(ctx, profile)
}

// BuildRuntime starts a build of profile. The returned Build streams
// progress until its terminal event. A second request for the same profile
// fails with ConflictError while the first is in flight.
func (e *Engine) BuildRuntime(ctx context.Context, profile string) (*builder.Build, error) {
	if _, err := e.profiles.Get(ctx, profile); err != nil {
		return nil, err
	}
	b, err := e.builder.Start(ctx, profile)
	if err != nil {
		return nil, err
	}
	if err := e.profiles.Touch(ctx, profile); err != nil {
		e.logger.Warn("failed to mark profile as used", "profile", profile, "error", err)
	}
	return b, nil
}
