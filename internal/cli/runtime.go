package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cheggaaa/pb"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/danieljhkim/deltaruntime/internal/builder"
	"github.com/danieljhkim/deltaruntime/internal/planner"
)

var planVerbose bool

var planCmd = &cobra.Command{
	Use:   "plan <profile>",
	Short: "Show what a build of a profile would do",
	Long: `Compute the operations a runtime build of a profile would run, compared
with the profile's current runtime. Nothing is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		plan, err := eng.ComputeRuntimePlan(context.Background(), args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(plan)
		}

		PrintSection(fmt.Sprintf("Runtime plan for %s", plan.Profile))
		PrintLabelValue("Files", fmt.Sprintf("%d (%s)", plan.TotalFiles, humanize.IBytes(uint64(plan.TotalBytes))))
		PrintLabelValue("From base", fmt.Sprintf("%d", plan.BaseFiles))
		PrintLabelValue("From blobs", fmt.Sprintf("%d", plan.BlobFiles))
		if plan.PreviousBuild != "" {
			PrintLabelValue("Previous build", plan.PreviousBuild)
			PrintLabelValue("Unchanged", fmt.Sprintf("%d", plan.Count(planner.OpUnchanged)))
			PrintLabelValue("Removed", fmt.Sprintf("%d", plan.Count(planner.OpRemove)))
		}

		if planVerbose && len(plan.Operations) > 0 {
			fmt.Println()
			rows := make([][]string, 0, len(plan.Operations))
			for _, op := range plan.Operations {
				rows = append(rows, []string{string(op.Type), op.Path, humanize.IBytes(uint64(op.Size))})
			}
			PrintTable([]string{"Operation", "Path", "Size"}, rows)
		}
		return nil
	},
}

var buildCmd = &cobra.Command{
	Use:   "build <profile>",
	Short: "Build a profile's runtime and make it current",
	Long: `Build a runnable directory for a profile and atomically swap it in as
the profile's current runtime. Ctrl-C cancels the build and leaves the
previous runtime in place.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		ctx, stop := signalContext()
		defer stop()

		b, err := eng.BuildRuntime(ctx, args[0])
		if err != nil {
			return err
		}

		var bar *pb.ProgressBar
		for ev := range b.Events() {
			if jsonOutput {
				continue
			}
			if bar == nil && ev.Phase == builder.PhaseLinking && ev.TotalFiles > 0 {
				bar = pb.New(ev.TotalFiles)
				bar.Output = os.Stderr
				bar.ShowTimeLeft = true
				bar.Prefix(args[0] + " ")
				bar.Start()
			}
			if bar != nil && !ev.Completed {
				bar.Set(ev.FilesProcessed)
			}
		}
		res, err := b.Wait()
		if bar != nil {
			if err == nil {
				bar.Set(res.Plan.TotalFiles)
			}
			bar.Finish()
		}
		if err != nil {
			if errors.Is(err, builder.ErrCanceled) {
				return fmt.Errorf("build of %s canceled; previous runtime left in place", args[0])
			}
			return err
		}

		if jsonOutput {
			return outputJSON(res)
		}

		PrintSuccess(fmt.Sprintf("Built %s in %s", args[0], res.Duration.Round(time.Millisecond)))
		PrintLabelValue("Runtime", res.Current)
		PrintLabelValue("Build", res.BuildID)
		PrintLabelValue("Files", fmt.Sprintf("%d (%d hardlinked, %d copied; %d unchanged since the last build)",
			res.Plan.TotalFiles, res.Hardlinks, res.Copies, res.Plan.Count(planner.OpUnchanged)))
		return nil
	},
}

func init() {
	planCmd.Flags().BoolVarP(&planVerbose, "verbose", "v", false, "List every operation")
}
