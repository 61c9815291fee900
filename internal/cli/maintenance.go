package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/danieljhkim/deltaruntime/internal/clock"
	"github.com/danieljhkim/deltaruntime/internal/config"
	"github.com/danieljhkim/deltaruntime/internal/engine"
	"github.com/danieljhkim/deltaruntime/internal/fsops"
)

var (
	initBase       string
	initMode       string
	initExecutable string
	initForce      bool
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the data root against a base installation",
	Long: `Initialize the deltaruntime data root (~/.deltaruntime, or
$DELTARUNTIME_ROOT) against a base installation.

The base directory must contain the application executable. In hardlink
mode the data root must live on the same filesystem as the base; use
--mode copy otherwise.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := config.DefaultPaths()
		if err != nil {
			return fmt.Errorf("failed to get config paths: %w", err)
		}
		if _, closeLog, err := setupLogging(paths, nil); err == nil {
			defer closeLog()
		}

		res, err := engine.Init(context.Background(), paths, fsops.NewRealFS(), &clock.RealClock{}, engine.InitRequest{
			BasePath:   initBase,
			Mode:       initMode,
			Executable: initExecutable,
			Force:      initForce,
		})
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(res)
		}

		PrintSuccess(fmt.Sprintf("Initialized deltaruntime at %s", res.Root))
		PrintLabelValue("Base", res.BasePath)
		PrintLabelValue("Mode", res.Mode)
		PrintLabelValue("Free space", humanize.IBytes(res.FreeBytes))
		for _, w := range res.Warnings {
			PrintWarning(w)
		}
		fmt.Println()
		PrintInfo("Next steps:")
		fmt.Println("  1. Create a profile:  deltaruntime profile create <name>")
		fmt.Println("  2. Edit its files:    deltaruntime workspace open <name> --watch")
		fmt.Println("  3. Build a runtime:   deltaruntime build <name>")
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show data root status",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		st, err := eng.Status(context.Background())
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(st)
		}

		PrintSection("Status")
		PrintLabelValue("Data root", st.Root)
		PrintLabelValue("Base", st.BasePath)
		PrintLabelValue("Mode", st.Mode)
		PrintLabelValue("Profiles", fmt.Sprintf("%d", st.Profiles))
		PrintLabelValue("Blobs", fmt.Sprintf("%d (%s)", st.Blobs.Count, humanize.IBytes(uint64(st.Blobs.Bytes))))
		PrintLabelValue("Unreferenced", fmt.Sprintf("%d", st.Blobs.Unreferenced))
		PrintLabelValue("Free space", humanize.IBytes(st.FreeBytes))
		return nil
	},
}

var gcGrace time.Duration

var gcCmd = &cobra.Command{
	Use:   "gc",
	Short: "Delete blobs no profile references",
	Long: `Delete blobs that have been unreferenced for longer than the grace period
(settings gc.grace_period unless --grace is given), then remove stray blob
files that were never registered.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		grace := gcGrace
		if !cmd.Flags().Changed("grace") {
			grace = -1
		}

		ctx, stop := signalContext()
		defer stop()

		report, err := eng.CollectGarbage(ctx, grace)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(report)
		}

		if report.Deleted == 0 && report.Orphans == 0 {
			PrintInfo("Nothing to collect")
			return nil
		}
		PrintSuccess(fmt.Sprintf("Deleted %s, freed %s",
			PrintCount(report.Deleted+report.Orphans, "blob", "blobs"),
			humanize.IBytes(uint64(report.BytesFreed))))
		if report.Skipped > 0 {
			PrintLabelValue("Re-referenced", fmt.Sprintf("%d", report.Skipped))
		}
		return nil
	},
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Verify blob integrity and reference counts",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		ctx, stop := signalContext()
		defer stop()

		res, err := eng.Check(ctx)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := outputJSON(res); err != nil {
				return err
			}
		} else {
			PrintSection("Integrity check")
			PrintLabelValue("Verified", PrintCount(res.Checked, "blob", "blobs"))
			if len(res.Corrupt) > 0 {
				PrintSubsection("Corrupt blobs:")
				PrintList(res.Corrupt, 2)
			}
			if len(res.Missing) > 0 {
				PrintSubsection("Missing blobs:")
				PrintList(res.Missing, 2)
			}
			if len(res.Refcounts) > 0 {
				PrintSubsection("Refcount mismatches:")
				items := make([]string, 0, len(res.Refcounts))
				for _, m := range res.Refcounts {
					items = append(items, fmt.Sprintf("%s refcount=%d entries=%d", m.Hash, m.RefCount, m.Entries))
				}
				PrintList(items, 2)
			}
		}

		if !res.OK() {
			return fmt.Errorf("integrity check found %d problems",
				len(res.Corrupt)+len(res.Missing)+len(res.Refcounts))
		}
		if !jsonOutput {
			PrintSuccess("No problems found")
		}
		return nil
	},
}

func init() {
	initCmd.Flags().StringVarP(&initBase, "base", "b", "", "Base installation directory (required)")
	initCmd.Flags().StringVarP(&initMode, "mode", "m", config.ModeHardlink, "Overlay mode: hardlink or copy")
	initCmd.Flags().StringVar(&initExecutable, "executable", "", "Executable that must exist in the base (default gta_sa.exe)")
	initCmd.Flags().BoolVarP(&initForce, "force", "f", false, "Overwrite existing settings")
	_ = initCmd.MarkFlagRequired("base")

	gcCmd.Flags().DurationVar(&gcGrace, "grace", 0, "Minimum time a blob must have been unreferenced (default: settings gc.grace_period)")
}
