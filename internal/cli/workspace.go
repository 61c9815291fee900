package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/danieljhkim/deltaruntime/internal/workspace"
)

// workspaceCmd is the parent command for workspace mirrors.
var workspaceCmd = &cobra.Command{
	Use:   "workspace",
	Short: "Open and sync profile workspaces",
	Long: `A profile's workspace is an editable directory holding every file the
profile adds or overrides. Edits made there are folded back into the profile
by 'workspace sync' or continuously by 'workspace open --watch'.`,
}

var (
	workspaceWatch    bool
	workspaceDebounce time.Duration
)

var workspaceOpenCmd = &cobra.Command{
	Use:   "open <profile>",
	Short: "Materialize a profile's workspace and print its path",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		profile := args[0]
		dir, err := eng.OpenProfileWorkspace(context.Background(), profile)
		if err != nil {
			return err
		}

		if jsonOutput {
			if err := outputJSON(map[string]string{"profile": profile, "workspace": dir}); err != nil {
				return err
			}
		} else {
			PrintInfo(dir)
		}
		if !workspaceWatch {
			return nil
		}

		ctx, stop := signalContext()
		defer stop()

		if !jsonOutput {
			PrintSubsection(fmt.Sprintf("Watching %s (Ctrl-C to stop)", dir))
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			return eng.WatchWorkspace(gctx, profile, workspaceDebounce)
		})
		g.Go(func() error {
			eng.RunGarbageCollector(gctx)
			return nil
		})
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case ev := <-eng.Normalized():
					printNormalized(ev)
				}
			}
		})
		return g.Wait()
	},
}

var workspaceSyncCmd = &cobra.Command{
	Use:   "sync <profile>",
	Short: "Fold workspace edits back into the profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		n, err := eng.ScanWorkspace(context.Background(), args[0])
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]any{"profile": args[0], "changed": n})
		}
		if n == 0 {
			PrintInfo("Workspace is in sync")
			return nil
		}
	drain:
		for {
			select {
			case ev := <-eng.Normalized():
				printNormalized(ev)
			default:
				break drain
			}
		}
		PrintSuccess(fmt.Sprintf("Synced %s", PrintCount(n, "path", "paths")))
		return nil
	},
}

func printNormalized(ev workspace.NormalizedEvent) {
	if jsonOutput {
		_ = outputJSON(ev)
		return
	}
	PrintList([]string{ev.Path}, 1)
}

func init() {
	workspaceOpenCmd.Flags().BoolVarP(&workspaceWatch, "watch", "w", false,
		"Keep running and fold edits back into the profile as they happen")
	workspaceOpenCmd.Flags().DurationVar(&workspaceDebounce, "debounce", workspace.DefaultDebounce,
		"Quiet period before pending edits are folded back")

	workspaceCmd.AddCommand(workspaceOpenCmd)
	workspaceCmd.AddCommand(workspaceSyncCmd)
}
