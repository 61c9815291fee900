package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danieljhkim/deltaruntime/internal/engine"
	"github.com/danieljhkim/deltaruntime/internal/overlay"
)

var treeCmd = &cobra.Command{
	Use:   "tree <profile> [path]",
	Short: "Show one level of a profile's virtual file tree",
	Long: `Show one level of a profile's virtual file tree with the provenance of
each entry: Base, Workspace (added), WorkspaceOverride (replaces a base file)
or Tombstone (deleted).`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		var p string
		if len(args) == 2 {
			p = args[1]
		}
		node, err := eng.GetVirtualFileTree(context.Background(), args[0], p)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(node)
		}

		PrintSection(fmt.Sprintf("%s: %s", args[0], displayPath(node)))
		PrintLabelValueWithColor("Source", string(node.Source), sourceColor(node.Source))
		if !node.IsDirectory {
			PrintLabelValue("Size", nodeSize(node))
			PrintLabelValue("Writable", fmt.Sprintf("%t", node.Writable))
			return nil
		}
		if len(node.Children) == 0 {
			PrintEmptyState("Empty directory")
			return nil
		}

		fmt.Println()
		rows := make([][]string, 0, len(node.Children))
		for _, c := range node.Children {
			name := c.Name
			if c.IsDirectory {
				name += "/"
			}
			rows = append(rows, []string{name, string(c.Source), nodeSize(c)})
		}
		PrintTable([]string{"Name", "Source", "Size"}, rows)
		return nil
	},
}

func displayPath(n *overlay.Node) string {
	if n.Path == "" {
		return n.Name
	}
	return n.Path
}

// mutationCommand builds a "<verb> <profile> <path>" overlay command.
func mutationCommand(use, short, long, done string, fn func(*engine.Engine, context.Context, string, string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <profile> <path>",
		Short: short,
		Long:  long,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, closeEngine, err := newEngine()
			if err != nil {
				return err
			}
			defer closeEngine()

			if err := fn(eng, context.Background(), args[0], args[1]); err != nil {
				return err
			}

			if jsonOutput {
				return outputJSON(map[string]string{"profile": args[0], "path": args[1], "result": done})
			}
			PrintSuccess(fmt.Sprintf("%s %s", done, args[1]))
			return nil
		},
	}
}

var copyCmd = mutationCommand("copy",
	"Copy a base file into the workspace so it can be edited",
	`Copy a base file into the profile's workspace. The file becomes a
WorkspaceOverride whose content starts identical to the base.`,
	"Copied",
	(*engine.Engine).CopyToWorkspace,
)

var rmWorkspaceCmd = mutationCommand("rm-workspace",
	"Remove a file the workspace added",
	"",
	"Removed",
	(*engine.Engine).DeleteWorkspaceFile,
)

var revertCmd = mutationCommand("revert",
	"Drop a workspace override so the base file shows through",
	"",
	"Reverted",
	(*engine.Engine).RevertToOriginal,
)

var deleteCmd = mutationCommand("delete",
	"Hide a base path from the profile",
	`Hide a path from the profile. A base path gets a tombstone (deleting a
directory hides everything below it); a workspace file is removed and any
base file underneath is hidden as well.`,
	"Deleted",
	(*engine.Engine).DeleteVirtualFile,
)

var restoreCmd = mutationCommand("restore",
	"Undo a delete",
	"",
	"Restored",
	(*engine.Engine).RestoreDeletedFile,
)

var writeCmd = &cobra.Command{
	Use:   "write <profile> <path> [file]",
	Short: "Write a workspace file from a local file or stdin",
	Long: `Write content to a workspace path. The content is read from file when
given and from stdin otherwise. Base paths must be copied first.`,
	Args: cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var r io.Reader = os.Stdin
		if len(args) == 3 {
			f, err := os.Open(args[2])
			if err != nil {
				return fmt.Errorf("failed to open %s: %w", args[2], err)
			}
			defer f.Close()
			r = f
		}

		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		if err := eng.WriteWorkspaceFile(context.Background(), args[0], args[1], r); err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]string{"profile": args[0], "path": args[1], "result": "Wrote"})
		}
		PrintSuccess(fmt.Sprintf("Wrote %s", args[1]))
		return nil
	},
}

var debugBlobCmd = &cobra.Command{
	Use:   "debug-blob <profile> <path>",
	Short: "Describe the blob behind a path",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		desc, err := eng.DebugBlobCache(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]string{"profile": args[0], "path": args[1], "description": desc})
		}
		fmt.Print(desc)
		return nil
	},
}
