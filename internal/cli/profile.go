package cli

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// profileCmd is the parent command for profile management.
var profileCmd = &cobra.Command{
	Use:   "profile",
	Short: "Manage profiles",
	Long: `Manage profiles. A profile is a named set of differences from the base
installation; a new profile is identical to the base.`,
}

var profileDescription string

var profileLsCmd = &cobra.Command{
	Use:     "ls",
	Aliases: []string{"list"},
	Short:   "List all profiles",
	Args:    cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		profiles, err := eng.ListProfiles(context.Background())
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(profiles)
		}

		if len(profiles) == 0 {
			PrintSection("Profiles")
			PrintEmptyState("No profiles found (create one with 'deltaruntime profile create <name>')")
			return nil
		}

		PrintSection("Profiles")
		rows := make([][]string, 0, len(profiles))
		for _, p := range profiles {
			rows = append(rows, []string{
				p.Name,
				fmt.Sprintf("%d", p.Files),
				fmt.Sprintf("%d", p.Tombstones),
				humanize.Time(p.LastUsed),
				p.Description,
			})
		}
		PrintTable([]string{"Name", "Files", "Deleted", "Last Used", "Description"}, rows)
		return nil
	},
}

var profileCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a profile",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		info, err := eng.CreateProfile(context.Background(), args[0], profileDescription)
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(info)
		}
		PrintSuccess(fmt.Sprintf("Created profile %s", info.Name))
		PrintLabelValue("Workspace", info.WorkspaceDir)
		PrintLabelValue("Runtime", info.RuntimeDir)
		return nil
	},
}

var profileRenameCmd = &cobra.Command{
	Use:   "rename <old> <new>",
	Short: "Rename a profile",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		info, err := eng.RenameProfile(context.Background(), args[0], args[1])
		if err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(info)
		}
		PrintSuccess(fmt.Sprintf("Renamed profile %s to %s", args[0], info.Name))
		return nil
	},
}

var profileRmCmd = &cobra.Command{
	Use:     "rm <name>",
	Aliases: []string{"delete"},
	Short:   "Delete a profile",
	Long: `Delete a profile together with its workspace, saves and runtimes.
Blobs only this profile used are removed by the next 'deltaruntime gc' once
the grace period has passed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		eng, closeEngine, err := newEngine()
		if err != nil {
			return err
		}
		defer closeEngine()

		if err := eng.DeleteProfile(context.Background(), args[0]); err != nil {
			return err
		}

		if jsonOutput {
			return outputJSON(map[string]string{"deleted": args[0]})
		}
		PrintSuccess(fmt.Sprintf("Deleted profile %s", args[0]))
		return nil
	},
}

func init() {
	profileCreateCmd.Flags().StringVarP(&profileDescription, "description", "d", "", "Profile description")

	profileCmd.AddCommand(profileLsCmd)
	profileCmd.AddCommand(profileCreateCmd)
	profileCmd.AddCommand(profileRenameCmd)
	profileCmd.AddCommand(profileRmCmd)
}
