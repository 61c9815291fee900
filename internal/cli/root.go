package cli

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	jsonOutput  bool
	debugOutput bool

	groupTitleColor   = color.New(color.FgCyan, color.Bold)
	sectionTitleColor = color.New(color.FgBlue, color.Bold)
)

// rootCmd is the root command for deltaruntime.
var rootCmd = &cobra.Command{
	Use:     "deltaruntime",
	Version: "dev",
	Short:   "Profile-based overlay runtime builder",
	Long: `deltaruntime keeps one immutable base installation and lets you build
any number of runnable variants (profiles) from it.

Each profile records only its differences from the base: replaced files,
added files and deleted paths. Building a profile materializes a runtime
directory out of hardlinks into the base and a content-addressed blob
store, then swaps it in atomically.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	CompletionOptions: cobra.CompletionOptions{
		DisableDefaultCmd: true,
	},
}

// SetVersion sets the version reported by --version. Empty keeps "dev".
func SetVersion(v string) {
	if v == "" {
		return
	}
	rootCmd.Version = v
	rootCmd.SetVersionTemplate("{{.Version}}\n")
}

// rootEnvironment lists the environment variables shown in root help.
var rootEnvironment = [][2]string{
	{"DELTARUNTIME_ROOT", "Data root directory (default ~/.deltaruntime)"},
	{"NO_COLOR", "Disable colored output"},
}

// customHelpFunc renders help with colored section titles. Subcommands are
// listed under their group, the rest under "Additional Commands:".
func customHelpFunc(cmd *cobra.Command, args []string) {
	var help strings.Builder
	section := func(title string) {
		help.WriteString(sectionTitleColor.Sprint(title))
		help.WriteString("\n")
	}
	listCommands := func(groupID string) int {
		n := 0
		for _, c := range cmd.Commands() {
			if c.GroupID != groupID || c.Hidden {
				continue
			}
			fmt.Fprintf(&help, "  %-13s %s\n", c.Name(), c.Short)
			n++
		}
		return n
	}

	if cmd.Long != "" {
		help.WriteString(cmd.Long)
		help.WriteString("\n\n")
	} else if cmd.Short != "" {
		help.WriteString(cmd.Short)
		help.WriteString("\n\n")
	}

	section("Usage:")
	fmt.Fprintf(&help, "  %s\n\n", cmd.UseLine())

	for _, group := range cmd.Groups() {
		help.WriteString(groupTitleColor.Sprint(group.Title))
		help.WriteString("\n")
		listCommands(group.ID)
		help.WriteString("\n")
	}

	var extra strings.Builder
	for _, c := range cmd.Commands() {
		if c.GroupID == "" && !c.Hidden && c.IsAvailableCommand() {
			fmt.Fprintf(&extra, "  %-13s %s\n", c.Name(), c.Short)
		}
	}
	if extra.Len() > 0 {
		section("Additional Commands:")
		help.WriteString(extra.String())
		help.WriteString("\n")
	}

	if cmd.HasAvailableLocalFlags() || cmd.HasAvailableInheritedFlags() {
		section("Flags:")
		help.WriteString(cmd.LocalFlags().FlagUsages())
		help.WriteString(cmd.InheritedFlags().FlagUsages())
		help.WriteString("\n")
	}

	if !cmd.HasParent() {
		section("Environment:")
		for _, env := range rootEnvironment {
			fmt.Fprintf(&help, "  %-18s %s\n", env[0], env[1])
		}
		help.WriteString("\n")
	}

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintf(&help, "Use \"%s [command] --help\" for more information about a command.\n", cmd.CommandPath())
	}

	fmt.Fprint(cmd.OutOrStdout(), help.String())
}

// commandGroups maps group IDs to their titles and members, in help order.
var commandGroups = []struct {
	id, title string
	commands  func() []*cobra.Command
}{
	{"profiles", "Profiles:", func() []*cobra.Command {
		return []*cobra.Command{profileCmd, workspaceCmd}
	}},
	{"overlay", "Overlay Editing:", func() []*cobra.Command {
		return []*cobra.Command{treeCmd, copyCmd, rmWorkspaceCmd, revertCmd, deleteCmd, restoreCmd, writeCmd, debugBlobCmd}
	}},
	{"runtime", "Runtime:", func() []*cobra.Command {
		return []*cobra.Command{planCmd, buildCmd}
	}},
	{"maintenance", "Maintenance:", func() []*cobra.Command {
		return []*cobra.Command{initCmd, statusCmd, gcCmd, checkCmd}
	}},
	{"cli-tooling", "CLI & Tooling:", func() []*cobra.Command {
		return []*cobra.Command{versionCmd(), completionCmd()}
	}},
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deltaruntime version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), rootCmd.Version)
		},
	}
}

// completionCmd generates shell completion scripts for every shell cobra
// supports.
func completionCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "completion",
		Short: "Generate a shell completion script",
		Long: `Generate a completion script for deltaruntime. Source the output from
your shell's startup file, for example:

  source <(deltaruntime completion bash)`,
	}
	shells := []struct {
		name string
		gen  func(io.Writer) error
	}{
		{"bash", func(w io.Writer) error { return rootCmd.GenBashCompletionV2(w, true) }},
		{"zsh", rootCmd.GenZshCompletion},
		{"fish", func(w io.Writer) error { return rootCmd.GenFishCompletion(w, true) }},
		{"powershell", rootCmd.GenPowerShellCompletionWithDesc},
	}
	for _, sh := range shells {
		gen := sh.gen
		cmd.AddCommand(&cobra.Command{
			Use:                   sh.name,
			Short:                 "Generate the completion script for " + sh.name,
			Args:                  cobra.NoArgs,
			DisableFlagsInUseLine: true,
			RunE: func(c *cobra.Command, args []string) error {
				return gen(c.OutOrStdout())
			},
		})
	}
	return cmd
}

func init() {
	rootCmd.SetHelpFunc(customHelpFunc)
	rootCmd.SetHelpCommand(&cobra.Command{
		Use:     "help [command]",
		Short:   "Help about any command",
		GroupID: "cli-tooling",
		Run: func(cmd *cobra.Command, args []string) {
			target, _, err := cmd.Root().Find(args)
			if err != nil || target == nil {
				target = cmd.Root()
			}
			_ = target.Help()
		},
	})

	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")
	rootCmd.PersistentFlags().BoolVar(&debugOutput, "debug", false, "Enable debug logging and full error traces")

	for _, g := range commandGroups {
		rootCmd.AddGroup(&cobra.Group{ID: g.id, Title: g.title})
		for _, c := range g.commands() {
			c.GroupID = g.id
			rootCmd.AddCommand(c)
		}
	}
}

// Execute executes the root command and prints any error to stderr.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		if debugOutput {
			fmt.Fprintf(os.Stderr, "%+v\n", err)
		}
		fmt.Fprintln(os.Stderr, formatError(err))
	}
	return err
}
