package cmd

import (
	"github.com/spf13/cobra"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys"
	buildcmd "github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys/cmd"
)

var helpCmd = &cobra.Command{
	Use:   "help [command]",
	Short: "Lists the available operations or shows the help for a command",
	Long: `Without arguments, prints one line per task declared in tasks.star. With a command name,
prints the usage of that command.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) > 0 {
			target, _, err := rootCmd.Find(args)
			if target == nil || err != nil {
				cmd.PrintErrf("Unknown help topic %q\n", args)
				return rootCmd.Usage()
			}

			target.InitDefaultHelpFlag()
			return target.Help()
		}

		ctx := cmd.Context()
		project, err := buildcmd.LoadProject(ctx, nil, true)
		if err != nil {
			buildsys.Log(ctx).Warn().Err(err).Msg("no tasks available")
			return rootCmd.Usage()
		}

		return buildsys.ListTasks(cmd.OutOrStdout(), project.Tasks)
	},
}

func init() {
	rootCmd.AddCommand(buildcmd.RootCmd)
	rootCmd.AddCommand(buildcmd.AliasCmd("setup", "Creates the virtual environment and installs all dependencies"))
	rootCmd.AddCommand(buildcmd.AliasCmd("shell", "Opens a shell inside the virtual environment"))
	rootCmd.AddCommand(buildcmd.AliasCmd("clean", "Removes the virtual environment and cached bytecode"))
	rootCmd.SetHelpCommand(helpCmd)
}
