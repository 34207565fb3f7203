package cmd

import (
	"github.com/spf13/cobra"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/config"
)

var installToolsCmd = &cobra.Command{
	Use:   "install-tools",
	Short: "Installs Go CLI tools",
	Long: `Installs the tools listed in tools.go into the project's .tools directory. If you have direnv
enabled, they will be available in your PATH.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := pkg.GetProjectRoot(config.FromContext(cmd.Context()).Tasks.File)
		if err != nil {
			return err
		}

		pkg.PrintTask(cmd.OutOrStdout(), "Installing tools")
		return pkg.InstallTools(cmd.Context(), root, cmd.OutOrStdout())
	},
}

func init() {
	rootCmd.AddCommand(installToolsCmd)
}
