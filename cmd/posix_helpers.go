package cmd

import (
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/posix"
)

func workingDir() (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}
	return wd, nil
}

var mvCmd = &cobra.Command{
	Use:   "mv source... destination",
	Short: "Cross-platform implementation of the POSIX mv command",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		wd, err := workingDir()
		if err != nil {
			return err
		}

		return posix.Move(wd, args)
	},
}

var rmCmd = &cobra.Command{
	Use:   "rm path...",
	Short: "A cross-platform implementation of the POSIX rm command",
	RunE: func(cmd *cobra.Command, args []string) error {
		recursive, err := cmd.Flags().GetBool("recursive")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		wd, err := workingDir()
		if err != nil {
			return err
		}

		return posix.Remove(wd, args, recursive, force)
	},
}

var mkdirCmd = &cobra.Command{
	Use:   "mkdir path...",
	Short: "A cross-platform implementation of the POSIX mkdir command",
	RunE: func(cmd *cobra.Command, args []string) error {
		makeParents, err := cmd.Flags().GetBool("parents")
		if err != nil {
			return err
		}

		wd, err := workingDir()
		if err != nil {
			return err
		}

		return posix.Mkdir(wd, args, makeParents)
	},
}

func init() {
	rmCmd.Flags().BoolP("recursive", "r", false, "recursively delete directories")
	rmCmd.Flags().BoolP("force", "f", false, "suppresses errors caused by missing files/folders")
	mkdirCmd.Flags().BoolP("parents", "p", false, "create parent directories as needed")

	rootCmd.AddCommand(mvCmd)
	rootCmd.AddCommand(rmCmd)
	rootCmd.AddCommand(mkdirCmd)
}
