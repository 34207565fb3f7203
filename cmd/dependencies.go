package cmd

import (
	"github.com/spf13/cobra"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/config"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/deps"
)

var fetchDepsCmd = &cobra.Command{
	Use:   "fetch-deps",
	Short: "Downloads and unpacks dependencies",
	Long: `Downloads and unpacks the pinned tools listed in DEPS.yml. Dependencies whose URL and checksum
didn't change since the last run are skipped.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)
		out := cmd.OutOrStdout()

		update, err := cmd.Flags().GetBool("update")
		if err != nil {
			return err
		}

		pkg.PrintTask(out, "Loading config")
		root, err := pkg.GetProjectRoot(cfg.Tasks.File)
		if err != nil {
			return err
		}

		fetcher := &deps.Fetcher{
			ProjectRoot: root,
			ConfigFile:  cfg.Deps.File,
			StampFile:   cfg.Deps.Stamps,
			Update:      update,
			Progress:    cmd.ErrOrStderr(),
		}

		pkg.PrintTask(out, "Downloading dependencies")
		err = fetcher.Fetch(ctx)
		if err != nil {
			return err
		}

		pkg.PrintTask(out, "Done")
		return nil
	},
}

func init() {
	fetchDepsCmd.Flags().BoolP("update", "u", false, "Update checksums")

	rootCmd.AddCommand(fetchDepsCmd)
}
