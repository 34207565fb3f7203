package cmd

import (
	"context"
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"mvdan.cc/sh/v3/interp"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys"
	buildcmd "github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys/cmd"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/config"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "tool",
	Short: "Project tool for the statistical learning course",
	Long: `This command sets up the course's Python environment and runs the tasks declared in tasks.star.
It also bundles portable file helpers, the dependency downloader and the code image exporters.`,
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configFile)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.ErrOrStderr()
		if cfg.Log.JSON {
			zerolog.ErrorMarshalFunc = func(err error) interface{} {
				return eris.ToJSON(err, buildcmd.DebugEnabled())
			}
		} else {
			out = buildcmd.NewConsoleWriter(out)
		}
		logger := zerolog.New(out).Level(cfg.LogLevel()).With().Timestamp().Logger()

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		ctx = buildsys.WithLogger(ctx, &logger)
		ctx = config.WithConfig(ctx, cfg)
		cmd.SetContext(ctx)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: "+config.DefaultFile+" if present)")
}

// Execute runs the CLI. A failing shell command's exit status becomes the process' exit status.
func Execute() {
	err := rootCmd.ExecuteContext(context.Background())
	if err == nil {
		return
	}

	if status, ok := interp.IsExitStatus(err); ok {
		os.Exit(int(status))
	}

	logger := zerolog.New(buildcmd.NewConsoleWriter(os.Stderr))
	logger.Error().Err(err).Msg("command failed")
	os.Exit(1)
}
