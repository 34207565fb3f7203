package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"mvdan.cc/sh/v3/interp"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/codeimage"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/config"
)

// exportDirs resolves the configured source and output directories against the project root (or the
// working directory outside of a project).
func exportDirs(cfg *config.Config) (string, string, error) {
	base, err := pkg.GetProjectRoot(cfg.Tasks.File)
	if err != nil {
		base, err = workingDir()
		if err != nil {
			return "", "", err
		}
	}

	resolve := func(path string) string {
		if filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(base, path)
	}

	return resolve(cfg.Export.SourceDir), resolve(cfg.Export.OutputDir), nil
}

// exportTeX writes one .tex document per file. Missing files are reported and skipped.
func exportTeX(out io.Writer, files []string, outDir string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			pkg.PrintError(out, "File not found: "+file)
			continue
		}

		pkg.PrintTask(out, "Processing: "+file)
		dest, err := codeimage.ExportTeX(file, outDir)
		if err != nil {
			return err
		}
		pkg.PrintSubtask(out, "Written: "+dest)
	}

	return nil
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Renders Python sources as code images",
}

var exportTexCmd = &cobra.Command{
	Use:   "tex [file...]",
	Short: "Writes a standalone XeLaTeX/TikZ document per Python file",
	Long: `Renders each file (default: every .py file in the source directory) into a standalone
document using the VSCode Dark palette. The documents are written to the output directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		sourceDir, outDir, err := exportDirs(config.FromContext(cmd.Context()))
		if err != nil {
			return err
		}

		files, err := codeimage.SourceFiles(args, sourceDir)
		if err != nil {
			return err
		}

		err = exportTeX(cmd.OutOrStdout(), files, outDir)
		if err != nil {
			return err
		}

		pkg.PrintTask(cmd.OutOrStdout(), "Done.")
		return nil
	},
}

var exportSvgCmd = &cobra.Command{
	Use:   "svg [file...]",
	Short: "Exports Python files as SVG images through the CodeImage editor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg := config.FromContext(ctx)

		install, err := cmd.Flags().GetBool("install-browser")
		if err != nil {
			return err
		}

		sourceDir, outDir, err := exportDirs(cfg)
		if err != nil {
			return err
		}

		files, err := codeimage.SourceFiles(args, sourceDir)
		if err != nil {
			return err
		}

		if install {
			pkg.PrintTask(cmd.OutOrStdout(), "Installing browser")
			err = codeimage.InstallBrowser()
			if err != nil {
				return err
			}
		}

		exporter := &codeimage.SVGExporter{
			URL:       cfg.Export.URL,
			OutputDir: outDir,
			Timeout:   cfg.Export.Timeout,
			Headless:  cfg.Export.Headless,
		}

		written, err := exporter.Export(ctx, files)
		if err != nil {
			return err
		}

		for _, dest := range written {
			pkg.PrintSubtask(cmd.OutOrStdout(), "Done: "+dest)
		}
		return nil
	},
}

// cmdExportTeX makes the TeX exporter available to task scripts as "export-tex [-o dir] [file...]".
func cmdExportTeX(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	cfg := config.FromContext(ctx)

	flags := pflag.NewFlagSet("export-tex", pflag.ContinueOnError)
	flags.SetOutput(hc.Stderr)
	outDir := flags.StringP("output", "o", cfg.Export.OutputDir, "directory the documents are written to")
	if err := flags.Parse(args); err != nil {
		return interp.NewExitStatus(2)
	}

	resolve := func(path string) string {
		if filepath.IsAbs(path) {
			return path
		}
		return filepath.Join(hc.Dir, path)
	}

	files := flags.Args()
	for idx, file := range files {
		files[idx] = resolve(file)
	}

	files, err := codeimage.SourceFiles(files, resolve(cfg.Export.SourceDir))
	if err == nil {
		err = exportTeX(hc.Stdout, files, resolve(*outDir))
	}
	if err != nil {
		fmt.Fprintf(hc.Stderr, "export-tex: %s\n", err)
		return interp.NewExitStatus(1)
	}
	return nil
}

func init() {
	exportSvgCmd.Flags().Bool("install-browser", false, "download the Playwright driver and Chromium first")

	exportCmd.AddCommand(exportTexCmd)
	exportCmd.AddCommand(exportSvgCmd)
	rootCmd.AddCommand(exportCmd)

	buildsys.RegisterCommand("export-tex", cmdExportTeX)
}
