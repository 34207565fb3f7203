// Package cmd implements the CLI for the buildsys package.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/config"
)

// Project is a parsed task script.
type Project struct {
	Root    string
	Script  string
	Tasks   buildsys.TaskList
	Options map[string]buildsys.ScriptOption
}

// SplitArgs separates task names from option=value assignments.
func SplitArgs(args []string) ([]string, map[string]string) {
	names := make([]string, 0, len(args))
	options := make(map[string]string)
	for _, part := range args {
		pos := strings.Index(part, "=")
		if pos > -1 {
			options[part[:pos]] = part[pos+1:]
		} else {
			names = append(names, part)
		}
	}
	return names, options
}

// LoadProject parses the nearest task script above the working directory. The directory containing the
// script is the project root. With readOnly set, the task cache is consulted but never written.
func LoadProject(ctx context.Context, options map[string]string, readOnly bool) (*Project, error) {
	cfg := config.FromContext(ctx)

	wd, err := os.Getwd()
	if err != nil {
		return nil, eris.Wrap(err, "failed to retrieve the current working directory")
	}

	script, err := buildsys.FindScript(wd, cfg.Tasks.File)
	if err != nil {
		return nil, err
	}

	root := filepath.Dir(script)
	cacheFile := cfg.Tasks.Cache
	if cacheFile != "" && !filepath.IsAbs(cacheFile) {
		cacheFile = filepath.Join(root, cacheFile)
	}

	tasks, scriptOptions, err := buildsys.LoadTasks(ctx, buildsys.LoadOptions{
		Script:      script,
		ProjectRoot: root,
		Options:     options,
		CacheFile:   cacheFile,
		ReadOnly:    readOnly,
	})
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse tasks")
	}

	return &Project{
		Root:    root,
		Script:  script,
		Tasks:   tasks,
		Options: scriptOptions,
	}, nil
}

// Run executes the named tasks in order and stops at the first failure.
func (p *Project) Run(ctx context.Context, names []string, dryRun, force bool) error {
	for _, name := range names {
		err := buildsys.RunTask(ctx, name, p.Tasks, buildsys.RunOptions{
			ProjectRoot: p.Root,
			DryRun:      dryRun,
			Force:       force,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// PrintOptions lists the script's options with their defaults.
func (p *Project) PrintOptions(w io.Writer) {
	if len(p.Options) == 0 {
		return
	}

	names := make([]string, 0, len(p.Options))
	maxNameLen := 0
	for name := range p.Options {
		names = append(names, name)
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}
	sort.Strings(names)

	fmt.Fprintln(w, "\nOptions:")
	lineFmt := fmt.Sprintf("  %%-%ds %%s (default: %%q)\n", maxNameLen+1)
	for _, name := range names {
		opt := p.Options[name]
		fmt.Fprintf(w, lineFmt, name+"=", opt.Help, opt.Default())
	}
}

// RootCmd runs tasks from the nearest task script.
var RootCmd = &cobra.Command{
	Use:   "task [name...] [option=value...]",
	Short: "Runs tasks from tasks.star",
	Long: `This command parses the first tasks.star file it finds in the working directory or its
parents and executes the given tasks. Without task names, the available tasks are listed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dryRun, err := cmd.Flags().GetBool("dry")
		if err != nil {
			return err
		}

		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		names, options := SplitArgs(args)
		project, err := LoadProject(cmd.Context(), options, len(names) == 0)
		if err != nil {
			return err
		}

		if len(names) == 0 {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Available tasks:")
			err = buildsys.ListTasks(out, project.Tasks)
			if err != nil {
				return err
			}

			project.PrintOptions(out)
			return nil
		}

		return project.Run(cmd.Context(), names, dryRun, force)
	},
}

// AliasCmd returns a command which runs the task called name.
func AliasCmd(name, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name + " [option=value...]",
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			names, options := SplitArgs(args)
			if len(names) > 0 {
				return eris.Errorf("unexpected arguments: %s", strings.Join(names, " "))
			}

			project, err := LoadProject(cmd.Context(), options, false)
			if err != nil {
				return err
			}

			dryRun, err := cmd.Flags().GetBool("dry")
			if err != nil {
				return err
			}

			return project.Run(cmd.Context(), []string{name}, dryRun, false)
		},
	}

	cmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	return cmd
}

func init() {
	RootCmd.Flags().BoolP("dry", "n", false, "dry run; only print the commands, don't execute anything")
	RootCmd.Flags().BoolP("force", "f", false, "force build; always execute the passed steps even if they don't have to run")
}
