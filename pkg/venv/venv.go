// Package venv manages the project-local Python virtual environment that the setup task creates.
package venv

import (
	"context"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrNotSetUp is returned when an operation needs an environment that hasn't been created yet.
var ErrNotSetUp = eris.New("virtual environment not set up")

// ExitError reports a non-zero exit status of a process started inside the environment.
type ExitError struct {
	Code int
}

func (e *ExitError) Error() string {
	return "exit status " + strconv.Itoa(e.Code)
}

// Env is a virtual environment rooted at Root. All paths are absolute.
type Env struct {
	Root string
}

// New returns the Env for root. Relative paths are resolved against base.
func New(base, root string) (*Env, error) {
	if !filepath.IsAbs(root) {
		root = filepath.Join(base, root)
	}

	root, err := filepath.Abs(root)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to resolve environment path %s", root)
	}

	return &Env{Root: filepath.Clean(root)}, nil
}

// BinDir returns the directory holding the environment's executables.
func (e *Env) BinDir() string {
	if runtime.GOOS == "windows" {
		return filepath.Join(e.Root, "Scripts")
	}
	return filepath.Join(e.Root, "bin")
}

// Exists reports whether the environment has been created.
func (e *Env) Exists() bool {
	info, err := os.Stat(e.BinDir())
	return err == nil && info.IsDir()
}

// Environ returns base with the environment activated: VIRTUAL_ENV points to Root, BinDir comes first
// in PATH and PYTHONHOME is dropped.
func (e *Env) Environ(base []string) []string {
	result := make([]string, 0, len(base)+2)
	path := ""

	for _, item := range base {
		parts := strings.SplitN(item, "=", 2)
		name := parts[0]
		if runtime.GOOS == "windows" {
			name = strings.ToUpper(name)
		}

		switch name {
		case "PATH":
			if len(parts) > 1 {
				path = parts[1]
			}
		case "VIRTUAL_ENV", "PYTHONHOME":
		default:
			result = append(result, item)
		}
	}

	if path == "" {
		path = e.BinDir()
	} else {
		path = e.BinDir() + string(os.PathListSeparator) + path
	}

	return append(result, "VIRTUAL_ENV="+e.Root, "PATH="+path)
}

// ShellOptions configures Shell. Zero values fall back to the current process' settings.
type ShellOptions struct {
	// Dir is the working directory of the shell.
	Dir string
	// Env is the base environment before activation.
	Env []string
	// Args replaces the interactive shell with a command.
	Args []string

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

func defaultShell(env []string) string {
	name := "SHELL"
	fallback := "/bin/sh"
	if runtime.GOOS == "windows" {
		name = "COMSPEC"
		fallback = "cmd.exe"
	}

	for _, item := range env {
		parts := strings.SplitN(item, "=", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], name) && parts[1] != "" {
			return parts[1]
		}
	}
	return fallback
}

// Shell runs an interactive shell (or opts.Args) inside the environment and waits for it to exit.
func (e *Env) Shell(ctx context.Context, opts ShellOptions) error {
	if !e.Exists() {
		return eris.Wrapf(ErrNotSetUp, "%s does not exist, run the setup task first", e.Root)
	}

	env := opts.Env
	if env == nil {
		env = os.Environ()
	}
	env = e.Environ(env)

	args := opts.Args
	if len(args) == 0 {
		args = []string{defaultShell(env)}
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = env
	cmd.Stdin = opts.Stdin
	cmd.Stdout = opts.Stdout
	cmd.Stderr = opts.Stderr
	if cmd.Stdin == nil {
		cmd.Stdin = os.Stdin
	}
	if cmd.Stdout == nil {
		cmd.Stdout = os.Stdout
	}
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	err := cmd.Run()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return &ExitError{Code: exitErr.ExitCode()}
		}
		return eris.Wrapf(err, "failed to launch %s", args[0])
	}

	return nil
}

// Remove deletes the environment. Removing a missing environment is not an error.
func (e *Env) Remove(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	err := os.RemoveAll(e.Root)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to delete environment root %s", e.Root)
	}
	return nil
}

// PurgeBytecode removes all __pycache__ directories and stray .pyc/.pyo files below dir and returns
// the number of removed entries. A missing dir is not an error.
func PurgeBytecode(ctx context.Context, dir string) (int, error) {
	removed := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return nil
			}
			return err
		}

		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if d.Name() == "__pycache__" {
				if err := os.RemoveAll(path); err != nil {
					return eris.Wrapf(err, "failed to delete %s", path)
				}
				removed++
				return filepath.SkipDir
			}
			return nil
		}

		switch filepath.Ext(path) {
		case ".pyc", ".pyo":
			if err := os.Remove(path); err != nil && !eris.Is(err, os.ErrNotExist) {
				return eris.Wrapf(err, "failed to delete %s", path)
			}
			removed++
		}
		return nil
	})

	return removed, err
}
