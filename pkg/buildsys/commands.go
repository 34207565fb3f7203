package buildsys

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"github.com/rotisserie/eris"
	"github.com/spf13/pflag"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/posix"
	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/venv"
)

// Command is a shell command implemented in-process. Use interp.HandlerCtx to access the working
// directory, environment and stdio of the calling shell.
type Command func(ctx context.Context, args []string) error

var (
	commandsMu sync.RWMutex
	commands   = map[string]Command{
		"rm":          cmdRemove,
		"mv":          cmdMove,
		"mkdir":       cmdMkdir,
		"pyclean":     cmdPyclean,
		"venv-shell":  cmdVenvShell,
		"check-tools": cmdCheckTools,
		"list-tasks":  cmdListTasks,
	}
)

// RegisterCommand makes fn available to task commands under name. Registered commands take precedence
// over executables in PATH.
func RegisterCommand(name string, fn Command) {
	commandsMu.Lock()
	defer commandsMu.Unlock()

	commands[name] = fn
}

func lookupCommand(name string) (Command, bool) {
	commandsMu.RLock()
	defer commandsMu.RUnlock()

	fn, ok := commands[name]
	return fn, ok
}

// Commands returns the sorted names of all in-process commands.
func Commands() []string {
	commandsMu.RLock()
	defer commandsMu.RUnlock()

	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// commandFailed prints err to the shell's stderr and returns exit status 1.
func commandFailed(ctx context.Context, name string, err error) error {
	hc := interp.HandlerCtx(ctx)
	fmt.Fprintf(hc.Stderr, "%s: %s\n", name, err)
	return interp.NewExitStatus(1)
}

func newFlagSet(name string, stderr io.Writer) *pflag.FlagSet {
	flags := pflag.NewFlagSet(name, pflag.ContinueOnError)
	flags.SetOutput(stderr)
	return flags
}

func environList(env expand.Environ) []string {
	result := []string{}
	env.Each(func(name string, vr expand.Variable) bool {
		if vr.Exported && vr.IsSet() {
			result = append(result, name+"="+vr.String())
		}
		return true
	})
	return result
}

func cmdRemove(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	flags := newFlagSet("rm", hc.Stderr)
	recursive := flags.BoolP("recursive", "r", false, "remove directories and their contents")
	force := flags.BoolP("force", "f", false, "ignore missing files")
	if err := flags.Parse(args); err != nil {
		return interp.NewExitStatus(2)
	}

	if err := posix.Remove(hc.Dir, flags.Args(), *recursive, *force); err != nil {
		return commandFailed(ctx, "rm", err)
	}
	return nil
}

func cmdMove(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if err := posix.Move(hc.Dir, args); err != nil {
		return commandFailed(ctx, "mv", err)
	}
	return nil
}

func cmdMkdir(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	flags := newFlagSet("mkdir", hc.Stderr)
	parents := flags.BoolP("parents", "p", false, "create missing parent directories")
	if err := flags.Parse(args); err != nil {
		return interp.NewExitStatus(2)
	}

	if err := posix.Mkdir(hc.Dir, flags.Args(), *parents); err != nil {
		return commandFailed(ctx, "mkdir", err)
	}
	return nil
}

func cmdPyclean(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) == 0 {
		args = []string{"."}
	}

	for _, dir := range args {
		target, err := venv.New(hc.Dir, dir)
		if err != nil {
			return commandFailed(ctx, "pyclean", err)
		}

		removed, err := venv.PurgeBytecode(ctx, target.Root)
		if err != nil {
			return commandFailed(ctx, "pyclean", err)
		}

		log(ctx).Debug().Str("dir", target.Root).Msgf("removed %d bytecode entries", removed)
	}
	return nil
}

// cmdVenvShell implements "venv-shell <env> [-- command...]".
func cmdVenvShell(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	if len(args) < 1 {
		return commandFailed(ctx, "venv-shell", eris.New("usage: venv-shell <env> [-- command...]"))
	}

	env, err := venv.New(hc.Dir, args[0])
	if err != nil {
		return commandFailed(ctx, "venv-shell", err)
	}

	rest := args[1:]
	if len(rest) > 0 && rest[0] == "--" {
		rest = rest[1:]
	}

	err = env.Shell(ctx, venv.ShellOptions{
		Dir:    hc.Dir,
		Env:    environList(hc.Env),
		Args:   rest,
		Stdin:  hc.Stdin,
		Stdout: hc.Stdout,
		Stderr: hc.Stderr,
	})
	if err != nil {
		var exitErr *venv.ExitError
		if eris.As(err, &exitErr) {
			if exitErr.Code < 0 || exitErr.Code > 255 {
				return interp.NewExitStatus(1)
			}
			return interp.NewExitStatus(uint8(exitErr.Code))
		}
		return commandFailed(ctx, "venv-shell", err)
	}
	return nil
}

// cmdCheckTools fails unless every argument is found in PATH. "a|b" accepts either a or b.
func cmdCheckTools(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	missing := []string{}

	for _, requirement := range args {
		found := false
		for _, name := range strings.Split(requirement, "|") {
			if _, err := interp.LookPathDir(hc.Dir, hc.Env, name); err == nil {
				found = true
				break
			}
		}

		if !found {
			missing = append(missing, requirement)
		}
	}

	if len(missing) > 0 {
		return commandFailed(ctx, "check-tools", eris.Errorf("required tools not found in PATH: %s", strings.Join(missing, ", ")))
	}
	return nil
}

// cmdListTasks prints the visible tasks of the running script.
func cmdListTasks(ctx context.Context, args []string) error {
	hc := interp.HandlerCtx(ctx)
	rctx, ok := ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
	if !ok {
		return commandFailed(ctx, "list-tasks", eris.New("no task list available"))
	}

	if err := ListTasks(hc.Stdout, rctx.tasks); err != nil {
		return commandFailed(ctx, "list-tasks", err)
	}
	return nil
}
