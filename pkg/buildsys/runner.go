package buildsys

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/venv"
)

// LockFile is the name of the lock file exclusive tasks hold, relative to the project root.
const LockFile = ".tool.lock"

// RunOptions controls how RunTask executes tasks.
type RunOptions struct {
	// ProjectRoot is used to resolve "//" patterns and holds the lock file.
	ProjectRoot string
	// DryRun only logs the commands.
	DryRun bool
	// Force ignores skip_if_exists and the input/output timestamps.
	Force bool

	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type (
	runtimeCtxKey struct{}
	runtimeCtx    struct {
		runTasks map[string]bool
		tasks    TaskList
		opts     RunOptions
	}
)

func getRuntimeCtx(ctx context.Context) *runtimeCtx {
	return ctx.Value(runtimeCtxKey{}).(*runtimeCtx)
}

func getTaskEnv(task *Task) expand.Environ {
	return expand.ListEnviron(mergeEnv(os.Environ(), task.Env)...)
}

var defaultExecHandler = interp.DefaultExecHandler(2 * time.Second)

// execHandler runs registered commands in-process and everything else through the default handler.
func execHandler(ctx context.Context, args []string) error {
	if len(args) > 0 {
		if command, ok := lookupCommand(args[0]); ok {
			return command(ctx, args[1:])
		}
	}

	return defaultExecHandler(ctx, args)
}

var defaultOpenHandler = interp.DefaultOpenHandler()

func openHandler(ctx context.Context, path string, flag int, perm os.FileMode) (io.ReadWriteCloser, error) {
	if path == "/dev/null" {
		path = os.DevNull
	}

	return defaultOpenHandler(ctx, path, flag, perm)
}

func resolvePatternLists(ctx context.Context, base string, patterns []string) ([]string, error) {
	result := []string{}
	cfg := expand.Config{
		ReadDir:  shellReadDir,
		GlobStar: true,
	}

	parser := syntax.NewParser()
	parserCtx := &parserCtx{
		filepath:    "invalid",
		projectRoot: getRuntimeCtx(ctx).opts.ProjectRoot,
	}

	for _, item := range patterns {
		item = normalizePath(parserCtx, base, item)
		item = filepath.ToSlash(item)

		words := make([]*syntax.Word, 0)
		err := parser.Words(strings.NewReader(item), func(w *syntax.Word) bool {
			words = append(words, w)
			return true
		})
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse pattern %s", item)
		}

		matches, err := expand.Fields(&cfg, words...)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", item)
		}

		for _, match := range matches {
			// If a pattern didn't match anything, it's returned as a result. Skip those results.
			if !strings.Contains(match, "*") {
				result = append(result, match)
			}
		}
	}
	return result, nil
}

// RunTask executes the named task and its dependencies. The first failing command stops the run and
// its error (usually an interp exit status) is returned unchanged.
func RunTask(ctx context.Context, name string, tasks TaskList, opts RunOptions) error {
	if opts.Stdin == nil {
		opts.Stdin = os.Stdin
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}

	projectRoot, err := filepath.Abs(opts.ProjectRoot)
	if err != nil {
		return eris.Wrapf(err, "failed to resolve project root %s", opts.ProjectRoot)
	}
	opts.ProjectRoot = projectRoot

	rctx := runtimeCtx{
		opts:     opts,
		tasks:    tasks,
		runTasks: make(map[string]bool),
	}

	ctx = context.WithValue(ctx, runtimeCtxKey{}, &rctx)
	taskMeta, found := tasks[name]
	if !found {
		return eris.Errorf("task %s not found", name)
	}

	return runTaskInternal(ctx, taskMeta, tasks, opts.Force, true)
}

// shouldSkip implements skip_if_exists and the input/output timestamp checks.
func shouldSkip(ctx context.Context, task *Task, canSkip bool) (bool, error) {
	if canSkip && len(task.SkipIfExists) > 0 {
		skipList, err := resolvePatternLists(ctx, task.Base, task.SkipIfExists)
		if err != nil {
			return false, eris.Wrapf(err, "failed to resolve skip_if_exists list")
		}

		found := 0
		for _, item := range skipList {
			_, err := os.Stat(item)
			if err == nil {
				found++
			} else if !eris.Is(err, os.ErrNotExist) {
				return false, eris.Wrapf(err, "failed to check %s", item)
			}
		}

		if found > 0 && found == len(skipList) {
			log(ctx).Info().
				Str("task", task.Short).
				Msg("skipped because all skip files exist")
			return true, nil
		}
	}

	var newestInput time.Time
	inputList, err := resolvePatternLists(ctx, task.Base, task.Inputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve inputs")
	}

	for _, item := range inputList {
		info, err := os.Stat(item)
		if err != nil {
			return false, eris.Wrapf(err, "failed to check input %s", item)
		}

		if info.ModTime().After(newestInput) {
			newestInput = info.ModTime()
		}
	}

	if newestInput.IsZero() {
		return false, nil
	}

	outputList, err := resolvePatternLists(ctx, task.Base, task.Outputs)
	if err != nil {
		return false, eris.Wrap(err, "failed to resolve output list")
	}

	var newestOutput time.Time
	oldestOutput := time.Now()
	for _, item := range outputList {
		info, err := os.Stat(item)
		if err != nil && !eris.Is(err, os.ErrNotExist) {
			return false, eris.Wrapf(err, "failed to check output %s", item)
		}

		if err == nil {
			mt := info.ModTime()
			if mt.After(newestOutput) {
				newestOutput = mt
			}

			if mt.Before(oldestOutput) {
				oldestOutput = mt
			}
		}
	}

	if newestOutput.IsZero() {
		return false, nil
	}

	if newestOutput.Sub(oldestOutput) > 10*time.Minute {
		log(ctx).Warn().
			Str("task", task.Short).
			Msgf("oldest output is %f minutes older than the newest output", newestOutput.Sub(oldestOutput).Minutes())
	}

	// outputs older than the oldest input are stale
	if !oldestOutput.Before(newestInput) {
		log(ctx).Info().
			Str("task", task.Short).
			Msgf("nothing to do (output is %f seconds newer)", oldestOutput.Sub(newestInput).Seconds())
		return true, nil
	}

	return false, nil
}

func runTaskInternal(ctx context.Context, task *Task, tasks TaskList, force, canSkip bool) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	rctx := getRuntimeCtx(ctx)
	status, ok := rctx.runTasks[task.Short]
	if ok {
		if status {
			log(ctx).Debug().Msgf("Task %s already run", task.Short)
			return nil
		}

		return eris.Errorf("task %s was called recursively", task.Short)
	}

	rctx.runTasks[task.Short] = false

	for _, dep := range task.Deps {
		depTask, ok := tasks[dep]
		if !ok {
			return eris.Errorf("task %s not found", dep)
		}

		err := runTaskInternal(ctx, depTask, tasks, false, true)
		if err != nil {
			if _, isStatus := interp.IsExitStatus(err); isStatus {
				log(ctx).Error().Str("task", task.Short).Msgf("dependency %s failed", dep)
				return err
			}
			return eris.Wrapf(err, "task %s failed due to its dependency %s", task.Short, dep)
		}
	}

	if !force {
		skip, err := shouldSkip(ctx, task, canSkip)
		if err != nil {
			return err
		}

		if skip {
			rctx.runTasks[task.Short] = true
			return nil
		}
	}

	run := func() error {
		return runCommands(ctx, task, tasks, force)
	}

	var err error
	if task.Exclusive && !rctx.opts.DryRun {
		err = venv.WithLock(ctx, filepath.Join(rctx.opts.ProjectRoot, LockFile), run)
	} else {
		err = run()
	}
	if err != nil {
		return err
	}

	rctx.runTasks[task.Short] = true
	return nil
}

// runCommands executes the task's commands in order. Unless the task ignores errors, the first failure
// ends the task.
func runCommands(ctx context.Context, task *Task, tasks TaskList, force bool) error {
	rctx := getRuntimeCtx(ctx)

	// One runner per task so that cd and variable assignments carry over to the following commands.
	runner, err := interp.New(
		interp.Dir(task.Base),
		interp.Env(getTaskEnv(task)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(rctx.opts.Stdin, rctx.opts.Stdout, rctx.opts.Stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return eris.Wrap(err, "failed to initialize runner")
	}

	fail := func(err error) error {
		if !task.IgnoreErrors {
			return err
		}

		log(ctx).Warn().
			Str("task", task.Short).
			Msgf("ignoring error: %s", err)
		return nil
	}

	parser := syntax.NewParser()
	printer := syntax.NewPrinter(syntax.Minify(true))
	strBuffer := strings.Builder{}

	for _, item := range task.Cmds {
		stmts, err := item.ToShellStmts(parser)
		if err != nil {
			return eris.Wrap(err, "failed to parse shell script")
		}

		if stmts == nil {
			subTask, err := item.ToTask()
			if err != nil {
				return eris.Wrap(err, "failed to retrieve task ref")
			}

			if subTask == nil {
				return eris.Errorf("unexpected task command %+v", item)
			}

			if err = runTaskInternal(ctx, subTask, tasks, force, true); err != nil {
				if ferr := fail(err); ferr != nil {
					return ferr
				}
			}
		}

		for _, stm := range stmts {
			strBuffer.Reset()
			if err := printer.Print(&strBuffer, stm); err != nil {
				return eris.Wrap(err, "failed to print command")
			}

			log(ctx).Info().
				Str("task", task.Short).
				Bool("command", true).
				Msg(strBuffer.String())

			if rctx.opts.DryRun {
				continue
			}

			err = runner.Run(ctx, stm)
			if err != nil {
				if ferr := fail(err); ferr != nil {
					return ferr
				}

				// Run clears the exit state of the previous statement, the shell state is kept.
				continue
			}

			if runner.Exited() {
				return nil
			}
		}

		if err = ctx.Err(); err != nil {
			return err
		}
	}

	return nil
}
