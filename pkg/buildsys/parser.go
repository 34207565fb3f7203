package buildsys

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/aidarkhanov/nanoid"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"mvdan.cc/sh/v3/syntax"
)

type parserCtx struct {
	ctx          context.Context
	options      map[string]ScriptOption
	optionValues map[string]string
	envOverrides map[string]string
	docCache     map[string]interface{}
	filepath     string
	projectRoot  string
	tasks        []*Task
	inputs       *ScriptInputs
	initPhase    bool
}

// * Helpers

func getCtx(thread *starlark.Thread) *parserCtx {
	return thread.Local("parserCtx").(*parserCtx)
}

func starlarkIterable2stringSlice(input *starlark.List, field string) ([]string, error) {
	if input == nil {
		return []string{}, nil
	}

	result := make([]string, 0, input.Len())
	iter := input.Iterate()
	defer iter.Done()

	var item starlark.Value
	for iter.Next(&item) {
		switch value := item.(type) {
		case starlark.String:
			result = append(result, value.GoString())
		case StarlarkPath:
			result = append(result, string(value))
		default:
			return nil, eris.Errorf("expected all items in %s to be strings but found %s", field, item.Type())
		}
	}
	return result, nil
}

func shellReadDir(path string) ([]os.FileInfo, error) {
	if path == "" {
		path = "."
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	infos := make([]os.FileInfo, 0, len(entries))
	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// processCmdParts turns a tuple like ("poetry", "env", "use", "python3.11") into a call expression.
// Leading "NAME=value" items become variable assignments, everything else is quoted as needed.
func processCmdParts(parts starlark.Tuple, parser *syntax.Parser, base string) (*syntax.CallExpr, error) {
	envVars := make([]string, 0, len(parts))
	for _, part := range parts {
		value, ok := part.(starlark.String)
		if !ok || !strings.Contains(value.GoString(), "=") {
			break
		}

		envVars = append(envVars, value.GoString())
	}

	var cmd *syntax.CallExpr
	if len(envVars) > 0 {
		joinedEnvVars := strings.Join(envVars, " ")
		result, err := parser.Parse(strings.NewReader(joinedEnvVars), "env vars")
		if err != nil {
			return nil, eris.Wrapf(err, "failed to parse command vars %s", joinedEnvVars)
		}

		if len(result.Stmts) != 1 || result.Stmts[0].Cmd == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}

		var ok bool
		cmd, ok = result.Stmts[0].Cmd.(*syntax.CallExpr)
		if !ok || cmd.Assigns == nil {
			return nil, eris.Errorf("malformed env vars %s", joinedEnvVars)
		}
	} else {
		cmd = new(syntax.CallExpr)
	}

	argCount := len(parts) - len(envVars)
	cmd.Args = make([]*syntax.Word, argCount)
	for a, arg := range parts[len(envVars):] {
		var encodedValue string

		switch value := arg.(type) {
		case starlark.String:
			encodedValue = value.GoString()
		case StarlarkPath:
			encodedValue = string(value)

			if filepath.IsAbs(encodedValue) {
				// absolute paths cause issues on Windows
				relValue, err := filepath.Rel(base, encodedValue)
				if err == nil {
					encodedValue = relValue
				}
			}

			encodedValue = filepath.ToSlash(encodedValue)
		default:
			return nil, eris.Errorf("found argument of type %s but only strings and paths are supported: %s", arg.Type(), arg.String())
		}

		var wordPart syntax.WordPart
		if encodedValue == "" || strings.ContainsAny(encodedValue, " \t\n$'\"*?[]{}()<>|&;`\\#~") {
			if strings.Contains(encodedValue, "'") {
				node := new(syntax.DblQuoted)
				lit := new(syntax.Lit)
				lit.Value = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`").Replace(encodedValue)
				node.Parts = []syntax.WordPart{lit}
				wordPart = node
			} else {
				node := new(syntax.SglQuoted)
				node.Value = encodedValue
				wordPart = node
			}
		} else {
			node := new(syntax.Lit)
			node.Value = encodedValue
			wordPart = node
		}

		cmd.Args[a] = new(syntax.Word)
		cmd.Args[a].Parts = []syntax.WordPart{wordPart}
	}

	return cmd, nil
}

func scriptMessage(thread *starlark.Thread, level zerolog.Level, msg string, args ...interface{}) {
	ctx := getCtx(thread)
	pos := thread.CallFrame(1).Pos

	text := fmt.Sprintf("%s:%d:%d: %s", simplifyPath(ctx, ctx.filepath), pos.Line, pos.Col, fmt.Sprintf(msg, args...))
	ctx.inputs.recordMessage(level, text)
	log(ctx.ctx).WithLevel(level).Msg(text)
}

func info(thread *starlark.Thread, msg string, args ...interface{}) {
	scriptMessage(thread, zerolog.InfoLevel, msg, args...)
}

func warn(thread *starlark.Thread, msg string, args ...interface{}) {
	scriptMessage(thread, zerolog.WarnLevel, msg, args...)
}

// * Builtin functions

func option(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var name string
	var defaultValue starlark.String
	var help string

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "name", &name, "default?", &defaultValue, "help?", &help)
	if err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	if !ctx.initPhase {
		return nil, eris.New("can only be called during the init phase (in the global scope)")
	}

	ctx.options[name] = ScriptOption{
		DefaultValue: defaultValue,
		Help:         help,
	}

	value, ok := ctx.optionValues[name]
	if ok {
		return starlark.String(value), nil
	}

	return defaultValue, nil
}

func appendCmdParts(task *Task, parts starlark.Tuple, idx int, parser *syntax.Parser, printer *syntax.Printer) error {
	cmd, err := processCmdParts(parts, parser, task.Base)
	if err != nil {
		return eris.Wrapf(err, "failed to process command #%d", idx)
	}

	strBuffer := strings.Builder{}
	err = printer.Print(&strBuffer, cmd)
	if err != nil {
		return eris.Wrapf(err, "failed to process command #%d", idx)
	}

	task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Short, Index: idx, Content: strBuffer.String()})
	return nil
}

func task(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var deps *starlark.List
	var skipIfExists *starlark.List
	var inputs *starlark.List
	var outputs *starlark.List
	var env *starlark.Dict
	var cmds *starlark.List

	task := new(Task)

	err := starlark.UnpackArgs(fn.Name(), args, kwargs, "short??", &task.Short, "hidden?", &task.Hidden,
		"desc?", &task.Desc, "deps?", &deps, "base?", &task.Base, "skip_if_exists?", &skipIfExists, "inputs?",
		&inputs, "outputs?", &outputs, "env?", &env, "cmds?", &cmds, "ignore_errors?", &task.IgnoreErrors,
		"exclusive?", &task.Exclusive)
	if err != nil {
		return nil, err
	}

	if task.Short == "" {
		task.Hidden = true
		task.Short = "auto#" + nanoid.New()
	}

	if task.Short == "configure" {
		return nil, eris.New(`the task name "configure" is reserved, please use a different name`)
	}

	task.Env = map[string]string{}

	if task.Base == "" {
		task.Base = "."
	}
	task.Base = normalizePath(getCtx(thread), task.Base)

	task.Deps, err = starlarkIterable2stringSlice(deps, "deps")
	if err != nil {
		return nil, err
	}

	task.SkipIfExists, err = starlarkIterable2stringSlice(skipIfExists, "skip_if_exists")
	if err != nil {
		return nil, err
	}

	task.Inputs, err = starlarkIterable2stringSlice(inputs, "inputs")
	if err != nil {
		return nil, err
	}

	task.Outputs, err = starlarkIterable2stringSlice(outputs, "outputs")
	if err != nil {
		return nil, err
	}

	if env != nil {
		for _, item := range env.Items() {
			key, ok := item[0].(starlark.String)
			if !ok {
				return nil, eris.Errorf("found key type %s in env map but only strings are supported", item[0].Type())
			}

			switch value := item[1].(type) {
			case starlark.String:
				task.Env[key.GoString()] = value.GoString()
			case StarlarkPath:
				task.Env[key.GoString()] = string(value)
			default:
				return nil, eris.Errorf("found value of type %s for key %s but only strings are supported", item[1].Type(), key.GoString())
			}
		}
	}

	printer := syntax.NewPrinter(syntax.Minify(true))
	parser := syntax.NewParser()
	task.Cmds = make([]TaskCmd, 0)

	if cmds != nil {
		iter := cmds.Iterate()
		defer iter.Done()

		var item starlark.Value
		idx := 0
		for iter.Next(&item) {
			switch value := item.(type) {
			case starlark.String:
				task.Cmds = append(task.Cmds, TaskCmdScript{TaskName: task.Short, Index: idx, Content: value.GoString()})
			case starlark.Tuple:
				if err := appendCmdParts(task, value, idx, parser, printer); err != nil {
					return nil, err
				}
			case *starlark.List:
				parts := make(starlark.Tuple, 0, value.Len())
				for i := 0; i < value.Len(); i++ {
					parts = append(parts, value.Index(i))
				}

				if err := appendCmdParts(task, parts, idx, parser, printer); err != nil {
					return nil, err
				}
			case *Task:
				task.Cmds = append(task.Cmds, TaskCmdTaskRef{Task: value})
			default:
				return nil, eris.Errorf("%s: unexpected type %s. Only strings, tuples, lists and tasks are valid", fn.Name(), item.Type())
			}

			idx++
		}
	}

	if inputs != nil && inputs.Len() > 0 && (outputs == nil || outputs.Len() == 0) {
		warn(thread, "%s: found inputs but no outputs", fn.Name())
	}

	// hidden tasks can still be referenced by name in deps
	ctx := getCtx(thread)
	ctx.tasks = append(ctx.tasks, task)
	return task, nil
}

// RunScript executes a starlark script and returns the declared options. If doConfigure is true, the script's
// configure function is called and the declared tasks are collected and returned.
func RunScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, error) {
	tasks, scriptOptions, _, err := runScript(ctx, filename, projectRoot, options, doConfigure)
	return tasks, scriptOptions, err
}

func runScript(ctx context.Context, filename, projectRoot string, options map[string]string, doConfigure bool) (TaskList, map[string]ScriptOption, *ScriptInputs, error) {
	projectRoot, err := filepath.Abs(projectRoot)
	if err != nil {
		return nil, nil, nil, err
	}

	filename, err = filepath.Abs(filename)
	if err != nil {
		return nil, nil, nil, err
	}

	if options == nil {
		options = map[string]string{}
	}

	builtins := starlark.StringDict{
		"OS":              starlark.String(runtime.GOOS),
		"ARCH":            starlark.String(runtime.GOARCH),
		"info":            starlark.NewBuiltin("info", starInfo),
		"warn":            starlark.NewBuiltin("warn", starWarn),
		"error":           starlark.NewBuiltin("error", starError),
		"resolve_path":    starlark.NewBuiltin("resolve_path", resolvePath),
		"option":          starlark.NewBuiltin("option", option),
		"getenv":          starlark.NewBuiltin("getenv", getenv),
		"setenv":          starlark.NewBuiltin("setenv", setenv),
		"prepend_path":    starlark.NewBuiltin("prepend_path", prependPathDir),
		"read_yaml":       starlark.NewBuiltin("read_yaml", readYaml),
		"read_toml":       starlark.NewBuiltin("read_toml", readToml),
		"version_matches": starlark.NewBuiltin("version_matches", versionMatches),
		"isdir":           starlark.NewBuiltin("isdir", starIsdir),
		"isfile":          starlark.NewBuiltin("isfile", starIsfile),
		"execute":         starlark.NewBuiltin("execute", starExec),
		"task":            starlark.NewBuiltin("task", task),
	}

	inputs := newScriptInputs()
	thread := &starlark.Thread{
		Name: "main",
		Print: func(thread *starlark.Thread, msg string) {
			inputs.recordMessage(zerolog.InfoLevel, msg)
			log(ctx).Info().Str("thread", thread.Name).Msg(msg)
		},
	}
	threadCtx := parserCtx{
		ctx:          ctx,
		filepath:     filename,
		projectRoot:  projectRoot,
		options:      make(map[string]ScriptOption),
		optionValues: options,
		envOverrides: make(map[string]string),
		tasks:        make([]*Task, 0),
		docCache:     make(map[string]interface{}),
		inputs:       inputs,
		initPhase:    true,
	}
	thread.SetLocal("parserCtx", &threadCtx)

	script, err := os.ReadFile(filename)
	if err != nil {
		return nil, nil, nil, eris.Wrapf(err, "failed to read file")
	}

	globals, err := starlark.ExecFile(thread, simplifyPath(&threadCtx, filename), script, builtins)
	if err != nil {
		if evalError, ok := err.(*starlark.EvalError); ok {
			return nil, nil, nil, eris.Errorf("failed to execute %s:\n%s", simplifyPath(&threadCtx, filename), evalError.Backtrace())
		}
		return nil, nil, nil, eris.Wrap(err, "failed to execute")
	}

	for name := range options {
		if _, declared := threadCtx.options[name]; !declared {
			msg := fmt.Sprintf("option %s is not declared by %s", name, simplifyPath(&threadCtx, filename))
			inputs.recordMessage(zerolog.WarnLevel, msg)
			log(ctx).Warn().Msg(msg)
		}
	}

	tasks := TaskList{}
	if doConfigure {
		configure, ok := globals["configure"]
		if !ok {
			return nil, nil, nil, eris.Errorf("%s did not declare a configure function", simplifyPath(&threadCtx, filename))
		}

		configureFunc, ok := configure.(starlark.Callable)
		if !ok {
			return nil, nil, nil, eris.Errorf("%s did declare a configure value but it's not a function", simplifyPath(&threadCtx, filename))
		}

		threadCtx.initPhase = false
		_, err = starlark.Call(thread, configureFunc, make(starlark.Tuple, 0), make([]starlark.Tuple, 0))
		if err != nil {
			if evalError, ok := err.(*starlark.EvalError); ok {
				return nil, nil, nil, eris.New(evalError.Backtrace())
			}
			return nil, nil, nil, eris.Wrapf(err, "failed configure call in %s", simplifyPath(&threadCtx, filename))
		}

		for _, task := range threadCtx.tasks {
			if _, dup := tasks[task.Short]; dup {
				return nil, nil, nil, eris.Errorf("task %s was declared twice", task.Short)
			}
			tasks[task.Short] = task

			for name, value := range threadCtx.envOverrides {
				_, present := task.Env[name]
				if !present {
					task.Env[name] = value
				}
			}
		}
	}

	return tasks, threadCtx.options, inputs, nil
}
