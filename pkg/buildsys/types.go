package buildsys

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

// TaskCmd is a single entry of a task's cmds list. It is either shell source or a reference to
// another task; the other accessor returns nil.
type TaskCmd interface {
	ToTask() (*Task, error)
	ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error)
}

// TaskCmdScript is shell source. TaskName and Index only label parse errors.
type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToTask() (*Task, error) {
	return nil, nil
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	label := fmt.Sprintf("%s:%d", s.TaskName, s.Index)
	file, err := parser.Parse(strings.NewReader(s.Content), label)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}
	return file.Stmts, nil
}

// TaskCmdTaskRef runs another task (usually an anonymous one) in place.
type TaskCmdTaskRef struct {
	Task *Task
}

func (r TaskCmdTaskRef) ToTask() (*Task, error) {
	return r.Task, nil
}

func (r TaskCmdTaskRef) ToShellStmts(*syntax.Parser) ([]*syntax.Stmt, error) {
	return nil, nil
}

// Task is a task() declaration after its arguments have been validated.
type Task struct {
	// Short is the name used on the command line and in deps. Anonymous tasks get a generated
	// "auto#" name and are hidden.
	Short  string
	Desc   string
	Hidden bool

	// Base is the absolute directory the commands start in.
	Base string
	Env  map[string]string
	Deps []string
	Cmds []TaskCmd

	// The task is skipped when one of SkipIfExists exists or when every output is newer than
	// every input. Both are glob patterns relative to Base.
	SkipIfExists []string
	Inputs       []string
	Outputs      []string

	// IgnoreErrors turns command failures into warnings. The task always succeeds.
	IgnoreErrors bool
	// Exclusive tasks hold the project lock while they run.
	Exclusive bool
}

// TaskList indexes tasks by their short name.
type TaskList map[string]*Task

// ScriptOption is a value declared with option() that can be overridden on the command line.
type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

// Default returns the value used when the command line doesn't set the option.
func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

var (
	_ starlark.Value      = (*Task)(nil)
	_ starlark.Comparable = StarlarkPath("")
	_ starlark.Sliceable  = StarlarkPath("")
)

// task() returns the *Task so that scripts can put it into another task's cmds list.

func (t *Task) String() string {
	if t.Desc == "" {
		return fmt.Sprintf("<task %s>", t.Short)
	}
	return fmt.Sprintf("<task %s: %s>", t.Short, t.Desc)
}

func (t *Task) Type() string { return "task" }

// Freeze is a no-op. Scripts can't modify a task after task() returned it.
func (t *Task) Freeze() {}

func (t *Task) Truth() starlark.Bool { return starlark.True }

func (t *Task) Hash() (uint32, error) {
	return 0, eris.Errorf("unhashable type: %s", t.Type())
}

// StarlarkPath is the value returned by resolve_path(). It behaves like a string in scripts but
// command tuples render it relative to the task's base directory.
type StarlarkPath string

func (p StarlarkPath) str() starlark.String { return starlark.String(p) }

func (p StarlarkPath) String() string        { return p.str().String() }
func (p StarlarkPath) Type() string          { return "path" }
func (p StarlarkPath) Freeze()               {}
func (p StarlarkPath) Truth() starlark.Bool  { return p != "" }
func (p StarlarkPath) Hash() (uint32, error) { return p.str().Hash() }
func (p StarlarkPath) Len() int              { return len(p) }

func (p StarlarkPath) Index(i int) starlark.Value {
	return p.str().Index(i)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return p.str().Slice(start, end, step)
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, other starlark.Value, depth int) (bool, error) {
	return p.str().CompareSameType(op, other.(StarlarkPath).str(), depth)
}
