package buildsys

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/interp"
)

const projectScript = `
venv = option("venv", ".venv", help = "virtual environment directory")

def configure():
    task(
        "setup",
        desc = "Create the virtual environment",
        exclusive = True,
        cmds = [
            ("mkdir", "-p", venv + "/bin"),
            "echo setup >> setup.log",
        ],
    )

    task(
        "shell",
        desc = "Open a shell inside the virtual environment",
        cmds = [("venv-shell", venv, "--", "true")],
    )

    task(
        "clean",
        desc = "Remove the virtual environment and cached bytecode",
        ignore_errors = True,
        cmds = [
            ("rm", "-rf", venv),
            "pyclean .",
        ],
    )

    task("internal", hidden = True, cmds = ["echo internal"])
`

func testContext() context.Context {
	logger := zerolog.Nop()
	return WithLogger(context.Background(), &logger)
}

func writeScript(t *testing.T, content string) string {
	t.Helper()

	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, DefaultScriptName), []byte(content), 0o600))
	return root
}

func loadTasks(t *testing.T, root string, options map[string]string) TaskList {
	t.Helper()

	tasks, _, err := RunScript(testContext(), filepath.Join(root, DefaultScriptName), root, options, true)
	require.NoError(t, err)
	return tasks
}

type runResult struct {
	stdout bytes.Buffer
	stderr bytes.Buffer
}

func runTask(t *testing.T, root, name string, tasks TaskList) (*runResult, error) {
	t.Helper()

	result := &runResult{}
	err := RunTask(testContext(), name, tasks, RunOptions{
		ProjectRoot: root,
		Stdin:       strings.NewReader(""),
		Stdout:      &result.stdout,
		Stderr:      &result.stderr,
	})
	return result, err
}

func readLines(t *testing.T, path string) []string {
	t.Helper()

	content, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(content)), "\n")
}

func TestScriptDeclaresTasks(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks, options, err := RunScript(testContext(), filepath.Join(root, DefaultScriptName), root, nil, true)
	require.NoError(t, err)

	assert.Contains(t, tasks, "setup")
	assert.Contains(t, tasks, "internal")
	assert.True(t, tasks["setup"].Exclusive)
	assert.True(t, tasks["clean"].IgnoreErrors)
	assert.Equal(t, ".venv", options["venv"].Default())
	assert.Equal(t, "virtual environment directory", options["venv"].Help)
}

func TestScriptRequiresConfigure(t *testing.T) {
	root := writeScript(t, `x = 1`)
	_, _, err := RunScript(testContext(), filepath.Join(root, DefaultScriptName), root, nil, true)
	assert.ErrorContains(t, err, "configure")
}

func TestScriptRejectsDuplicateTasks(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("a", cmds = ["true"])
    task("a", cmds = ["true"])
`)
	_, _, err := RunScript(testContext(), filepath.Join(root, DefaultScriptName), root, nil, true)
	assert.ErrorContains(t, err, "declared twice")
}

func TestListTasksPrintsOneLinePerTask(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	var out bytes.Buffer
	require.NoError(t, ListTasks(&out, tasks))

	lines := strings.Split(strings.TrimSuffix(out.String(), "\n"), "\n")
	require.Len(t, lines, 3)
	assert.True(t, strings.HasPrefix(lines[0], "clean:"))
	assert.True(t, strings.HasPrefix(lines[1], "setup:"))
	assert.True(t, strings.HasPrefix(lines[2], "shell:"))
	assert.Contains(t, lines[1], "Create the virtual environment")
}

func TestSetupCleanSetup(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "setup", tasks)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, ".venv", "bin"))

	_, err = runTask(t, root, "clean", tasks)
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, ".venv"))

	_, err = runTask(t, root, "setup", tasks)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, ".venv", "bin"))
	assert.Equal(t, []string{"setup", "setup"}, readLines(t, filepath.Join(root, "setup.log")))
}

func TestCleanTwice(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	cacheDir := filepath.Join(root, "pkg", "__pycache__")
	require.NoError(t, os.MkdirAll(cacheDir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(cacheDir, "mod.cpython-311.pyc"), []byte{0}, 0o600))

	_, err := runTask(t, root, "clean", tasks)
	require.NoError(t, err)
	assert.NoDirExists(t, cacheDir)

	_, err = runTask(t, root, "clean", tasks)
	require.NoError(t, err)
}

func TestShellBeforeSetupFails(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	result, err := runTask(t, root, "shell", tasks)
	require.Error(t, err)

	status, ok := interp.IsExitStatus(err)
	require.True(t, ok)
	assert.Equal(t, uint8(1), status)
	assert.Contains(t, result.stderr.String(), "not set up")
}

func TestShellAfterSetup(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses the true executable")
	}

	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "setup", tasks)
	require.NoError(t, err)

	_, err = runTask(t, root, "shell", tasks)
	assert.NoError(t, err)
}

func TestOptionOverridesDefault(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, map[string]string{"venv": "env"})

	_, err := runTask(t, root, "setup", tasks)
	require.NoError(t, err)
	assert.DirExists(t, filepath.Join(root, "env", "bin"))
	assert.NoDirExists(t, filepath.Join(root, ".venv"))
}

func TestFirstFailureAbortsTask(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("broken", cmds = [
        "echo one >> out.txt",
        "exit 3",
        "echo two >> out.txt",
    ])
    task("after", deps = ["broken"], cmds = ["echo after >> out.txt"])
`)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "after", tasks)
	require.Error(t, err)

	status, ok := interp.IsExitStatus(err)
	require.True(t, ok)
	assert.Equal(t, uint8(3), status)
	assert.Equal(t, []string{"one"}, readLines(t, filepath.Join(root, "out.txt")))
}

func TestIgnoreErrorsContinues(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("lenient", ignore_errors = True, cmds = [
        "exit 2",
        "echo after >> out.txt",
    ])
`)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "lenient", tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"after"}, readLines(t, filepath.Join(root, "out.txt")))
}

func TestIgnoreErrorsKeepsShellState(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("lenient", ignore_errors = True, cmds = [
        "mkdir -p sub",
        "cd sub",
        "NAME=kept",
        "false",
        "echo $NAME > out.txt",
    ])
`)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "lenient", tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"kept"}, readLines(t, filepath.Join(root, "sub", "out.txt")))
	assert.NoFileExists(t, filepath.Join(root, "out.txt"))
}

func TestDependenciesRunOnce(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("a", cmds = ["echo a >> order.txt"])
    task("b", deps = ["a"], cmds = ["echo b >> order.txt"])
    task("c", deps = ["a", "b"], cmds = ["echo c >> order.txt"])
`)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "c", tasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, readLines(t, filepath.Join(root, "order.txt")))
}

func TestRecursionIsReported(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("x", deps = ["y"], cmds = ["echo x"])
    task("y", deps = ["x"], cmds = ["echo y"])
`)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "x", tasks)
	assert.ErrorContains(t, err, "recursively")
}

func TestUnknownTask(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	_, err := runTask(t, root, "deploy", tasks)
	assert.ErrorContains(t, err, "not found")
}

func TestDryRunExecutesNothing(t *testing.T) {
	root := writeScript(t, projectScript)
	tasks := loadTasks(t, root, nil)

	err := RunTask(testContext(), "setup", tasks, RunOptions{
		ProjectRoot: root,
		DryRun:      true,
		Stdout:      &bytes.Buffer{},
		Stderr:      &bytes.Buffer{},
	})
	require.NoError(t, err)
	assert.NoDirExists(t, filepath.Join(root, ".venv"))
	assert.NoFileExists(t, filepath.Join(root, "setup.log"))
}

func TestSkipIfExists(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("once", skip_if_exists = ["done.txt"], cmds = ["echo ran >> done.txt"])
`)
	tasks := loadTasks(t, root, nil)

	for i := 0; i < 2; i++ {
		_, err := runTask(t, root, "once", tasks)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"ran"}, readLines(t, filepath.Join(root, "done.txt")))

	err := RunTask(testContext(), "once", tasks, RunOptions{ProjectRoot: root, Force: true, Stdout: &bytes.Buffer{}})
	require.NoError(t, err)
	assert.Equal(t, []string{"ran", "ran"}, readLines(t, filepath.Join(root, "done.txt")))
}

func TestTaskEnvironment(t *testing.T) {
	root := writeScript(t, `
setenv("GREETING", "hello")

def configure():
    task("env", env = {"TARGET": "world"}, cmds = ["echo $GREETING $TARGET"])
`)
	tasks := loadTasks(t, root, nil)

	result, err := runTask(t, root, "env", tasks)
	require.NoError(t, err)
	assert.Equal(t, "hello world\n", result.stdout.String())
}

func TestCheckTools(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("check", cmds = ["check-tools definitely-not-installed-tool"])
`)
	tasks := loadTasks(t, root, nil)

	result, err := runTask(t, root, "check", tasks)
	require.Error(t, err)
	assert.Contains(t, result.stderr.String(), "definitely-not-installed-tool")
}

func TestRegisterCommand(t *testing.T) {
	RegisterCommand("test-greet", func(ctx context.Context, args []string) error {
		hc := interp.HandlerCtx(ctx)
		_, err := fmt.Fprintf(hc.Stdout, "hi %s\n", strings.Join(args, " "))
		return err
	})
	assert.Contains(t, Commands(), "test-greet")

	root := writeScript(t, `
def configure():
    task("greet", cmds = [("test-greet", "there")])
`)
	tasks := loadTasks(t, root, nil)

	result, err := runTask(t, root, "greet", tasks)
	require.NoError(t, err)
	assert.Equal(t, "hi there\n", result.stdout.String())
}

func TestReadTomlAndVersionMatches(t *testing.T) {
	root := writeScript(t, `
python = read_toml("pyproject.toml", "tool.poetry.dependencies.python", "")

def configure():
    task("check", desc = "ok" if version_matches("3.11", python) else "mismatch")
`)
	manifest := "[tool.poetry.dependencies]\npython = \"^3.10\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "pyproject.toml"), []byte(manifest), 0o600))

	tasks := loadTasks(t, root, nil)
	assert.Equal(t, "ok", tasks["check"].Desc)
}

func TestLoadTasksUsesCache(t *testing.T) {
	root := writeScript(t, projectScript)
	cacheFile := filepath.Join(root, ".tasks.cache")
	opts := LoadOptions{
		Script:      filepath.Join(root, DefaultScriptName),
		ProjectRoot: root,
		CacheFile:   cacheFile,
	}

	tasks, _, err := LoadTasks(testContext(), opts)
	require.NoError(t, err)
	require.FileExists(t, cacheFile)

	key, cached, cachedOptions, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.ElementsMatch(t, VisibleTasks(tasks), VisibleTasks(cached))
	assert.Contains(t, cachedOptions, "venv")

	again, _, err := LoadTasks(testContext(), opts)
	require.NoError(t, err)
	assert.ElementsMatch(t, VisibleTasks(tasks), VisibleTasks(again))

	assert.False(t, key.matches(CacheKey{ScriptModTime: key.ScriptModTime, Options: map[string]string{"venv": "x"}}))
}

func TestLoadTasksReadOnlyLeavesNoCache(t *testing.T) {
	root := writeScript(t, projectScript)
	cacheFile := filepath.Join(root, ".tasks.cache")

	tasks, _, err := LoadTasks(testContext(), LoadOptions{
		Script:      filepath.Join(root, DefaultScriptName),
		ProjectRoot: root,
		CacheFile:   cacheFile,
		ReadOnly:    true,
	})
	require.NoError(t, err)
	assert.Contains(t, tasks, "setup")
	assert.NoFileExists(t, cacheFile)
}

const inputsScript = `
def configure():
    mode = getenv("TOOL_TEST_MODE", "plain")
    python = read_toml("pyproject.toml", "tool.poetry.dependencies.python", "") if isfile("pyproject.toml") else "none"
    task("check", desc = mode + " " + python, cmds = ["true"])
`

func writeManifest(t *testing.T, root, constraint string, modTime time.Time) {
	t.Helper()

	path := filepath.Join(root, "pyproject.toml")
	manifest := fmt.Sprintf("[tool.poetry.dependencies]\npython = %q\n", constraint)
	require.NoError(t, os.WriteFile(path, []byte(manifest), 0o600))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}

func TestCacheTracksScriptInputs(t *testing.T) {
	t.Setenv("TOOL_TEST_MODE", "plain")

	root := writeScript(t, inputsScript)
	cacheFile := filepath.Join(root, ".tasks.cache")
	opts := LoadOptions{
		Script:      filepath.Join(root, DefaultScriptName),
		ProjectRoot: root,
		CacheFile:   cacheFile,
	}

	start := time.Now().Add(-time.Hour).Truncate(time.Second)
	writeManifest(t, root, "^3.10", start)

	tasks, _, err := LoadTasks(testContext(), opts)
	require.NoError(t, err)
	assert.Equal(t, "plain ^3.10", tasks["check"].Desc)

	key, _, _, err := ReadCache(cacheFile)
	require.NoError(t, err)
	assert.Contains(t, key.Inputs.Files, filepath.Join(root, "pyproject.toml"))
	assert.Equal(t, EnvValue{Value: "plain", Set: true}, key.Inputs.Env["TOOL_TEST_MODE"])
	assert.True(t, key.Inputs.Unchanged())

	writeManifest(t, root, "^3.12", start.Add(time.Minute))
	assert.False(t, key.Inputs.Unchanged())

	tasks, _, err = LoadTasks(testContext(), opts)
	require.NoError(t, err)
	assert.Equal(t, "plain ^3.12", tasks["check"].Desc)

	t.Setenv("TOOL_TEST_MODE", "strict")
	tasks, _, err = LoadTasks(testContext(), opts)
	require.NoError(t, err)
	assert.Equal(t, "strict ^3.12", tasks["check"].Desc)

	require.NoError(t, os.Remove(filepath.Join(root, "pyproject.toml")))
	tasks, _, err = LoadTasks(testContext(), opts)
	require.NoError(t, err)
	assert.Equal(t, "strict none", tasks["check"].Desc)
}

func TestCacheSkipsScriptsRunningCommands(t *testing.T) {
	root := writeScript(t, `
def configure():
    task("echo", desc = execute("echo dynamic").strip(), cmds = ["true"])
`)
	cacheFile := filepath.Join(root, ".tasks.cache")

	tasks, _, err := LoadTasks(testContext(), LoadOptions{
		Script:      filepath.Join(root, DefaultScriptName),
		ProjectRoot: root,
		CacheFile:   cacheFile,
	})
	require.NoError(t, err)
	assert.Equal(t, "dynamic", tasks["echo"].Desc)
	assert.NoFileExists(t, cacheFile)
}

func TestCacheReplaysScriptWarnings(t *testing.T) {
	root := writeScript(t, `
warn("python 3.9 is too old")

def configure():
    task("noop", cmds = ["true"])
`)
	opts := LoadOptions{
		Script:      filepath.Join(root, DefaultScriptName),
		ProjectRoot: root,
		CacheFile:   filepath.Join(root, ".tasks.cache"),
	}

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	ctx := WithLogger(context.Background(), &logger)

	_, _, err := LoadTasks(ctx, opts)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "python 3.9 is too old")
	assert.NotContains(t, buf.String(), "using cached tasks")

	buf.Reset()
	_, _, err = LoadTasks(ctx, opts)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "using cached tasks")
	assert.Contains(t, buf.String(), "python 3.9 is too old")
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestStarlarkValues(t *testing.T) {
	assert.Equal(t, "<task setup: Create>", (&Task{Short: "setup", Desc: "Create"}).String())
	assert.Equal(t, "<task x>", (&Task{Short: "x"}).String())
	_, err := (&Task{}).Hash()
	assert.Error(t, err)

	path := StarlarkPath("a/b")
	less, err := path.CompareSameType(starsyntax.LT, StarlarkPath("a/c"), 1)
	require.NoError(t, err)
	assert.True(t, less)
	assert.Equal(t, starlark.String("a"), path.Index(0))
	assert.Equal(t, starlark.String("a/"), path.Slice(0, 2, 1))
	assert.Equal(t, `"a/b"`, path.String())
	assert.False(t, bool(StarlarkPath("").Truth()))
}

func TestFindScript(t *testing.T) {
	root := writeScript(t, projectScript)
	nested := filepath.Join(root, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o700))

	found, err := FindScript(nested, "")
	require.NoError(t, err)

	expected, err := filepath.EvalSymlinks(filepath.Join(root, DefaultScriptName))
	require.NoError(t, err)
	actual, err := filepath.EvalSymlinks(found)
	require.NoError(t, err)
	assert.Equal(t, expected, actual)

	_, err = FindScript(nested, "missing.star")
	assert.Error(t, err)
}

func TestListTasksCommand(t *testing.T) {
	root := writeScript(t, projectScript+`
    task("help", desc = "List the available operations", cmds = ["list-tasks"])
`)
	tasks := loadTasks(t, root, nil)

	result, err := runTask(t, root, "help", tasks)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(result.stdout.String()), "\n")
	assert.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[1], "help:"))
	assert.NotContains(t, result.stdout.String(), "internal")
}

func TestProjectTaskScript(t *testing.T) {
	content, err := os.ReadFile(filepath.Join("..", "..", DefaultScriptName))
	require.NoError(t, err)

	root := writeScript(t, string(content))
	tasks, options, err := RunScript(testContext(), filepath.Join(root, DefaultScriptName), root, nil, true)
	require.NoError(t, err)

	assert.Equal(t, []string{"clean", "help", "setup", "shell"}, VisibleTasks(tasks))
	assert.True(t, tasks["setup"].Exclusive)
	assert.True(t, tasks["clean"].IgnoreErrors)
	assert.Equal(t, "3.11", options["python"].Default())

	for _, name := range []string{LockFile, ".tool.cache"} {
		require.NoError(t, os.WriteFile(filepath.Join(root, name), nil, 0o600))
	}

	result, err := runTask(t, root, "clean", tasks)
	require.NoError(t, err)
	assert.Empty(t, result.stderr.String())
	assert.NoFileExists(t, filepath.Join(root, LockFile))
	assert.NoFileExists(t, filepath.Join(root, ".tool.cache"))

	result, err = runTask(t, root, "help", tasks)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(result.stdout.String()), "\n"), 4)
}
