package buildsys

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
)

// DefaultScriptName is the file FindScript looks for.
const DefaultScriptName = "tasks.star"

// VisibleTasks returns the names of all non-hidden tasks, sorted.
func VisibleTasks(tasks TaskList) []string {
	names := make([]string, 0, len(tasks))
	for name, task := range tasks {
		if !task.Hidden {
			names = append(names, name)
		}
	}

	sort.Strings(names)
	return names
}

// ListTasks writes one "name: description" line per visible task.
func ListTasks(w io.Writer, tasks TaskList) error {
	names := VisibleTasks(tasks)
	maxNameLen := 0
	for _, name := range names {
		if len(name) > maxNameLen {
			maxNameLen = len(name)
		}
	}

	lineFmt := fmt.Sprintf("%%-%ds %%s\n", maxNameLen+1)
	for _, name := range names {
		_, err := fmt.Fprintf(w, lineFmt, name+":", tasks[name].Desc)
		if err != nil {
			return eris.Wrap(err, "failed to write task list")
		}
	}

	return nil
}

// FindScript searches dir and its parents for a file called name and returns its absolute path.
func FindScript(dir, name string) (string, error) {
	if name == "" {
		name = DefaultScriptName
	}

	path, err := filepath.Abs(dir)
	if err != nil {
		return "", eris.Wrapf(err, "failed to resolve %s", dir)
	}

	for {
		scriptPath := filepath.Join(path, name)
		_, err := os.Stat(scriptPath)
		if err == nil {
			return scriptPath, nil
		}
		if !eris.Is(err, os.ErrNotExist) {
			return "", eris.Wrapf(err, "failed to check %s", scriptPath)
		}

		parent := filepath.Dir(path)
		if parent == path {
			return "", eris.Errorf("no %s file found in %s or any parent directory", name, dir)
		}

		path = parent
	}
}
