package pkg

import (
	"io"
	"os"
	"path/filepath"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"

	"github.com/PedroBSB/second-course-in-statistical-learning/pkg/buildsys"
)

// GetProjectRoot returns the directory containing the nearest task script called scriptName, starting
// at the working directory.
func GetProjectRoot(scriptName string) (string, error) {
	wd, err := os.Getwd()
	if err != nil {
		return "", eris.Wrap(err, "failed to retrieve the current working directory")
	}

	script, err := buildsys.FindScript(wd, scriptName)
	if err != nil {
		return "", eris.Wrap(err, "project root not found")
	}

	return filepath.Dir(script), nil
}

// PrintTask prints a bold "==>" headline for a step of a command.
func PrintTask(w io.Writer, msg string) {
	colorstring.Fprintf(w, "[blue][bold]==>[default] %s[reset]\n", msg)
}

// PrintSubtask prints an indented green "->" line below a PrintTask headline.
func PrintSubtask(w io.Writer, msg string) {
	colorstring.Fprintf(w, "[green][bold]  ->[reset] %s\n", msg)
}

// PrintError prints an indented red "->" line for a failure that doesn't end the command.
func PrintError(w io.Writer, msg string) {
	colorstring.Fprintf(w, "[red][bold]  ->[reset] %s\n", msg)
}
