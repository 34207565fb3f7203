package pkg

import (
	"context"
	"go/parser"
	"go/token"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
)

// ToolsFile lists the Go tools installed by InstallTools through blank imports.
const ToolsFile = "tools.go"

// ToolImports returns the import paths of toolsFile.
func ToolImports(toolsFile string) ([]string, error) {
	fset := token.NewFileSet()
	f, err := parser.ParseFile(fset, toolsFile, nil, parser.ImportsOnly)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", toolsFile)
	}

	result := make([]string, 0, len(f.Imports))
	for _, path := range f.Imports {
		result = append(result, strings.Trim(path.Path.Value, `"`))
	}
	return result, nil
}

// InstallTools runs go install for every tool listed in the project's tools.go. The binaries end up in
// the project's .tools directory.
func InstallTools(ctx context.Context, projectRoot string, out io.Writer) error {
	binPath := filepath.Join(projectRoot, ".tools")
	toolsFile := filepath.Join(projectRoot, ToolsFile)

	tools, err := ToolImports(toolsFile)
	if err != nil {
		return err
	}

	for _, dep := range tools {
		PrintSubtask(out, dep)

		cmd := exec.CommandContext(ctx, "go", "install", dep)
		cmd.Dir = projectRoot
		cmd.Env = append(os.Environ(), "GOBIN="+binPath)
		cmd.Stderr = out
		cmd.Stdout = out
		err := cmd.Run()
		if err != nil {
			return eris.Wrapf(err, "failed to install %s", dep)
		}
	}

	return nil
}
