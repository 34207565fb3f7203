package codeimage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `import numpy as np

@dataclass
class Model:
    def fit(self, x: int) -> float:
        """Fit the
        model."""
        # closed form
        return np.linalg.inv(x.T @ x)[0] + 1.5
`

func kindsOf(line Line) map[string]Kind {
	result := map[string]Kind{}
	for _, span := range line {
		result[strings.TrimSpace(span.Text)] = span.Kind
	}
	return result
}

func TestTokenize(t *testing.T) {
	lines, err := Tokenize(sample)
	require.NoError(t, err)
	require.Len(t, lines, 9)

	assert.Equal(t, KindKeyword, kindsOf(lines[0])["import"])
	assert.Equal(t, KindDecorator, kindsOf(lines[2])["@dataclass"])
	assert.Equal(t, KindFunction, kindsOf(lines[3])["Model"])
	assert.Equal(t, KindFunction, kindsOf(lines[4])["fit"])
	assert.Equal(t, KindType, kindsOf(lines[4])["int"])
	assert.Equal(t, KindType, kindsOf(lines[4])["float"])
	assert.Equal(t, KindComment, kindsOf(lines[7])["# closed form"])
	assert.Equal(t, KindNumber, kindsOf(lines[8])["1.5"])
	assert.Equal(t, KindBracket, kindsOf(lines[8])["]"])

	// the docstring is split into one span per line
	assert.Equal(t, KindString, lines[5][len(lines[5])-1].Kind)
	assert.Equal(t, KindString, lines[6][len(lines[6])-1].Kind)

	for idx, line := range lines {
		text := ""
		for _, span := range line {
			text += span.Text
		}
		assert.Equal(t, strings.Split(sample, "\n")[idx], text)
	}
}

func TestTokenizeEmptyLines(t *testing.T) {
	lines, err := Tokenize("a = 1\n\nb = 2")
	require.NoError(t, err)
	require.Len(t, lines, 3)
	assert.Empty(t, lines[1])
}

func TestEscapeLaTeX(t *testing.T) {
	assert.Equal(t, `\textbackslash{}n`, EscapeLaTeX(`\n`))
	assert.Equal(t, `\{\}\$\&\#\_\%`, EscapeLaTeX(`{}$&#_%`))
	assert.Equal(t, `\^{}\textasciitilde{}\textless{}\textgreater{}\textbar{}`, EscapeLaTeX(`^~<>|`))
	assert.Equal(t, `~~x`, EscapeLaTeX(`  x`))
}

func TestColorName(t *testing.T) {
	assert.Equal(t, "vscFrame_outer", ColorName("frame_outer"))
	assert.Equal(t, "vscKeyword", ColorName("keyword"))
}

func TestRenderLaTeX(t *testing.T) {
	doc, err := RenderLaTeX("linear_regression.py", "def f():\n    return {'a': 1}\n\n")
	require.NoError(t, err)

	assert.Contains(t, doc, `\documentclass{standalone}`)
	assert.Contains(t, doc, `\definecolor{vscBackground}{RGB}{30,30,30}`)
	assert.Contains(t, doc, `\textcolor{vscDefault}{linear\_regression.py}`)
	assert.Contains(t, doc, `\textcolor{vscKeyword}{def}`)
	assert.Contains(t, doc, `\textcolor{vscFunction}{f}`)
	assert.Contains(t, doc, `~~~~`)
	assert.Contains(t, doc, `\textcolor{vscBracket}{\{}`)
	assert.NotContains(t, doc, `\textbackslash\{\}`)
	assert.Contains(t, doc, `\textcolor{vscLineno}{3}\\`)
	assert.NotContains(t, doc, `\textcolor{vscLineno}{4}`)
	assert.Contains(t, doc, "\\mbox{}\\\\\n")
	assert.Contains(t, doc, `\end{document}`)
}

func TestExportTeX(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "linear_regression.py")
	require.NoError(t, os.WriteFile(src, []byte("x = 1\n"), 0o600))

	out := filepath.Join(dir, "images")
	dest, err := ExportTeX(src, out)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(out, "linear_regression.tex"), dest)

	content, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Contains(t, string(content), `\textcolor{vscNumber}{1}`)

	_, err = ExportTeX(filepath.Join(dir, "missing.py"), out)
	assert.Error(t, err)
}

func TestSourceFiles(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.py", "a.py", "notes.txt"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0o600))
	}

	files, err := SourceFiles(nil, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "a.py"), filepath.Join(dir, "b.py")}, files)

	files, err = SourceFiles([]string{"x.py"}, dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"x.py"}, files)

	_, err = SourceFiles(nil, t.TempDir())
	assert.ErrorContains(t, err, "no .py files")
}

func TestSVGExportFailsEarlyOnMissingFile(t *testing.T) {
	out := filepath.Join(t.TempDir(), "images")
	exporter := SVGExporter{OutputDir: out}

	_, err := exporter.Export(context.Background(), []string{filepath.Join(t.TempDir(), "missing.py")})
	assert.ErrorContains(t, err, "source file not found")
	assert.NoDirExists(t, out)
}
