package codeimage

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/template"

	"github.com/rotisserie/eris"
)

// Palette of the VSCode Dark theme as used by CodeImage.
var Palette = []struct {
	Key string
	Hex string
}{
	{"background", "#1E1E1E"},
	{"frame_outer", "#151516"},
	{"default", "#9AD6FE"},
	{"keyword", "#529DDA"},
	{"function", "#DCDCA8"},
	{"number", "#B4CDA7"},
	{"string", "#CE9178"},
	{"comment", "#8DA1B9"},
	{"operator", "#FAFAFA"},
	{"bracket", "#DBD700"},
	{"type", "#4EC9B0"},
	{"decorator", "#DCDCA8"},
	{"lineno", "#7C8083"},
	{"selection", "#264F78"},
	{"btn_red", "#FF5F57"},
	{"btn_yellow", "#FEBC2E"},
	{"btn_green", "#28C840"},
}

// ColorName returns the xcolor name defined for a palette key, e.g. "vscFrame_outer".
func ColorName(key string) string {
	if key == "" {
		return "vsc"
	}
	return "vsc" + strings.ToUpper(key[:1]) + strings.ToLower(key[1:])
}

var latexEscaper = strings.NewReplacer(
	`\`, `\textbackslash{}`,
	`{`, `\{`,
	`}`, `\}`,
	`$`, `\$`,
	`&`, `\&`,
	`#`, `\#`,
	`^`, `\^{}`,
	`_`, `\_`,
	`~`, `\textasciitilde{}`,
	`%`, `\%`,
	`<`, `\textless{}`,
	`>`, `\textgreater{}`,
	`|`, `\textbar{}`,
	"\t", `~~~~`,
	" ", `~`,
)

// EscapeLaTeX escapes text for use in a LaTeX paragraph. Spaces become non-breaking so indentation
// survives.
func EscapeLaTeX(text string) string {
	return latexEscaper.Replace(text)
}

func defineColors() string {
	lines := make([]string, 0, len(Palette))
	for _, entry := range Palette {
		r, _ := strconv.ParseUint(entry.Hex[1:3], 16, 8)
		g, _ := strconv.ParseUint(entry.Hex[3:5], 16, 8)
		b, _ := strconv.ParseUint(entry.Hex[5:7], 16, 8)
		lines = append(lines, fmt.Sprintf(`\definecolor{%s}{RGB}{%d,%d,%d}`, ColorName(entry.Key), r, g, b))
	}
	return strings.Join(lines, "\n")
}

// renderLine returns the LaTeX markup of a single line. Empty lines need a box or \\ fails.
func renderLine(line Line) string {
	buffer := strings.Builder{}
	for _, span := range line {
		if span.Text == "" {
			continue
		}

		fmt.Fprintf(&buffer, `\textcolor{%s}{%s}`, ColorName(string(span.Kind)), EscapeLaTeX(span.Text))
	}

	if buffer.Len() == 0 {
		return `\mbox{}`
	}
	return buffer.String()
}

var documentTemplate = template.Must(template.New("document").Delims("<<", ">>").Parse(`% Source: <<.Name>>
% Compile with: xelatex or lualatex
%
\documentclass{standalone}

\usepackage{fontspec}
\setmonofont[
  Scale = 0.85,
]{"JetBrains Mono"}

\usepackage{xcolor}
<<.Colors>>

\usepackage{tikz}
\usepackage[most]{tcolorbox}
\usetikzlibrary{calc, positioning}

\usepackage{microtype}
\usepackage{ragged2e}

\begin{document}

\tcbset{
  codewindow/.style={
    enhanced,
    arc=12pt, outer arc=12pt,
    boxrule=0pt,
    colback=vscFrame_outer,
    colframe=vscFrame_outer,
    left=28pt, right=28pt,
    top=12pt, bottom=24pt,
  },
  codepanel/.style={
    enhanced,
    arc=8pt, outer arc=8pt,
    boxrule=0pt,
    colback=vscBackground,
    colframe=vscBackground,
    left=8pt, right=8pt,
    top=10pt, bottom=10pt,
    fontupper=\ttfamily\footnotesize,
  },
}

\begin{tcolorbox}[codewindow]

  % window buttons
  \noindent\hspace{4pt}%
  \tikz{
    \fill[vscBtn_red]    (0,0) circle (5pt);
    \fill[vscBtn_yellow] (14pt,0) circle (5pt);
    \fill[vscBtn_green]  (28pt,0) circle (5pt);
  }
  \vspace{10pt}

  \begin{tcolorbox}[codepanel]

    \noindent{\ttfamily\scriptsize\textcolor{vscDefault}{<<.EscapedName>>}}
    \vspace{4pt}\hrule height 0.4pt \vspace{6pt}

    \noindent
    \begin{minipage}[t]{<<.NumberWidth>>em}
      \setlength{\baselineskip}{1.45em}
      \raggedleft
<<range .Numbers>><<.>>\\
<<end>>    \end{minipage}%
    \hspace{8pt}%
    \begin{minipage}[t]{\dimexpr\linewidth-<<.NumberWidth>>em-8pt\relax}
      \setlength{\baselineskip}{1.45em}
      \raggedright
<<range .Code>><<.>>\\
<<end>>    \end{minipage}

  \end{tcolorbox}

\end{tcolorbox}

\end{document}
`))

// RenderLaTeX returns a standalone XeLaTeX document showing src in a window with line numbers. name is
// displayed in the window's title.
func RenderLaTeX(name, src string) (string, error) {
	lines, err := Tokenize(src)
	if err != nil {
		return "", err
	}

	numbers := make([]string, len(lines))
	code := make([]string, len(lines))
	for idx, line := range lines {
		numbers[idx] = fmt.Sprintf(`\textcolor{%s}{%d}`, ColorName("lineno"), idx+1)
		code[idx] = renderLine(line)
	}

	// wide enough for the longest line number
	numberWidth := 0.6 * float64(len(strconv.Itoa(len(lines)))+1)
	if numberWidth < 1.6 {
		numberWidth = 1.6
	}

	buffer := strings.Builder{}
	err = documentTemplate.Execute(&buffer, map[string]interface{}{
		"Name":        name,
		"EscapedName": EscapeLaTeX(name),
		"Colors":      defineColors(),
		"NumberWidth": strconv.FormatFloat(numberWidth, 'f', 1, 64),
		"Numbers":     numbers,
		"Code":        code,
	})
	if err != nil {
		return "", eris.Wrap(err, "failed to render document")
	}

	return buffer.String(), nil
}

// Stem returns the file name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// ExportTeX renders the Python file at src and writes it to <outDir>/<stem>.tex. It returns the path
// of the written file.
func ExportTeX(src, outDir string) (string, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return "", eris.Wrapf(err, "failed to read %s", src)
	}

	doc, err := RenderLaTeX(filepath.Base(src), string(content))
	if err != nil {
		return "", eris.Wrapf(err, "failed to render %s", src)
	}

	err = os.MkdirAll(outDir, 0o770)
	if err != nil {
		return "", eris.Wrapf(err, "failed to create %s", outDir)
	}

	dest := filepath.Join(outDir, Stem(src)+".tex")
	err = os.WriteFile(dest, []byte(doc), 0o660)
	if err != nil {
		return "", eris.Wrapf(err, "failed to write %s", dest)
	}

	return dest, nil
}

// SourceFiles returns args if any were passed, otherwise all Python files in sourceDir sorted by name.
func SourceFiles(args []string, sourceDir string) ([]string, error) {
	if len(args) > 0 {
		return args, nil
	}

	files, err := filepath.Glob(filepath.Join(sourceDir, "*.py"))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to search %s", sourceDir)
	}

	if len(files) == 0 {
		return nil, eris.Errorf("no .py files found in %s", sourceDir)
	}

	// Glob already returns the matches in lexical order.
	return files, nil
}
