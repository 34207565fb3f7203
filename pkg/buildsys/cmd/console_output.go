package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/mitchellh/colorstring"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// DebugEnabled reports whether TOOL_DEBUG is set.
func DebugEnabled() bool {
	return os.Getenv("TOOL_DEBUG") != ""
}

// ConsoleWriter renders zerolog's JSON events as coloured lines.
type ConsoleWriter struct {
	out    io.Writer
	debug  bool
	buffer strings.Builder
	lock   sync.Mutex
}

// NewConsoleWriter returns a writer printing to out (stderr if nil).
func NewConsoleWriter(out io.Writer) *ConsoleWriter {
	if out == nil {
		out = os.Stderr
	}

	return &ConsoleWriter{
		out:   out,
		debug: DebugEnabled(),
	}
}

func (w *ConsoleWriter) Write(p []byte) (n int, err error) {
	w.lock.Lock()
	defer w.lock.Unlock()

	var evt map[string]interface{}
	d := json.NewDecoder(bytes.NewReader(p))
	d.UseNumber()
	err = d.Decode(&evt)
	if err != nil {
		return n, eris.Wrapf(err, "cannot decode event: %s", p)
	}

	w.buffer.Reset()
	switch evt["level"] {
	case "fatal", "panic", "error":
		w.buffer.WriteString("[red]")
	case "warn":
		w.buffer.WriteString("[yellow]")
	case "debug", "trace":
		w.buffer.WriteString("[blue]")
	default:
		w.buffer.WriteString("[green]")
	}

	if task, ok := evt["task"].(string); ok {
		w.buffer.WriteString(task + ": ")
	} else if dep, ok := evt["dep"].(string); ok {
		w.buffer.WriteString(dep + ": ")
	}

	if evt["level"] == "error" {
		w.buffer.WriteString("Error: ")
	}

	msg, _ := evt["message"].(string)
	if path, ok := evt["path"].(string); ok {
		// simplify the path
		relPath, err := filepath.Rel(".", path)
		if err == nil {
			msg = strings.ReplaceAll(msg, path, relPath)
		}
	}

	if isCmd, _ := evt["command"].(bool); isCmd {
		w.buffer.WriteString("[reset]$ ")
	}
	w.buffer.WriteString(msg)

	if errorDetails, ok := evt["error"]; ok {
		w.buffer.WriteString("\n")
		w.buffer.WriteString(fmt.Sprint(errorDetails))
	}

	if w.debug {
		names := make([]string, 0, len(evt))
		for name := range evt {
			names = append(names, name)
		}
		sort.Strings(names)

		w.buffer.WriteString("\n")
		for _, name := range names {
			w.buffer.WriteString(fmt.Sprintf("  %s: %+v\n", name, evt[name]))
		}
	}

	w.buffer.WriteString("[reset]\n")
	_, err = colorstring.Fprint(w.out, w.buffer.String())
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

func init() {
	zerolog.ErrorMarshalFunc = func(err error) interface{} {
		return eris.ToString(err, DebugEnabled())
	}
}
