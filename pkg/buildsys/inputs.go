package buildsys

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// EnvValue is the state of an environment variable read by a script.
type EnvValue struct {
	Value string
	Set   bool
}

// ScriptMessage is a message a script logged while it was evaluated.
type ScriptMessage struct {
	Level string
	Text  string
}

// ScriptInputs records everything outside the script itself that influenced its result. A cached task
// list is only valid as long as none of these inputs changed.
type ScriptInputs struct {
	// Files maps each file the script read or checked to its modification time. Missing files have
	// the zero time.
	Files map[string]time.Time
	Env   map[string]EnvValue
	// Volatile is set once the script ran a shell command; its result can't be cached.
	Volatile bool
	Messages []ScriptMessage
}

func newScriptInputs() *ScriptInputs {
	return &ScriptInputs{
		Files: make(map[string]time.Time),
		Env:   make(map[string]EnvValue),
	}
}

func statModTime(path string) time.Time {
	info, err := os.Stat(path)
	if err != nil {
		return time.Time{}
	}
	return info.ModTime()
}

func (in *ScriptInputs) recordFile(path string) {
	if _, seen := in.Files[path]; seen {
		return
	}
	in.Files[path] = statModTime(path)
}

func (in *ScriptInputs) recordEnv(name string) {
	if _, seen := in.Env[name]; seen {
		return
	}
	value, set := os.LookupEnv(name)
	in.Env[name] = EnvValue{Value: value, Set: set}
}

func (in *ScriptInputs) recordMessage(level zerolog.Level, text string) {
	in.Messages = append(in.Messages, ScriptMessage{Level: level.String(), Text: text})
}

// Unchanged reports whether every recorded file and environment variable still has the recorded state.
func (in ScriptInputs) Unchanged() bool {
	if in.Volatile {
		return false
	}

	for path, modTime := range in.Files {
		if !statModTime(path).Equal(modTime) {
			return false
		}
	}

	for name, recorded := range in.Env {
		value, set := os.LookupEnv(name)
		if set != recorded.Set || value != recorded.Value {
			return false
		}
	}

	return true
}

// replay logs the recorded messages again so that a cached run reports the same warnings.
func (in ScriptInputs) replay(ctx context.Context) {
	logger := log(ctx)
	for _, msg := range in.Messages {
		level, err := zerolog.ParseLevel(msg.Level)
		if err != nil {
			level = zerolog.InfoLevel
		}
		logger.WithLevel(level).Msg(msg.Text)
	}
}
