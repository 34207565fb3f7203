package buildsys

import (
	"context"
	"encoding/gob"
	"os"
	"reflect"
	"time"

	"github.com/rotisserie/eris"
)

func init() {
	gob.Register(TaskList{})
	gob.Register(Task{})
	gob.Register(TaskCmdScript{})
	gob.Register(TaskCmdTaskRef{})
}

// CacheKey identifies the script run a cache was written for.
type CacheKey struct {
	ScriptModTime time.Time
	Options       map[string]string
	// Inputs is only filled in for stored keys.
	Inputs ScriptInputs
}

// matches compares a stored key with the key of the current run.
func (k CacheKey) matches(other CacheKey) bool {
	if !k.ScriptModTime.Equal(other.ScriptModTime) {
		return false
	}

	if !k.Inputs.Unchanged() {
		return false
	}

	if len(k.Options) == 0 && len(other.Options) == 0 {
		return true
	}
	return reflect.DeepEqual(k.Options, other.Options)
}

func WriteCache(file string, key CacheKey, list TaskList, scriptOptions map[string]ScriptOption) error {
	handle, err := os.Create(file)
	if err != nil {
		return eris.Wrapf(err, "failed to create cache %s", file)
	}
	defer handle.Close()

	encoder := gob.NewEncoder(handle)
	err = encoder.Encode(key)
	if err != nil {
		return eris.Wrap(err, "failed to encode cache key")
	}

	err = encoder.Encode(scriptOptions)
	if err != nil {
		return eris.Wrap(err, "failed to encode options")
	}

	err = encoder.Encode(list)
	if err != nil {
		return eris.Wrap(err, "failed to encode tasks")
	}

	return nil
}

func ReadCache(file string) (CacheKey, TaskList, map[string]ScriptOption, error) {
	var key CacheKey

	handle, err := os.Open(file)
	if err != nil {
		return key, nil, nil, eris.Wrapf(err, "failed to open cache %s", file)
	}
	defer handle.Close()

	decoder := gob.NewDecoder(handle)
	err = decoder.Decode(&key)
	if err != nil {
		return key, nil, nil, eris.Wrap(err, "failed to decode cache key")
	}

	var scriptOptions map[string]ScriptOption
	err = decoder.Decode(&scriptOptions)
	if err != nil {
		return key, nil, nil, eris.Wrap(err, "failed to decode options")
	}

	var result TaskList
	err = decoder.Decode(&result)
	if err != nil {
		return key, nil, scriptOptions, eris.Wrap(err, "failed to decode tasks")
	}

	return key, result, scriptOptions, nil
}

// LoadOptions configures LoadTasks.
type LoadOptions struct {
	Script      string
	ProjectRoot string
	Options     map[string]string
	// CacheFile is optional. If set, the parsed tasks are reused as long as the script, the options
	// and the files and environment variables the script looked at don't change.
	CacheFile string
	// ReadOnly uses an existing cache but never writes one.
	ReadOnly bool
}

// LoadTasks runs the task script (or reads the cache) and returns the declared tasks.
func LoadTasks(ctx context.Context, opts LoadOptions) (TaskList, map[string]ScriptOption, error) {
	info, err := os.Stat(opts.Script)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to check task script %s", opts.Script)
	}

	key := CacheKey{
		ScriptModTime: info.ModTime(),
		Options:       opts.Options,
	}

	if opts.CacheFile != "" {
		cachedKey, tasks, scriptOptions, err := ReadCache(opts.CacheFile)
		if err == nil && cachedKey.matches(key) {
			log(ctx).Debug().Str("path", opts.CacheFile).Msg("using cached tasks")
			cachedKey.Inputs.replay(ctx)
			return tasks, scriptOptions, nil
		}

		if err != nil && !eris.Is(err, os.ErrNotExist) {
			log(ctx).Debug().Err(err).Msg("ignoring unreadable task cache")
		}
	}

	tasks, scriptOptions, inputs, err := runScript(ctx, opts.Script, opts.ProjectRoot, opts.Options, true)
	if err != nil {
		return nil, nil, err
	}

	if opts.CacheFile != "" && !opts.ReadOnly && !inputs.Volatile {
		key.Inputs = *inputs
		err = WriteCache(opts.CacheFile, key, tasks, scriptOptions)
		if err != nil {
			log(ctx).Warn().Err(err).Msg("failed to write task cache")
		}
	}

	return tasks, scriptOptions, nil
}
