// Package posix contains cross-platform implementations of the few POSIX file commands the task
// scripts rely on. They behave the same on every OS, which the system versions do not.
package posix

import (
	"os"
	"path/filepath"
	"runtime"

	"github.com/rotisserie/eris"
)

// expand resolves glob patterns on Windows since cmd.exe doesn't do it for us. Patterns without
// matches are an error unless allowEmpty is set. Relative paths are resolved against dir.
func expand(dir string, args []string, allowEmpty bool) ([]string, error) {
	items := make([]string, 0, len(args))
	for _, arg := range args {
		if !filepath.IsAbs(arg) && dir != "" {
			arg = filepath.Join(dir, arg)
		}

		if runtime.GOOS != "windows" {
			items = append(items, arg)
			continue
		}

		matches, err := filepath.Glob(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to resolve pattern %s", arg)
		}

		if matches == nil {
			if allowEmpty {
				continue
			}
			return nil, eris.Errorf("pattern %s produced no matches", arg)
		}

		items = append(items, matches...)
	}

	return items, nil
}

// Remove deletes the passed paths. Directories are only removed if recursive is set. With force,
// missing paths are skipped silently.
func Remove(dir string, args []string, recursive, force bool) error {
	items, err := expand(dir, args, force)
	if err != nil {
		return err
	}

	existing := make([]string, 0, len(items))
	for _, item := range items {
		info, err := os.Lstat(item)
		if err != nil {
			if force && eris.Is(err, os.ErrNotExist) {
				continue
			}
			return eris.Wrapf(err, "could not stat %s", item)
		}

		if info.IsDir() && !recursive {
			return eris.Errorf("%s is a directory but -r wasn't passed", item)
		}
		existing = append(existing, item)
	}

	for _, item := range existing {
		err := os.RemoveAll(item)
		if err != nil && (!force || !eris.Is(err, os.ErrNotExist)) {
			return eris.Wrapf(err, "could not delete %s", item)
		}
	}

	return nil
}

// Move moves sources into dest. If more than one source is passed, dest has to be an existing
// directory.
func Move(dir string, args []string) error {
	if len(args) < 2 {
		return eris.New("not enough parameters")
	}

	dest := filepath.Clean(args[len(args)-1])
	if !filepath.IsAbs(dest) && dir != "" {
		dest = filepath.Join(dir, dest)
	}

	destParent := filepath.Dir(dest)
	info, err := os.Stat(destParent)
	if err != nil {
		return eris.Wrapf(err, "could not find destination directory %s", destParent)
	}

	if !info.IsDir() {
		return eris.Errorf("%s is not a directory", destParent)
	}

	destIsDir := false
	info, err = os.Stat(dest)
	if err != nil && !eris.Is(err, os.ErrNotExist) {
		return eris.Wrapf(err, "failed to retrieve info about destination %s", dest)
	}
	if err == nil {
		destIsDir = info.IsDir()
	}

	items, err := expand(dir, args[:len(args)-1], false)
	if err != nil {
		return err
	}

	if len(items) > 1 && !destIsDir {
		return eris.Errorf("can't move multiple items to %s because it is not a directory", dest)
	}

	for _, item := range items {
		itemDest := dest
		if destIsDir {
			itemDest = filepath.Join(dest, filepath.Base(item))
		}

		err = os.Rename(item, itemDest)
		if err != nil {
			return eris.Wrapf(err, "failed to move %s to %s", item, itemDest)
		}
	}

	return nil
}

// Mkdir creates the passed directories. With parents, missing parents are created and existing
// directories are not an error.
func Mkdir(dir string, args []string, parents bool) error {
	for _, item := range args {
		if !filepath.IsAbs(item) && dir != "" {
			item = filepath.Join(dir, item)
		}

		var err error
		if parents {
			err = os.MkdirAll(item, 0o770)
		} else {
			err = os.Mkdir(item, 0o770)
		}

		if err != nil {
			return eris.Wrapf(err, "failed to create %s", item)
		}
	}

	return nil
}
