// Package pyproject reads the Python dependency manifest (pyproject.toml) and checks interpreter
// versions against its constraints.
package pyproject

import (
	"os"
	"reflect"
	"regexp"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/Masterminds/semver/v3"
	"github.com/rotisserie/eris"
)

// ReadFile decodes a TOML document into generic maps.
func ReadFile(path string) (map[string]interface{}, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to open file %s", path)
	}

	doc := make(map[string]interface{})
	err = toml.Unmarshal(content, &doc)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse file %s", path)
	}

	return doc, nil
}

// Lookup walks a dotted key ("tool.poetry.name", "packages.0.include") through maps and slices. The
// second return value is false if any part of the key is missing.
func Lookup(doc interface{}, key string) (interface{}, bool) {
	value := reflect.ValueOf(doc)
	for _, part := range strings.Split(key, ".") {
		for value.Kind() == reflect.Interface {
			value = value.Elem()
		}

		switch value.Kind() {
		case reflect.Map:
			value = value.MapIndex(reflect.ValueOf(part))
			if !value.IsValid() {
				return nil, false
			}
		case reflect.Slice:
			idx, err := strconv.Atoi(part)
			if err != nil || idx < 0 || idx >= value.Len() {
				return nil, false
			}
			value = value.Index(idx)
		default:
			return nil, false
		}
	}

	if !value.IsValid() || !value.CanInterface() {
		return nil, false
	}

	result := value.Interface()
	if result == nil {
		return nil, false
	}
	return result, true
}

// PythonConstraint returns the interpreter constraint declared by the manifest. Poetry's
// tool.poetry.dependencies.python wins over PEP 621's project.requires-python.
func PythonConstraint(doc map[string]interface{}) string {
	for _, key := range []string{"tool.poetry.dependencies.python", "project.requires-python"} {
		value, ok := Lookup(doc, key)
		if !ok {
			continue
		}

		if str, ok := value.(string); ok && str != "" {
			return str
		}
	}

	return ""
}

var compatibleRelease = regexp.MustCompile(`~=\s*([0-9]+(\.[0-9]+)*)`)

// normalizeConstraint translates PEP 440 operators that semver doesn't know. "~=3.11" allows any 3.x
// release from 3.11 on while "~=3.11.2" stays within 3.11.
func normalizeConstraint(constraint string) string {
	constraint = compatibleRelease.ReplaceAllStringFunc(constraint, func(match string) string {
		version := strings.TrimSpace(strings.TrimPrefix(match, "~="))
		if strings.Count(version, ".") < 2 {
			return "^" + version
		}
		return "~" + version
	})
	constraint = strings.ReplaceAll(constraint, "==", "=")
	return strings.TrimSpace(constraint)
}

// SatisfiesPython reports whether version (e.g. "3.11" or "3.11.4") satisfies constraint.
func SatisfiesPython(version, constraint string) (bool, error) {
	v, err := semver.NewVersion(strings.TrimPrefix(strings.TrimSpace(version), "python"))
	if err != nil {
		return false, eris.Wrapf(err, "invalid python version %s", version)
	}

	c, err := semver.NewConstraint(normalizeConstraint(constraint))
	if err != nil {
		return false, eris.Wrapf(err, "invalid python constraint %s", constraint)
	}

	return c.Check(v), nil
}
