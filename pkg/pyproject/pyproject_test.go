package pyproject

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const poetryManifest = `
[tool.poetry]
name = "second-course-in-statistical-learning"
version = "0.1.0"
packages = [{ include = "source" }]

[tool.poetry.dependencies]
python = "^3.11"
numpy = "^1.26"
playwright = "^1.40"
`

func writeManifest(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "pyproject.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadAndLookup(t *testing.T) {
	doc, err := ReadFile(writeManifest(t, poetryManifest))
	require.NoError(t, err)

	value, ok := Lookup(doc, "tool.poetry.name")
	require.True(t, ok)
	assert.Equal(t, "second-course-in-statistical-learning", value)

	value, ok = Lookup(doc, "tool.poetry.packages.0.include")
	require.True(t, ok)
	assert.Equal(t, "source", value)

	_, ok = Lookup(doc, "tool.poetry.packages.3.include")
	assert.False(t, ok)

	_, ok = Lookup(doc, "tool.poetry.name.more")
	assert.False(t, ok)

	assert.Equal(t, "^3.11", PythonConstraint(doc))
}

func TestPythonConstraintFallback(t *testing.T) {
	doc, err := ReadFile(writeManifest(t, "[project]\nname = \"x\"\nrequires-python = \">=3.9\"\n"))
	require.NoError(t, err)

	assert.Equal(t, ">=3.9", PythonConstraint(doc))
	assert.Equal(t, "", PythonConstraint(map[string]interface{}{}))
}

func TestReadFileErrors(t *testing.T) {
	_, err := ReadFile(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = ReadFile(writeManifest(t, "[tool.poetry\n"))
	assert.Error(t, err)
}

func TestSatisfiesPython(t *testing.T) {
	cases := []struct {
		version    string
		constraint string
		want       bool
	}{
		{"3.11", "^3.11", true},
		{"3.12", "^3.11", true},
		{"3.10", "^3.11", false},
		{"3.11.4", ">=3.9,<3.13", true},
		{"3.13", ">=3.9,<3.13", false},
		{"3.11.2", "3.11.*", true},
		{"3.12.0", "~=3.11", true},
		{"3.12.0", "~=3.11.2", false},
		{"3.11.7", "~=3.11.2", true},
		{"python3.11", "==3.11", true},
	}

	for _, tc := range cases {
		got, err := SatisfiesPython(tc.version, tc.constraint)
		require.NoError(t, err, "%s %s", tc.version, tc.constraint)
		assert.Equal(t, tc.want, got, "%s %s", tc.version, tc.constraint)
	}

	_, err := SatisfiesPython("three", "^3.11")
	assert.Error(t, err)

	_, err = SatisfiesPython("3.11", "!!")
	assert.Error(t, err)
}
