package deps

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"sync/atomic"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeTar(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func makeTarGz(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	_, err := gw.Write(makeTar(t, files))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	return buf.Bytes()
}

func makeTarBr(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	bw := brotli.NewWriter(&buf)
	_, err := bw.Write(makeTar(t, files))
	require.NoError(t, err)
	require.NoError(t, bw.Close())
	return buf.Bytes()
}

func makeZip(t *testing.T, files map[string]string) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

type archiveServer struct {
	*httptest.Server
	hits atomic.Int32
}

func serveArchives(t *testing.T, archives map[string][]byte) *archiveServer {
	t.Helper()

	srv := &archiveServer{}
	srv.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.hits.Add(1)
		data, ok := archives[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeDeps(t *testing.T, root, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(root, "DEPS.yml"), []byte(content), 0o600))
}

func newFetcher(root string) *Fetcher {
	return &Fetcher{
		ProjectRoot: root,
		ConfigFile:  "DEPS.yml",
		StampFile:   "DEPS.stamps",
	}
}

func TestFetchExtractsAndStamps(t *testing.T) {
	archive := makeTarGz(t, map[string]string{
		"tool-1.0/bin/tool":  "#!/bin/sh\n",
		"tool-1.0/README.md": "readme",
	})
	srv := serveArchives(t, map[string][]byte{"/tool.tar.gz": archive})

	root := t.TempDir()
	writeDeps(t, root, fmt.Sprintf(`
vars:
  HOST: %s
deps:
  tool:
    url: "{HOST}/tool.tar.gz"
    dest: third_party/tool
    sha256: %s
    strip: 1
`, srv.URL, digest(archive)))

	fetcher := newFetcher(root)
	require.NoError(t, fetcher.Fetch(context.Background()))

	content, err := os.ReadFile(filepath.Join(root, "third_party", "tool", "bin", "tool"))
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\n", string(content))
	assert.FileExists(t, filepath.Join(root, "third_party", "tool", "README.md"))

	stamps, err := LoadStamps(filepath.Join(root, "DEPS.stamps"))
	require.NoError(t, err)
	assert.Equal(t, srv.URL+"/tool.tar.gz#"+digest(archive), stamps["tool"])

	// unchanged dependencies aren't downloaded again
	require.NoError(t, fetcher.Fetch(context.Background()))
	assert.Equal(t, int32(1), srv.hits.Load())
}

func TestFetchRejectsChecksumMismatch(t *testing.T) {
	archive := makeTarGz(t, map[string]string{"a.txt": "a"})
	srv := serveArchives(t, map[string][]byte{"/a.tar.gz": archive})

	root := t.TempDir()
	writeDeps(t, root, fmt.Sprintf(`
deps:
  a:
    url: %s/a.tar.gz
    dest: a
    sha256: deadbeef
`, srv.URL))

	err := newFetcher(root).Fetch(context.Background())
	assert.ErrorContains(t, err, "checksum check failed")
	assert.NoDirExists(t, filepath.Join(root, "a"))
}

func TestFetchRequiresChecksum(t *testing.T) {
	root := t.TempDir()
	writeDeps(t, root, `
deps:
  a:
    url: http://127.0.0.1:1/a.tar.gz
    dest: a
`)

	err := newFetcher(root).Fetch(context.Background())
	assert.ErrorContains(t, err, "doesn't have a checksum")
}

func TestFetchUpdateRewritesChecksums(t *testing.T) {
	archive := makeZip(t, map[string]string{"bin/tool": "tool"})
	srv := serveArchives(t, map[string][]byte{"/tool.zip": archive})

	root := t.TempDir()
	writeDeps(t, root, fmt.Sprintf(`# pinned tools
deps:
  tool:
    url: %s/tool.zip
    dest: tool
    sha256: outdated # keep me
    markExec:
      - bin/tool
`, srv.URL))

	fetcher := newFetcher(root)
	fetcher.Update = true
	require.NoError(t, fetcher.Fetch(context.Background()))

	cfg, data, err := LoadConfig(filepath.Join(root, "DEPS.yml"))
	require.NoError(t, err)
	assert.Equal(t, digest(archive), cfg.Deps["tool"].Sha256)
	assert.Contains(t, string(data), "# pinned tools")
	assert.Contains(t, string(data), "# keep me")

	info, err := os.Stat(filepath.Join(root, "tool", "bin", "tool"))
	require.NoError(t, err)
	if runtime.GOOS != "windows" {
		assert.NotZero(t, info.Mode()&0o100)
	}
}

func TestFetchBrotliTarball(t *testing.T) {
	archive := makeTarBr(t, map[string]string{"pkg/data.txt": "data"})
	srv := serveArchives(t, map[string][]byte{"/pkg.tar.br": archive})

	root := t.TempDir()
	writeDeps(t, root, fmt.Sprintf(`
deps:
  pkg:
    url: %s/pkg.tar.br
    dest: out
    sha256: %s
`, srv.URL, digest(archive)))

	require.NoError(t, newFetcher(root).Fetch(context.Background()))
	assert.FileExists(t, filepath.Join(root, "out", "pkg", "data.txt"))
}

func TestResolveConditions(t *testing.T) {
	vars := map[string]string{"linux": "true", "VERSION": "1.2"}

	spec, ok := Spec{URL: "https://example.com/{VERSION}/x.zip", Condition: "linux"}.Resolve(vars)
	assert.True(t, ok)
	assert.Equal(t, "https://example.com/1.2/x.zip", spec.URL)

	_, ok = Spec{Condition: "linux, windows"}.Resolve(vars)
	assert.False(t, ok)

	_, ok = Spec{Rejections: "linux"}.Resolve(vars)
	assert.False(t, ok)

	_, ok = Spec{Rejections: "ci"}.Resolve(vars)
	assert.True(t, ok)
}

func TestEntryDest(t *testing.T) {
	dest, err := entryDest("/out", "pkg/bin/tool", 1)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/out", "bin", "tool"), dest)

	dest, err = entryDest("/out", "pkg", 1)
	require.NoError(t, err)
	assert.Empty(t, dest)

	_, err = entryDest("/out", "../../etc/passwd", 0)
	assert.Error(t, err)
}

func TestUpdateChecksums(t *testing.T) {
	input := `deps:
  quoted:
    url: https://example.com/a.zip
    sha256: "old"
  missing:
    url: https://example.com/b.zip
    dest: b
  other:
    sha256: untouched
`

	output, err := UpdateChecksums([]byte(input), map[string]string{
		"quoted":  "new1",
		"missing": "new2",
	})
	require.NoError(t, err)

	expected := `deps:
  quoted:
    url: https://example.com/a.zip
    sha256: "new1"
  missing:
    sha256: new2
    url: https://example.com/b.zip
    dest: b
  other:
    sha256: untouched
`
	assert.Equal(t, expected, string(output))

	_, err = UpdateChecksums([]byte(input), map[string]string{"unknown": "x"})
	assert.Error(t, err)
}

func TestGetExtractor(t *testing.T) {
	for _, url := range []string{"a.zip", "a.tar.gz", "a.tgz", "a.tar.bz2", "a.tar.xz", "a.tar.br", "a.zip?raw=1"} {
		_, err := getExtractor(url)
		assert.NoError(t, err, url)
	}

	_, err := getExtractor("a.rar")
	assert.Error(t, err)
}
