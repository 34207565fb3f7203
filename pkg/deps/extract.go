package deps

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/rotisserie/eris"
	"github.com/schollz/progressbar/v3"
	"github.com/ulikunitz/xz"
)

type archiveExtractor func(f *os.File, size int64, bar *progressbar.ProgressBar, destPath string, strip int) error

// entryDest strips strip leading components from item and returns its path below destPath. An empty
// result means the entry should be skipped.
func entryDest(destPath, item string, strip int) (string, error) {
	parts := strings.Split(filepath.ToSlash(filepath.Clean(item)), "/")
	if len(parts) <= strip {
		return "", nil
	}

	rel := filepath.FromSlash(strings.Join(parts[strip:], "/"))
	if rel == "." || rel == "" {
		return "", nil
	}

	dest := filepath.Join(destPath, rel)
	if dest != destPath && !strings.HasPrefix(dest, destPath+string(filepath.Separator)) {
		return "", eris.Errorf("archive entry %s points outside of %s", item, destPath)
	}
	return dest, nil
}

func createEntry(dest string, mode os.FileMode) (*os.File, error) {
	destParent := filepath.Dir(dest)
	err := os.MkdirAll(destParent, 0o770)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create directory %s", destParent)
	}

	handle, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, mode)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to create file %s", dest)
	}
	return handle, nil
}

func writeEntry(dest string, mode os.FileMode, r io.Reader) error {
	handle, err := createEntry(dest, mode)
	if err != nil {
		return err
	}
	defer handle.Close()

	_, err = io.Copy(handle, r)
	if err != nil {
		return eris.Wrapf(err, "failed to write extracted file %s", dest)
	}

	return handle.Close()
}

func getExtractor(url string) (archiveExtractor, error) {
	// query strings don't affect the format
	if pos := strings.IndexByte(url, '?'); pos > -1 {
		url = url[:pos]
	}

	switch {
	case strings.HasSuffix(url, ".zip"):
		return extractZip, nil
	case strings.HasSuffix(url, ".tar.gz"), strings.HasSuffix(url, ".tgz"):
		return tarExtractor(func(r io.Reader) (io.Reader, error) {
			return gzip.NewReader(r)
		}), nil
	case strings.HasSuffix(url, ".tar.bz2"):
		return tarExtractor(func(r io.Reader) (io.Reader, error) {
			return bzip2.NewReader(r), nil
		}), nil
	case strings.HasSuffix(url, ".tar.xz"):
		return tarExtractor(func(r io.Reader) (io.Reader, error) {
			return xz.NewReader(r)
		}), nil
	case strings.HasSuffix(url, ".tar.br"):
		return tarExtractor(func(r io.Reader) (io.Reader, error) {
			return brotli.NewReader(r), nil
		}), nil
	}

	return nil, eris.Errorf("archive format of %s not supported", url)
}

func extractZip(f *os.File, size int64, bar *progressbar.ProgressBar, destPath string, strip int) error {
	archive, err := zip.NewReader(f, size)
	if err != nil {
		return eris.Wrap(err, "failed to open zip archive")
	}

	for _, item := range archive.File {
		if strings.HasSuffix(item.Name, "/") {
			continue
		}

		dest, err := entryDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}
		if dest == "" {
			continue
		}

		itemHandle, err := item.Open()
		if err != nil {
			return eris.Wrapf(err, "failed to open archive entry %s", item.Name)
		}

		mode := item.Mode().Perm()
		if mode == 0 {
			mode = 0o660
		}

		err = writeEntry(dest, mode, itemHandle)
		itemHandle.Close()
		if err != nil {
			return err
		}

		_ = bar.Add64(int64(item.CompressedSize64))
	}

	return nil
}

func tarExtractor(decompress func(io.Reader) (io.Reader, error)) archiveExtractor {
	return func(f *os.File, size int64, bar *progressbar.ProgressBar, destPath string, strip int) error {
		progress := progressbar.NewReader(f, bar)
		reader, err := decompress(&progress)
		if err != nil {
			return eris.Wrap(err, "failed to open compressed stream")
		}

		if closer, ok := reader.(io.Closer); ok {
			defer closer.Close()
		}

		return extractTar(reader, destPath, strip)
	}
}

func extractTar(r io.Reader, destPath string, strip int) error {
	archive := tar.NewReader(r)

	for {
		item, err := archive.Next()
		if err != nil {
			if err == io.EOF {
				break
			}

			return eris.Wrap(err, "failed to read archive entry")
		}

		fi := item.FileInfo()
		if fi.IsDir() {
			continue
		}

		dest, err := entryDest(destPath, item.Name, strip)
		if err != nil {
			return err
		}
		if dest == "" {
			continue
		}

		switch item.Typeflag {
		case tar.TypeSymlink:
			err = os.MkdirAll(filepath.Dir(dest), 0o770)
			if err != nil {
				return eris.Wrapf(err, "failed to create directory for %s", dest)
			}

			err = os.Symlink(item.Linkname, dest)
			if err != nil {
				return eris.Wrapf(err, "failed to create symlink %s pointing to %s", dest, item.Linkname)
			}
		case tar.TypeReg:
			err = writeEntry(dest, fi.Mode().Perm(), archive)
			if err != nil {
				return err
			}
		}
	}

	return nil
}
