// Package deps downloads and unpacks the pinned tools listed in DEPS.yml.
package deps

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/schollz/progressbar/v3"
	"gopkg.in/yaml.v3"
)

// Spec describes a single dependency.
type Spec struct {
	// Condition is a comma separated list of variables which all have to be set.
	Condition string `yaml:"if,omitempty"`
	// Rejections is a comma separated list of variables which all have to be unset.
	Rejections string `yaml:"ifNot,omitempty"`
	URL        string
	Dest       string
	Sha256     string
	Strip      int
	MarkExec   []string `yaml:"markExec,omitempty"`
}

// Config is the content of DEPS.yml.
type Config struct {
	Vars map[string]string
	Deps map[string]Spec
}

// Stamps maps dependency names to the URL and checksum they were last extracted from.
type Stamps map[string]string

// LoadConfig parses path and also returns its raw content for checksum updates.
func LoadConfig(path string) (*Config, []byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "could not open file %s", path)
	}

	cfg := &Config{}
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	if cfg.Vars == nil {
		cfg.Vars = map[string]string{}
	}

	return cfg, data, nil
}

// LoadStamps reads the stamps file. A missing file yields empty stamps.
func LoadStamps(path string) (Stamps, error) {
	stamps := Stamps{}
	data, err := os.ReadFile(path)
	if err != nil {
		if eris.Is(err, os.ErrNotExist) {
			return stamps, nil
		}
		return nil, eris.Wrapf(err, "failed to read stamps file %s", path)
	}

	err = json.Unmarshal(data, &stamps)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse JSON file %s", path)
	}
	return stamps, nil
}

// Save writes the stamps to path.
func (s Stamps) Save(path string) error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return eris.Wrap(err, "failed to encode stamps")
	}

	err = os.WriteFile(path, data, 0o660)
	if err != nil {
		return eris.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

// Variables returns the config's variables plus the current OS, architecture and "ci" (if CI=true).
func (c *Config) Variables() map[string]string {
	vars := make(map[string]string, len(c.Vars)+3)
	for k, v := range c.Vars {
		vars[k] = v
	}

	vars[runtime.GOARCH] = "true"
	vars[runtime.GOOS] = "true"
	if os.Getenv("CI") == "true" {
		vars["ci"] = "true"
	}
	return vars
}

var varMatcher = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// Resolve replaces {VAR} placeholders in the URL and reports whether the dependency applies.
func (s Spec) Resolve(vars map[string]string) (Spec, bool) {
	s.URL = varMatcher.ReplaceAllStringFunc(s.URL, func(placeholder string) string {
		return vars[placeholder[1:len(placeholder)-1]]
	})

	for _, condition := range strings.Split(s.Condition, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] == "" {
			return s, false
		}
	}

	for _, condition := range strings.Split(s.Rejections, ",") {
		condition = strings.TrimSpace(condition)
		if condition == "" {
			continue
		}

		if vars[condition] != "" {
			return s, false
		}
	}
	return s, true
}

// Fetcher downloads and extracts dependencies.
type Fetcher struct {
	ProjectRoot string
	ConfigFile  string
	StampFile   string
	// Update rewrites mismatched checksums in the config instead of failing.
	Update bool
	// Progress receives progress bars. Nil hides them.
	Progress io.Writer
	Client   *http.Client
}

func (f *Fetcher) progressBar(length int64, desc string) *progressbar.ProgressBar {
	if f.Progress == nil || os.Getenv("CI") == "true" {
		return progressbar.NewOptions64(length, progressbar.OptionSetVisibility(false))
	}

	return progressbar.NewOptions64(length,
		progressbar.OptionSetDescription(desc),
		progressbar.OptionSetWriter(f.Progress),
		progressbar.OptionShowBytes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionOnCompletion(func() {
			_, _ = io.WriteString(f.Progress, "\n")
		}),
	)
}

func (f *Fetcher) resolve(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(f.ProjectRoot, path)
}

// Fetch processes every applicable dependency whose stamp is outdated or whose destination is missing.
// The stamps are saved even if a dependency fails.
func (f *Fetcher) Fetch(ctx context.Context) error {
	logger := zerolog.Ctx(ctx)
	configPath := f.resolve(f.ConfigFile)
	stampPath := f.resolve(f.StampFile)

	cfg, cfgData, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	stamps, err := LoadStamps(stampPath)
	if err != nil {
		return err
	}

	changes, err := f.fetchAll(ctx, cfg, stamps)
	if sErr := stamps.Save(stampPath); sErr != nil {
		logger.Error().Err(sErr).Msg("failed to save stamps")
	}
	if err != nil {
		return err
	}

	if f.Update && len(changes) > 0 {
		logger.Info().Str("path", configPath).Msgf("updating %d checksums", len(changes))
		updated, err := UpdateChecksums(cfgData, changes)
		if err != nil {
			return err
		}

		err = os.WriteFile(configPath, updated, 0o660)
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", configPath)
		}
	}

	return nil
}

func (f *Fetcher) fetchAll(ctx context.Context, cfg *Config, stamps Stamps) (map[string]string, error) {
	logger := zerolog.Ctx(ctx)
	client := f.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}

	vars := cfg.Variables()
	changes := map[string]string{}

	names := make([]string, 0, len(cfg.Deps))
	for name := range cfg.Deps {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		// placeholders have to be resolved even for skipped deps when updating
		meta, applies := cfg.Deps[name].Resolve(vars)
		if !applies && !f.Update {
			continue
		}

		destPath := f.resolve(meta.Dest)
		destInfo, err := os.Stat(destPath)
		destExists := err == nil

		stampToken := meta.URL + "#" + meta.Sha256
		if stamps[name] == stampToken && destExists {
			logger.Debug().Msgf("%s is up to date", name)
			continue
		}

		if meta.Sha256 == "" && !f.Update {
			return changes, eris.Errorf("dependency %s doesn't have a checksum", name)
		}

		logger.Info().Str("dep", name).Msg(meta.URL)
		archive, digest, err := f.download(ctx, client, meta.URL)
		if err != nil {
			return changes, err
		}

		if digest != meta.Sha256 {
			if !f.Update {
				archive.cleanup()
				return changes, eris.Errorf("checksum check failed for %s: expected %s but got %s", name, meta.Sha256, digest)
			}

			logger.Info().Str("dep", name).Msg("updating checksum")
			changes[name] = digest
			meta.Sha256 = digest
			stampToken = meta.URL + "#" + digest
		}

		if !applies {
			archive.cleanup()
			continue
		}

		if destExists {
			logger.Info().Str("path", destPath).Msgf("removing %s", destPath)
			if destInfo.IsDir() {
				err = os.RemoveAll(destPath)
			} else {
				err = os.Remove(destPath)
			}
			if err != nil {
				archive.cleanup()
				return changes, eris.Wrapf(err, "failed to remove %s", destPath)
			}
		}

		err = f.extract(archive, destPath, meta)
		archive.cleanup()
		if err != nil {
			return changes, eris.Wrapf(err, "failed to extract %s", name)
		}

		err = markExecutable(destPath, meta.MarkExec)
		if err != nil {
			return changes, err
		}

		stamps[name] = stampToken
	}

	return changes, nil
}

type downloadedFile struct {
	*os.File
	size int64
}

func (d *downloadedFile) cleanup() {
	d.Close()
	os.Remove(d.Name())
}

// download stores url in a temporary file and returns it together with its SHA-256 digest.
func (f *Fetcher) download(ctx context.Context, client *http.Client, url string) (*downloadedFile, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", eris.Wrapf(err, "invalid URL %s", url)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, "", eris.Wrapf(err, "failed to start download for %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", eris.Errorf("failed to download %s: %s", url, resp.Status)
	}

	handle, err := os.CreateTemp("", "deps_dl_*.tmp")
	if err != nil {
		return nil, "", eris.Wrap(err, "failed to create a temporary file")
	}
	archive := &downloadedFile{File: handle}

	hash := sha256.New()
	bar := f.progressBar(resp.ContentLength, "     download")
	archive.size, err = io.Copy(io.MultiWriter(handle, hash, bar), resp.Body)
	if err != nil {
		archive.cleanup()
		return nil, "", eris.Wrapf(err, "failed during download of %s", url)
	}
	_ = bar.Finish()

	_, err = handle.Seek(0, io.SeekStart)
	if err != nil {
		archive.cleanup()
		return nil, "", eris.Wrap(err, "failed to rewind download")
	}

	return archive, hex.EncodeToString(hash.Sum(nil)), nil
}

func (f *Fetcher) extract(archive *downloadedFile, destPath string, meta Spec) error {
	extractor, err := getExtractor(meta.URL)
	if err != nil {
		return err
	}

	bar := f.progressBar(archive.size, "      extract")
	err = extractor(archive.File, archive.size, bar, destPath, meta.Strip)
	_ = bar.Finish()
	return err
}

// markExecutable fixes the permissions of binaries from archives that don't carry them (.zip).
func markExecutable(destPath string, binaries []string) error {
	if runtime.GOOS == "windows" {
		return nil
	}

	for _, binPath := range binaries {
		binPath = filepath.Join(destPath, binPath)
		fi, err := os.Stat(binPath)
		if err != nil {
			return eris.Wrapf(err, "failed to read permissions for %s", binPath)
		}

		err = os.Chmod(binPath, fi.Mode()|0o700)
		if err != nil {
			return eris.Wrapf(err, "failed to mark %s as executable", binPath)
		}
	}
	return nil
}
