// Package artifact downloads runtime dependencies, such as backend plugins,
// and verifies them against their SHA-512 checksum.
package artifact

import (
	"context"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/casualjim/brook/pkg/slogx"
	"github.com/fogfish/opts"
)

var ErrCorruptArtifact = errors.New("artifact checksum mismatch")

type Dependency struct {
	Name   string
	URL    string
	SHA512 string
}

type Downloader struct {
	dir    string
	client *http.Client
	logger *slog.Logger
}

var (
	WithHTTPClient = opts.ForName[Downloader, *http.Client]("client")
	WithLogger     = opts.ForName[Downloader, *slog.Logger]("logger")
)

// NewDownloader stores artifacts in dir, creating it when needed.
func NewDownloader(dir string, options ...opts.Option[Downloader]) (*Downloader, error) {
	d := &Downloader{dir: dir, client: http.DefaultClient}
	if err := opts.Apply(d, options); err != nil {
		return nil, err
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	d.logger = d.logger.With(slogx.LoggerName("brook.artifact"))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating artifact dir: %w", err)
	}
	return d, nil
}

// FetchAll fetches every dependency and returns their local paths.
func (d *Downloader) FetchAll(ctx context.Context, deps []Dependency) ([]string, error) {
	paths := make([]string, 0, len(deps))
	for _, dep := range deps {
		p, err := d.Fetch(ctx, dep)
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// Fetch returns the local path of dep. A file already present with the
// right checksum is reused. A present file with the wrong checksum is
// deleted before downloading again, so a failed fetch never leaves a corrupt
// artifact behind. A download whose checksum does not match is deleted and
// ErrCorruptArtifact returned.
func (d *Downloader) Fetch(ctx context.Context, dep Dependency) (string, error) {
	if dep.Name == "" || strings.ContainsAny(dep.Name, `/\`) {
		return "", fmt.Errorf("invalid artifact name %q", dep.Name)
	}
	target := filepath.Join(d.dir, dep.Name)
	logger := d.logger.With(slog.String("artifact", dep.Name))

	if sum, err := fileSum(target); err == nil {
		if sameSum(sum, dep.SHA512) {
			logger.DebugContext(ctx, "artifact is up to date")
			return target, nil
		}
		logger.InfoContext(ctx, "artifact checksum changed, downloading again")
		if err := os.Remove(target); err != nil && !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("removing corrupt %s: %w", dep.Name, err)
		}
	}

	tmp, err := os.CreateTemp(d.dir, "."+dep.Name+".*")
	if err != nil {
		return "", err
	}
	defer os.Remove(tmp.Name())

	sum, err := d.download(ctx, dep.URL, tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", fmt.Errorf("downloading %s: %w", dep.Name, err)
	}
	if !sameSum(sum, dep.SHA512) {
		return "", fmt.Errorf("%w: %s: expected %s, got %s", ErrCorruptArtifact, dep.Name, dep.SHA512, sum)
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return "", err
	}
	logger.InfoContext(ctx, "artifact downloaded", slog.String("url", dep.URL))
	return target, nil
}

func (d *Downloader) download(ctx context.Context, url string, w io.Writer) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	h := sha512.New()
	if _, err := io.Copy(io.MultiWriter(w, h), resp.Body); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func fileSum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha512.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func sameSum(actual, expected string) bool {
	return strings.EqualFold(actual, strings.TrimSpace(expected))
}
