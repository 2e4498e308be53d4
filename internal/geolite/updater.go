package geolite

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/klauspost/compress/gzip"
	"golang.org/x/sync/singleflight"

	"reachwatch/internal/database"
	"reachwatch/internal/support"
)

const (
	maxMindDownloadURL = "https://download.maxmind.com/app/geoip_download"
	userAgent          = "reachwatch-geolite-updater/1.0"
	countryEdition     = "GeoLite2-Country"
	countryFileName    = "GeoLite2-Country.mmdb"
)

// ErrNoLicenseKey indicates that MAXMIND_LICENSE_KEY is not configured.
var ErrNoLicenseKey = errors.New("geolite: license key is not configured")

// ErrNoDestination indicates that GEOLITE_COUNTRY_DB is not configured.
var ErrNoDestination = errors.New("geolite: country database path is not configured")

type Updater struct {
	client     *http.Client
	baseURL    string
	licenseKey string
	destPath   string
	reload     func() error

	group singleflight.Group
}

type Option func(*Updater)

func WithHTTPClient(client *http.Client) Option {
	return func(u *Updater) {
		u.client = client
	}
}

func WithBaseURL(url string) Option {
	return func(u *Updater) {
		u.baseURL = url
	}
}

func WithLicenseKey(key string) Option {
	return func(u *Updater) {
		u.licenseKey = key
	}
}

func WithDestination(path string) Option {
	return func(u *Updater) {
		u.destPath = path
	}
}

// WithReload replaces the hook that reopens the country database after a
// download.
func WithReload(fn func() error) Option {
	return func(u *Updater) {
		u.reload = fn
	}
}

func NewUpdater(opts ...Option) *Updater {
	u := &Updater{
		client:     &http.Client{Timeout: 2 * time.Minute},
		baseURL:    maxMindDownloadURL,
		licenseKey: strings.TrimSpace(support.GetEnv("MAXMIND_LICENSE_KEY", "")),
		destPath:   strings.TrimSpace(support.GetEnv("GEOLITE_COUNTRY_DB", "")),
		reload:     database.ReloadCountryDB,
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

// Enabled reports whether both a license key and a destination are set.
func (u *Updater) Enabled() bool {
	return u.licenseKey != "" && u.destPath != ""
}

// Update downloads the country dataset and swaps it in. Concurrent calls share
// one download.
func (u *Updater) Update(ctx context.Context) error {
	_, err, _ := u.group.Do("update", func() (interface{}, error) {
		if u.licenseKey == "" {
			return nil, ErrNoLicenseKey
		}
		if u.destPath == "" {
			return nil, ErrNoDestination
		}

		if err := u.download(ctx); err != nil {
			return nil, err
		}
		if u.reload != nil {
			if err := u.reload(); err != nil {
				return nil, fmt.Errorf("reload geolite: %w", err)
			}
		}
		log.Info("GeoLite country database updated", "path", u.destPath)
		return nil, nil
	})
	return err
}

func (u *Updater) download(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.downloadURL(), nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("download %s: %w", countryEdition, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("download %s: unexpected status %d: %s", countryEdition, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	gzipReader, err := gzip.NewReader(resp.Body)
	if err != nil {
		return fmt.Errorf("%s: open gzip: %w", countryEdition, err)
	}
	defer gzipReader.Close()

	tarReader := tar.NewReader(gzipReader)
	for {
		header, err := tarReader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%s: read tar: %w", countryEdition, err)
		}
		if header.Typeflag != tar.TypeReg || filepath.Base(header.Name) != countryFileName {
			continue
		}

		if err := writeToFile(u.destPath, tarReader); err != nil {
			return fmt.Errorf("%s: write file: %w", countryEdition, err)
		}
		return nil
	}

	return fmt.Errorf("%s: mmdb file not found in archive", countryEdition)
}

func (u *Updater) downloadURL() string {
	return fmt.Sprintf("%s?edition_id=%s&license_key=%s&suffix=tar.gz", u.baseURL, countryEdition, u.licenseKey)
}

// writeToFile replaces destPath atomically so readers never see a partial file.
func writeToFile(destPath string, data io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return fmt.Errorf("create dir: %w", err)
	}

	tmpFile, err := os.CreateTemp(filepath.Dir(destPath), "geolite-*.mmdb")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmpFile.Name())
	}()

	if _, err := io.Copy(tmpFile, data); err != nil {
		tmpFile.Close()
		return fmt.Errorf("copy data: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return fmt.Errorf("replace file: %w", err)
	}
	return nil
}
