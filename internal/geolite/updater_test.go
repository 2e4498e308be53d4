package geolite

import (
	"archive/tar"
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func archive(t *testing.T, name string, content []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name:     "GeoLite2-Country_20250501/" + name,
		Mode:     0o644,
		Size:     int64(len(content)),
		Typeflag: tar.TypeReg,
	}))
	_, err := tw.Write(content)
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

func TestUpdateWritesCountryDatabaseAndReloads(t *testing.T) {
	payload := archive(t, countryFileName, []byte("mmdb-bytes"))
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "geo", "country.mmdb")
	reloads := 0
	u := NewUpdater(
		WithBaseURL(srv.URL),
		WithLicenseKey("secret"),
		WithDestination(dest),
		WithReload(func() error { reloads++; return nil }),
	)

	require.NoError(t, u.Update(context.Background()))
	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "mmdb-bytes", string(data))
	assert.Equal(t, 1, reloads)
	assert.Contains(t, gotQuery, "edition_id=GeoLite2-Country")
	assert.Contains(t, gotQuery, "license_key=secret")
}

func TestUpdateMissingFileInArchive(t *testing.T) {
	payload := archive(t, "README.txt", []byte("nothing here"))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "country.mmdb")
	u := NewUpdater(WithBaseURL(srv.URL), WithLicenseKey("k"), WithDestination(dest), WithReload(nil))

	err := u.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mmdb file not found")
	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestUpdateRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid license key", http.StatusUnauthorized)
	}))
	defer srv.Close()

	u := NewUpdater(WithBaseURL(srv.URL), WithLicenseKey("k"), WithDestination(filepath.Join(t.TempDir(), "c.mmdb")))
	err := u.Update(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status 401")
}

func TestUpdateRequiresConfiguration(t *testing.T) {
	u := NewUpdater(WithLicenseKey(""), WithDestination("x.mmdb"))
	assert.False(t, u.Enabled())
	assert.ErrorIs(t, u.Update(context.Background()), ErrNoLicenseKey)

	u = NewUpdater(WithLicenseKey("k"), WithDestination(""))
	assert.ErrorIs(t, u.Update(context.Background()), ErrNoDestination)
}
