package security

import (
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/oschwald/geoip2-golang"
)

// DownloadMMDB downloads a GeoIP MMDB file from url and writes it to
// destPath. If the downloaded content is gzip-compressed (URL ends with
// .gz) it is decompressed on the fly. Returns the final path written.
func DownloadMMDB(ctx context.Context, url, destPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("failed to download, status: %d", resp.StatusCode)
	}

	tmpDir := filepath.Dir(destPath)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return "", err
	}

	tmpFile, err := os.CreateTemp(tmpDir, "geoip-*.tmp")
	if err != nil {
		return "", err
	}
	renamed := false
	defer func() {
		_ = tmpFile.Close()
		if !renamed {
			_ = os.Remove(tmpFile.Name())
		}
	}()

	if filepath.Ext(url) == ".gz" {
		gzReader, err := gzip.NewReader(resp.Body)
		if err != nil {
			return "", err
		}
		defer gzReader.Close()
		if _, err := io.Copy(tmpFile, gzReader); err != nil {
			return "", err
		}
	} else {
		if _, err := io.Copy(tmpFile, resp.Body); err != nil {
			return "", err
		}
	}

	if err := tmpFile.Sync(); err != nil {
		return "", err
	}
	if err := tmpFile.Close(); err != nil {
		return "", err
	}

	if err := os.Rename(tmpFile.Name(), destPath); err != nil {
		return "", err
	}
	renamed = true
	return destPath, nil
}

// ValidateMMDB attempts to open the MMDB file to ensure it's a valid DB.
func ValidateMMDB(path string) error {
	r, err := geoip2.Open(path)
	if err != nil {
		return err
	}
	_ = r.Close()
	return nil
}
