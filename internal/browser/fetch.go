package browser

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pkeller/steersman/internal/event"
)

const snapshotBase = "https://storage.googleapis.com/chromium-browser-snapshots"

// snapshotPlatform returns the snapshot directory name, archive name and the
// binary path inside the archive for the current OS.
func snapshotPlatform() (platform, archive, binary string, err error) {
	switch runtime.GOOS {
	case "linux":
		return "Linux_x64", "chrome-linux.zip", "chrome-linux/chrome", nil
	case "darwin":
		return "Mac", "chrome-mac.zip", "chrome-mac/Chromium.app/Contents/MacOS/Chromium", nil
	case "windows":
		return "Win_x64", "chrome-win.zip", "chrome-win/chrome.exe", nil
	default:
		return "", "", "", fmt.Errorf("no engine snapshot for %s", runtime.GOOS)
	}
}

// DefaultCacheDir returns the well-known directory fetched engine builds are
// cached under.
func DefaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "steersman", "engine")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".steersman", "engine")
	}
	return filepath.Join(home, ".cache", "steersman", "engine")
}

// FetchEngine downloads a browser engine build into cacheDir and returns the
// path to its binary. Repeat calls find the cached binary and skip the
// download entirely.
func FetchEngine(ctx context.Context, cacheDir string, log logrus.FieldLogger, bus *event.Bus) (string, error) {
	platform, archive, binary, err := snapshotPlatform()
	if err != nil {
		return "", err
	}
	if cacheDir == "" {
		cacheDir = DefaultCacheDir()
	}

	cached := filepath.Join(cacheDir, binary)
	if _, err := os.Stat(cached); err == nil {
		log.WithField("path", cached).Debug("using cached engine build")
		return cached, nil
	}

	bus.Emit(event.EngineFetching, map[string]interface{}{"platform": platform})
	log.WithField("platform", platform).Info("fetching engine build")

	revision, err := latestRevision(ctx, platform)
	if err != nil {
		return "", fmt.Errorf("resolving engine revision: %w", err)
	}

	archiveURL := fmt.Sprintf("%s/%s/%s/%s", snapshotBase, platform, revision, archive)
	archivePath := filepath.Join(cacheDir, archive)
	if err := downloadFile(ctx, archiveURL, archivePath); err != nil {
		return "", fmt.Errorf("downloading engine build: %w", err)
	}
	defer os.Remove(archivePath)

	if err := extractZip(archivePath, cacheDir); err != nil {
		return "", fmt.Errorf("extracting engine build: %w", err)
	}

	if _, err := os.Stat(cached); err != nil {
		return "", fmt.Errorf("engine binary missing after extraction: %w", err)
	}
	if err := os.Chmod(cached, 0755); err != nil {
		return "", fmt.Errorf("marking engine binary executable: %w", err)
	}

	log.WithField("path", cached).Info("engine build cached")
	return cached, nil
}

func latestRevision(ctx context.Context, platform string) (string, error) {
	url := fmt.Sprintf("%s/%s/LAST_CHANGE", snapshotBase, platform)
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
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}

func downloadFile(ctx context.Context, url, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(dest)
		return err
	}
	return nil
}

func extractZip(archivePath, destDir string) error {
	r, err := zip.OpenReader(archivePath)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, f := range r.File {
		// Reject entries escaping the destination.
		dest := filepath.Join(destDir, filepath.FromSlash(f.Name))
		if !strings.HasPrefix(dest, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return fmt.Errorf("archive entry escapes destination: %s", f.Name)
		}

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dest, 0755); err != nil {
				return err
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return err
		}

		src, err := f.Open()
		if err != nil {
			return err
		}
		out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode())
		if err != nil {
			src.Close()
			return err
		}
		_, err = io.Copy(out, src)
		src.Close()
		out.Close()
		if err != nil {
			return err
		}
	}
	return nil
}
