package firmware

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
)

// Cache downloads firmware artifacts once and answers from disk afterwards.
// It replaces the historical class-level "already cloned" set with an
// explicit object whose lifetime is visible: construct it once per process
// and pass it to whoever resolves specs.
type Cache struct {
	// Dir holds the downloaded artifacts, defaults to
	// ~/.cache/octoprobe/firmware.
	Dir string

	// Client is the HTTP client used for downloads, defaults to
	// http.DefaultClient.
	Client *http.Client
}

func (c *Cache) dir() (string, error) {
	if c.Dir != "" {
		return c.Dir, nil
	}
	base, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("firmware: %w", err)
	}
	return filepath.Join(base, "octoprobe", "firmware"), nil
}

// Resolve makes sure the spec's artifact exists locally, downloading it if
// needed, and fills in the spec's Path.
func (c *Cache) Resolve(spec *Spec) (string, error) {
	if spec.Path != "" {
		return spec.Filename()
	}
	if spec.URL == "" {
		return "", fmt.Errorf("firmware %s: neither filename nor url given", spec.BoardVariant)
	}

	parsed, err := url.Parse(spec.URL)
	if err != nil {
		return "", fmt.Errorf("firmware %s: %w", spec.BoardVariant, err)
	}
	dir, err := c.dir()
	if err != nil {
		return "", err
	}
	filename := filepath.Join(dir, path.Base(parsed.Path))
	if _, err := os.Stat(filename); err == nil {
		spec.Path = filename
		return filename, nil
	}

	if err := c.download(spec.URL, filename); err != nil {
		return "", fmt.Errorf("firmware %s: %s: %w", spec.BoardVariant, spec.URL, err)
	}
	spec.Path = filename
	return filename, nil
}

func (c *Cache) download(rawURL, filename string) error {
	client := c.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Get(rawURL)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %s", resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(filename), ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filename)
}
