package modifier

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/sync/singleflight"
)

const downloadTimeout = 120 * time.Second

// IsURL reports whether a string value should be treated as a downloadable
// reference. Anything with a scheme and a host qualifies.
func IsURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return u.Scheme != "" && u.Host != ""
}

// Resolver downloads workflow URLs into the backend's input directory. Files
// are content-addressed by the MD5 of the URL, so the same URL is fetched at
// most once across the life of the cache directory, and concurrent requests
// for the same URL share a single download.
type Resolver struct {
	inputDir string
	client   *http.Client
	group    singleflight.Group
}

// NewResolver returns a resolver writing into inputDir.
func NewResolver(inputDir string) *Resolver {
	return &Resolver{
		inputDir: inputDir,
		client:   &http.Client{Timeout: downloadTimeout},
	}
}

// Resolve returns the local file name for a URL, downloading it on first
// use. The returned name is relative to the input directory, which is how
// the backend addresses input files.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	sum := md5.Sum([]byte(rawURL))
	hash := hex.EncodeToString(sum[:])

	name, err, _ := r.group.Do(hash, func() (interface{}, error) {
		if existing, ok := r.cached(hash); ok {
			return existing, nil
		}
		return r.download(ctx, rawURL, hash)
	})
	if err != nil {
		return "", fmt.Errorf("resolve %s: %w", rawURL, err)
	}
	return name.(string), nil
}

// cached looks for a previously downloaded copy, extension included.
func (r *Resolver) cached(hash string) (string, bool) {
	matches, err := filepath.Glob(filepath.Join(r.inputDir, hash+"*"))
	if err != nil || len(matches) == 0 {
		return "", false
	}
	return filepath.Base(matches[0]), true
}

func (r *Resolver) download(ctx context.Context, rawURL, hash string) (string, error) {
	if err := os.MkdirAll(r.inputDir, 0o755); err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download failed with status %d", resp.StatusCode)
	}

	tmp := filepath.Join(r.inputDir, hash+".part")
	f, err := os.Create(tmp)
	if err != nil {
		return "", err
	}
	head := make([]byte, 512)
	n, _ := io.ReadFull(resp.Body, head)
	head = head[:n]
	if _, err := f.Write(head); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		os.Remove(tmp)
		return "", err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return "", err
	}

	name := hash + sniffExtension(resp.Header.Get("Content-Type"), head)
	if err := os.Rename(tmp, filepath.Join(r.inputDir, name)); err != nil {
		os.Remove(tmp)
		return "", err
	}
	return name, nil
}

// sniffExtension picks a file extension from the response content type,
// falling back to sniffing the first bytes of the body.
func sniffExtension(contentType string, head []byte) string {
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(head)
	}
	if mt, _, err := mime.ParseMediaType(contentType); err == nil {
		contentType = mt
	}
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	}
	if exts, err := mime.ExtensionsByType(contentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
