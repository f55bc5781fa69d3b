package install

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/openfroyo/modrunner/pkg/transports/ssh"
)

// ProgressFunc receives bytes fetched so far and the total size, or -1 when
// the size is unknown.
type ProgressFunc func(written, total int64)

// Fetcher copies a package blob from a source URL into dst.
type Fetcher interface {
	Fetch(ctx context.Context, src *url.URL, dst io.Writer, progress ProgressFunc) (int64, error)
}

// Fetchers dispatches sources to fetchers by URL scheme. The empty scheme is
// used for plain filesystem paths.
type Fetchers map[string]Fetcher

// DefaultFetchers returns fetchers for http, https, file and plain paths.
func DefaultFetchers(client *http.Client) Fetchers {
	h := &HTTPFetcher{Client: client}
	f := &FileFetcher{}
	return Fetchers{
		"http":  h,
		"https": h,
		"file":  f,
		"":      f,
	}
}

// For parses source and returns the fetcher registered for its scheme.
func (fs Fetchers) For(source string) (Fetcher, *url.URL, error) {
	u, err := parseSource(source)
	if err != nil {
		return nil, nil, err
	}
	f, ok := fs[u.Scheme]
	if !ok {
		return nil, u, fmt.Errorf("unsupported source scheme %q", u.Scheme)
	}
	return f, u, nil
}

func parseSource(source string) (*url.URL, error) {
	if filepath.IsAbs(source) || !strings.Contains(source, "://") {
		return &url.URL{Path: source}, nil
	}
	u, err := url.Parse(source)
	if err != nil {
		return nil, fmt.Errorf("invalid source %q: %w", source, err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	return u, nil
}

// HTTPFetcher downloads packages over HTTP(S).
type HTTPFetcher struct {
	Client *http.Client
}

// Fetch implements Fetcher.
func (h *HTTPFetcher) Fetch(ctx context.Context, src *url.URL, dst io.Writer, progress ProgressFunc) (int64, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Minute}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.String(), nil)
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", "modrunner")

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, fmt.Errorf("unexpected HTTP status %s from %s", resp.Status, src.Redacted())
	}

	return ssh.CopyWithContext(ctx, dst, resp.Body, resp.ContentLength, ssh.ProgressFunc(progress))
}

// FileFetcher copies packages from the local filesystem.
type FileFetcher struct{}

// Fetch implements Fetcher.
func (FileFetcher) Fetch(ctx context.Context, src *url.URL, dst io.Writer, progress ProgressFunc) (int64, error) {
	path := src.Path
	if src.Host != "" && src.Host != "localhost" {
		return 0, fmt.Errorf("file source must be local, got host %q", src.Host)
	}

	f, err := os.Open(filepath.FromSlash(path))
	if err != nil {
		return 0, err
	}
	defer f.Close()

	total := int64(-1)
	if info, err := f.Stat(); err == nil {
		total = info.Size()
	}

	return ssh.CopyWithContext(ctx, dst, f, total, ssh.ProgressFunc(progress))
}

// SFTPFetcher downloads packages from sftp://[user[:password]@]host[:port]/path.
// Settings missing from the URL come from Base.
type SFTPFetcher struct {
	Base ssh.Config
}

// Fetch implements Fetcher.
func (s *SFTPFetcher) Fetch(ctx context.Context, src *url.URL, dst io.Writer, progress ProgressFunc) (int64, error) {
	cfg, err := s.Base.ForURL(src)
	if err != nil {
		return 0, err
	}

	client, err := ssh.Dial(ctx, cfg)
	if err != nil {
		return 0, err
	}
	defer client.Close()

	return client.Download(ctx, src.Path, dst, ssh.ProgressFunc(progress))
}
