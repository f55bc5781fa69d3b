package install

import (
	"archive/tar"
	"archive/zip"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/rs/zerolog"
)

func testLogger() zerolog.Logger {
	return zerolog.New(nil).Level(zerolog.Disabled)
}

type archiveEntry struct {
	name string
	body string
	mode int64
}

// makeZip builds a zip archive; entries are written in the given order.
func makeZip(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, e := range entries {
		hdr := &zip.FileHeader{Name: e.name, Method: zip.Deflate}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr.SetMode(os.FileMode(mode))
		w, err := zw.CreateHeader(hdr)
		if err != nil {
			t.Fatalf("failed to add %s to zip: %v", e.name, err)
		}
		if _, err := w.Write([]byte(e.body)); err != nil {
			t.Fatalf("failed to write %s: %v", e.name, err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("failed to close zip: %v", err)
	}
	return buf.Bytes()
}

// makeTarGz builds a gzipped tar archive from regular files and symlinks.
// An entry whose body starts with "->" becomes a symlink to the rest.
func makeTarGz(t *testing.T, entries ...archiveEntry) []byte {
	t.Helper()

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for _, e := range entries {
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{Name: e.name, Mode: mode, Size: int64(len(e.body)), Typeflag: tar.TypeReg}
		if len(e.body) > 2 && e.body[:2] == "->" {
			hdr = &tar.Header{Name: e.name, Mode: 0o777, Typeflag: tar.TypeSymlink, Linkname: e.body[2:]}
		}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatalf("failed to write header %s: %v", e.name, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			if _, err := tw.Write([]byte(e.body)); err != nil {
				t.Fatalf("failed to write %s: %v", e.name, err)
			}
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatalf("failed to close tar: %v", err)
	}
	if err := gz.Close(); err != nil {
		t.Fatalf("failed to close gzip: %v", err)
	}
	return buf.Bytes()
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// packageServer serves package blobs by path and counts requests.
type packageServer struct {
	*httptest.Server

	mu    sync.Mutex
	blobs map[string][]byte
	hits  atomic.Int64
}

func newPackageServer(t *testing.T) *packageServer {
	t.Helper()

	ps := &packageServer{blobs: make(map[string][]byte)}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.hits.Add(1)
		ps.mu.Lock()
		blob, ok := ps.blobs[r.URL.Path]
		ps.mu.Unlock()
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(blob)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *packageServer) put(path string, blob []byte) string {
	ps.mu.Lock()
	ps.blobs[path] = blob
	ps.mu.Unlock()
	return ps.URL + path
}

func downloadableDescriptor(root, id, version, source string) *module.Descriptor {
	return &module.Descriptor{
		ID:          id,
		Version:     version,
		InstallType: module.InstallDownloadable,
		Enabled:     true,
		Command:     "bin/run",
		Source:      source,
		ModulesRoot: root,
	}
}

// dirEntries lists the names directly under dir, sorted.
func dirEntries(t *testing.T, dir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dir, "*"))
	if err != nil {
		t.Fatalf("glob failed: %v", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, filepath.Base(m))
	}
	sort.Strings(names)
	return names
}
