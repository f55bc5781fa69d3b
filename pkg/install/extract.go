package install

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// Archive formats.
const (
	FormatZip   = "zip"
	FormatTar   = "tar"
	FormatTarGz = "tar.gz"
)

// DetectFormat returns the archive format declared for a module, falling
// back to the extension of its source.
func DetectFormat(declared, source string) (string, error) {
	switch strings.ToLower(declared) {
	case "zip":
		return FormatZip, nil
	case "tar":
		return FormatTar, nil
	case "tar.gz", "tgz":
		return FormatTarGz, nil
	case "":
	default:
		return "", fmt.Errorf("unsupported archive format %q", declared)
	}

	name := strings.ToLower(source)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	switch {
	case strings.HasSuffix(name, ".zip"):
		return FormatZip, nil
	case strings.HasSuffix(name, ".tar.gz"), strings.HasSuffix(name, ".tgz"):
		return FormatTarGz, nil
	case strings.HasSuffix(name, ".tar"):
		return FormatTar, nil
	default:
		return "", fmt.Errorf("cannot infer archive format from %q", path.Base(name))
	}
}

// Extract unpacks archivePath into dest, which is created if needed.
func Extract(archivePath, dest, format string) error {
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	switch format {
	case FormatZip:
		return unzip(archivePath, dest)
	case FormatTar, FormatTarGz:
		return untar(archivePath, dest, format == FormatTarGz)
	default:
		return fmt.Errorf("unsupported archive format %q", format)
	}
}

// safeJoin joins name onto dest and rejects entries that escape dest.
func safeJoin(dest, name string) (string, error) {
	target := filepath.Join(dest, filepath.FromSlash(name))
	if target != filepath.Clean(dest) && !strings.HasPrefix(target, filepath.Clean(dest)+string(os.PathSeparator)) {
		return "", fmt.Errorf("illegal file path in archive: %s", name)
	}
	return target, nil
}

func unzip(src, dest string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	extractAndWriteFile := func(f *zip.File) error {
		target, err := safeJoin(dest, f.Name)
		if err != nil {
			return err
		}

		if f.FileInfo().IsDir() {
			return os.MkdirAll(target, 0o755)
		}

		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}

		rc, err := f.Open()
		if err != nil {
			return err
		}
		defer rc.Close()

		return writeFile(target, rc, f.Mode().Perm())
	}

	for _, f := range r.File {
		if err := extractAndWriteFile(f); err != nil {
			return err
		}
	}

	return nil
}

func untar(src, dest string, gzipped bool) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	var r io.Reader = f
	if gzipped {
		gz, err := gzip.NewReader(f)
		if err != nil {
			return err
		}
		defer gz.Close()
		r = gz
	}

	tr := tar.NewReader(r)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		target, err := safeJoin(dest, hdr.Name)
		if err != nil {
			return err
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := writeFile(target, tr, os.FileMode(hdr.Mode).Perm()); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if filepath.IsAbs(hdr.Linkname) {
				return fmt.Errorf("illegal symlink target in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if _, err := safeJoin(dest, path.Join(path.Dir(hdr.Name), hdr.Linkname)); err != nil {
				return fmt.Errorf("illegal symlink target in archive: %s -> %s", hdr.Name, hdr.Linkname)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := os.Symlink(hdr.Linkname, target); err != nil {
				return err
			}
		default:
			// Devices, fifos and hard links have no place in a module payload.
		}
	}
}

func writeFile(target string, r io.Reader, mode os.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
