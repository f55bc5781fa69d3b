package install

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/openfroyo/modrunner/pkg/module"
	"github.com/rs/zerolog"
)

// StagingDir is the directory under a modules root that holds in-flight
// downloads.
const StagingDir = ".staging"

// Downloader fetches, verifies and unpacks module packages into their
// managed install directory.
type Downloader struct {
	resolver *Resolver
	fetchers Fetchers
	logger   zerolog.Logger
	now      func() time.Time
}

// NewDownloader creates a downloader. resolver decides whether a matching
// managed copy already exists.
func NewDownloader(resolver *Resolver, fetchers Fetchers, logger zerolog.Logger) *Downloader {
	if fetchers == nil {
		fetchers = DefaultFetchers(nil)
	}
	return &Downloader{
		resolver: resolver,
		fetchers: fetchers,
		logger:   logger.With().Str("component", "downloader").Logger(),
		now:      time.Now,
	}
}

// Install makes sure a matching copy of d is present under its managed
// install directory. A present, matching copy is returned without fetching.
func (dl *Downloader) Install(ctx context.Context, d *module.Descriptor, progress ProgressFunc) State {
	return dl.install(ctx, d, false, progress)
}

// Reinstall downloads d again even when a matching copy is present. The
// existing copy is only replaced once the new one is fully unpacked.
func (dl *Downloader) Reinstall(ctx context.Context, d *module.Descriptor, progress ProgressFunc) State {
	return dl.install(ctx, d, true, progress)
}

func (dl *Downloader) install(ctx context.Context, d *module.Descriptor, force bool, progress ProgressFunc) State {
	if d.InstallType != module.InstallDownloadable {
		if st := dl.resolver.Resolve(d); st.IsInstalled() || st.Status == StatusFailed {
			return st
		}
		return Failed(module.NewInstallError(module.CodeUnsupported, d.ID, "module is not downloadable", nil))
	}

	if !d.SupportsCurrentPlatform() {
		return dl.resolver.Resolve(d)
	}

	if !force {
		if path, ok := dl.resolver.ManagedInstall(d); ok {
			dl.logger.Debug().Str("module", d.ID).Str("path", path).Msg("Matching install present, skipping download")
			return Installed(path, d.Version)
		}
	}

	start := dl.now()
	path, err := dl.fetchAndInstall(ctx, d, progress)
	if err != nil {
		dl.logger.Error().Err(err).Str("module", d.ID).Str("source", d.Source).Msg("Module install failed")
		return Failed(err)
	}

	dl.logger.Info().
		Str("module", d.ID).
		Str("version", d.Version).
		Str("path", path).
		Dur("duration", dl.now().Sub(start)).
		Msg("module installed")

	return Installed(path, d.Version)
}

func (dl *Downloader) fetchAndInstall(ctx context.Context, d *module.Descriptor, progress ProgressFunc) (string, error) {
	fetcher, src, err := dl.fetchers.For(d.Source)
	if err != nil {
		return "", module.NewInstallError(module.CodeUnsupported, d.ID, "cannot fetch package", err).WithOperation("fetch")
	}

	format, err := DetectFormat(d.Archive, src.Path)
	if err != nil {
		return "", module.NewInstallError(module.CodeUnsupported, d.ID, "cannot unpack package", err).WithOperation("extract")
	}

	stagingRoot := filepath.Join(d.ModulesRoot, StagingDir)
	if err := os.MkdirAll(stagingRoot, 0o755); err != nil {
		return "", classify(d.ID, "stage", module.CodeExtract, "cannot create staging directory", err)
	}
	staging := filepath.Join(stagingRoot, d.ID+"-"+uuid.NewString())
	if err := os.Mkdir(staging, 0o755); err != nil {
		return "", classify(d.ID, "stage", module.CodeExtract, "cannot create staging directory", err)
	}
	defer func() {
		if rmErr := os.RemoveAll(staging); rmErr != nil {
			dl.logger.Warn().Err(rmErr).Str("path", staging).Msg("Failed to remove staging directory")
		}
	}()

	blobPath := filepath.Join(staging, "package")
	if err := dl.fetch(ctx, d, fetcher, src, blobPath, progress); err != nil {
		return "", err
	}

	sum, size, err := fileChecksum(blobPath)
	if err != nil {
		return "", classify(d.ID, "verify", module.CodeExtract, "cannot read package", err)
	}
	if d.Size > 0 && size != d.Size {
		return "", module.NewInstallError(module.CodeChecksumMismatch, d.ID,
			fmt.Sprintf("package size %d does not match expected %d", size, d.Size), nil).WithOperation("verify")
	}
	if d.Checksum != "" && sum != d.Checksum {
		return "", module.NewInstallError(module.CodeChecksumMismatch, d.ID,
			fmt.Sprintf("package checksum %s does not match expected %s", sum, d.Checksum), nil).WithOperation("verify")
	}

	payload := filepath.Join(staging, "payload")
	if err := Extract(blobPath, payload, format); err != nil {
		return "", classify(d.ID, "extract", module.CodeExtract, "cannot unpack package", err)
	}

	if entry := d.ExpectedEntryPoint(); entry != "" {
		if _, err := os.Stat(filepath.Join(payload, entry)); err != nil {
			return "", module.NewInstallError(module.CodeExtract, d.ID,
				fmt.Sprintf("entry point %s missing from package", entry), err).WithOperation("extract")
		}
	}

	manifest := &Manifest{
		ModuleID:    d.ID,
		Version:     d.Version,
		Checksum:    sum,
		Size:        size,
		Source:      d.Source,
		InstalledAt: dl.now().UTC(),
	}
	if err := WriteManifest(payload, manifest); err != nil {
		return "", classify(d.ID, "manifest", module.CodeExtract, "cannot write manifest", err)
	}

	if err := ctx.Err(); err != nil {
		return "", module.NewInstallError(module.CodeCancelled, d.ID, "install cancelled", err).WithOperation("swap")
	}

	canonical := d.ManagedPath()
	if err := swapInto(payload, canonical, filepath.Join(staging, "previous")); err != nil {
		return "", classify(d.ID, "swap", module.CodeExtract, "cannot move package into place", err)
	}

	return canonical, nil
}

func (dl *Downloader) fetch(ctx context.Context, d *module.Descriptor, fetcher Fetcher, src *url.URL, blobPath string, progress ProgressFunc) error {
	out, err := os.Create(blobPath)
	if err != nil {
		return classify(d.ID, "fetch", module.CodeExtract, "cannot create staging file", err)
	}

	_, fetchErr := fetcher.Fetch(ctx, src, out, progress)
	closeErr := out.Close()

	if fetchErr != nil {
		if ctx.Err() != nil {
			return module.NewInstallError(module.CodeCancelled, d.ID, "download cancelled", ctx.Err()).WithOperation("fetch")
		}
		return classify(d.ID, "fetch", module.CodeNetwork, "download failed", fetchErr)
	}
	if closeErr != nil {
		return classify(d.ID, "fetch", module.CodeNetwork, "download failed", closeErr)
	}
	return nil
}

// swapInto renames payload to canonical. A previous install is moved to
// backup first and restored if the rename fails.
func swapInto(payload, canonical, backup string) error {
	if err := os.MkdirAll(filepath.Dir(canonical), 0o755); err != nil {
		return err
	}

	hadPrevious := false
	if _, err := os.Lstat(canonical); err == nil {
		if err := os.Rename(canonical, backup); err != nil {
			return fmt.Errorf("failed to move previous install aside: %w", err)
		}
		hadPrevious = true
	}

	if err := os.Rename(payload, canonical); err != nil {
		if hadPrevious {
			if rerr := os.Rename(backup, canonical); rerr != nil {
				return fmt.Errorf("%w (restoring previous install also failed: %v)", err, rerr)
			}
		}
		return err
	}

	return nil
}

// SweepStaging removes staging directories left behind by an interrupted
// install under modulesRoot. A previous install that was moved aside but
// never replaced is put back first. It returns the number of directories
// removed.
func SweepStaging(modulesRoot string, logger zerolog.Logger) (int, error) {
	stagingRoot := filepath.Join(modulesRoot, StagingDir)
	entries, err := os.ReadDir(stagingRoot)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}

	var (
		removed int
		errs    []error
	)
	for _, e := range entries {
		dir := filepath.Join(stagingRoot, e.Name())
		if id, ok := stagedModuleID(e.Name()); ok {
			previous := filepath.Join(dir, "previous")
			canonical := filepath.Join(modulesRoot, id)
			if _, err := os.Lstat(previous); err == nil {
				if _, err := os.Lstat(canonical); errors.Is(err, fs.ErrNotExist) {
					if err := os.Rename(previous, canonical); err != nil {
						errs = append(errs, fmt.Errorf("restore %s: %w", id, err))
						continue
					}
					logger.Warn().Str("module", id).Msg("Restored previous install from interrupted update")
				}
			}
		}
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
			continue
		}
		removed++
	}
	if removed > 0 {
		logger.Info().Int("count", removed).Str("dir", stagingRoot).Msg("Removed stale staging directories")
	}
	return removed, errors.Join(errs...)
}

// stagedModuleID extracts the module id from a "<id>-<uuid>" staging name.
func stagedModuleID(name string) (string, bool) {
	const suffix = 1 + 36
	if len(name) <= suffix || name[len(name)-suffix] != '-' {
		return "", false
	}
	if _, err := uuid.Parse(name[len(name)-suffix+1:]); err != nil {
		return "", false
	}
	return name[:len(name)-suffix], true
}

// classify wraps err as an install error, reporting DiskFull when the disk
// ran out of space and fallback otherwise.
func classify(moduleID, op string, fallback module.ErrorCode, message string, err error) error {
	code := fallback
	if errors.Is(err, syscall.ENOSPC) {
		code = module.CodeDiskFull
		message = "no space left on device"
	}
	return module.NewInstallError(code, moduleID, message, err).WithOperation(op)
}
