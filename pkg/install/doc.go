// Package install decides whether a module's payload is usable on disk and
// fetches it when it is not.
//
// The Resolver is pure: it only inspects the filesystem. The Downloader
// performs the fetch, verify, extract and swap sequence and never leaves a
// partially extracted module at the canonical install path. The Manager owns
// the per-module install State, gates concurrent downloads behind one
// semaphore and makes repeated installs of a matching version a no-op.
//
// Layout of a modules root:
//
//	<root>/<module-id>/                     unpacked payload
//	<root>/<module-id>/modrunner-manifest.yaml
//	<root>/.staging/<module-id>-<uuid>/     in-flight download, always removed
package install
