// Package module defines module descriptors, the immutable module registry and
// the error taxonomy shared by the installer, the supervisor and the
// orchestrator.
//
// A registry is built once from raw configuration with BuildRegistry. Building
// never fails wholesale: every descriptor that does not validate is excluded
// and reported as an InitError, and the rest of the registry is usable.
//
//	reg, initErrs := module.BuildRegistry(ctx, raws, module.BuildOptions{
//		ModulesRoot:      "/var/lib/modrunner/modules",
//		PreInstalledRoot: "/opt/modrunner/preinstalled",
//	})
//	for _, ie := range initErrs {
//		log.Warn().Str("module", ie.ModuleID).Msg(ie.Reason)
//	}
//
// Registries are never edited in place. A configuration reload builds a new
// registry and the orchestrator swaps it in.
package module
