// Package orchestrator hosts modules: it builds the registry from
// configuration, installs what is missing and keeps one supervised process
// per enabled module.
//
// A Runner is created once per host:
//
//	r, err := orchestrator.New(orchestrator.Config{
//		ModulesRoot:      "/var/lib/modrunner/modules",
//		PreInstalledRoot: "/opt/modrunner/modules",
//	}, orchestrator.WithTelemetry(tel))
//	if err != nil {
//		return err
//	}
//	return r.Run(ctx, file.Modules)
//
// Each enabled module gets a pipeline goroutine that resolves its install
// state, downloads the package if needed, waits until its dependencies are
// running and then hands over to a supervisor. Apply may be called again
// with a new configuration; only the modules whose descriptor changed are
// touched.
//
// Status and control are safe for concurrent use. Control requests answer
// immediately; their effect shows up in GetStatus.
package orchestrator
