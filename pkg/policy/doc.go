// Package policy admits modules into the registry with Open Policy Agent.
//
// Every enabled policy is a Rego module that reports findings through a
// "deny" set rule. The input document is
//
//	{
//	  "module":  <module.Descriptor as JSON>,
//	  "context": {"os": ..., "arch": ..., "environment": ..., "operation": "admit"}
//	}
//
// A deny member is either a message string or an object with "message" and
// optionally "severity". Violations with severity error or critical exclude
// the module from the registry with code POLICY_DENIED; warnings are logged
// and reported through the engine's violation hook.
//
// # Built-in Policies
//
//   - insecure-source: downloadable module fetched over plain http (warning)
//   - unpinned-checksum: downloadable module without a checksum (warning)
//   - loader-injection: LD_PRELOAD and similar in the module env (error)
//
// # Usage
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.LoadPolicies(ctx, cfg.ModuleOptions.PolicyPaths); err != nil {
//	    return err
//	}
//	reg, initErrs := module.BuildRegistry(ctx, raws, module.BuildOptions{Admission: eng})
//
// A custom policy file:
//
//	# Modules must come from the internal mirror.
//	# severity: error
//	package modrunner.custom.mirror
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.module.install_type == "downloadable"
//	    not startswith(input.module.source, "https://mirror.internal/")
//	    msg := sprintf("%s is not served from the mirror", [input.module.id])
//	}
package policy
