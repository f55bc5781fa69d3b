package policy

// BuiltinPolicies returns the policies every engine starts with.
func BuiltinPolicies() []Policy {
	return []Policy{
		insecureSourcePolicy(),
		unpinnedChecksumPolicy(),
		loaderInjectionPolicy(),
	}
}

// insecureSourcePolicy warns about packages fetched without transport
// security.
func insecureSourcePolicy() Policy {
	return Policy{
		Name:        "insecure-source",
		Description: "Warns when a downloadable module is fetched over plain http",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"install", "transport"},
		Rego: `package modrunner.policies.source

import rego.v1

deny contains violation if {
	input.module.install_type == "downloadable"
	startswith(lower(input.module.source), "http://")
	violation := {
		"message": sprintf("Module %s is downloaded over insecure http: %s", [input.module.id, input.module.source]),
		"severity": "warning",
	}
}
`,
	}
}

// unpinnedChecksumPolicy warns about downloadable packages that cannot be
// verified.
func unpinnedChecksumPolicy() Policy {
	return Policy{
		Name:        "unpinned-checksum",
		Description: "Warns when a downloadable module has no sha256 checksum",
		Severity:    SeverityWarning,
		Enabled:     true,
		Tags:        []string{"install", "integrity"},
		Rego: `package modrunner.policies.checksum

import rego.v1

deny contains violation if {
	input.module.install_type == "downloadable"
	not input.module.checksum
	violation := {
		"message": sprintf("Module %s has no checksum; the downloaded package is not verified", [input.module.id]),
		"severity": "warning",
	}
}
`,
	}
}

// loaderInjectionPolicy rejects environments that preload code into the
// module process.
func loaderInjectionPolicy() Policy {
	return Policy{
		Name:        "loader-injection",
		Description: "Denies modules whose environment sets dynamic loader injection variables",
		Severity:    SeverityError,
		Enabled:     true,
		Tags:        []string{"process", "security"},
		Rego: `package modrunner.policies.loader

import rego.v1

blocked := {"LD_PRELOAD", "LD_AUDIT", "DYLD_INSERT_LIBRARIES"}

deny contains violation if {
	some name, _ in input.module.env
	upper(name) in blocked
	violation := {
		"message": sprintf("Module %s sets %s in its environment", [input.module.id, name]),
		"severity": "error",
	}
}
`,
	}
}
