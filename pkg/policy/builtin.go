package policy

// Built-in policy names.
const (
	ForbidServerConfig     = "forbid-server-config"
	ForbidFilesystemWrites = "forbid-filesystem-writes"
	WarnUncachedDirect     = "warn-uncached-direct"
)

// BuiltinPolicies returns the built-in policies. All are disabled until the
// operator enables them.
func BuiltinPolicies() []Policy {
	return []Policy{
		forbidServerConfigPolicy(),
		forbidFilesystemWritesPolicy(),
		warnUncachedDirectPolicy(),
	}
}

// forbidServerConfigPolicy keeps the engine out of .htaccess and web.config.
func forbidServerConfigPolicy() Policy {
	return Policy{
		Name:        ForbidServerConfig,
		Description: "Denies strategies that edit per-directory server configuration",
		Severity:    SeverityError,
		Tags:        []string{"server-config"},
		Rego: `package aiready.policies.server_config

import rego.v1

deny contains violation if {
	some block in input.strategy.blocks
	block == "add-auxiliary-server-config"
	violation := {
		"message": sprintf("strategy %s edits per-directory server configuration", [input.strategy.id]),
		"severity": "error",
	}
}`,
	}
}

// forbidFilesystemWritesPolicy restricts the engine to application routing.
func forbidFilesystemWritesPolicy() Policy {
	return Policy{
		Name:        ForbidFilesystemWrites,
		Description: "Denies strategies that write into the document root",
		Severity:    SeverityError,
		Tags:        []string{"filesystem"},
		Rego: `package aiready.policies.filesystem

import rego.v1

deny contains violation if {
	input.strategy.writes_filesystem
	violation := {
		"message": sprintf("strategy %s writes to the document root of %s", [input.strategy.id, input.endpoint.path]),
		"severity": "error",
	}
}`,
	}
}

// warnUncachedDirectPolicy flags static files published without cache headers.
func warnUncachedDirectPolicy() Policy {
	return Policy{
		Name:        WarnUncachedDirect,
		Description: "Warns when a static document is served from disk without Cache-Control",
		Severity:    SeverityWarning,
		Tags:        []string{"caching"},
		Rego: `package aiready.policies.caching

import rego.v1

deny contains violation if {
	input.strategy.writes_filesystem
	input.endpoint.kind == "static-manifest"
	not input.endpoint.cache_control
	violation := {
		"message": sprintf("%s is served from disk without a Cache-Control header", [input.endpoint.path]),
		"severity": "warning",
	}
}`,
	}
}
