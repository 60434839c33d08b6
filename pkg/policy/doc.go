// Package policy gates candidate strategies with Open Policy Agent (OPA)
// admission rules before the executor runs them.
//
// Every policy is a Rego module whose package defines a `deny` set. The engine
// evaluates each enabled policy against an Input describing the endpoint, the
// candidate strategy and the capability report. A violation of severity
// error or critical denies the strategy; lower severities are returned as
// warnings.
//
// Creating an engine and enabling a built-in policy:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.EnablePolicy(policy.ForbidServerConfig); err != nil {
//	    return err
//	}
//
//	decisions, err := eng.Admit(ctx, desc, report, candidates)
//
// # Built-in Policies
//
// Built-ins are compiled at start-up but disabled:
//
//   - forbid-server-config denies strategies that edit .htaccess or web.config
//   - forbid-filesystem-writes leaves only application routing strategies
//   - warn-uncached-direct warns when a static manifest is written to disk
//     without a Cache-Control header
//
// # Custom Policies
//
// Policies in .rego files are named after the file and enabled on load. The
// leading comment block becomes the description, and a "# severity: warning"
// line lowers the default severity of error:
//
//	# Keep llms.txt out of the document root.
//	package custom.llms
//
//	import rego.v1
//
//	deny contains msg if {
//	    input.endpoint.path == "/llms.txt"
//	    input.strategy.writes_filesystem
//	    msg := "llms.txt must be routed"
//	}
//
// The Loader can watch policy directories and hand reloaded policies to
// Engine.ReplaceLoaded.
package policy
