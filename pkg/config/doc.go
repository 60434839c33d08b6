// Package config loads the aiready configuration.
//
// A configuration file is YAML or CUE. CUE files are unified with a built-in
// #Config schema first, so type and enum mistakes are reported with file
// positions; both formats are then defaulted and checked with validator tags
// plus a few cross-field rules.
//
// Endpoint bodies come from one of four sources:
//
//   - content: an inline string
//   - file: read on every generation, relative to the config file
//   - document: a built-in document from package wellknown
//   - script: a Starlark program (inline or a .star path) that assigns body;
//     it sees the site settings as site and the endpoint path as path
//
// Watcher reloads the file on change and hands every configuration that
// loads cleanly to a callback.
//
// Example:
//
//	site:
//	  name: Kismet Hotel
//	  url: https://hotel.example.com
//	document_root:
//	  path: /var/www/html
//	policies:
//	  builtin: [forbid-server-config]
//	endpoints:
//	  - path: /llms.txt
//	    script: |
//	      body = "# " + site["name"] + "\n"
package config
