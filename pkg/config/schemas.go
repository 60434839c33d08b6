package config

// configSchema constrains CUE configuration files. It mirrors the validator
// tags on Config; YAML files are checked by the tags alone.
const configSchema = `
#Duration: =~"^[0-9]+(ms|s|m|h)$"

#Site: {
	name: string & !=""
	url:  string
	mcp_servers?: [...{
		name:         string
		url:          string
		transport?:   "sse" | "streamable-http" | "stdio"
		description?: string
	}]
	crawlers?: {[string]: bool}
	links?: [...{
		section?: string
		title:    string
		url:      string
		notes?:   string
	}]
	...
}

#Endpoint: {
	path:                          =~"^/"
	kind?:                         "static-manifest" | "append-only-policy" | "proxy"
	content_type?:                 string
	cors?:                         bool
	cache_control?:                string
	allow_in_place_modification?:  bool
	methods?: [...("GET" | "HEAD" | "POST")]
	content?:  string
	file?:     string
	document?: "ai-plugin" | "mcp" | "robots" | "llms"
	script?:   string
}

#Config: {
	site: #Site

	server?: {
		listen?:       string
		admin_listen?: string
		admin_token?:  string
	}

	document_root?: {
		type?: "local" | "sftp"
		path?: string
		sftp?: {
			host:         string
			port?:        int & >0 & <=65535
			user:         string
			password?:    string
			private_key?: string
			passphrase?:  string
			known_hosts?: string
			timeout?:     #Duration
		}
	}

	probe?: {
		base_url?:     string
		timeout?:      #Duration
		insecure_tls?: bool
	}

	strategy?: {
		prefer_analytics?: bool
		overwrite_policy?: "never_overwrite" | "backup_then_overwrite" | "content_analysis" | "defer_to_operator"
		parallelism?:      int & >=1 & <=64
	}

	policies?: {
		builtin?: [...("forbid-server-config" | "forbid-filesystem-writes" | "warn-uncached-direct")]
		paths?: [...string]
		watch?: bool
	}

	store?: {
		driver?: "sqlite" | "memory"
		path?:   string
	}

	telemetry?: {
		log_level?:       "trace" | "debug" | "info" | "warn" | "error"
		log_format?:      "console" | "json"
		trace_exporter?:  "none" | "stdout" | "otlp"
		trace_endpoint?:  string
		sampling_rate?:   number & >=0 & <=1
		disable_metrics?: bool
		metrics_path?:    =~"^/"
	}

	proxy?: upstream?: string

	disable_defaults?: bool
	endpoints?: [...#Endpoint]
}
`
