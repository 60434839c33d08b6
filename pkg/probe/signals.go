package probe

import (
	"net/http"
	"strings"

	"github.com/kismet-tech/aiready/pkg/engine"
)

// sessionCookies are cookie name prefixes set by common application stacks.
var sessionCookies = []string{"phpsessid", "wordpress_", "laravel_session", "jsessionid", "session"}

// htmlMarkers indicate a templated page rather than a raw file.
var htmlMarkers = []string{"<!doctype html", "<html", "wp-content"}

// applicationSignal returns a description of the first sign that resp was
// produced by the application rather than the web server, or "". These are
// heuristics: a static file may carry X-Powered-By when a server module adds
// it globally, and an application may strip all of them.
func applicationSignal(resp *http.Response, body string) string {
	if resp.Header.Get(engine.RouteHeader) != "" {
		return "routing header " + engine.RouteHeader
	}
	if v := resp.Header.Get("X-Powered-By"); v != "" {
		return "X-Powered-By: " + v
	}
	for _, c := range resp.Cookies() {
		name := strings.ToLower(c.Name)
		for _, prefix := range sessionCookies {
			if strings.HasPrefix(name, prefix) {
				return "session cookie " + c.Name
			}
		}
	}
	lower := strings.ToLower(body)
	for _, m := range htmlMarkers {
		if strings.Contains(lower, m) {
			return "HTML marker " + m
		}
	}
	return ""
}

// detectFamily sets family from the Server header when it is still unknown.
func detectFamily(h http.Header, family *engine.ServerFamily) {
	if *family != engine.ServerUnknown {
		return
	}
	*family = FamilyFromServerHeader(h.Get("Server"))
}

// FamilyFromServerHeader maps a Server header value to a server family.
// LiteSpeed and OpenLiteSpeed read .htaccess and count as apache.
func FamilyFromServerHeader(server string) engine.ServerFamily {
	s := strings.ToLower(server)
	switch {
	case strings.Contains(s, "apache"), strings.Contains(s, "litespeed"):
		return engine.ServerApache
	case strings.Contains(s, "nginx"), strings.Contains(s, "openresty"):
		return engine.ServerNginx
	case strings.Contains(s, "microsoft-iis"):
		return engine.ServerIIS
	default:
		return engine.ServerUnknown
	}
}
