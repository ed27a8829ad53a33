// Package pac generates the proxy-auto-config document published at
// GET /proxy.pac (spec.md §4.I, §6).
package pac

import "fmt"

// Document returns the deterministic FindProxyForURL PAC script routing
// anthropic.com and claude.ai (and their subdomains) through the
// dispatcher on 127.0.0.1:dispatcherPort, DIRECT otherwise.
func Document(dispatcherPort int) string {
	return fmt.Sprintf(`function FindProxyForURL(url, host) {
    if (host === "api.anthropic.com" || host.endsWith(".anthropic.com")) {
        return "PROXY 127.0.0.1:%d";
    }
    if (host === "claude.ai" || host.endsWith(".claude.ai")) {
        return "PROXY 127.0.0.1:%d";
    }
    return "DIRECT";
}
`, dispatcherPort, dispatcherPort)
}

// ContentType is the MIME type PAC documents must be served with.
const ContentType = "application/x-ns-proxy-autoconfig"
