// Package version holds the application identity reported on the wire.
package version

// AppVersion is sent as the client identifier in mining.subscribe requests
// and returned verbatim for client.get_version.
const AppVersion = "stratum-proxy/1.2.0"
