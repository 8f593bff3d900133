// Package version holds the build version reported in the MCP initialize
// handshake and the health endpoint.
package version

// Version is overridable at build time:
//
//	go build -ldflags "-X github.com/meddler/meddler/internal/version.Version=1.2.3"
var Version = "0.1.0"
