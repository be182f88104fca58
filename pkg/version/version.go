// Package version provides version information for the oracle-client application.
package version

// Version is the current version of the oracle-client application.
const Version = "0.3.0"

// AgentString returns the user agent sent to REST sources.
// Format: oracle-client/v{version}
func AgentString() string {
	return "oracle-client/v" + Version
}
