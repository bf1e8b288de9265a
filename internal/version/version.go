// Package version carries the service identity reported in the Server
// header and the CLI.
package version

// Version is the release of this build.
const Version = "0.2.0"

// Server is the value of the Server response header.
const Server = "textsurf/" + Version
