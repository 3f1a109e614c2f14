// Package buildinfo holds build-time metadata injected with -ldflags
package buildinfo

import "fmt"

// UnknownValue is reported for metadata that was not injected at build time
const UnknownValue = "unknown"

// Set by -ldflags "-X github.com/beaconwatch/beaconwatch/internal/buildinfo.Version=..."
var (
	Version   = ""
	BuildDate = ""
)

// Context contains build-time metadata that is not user-configurable
type Context struct {
	Version   string `json:"version"`
	BuildDate string `json:"build_date"`
}

// NewContext creates a Context; empty fields read back as UnknownValue
func NewContext(version, buildDate string) *Context {
	return &Context{Version: version, BuildDate: buildDate}
}

// Current returns the metadata of the running binary
func Current() *Context {
	return NewContext(Version, BuildDate)
}

// GetVersion returns the build version string
func (c *Context) GetVersion() string {
	if c == nil || c.Version == "" {
		return UnknownValue
	}
	return c.Version
}

// GetBuildDate returns the build date string
func (c *Context) GetBuildDate() string {
	if c == nil || c.BuildDate == "" {
		return UnknownValue
	}
	return c.BuildDate
}

// String formats the metadata for --version output
func (c *Context) String() string {
	return fmt.Sprintf("beaconwatch %s (built %s)", c.GetVersion(), c.GetBuildDate())
}
