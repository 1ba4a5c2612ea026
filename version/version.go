package version

var version = "development"

// Version returns the service version set at build time via ldflags.
func Version() string {
	return version
}
