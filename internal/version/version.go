package version

// Set via -ldflags at build time.
var (
	AppName   = "cadenza"
	Version   = "dev"
	BuildDate = "unknown"
)
