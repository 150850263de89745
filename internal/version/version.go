package version

// Version is stamped at build time via -ldflags "-X driveindex/internal/version.Version=...".
var Version = "0.0.0-dev"

// Production is set to "1" on release builds. Index auto-start is gated on it.
var Production = ""

func String() string { return Version }

func IsProduction() bool { return Production == "1" }
