package version

// Version is the build version, set at link time.
var Version = "0.0.0"
