package version

// Version is the current version of marketpipe.
// Can be overridden at build time with -ldflags "-X ...version.Version=..."
var Version = "0.3.0"

// Name is the application name.
const Name = "marketpipe"

// Description is a short description of the application.
const Description = "Market data ETL pipelines with idempotent loads"
