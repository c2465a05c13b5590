package databench

import (
	_ "embed"
	"strings"
)

//go:embed VERSION
var rawVersion string

// Version is the release of this module, reported as "backend_version" in
// every connect reply.
var Version = strings.TrimSpace(rawVersion)
