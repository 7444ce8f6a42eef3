// Package configs bundles the default configuration files.
package configs

import _ "embed"

// DefaultScript is the recruiting conversation used when no script_path
// is configured.
//
//go:embed script.yaml
var DefaultScript []byte
