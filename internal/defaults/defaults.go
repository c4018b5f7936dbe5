// Package defaults provides the embedded example configuration written
// by the fsagent init subcommand.
package defaults

import _ "embed"

// ConfigYAML is the commented example configuration.
//
//go:embed config.example.yaml
var ConfigYAML []byte
